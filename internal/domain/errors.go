package domain

import (
	"github.com/cockroachdb/errors"
)

// Client errors: caused by the caller, never retried.
var (
	ErrNotFound          = errors.New("job not found")
	ErrConflict          = errors.New("job id already exists")
	ErrInvalidJob        = errors.New("invalid job")
	ErrUnsupportedAction = errors.New("unsupported action")
)

// ErrStoreUnavailable marks failures of the job store itself.
var ErrStoreUnavailable = errors.New("job store unavailable")

func IsClientError(err error) bool {
	return errors.IsAny(err, ErrNotFound, ErrConflict, ErrInvalidJob, ErrUnsupportedAction)
}

func IsInfrastructureError(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
