package domain

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Validate checks the shape of j and every action it carries.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.Wrap(ErrInvalidJob, "name is required")
	}
	if j.RunAt.IsZero() {
		return errors.Wrap(ErrInvalidJob, "run_at is required")
	}
	if err := j.Action.Validate(); err != nil {
		return errors.Wrap(err, "action")
	}
	if j.OnSuccess != nil {
		if err := j.OnSuccess.Validate(); err != nil {
			return errors.Wrap(err, "on_success")
		}
	}
	if j.OnFailure != nil {
		if err := j.OnFailure.Validate(); err != nil {
			return errors.Wrap(err, "on_failure")
		}
	}
	return nil
}

// Actions lists the primary action followed by any follow-ups.
func (j Job) Actions() []Action {
	out := []Action{j.Action}
	if j.OnSuccess != nil {
		out = append(out, *j.OnSuccess)
	}
	if j.OnFailure != nil {
		out = append(out, *j.OnFailure)
	}
	return out
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseRunAt accepts RFC 3339 timestamps, or ISO timestamps without an
// offset which are read in loc.
func ParseRunAt(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.Wrap(ErrInvalidJob, "run_at is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Wrapf(ErrInvalidJob, "run_at %q is not an ISO 8601 timestamp", raw)
}
