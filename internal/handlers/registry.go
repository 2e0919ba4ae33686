// Package handlers resolves job actions to the executors that run them.
package handlers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"jobsched/internal/domain"
)

// Outcome is the result of one action execution. Failures are values, not
// errors: a failed action never aborts the job that carried it.
type Outcome struct {
	Success    bool
	StatusCode int
	Detail     string
}

func Succeeded(statusCode int, detail string) Outcome {
	return Outcome{Success: true, StatusCode: statusCode, Detail: detail}
}

func Failed(statusCode int, reason string) Outcome {
	return Outcome{StatusCode: statusCode, Detail: reason}
}

func Failedf(format string, args ...any) Outcome {
	return Outcome{Detail: fmt.Sprintf(format, args...)}
}

func (o Outcome) String() string {
	state := "failure"
	if o.Success {
		state = "success"
	}
	if o.StatusCode != 0 {
		return fmt.Sprintf("%s (status=%d) %s", state, o.StatusCode, o.Detail)
	}
	return state + " " + o.Detail
}

// Executor runs one kind of action.
type Executor interface {
	Execute(ctx context.Context, jc domain.JobContext, action domain.Action) Outcome
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, jc domain.JobContext, action domain.Action) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, jc domain.JobContext, action domain.Action) Outcome {
	return f(ctx, jc, action)
}

// Registry maps action kinds to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(kind string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = e
}

func (r *Registry) Supports(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Resolve returns the executor for a's kind, or ErrUnsupportedAction.
// Actions whose stored parameters could not be decoded fail with ErrInvalidJob.
func (r *Registry) Resolve(a domain.Action) (Executor, error) {
	if a.Undecodable != "" {
		return nil, errors.Wrapf(domain.ErrInvalidJob, "stored %s action cannot be decoded: %s", a.Unrecognized, a.Undecodable)
	}
	kind := a.Kind()
	r.mu.RLock()
	e, ok := r.executors[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(domain.ErrUnsupportedAction, "kind %q", kind)
	}
	return e, nil
}

// Check validates every action of j and verifies each kind is registered.
func (r *Registry) Check(j domain.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	for _, a := range j.Actions() {
		if !r.Supports(a.Kind()) {
			return errors.WithHintf(
				errors.Wrapf(domain.ErrUnsupportedAction, "kind %q", a.Kind()),
				"supported kinds: %v", r.Kinds())
		}
	}
	return nil
}
