// Package worker runs a single dispatched job: its primary action, the
// matching follow-up, and the final completion of its record.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"jobsched/internal/domain"
	"jobsched/internal/handlers"
)

// JobStore is the slice of the store a Runner writes to.
type JobStore interface {
	Complete(ctx context.Context, id string) error
	RecordExecution(ctx context.Context, e domain.Execution) error
}

type Runner struct {
	store    JobStore
	registry *handlers.Registry
	now      func() time.Time
}

func NewRunner(store JobStore, registry *handlers.Registry) *Runner {
	return &Runner{store: store, registry: registry, now: time.Now}
}

// Run executes rec once. It never panics and never returns an error: every
// failure is logged, recorded as an execution, and the record always ends
// up completed.
func (r *Runner) Run(ctx context.Context, rec domain.JobRecord) {
	logger := log.With().
		Str("job_id", rec.ID).
		Str("job_name", rec.Name).
		Str("job_category", rec.Category).
		Logger()

	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("uncaught panic in job runner")
		}
		if err := r.store.Complete(ctx, rec.ID); err != nil {
			logger.Error().Err(err).Msg("failed to mark job completed")
			return
		}
		logger.Debug().Msg("job completed")
	}()

	logger.Debug().Time("run_at", rec.RunAt).Str("action", rec.Action.String()).Msg("running job")

	jc := rec.Context()
	outcome := r.execute(ctx, logger, jc, domain.PhasePrimary, rec.Action)

	if !outcome.Success {
		logger.Error().Int("status_code", outcome.StatusCode).Str("detail", outcome.Detail).Msg("job action failed")
		if rec.OnFailure != nil {
			r.followUp(ctx, logger, jc, domain.PhaseOnFailure, *rec.OnFailure)
		}
		return
	}

	logger.Info().Int("status_code", outcome.StatusCode).Msg("job action succeeded")
	if rec.OnSuccess != nil {
		r.followUp(ctx, logger, jc, domain.PhaseOnSuccess, *rec.OnSuccess)
	}
}

func (r *Runner) followUp(ctx context.Context, logger zerolog.Logger, jc domain.JobContext, phase domain.Phase, action domain.Action) {
	out := r.execute(ctx, logger, jc, phase, action)
	ev := logger.Info()
	if !out.Success {
		ev = logger.Error()
	}
	ev.Str("phase", string(phase)).
		Int("status_code", out.StatusCode).
		Str("detail", out.Detail).
		Msgf("follow-up action %s", outcomeWord(out))
}

// execute resolves and runs one action, turning resolution errors and
// panics into failed outcomes. Each attempt is recorded.
func (r *Runner) execute(ctx context.Context, logger zerolog.Logger, jc domain.JobContext, phase domain.Phase, action domain.Action) (out handlers.Outcome) {
	started := r.now()
	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Str("phase", string(phase)).
				Interface("panic", p).
				Msg("action panicked")
			out = handlers.Failedf("action panicked: %v", p)
		}
		r.record(ctx, logger, domain.Execution{
			JobID:      jc.JobID,
			Phase:      phase,
			Success:    out.Success,
			StatusCode: out.StatusCode,
			Detail:     truncate(out.Detail, 1024),
			StartedAt:  started,
			FinishedAt: r.now(),
		})
	}()

	exec, err := r.registry.Resolve(action)
	if err != nil {
		logger.Error().Err(err).Str("phase", string(phase)).Msg("cannot resolve action")
		return handlers.Failed(0, err.Error())
	}
	return exec.Execute(ctx, jc, action)
}

func (r *Runner) record(ctx context.Context, logger zerolog.Logger, e domain.Execution) {
	if err := r.store.RecordExecution(ctx, e); err != nil {
		logger.Warn().Err(err).Str("phase", string(e.Phase)).Msg("failed to record execution")
	}
}

func outcomeWord(o handlers.Outcome) string {
	if o.Success {
		return "succeeded"
	}
	return "failed"
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return fmt.Sprintf("%s…(%d bytes truncated)", s[:n], len(s)-n)
}
