package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"jobsched/internal/domain"
)

// retryDelay is how soon the loop retries after the store failed it.
const retryDelay = time.Second

// run is the scheduler loop. It is the only goroutine touching s.index.
func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}
		timer.Reset(s.tick(ctx))
	}
}

// tick reconciles with the store, dispatches everything due and returns how
// long to sleep before the next wake.
func (s *Service) tick(ctx context.Context) time.Duration {
	records, err := s.reconcile(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to reconcile with job store")
		return min(retryDelay, s.opts.MaxSleep)
	}

	now := s.now()
	deferred := 0
	for _, rec := range records {
		if rec.RunAt.After(now) {
			break
		}
		if ctx.Err() != nil {
			return 0
		}
		ok, err := s.dispatch(ctx, rec)
		if err != nil {
			log.Error().Err(err).Str("job_id", rec.ID).Msg("failed to dispatch job")
		}
		if !ok {
			deferred++
		}
	}
	if deferred > 0 {
		log.Debug().Int("deferred", deferred).Msg("concurrency cap reached, deferring due jobs")
	}

	return s.sleepFor(now)
}

// reconcile rebuilds the due-time index from the store's scheduled records
// and returns them ordered by due time.
func (s *Service) reconcile(ctx context.Context) ([]domain.JobRecord, error) {
	records, err := s.repo.ListByStatus(ctx, domain.StatusScheduled)
	if err != nil {
		return nil, err
	}
	clear(s.index)
	for _, rec := range records {
		s.index[rec.ID] = rec.RunAt
	}
	return records, nil
}

// sleepFor returns the time until the earliest job due after now, capped by
// MaxSleep. Jobs already due but deferred are picked up when a running
// execution finishes and wakes the loop.
func (s *Service) sleepFor(now time.Time) time.Duration {
	sleep := s.opts.MaxSleep
	for _, due := range s.index {
		if d := due.Sub(now); d > 0 && d < sleep {
			sleep = d
		}
	}
	return sleep
}

// dispatch hands rec to the runner when both concurrency caps admit it.
// The process-wide slot is taken first so a refused job costs no store write.
func (s *Service) dispatch(ctx context.Context, rec domain.JobRecord) (bool, error) {
	if !s.slots.TryAcquire(1) {
		return false, nil
	}
	ok, err := s.repo.Dispatch(ctx, rec.ID, s.opts.PerJobCap)
	if err != nil || !ok {
		s.slots.Release(1)
		return false, err
	}
	delete(s.index, rec.ID)
	rec.Status = domain.StatusDispatched
	rec.InstanceCount++

	log.Debug().
		Str("job_id", rec.ID).
		Str("job_name", rec.Name).
		Dur("late_by", s.now().Sub(rec.RunAt)).
		Msg("dispatching job")

	execCtx := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.notify()
		defer s.slots.Release(1)
		s.runner.Run(execCtx, rec)
	}()
	return true, nil
}
