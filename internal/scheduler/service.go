// Package scheduler owns the due-time index and the wake/dispatch loop, and
// exposes the operations callers use to submit, inspect and remove jobs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"jobsched/internal/domain"
	"jobsched/internal/handlers"
	"jobsched/internal/store"
	"jobsched/internal/worker"
)

type Options struct {
	// PerJobCap bounds concurrent executions of one job id.
	PerJobCap int
	// MaxConcurrent bounds concurrent executions across all jobs.
	MaxConcurrent int
	// MaxSleep is the longest the loop sleeps without re-reading the store.
	MaxSleep time.Duration
	Location *time.Location
	// RecoverDispatched reschedules jobs a previous process left dispatched.
	RecoverDispatched bool
	Retention         RetentionOptions
}

type RetentionOptions struct {
	// Keep retains completed and removed records for inspection until
	// MaxAge has passed. When false they are deleted as soon as possible.
	Keep          bool
	MaxAge        time.Duration
	PurgeSchedule string
}

func DefaultOptions() Options {
	return Options{
		PerJobCap:         1,
		MaxConcurrent:     3,
		MaxSleep:          time.Minute,
		Location:          time.UTC,
		RecoverDispatched: true,
		Retention: RetentionOptions{
			Keep:          true,
			MaxAge:        24 * time.Hour,
			PurgeSchedule: "@every 1h",
		},
	}
}

// Service is the scheduling engine. Construct one per process with
// NewService and share it by pointer.
type Service struct {
	repo     store.Repository
	runner   *worker.Runner
	registry *handlers.Registry
	opts     Options
	now      func() time.Time

	slots *semaphore.Weighted
	wake  chan struct{}
	cron  *cron.Cron

	// index is owned by the loop goroutine.
	index map[string]time.Time

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	inflight sync.WaitGroup
}

func NewService(repo store.Repository, registry *handlers.Registry, opts Options) *Service {
	def := DefaultOptions()
	if opts.PerJobCap < 1 {
		opts.PerJobCap = def.PerJobCap
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if opts.MaxSleep <= 0 {
		opts.MaxSleep = def.MaxSleep
	}
	if opts.Location == nil {
		opts.Location = def.Location
	}
	if opts.Retention.PurgeSchedule == "" {
		opts.Retention.PurgeSchedule = def.Retention.PurgeSchedule
	}
	return &Service{
		repo:     repo,
		runner:   worker.NewRunner(repo, registry),
		registry: registry,
		opts:     opts,
		now:      time.Now,
		slots:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		wake:     make(chan struct{}, 1),
		index:    make(map[string]time.Time),
	}
}

// Start verifies the store, recovers interrupted jobs and starts the loop
// and the retention cron. A store that cannot be reached is fatal here.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}

	if err := s.repo.Ping(ctx); err != nil {
		return errors.Wrap(err, "scheduler start")
	}
	if s.opts.RecoverDispatched {
		n, err := s.repo.RecoverDispatched(ctx)
		if err != nil {
			return errors.Wrap(err, "recover dispatched jobs")
		}
		if n > 0 {
			log.Warn().Int("recovered", n).Msg("rescheduled jobs interrupted by a previous shutdown")
		}
	}

	c, err := s.newRetentionCron()
	if err != nil {
		return err
	}
	s.cron = c
	s.cron.Start()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.started = true
	go s.run(loopCtx, s.loopDone)

	log.Info().
		Int("per_job_cap", s.opts.PerJobCap).
		Int("max_concurrent", s.opts.MaxConcurrent).
		Dur("max_sleep", s.opts.MaxSleep).
		Str("timezone", s.opts.Location.String()).
		Msg("scheduler started")
	return nil
}

// Stop ends the loop so nothing new is dispatched, then waits for in-flight
// executions to finish or for ctx to expire. Running actions are never
// cancelled; they end on their own timeout.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	done := s.loopDone
	s.mu.Unlock()

	<-done
	cronCtx := s.cron.Stop()

	finished := make(chan struct{})
	go func() {
		s.inflight.Wait()
		<-cronCtx.Done()
		close(finished)
	}()
	select {
	case <-finished:
		log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for running jobs")
	}
}

// notify wakes the loop. It never blocks; one pending signal is enough.
func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit validates j, persists it under a fresh id and wakes the loop.
func (s *Service) Submit(ctx context.Context, j domain.Job) (string, error) {
	if err := s.registry.Check(j); err != nil {
		return "", err
	}
	rec := domain.JobRecord{
		ScheduledJob: domain.ScheduledJob{ID: uuid.NewString(), Job: j},
		Status:       domain.StatusScheduled,
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		log.Error().Err(err).Str("job_id", rec.ID).Msg("error adding job to the scheduler")
		return "", err
	}
	s.notify()
	log.Debug().
		Str("job_id", rec.ID).
		Str("job_name", j.Name).
		Time("run_at", j.RunAt.In(s.opts.Location)).
		Msg("added job to the scheduler")
	return rec.ID, nil
}

var pendingStatuses = []domain.Status{domain.StatusScheduled, domain.StatusDispatched}

// ListPending returns jobs that are scheduled or running, by due time.
func (s *Service) ListPending(ctx context.Context) ([]domain.JobRecord, error) {
	return s.repo.ListByStatus(ctx, pendingStatuses...)
}

func (s *Service) CountPending(ctx context.Context) (int, error) {
	return s.repo.CountByStatus(ctx, pendingStatuses...)
}

// Healthy probes the store.
func (s *Service) Healthy(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Location is the timezone naive timestamps are read in.
func (s *Service) Location() *time.Location {
	return s.opts.Location
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.JobRecord, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Executions(ctx context.Context, id string) ([]domain.Execution, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListExecutions(ctx, id)
}

// Remove cancels a job that has not been dispatched yet. Jobs that are
// running, finished or unknown yield ErrNotFound.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.repo.Cancel(ctx, id); err != nil {
		return err
	}
	if !s.opts.Retention.Keep {
		if err := s.repo.Remove(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	s.notify()
	log.Debug().Str("job_id", id).Msg("removed job from scheduler")
	return nil
}

// RemoveAll cancels every job not yet dispatched and returns how many.
func (s *Service) RemoveAll(ctx context.Context) (int, error) {
	n, err := s.repo.CancelAll(ctx)
	if err != nil {
		return 0, err
	}
	if !s.opts.Retention.Keep {
		if _, err := s.repo.RemoveAll(ctx, domain.StatusRemoved); err != nil {
			return 0, err
		}
	}
	s.notify()
	log.Debug().Int("num_jobs", n).Msg("removed all unscheduled jobs from scheduler")
	return n, nil
}
