package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const purgeTimeout = 30 * time.Second

// ValidateCronExpression validates a purge schedule.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

func (s *Service) newRetentionCron() (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(s.opts.Location))
	if _, err := c.AddFunc(s.opts.Retention.PurgeSchedule, s.purgeTick); err != nil {
		return nil, errors.Wrapf(err, "invalid purge schedule %q", s.opts.Retention.PurgeSchedule)
	}
	return c, nil
}

func (s *Service) purgeTick() {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()
	if _, err := s.Purge(ctx); err != nil {
		log.Error().Err(err).Msg("failed to purge finished jobs")
	}
}

// Purge deletes completed and removed records that are past retention.
func (s *Service) Purge(ctx context.Context) (int, error) {
	cutoff := s.now()
	if s.opts.Retention.Keep {
		cutoff = cutoff.Add(-s.opts.Retention.MaxAge)
	}
	n, err := s.repo.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("purged", n).Time("cutoff", cutoff).Msg("purged finished jobs")
	}
	return n, nil
}
