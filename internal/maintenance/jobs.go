// Package maintenance runs the periodic housekeeping of the gateway on cron schedules:
// purging expired rows from the store and reaping idle delivery sessions.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const jobTimeout = time.Minute

// Purger deletes rows whose expires_at has passed.
type Purger interface {
	PurgeExpired(ctx context.Context, source string, now time.Time) (int64, error)
}

// Reaper shuts down sessions idle since before cutoff and reports how many it closed.
type Reaper interface {
	Reap(cutoff time.Time) int
}

type Scheduler struct {
	parser cron.Parser
	c      *cron.Cron
	clock  clockwork.Clock
	log    zerolog.Logger
}

func New(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		parser: parser,
		c: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		clock: clock,
		log:   log.With().Str("component", "maintenance").Logger(),
	}
}

// AddPurge schedules an expired-row purge over every source.
func (s *Scheduler) AddPurge(spec string, store Purger, sources []string) error {
	return s.add("purge", spec, s.PurgeJob(store, sources))
}

// AddReap schedules reaping of sessions idle for longer than idle.
func (s *Scheduler) AddReap(spec string, r Reaper, idle time.Duration) error {
	return s.add("reap", spec, s.ReapJob(r, idle))
}

func (s *Scheduler) add(name, spec string, job func()) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("%s schedule %q: %w", name, spec, err)
	}
	if _, err := s.c.AddFunc(spec, job); err != nil {
		return fmt.Errorf("%s schedule %q: %w", name, spec, err)
	}
	s.log.Info().Str("job", name).Str("schedule", spec).Msg("maintenance job scheduled")
	return nil
}

// PurgeJob returns the purge job body. A failing source does not stop the others.
func (s *Scheduler) PurgeJob(store Purger, sources []string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		now := s.clock.Now()
		for _, source := range sources {
			n, err := store.PurgeExpired(ctx, source, now)
			if err != nil {
				s.log.Error().Err(err).Str("source", source).Msg("purge expired failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int64("rows", n).Str("source", source).Msg("expired notifications purged")
			}
		}
	}
}

func (s *Scheduler) ReapJob(r Reaper, idle time.Duration) func() {
	return func() {
		if n := r.Reap(s.clock.Now().Add(-idle)); n > 0 {
			s.log.Info().Int("sessions", n).Msg("idle sessions reaped")
		}
	}
}

func (s *Scheduler) Len() int { return len(s.c.Entries()) }

func (s *Scheduler) Start() { s.c.Start() }

// Stop stops scheduling and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn().Msg("maintenance jobs still running at shutdown")
	}
}
