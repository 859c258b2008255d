package controlloop

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs Runners on an in-process cron schedule. It exists for
// single-binary deployments (internal/config.EnableInProcessCron); the
// same Runners are also individually triggerable over HTTP for
// deployments that prefer an external scheduler driving each loop.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewScheduler constructs an empty in-process scheduler.
func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		log:  log.With().Str("component", "controlloop_scheduler").Logger(),
	}
}

// Add schedules r to run on spec (standard 5-field cron syntax). A run
// that returns an error is logged but never removes the schedule entry.
func (s *Scheduler) Add(spec string, r Runner) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := r.Run(ctx); err != nil {
			s.log.Error().Err(err).Str("loop", r.Name()).Msg("control loop run failed")
		}
	})
	return err
}

// Start begins the scheduler in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until all running jobs finish, then returns.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// DefaultSchedule wires the standard 7 control loops onto their usual
// cadences: wake daemon ~60s, orphan revival/dream timeout/stale session
// archiver ~5min, relay expiry/dead-letter/sync-queue ~15min.
func DefaultSchedule(s *Scheduler, wake, orphan, dream, relayExpiry, deadLetter, staleSession, syncProcessor Runner) error {
	schedules := []struct {
		spec string
		r    Runner
	}{
		{"@every 60s", wake},
		{"@every 5m", orphan},
		{"@every 5m", dream},
		{"@every 15m", relayExpiry},
		{"@every 15m", deadLetter},
		{"@every 5m", staleSession},
		{"@every 15m", syncProcessor},
	}
	for _, sch := range schedules {
		if err := s.Add(sch.spec, sch.r); err != nil {
			return err
		}
	}
	return nil
}
