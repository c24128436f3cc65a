// Package housekeeping runs the registry's background maintenance on a
// cron schedule: sweeping duplicate disconnected Terminals (its only job).
// It repurposes the teacher's
// robfig/cron/v3 dependency (originally used to schedule user-defined
// job-execution crons) for server-internal janitorial work instead, since
// that feature is not part of this server's scope (see DESIGN.md).
package housekeeping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Registry is the subset of *registry.Registry housekeeping depends on.
type Registry interface {
	CleanupDuplicates() int
}

// Scheduler drives periodic registry maintenance via a cron expression
// parser, matching the teacher's own cron.New(cron.WithParser(...)) setup.
type Scheduler struct {
	cron *cron.Cron
	reg  Registry
	log  *zap.SugaredLogger
}

// New builds a Scheduler that runs CleanupDuplicates on the given cron
// spec (default every 5 minutes if spec is empty).
func New(reg Registry, spec string, log *zap.SugaredLogger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if spec == "" {
		spec = "@every 5m"
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.SecondOptional | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))

	s := &Scheduler{cron: c, reg: reg, log: log.Named("housekeeping")}
	if _, err := c.AddFunc(spec, s.runCleanup); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) runCleanup() {
	removed := s.reg.CleanupDuplicates()
	if removed > 0 {
		s.log.Infow("cleaned up duplicate terminals", "removed", removed)
	}
}

// CleanupDuplicates exposes an on-demand sweep for the HTTP surface's
// POST /mux/cleanup endpoint, outside the cron schedule.
func (s *Scheduler) CleanupDuplicates() int {
	return s.reg.CleanupDuplicates()
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop blocks until any in-flight job finishes or ctx is cancelled.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}
