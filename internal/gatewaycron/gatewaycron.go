// Package gatewaycron schedules periodic gateway maintenance (currently
// terminal-session pruning) the way the teacher's marble services schedule
// recurring background work, but on cron expressions rather than plain
// tickers.
package gatewaycron

import (
	"github.com/robfig/cron/v3"

	"github.com/r3e-network/agent-gateway/internal/gateway"
	"github.com/r3e-network/agent-gateway/internal/obslog"
)

// Scheduler wraps a *cron.Cron configured with recurring gateway
// maintenance jobs.
type Scheduler struct {
	cron *cron.Cron
	log  *obslog.Logger
}

// New builds a Scheduler. It does not start running jobs until Start is
// called.
func New(log *obslog.Logger) *Scheduler {
	if log == nil {
		log = obslog.NewDefault("gatewaycron")
	}
	return &Scheduler{cron: cron.New(), log: log}
}

// SchedulePruning registers g.PruneSessions to run on spec (standard
// five-field cron syntax, e.g. "*/5 * * * *" for every five minutes).
func (s *Scheduler) SchedulePruning(spec string, g *gateway.Gateway) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		removed := g.PruneSessions()
		if removed > 0 {
			s.log.WithField("removed", removed).Info("pruned terminal sessions")
		}
	})
}

// Start begins running scheduled jobs in their own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
