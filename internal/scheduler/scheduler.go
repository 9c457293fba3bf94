// Package scheduler triggers mirror passes on a cron expression, as an
// alternative to the fixed-delay loop.
package scheduler

import (
	"github.com/robfig/cron/v3"
)

// Scheduler runs mirror passes on a cron schedule. A pass that is still
// running when its next trigger fires is skipped, not stacked.
type Scheduler struct {
	cron *cron.Cron
}

// New creates a scheduler using standard 5-field cron expressions
// (minute, hour, day-of-month, month, day-of-week). It does not start
// until Start is called.
func New() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger), cron.Recover(cron.DefaultLogger)),
	)
	return &Scheduler{cron: c}
}

// AddPass schedules task on the given cron expression. It returns an
// error if the expression does not parse.
func (s *Scheduler) AddPass(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Start begins firing scheduled passes.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
