/**
 * @description
 * Cron scheduler for the recurring ledger audit. The audit job runs the
 * read-only consistency checks (orphans, missing identifiers, stale cached
 * balances) on a configurable schedule and logs its findings.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Job scheduling.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the recurring ledger audit job.
type Scheduler struct {
	cron     *cron.Cron
	service  *Service
	schedule string
}

// NewScheduler creates a scheduler that runs the ledger audit on the given
// cron schedule. An empty schedule disables the job.
func NewScheduler(service *Service, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		service:  service,
		schedule: schedule,
	}
}

// Start registers the audit job and starts the cron scheduler.
func (s *Scheduler) Start() {
	if s.schedule == "" {
		log.Printf("level=info component=scheduler msg=\"ledger audit schedule empty, job disabled\"")
		return
	}
	if _, err := s.cron.AddFunc(s.schedule, s.runAudit); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule ledger audit job\" schedule=%q err=%v", s.schedule, err)
		return
	}
	log.Printf("level=info component=scheduler msg=\"scheduled ledger audit job\" schedule=%q", s.schedule)
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runAudit() {
	log.Printf("level=info component=scheduler msg=\"starting ledger audit job\"")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	report, err := s.service.RunAudit(ctx)
	if err != nil {
		log.Printf("level=error component=scheduler msg=\"ledger audit job failed\" err=%v", err)
		return
	}
	log.Printf("level=info component=scheduler msg=\"ledger audit job finished\" clean=%v", report.Clean())
}
