package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Resetter restores the wallet to its initial balance.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Scheduler runs the periodic wallet reset.
type Scheduler struct {
	cron    *cron.Cron
	wallet  Resetter
	timeout time.Duration
	log     *slog.Logger
}

// NewScheduler creates a Scheduler. Expressions use the six-field format with seconds.
func NewScheduler(wallet Resetter, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		wallet:  wallet,
		timeout: 10 * time.Second,
		log:     log.With("component", "scheduler"),
	}
}

// RegisterReset schedules a wallet reset. An empty expression registers nothing.
func (s *Scheduler) RegisterReset(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := s.cron.AddFunc(expr, s.resetTask); err != nil {
		return fmt.Errorf("register wallet reset %q: %w", expr, err)
	}
	s.log.Info("wallet reset scheduled", "cron", expr)
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) resetTask() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.wallet.Reset(ctx); err != nil {
		s.log.Error("scheduled wallet reset failed", "error", err)
		return
	}
	s.log.Info("scheduled wallet reset done")
}
