// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package maintenance runs the periodic housekeeping jobs: sweeping status
// updates that never found their message, and warning about tenant tokens
// that are about to expire.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wainbox/ingestion/internal/models"
)

// Store is the subset of the message store used by the jobs.
type Store interface {
	SweepPendingStatuses(ctx context.Context, olderThan time.Duration) (int64, error)
	ListExpiringCredentials(ctx context.Context, within time.Duration) ([]models.ExpiringCredential, error)
}

// Config holds the job schedules and windows.
type Config struct {
	SweepSpec        string
	PendingStatusTTL time.Duration
	ExpirySpec       string
	ExpiryWarning    time.Duration
	JobTimeout       time.Duration
}

// DefaultConfig returns the production schedules.
func DefaultConfig() Config {
	return Config{
		SweepSpec:        "@every 1h",
		PendingStatusTTL: 24 * time.Hour,
		ExpirySpec:       "0 0 8 * * *",
		ExpiryWarning:    7 * 24 * time.Hour,
		JobTimeout:       time.Minute,
	}
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler owns the cron instance and the jobs registered on it.
type Scheduler struct {
	store Store
	cfg   Config
	sched *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewScheduler validates the schedules and registers the jobs. Start must be
// called to begin running them.
func NewScheduler(store Store, cfg Config) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = def.SweepSpec
	}
	if cfg.PendingStatusTTL <= 0 {
		cfg.PendingStatusTTL = def.PendingStatusTTL
	}
	if cfg.ExpirySpec == "" {
		cfg.ExpirySpec = def.ExpirySpec
	}
	if cfg.ExpiryWarning <= 0 {
		cfg.ExpiryWarning = def.ExpiryWarning
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}

	s := &Scheduler{
		store: store,
		cfg:   cfg,
		sched: cron.New(cron.WithLocation(time.UTC), cron.WithParser(cronParser)),
	}

	if _, err := s.sched.AddFunc(cfg.SweepSpec, s.job("sweep_pending_statuses", s.SweepPendingStatuses)); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", cfg.SweepSpec, err)
	}
	if _, err := s.sched.AddFunc(cfg.ExpirySpec, s.job("check_credential_expiry", s.CheckCredentialExpiry)); err != nil {
		return nil, fmt.Errorf("schedule expiry check %q: %w", cfg.ExpirySpec, err)
	}
	return s, nil
}

// Start begins running the scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.sched.Start()
	slog.Info("maintenance scheduler started",
		"sweep", s.cfg.SweepSpec,
		"expiry_check", s.cfg.ExpirySpec,
	)
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	<-s.sched.Stop().Done()
	slog.Info("maintenance scheduler stopped")
}

// job wraps a task with its own timeout and panic recovery.
func (s *Scheduler) job(name string, task func(ctx context.Context) error) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("maintenance job panicked", "job", name, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
		defer cancel()

		if err := task(ctx); err != nil {
			slog.Error("maintenance job failed", "job", name, "error", err)
		}
	}
}

// SweepPendingStatuses deletes buffered status updates whose message never
// arrived within the pending TTL.
func (s *Scheduler) SweepPendingStatuses(ctx context.Context) error {
	n, err := s.store.SweepPendingStatuses(ctx, s.cfg.PendingStatusTTL)
	if err != nil {
		return fmt.Errorf("sweep pending statuses: %w", err)
	}
	if n > 0 {
		slog.Info("swept orphaned status updates", "count", n, "older_than", s.cfg.PendingStatusTTL)
	}
	return nil
}

// CheckCredentialExpiry logs a warning for every active credential that
// expires inside the warning window.
func (s *Scheduler) CheckCredentialExpiry(ctx context.Context) error {
	creds, err := s.store.ListExpiringCredentials(ctx, s.cfg.ExpiryWarning)
	if err != nil {
		return fmt.Errorf("list expiring credentials: %w", err)
	}
	for _, c := range creds {
		slog.Warn("access token expires soon",
			"user_id", c.UserID,
			"account_id", c.AccountID,
			"phone_number_id", c.PhoneNumberID,
			"expires_in", time.Until(c.ExpiresAt).Round(time.Minute),
		)
	}
	return nil
}
