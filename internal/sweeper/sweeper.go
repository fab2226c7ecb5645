// Package sweeper runs the periodic passes that keep the pipeline moving:
// the fast tick feeds the delivery queue, the slow tick evicts stale
// registry entries and cleans up leftover files.
//
// The sweeper owns no timers; the scheduler registers its ticks as @every
// jobs. Every step is individually guarded: a failing step is logged and
// never blocks the rest of the tick or the next one.
package sweeper

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/DocPipe/internal/delivery"
	"github.com/BTreeMap/DocPipe/internal/mailbox"
	"github.com/BTreeMap/DocPipe/internal/scheduler"
	"github.com/BTreeMap/DocPipe/internal/store"
)

// Constants for sweeper configuration
const (
	// DefaultTTL bounds how long a registry entry may wait for its file
	DefaultTTL = 20 * time.Minute
	// DefaultMaxAttempts bounds how many ticks an entry may sit unfulfilled
	DefaultMaxAttempts = 80
	// DefaultFastInterval drives detection and delivery
	DefaultFastInterval = "@every 15s"
	// DefaultSlowInterval drives eviction and cleanup
	DefaultSlowInterval = "@every 5m"
	// DefaultPurgeAge is the minimum age before a leftover temp or backup
	// file is purged
	DefaultPurgeAge = 10 * time.Minute
)

// purgePatterns are leftover file shapes the slow tick removes once stale.
var purgePatterns = []string{"backup_*", "enmarcado_*", "*_temp_*"}

// Opts holds configuration options for the sweeper.
type Opts struct {
	TTL          time.Duration
	MaxAttempts  int
	FastInterval string
	SlowInterval string
	PurgeAge     time.Duration
}

// Option defines a configuration option for the sweeper.
type Option func(*Opts)

// WithTTL overrides the registry entry time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.TTL = ttl
	}
}

// WithMaxAttempts overrides the registry attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) {
		o.MaxAttempts = n
	}
}

// WithIntervals overrides the fast and slow tick schedules.
func WithIntervals(fast, slow string) Option {
	return func(o *Opts) {
		o.FastInterval = fast
		o.SlowInterval = slow
	}
}

// WithPurgeAge overrides the stale-file purge threshold.
func WithPurgeAge(age time.Duration) Option {
	return func(o *Opts) {
		o.PurgeAge = age
	}
}

// Sweeper coordinates the periodic pipeline passes.
type Sweeper struct {
	store store.Store
	inbox *mailbox.Inbox
	queue *delivery.Queue

	dropDir      string
	ttl          time.Duration
	maxAttempts  int
	fastInterval string
	slowInterval string
	purgeAge     time.Duration
}

// NewSweeper creates a sweeper over the given store, inbox, and queue.
func NewSweeper(st store.Store, inbox *mailbox.Inbox, queue *delivery.Queue, dropDir string, opts ...Option) *Sweeper {
	cfg := Opts{
		TTL:          DefaultTTL,
		MaxAttempts:  DefaultMaxAttempts,
		FastInterval: DefaultFastInterval,
		SlowInterval: DefaultSlowInterval,
		PurgeAge:     DefaultPurgeAge,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Sweeper{
		store:        st,
		inbox:        inbox,
		queue:        queue,
		dropDir:      dropDir,
		ttl:          cfg.TTL,
		maxAttempts:  cfg.MaxAttempts,
		fastInterval: cfg.FastInterval,
		slowInterval: cfg.SlowInterval,
		purgeAge:     cfg.PurgeAge,
	}
}

// Register installs the fast and slow ticks on the scheduler.
func (s *Sweeper) Register(ctx context.Context, sched *scheduler.Scheduler) error {
	if err := sched.AddJob(s.fastInterval, func() { s.FastTick(ctx) }); err != nil {
		return err
	}
	if err := sched.AddJob(s.slowInterval, func() { s.SlowTick(ctx) }); err != nil {
		return err
	}
	slog.Info("Sweeper ticks registered", "fast", s.fastInterval, "slow", s.slowInterval)
	return nil
}

// FastTick drains the deletion mailbox, detects new drop files, accounts
// attempts for unfulfilled registry entries, drains the outbound mailboxes,
// and triggers a delivery drain.
func (s *Sweeper) FastTick(ctx context.Context) {
	if n, err := s.inbox.DrainDeletions(ctx); err != nil {
		slog.Error("Sweeper.FastTick: deletion drain failed", "error", err)
	} else if n > 0 {
		slog.Debug("Sweeper.FastTick: deletions applied", "count", n)
	}

	newFiles, err := s.queue.Detect()
	if err != nil {
		slog.Error("Sweeper.FastTick: drop directory scan failed", "error", err)
	}

	// A tick that finds nothing for a non-empty registry is a missed
	// attempt for every waiting entry.
	if newFiles == 0 && err == nil {
		if count, err := s.store.CountPendingRequests(); err != nil {
			slog.Error("Sweeper.FastTick: registry count failed", "error", err)
		} else if count > 0 {
			if _, err := s.store.IncrementAllAttempts(); err != nil {
				slog.Error("Sweeper.FastTick: attempt accounting failed", "error", err)
			}
		}
	}

	if _, err := s.inbox.DrainNotifications(ctx); err != nil {
		slog.Error("Sweeper.FastTick: notification drain failed", "error", err)
	}
	if _, err := s.inbox.DrainQueuedMessages(ctx); err != nil {
		slog.Error("Sweeper.FastTick: queued-message drain failed", "error", err)
	}

	s.queue.Drain(ctx)
}

// SlowTick evicts expired registry entries, re-drains the deletion mailbox,
// purges stale temp and backup files, and logs queue diagnostics.
func (s *Sweeper) SlowTick(ctx context.Context) {
	if n, err := s.store.EvictExpired(s.ttl, s.maxAttempts); err != nil {
		slog.Error("Sweeper.SlowTick: eviction failed", "error", err)
	} else if n > 0 {
		slog.Info("Sweeper.SlowTick: expired registry entries evicted", "count", n)
	}

	if _, err := s.inbox.DrainDeletions(ctx); err != nil {
		slog.Error("Sweeper.SlowTick: deletion drain failed", "error", err)
	}

	if n := s.purgeStaleFiles(); n > 0 {
		slog.Info("Sweeper.SlowTick: stale files purged", "count", n)
	}

	if count, err := s.store.CountPendingRequests(); err == nil {
		slog.Debug("Sweeper.SlowTick: diagnostics", "pending", count, "queued", s.queue.Depth())
	}
}

// purgeStaleFiles removes leftover backup/temp files past the age threshold.
func (s *Sweeper) purgeStaleFiles() int {
	cutoff := time.Now().Add(-s.purgeAge)
	purged := 0
	for _, pattern := range purgePatterns {
		matches, err := filepath.Glob(filepath.Join(s.dropDir, pattern))
		if err != nil {
			continue
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil {
				slog.Warn("Sweeper: stale file purge failed", "error", err, "path", path)
				continue
			}
			purged++
			slog.Debug("Sweeper: stale file purged", "path", path)
		}
	}
	return purged
}
