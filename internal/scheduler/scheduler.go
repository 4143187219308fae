package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/botflow-dev/botflow/internal/engine"
	"github.com/botflow-dev/botflow/internal/store"
)

// DefaultTickInterval is how often the scheduler checks for due work. Paused
// delays can be as short as 100ms, so the tick is much tighter than a cron
// granularity would need.
const DefaultTickInterval = time.Second

// FlowResumer continues a suspended run. Satisfied by engine.Coordinator.
type FlowResumer interface {
	ResumePaused(ctx context.Context, paused *store.PausedRun) (*engine.RunResult, error)
}

// BroadcastRunner injects a broadcast message into its flow. Satisfied by
// engine.Coordinator.
type BroadcastRunner interface {
	Broadcast(ctx context.Context, b *store.Broadcast) (*engine.RunResult, error)
}

// Scheduler polls the store for due paused runs and broadcasts and drives
// them through the coordinator.
type Scheduler struct {
	store       store.Store
	resumer     FlowResumer
	broadcaster BroadcastRunner
	parser      cron.Parser
	interval    time.Duration
	logger      *slog.Logger
	cancel      context.CancelFunc
	done        chan struct{}
	mu          sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // work keys currently executing (dedup)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the polling interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// NewScheduler creates a new Scheduler.
func NewScheduler(st store.Store, resumer FlowResumer, broadcaster BroadcastRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:       st,
		resumer:     resumer,
		broadcaster: broadcaster,
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval:    DefaultTickInterval,
		logger:      logger,
		inflight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick resumes due paused runs and fires due broadcasts.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	s.resumeDue(ctx, now)
	s.fireDue(ctx, now)
}

// resumeDue continues every paused run whose wait has elapsed. The
// coordinator consumes the paused row itself, so a failed resume is not
// retried on the next tick.
func (s *Scheduler) resumeDue(ctx context.Context, now time.Time) {
	due, err := s.store.DuePausedRuns(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due paused runs", slog.String("error", err.Error()))
		return
	}

	for _, p := range due {
		key := "resume:" + p.RunID
		if !s.tryAcquire(key) {
			continue // already resuming (dedup)
		}
		if _, err := s.resumer.ResumePaused(ctx, p); err != nil {
			s.logger.Error("failed to resume paused run",
				slog.String("run_id", p.RunID),
				slog.String("block_id", p.BlockID),
				slog.String("error", err.Error()),
			)
		}
		s.release(key)
	}
}

// fireDue runs every enabled broadcast that is due and advances its schedule.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	broadcasts, err := s.store.ListBroadcasts(ctx, true)
	if err != nil {
		s.logger.Error("failed to list broadcasts", slog.String("error", err.Error()))
		return
	}

	for _, b := range broadcasts {
		if b.NextRunAt != nil && b.NextRunAt.After(now) {
			continue
		}
		key := "broadcast:" + b.ID
		if !s.tryAcquire(key) {
			continue
		}
		if err := s.runBroadcast(ctx, b, now); err != nil {
			s.logger.Error("failed to run broadcast",
				slog.String("broadcast_id", b.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(key)
	}
}

// runBroadcast fires one broadcast and updates its timestamps.
func (s *Scheduler) runBroadcast(ctx context.Context, b *store.Broadcast, now time.Time) error {
	s.logger.Info("running broadcast",
		slog.String("broadcast_id", b.ID),
		slog.String("flow_id", b.FlowID),
	)

	if _, err := s.broadcaster.Broadcast(ctx, b); err != nil {
		s.logger.Error("broadcast execution failed",
			slog.String("broadcast_id", b.ID),
			slog.String("error", err.Error()),
		)
	}

	nextRun, err := s.CalculateNextRun(b.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for broadcast %q: %w", b.ID, err)
	}
	return s.store.UpdateBroadcast(ctx, b.ID, store.BroadcastUpdate{
		LastRunAt: &now,
		NextRunAt: &nextRun,
	})
}

// RecoverMissed fires broadcasts that missed their next_run_at while the
// process was down, once each.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	broadcasts, err := s.store.ListBroadcasts(ctx, true)
	if err != nil {
		return fmt.Errorf("list missed broadcasts: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, b := range broadcasts {
		if b.NextRunAt == nil || !b.NextRunAt.Before(now) {
			continue
		}
		key := "broadcast:" + b.ID
		if !s.tryAcquire(key) {
			continue
		}
		if err := s.runBroadcast(ctx, b, now); err != nil {
			s.logger.Error("failed to recover missed broadcast",
				slog.String("broadcast_id", b.ID),
				slog.String("error", err.Error()),
			)
			s.release(key)
			continue
		}
		s.release(key)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed broadcasts", slog.Int("count", recovered))
	}
	return nil
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// tryAcquire returns true and marks the key as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

// release removes the key from the in-flight set.
func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
