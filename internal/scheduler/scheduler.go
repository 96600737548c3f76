// Package scheduler fires batches at their scheduled time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"batch_trader/internal/core"
	"batch_trader/internal/metrics"
	"batch_trader/internal/store"
)

// Dispatcher receives batches the scheduler has flipped to RUNNING.
type Dispatcher interface {
	EnqueueBatch(batchID int64)
}

// Scheduler polls the store for due batches. Starting a batch is a
// conditional write, so multiple ticks racing over the same row start it
// exactly once.
type Scheduler struct {
	store      *store.Store
	clock      core.IClock
	dispatcher Dispatcher
	logger     core.ILogger
	metrics    *metrics.Metrics

	tick      time.Duration
	missGrace time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(
	st *store.Store,
	clock core.IClock,
	dispatcher Dispatcher,
	logger core.ILogger,
	m *metrics.Metrics,
	tick, missGrace time.Duration,
) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      st,
		clock:      clock,
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "scheduler"),
		metrics:    m,
		tick:       tick,
		missGrace:  missGrace,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "tick", s.tick, "miss_grace", s.missGrace)
	s.wg.Add(1)
	go s.runLoop()
	return nil
}

// Stop stops the tick loop.
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("Scheduler tick failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// Tick performs a single scheduling pass: start immediate batches, start
// due scheduled batches, and expire batches missed beyond the grace window.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()
	triggered, expired := 0, 0
	outcome := "ok"

	immediate, err := s.store.ImmediateBatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to list immediate batches: %w", err)
	}
	for _, b := range immediate {
		if s.startBatch(ctx, b, now) {
			triggered++
		}
	}

	due, err := s.store.DueScheduledBatches(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due batches: %w", err)
	}
	for _, b := range due {
		if b.ScheduledAt != nil && now.Sub(*b.ScheduledAt) > s.missGrace {
			if s.expireBatch(ctx, b, now) {
				expired++
			}
			continue
		}
		if s.startBatch(ctx, b, now) {
			triggered++
		}
	}

	if err := s.store.RecordSchedulerRun(ctx, core.SchedulerRun{
		RanAt:     now,
		Triggered: triggered,
		Expired:   expired,
		Outcome:   outcome,
	}); err != nil {
		s.logger.Warn("Failed to record scheduler run", "error", err.Error())
	}
	return nil
}

func (s *Scheduler) startBatch(ctx context.Context, b *core.BatchJob, now time.Time) bool {
	ok, err := s.store.MarkBatchRunning(ctx, b.ID, now)
	if err != nil {
		s.logger.Error("Failed to start batch", "batch_id", b.ID, "error", err.Error())
		return false
	}
	if !ok {
		// Another tick or a manual command got there first.
		return false
	}

	s.logger.Info("Batch started", "batch_id", b.ID, "batch_code", b.BatchCode)
	s.metrics.SchedulerFires.Inc()
	if err := s.store.AppendEvent(ctx, b.ID, "INFO", "BATCH_STARTED",
		fmt.Sprintf("batch %s started", b.BatchCode)); err != nil {
		s.logger.Warn("Failed to append event", "error", err.Error())
	}
	s.dispatcher.EnqueueBatch(b.ID)
	return true
}

func (s *Scheduler) expireBatch(ctx context.Context, b *core.BatchJob, now time.Time) bool {
	ok, err := s.store.TransitionBatch(ctx, b.ID, core.BatchScheduled, core.BatchError)
	if err != nil {
		s.logger.Error("Failed to expire batch", "batch_id", b.ID, "error", err.Error())
		return false
	}
	if !ok {
		return false
	}

	s.logger.Warn("Batch missed its schedule",
		"batch_id", b.ID,
		"batch_code", b.BatchCode,
		"scheduled_at", b.ScheduledAt,
		"now", now)
	s.metrics.SchedulerMisses.Inc()
	if err := s.store.AppendEvent(ctx, b.ID, "ERROR", "SCHEDULE_MISSED",
		fmt.Sprintf("batch %s missed its window by more than %s", b.BatchCode, s.missGrace)); err != nil {
		s.logger.Warn("Failed to append event", "error", err.Error())
	}
	return true
}
