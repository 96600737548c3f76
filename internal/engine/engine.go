// Package engine submits entry orders for running batches. Every submit is
// preceded by an intent checkpoint in the store, so a crash between the
// checkpoint and the broker acknowledgement never causes a duplicate order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"batch_trader/internal/core"
	"batch_trader/internal/metrics"
	"batch_trader/internal/ratelimit"
	"batch_trader/internal/store"
	"batch_trader/pkg/concurrency"
	apperrors "batch_trader/pkg/errors"
)

// Engine drains the batch queue and fans item entries out to a worker pool.
type Engine struct {
	store   *store.Store
	broker  core.IBroker
	limiter *ratelimit.Limiter
	logger  core.ILogger
	metrics *metrics.Metrics

	pool  *concurrency.WorkerPool
	queue chan int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine.
func New(
	st *store.Store,
	broker core.IBroker,
	limiter *ratelimit.Limiter,
	logger core.ILogger,
	m *metrics.Metrics,
	maxWorkers int,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	lg := logger.WithField("component", "engine")
	return &Engine{
		store:   st,
		broker:  broker,
		limiter: limiter,
		logger:  lg,
		metrics: m,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "entry_submit",
			MaxWorkers: maxWorkers,
		}, lg),
		queue:  make(chan int64, 64),
		ctx:    ctx,
		cancel: cancel,
	}
}

// EnqueueBatch hands a running batch to the engine. Non-blocking: the
// dispatch loop re-discovers running batches on recovery, so a full queue
// only delays pickup.
func (e *Engine) EnqueueBatch(batchID int64) {
	select {
	case e.queue <- batchID:
	default:
		e.logger.Warn("Batch queue full, batch will be picked up on recovery", "batch_id", batchID)
	}
}

// Start launches the dispatch loop and re-enqueues batches that were
// running when the process last stopped.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return err
	}

	e.logger.Info("Starting execution engine")
	e.wg.Add(1)
	go e.runLoop()
	return nil
}

// Stop drains the dispatch loop and waits for in-flight submits.
func (e *Engine) Stop() error {
	e.logger.Info("Stopping execution engine")
	e.cancel()
	e.wg.Wait()
	e.pool.Stop()
	return nil
}

func (e *Engine) runLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case batchID := <-e.queue:
			if err := e.ProcessBatch(e.ctx, batchID); err != nil {
				e.logger.Error("Batch processing failed", "batch_id", batchID, "error", err.Error())
			}
		}
	}
}

// recover re-enqueues RUNNING batches and flags items whose entry state is
// unknowable: an intent was checkpointed but no broker acknowledgement was
// recorded. Those are never resubmitted.
func (e *Engine) recover(ctx context.Context) error {
	running, err := e.store.BatchesByStatus(ctx, core.BatchRunning)
	if err != nil {
		return fmt.Errorf("failed to list running batches: %w", err)
	}
	for _, b := range running {
		e.logger.Info("Recovering running batch", "batch_id", b.ID, "batch_code", b.BatchCode)

		sent, err := e.store.ItemsByStatus(ctx, b.ID, core.ItemEntrySent)
		if err != nil {
			return err
		}
		for _, item := range sent {
			if item.EntryOrderID != "" {
				continue // watcher will pick the order up
			}
			e.logger.Warn("Entry submit state unknown after restart, leaving for manual review",
				"item_id", item.ID, "symbol", item.Symbol, "entry_ref", item.EntryRef)
			if err := e.store.SetItemLastError(ctx, item.ID, "ENTRY_STATE_UNKNOWN: restarted between submit and acknowledgement"); err != nil {
				return err
			}
			if err := e.store.AppendEvent(ctx, b.ID, "WARN", "ENTRY_STATE_UNKNOWN",
				fmt.Sprintf("item %d (%s) restarted mid-submit, not resubmitting", item.ID, item.Symbol)); err != nil {
				return err
			}
		}

		e.EnqueueBatch(b.ID)
	}
	return nil
}

// ProcessBatch submits entries for every READY item of a batch.
func (e *Engine) ProcessBatch(ctx context.Context, batchID int64) error {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != core.BatchRunning {
		e.logger.Debug("Skipping batch, not running", "batch_id", batchID, "status", batch.Status)
		return nil
	}

	items, err := e.store.ItemsByStatus(ctx, batchID, core.ItemReady)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, item := range items {
		item := item
		wg.Add(1)
		if err := e.pool.Submit(func() {
			defer wg.Done()
			e.submitEntry(ctx, batch, item)
		}); err != nil {
			wg.Done()
			return err
		}
	}
	wg.Wait()
	return nil
}

// submitEntry claims the item, checkpoints the intent, and sends the entry.
func (e *Engine) submitEntry(ctx context.Context, batch *core.BatchJob, item *core.BatchItem) {
	ref := uuid.NewString()
	ok, err := e.store.ClaimItemEntry(ctx, item.ID, item.Version, ref)
	if err != nil {
		e.logger.Error("Failed to claim item", "item_id", item.ID, "error", err.Error())
		return
	}
	if !ok {
		// Someone else moved the item; nothing to do.
		return
	}
	item.EntryRef = ref
	item.Status = core.ItemEntrySent

	if err := e.limiter.WaitOrder(ctx); err != nil {
		e.handleSubmitFailure(ctx, batch, item, err)
		return
	}

	brokerOrderID, err := e.broker.SendEntry(ctx, item)
	if err != nil {
		e.handleSubmitFailure(ctx, batch, item, err)
		return
	}

	order := &core.Order{
		BatchItemID:   item.ID,
		Role:          core.RoleEntry,
		BrokerOrderID: brokerOrderID,
		ClientRef:     ref,
		Side:          item.Side,
		Qty:           item.Qty,
		OrderType:     core.OrderType(item.EntryType),
		Price:         item.EntryPrice,
	}
	if err := e.store.SetEntryAccepted(ctx, item, order); err != nil {
		// The broker holds a live order the store does not know about.
		e.logger.Error("Failed to record accepted entry",
			"item_id", item.ID, "broker_order_id", brokerOrderID, "error", err.Error())
		return
	}

	e.metrics.OrdersSubmitted.WithLabelValues("entry").Inc()
	e.logger.Info("Entry submitted",
		"item_id", item.ID,
		"symbol", item.Symbol,
		"side", item.Side,
		"qty", item.Qty,
		"broker_order_id", brokerOrderID)
	if err := e.store.AppendEvent(ctx, batch.ID, "INFO", "ENTRY_SENT",
		fmt.Sprintf("item %d (%s) entry accepted as %s", item.ID, item.Symbol, brokerOrderID)); err != nil {
		e.logger.Warn("Failed to append event", "error", err.Error())
	}
}

func (e *Engine) handleSubmitFailure(ctx context.Context, batch *core.BatchJob, item *core.BatchItem, submitErr error) {
	switch {
	case errors.Is(submitErr, apperrors.ErrBrokerRejected), errors.Is(submitErr, apperrors.ErrValidation):
		// Definitive: the broker holds no order, the item is done.
		e.metrics.OrdersRejected.WithLabelValues("entry").Inc()
		e.metrics.ItemErrors.Inc()
		reason := fmt.Sprintf("ENTRY_REJECTED: %v", submitErr)
		e.logger.Error("Entry rejected", "item_id", item.ID, "symbol", item.Symbol, "error", submitErr.Error())
		if _, err := e.store.MarkItemError(ctx, item.ID, reason); err != nil {
			e.logger.Error("Failed to mark item error", "item_id", item.ID, "error", err.Error())
		}
		if err := e.store.AppendEvent(ctx, batch.ID, "ERROR", "ENTRY_REJECTED",
			fmt.Sprintf("item %d (%s): %v", item.ID, item.Symbol, submitErr)); err != nil {
			e.logger.Warn("Failed to append event", "error", err.Error())
		}
	default:
		// Ambiguous: the order may exist at the broker. Keep the intent and
		// never resubmit; the operator resolves it.
		e.logger.Error("Entry submit state unknown",
			"item_id", item.ID, "symbol", item.Symbol, "entry_ref", item.EntryRef, "error", submitErr.Error())
		if err := e.store.SetItemLastError(ctx, item.ID,
			fmt.Sprintf("ENTRY_STATE_UNKNOWN: %v", submitErr)); err != nil {
			e.logger.Error("Failed to set item error", "item_id", item.ID, "error", err.Error())
		}
		if err := e.store.AppendEvent(ctx, batch.ID, "WARN", "ENTRY_STATE_UNKNOWN",
			fmt.Sprintf("item %d (%s): %v", item.ID, item.Symbol, submitErr)); err != nil {
			e.logger.Warn("Failed to append event", "error", err.Error())
		}
	}
}
