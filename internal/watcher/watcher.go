// Package watcher polls the broker for order and position state and folds
// the results into the store. It is the only writer of fill progress.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"batch_trader/internal/core"
	"batch_trader/internal/metrics"
	"batch_trader/internal/ratelimit"
	"batch_trader/internal/store"
	apperrors "batch_trader/pkg/errors"
)

// BracketNotifier is poked whenever an item's fill or leg state moved and
// bracket bookkeeping may be due.
type BracketNotifier interface {
	NotifyItem(itemID int64)
}

// Watcher runs the order poll and the position poll.
type Watcher struct {
	store    *store.Store
	broker   core.IBroker
	limiter  *ratelimit.Limiter
	notifier BracketNotifier
	logger   core.ILogger
	metrics  *metrics.Metrics

	ordersInterval    time.Duration
	positionsInterval time.Duration

	// onInvariant, when set, is told about broker/store disagreements that
	// no automated path can reconcile.
	onInvariant func(reason string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher.
func New(
	st *store.Store,
	broker core.IBroker,
	limiter *ratelimit.Limiter,
	notifier BracketNotifier,
	logger core.ILogger,
	m *metrics.Metrics,
	ordersInterval, positionsInterval time.Duration,
) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:             st,
		broker:            broker,
		limiter:           limiter,
		notifier:          notifier,
		logger:            logger.WithField("component", "watcher"),
		metrics:           m,
		ordersInterval:    ordersInterval,
		positionsInterval: positionsInterval,
		ctx:               ctx,
		cancel:            cancel,
	}
}

// SetInvariantHandler registers a callback for unreconcilable broker/store
// disagreements. Must be called before Start.
func (w *Watcher) SetInvariantHandler(fn func(reason string)) {
	w.onInvariant = fn
}

// Start launches both poll loops.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting watcher",
		"orders_interval", w.ordersInterval,
		"positions_interval", w.positionsInterval)
	w.wg.Add(2)
	go w.pollLoop(w.ordersInterval, w.PollOrders)
	go w.pollLoop(w.positionsInterval, w.PollPositions)
	return nil
}

// Stop stops both poll loops.
func (w *Watcher) Stop() error {
	w.logger.Info("Stopping watcher")
	w.cancel()
	w.wg.Wait()
	return nil
}

func (w *Watcher) pollLoop(interval time.Duration, pass func(context.Context) error) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
			if err := pass(ctx); err != nil {
				w.logger.Error("Poll pass failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// PollOrders performs one order poll pass.
func (w *Watcher) PollOrders(ctx context.Context) error {
	if err := w.limiter.WaitInfo(ctx); err != nil {
		return err
	}
	snaps, err := w.broker.ListOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list broker orders: %w", err)
	}

	known, err := w.store.KnownBrokerOrderIDs(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, snap := range snaps {
		if _, ours := known[snap.ID]; !ours {
			w.logger.Warn("Orphan broker order, not tracked by any item",
				"broker_order_id", snap.ID,
				"status", string(snap.Status),
				"cum_qty", snap.CumQty,
				"submitted_at", snap.SubmittedAt,
				"payload", string(snap.Raw))
			continue
		}
		if err := w.applySnapshot(ctx, snap, now); err != nil {
			w.logger.Error("Failed to apply order snapshot",
				"broker_order_id", snap.ID, "error", err.Error())
		}
	}

	w.metrics.PollCycles.WithLabelValues("orders").Inc()
	return nil
}

func (w *Watcher) applySnapshot(ctx context.Context, snap core.BrokerOrder, now time.Time) error {
	res, err := w.store.ApplyOrderPoll(ctx, snap, now)
	if err != nil {
		if errors.Is(err, apperrors.ErrOverfillDetected) {
			return w.quarantineOverfill(ctx, snap, err)
		}
		if errors.Is(err, apperrors.ErrInternalInvariant) {
			return w.quarantineInvariant(ctx, snap, err)
		}
		return err
	}
	if res.DeltaQty == 0 && !res.StatusChanged {
		return nil
	}

	if res.DeltaQty > 0 {
		w.metrics.FillsApplied.Inc()
		w.metrics.FilledQty.Add(float64(res.DeltaQty))
		w.logger.Info("Fill applied",
			"broker_order_id", snap.ID,
			"role", res.Order.Role,
			"delta_qty", res.DeltaQty,
			"cum_qty", res.Order.CumQty,
			"status", res.Order.Status)
	}

	switch res.Order.Role {
	case core.RoleEntry:
		return w.applyEntryProgress(ctx, res)
	default:
		return w.applyLegProgress(ctx, res)
	}
}

// quarantineOverfill stops all automation on an item whose order filled
// beyond its quantity.
func (w *Watcher) quarantineOverfill(ctx context.Context, snap core.BrokerOrder, pollErr error) error {
	order, err := w.store.GetOrderByBrokerID(ctx, snap.ID)
	if err != nil {
		return err
	}
	w.logger.Error("Overfill detected, quarantining item",
		"broker_order_id", snap.ID, "item_id", order.BatchItemID, "error", pollErr.Error())
	w.metrics.ItemErrors.Inc()
	_, err = w.store.MarkItemError(ctx, order.BatchItemID, fmt.Sprintf("OVERFILL: %v", pollErr))
	return err
}

// quarantineInvariant handles a broker snapshot that contradicts recorded
// state (for example a shrinking cumulative quantity). The item is errored
// and new-work intake is halted until an operator looks.
func (w *Watcher) quarantineInvariant(ctx context.Context, snap core.BrokerOrder, pollErr error) error {
	order, err := w.store.GetOrderByBrokerID(ctx, snap.ID)
	if err != nil {
		return err
	}
	w.logger.Error("Broker state contradicts records",
		"broker_order_id", snap.ID, "item_id", order.BatchItemID, "error", pollErr.Error())
	w.metrics.ItemErrors.Inc()
	if _, err := w.store.MarkItemError(ctx, order.BatchItemID,
		fmt.Sprintf("INTERNAL_INVARIANT: %v", pollErr)); err != nil {
		return err
	}
	if w.onInvariant != nil {
		w.onInvariant(fmt.Sprintf("order %s: %v", snap.ID, pollErr))
	}
	return nil
}

// applyEntryProgress folds entry-order movement into the item state.
func (w *Watcher) applyEntryProgress(ctx context.Context, res *store.PollResult) error {
	item, err := w.store.GetItem(ctx, res.Order.BatchItemID)
	if err != nil {
		return err
	}
	if item.Status.Terminal() {
		return nil
	}

	order := res.Order
	if order.Status.Terminal() && order.Status != core.OrderFilled && order.CumQty == 0 {
		// The entry died without a single share; nothing to protect.
		w.metrics.ItemErrors.Inc()
		_, err := w.store.MarkItemError(ctx, item.ID, fmt.Sprintf("ENTRY_%s: no quantity filled", order.Status))
		return err
	}
	if order.CumQty == 0 {
		return nil
	}

	to := item.Status
	switch item.Status {
	case core.ItemEntrySent, core.ItemEntryPartial:
		if order.Status == core.OrderFilled {
			to = core.ItemEntryFilled
		} else {
			to = core.ItemEntryPartial
		}
	case core.ItemBracketSent:
		// Brackets already in flight for earlier slices; stay put.
	default:
		return nil
	}

	ok, err := w.store.UpdateItemFill(ctx, item.ID, item.Version, order.CumQty, order.AvgPrice, item.Status, to)
	if err != nil {
		return err
	}
	if !ok {
		w.logger.Debug("Item moved under poll, retry next tick", "item_id", item.ID)
		return nil
	}

	w.notifier.NotifyItem(item.ID)
	return nil
}

// applyLegProgress folds TP/SL/EOD order movement into close bookkeeping.
func (w *Watcher) applyLegProgress(ctx context.Context, res *store.PollResult) error {
	if res.DeltaQty > 0 {
		if err := w.store.AddItemClosedQty(ctx, res.Order.BatchItemID, res.DeltaQty); err != nil {
			return err
		}
	}
	w.notifier.NotifyItem(res.Order.BatchItemID)
	return nil
}

// PollPositions performs one position poll pass: snapshot the book and
// assign hold ids to margin items still waiting for one.
func (w *Watcher) PollPositions(ctx context.Context) error {
	if err := w.limiter.WaitInfo(ctx); err != nil {
		return err
	}
	positions, err := w.broker.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list broker positions: %w", err)
	}
	now := time.Now()
	if err := w.store.SavePositionSnapshots(ctx, positions, now); err != nil {
		return err
	}

	if err := w.assignHoldIDs(ctx, positions); err != nil {
		return err
	}

	w.metrics.PollCycles.WithLabelValues("positions").Inc()
	return nil
}

// assignHoldIDs matches margin items awaiting a position handle against the
// live position book. A match requires exactly one position with the same
// symbol, the item's entry side, and leaves quantity equal to the item's
// uncovered fill.
func (w *Watcher) assignHoldIDs(ctx context.Context, positions []core.BrokerPosition) error {
	items, err := w.store.ItemsAwaitingBrackets(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Product != core.ProductMargin || item.HoldID != "" {
			continue
		}
		open := item.FilledQty - item.ClosedQty
		if open <= 0 {
			continue
		}

		var matches []core.BrokerPosition
		for _, p := range positions {
			if p.Symbol == item.Symbol && p.Side == item.Side && p.LeavesQty == open {
				matches = append(matches, p)
			}
		}
		if len(matches) != 1 {
			w.logger.Warn("Hold id match not found",
				"item_id", item.ID,
				"symbol", item.Symbol,
				"open_qty", open,
				"candidates", len(matches))
			if err := w.store.AppendEvent(ctx, item.BatchJobID, "WARN", "HOLD_ID_MATCH_NOT_FOUND",
				fmt.Sprintf("item %d (%s): %d candidate positions for qty %d",
					item.ID, item.Symbol, len(matches), open)); err != nil {
				return err
			}
			continue
		}

		w.logger.Info("Hold id assigned",
			"item_id", item.ID, "symbol", item.Symbol, "hold_id", matches[0].HoldID)
		if err := w.store.SetItemHoldID(ctx, item.ID, matches[0].HoldID); err != nil {
			return err
		}
		w.notifier.NotifyItem(item.ID)
	}
	return nil
}
