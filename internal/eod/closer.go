// Package eod force-closes open positions at each batch's end-of-day time:
// cancel whatever is still working, then flatten the remainder at market.
package eod

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"batch_trader/internal/config"
	"batch_trader/internal/core"
	"batch_trader/internal/metrics"
	"batch_trader/internal/ratelimit"
	"batch_trader/internal/store"
	apperrors "batch_trader/pkg/errors"
)

// Closer watches the clock and flattens items once their batch's close
// time passes on a business day.
type Closer struct {
	store   *store.Store
	broker  core.IBroker
	limiter *ratelimit.Limiter
	clock   core.IClock
	logger  core.ILogger
	metrics *metrics.Metrics

	interval   time.Duration
	cancelWait time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an EOD closer that checks every interval and waits up to
// cancelWait for cancel confirmations before flattening.
func New(
	st *store.Store,
	broker core.IBroker,
	limiter *ratelimit.Limiter,
	clock core.IClock,
	logger core.ILogger,
	m *metrics.Metrics,
	interval time.Duration,
	cancelWait time.Duration,
) *Closer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Closer{
		store:      st,
		broker:     broker,
		limiter:    limiter,
		clock:      clock,
		logger:     logger.WithField("component", "eod_closer"),
		metrics:    m,
		interval:   interval,
		cancelWait: cancelWait,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the check loop.
func (c *Closer) Start(ctx context.Context) error {
	c.logger.Info("Starting EOD closer", "interval", c.interval)
	c.wg.Add(1)
	go c.runLoop()
	return nil
}

// Stop stops the check loop.
func (c *Closer) Stop() error {
	c.logger.Info("Stopping EOD closer")
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Closer) runLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, 60*time.Second)
			if err := c.Pass(ctx); err != nil {
				c.logger.Error("EOD pass failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// Pass runs one EOD sweep: flatten items whose close time has passed and
// finish items whose market close has settled.
func (c *Closer) Pass(ctx context.Context) error {
	items, err := c.store.EodPendingItems(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	now := c.clock.Now()
	if !c.clock.IsBusinessDay(now) {
		return nil
	}

	closeTimes := make(map[int64]time.Duration)
	for _, item := range items {
		due, ok := closeTimes[item.BatchJobID]
		if !ok {
			batch, err := c.store.GetBatch(ctx, item.BatchJobID)
			if err != nil {
				return err
			}
			due, err = config.ParseWallClock(batch.EodCloseTime)
			if err != nil {
				return fmt.Errorf("batch %d has invalid close time: %w", batch.ID, err)
			}
			closeTimes[item.BatchJobID] = due
		}

		wall := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute
		if wall < due {
			continue
		}

		if item.Status == core.ItemEodMarketSent {
			if err := c.settleMarketClose(ctx, item); err != nil {
				c.logger.Error("Failed to settle EOD close", "item_id", item.ID, "error", err.Error())
			}
			continue
		}

		if err := c.CloseItemNow(ctx, item); err != nil {
			c.logger.Error("Failed to flatten item", "item_id", item.ID, "error", err.Error())
		}
	}
	return nil
}

// CloseItemNow cancels the item's working orders and flattens any open
// quantity at market. It is also the panic-stop path, which ignores the
// clock entirely.
func (c *Closer) CloseItemNow(ctx context.Context, item *core.BatchItem) error {
	if item.Status.Terminal() || item.Status == core.ItemEodMarketSent {
		return nil
	}

	if err := c.cancelWorkingOrders(ctx, item); err != nil {
		return err
	}
	if err := c.awaitCancelConfirmations(ctx, item); err != nil {
		if !errors.Is(err, apperrors.ErrEodFailed) {
			return err
		}
		c.metrics.ItemErrors.Inc()
		if _, markErr := c.store.MarkItemError(ctx, item.ID,
			fmt.Sprintf("EOD_FAILED: %v", err)); markErr != nil {
			return markErr
		}
		return c.appendEvent(ctx, item, "ERROR", "EOD_FAILED",
			fmt.Sprintf("item %d (%s): working orders not confirmed cancelled before close", item.ID, item.Symbol))
	}

	// Confirmation may have folded a raced leg fill into the ledger.
	item, err := c.store.GetItem(ctx, item.ID)
	if err != nil {
		return err
	}
	if item.Status.Terminal() || item.Status == core.ItemEodMarketSent {
		return nil
	}

	remaining := item.RemainingQty()
	if remaining == 0 {
		if item.Status.CanTransition(core.ItemClosed) {
			if _, err := c.store.CloseItem(ctx, item.ID, item.Status, core.CloseViaEOD); err != nil {
				return err
			}
			c.logger.Info("Item flat at close, nothing to flatten", "item_id", item.ID, "symbol", item.Symbol)
		}
		return nil
	}

	if item.Product == core.ProductMargin && item.HoldID == "" {
		c.metrics.ItemErrors.Inc()
		if _, err := c.store.MarkItemError(ctx, item.ID,
			fmt.Sprintf("EOD_FAILED: open margin position without hold id: %v", apperrors.ErrEodFailed)); err != nil {
			return err
		}
		return c.appendEvent(ctx, item, "ERROR", "EOD_FAILED",
			fmt.Sprintf("item %d (%s): cannot flatten margin position without hold id", item.ID, item.Symbol))
	}

	ref := uuid.NewString()
	if err := c.limiter.WaitOrder(ctx); err != nil {
		return err
	}
	brokerOrderID, err := c.broker.SendExit(ctx, item, core.ExitSpec{
		Kind:      core.OrderTypeMarket,
		Qty:       remaining,
		HoldID:    item.HoldID,
		ClientRef: ref,
	})
	if err != nil {
		c.metrics.OrdersRejected.WithLabelValues("eod").Inc()
		c.metrics.ItemErrors.Inc()
		if _, markErr := c.store.MarkItemError(ctx, item.ID,
			fmt.Sprintf("EOD_FAILED: market close refused: %v: %v", err, apperrors.ErrEodFailed)); markErr != nil {
			return markErr
		}
		return c.appendEvent(ctx, item, "ERROR", "EOD_FAILED",
			fmt.Sprintf("item %d (%s): market close refused: %v", item.ID, item.Symbol, err))
	}

	if err := c.store.InsertOrder(ctx, &core.Order{
		BatchItemID:   item.ID,
		Role:          core.RoleEOD,
		BrokerOrderID: brokerOrderID,
		ClientRef:     ref,
		Side:          item.Side.Opposite(),
		Qty:           remaining,
		OrderType:     core.OrderTypeMarket,
		HoldID:        item.HoldID,
	}); err != nil {
		return err
	}
	if _, err := c.store.TransitionItem(ctx, item.ID, item.Status, core.ItemEodMarketSent); err != nil {
		return err
	}

	c.metrics.OrdersSubmitted.WithLabelValues("eod").Inc()
	c.metrics.EodClosesSent.Inc()
	c.logger.Info("EOD market close sent",
		"item_id", item.ID, "symbol", item.Symbol, "qty", remaining, "broker_order_id", brokerOrderID)
	return c.appendEvent(ctx, item, "INFO", "EOD_CLOSE_SENT",
		fmt.Sprintf("item %d (%s): flattening %d at market as %s", item.ID, item.Symbol, remaining, brokerOrderID))
}

// cancelWorkingOrders cancels every live order of the item and reflects
// the cancels locally; the next poll confirms them.
func (c *Closer) cancelWorkingOrders(ctx context.Context, item *core.BatchItem) error {
	orders, err := c.store.OrdersForItem(ctx, item.ID)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.Status.Terminal() {
			continue
		}
		if err := c.limiter.WaitOrder(ctx); err != nil {
			return err
		}
		err := c.broker.CancelOrder(ctx, o.BrokerOrderID)
		if err != nil &&
			!errors.Is(err, apperrors.ErrOrderNotFound) &&
			!errors.Is(err, apperrors.ErrBrokerRejected) {
			return fmt.Errorf("failed to cancel order %s: %w", o.BrokerOrderID, err)
		}
		if err == nil {
			c.metrics.OrdersCancelled.Inc()
			if _, err := c.store.MarkOrderStatus(ctx, o.BrokerOrderID, o.Status, core.OrderCancelled); err != nil {
				return err
			}
			c.logger.Info("Cancelled working order at close",
				"item_id", item.ID, "broker_order_id", o.BrokerOrderID, "role", o.Role)
		}
	}
	return nil
}

// awaitCancelConfirmations blocks until every order of the item is
// terminal, refreshing unconfirmed ones from the broker and folding any
// fills that raced the cancels. Gives up after cancelWait with an
// ErrEodFailed-wrapped error.
func (c *Closer) awaitCancelConfirmations(ctx context.Context, item *core.BatchItem) error {
	deadline := c.clock.Now().Add(c.cancelWait)
	refreshed := false
	for {
		orders, err := c.store.OrdersForItem(ctx, item.ID)
		if err != nil {
			return err
		}
		pending := make([]*core.Order, 0, len(orders))
		for _, o := range orders {
			if !o.Status.Terminal() {
				pending = append(pending, o)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		if refreshed {
			if !c.clock.Now().Before(deadline) {
				return fmt.Errorf("%w: %d orders still unconfirmed after %s",
					apperrors.ErrEodFailed, len(pending), c.cancelWait)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
		if err := c.refreshOrders(ctx, pending); err != nil {
			return err
		}
		refreshed = true
	}
}

// refreshOrders folds broker snapshots for the given orders, mirroring
// the watcher's fill bookkeeping for closing legs.
func (c *Closer) refreshOrders(ctx context.Context, orders []*core.Order) error {
	if err := c.limiter.WaitInfo(ctx); err != nil {
		return err
	}
	snaps, err := c.broker.ListOrders(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]core.BrokerOrder, len(snaps))
	for _, snap := range snaps {
		byID[snap.ID] = snap
	}
	for _, o := range orders {
		snap, ok := byID[o.BrokerOrderID]
		if !ok {
			continue
		}
		res, err := c.store.ApplyOrderPoll(ctx, snap, c.clock.Now())
		if err != nil {
			if errors.Is(err, apperrors.ErrOverfillDetected) {
				continue
			}
			return err
		}
		if res.DeltaQty > 0 && res.Order.Role != core.RoleEntry {
			if err := c.store.AddItemClosedQty(ctx, res.Order.BatchItemID, res.DeltaQty); err != nil {
				return err
			}
		}
	}
	return nil
}

// settleMarketClose finishes an item once its EOD market order is done.
func (c *Closer) settleMarketClose(ctx context.Context, item *core.BatchItem) error {
	orders, err := c.store.OrdersForItem(ctx, item.ID)
	if err != nil {
		return err
	}
	var filled, working bool
	for _, o := range orders {
		if o.Role != core.RoleEOD {
			continue
		}
		switch {
		case o.Status == core.OrderFilled:
			filled = true
		case !o.Status.Terminal():
			working = true
		}
	}

	switch {
	case filled:
		if _, err := c.store.CloseItem(ctx, item.ID, core.ItemEodMarketSent, core.CloseViaEOD); err != nil {
			return err
		}
		c.logger.Info("Item flattened at close", "item_id", item.ID, "symbol", item.Symbol)
		return c.appendEvent(ctx, item, "INFO", "ITEM_CLOSED",
			fmt.Sprintf("item %d (%s) closed via EOD", item.ID, item.Symbol))
	case working:
		return nil // still working, check next pass
	default:
		// Every EOD order died without filling.
		c.metrics.ItemErrors.Inc()
		if _, err := c.store.MarkItemError(ctx, item.ID,
			fmt.Sprintf("EOD_FAILED: market close did not fill: %v", apperrors.ErrEodFailed)); err != nil {
			return err
		}
		return c.appendEvent(ctx, item, "ERROR", "EOD_FAILED",
			fmt.Sprintf("item %d (%s): market close order died unfilled", item.ID, item.Symbol))
	}
}

func (c *Closer) appendEvent(ctx context.Context, item *core.BatchItem, level, eventType, msg string) error {
	if err := c.store.AppendEvent(ctx, item.BatchJobID, level, eventType, msg); err != nil {
		c.logger.Warn("Failed to append event", "error", err.Error())
	}
	return nil
}
