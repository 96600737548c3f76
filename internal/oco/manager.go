// Package oco manages bracket pairs: one take-profit limit and one
// stop-loss per filled slice, with mutual cancellation when either fills.
package oco

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"batch_trader/internal/core"
	"batch_trader/internal/metrics"
	"batch_trader/internal/ratelimit"
	"batch_trader/internal/store"
	apperrors "batch_trader/pkg/errors"
)

// Manager reacts to item notifications from the watcher. All work for one
// item runs under that item's lock, so bracket decisions never race.
type Manager struct {
	store   *store.Store
	broker  core.IBroker
	limiter *ratelimit.Limiter
	clock   core.IClock
	logger  core.ILogger
	metrics *metrics.Metrics

	mode     core.OcoMode
	holdWait time.Duration

	queue chan int64

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	holdMu        sync.Mutex
	holdWaitStart map[int64]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bracket manager.
func New(
	st *store.Store,
	broker core.IBroker,
	limiter *ratelimit.Limiter,
	clock core.IClock,
	logger core.ILogger,
	m *metrics.Metrics,
	mode core.OcoMode,
	holdWait time.Duration,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:         st,
		broker:        broker,
		limiter:       limiter,
		clock:         clock,
		logger:        logger.WithField("component", "oco_manager"),
		metrics:       m,
		mode:          mode,
		holdWait:      holdWait,
		queue:         make(chan int64, 256),
		locks:         make(map[int64]*sync.Mutex),
		holdWaitStart: make(map[int64]time.Time),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// NotifyItem queues an item for bracket bookkeeping. Dropping on a full
// queue is safe: the watcher re-notifies on every poll.
func (m *Manager) NotifyItem(itemID int64) {
	select {
	case m.queue <- itemID:
	default:
		m.logger.Warn("Bracket queue full, relying on next poll", "item_id", itemID)
	}
}

// Start re-notifies items holding fills and launches the work loop.
func (m *Manager) Start(ctx context.Context) error {
	pending, err := m.store.ItemsAwaitingBrackets(ctx)
	if err != nil {
		return err
	}
	for _, item := range pending {
		m.NotifyItem(item.ID)
	}

	m.logger.Info("Starting bracket manager", "mode", m.mode, "pending", len(pending))
	m.wg.Add(1)
	go m.runLoop()
	return nil
}

// Stop drains the work loop.
func (m *Manager) Stop() error {
	m.logger.Info("Stopping bracket manager")
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) runLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case itemID := <-m.queue:
			ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
			if err := m.ProcessItem(ctx, itemID); err != nil {
				m.logger.Error("Bracket processing failed", "item_id", itemID, "error", err.Error())
			}
			cancel()
		}
	}
}

func (m *Manager) itemLock(itemID int64) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[itemID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[itemID] = l
	}
	return l
}

// ProcessItem runs one full bracket pass for an item: settle winners,
// cover uncovered fills, and close the item once every slice is settled.
func (m *Manager) ProcessItem(ctx context.Context, itemID int64) error {
	lock := m.itemLock(itemID)
	lock.Lock()
	defer lock.Unlock()

	item, err := m.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Status.Terminal() {
		return nil
	}

	if err := m.reconcileGroups(ctx, item); err != nil {
		return err
	}
	// Re-read: reconciliation may have moved the item.
	if item, err = m.store.GetItem(ctx, itemID); err != nil {
		return err
	}
	if item.Status.Terminal() {
		return nil
	}

	if err := m.ensureCoverage(ctx, item); err != nil {
		return err
	}
	if item, err = m.store.GetItem(ctx, itemID); err != nil {
		return err
	}
	if item.Status.Terminal() {
		return nil
	}

	return m.maybeCloseItem(ctx, item)
}

// reconcileGroups settles winners and cancels losing siblings.
func (m *Manager) reconcileGroups(ctx context.Context, item *core.BatchItem) error {
	groups, err := m.store.OcoGroupsForItem(ctx, item.ID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		switch g.Status {
		case core.OcoActive:
			if err := m.settleActiveGroup(ctx, item, g); err != nil {
				return err
			}
		case core.OcoTPFilled:
			if err := m.finishGroup(ctx, item, g, core.RoleTP); err != nil {
				return err
			}
		case core.OcoSLFilled:
			if err := m.finishGroup(ctx, item, g, core.RoleSL); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) settleActiveGroup(ctx context.Context, item *core.BatchItem, g *core.OcoGroup) error {
	tp, err := m.store.GetOrderByBrokerID(ctx, g.TpOrderID)
	if err != nil {
		return err
	}
	sl, err := m.store.GetOrderByBrokerID(ctx, g.SlOrderID)
	if err != nil {
		return err
	}

	if tp.Status == core.OrderFilled && sl.Status == core.OrderFilled {
		return m.quarantineDoubleFill(ctx, item, g)
	}

	var winner core.OrderRole
	switch {
	case tp.Status == core.OrderFilled:
		winner = core.RoleTP
	case sl.Status == core.OrderFilled:
		winner = core.RoleSL
	default:
		return nil
	}

	if _, err := m.store.SetOcoWinner(ctx, g.ID, winner); err != nil {
		return err
	}
	m.logger.Info("Bracket leg filled",
		"item_id", item.ID, "group_id", g.ID, "winner", winner)

	// Flip the item to the winner state on its first settled group.
	to := core.ItemTPFilled
	if winner == core.RoleSL {
		to = core.ItemSLFilled
	}
	if item.Status == core.ItemBracketSent {
		if _, err := m.store.TransitionItem(ctx, item.ID, core.ItemBracketSent, to); err != nil {
			return err
		}
	}

	return m.finishGroup(ctx, item, g, winner)
}

// finishGroup cancels the losing sibling (if still live) and closes the
// group once the loser is confirmed terminal with no fills of its own.
func (m *Manager) finishGroup(ctx context.Context, item *core.BatchItem, g *core.OcoGroup, winner core.OrderRole) error {
	loserID := g.SlOrderID
	if winner == core.RoleSL {
		loserID = g.TpOrderID
	}
	loser, err := m.store.GetOrderByBrokerID(ctx, loserID)
	if err != nil {
		return err
	}

	if !loser.Status.Terminal() {
		refused, err := m.cancelOrder(ctx, loserID)
		if err != nil {
			m.logger.Error("Failed to cancel losing bracket leg",
				"item_id", item.ID, "group_id", g.ID, "broker_order_id", loserID, "error", err.Error())
			return nil // retried on the next notification
		}
		if refused {
			// The cancel lost a race with a fill or an earlier cancel. The
			// broker's view of the leg decides the group outcome.
			if loser, err = m.refreshOrder(ctx, loserID); err != nil {
				m.logger.Error("Failed to reconcile refused cancel",
					"item_id", item.ID, "group_id", g.ID, "broker_order_id", loserID, "error", err.Error())
				return nil // retried on the next notification
			}
			if !loser.Status.Terminal() && loser.CumQty == 0 {
				return nil // still live at the broker, retry later
			}
		} else {
			m.metrics.OrdersCancelled.Inc()
			// Reflect the cancel locally; the next poll confirms it.
			for _, from := range []core.OrderStatus{core.OrderWorking, core.OrderPartial, core.OrderNew} {
				if ok, err := m.store.MarkOrderStatus(ctx, loserID, from, core.OrderCancelled); err != nil {
					return err
				} else if ok {
					break
				}
			}
		}
	}

	if loser.CumQty > 0 {
		// The loser took quantity of its own before dying: the slice is
		// over-closed no matter how the cancel went.
		return m.quarantineDoubleFill(ctx, item, g)
	}

	from := core.OcoTPFilled
	if winner == core.RoleSL {
		from = core.OcoSLFilled
	}
	ok, err := m.store.CloseOcoGroup(ctx, g.ID, from)
	if err != nil {
		return err
	}
	if ok {
		m.metrics.OcoGroupsClosed.WithLabelValues(string(winner)).Inc()
		m.logger.Info("Bracket group closed",
			"item_id", item.ID, "group_id", g.ID, "winner", winner, "qty", g.Qty)
	}
	return nil
}

// quarantineDoubleFill stops all automation on an item once both legs of
// one group report fills. No automatic re-hedge.
func (m *Manager) quarantineDoubleFill(ctx context.Context, item *core.BatchItem, g *core.OcoGroup) error {
	m.metrics.ItemErrors.Inc()
	m.logger.Error("Both bracket legs filled",
		"item_id", item.ID, "group_id", g.ID, "tp", g.TpOrderID, "sl", g.SlOrderID)
	if _, err := m.store.MarkItemError(ctx, item.ID,
		fmt.Sprintf("OVERFILL: both legs of group %d filled", g.ID)); err != nil {
		return err
	}
	return m.appendEvent(ctx, item, "ERROR", "OCO_DOUBLE_FILL",
		fmt.Sprintf("item %d group %d: both legs filled", item.ID, g.ID))
}

// cancelOrder submits a cancel. A broker refusal because the order is
// already filled or gone reports refused=true without an error; the caller
// must reconcile the order before trusting any local assumption about it.
func (m *Manager) cancelOrder(ctx context.Context, brokerOrderID string) (refused bool, err error) {
	if err := m.limiter.WaitOrder(ctx); err != nil {
		return false, err
	}
	err = m.broker.CancelOrder(ctx, brokerOrderID)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, apperrors.ErrOrderNotFound), errors.Is(err, apperrors.ErrBrokerRejected):
		return true, nil
	default:
		return false, err
	}
}

// refreshOrder folds the broker's current snapshot of one order into the
// store and returns the updated row.
func (m *Manager) refreshOrder(ctx context.Context, brokerOrderID string) (*core.Order, error) {
	if err := m.limiter.WaitInfo(ctx); err != nil {
		return nil, err
	}
	snaps, err := m.broker.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		if snap.ID != brokerOrderID {
			continue
		}
		if _, err := m.store.ApplyOrderPoll(ctx, snap, m.clock.Now()); err != nil &&
			!errors.Is(err, apperrors.ErrOverfillDetected) {
			return nil, err
		}
		break
	}
	return m.store.GetOrderByBrokerID(ctx, brokerOrderID)
}

// ensureCoverage opens a bracket pair over any filled quantity no group
// protects yet.
func (m *Manager) ensureCoverage(ctx context.Context, item *core.BatchItem) error {
	switch item.Status {
	case core.ItemEntryPartial, core.ItemEntryFilled, core.ItemBracketSent:
	default:
		return nil
	}
	if m.mode == core.OcoPostComplete && item.Status == core.ItemEntryPartial {
		// Wait for the entry to finish before protecting anything.
		return nil
	}

	covered, err := m.store.CoveredQty(ctx, item.ID)
	if err != nil {
		return err
	}
	uncovered := item.FilledQty - covered
	if uncovered <= 0 {
		return nil
	}

	if item.Product == core.ProductMargin && item.HoldID == "" {
		return m.waitForHoldID(ctx, item)
	}
	m.clearHoldWait(item.ID)

	if item.AvgFillPrice == nil {
		return nil // no price yet, the next poll brings it
	}
	if err := item.ValidateBracketPrices(*item.AvgFillPrice); err != nil {
		m.metrics.ItemErrors.Inc()
		if _, markErr := m.store.MarkItemError(ctx, item.ID,
			fmt.Sprintf("BRACKET_PRICE_INVALID: %v", err)); markErr != nil {
			return markErr
		}
		return m.appendEvent(ctx, item, "ERROR", "BRACKET_PRICE_INVALID",
			fmt.Sprintf("item %d (%s): %v", item.ID, item.Symbol, err))
	}

	return m.openGroup(ctx, item, uncovered)
}

// waitForHoldID gives the position poll a bounded window to surface the
// margin hold id before declaring the position unavailable.
func (m *Manager) waitForHoldID(ctx context.Context, item *core.BatchItem) error {
	m.holdMu.Lock()
	start, ok := m.holdWaitStart[item.ID]
	if !ok {
		start = m.clock.Now()
		m.holdWaitStart[item.ID] = start
	}
	m.holdMu.Unlock()

	if m.clock.Now().Sub(start) <= m.holdWait {
		m.logger.Debug("Waiting for hold id", "item_id", item.ID, "symbol", item.Symbol)
		return nil
	}

	m.clearHoldWait(item.ID)
	m.metrics.ItemErrors.Inc()
	m.logger.Error("Hold id never surfaced, position unavailable",
		"item_id", item.ID, "symbol", item.Symbol, "waited", m.holdWait)
	if _, err := m.store.MarkItemError(ctx, item.ID,
		fmt.Sprintf("POSITION_NOT_AVAILABLE: no hold id within %s: %v", m.holdWait, apperrors.ErrPositionNotAvailable)); err != nil {
		return err
	}
	return m.appendEvent(ctx, item, "ERROR", "POSITION_NOT_AVAILABLE",
		fmt.Sprintf("item %d (%s): no matching position within %s", item.ID, item.Symbol, m.holdWait))
}

func (m *Manager) clearHoldWait(itemID int64) {
	m.holdMu.Lock()
	delete(m.holdWaitStart, itemID)
	m.holdMu.Unlock()
}

// openGroup checkpoints the bracket intent, submits the TP then the SL,
// and rolls the TP back if the SL is refused.
func (m *Manager) openGroup(ctx context.Context, item *core.BatchItem, qty int64) error {
	g := &core.OcoGroup{
		BatchItemID: item.ID,
		Qty:         qty,
		TpRef:       uuid.NewString(),
		SlRef:       uuid.NewString(),
		HoldID:      item.HoldID,
	}
	if err := m.store.CreateOcoGroup(ctx, g); err != nil {
		return err
	}

	if err := m.limiter.WaitOrder(ctx); err != nil {
		return err
	}
	tpID, err := m.broker.SendExit(ctx, item, core.ExitSpec{
		Kind:      core.OrderTypeLimit,
		Qty:       qty,
		Price:     item.TpPrice,
		HoldID:    item.HoldID,
		ClientRef: g.TpRef,
	})
	if err != nil {
		m.metrics.OrdersRejected.WithLabelValues("tp").Inc()
		m.metrics.ItemErrors.Inc()
		if abandonErr := m.store.AbandonOcoGroup(ctx, g.ID); abandonErr != nil {
			return abandonErr
		}
		if _, markErr := m.store.MarkItemError(ctx, item.ID,
			fmt.Sprintf("BRACKET_FIRST_LEG_FAILED: %v", err)); markErr != nil {
			return markErr
		}
		return m.appendEvent(ctx, item, "ERROR", "BRACKET_FIRST_LEG_FAILED",
			fmt.Sprintf("item %d (%s): %v", item.ID, item.Symbol, err))
	}
	m.metrics.OrdersSubmitted.WithLabelValues("tp").Inc()

	if err := m.limiter.WaitOrder(ctx); err != nil {
		return err
	}
	slID, err := m.broker.SendExit(ctx, item, core.ExitSpec{
		Kind:         core.OrderTypeStop,
		Qty:          qty,
		TriggerPrice: item.SlTriggerPrice,
		HoldID:       item.HoldID,
		ClientRef:    g.SlRef,
	})
	if err != nil {
		m.metrics.OrdersRejected.WithLabelValues("sl").Inc()
		return m.rollbackFirstLeg(ctx, item, g, tpID, err)
	}
	m.metrics.OrdersSubmitted.WithLabelValues("sl").Inc()

	closeSide := item.Side.Opposite()
	tpPrice := item.TpPrice
	slTrigger := item.SlTriggerPrice
	if err := m.store.ActivateOcoGroup(ctx, g.ID,
		&core.Order{
			BatchItemID: item.ID, Role: core.RoleTP, BrokerOrderID: tpID, ClientRef: g.TpRef,
			Side: closeSide, Qty: qty, OrderType: core.OrderTypeLimit, Price: &tpPrice, HoldID: item.HoldID,
		},
		&core.Order{
			BatchItemID: item.ID, Role: core.RoleSL, BrokerOrderID: slID, ClientRef: g.SlRef,
			Side: closeSide, Qty: qty, OrderType: core.OrderTypeStop, TriggerPrice: &slTrigger, HoldID: item.HoldID,
		}); err != nil {
		return err
	}

	m.metrics.OcoGroupsOpened.Inc()
	m.logger.Info("Bracket pair active",
		"item_id", item.ID,
		"symbol", item.Symbol,
		"qty", qty,
		"tp_order_id", tpID,
		"sl_order_id", slID)
	return m.appendEvent(ctx, item, "INFO", "BRACKET_SENT",
		fmt.Sprintf("item %d (%s): tp %s / sl %s over qty %d", item.ID, item.Symbol, tpID, slID, qty))
}

// rollbackFirstLeg cancels the accepted TP after the SL was refused. A
// failed rollback leaves a naked live order and is escalated loudly.
func (m *Manager) rollbackFirstLeg(ctx context.Context, item *core.BatchItem, g *core.OcoGroup, tpID string, slErr error) error {
	m.logger.Error("Stop leg refused, rolling back take-profit leg",
		"item_id", item.ID, "tp_order_id", tpID, "error", slErr.Error())

	refused, cancelErr := m.cancelOrder(ctx, tpID)
	if cancelErr != nil {
		m.metrics.ItemErrors.Inc()
		m.logger.Error("BRACKET ROLLBACK FAILED: take-profit leg live without a stop",
			"item_id", item.ID,
			"symbol", item.Symbol,
			"tp_order_id", tpID,
			"error", cancelErr.Error())
		if _, err := m.store.MarkItemError(ctx, item.ID,
			fmt.Sprintf("BRACKET_ROLLBACK_FAILED: tp %s live without stop: %v: %v",
				tpID, slErr, apperrors.ErrBracketRollbackFailed)); err != nil {
			return err
		}
		return m.appendEvent(ctx, item, "ERROR", "BRACKET_ROLLBACK_FAILED",
			fmt.Sprintf("item %d (%s): tp %s could not be cancelled: %v", item.ID, item.Symbol, tpID, cancelErr))
	}

	if !refused {
		m.metrics.OrdersCancelled.Inc()
	}
	m.metrics.ItemErrors.Inc()
	if err := m.store.AbandonOcoGroup(ctx, g.ID); err != nil {
		return err
	}
	if _, err := m.store.MarkItemError(ctx, item.ID,
		fmt.Sprintf("BRACKET_SECOND_LEG_REJECTED: %v", slErr)); err != nil {
		return err
	}
	return m.appendEvent(ctx, item, "ERROR", "BRACKET_SECOND_LEG_REJECTED",
		fmt.Sprintf("item %d (%s): stop leg refused, tp %s rolled back: %v", item.ID, item.Symbol, tpID, slErr))
}

// maybeCloseItem closes the item once the entry is final and every filled
// share is covered by a settled group.
func (m *Manager) maybeCloseItem(ctx context.Context, item *core.BatchItem) error {
	switch item.Status {
	case core.ItemBracketSent, core.ItemTPFilled, core.ItemSLFilled:
	default:
		return nil
	}
	if item.FilledQty == 0 || item.EntryOrderID == "" {
		return nil
	}

	entry, err := m.store.GetOrderByBrokerID(ctx, item.EntryOrderID)
	if err != nil {
		return err
	}
	if !entry.Status.Terminal() {
		return nil // more entry fills may still arrive
	}

	covered, err := m.store.CoveredQty(ctx, item.ID)
	if err != nil {
		return err
	}
	closedCovered, err := m.store.ClosedCoveredQty(ctx, item.ID)
	if err != nil {
		return err
	}
	if covered < item.FilledQty || closedCovered < item.FilledQty {
		return nil
	}

	substate, err := m.store.ItemCloseSubstate(ctx, item.ID)
	if err != nil {
		return err
	}
	ok, err := m.store.CloseItem(ctx, item.ID, item.Status, substate)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	m.logger.Info("Item closed",
		"item_id", item.ID, "symbol", item.Symbol, "substate", substate)
	return m.appendEvent(ctx, item, "INFO", "ITEM_CLOSED",
		fmt.Sprintf("item %d (%s) closed via %s", item.ID, item.Symbol, substate))
}

func (m *Manager) appendEvent(ctx context.Context, item *core.BatchItem, level, eventType, msg string) error {
	if err := m.store.AppendEvent(ctx, item.BatchJobID, level, eventType, msg); err != nil {
		m.logger.Warn("Failed to append event", "error", err.Error())
	}
	return nil
}
