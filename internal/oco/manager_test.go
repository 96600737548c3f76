package oco

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch_trader/internal/clock"
	"batch_trader/internal/core"
	"batch_trader/internal/logging"
	"batch_trader/internal/metrics"
	"batch_trader/internal/mock"
	"batch_trader/internal/ratelimit"
	"batch_trader/internal/store"
	apperrors "batch_trader/pkg/errors"
)

func newFixture(t *testing.T, mode core.OcoMode) (*Manager, *store.Store, *mock.MockBroker, *clock.FakeClock) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	broker := mock.NewMockBroker()
	fc := clock.NewFakeClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	m := New(st, broker, ratelimit.NewLimiter(1000, 1000), fc,
		logging.NewNopLogger(), metrics.New(), mode, 10*time.Second)
	return m, st, broker, fc
}

func seedItem(t *testing.T, st *store.Store, item *core.BatchItem) *core.BatchJob {
	t.Helper()
	ctx := context.Background()
	job := &core.BatchJob{
		BatchCode: "B-" + t.Name(), Name: t.Name(),
		Status: core.BatchScheduled, RunMode: core.RunImmediate, EodCloseTime: "14:30",
	}
	require.NoError(t, st.CreateBatch(ctx, job, []*core.BatchItem{item}))
	ok, err := st.MarkBatchRunning(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	return job
}

// fillEntry drives an item through entry submission and a (partial) fill,
// doing the engine's and watcher's store writes by hand.
func fillEntry(t *testing.T, st *store.Store, broker *mock.MockBroker, item *core.BatchItem, qty int64, price decimal.Decimal) string {
	t.Helper()
	ctx := context.Background()

	if item.EntryOrderID == "" {
		ok, err := st.ClaimItemEntry(ctx, item.ID, item.Version, "entry-"+item.Symbol)
		require.NoError(t, err)
		require.True(t, ok)
		item.EntryRef = "entry-" + item.Symbol
		item.Status = core.ItemEntrySent

		id, err := broker.SendEntry(ctx, item)
		require.NoError(t, err)
		require.NoError(t, st.SetEntryAccepted(ctx, item, &core.Order{
			BatchItemID: item.ID, Role: core.RoleEntry, BrokerOrderID: id,
			ClientRef: item.EntryRef, Side: item.Side, Qty: item.Qty, OrderType: core.OrderTypeMarket,
		}))
		item.EntryOrderID = id
	}

	require.NoError(t, broker.SimulateFill(item.EntryOrderID, qty, price))
	pollOrder(t, st, broker, item.EntryOrderID)

	fresh, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	to := core.ItemEntryPartial
	if fresh.FilledQty+qty >= item.Qty {
		to = core.ItemEntryFilled
	}
	from := fresh.Status
	if from == core.ItemBracketSent {
		to = core.ItemBracketSent
	}
	snap, ok := broker.Order(item.EntryOrderID)
	require.True(t, ok)
	okUpd, err := st.UpdateItemFill(ctx, item.ID, fresh.Version, snap.CumQty, snap.AvgPrice, from, to)
	require.NoError(t, err)
	require.True(t, okUpd)

	*item = *mustItem(t, st, item.ID)
	return item.EntryOrderID
}

// pollOrder folds one broker order snapshot into the store, mirroring the
// watcher's bookkeeping for closing legs.
func pollOrder(t *testing.T, st *store.Store, broker *mock.MockBroker, brokerOrderID string) {
	t.Helper()
	ctx := context.Background()
	snap, ok := broker.Order(brokerOrderID)
	require.True(t, ok)
	res, err := st.ApplyOrderPoll(ctx, snap, time.Now())
	require.NoError(t, err)
	if res.DeltaQty > 0 && res.Order.Role != core.RoleEntry {
		require.NoError(t, st.AddItemClosedQty(ctx, res.Order.BatchItemID, res.DeltaQty))
	}
}

func mustItem(t *testing.T, st *store.Store, id int64) *core.BatchItem {
	t.Helper()
	item, err := st.GetItem(context.Background(), id)
	require.NoError(t, err)
	return item
}

func cashItem(symbol string, qty int64) *core.BatchItem {
	return &core.BatchItem{
		Symbol: symbol, Product: core.ProductCash, Side: core.SideBuy, Qty: qty,
		EntryType: core.EntryMarket,
		TpPrice:   decimal.NewFromInt(1000), SlTriggerPrice: decimal.NewFromInt(900),
		Status: core.ItemReady,
	}
}

func TestOpensBracketPairOnFill(t *testing.T) {
	m, st, broker, _ := newFixture(t, core.OcoPerPartial)
	ctx := context.Background()

	item := cashItem("9432", 100)
	seedItem(t, st, item)
	fillEntry(t, st, broker, item, 100, decimal.NewFromInt(950))

	require.NoError(t, m.ProcessItem(ctx, item.ID))

	got := mustItem(t, st, item.ID)
	assert.Equal(t, core.ItemBracketSent, got.Status)

	groups, err := st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, core.OcoActive, groups[0].Status)
	assert.Equal(t, int64(100), groups[0].Qty)

	// Both legs live at the broker plus the entry.
	assert.Equal(t, 3, broker.OrderCount())

	// Reprocessing is idempotent: coverage is complete.
	require.NoError(t, m.ProcessItem(ctx, item.ID))
	groups, err = st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestPerPartialFansOutGroups(t *testing.T) {
	m, st, broker, _ := newFixture(t, core.OcoPerPartial)
	ctx := context.Background()

	item := cashItem("9434", 300)
	seedItem(t, st, item)

	fillEntry(t, st, broker, item, 100, decimal.NewFromInt(500))
	require.NoError(t, m.ProcessItem(ctx, item.ID))

	fillEntry(t, st, broker, item, 200, decimal.NewFromInt(505))
	require.NoError(t, m.ProcessItem(ctx, item.ID))

	groups, err := st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, int64(100), groups[0].Qty)
	assert.Equal(t, int64(200), groups[1].Qty)

	covered, err := st.CoveredQty(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), covered)
}

func TestPostCompleteWaitsForFullFill(t *testing.T) {
	m, st, broker, _ := newFixture(t, core.OcoPostComplete)
	ctx := context.Background()

	item := cashItem("9434", 300)
	seedItem(t, st, item)

	fillEntry(t, st, broker, item, 100, decimal.NewFromInt(500))
	require.NoError(t, m.ProcessItem(ctx, item.ID))

	groups, err := st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Empty(t, groups, "partial fill must not trigger brackets in post_complete mode")

	fillEntry(t, st, broker, item, 200, decimal.NewFromInt(505))
	require.NoError(t, m.ProcessItem(ctx, item.ID))

	groups, err = st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, int64(300), groups[0].Qty)
}

func TestTpFillCancelsSiblingAndClosesItem(t *testing.T) {
	m, st, broker, _ := newFixture(t, core.OcoPerPartial)
	ctx := context.Background()

	item := cashItem("9432", 100)
	seedItem(t, st, item)
	fillEntry(t, st, broker, item, 100, decimal.NewFromInt(950))
	require.NoError(t, m.ProcessItem(ctx, item.ID))

	groups, err := st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	g := groups[0]

	require.NoError(t, broker.SimulateFill(g.TpOrderID, 100, decimal.NewFromInt(1000)))
	pollOrder(t, st, broker, g.TpOrderID)

	require.NoError(t, m.ProcessItem(ctx, item.ID))

	// Sibling stop is cancelled at the broker.
	sl, ok := broker.Order(g.SlOrderID)
	require.True(t, ok)
	assert.Equal(t, core.OrderCancelled, sl.Status)

	got := mustItem(t, st, item.ID)
	assert.Equal(t, core.ItemClosed, got.Status)
	assert.Equal(t, core.CloseViaTP, got.CloseSubstate)
	assert.Equal(t, int64(100), got.ClosedQty)

	winner, err := st.OcoWinner(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RoleTP, winner)
}

func TestSlFillClosesViaStop(t *testing.T) {
	m, st, broker, _ := newFixture(t, core.OcoPerPartial)
	ctx := context.Background()

	item := cashItem("9432", 100)
	seedItem(t, st, item)
	fillEntry(t, st, broker, item, 100, decimal.NewFromInt(950))
	require.NoError(t, m.ProcessItem(ctx, item.ID))

	groups, err := st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	g := groups[0]

	require.NoError(t, broker.SimulateFill(g.SlOrderID, 100, decimal.NewFromInt(900)))
	pollOrder(t, st, broker, g.SlOrderID)

	require.NoError(t, m.ProcessItem(ctx, item.ID))

	tp, ok := broker.Order(g.TpOrderID)
	require.True(t, ok)
	assert.Equal(t, core.OrderCancelled, tp.Status)

	got := mustItem(t, st, item.ID)
	assert.Equal(t, core.ItemClosed, got.Status)
	assert.Equal(t, core.CloseViaSL, got.CloseSubstate)
}

func TestSecondLegRejectedRollsBackFirst(t *testing.T) {
	m, st, broker, _ := newFixture(t, core.OcoPerPartial)
	ctx := context.Background()

	item := cashItem("9432", 100)
	job := seedItem(t, st, item)
	fillEntry(t, st, broker, item, 100, decimal.NewFromInt(950))

	// TP accepted, SL refused.
	broker.ScriptSendResults(nil, fmt.Errorf("%w: stop orders disabled", apperrors.ErrBrokerRejected))
	require.NoError(t, m.ProcessItem(ctx, item.ID))

	got := mustItem(t, st, item.ID)
	assert.Equal(t, core.ItemError, got.Status)
	assert.Contains(t, got.LastError, "BRACKET_SECOND_LEG_REJECTED")

	// The accepted TP leg was cancelled and the group abandoned.
	ids := broker.OrderIDs()
	require.Len(t, ids, 2) // entry + tp
	tp, ok := broker.Order(ids[1])
	require.True(t, ok)
	assert.Equal(t, core.OrderCancelled, tp.Status)

	groups, err := st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Empty(t, groups, "abandoned groups are excluded")

	covered, err := st.CoveredQty(ctx, item.ID)
	require.NoError(t, err)
	assert.Zero(t, covered)

	events, err := st.Events(ctx, job.ID)
	require.NoError(t, err)
	var found bool
	for _, e := range events {
		if e.Type == "BRACKET_SECOND_LEG_REJECTED" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRollbackFailureIsLoud(t *testing.T) {
	m, st, broker, _ := newFixture(t, core.OcoPerPartial)
	ctx := context.Background()

	item := cashItem("9432", 100)
	seedItem(t, st, item)
	fillEntry(t, st, broker, item, 100, decimal.NewFromInt(950))

	broker.ScriptSendResults(nil, fmt.Errorf("%w: stop orders disabled", apperrors.ErrBrokerRejected))
	broker.FailNextCancel(errors.New("connection reset by peer"))
	require.NoError(t, m.ProcessItem(ctx, item.ID))

	got := mustItem(t, st, item.ID)
	assert.Equal(t, core.ItemError, got.Status)
	assert.Contains(t, got.LastError, "BRACKET_ROLLBACK_FAILED")
}

func marginSellItem(symbol string, qty int64) *core.BatchItem {
	return &core.BatchItem{
		Symbol: symbol, Product: core.ProductMargin, Side: core.SideSell, Qty: qty,
		EntryType: core.EntryMarket,
		TpPrice:   decimal.NewFromInt(2000), SlTriggerPrice: decimal.NewFromInt(2055),
		Status: core.ItemReady,
	}
}

func TestMarginWaitsForHoldID(t *testing.T) {
	m, st, broker, fc := newFixture(t, core.OcoPerPartial)
	ctx := context.Background()

	item := marginSellItem("9433", 200)
	seedItem(t, st, item)
	fillEntry(t, st, broker, item, 200, decimal.NewFromInt(2030))

	// No hold id yet: nothing happens, no error.
	require.NoError(t, m.ProcessItem(ctx, item.ID))
	groups, err := st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Empty(t, groups)
	assert.Equal(t, core.ItemEntryFilled, mustItem(t, st, item.ID).Status)

	// Hold id surfaces inside the window: brackets go out citing it.
	holdID := broker.AddPosition("9433", core.SideSell, 200)
	require.NoError(t, st.SetItemHoldID(ctx, item.ID, holdID))
	fc.Advance(5 * time.Second)
	require.NoError(t, m.ProcessItem(ctx, item.ID))

	groups, err = st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, holdID, groups[0].HoldID)
}

func TestMarginHoldIDTimeoutMarksError(t *testing.T) {
	m, st, broker, fc := newFixture(t, core.OcoPerPartial)
	ctx := context.Background()

	item := marginSellItem("9433", 200)
	seedItem(t, st, item)
	fillEntry(t, st, broker, item, 200, decimal.NewFromInt(2030))

	require.NoError(t, m.ProcessItem(ctx, item.ID)) // starts the wait window
	fc.Advance(11 * time.Second)                    // past the 10s window
	require.NoError(t, m.ProcessItem(ctx, item.ID))

	got := mustItem(t, st, item.ID)
	assert.Equal(t, core.ItemError, got.Status)
	assert.Contains(t, got.LastError, "POSITION_NOT_AVAILABLE")
}

func TestInvalidBracketPricesMarkError(t *testing.T) {
	m, st, broker, _ := newFixture(t, core.OcoPerPartial)
	ctx := context.Background()

	// Buy item whose fill landed above its take-profit.
	item := cashItem("9432", 100)
	seedItem(t, st, item)
	fillEntry(t, st, broker, item, 100, decimal.NewFromInt(1100))

	require.NoError(t, m.ProcessItem(ctx, item.ID))

	got := mustItem(t, st, item.ID)
	assert.Equal(t, core.ItemError, got.Status)
	assert.Contains(t, got.LastError, "BRACKET_PRICE_INVALID")
}

func TestDoubleLegFillQuarantines(t *testing.T) {
	m, st, broker, _ := newFixture(t, core.OcoPerPartial)
	ctx := context.Background()

	item := cashItem("9432", 100)
	seedItem(t, st, item)
	fillEntry(t, st, broker, item, 100, decimal.NewFromInt(950))
	require.NoError(t, m.ProcessItem(ctx, item.ID))

	groups, err := st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	g := groups[0]

	// Both legs fill before any cancel lands.
	require.NoError(t, broker.SimulateFill(g.TpOrderID, 100, decimal.NewFromInt(1000)))
	require.NoError(t, broker.SimulateFill(g.SlOrderID, 100, decimal.NewFromInt(900)))
	pollOrder(t, st, broker, g.TpOrderID)
	pollOrder(t, st, broker, g.SlOrderID)

	require.NoError(t, m.ProcessItem(ctx, item.ID))

	got := mustItem(t, st, item.ID)
	assert.Equal(t, core.ItemError, got.Status)
	assert.Contains(t, got.LastError, "OVERFILL")
}

func TestRefusedCancelReconcilesRacedLoserFill(t *testing.T) {
	m, st, broker, _ := newFixture(t, core.OcoPerPartial)
	ctx := context.Background()

	item := cashItem("9432", 100)
	job := seedItem(t, st, item)
	fillEntry(t, st, broker, item, 100, decimal.NewFromInt(950))
	require.NoError(t, m.ProcessItem(ctx, item.ID))

	groups, err := st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	g := groups[0]

	// The TP fill is observed, but the SL also fills at the broker before
	// the sibling cancel lands; the store still believes the SL is working.
	require.NoError(t, broker.SimulateFill(g.TpOrderID, 100, decimal.NewFromInt(1000)))
	pollOrder(t, st, broker, g.TpOrderID)
	require.NoError(t, broker.SimulateFill(g.SlOrderID, 100, decimal.NewFromInt(900)))

	require.NoError(t, m.ProcessItem(ctx, item.ID))

	// The refused cancel must not be mistaken for success: the leg's real
	// state is fetched, the double fill surfaces, and the group stays open.
	got := mustItem(t, st, item.ID)
	assert.Equal(t, core.ItemError, got.Status)
	assert.Contains(t, got.LastError, "OVERFILL")

	sl, err := st.GetOrderByBrokerID(ctx, g.SlOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, sl.Status)
	assert.Equal(t, int64(100), sl.CumQty)

	groups, err = st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	assert.NotEqual(t, core.OcoClosed, groups[0].Status)

	events, err := st.Events(ctx, job.ID)
	require.NoError(t, err)
	var found bool
	for _, e := range events {
		if e.Type == "OCO_DOUBLE_FILL" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRefusedCancelOnPartiallyFilledLoserQuarantines(t *testing.T) {
	m, st, broker, _ := newFixture(t, core.OcoPerPartial)
	ctx := context.Background()

	item := cashItem("9432", 100)
	seedItem(t, st, item)
	fillEntry(t, st, broker, item, 100, decimal.NewFromInt(950))
	require.NoError(t, m.ProcessItem(ctx, item.ID))

	groups, err := st.OcoGroupsForItem(ctx, item.ID)
	require.NoError(t, err)
	g := groups[0]

	require.NoError(t, broker.SimulateFill(g.TpOrderID, 100, decimal.NewFromInt(1000)))
	pollOrder(t, st, broker, g.TpOrderID)
	// The stop grabbed part of the slice before the cancel: the cancel
	// succeeds on the remainder, but the slice is already over-closed.
	require.NoError(t, broker.SimulateFill(g.SlOrderID, 40, decimal.NewFromInt(900)))
	pollOrder(t, st, broker, g.SlOrderID)

	require.NoError(t, m.ProcessItem(ctx, item.ID))

	got := mustItem(t, st, item.ID)
	assert.Equal(t, core.ItemError, got.Status)
	assert.Contains(t, got.LastError, "OVERFILL")
}
