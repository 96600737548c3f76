package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch_trader/internal/core"
	"batch_trader/internal/logging"
	"batch_trader/internal/metrics"
	"batch_trader/internal/mock"
	"batch_trader/internal/ratelimit"
	"batch_trader/internal/store"
)

type captureNotifier struct {
	notified []int64
}

func (c *captureNotifier) NotifyItem(itemID int64) {
	c.notified = append(c.notified, itemID)
}

func newFixture(t *testing.T) (*Watcher, *store.Store, *mock.MockBroker, *captureNotifier) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	broker := mock.NewMockBroker()
	notifier := &captureNotifier{}
	w := New(st, broker, ratelimit.NewLimiter(1000, 1000), notifier,
		logging.NewNopLogger(), metrics.New(), time.Hour, time.Hour)
	return w, st, broker, notifier
}

func seedRunningBatch(t *testing.T, st *store.Store, item *core.BatchItem) *core.BatchJob {
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

// submitEntry mirrors what the engine does: claim, send, record acceptance.
func submitEntry(t *testing.T, st *store.Store, broker *mock.MockBroker, item *core.BatchItem) string {
	t.Helper()
	ctx := context.Background()
	ok, err := st.ClaimItemEntry(ctx, item.ID, item.Version, "ref-"+item.Symbol)
	require.NoError(t, err)
	require.True(t, ok)
	item.EntryRef = "ref-" + item.Symbol
	item.Status = core.ItemEntrySent

	brokerOrderID, err := broker.SendEntry(ctx, item)
	require.NoError(t, err)
	require.NoError(t, st.SetEntryAccepted(ctx, item, &core.Order{
		BatchItemID: item.ID, Role: core.RoleEntry, BrokerOrderID: brokerOrderID,
		ClientRef: item.EntryRef, Side: item.Side, Qty: item.Qty, OrderType: core.OrderTypeMarket,
	}))
	return brokerOrderID
}

func cashItem(symbol string, qty int64) *core.BatchItem {
	return &core.BatchItem{
		Symbol: symbol, Product: core.ProductCash, Side: core.SideBuy, Qty: qty,
		EntryType: core.EntryMarket,
		TpPrice:   decimal.NewFromInt(1000), SlTriggerPrice: decimal.NewFromInt(900),
		Status: core.ItemReady,
	}
}

func TestPollOrdersFoldsEntryFills(t *testing.T) {
	w, st, broker, notifier := newFixture(t)
	ctx := context.Background()

	item := cashItem("9432", 100)
	seedRunningBatch(t, st, item)
	orderID := submitEntry(t, st, broker, item)

	require.NoError(t, broker.SimulateFill(orderID, 40, decimal.NewFromInt(950)))
	require.NoError(t, w.PollOrders(ctx))

	got, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ItemEntryPartial, got.Status)
	assert.Equal(t, int64(40), got.FilledQty)
	require.NotNil(t, got.AvgFillPrice)
	assert.True(t, got.AvgFillPrice.Equal(decimal.NewFromInt(950)))
	assert.Equal(t, []int64{item.ID}, notifier.notified)

	require.NoError(t, broker.SimulateFill(orderID, 60, decimal.NewFromInt(955)))
	require.NoError(t, w.PollOrders(ctx))

	got, err = st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ItemEntryFilled, got.Status)
	assert.Equal(t, int64(100), got.FilledQty)
	assert.Len(t, notifier.notified, 2)

	// A quiet poll changes nothing and pokes nobody.
	require.NoError(t, w.PollOrders(ctx))
	assert.Len(t, notifier.notified, 2)
}

func TestPollOrdersIgnoresOrphans(t *testing.T) {
	w, _, broker, notifier := newFixture(t)
	ctx := context.Background()

	// An order the store has never heard of.
	stray := cashItem("7203", 100)
	stray.EntryRef = "stray-ref"
	_, err := broker.SendEntry(ctx, stray)
	require.NoError(t, err)

	require.NoError(t, w.PollOrders(ctx))
	assert.Empty(t, notifier.notified)
}

// captureLogger records Warn calls so tests can inspect their fields.
type captureLogger struct {
	warnMsgs   []string
	warnFields []map[string]interface{}
}

func (l *captureLogger) Warn(msg string, fields ...interface{}) {
	l.warnMsgs = append(l.warnMsgs, msg)
	kv := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok {
			kv[k] = fields[i+1]
		}
	}
	l.warnFields = append(l.warnFields, kv)
}

func (l *captureLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l *captureLogger) WithFields(map[string]interface{}) core.ILogger { return l }
func (l *captureLogger) Debug(string, ...interface{})                   {}
func (l *captureLogger) Info(string, ...interface{})                    {}
func (l *captureLogger) Error(string, ...interface{})                   {}
func (l *captureLogger) Fatal(string, ...interface{})                   {}

func TestOrphanOrderWarningCarriesFullSnapshot(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	broker := mock.NewMockBroker()
	cl := &captureLogger{}
	w := New(st, broker, ratelimit.NewLimiter(1000, 1000), &captureNotifier{},
		cl, metrics.New(), time.Hour, time.Hour)
	ctx := context.Background()

	stray := cashItem("7203", 100)
	stray.EntryRef = "stray-ref"
	id, err := broker.SendEntry(ctx, stray)
	require.NoError(t, err)
	require.NoError(t, broker.SimulateFill(id, 40, decimal.NewFromInt(2100)))

	require.NoError(t, w.PollOrders(ctx))

	require.Len(t, cl.warnFields, 1)
	fields := cl.warnFields[0]
	assert.Equal(t, id, fields["broker_order_id"])
	assert.Equal(t, string(core.OrderPartial), fields["status"])
	assert.Equal(t, int64(40), fields["cum_qty"])
	assert.Contains(t, fields, "submitted_at")
	assert.Contains(t, fields, "payload")
}

func TestPollOrdersEntryDiedEmpty(t *testing.T) {
	w, st, broker, _ := newFixture(t)
	ctx := context.Background()

	item := cashItem("9432", 100)
	seedRunningBatch(t, st, item)
	orderID := submitEntry(t, st, broker, item)

	require.NoError(t, broker.CancelOrder(ctx, orderID))
	require.NoError(t, w.PollOrders(ctx))

	got, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ItemError, got.Status)
	assert.Contains(t, got.LastError, "ENTRY_CANCELLED")
}

func TestPollOrdersLegFillAddsClosedQty(t *testing.T) {
	w, st, broker, notifier := newFixture(t)
	ctx := context.Background()

	item := cashItem("9432", 100)
	seedRunningBatch(t, st, item)
	orderID := submitEntry(t, st, broker, item)
	require.NoError(t, broker.SimulateFill(orderID, 100, decimal.NewFromInt(950)))
	require.NoError(t, w.PollOrders(ctx))

	// Submit a TP leg by hand and fill it.
	tpID, err := broker.SendExit(ctx, item, core.ExitSpec{
		Kind: core.OrderTypeLimit, Qty: 100, Price: decimal.NewFromInt(1000), ClientRef: "tp-ref",
	})
	require.NoError(t, err)
	require.NoError(t, st.InsertOrder(ctx, &core.Order{
		BatchItemID: item.ID, Role: core.RoleTP, BrokerOrderID: tpID, ClientRef: "tp-ref",
		Side: core.SideSell, Qty: 100, OrderType: core.OrderTypeLimit,
	}))

	require.NoError(t, broker.SimulateFill(tpID, 100, decimal.NewFromInt(1000)))
	notifier.notified = nil
	require.NoError(t, w.PollOrders(ctx))

	got, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.ClosedQty)
	assert.Equal(t, []int64{item.ID}, notifier.notified)
}

func marginItem(symbol string, side core.Side, qty int64) *core.BatchItem {
	tp, sl := decimal.NewFromInt(1000), decimal.NewFromInt(900)
	if side == core.SideSell {
		tp, sl = decimal.NewFromInt(2000), decimal.NewFromInt(2055)
	}
	return &core.BatchItem{
		Symbol: symbol, Product: core.ProductMargin, Side: side, Qty: qty,
		EntryType: core.EntryMarket, TpPrice: tp, SlTriggerPrice: sl,
		Status: core.ItemReady,
	}
}

func TestPollPositionsAssignsHoldID(t *testing.T) {
	w, st, broker, notifier := newFixture(t)
	ctx := context.Background()

	item := marginItem("9433", core.SideSell, 200)
	seedRunningBatch(t, st, item)
	orderID := submitEntry(t, st, broker, item)
	require.NoError(t, broker.SimulateFill(orderID, 200, decimal.NewFromInt(2030)))
	require.NoError(t, w.PollOrders(ctx))

	holdID := broker.AddPosition("9433", core.SideSell, 200)
	notifier.notified = nil
	require.NoError(t, w.PollPositions(ctx))

	got, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, holdID, got.HoldID)
	assert.Equal(t, []int64{item.ID}, notifier.notified)
}

func TestPollPositionsAmbiguousMatchWarns(t *testing.T) {
	w, st, broker, notifier := newFixture(t)
	ctx := context.Background()

	item := marginItem("9433", core.SideSell, 200)
	job := seedRunningBatch(t, st, item)
	orderID := submitEntry(t, st, broker, item)
	require.NoError(t, broker.SimulateFill(orderID, 200, decimal.NewFromInt(2030)))
	require.NoError(t, w.PollOrders(ctx))

	// Two candidate positions of identical shape.
	broker.AddPosition("9433", core.SideSell, 200)
	broker.AddPosition("9433", core.SideSell, 200)
	notifier.notified = nil
	require.NoError(t, w.PollPositions(ctx))

	got, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Empty(t, got.HoldID)
	assert.Empty(t, notifier.notified)

	events, err := st.Events(ctx, job.ID)
	require.NoError(t, err)
	var found bool
	for _, e := range events {
		if e.Type == "HOLD_ID_MATCH_NOT_FOUND" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestOverfillQuarantinesItem(t *testing.T) {
	w, st, broker, _ := newFixture(t)
	ctx := context.Background()

	item := cashItem("9432", 100)
	seedRunningBatch(t, st, item)
	orderID := submitEntry(t, st, broker, item)
	require.NoError(t, broker.SimulateFill(orderID, 100, decimal.NewFromInt(950)))
	require.NoError(t, w.PollOrders(ctx))

	// Shrink the stored quantity so the next snapshot looks like an overfill.
	// Simpler: feed a forged snapshot directly.
	avg := decimal.NewFromInt(950)
	err := w.applySnapshot(ctx, core.BrokerOrder{
		ID: orderID, Status: core.OrderFilled, CumQty: 150, AvgPrice: &avg,
	}, time.Now())
	require.NoError(t, err)

	got, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ItemError, got.Status)
	assert.Contains(t, got.LastError, "OVERFILL")
}

func TestRegressedSnapshotHaltsIntake(t *testing.T) {
	w, st, broker, _ := newFixture(t)
	ctx := context.Background()

	var haltReason string
	w.SetInvariantHandler(func(reason string) { haltReason = reason })

	item := cashItem("9432", 100)
	seedRunningBatch(t, st, item)
	orderID := submitEntry(t, st, broker, item)
	require.NoError(t, broker.SimulateFill(orderID, 60, decimal.NewFromInt(950)))
	require.NoError(t, w.PollOrders(ctx))

	// A snapshot reporting LESS than already recorded cannot be reconciled.
	avg := decimal.NewFromInt(950)
	err := w.applySnapshot(ctx, core.BrokerOrder{
		ID: orderID, Status: core.OrderWorking, CumQty: 30, AvgPrice: &avg,
	}, time.Now())
	require.NoError(t, err)

	got, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ItemError, got.Status)
	assert.Contains(t, got.LastError, "INTERNAL_INVARIANT")
	assert.Contains(t, haltReason, orderID)
}
