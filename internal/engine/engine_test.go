package engine

import (
	"context"
	"errors"
	"fmt"
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
	apperrors "batch_trader/pkg/errors"
)

func newFixture(t *testing.T) (*Engine, *store.Store, *mock.MockBroker) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	broker := mock.NewMockBroker()
	e := New(st, broker, ratelimit.NewLimiter(1000, 1000), logging.NewNopLogger(), metrics.New(), 4)
	return e, st, broker
}

func seedRunningBatch(t *testing.T, st *store.Store, symbols ...string) (*core.BatchJob, []*core.BatchItem) {
	t.Helper()
	ctx := context.Background()
	job := &core.BatchJob{
		BatchCode: "B-" + t.Name(), Name: t.Name(),
		Status: core.BatchScheduled, RunMode: core.RunImmediate, EodCloseTime: "14:30",
	}
	items := make([]*core.BatchItem, len(symbols))
	for i, sym := range symbols {
		items[i] = &core.BatchItem{
			Symbol: sym, Product: core.ProductCash, Side: core.SideBuy, Qty: 100,
			EntryType: core.EntryMarket,
			TpPrice:   decimal.NewFromInt(1000), SlTriggerPrice: decimal.NewFromInt(900),
			Status: core.ItemReady,
		}
	}
	require.NoError(t, st.CreateBatch(ctx, job, items))
	ok, err := st.MarkBatchRunning(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	return job, items
}

func TestProcessBatchSubmitsEntries(t *testing.T) {
	e, st, broker := newFixture(t)
	ctx := context.Background()
	job, items := seedRunningBatch(t, st, "9432", "9433")

	require.NoError(t, e.ProcessBatch(ctx, job.ID))

	for _, item := range items {
		got, err := st.GetItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, core.ItemEntrySent, got.Status)
		assert.NotEmpty(t, got.EntryRef)
		assert.NotEmpty(t, got.EntryOrderID)

		order, err := st.GetOrderByBrokerID(ctx, got.EntryOrderID)
		require.NoError(t, err)
		assert.Equal(t, core.RoleEntry, order.Role)
		assert.Equal(t, got.EntryRef, order.ClientRef)
	}
	assert.Equal(t, 2, broker.OrderCount())

	// Reprocessing finds no READY items and submits nothing new.
	require.NoError(t, e.ProcessBatch(ctx, job.ID))
	assert.Equal(t, 2, broker.OrderCount())
}

func TestProcessBatchSkipsNonRunningBatch(t *testing.T) {
	e, st, broker := newFixture(t)
	ctx := context.Background()
	job, _ := seedRunningBatch(t, st, "9432")

	ok, err := st.TransitionBatch(ctx, job.ID, core.BatchRunning, core.BatchPaused)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.ProcessBatch(ctx, job.ID))
	assert.Zero(t, broker.OrderCount())
}

func TestRejectedEntryMarksItemError(t *testing.T) {
	e, st, broker := newFixture(t)
	ctx := context.Background()
	broker.RejectSymbol("9432", fmt.Errorf("%w: insufficient funds", apperrors.ErrBrokerRejected))
	job, items := seedRunningBatch(t, st, "9432")

	require.NoError(t, e.ProcessBatch(ctx, job.ID))

	got, err := st.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.ItemError, got.Status)
	assert.Contains(t, got.LastError, "ENTRY_REJECTED")

	events, err := st.Events(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ENTRY_REJECTED", events[0].Type)
}

func TestAmbiguousFailureKeepsIntentAndNeverResubmits(t *testing.T) {
	e, st, broker := newFixture(t)
	ctx := context.Background()
	broker.FailNextSend(errors.New("connection reset by peer"))
	job, items := seedRunningBatch(t, st, "9432")

	require.NoError(t, e.ProcessBatch(ctx, job.ID))

	got, err := st.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.ItemEntrySent, got.Status)
	assert.NotEmpty(t, got.EntryRef)
	assert.Empty(t, got.EntryOrderID)
	assert.Contains(t, got.LastError, "ENTRY_STATE_UNKNOWN")

	// The item is no longer READY; a second pass must not resubmit.
	require.NoError(t, e.ProcessBatch(ctx, job.ID))
	assert.Zero(t, broker.OrderCount())
}

func TestStartRecoversRunningBatch(t *testing.T) {
	e, st, broker := newFixture(t)
	job, _ := seedRunningBatch(t, st, "9432")

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool {
		return broker.OrderCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	items, err := st.ListItems(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ItemEntrySent, items[0].Status)
}

func TestRecoveryFlagsUnacknowledgedIntent(t *testing.T) {
	e, st, _ := newFixture(t)
	ctx := context.Background()
	job, items := seedRunningBatch(t, st, "9432")

	// Simulate a crash between the checkpoint and the acknowledgement.
	ok, err := st.ClaimItemEntry(ctx, items[0].ID, 0, "orphan-ref")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Stop())

	got, err := st.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.ItemEntrySent, got.Status)
	assert.Empty(t, got.EntryOrderID)
	assert.Contains(t, got.LastError, "ENTRY_STATE_UNKNOWN")

	events, err := st.Events(ctx, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "ENTRY_STATE_UNKNOWN", events[0].Type)
}
