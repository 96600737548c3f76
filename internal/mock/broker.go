// Package mock provides an in-memory broker for tests.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"batch_trader/internal/core"
	apperrors "batch_trader/pkg/errors"
)

// MockBroker implements core.IBroker in memory. Orders are accepted as
// WORKING and only move when a test calls SimulateFill or cancels them,
// which keeps fill timing fully under the test's control.
type MockBroker struct {
	mu           sync.Mutex
	orders       map[string]*mockOrder
	clientRefMap map[string]string // client ref -> broker order id
	positions    map[string]*core.BrokerPosition
	names        map[string]string
	orderSeq     int64
	holdSeq      int64
	authCalls    int

	failNextSend   error
	failNextCancel error
	rejectSymbols  map[string]error
	refuseCancels  map[string]bool
	sendScript     []error
}

type mockOrder struct {
	id        string
	clientRef string
	symbol    string
	side      core.Side
	qty       int64
	kind      core.OrderType
	price     decimal.Decimal
	trigger   decimal.Decimal
	holdID    string
	status    core.OrderStatus
	cumQty    int64
	notional  decimal.Decimal
}

// NewMockBroker creates an empty mock broker.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		orders:        make(map[string]*mockOrder),
		clientRefMap:  make(map[string]string),
		positions:     make(map[string]*core.BrokerPosition),
		names:         make(map[string]string),
		orderSeq:      1000,
		rejectSymbols: make(map[string]error),
		refuseCancels: make(map[string]bool),
	}
}

// Authenticate always succeeds and counts calls.
func (m *MockBroker) Authenticate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCalls++
	return nil
}

// AuthCalls returns how many times Authenticate was called.
func (m *MockBroker) AuthCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authCalls
}

// FailNextSend makes the next Send call fail with err.
func (m *MockBroker) FailNextSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextSend = err
}

// FailNextCancel makes the next CancelOrder call fail with err.
func (m *MockBroker) FailNextCancel(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextCancel = err
}

// RefuseCancel makes every cancel of the order be rejected while the
// order stays live, like a broker refusing cancels mid-execution.
func (m *MockBroker) RefuseCancel(brokerOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refuseCancels[brokerOrderID] = true
}

// RejectSymbol makes every send for symbol fail with err.
func (m *MockBroker) RejectSymbol(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectSymbols[symbol] = err
}

// ScriptSendResults fixes the outcome of the next len(errs) send calls,
// in order. A nil entry means the send succeeds.
func (m *MockBroker) ScriptSendResults(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendScript = append(m.sendScript, errs...)
}

func (m *MockBroker) takeSendFailure(symbol string) error {
	if len(m.sendScript) > 0 {
		err := m.sendScript[0]
		m.sendScript = m.sendScript[1:]
		return err
	}
	if m.failNextSend != nil {
		err := m.failNextSend
		m.failNextSend = nil
		return err
	}
	if err, ok := m.rejectSymbols[symbol]; ok {
		return err
	}
	return nil
}

func (m *MockBroker) accept(o *mockOrder) string {
	// Idempotency: a resubmitted client reference returns the original id.
	if o.clientRef != "" {
		if existing, ok := m.clientRefMap[o.clientRef]; ok {
			return existing
		}
	}
	m.orderSeq++
	o.id = fmt.Sprintf("M%d", m.orderSeq)
	o.status = core.OrderWorking
	m.orders[o.id] = o
	if o.clientRef != "" {
		m.clientRefMap[o.clientRef] = o.id
	}
	return o.id
}

// SendEntry accepts an entry order as WORKING.
func (m *MockBroker) SendEntry(ctx context.Context, item *core.BatchItem) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeSendFailure(item.Symbol); err != nil {
		return "", err
	}

	o := &mockOrder{
		clientRef: item.EntryRef,
		symbol:    item.Symbol,
		side:      item.Side,
		qty:       item.Qty,
		kind:      core.OrderTypeMarket,
	}
	if item.EntryType == core.EntryLimit {
		o.kind = core.OrderTypeLimit
		if item.EntryPrice != nil {
			o.price = *item.EntryPrice
		}
	}
	return m.accept(o), nil
}

// SendExit accepts a closing order as WORKING. Margin closeouts must cite a
// hold id beginning with E, matching the real wire format rule.
func (m *MockBroker) SendExit(ctx context.Context, item *core.BatchItem, spec core.ExitSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeSendFailure(item.Symbol); err != nil {
		return "", err
	}
	if item.Product == core.ProductMargin && !strings.HasPrefix(spec.HoldID, "E") {
		return "", fmt.Errorf("%w: margin close requires a hold id starting with E, got %q",
			apperrors.ErrValidation, spec.HoldID)
	}

	o := &mockOrder{
		clientRef: spec.ClientRef,
		symbol:    item.Symbol,
		side:      item.Side.Opposite(),
		qty:       spec.Qty,
		kind:      spec.Kind,
		price:     spec.Price,
		trigger:   spec.TriggerPrice,
		holdID:    spec.HoldID,
	}
	return m.accept(o), nil
}

// CancelOrder cancels a working order.
func (m *MockBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNextCancel != nil {
		err := m.failNextCancel
		m.failNextCancel = nil
		return err
	}

	o, ok := m.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, brokerOrderID)
	}
	if o.status.Terminal() {
		return fmt.Errorf("%w: order %s already %s", apperrors.ErrBrokerRejected, brokerOrderID, o.status)
	}
	if m.refuseCancels[brokerOrderID] {
		return fmt.Errorf("%w: order %s cannot be cancelled right now", apperrors.ErrBrokerRejected, brokerOrderID)
	}
	o.status = core.OrderCancelled
	return nil
}

// ListOrders returns snapshots of all orders.
func (m *MockBroker) ListOrders(ctx context.Context) ([]core.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]core.BrokerOrder, 0, len(m.orders))
	for _, o := range m.orders {
		bo := core.BrokerOrder{
			ID:     o.id,
			Status: o.status,
			CumQty: o.cumQty,
		}
		if o.cumQty > 0 {
			avg := o.notional.Div(decimal.NewFromInt(o.cumQty))
			bo.AvgPrice = &avg
		}
		out = append(out, bo)
	}
	return out, nil
}

// ListPositions returns the open positions.
func (m *MockBroker) ListPositions(ctx context.Context) ([]core.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]core.BrokerPosition, 0, len(m.positions))
	for _, p := range m.positions {
		if p.LeavesQty > 0 {
			out = append(out, *p)
		}
	}
	return out, nil
}

// SymbolName resolves symbol names set via SetSymbolName; unknown symbols
// resolve to an empty name like the real endpoint does for bad codes.
func (m *MockBroker) SymbolName(ctx context.Context, symbol string, exchange int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.names[symbol], nil
}

// SetSymbolName registers a symbol display name.
func (m *MockBroker) SetSymbolName(symbol, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[symbol] = name
}

// SimulateFill executes qty at price against an order. Partial fills leave
// the order PARTIAL; reaching the order quantity marks it FILLED.
func (m *MockBroker) SimulateFill(brokerOrderID string, qty int64, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, brokerOrderID)
	}
	if o.status.Terminal() {
		return fmt.Errorf("order %s already %s", brokerOrderID, o.status)
	}
	if o.cumQty+qty > o.qty {
		return fmt.Errorf("fill %d exceeds remaining %d on %s", qty, o.qty-o.cumQty, brokerOrderID)
	}

	o.cumQty += qty
	o.notional = o.notional.Add(price.Mul(decimal.NewFromInt(qty)))
	if o.cumQty >= o.qty {
		o.status = core.OrderFilled
	} else {
		o.status = core.OrderPartial
	}
	return nil
}

// AddPosition registers an open position and returns its hold id.
func (m *MockBroker) AddPosition(symbol string, side core.Side, leavesQty int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.holdSeq++
	holdID := fmt.Sprintf("E2026%03d", m.holdSeq)
	m.positions[holdID] = &core.BrokerPosition{
		Symbol:    symbol,
		Side:      side,
		HoldID:    holdID,
		LeavesQty: leavesQty,
	}
	return holdID
}

// AddPositionWithHoldID registers a position under a caller-chosen hold id.
func (m *MockBroker) AddPositionWithHoldID(holdID, symbol string, side core.Side, leavesQty int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[holdID] = &core.BrokerPosition{
		Symbol:    symbol,
		Side:      side,
		HoldID:    holdID,
		LeavesQty: leavesQty,
	}
}

// ReducePosition shrinks a position after a closing fill.
func (m *MockBroker) ReducePosition(holdID string, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[holdID]
	if !ok {
		return fmt.Errorf("%w: hold id %s", apperrors.ErrPositionNotAvailable, holdID)
	}
	p.LeavesQty -= qty
	if p.LeavesQty < 0 {
		p.LeavesQty = 0
	}
	return nil
}

// Order returns a snapshot of one order for assertions.
func (m *MockBroker) Order(brokerOrderID string) (core.BrokerOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[brokerOrderID]
	if !ok {
		return core.BrokerOrder{}, false
	}
	bo := core.BrokerOrder{ID: o.id, Status: o.status, CumQty: o.cumQty}
	if o.cumQty > 0 {
		avg := o.notional.Div(decimal.NewFromInt(o.cumQty))
		bo.AvgPrice = &avg
	}
	return bo, true
}

// OrderCount returns how many orders the broker has accepted.
func (m *MockBroker) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// OrderIDs returns the accepted broker order ids in insertion order.
func (m *MockBroker) OrderIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.orders))
	for seq := int64(1001); seq <= m.orderSeq; seq++ {
		id := fmt.Sprintf("M%d", seq)
		if _, ok := m.orders[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

var _ core.IBroker = (*MockBroker)(nil)
