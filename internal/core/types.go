package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BatchStatus is the lifecycle state of a batch job.
type BatchStatus string

const (
	BatchScheduled BatchStatus = "SCHEDULED"
	BatchRunning   BatchStatus = "RUNNING"
	BatchPaused    BatchStatus = "PAUSED"
	BatchDone      BatchStatus = "DONE"
	BatchError     BatchStatus = "ERROR"
	BatchCancelled BatchStatus = "CANCELLED"
)

// ParseBatchStatus decodes a stored status code.
func ParseBatchStatus(s string) (BatchStatus, error) {
	switch BatchStatus(s) {
	case BatchScheduled, BatchRunning, BatchPaused, BatchDone, BatchError, BatchCancelled:
		return BatchStatus(s), nil
	}
	return "", fmt.Errorf("invalid batch status: %q", s)
}

// Terminal reports whether the batch can no longer change state.
func (s BatchStatus) Terminal() bool {
	return s == BatchDone || s == BatchError || s == BatchCancelled
}

// ItemStatus is the lifecycle state of a batch item.
type ItemStatus string

const (
	ItemReady         ItemStatus = "READY"
	ItemEntrySent     ItemStatus = "ENTRY_SENT"
	ItemEntryPartial  ItemStatus = "ENTRY_PARTIAL"
	ItemEntryFilled   ItemStatus = "ENTRY_FILLED"
	ItemBracketSent   ItemStatus = "BRACKET_SENT"
	ItemTPFilled      ItemStatus = "TP_FILLED"
	ItemSLFilled      ItemStatus = "SL_FILLED"
	ItemEodMarketSent ItemStatus = "EOD_MARKET_SENT"
	ItemClosed        ItemStatus = "CLOSED"
	ItemError         ItemStatus = "ERROR"
)

// ParseItemStatus decodes a stored status code.
func ParseItemStatus(s string) (ItemStatus, error) {
	switch ItemStatus(s) {
	case ItemReady, ItemEntrySent, ItemEntryPartial, ItemEntryFilled, ItemBracketSent,
		ItemTPFilled, ItemSLFilled, ItemEodMarketSent, ItemClosed, ItemError:
		return ItemStatus(s), nil
	}
	return "", fmt.Errorf("invalid item status: %q", s)
}

// Terminal reports whether the item can no longer change state.
func (s ItemStatus) Terminal() bool {
	return s == ItemClosed || s == ItemError
}

// itemTransitions is the legal transition table. ERROR is reachable from
// every non-terminal state and is not listed per row. ENTRY_PARTIAL and
// BRACKET_SENT loop on themselves as later partial fills and fan-out
// brackets arrive.
var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemReady:         {ItemEntrySent},
	ItemEntrySent:     {ItemEntryPartial, ItemEntryFilled, ItemEodMarketSent, ItemClosed},
	ItemEntryPartial:  {ItemEntryPartial, ItemEntryFilled, ItemBracketSent, ItemEodMarketSent},
	ItemEntryFilled:   {ItemBracketSent, ItemEodMarketSent},
	ItemBracketSent:   {ItemBracketSent, ItemTPFilled, ItemSLFilled, ItemEodMarketSent, ItemClosed},
	ItemTPFilled:      {ItemClosed},
	ItemSLFilled:      {ItemClosed},
	ItemEodMarketSent: {ItemClosed},
}

// CanTransition reports whether from -> to is a legal item transition.
func (s ItemStatus) CanTransition(to ItemStatus) bool {
	if s.Terminal() {
		return false
	}
	if to == ItemError {
		return true
	}
	for _, next := range itemTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderRole distinguishes the purpose of a broker order.
type OrderRole string

const (
	RoleEntry OrderRole = "entry"
	RoleTP    OrderRole = "tp"
	RoleSL    OrderRole = "sl"
	RoleEOD   OrderRole = "eod"
)

// ParseOrderRole decodes a stored role code.
func ParseOrderRole(s string) (OrderRole, error) {
	switch OrderRole(s) {
	case RoleEntry, RoleTP, RoleSL, RoleEOD:
		return OrderRole(s), nil
	}
	return "", fmt.Errorf("invalid order role: %q", s)
}

// OrderStatus is the broker-side lifecycle state of an order.
type OrderStatus string

const (
	OrderNew       OrderStatus = "NEW"
	OrderWorking   OrderStatus = "WORKING"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
	OrderRejected  OrderStatus = "REJECTED"
)

// ParseOrderStatus decodes a stored status code.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch OrderStatus(s) {
	case OrderNew, OrderWorking, OrderPartial, OrderFilled, OrderCancelled, OrderExpired, OrderRejected:
		return OrderStatus(s), nil
	}
	return "", fmt.Errorf("invalid order status: %q", s)
}

// Terminal reports whether the order can no longer change on the broker.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired, OrderRejected:
		return true
	}
	return false
}

// OcoStatus is the lifecycle state of a bracket pair.
type OcoStatus string

const (
	OcoPreparing OcoStatus = "PREPARING"
	OcoActive    OcoStatus = "ACTIVE"
	OcoTPFilled  OcoStatus = "TP_FILLED"
	OcoSLFilled  OcoStatus = "SL_FILLED"
	OcoClosed    OcoStatus = "CLOSED"
)

// ParseOcoStatus decodes a stored status code.
func ParseOcoStatus(s string) (OcoStatus, error) {
	switch OcoStatus(s) {
	case OcoPreparing, OcoActive, OcoTPFilled, OcoSLFilled, OcoClosed:
		return OcoStatus(s), nil
	}
	return "", fmt.Errorf("invalid oco status: %q", s)
}

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide decodes a stored side code.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideBuy, SideSell:
		return Side(s), nil
	}
	return "", fmt.Errorf("invalid side: %q", s)
}

// Opposite returns the closing side for this entry side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Product is the account product an item trades on.
type Product string

const (
	ProductCash   Product = "cash"
	ProductMargin Product = "margin"
)

// EntryType is how the entry order prices.
type EntryType string

const (
	EntryMarket EntryType = "market"
	EntryLimit  EntryType = "limit"
)

// OrderType is the pricing mode of a single broker order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// RunMode selects when a batch starts.
type RunMode string

const (
	RunImmediate RunMode = "immediate"
	RunScheduled RunMode = "scheduled"
)

// OcoMode selects the bracket fan-out policy.
type OcoMode string

const (
	OcoPerPartial   OcoMode = "per_partial"
	OcoPostComplete OcoMode = "post_complete"
)

// CloseSubstate records which leg(s) terminated a closed item.
type CloseSubstate string

const (
	CloseNone   CloseSubstate = ""
	CloseViaTP  CloseSubstate = "TP_FILLED"
	CloseViaSL  CloseSubstate = "SL_FILLED"
	CloseMixed  CloseSubstate = "MIXED"
	CloseViaEOD CloseSubstate = "EOD"
)

// BatchJob is a plan: a group of per-symbol items managed as one unit.
type BatchJob struct {
	ID            int64
	BatchCode     string
	Name          string
	Status        BatchStatus
	RunMode       RunMode
	ScheduledAt   *time.Time
	EodCloseTime  string // "HH:MM" local wall clock
	EodForceClose bool
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BatchItem is the per-symbol plan and its execution progress.
type BatchItem struct {
	ID             int64
	BatchJobID     int64
	Symbol         string
	Exchange       int
	Product        Product
	Side           Side
	Qty            int64
	EntryType      EntryType
	EntryPrice     *decimal.Decimal // set iff EntryType == limit
	TpPrice        decimal.Decimal
	SlTriggerPrice decimal.Decimal
	Status         ItemStatus
	CloseSubstate  CloseSubstate
	FilledQty      int64
	ClosedQty      int64
	AvgFillPrice   *decimal.Decimal
	EntryOrderID   string // broker order id, empty until accepted
	EntryRef       string // client order reference written before submit
	HoldID         string // margin position handle, assigned by the watcher
	LastError      string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemainingQty is the filled quantity not yet closed by a bracket or an EOD
// market order.
func (i *BatchItem) RemainingQty() int64 {
	r := i.FilledQty - i.ClosedQty
	if r < 0 {
		return 0
	}
	return r
}

// ValidateBracketPrices checks that TP and SL sit on the correct sides of
// the fill price for the entry direction.
func (i *BatchItem) ValidateBracketPrices(avg decimal.Decimal) error {
	if !i.TpPrice.IsPositive() || !i.SlTriggerPrice.IsPositive() {
		return fmt.Errorf("tp/sl prices must be positive: tp=%s sl=%s", i.TpPrice, i.SlTriggerPrice)
	}
	switch i.Side {
	case SideBuy:
		if !i.TpPrice.GreaterThan(avg) || !i.SlTriggerPrice.LessThan(avg) {
			return fmt.Errorf("buy item requires tp > fill > sl: avg=%s tp=%s sl=%s", avg, i.TpPrice, i.SlTriggerPrice)
		}
	case SideSell:
		if !i.TpPrice.LessThan(avg) || !i.SlTriggerPrice.GreaterThan(avg) {
			return fmt.Errorf("sell item requires tp < fill < sl: avg=%s tp=%s sl=%s", avg, i.TpPrice, i.SlTriggerPrice)
		}
	default:
		return fmt.Errorf("invalid side: %q", i.Side)
	}
	return nil
}

// Order is one broker-submitted order record.
type Order struct {
	ID            int64
	BatchItemID   int64
	Role          OrderRole
	BrokerOrderID string
	ClientRef     string
	Side          Side
	Qty           int64
	OrderType     OrderType
	Price         *decimal.Decimal
	TriggerPrice  *decimal.Decimal
	HoldID        string
	Status        OrderStatus
	CumQty        int64
	AvgPrice      *decimal.Decimal
	RawJSON       string
	Version       int64
	SubmittedAt   time.Time
	LastPollAt    *time.Time
	UpdatedAt     time.Time
}

// Fill is an immutable execution record. Seq is the order's cumulative
// quantity after the fill, so a replayed poll collides on the unique index
// and no-ops.
type Fill struct {
	ID       int64
	OrderID  int64
	Seq      int64
	Qty      int64
	Price    decimal.Decimal
	FilledAt time.Time
}

// OcoGroup is a TP/SL bracket pair protecting one filled slice of an item.
type OcoGroup struct {
	ID          int64
	BatchItemID int64
	Qty         int64
	TpRef       string // client reference of the TP leg
	SlRef       string // client reference of the SL leg
	TpOrderID   string // broker order id of the TP leg
	SlOrderID   string // broker order id of the SL leg
	HoldID      string
	Status      OcoStatus
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event is one row of the structured event stream.
type Event struct {
	ID         int64
	BatchJobID int64
	Level      string
	Type       string
	Message    string
	CreatedAt  time.Time
}

// AuditEntry records one manual-intervention command.
type AuditEntry struct {
	ID          int64
	Actor       string
	Command     string
	Reason      string
	BatchJobID  int64
	BatchItemID int64
	CreatedAt   time.Time
}

// PositionSnapshot is one broker position observed by a position poll.
type PositionSnapshot struct {
	ID        int64
	Symbol    string
	Side      Side
	HoldID    string
	LeavesQty int64
	RawJSON   string
	TakenAt   time.Time
}

// SchedulerRun records one scheduler pass.
type SchedulerRun struct {
	ID        int64
	RanAt     time.Time
	Triggered int
	Expired   int
	Outcome   string
}

// BrokerOrder is an order snapshot as reported by the broker.
type BrokerOrder struct {
	ID          string
	Status      OrderStatus
	CumQty      int64
	AvgPrice    *decimal.Decimal
	SubmittedAt time.Time
	Raw         json.RawMessage
}

// BrokerPosition is an open position as reported by the broker. HoldID is
// the opaque handle margin closeouts must cite.
type BrokerPosition struct {
	Symbol    string
	Side      Side
	HoldID    string
	LeavesQty int64
	Raw       json.RawMessage
}

// ExitSpec describes one closing order (TP, SL, or EOD market close).
type ExitSpec struct {
	Kind         OrderType
	Qty          int64
	Price        decimal.Decimal // limit price when Kind == limit
	TriggerPrice decimal.Decimal // stop trigger when Kind == stop
	HoldID       string          // required for margin closeouts
	ClientRef    string
}
