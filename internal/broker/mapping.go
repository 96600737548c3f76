package broker

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"batch_trader/internal/core"
)

// Broker payload constants.
const (
	securityTypeStock   = 1
	accountTypeSpecific = 4

	sideCodeBuy  = "2"
	sideCodeSell = "1"

	frontOrderTypeMarket = 10
	frontOrderTypeLimit  = 20
	frontOrderTypeStop   = 30

	cashMarginCash        = 1
	cashMarginMarginEntry = 2
	cashMarginMarginClose = 3

	marginTradeTypeGeneral = 3

	delivTypeCash = 2
	delivTypeNone = 0

	fundTypeCash = "AA"

	triggerUnder = 1
	triggerOver  = 2

	// errCodeBadMarket is returned by /sendorder when the market code does
	// not accept the order; the caller retries with the next fallback code.
	errCodeBadMarket = 4001005
)

func sideCode(s core.Side) string {
	if s == core.SideBuy {
		return sideCodeBuy
	}
	return sideCodeSell
}

// stopTriggerDirection picks the trigger comparison for an SL leg: a long
// position stops out when the price falls under the trigger, a short when
// it rises over it.
func stopTriggerDirection(entrySide core.Side) int {
	if entrySide == core.SideBuy {
		return triggerUnder
	}
	return triggerOver
}

// buildEntryPayload maps a batch item onto the /sendorder wire format.
func buildEntryPayload(item *core.BatchItem, marketCode int) (*sendOrderRequest, error) {
	req := &sendOrderRequest{
		Symbol:       item.Symbol,
		Exchange:     marketCode,
		SecurityType: securityTypeStock,
		Side:         sideCode(item.Side),
		AccountType:  accountTypeSpecific,
		Qty:          item.Qty,
		ExpireDay:    0,
	}

	switch item.EntryType {
	case core.EntryMarket:
		req.FrontOrderType = frontOrderTypeMarket
		req.Price = 0
	case core.EntryLimit:
		if item.EntryPrice == nil || !item.EntryPrice.IsPositive() {
			return nil, fmt.Errorf("limit entry requires a positive entry price")
		}
		req.FrontOrderType = frontOrderTypeLimit
		req.Price = item.EntryPrice.InexactFloat64()
	default:
		return nil, fmt.Errorf("invalid entry type: %q", item.EntryType)
	}

	switch item.Product {
	case core.ProductCash:
		req.CashMargin = cashMarginCash
		req.DelivType = delivTypeCash
		req.FundType = fundTypeCash
	case core.ProductMargin:
		req.CashMargin = cashMarginMarginEntry
		req.MarginTradeType = marginTradeTypeGeneral
		req.DelivType = delivTypeNone
	default:
		return nil, fmt.Errorf("invalid product: %q", item.Product)
	}

	return req, nil
}

// buildExitPayload maps a closing order (TP limit, SL stop, EOD market) onto
// the /sendorder wire format. The side is the inverse of the entry side.
func buildExitPayload(item *core.BatchItem, spec core.ExitSpec, marketCode int) (*sendOrderRequest, error) {
	if spec.Qty <= 0 {
		return nil, fmt.Errorf("exit qty must be positive, got %d", spec.Qty)
	}

	closeSide := item.Side.Opposite()
	req := &sendOrderRequest{
		Symbol:       item.Symbol,
		Exchange:     marketCode,
		SecurityType: securityTypeStock,
		Side:         sideCode(closeSide),
		AccountType:  accountTypeSpecific,
		Qty:          spec.Qty,
		ExpireDay:    0,
	}

	switch spec.Kind {
	case core.OrderTypeMarket:
		req.FrontOrderType = frontOrderTypeMarket
		req.Price = 0
	case core.OrderTypeLimit:
		if !spec.Price.IsPositive() {
			return nil, fmt.Errorf("limit exit requires a positive price")
		}
		req.FrontOrderType = frontOrderTypeLimit
		req.Price = spec.Price.InexactFloat64()
	case core.OrderTypeStop:
		if !spec.TriggerPrice.IsPositive() {
			return nil, fmt.Errorf("stop exit requires a positive trigger price")
		}
		req.FrontOrderType = frontOrderTypeStop
		req.Price = 0
		req.ReverseLimitOrder = &reverseLimitOrder{
			TriggerSec:        1,
			TriggerPrice:      spec.TriggerPrice.InexactFloat64(),
			UnderOver:         stopTriggerDirection(item.Side),
			AfterHitOrderType: 1, // market after trigger
			AfterHitPrice:     0,
		}
	default:
		return nil, fmt.Errorf("invalid exit kind: %q", spec.Kind)
	}

	switch item.Product {
	case core.ProductCash:
		req.CashMargin = cashMarginCash
		req.DelivType = delivTypeCash
		// FundType applies only when the closing side buys stock back.
		if closeSide == core.SideBuy {
			req.FundType = fundTypeCash
		}
	case core.ProductMargin:
		if !strings.HasPrefix(spec.HoldID, "E") {
			return nil, fmt.Errorf("margin close requires a hold id starting with E, got %q", spec.HoldID)
		}
		req.CashMargin = cashMarginMarginClose
		req.MarginTradeType = marginTradeTypeGeneral
		req.DelivType = delivTypeNone
		req.ClosePositions = []closePosition{{HoldID: spec.HoldID, Qty: spec.Qty}}
	default:
		return nil, fmt.Errorf("invalid product: %q", item.Product)
	}

	return req, nil
}

// mapOrderState maps the broker's numeric order state onto OrderStatus.
// State 5 is "done": whether that means filled or cancelled depends on the
// cumulative quantity.
func mapOrderState(state int, cumQty, orderQty int64) (core.OrderStatus, error) {
	switch state {
	case 1, 2:
		return core.OrderWorking, nil
	case 3, 4:
		if cumQty > 0 {
			return core.OrderPartial, nil
		}
		return core.OrderWorking, nil
	case 5:
		if orderQty > 0 && cumQty >= orderQty {
			return core.OrderFilled, nil
		}
		return core.OrderCancelled, nil
	case 6, 7:
		return core.OrderCancelled, nil
	}
	return "", fmt.Errorf("unknown broker order state: %d", state)
}

// averagePrice recovers the average fill price from an order row. The
// top-level price wins when present; otherwise the execution details are
// averaged weighted by quantity. Returns nil when no price is recoverable.
func averagePrice(row *orderRow) *decimal.Decimal {
	if row.CumQty <= 0 {
		return nil
	}
	if row.Price > 0 {
		p := decimal.NewFromFloat(row.Price)
		return &p
	}

	totalQty := decimal.Zero
	totalNotional := decimal.Zero
	for _, d := range row.Details {
		if d.Price <= 0 || d.Qty <= 0 {
			continue
		}
		q := decimal.NewFromFloat(d.Qty)
		totalQty = totalQty.Add(q)
		totalNotional = totalNotional.Add(decimal.NewFromFloat(d.Price).Mul(q))
	}
	if !totalQty.IsPositive() {
		return nil
	}
	avg := totalNotional.Div(totalQty)
	return &avg
}

// mapPositionSide maps the broker's position side code. Positions report
// the side of the holding, not of the opening order.
func mapPositionSide(code string) (core.Side, error) {
	switch code {
	case sideCodeBuy:
		return core.SideBuy, nil
	case sideCodeSell:
		return core.SideSell, nil
	}
	return "", fmt.Errorf("unknown position side code: %q", code)
}
