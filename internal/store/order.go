package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"batch_trader/internal/core"
	apperrors "batch_trader/pkg/errors"
)

const orderColumns = `id, batch_item_id, role, broker_order_id, client_ref, side, qty, order_type,
	price, trigger_price, hold_id, status, cum_qty, avg_price, raw_json, version,
	submitted_at, last_poll_at, updated_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*core.Order, error) {
	var (
		o                     core.Order
		role, side, orderType string
		status                string
		price, trigger, avg   sql.NullString
		lastPoll              sql.NullTime
	)
	err := row.Scan(&o.ID, &o.BatchItemID, &role, &o.BrokerOrderID, &o.ClientRef, &side, &o.Qty,
		&orderType, &price, &trigger, &o.HoldID, &status, &o.CumQty, &avg, &o.RawJSON,
		&o.Version, &o.SubmittedAt, &lastPoll, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if o.Role, err = core.ParseOrderRole(role); err != nil {
		return nil, err
	}
	if o.Side, err = core.ParseSide(side); err != nil {
		return nil, err
	}
	o.OrderType = core.OrderType(orderType)
	if o.Status, err = core.ParseOrderStatus(status); err != nil {
		return nil, err
	}
	if o.Price, err = scanDec(price); err != nil {
		return nil, err
	}
	if o.TriggerPrice, err = scanDec(trigger); err != nil {
		return nil, err
	}
	if o.AvgPrice, err = scanDec(avg); err != nil {
		return nil, err
	}
	o.LastPollAt = scanTime(lastPoll)
	return &o, nil
}

func insertOrderTx(ctx context.Context, tx *sql.Tx, o *core.Order) error {
	now := time.Now().UTC()
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = now
	}
	if o.Status == "" {
		o.Status = core.OrderWorking
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO orders
		 (batch_item_id, role, broker_order_id, client_ref, side, qty, order_type, price,
		  trigger_price, hold_id, status, cum_qty, avg_price, raw_json, version, submitted_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		o.BatchItemID, string(o.Role), o.BrokerOrderID, o.ClientRef, string(o.Side), o.Qty,
		string(o.OrderType), decArg(o.Price), decArg(o.TriggerPrice), o.HoldID, string(o.Status),
		o.CumQty, decArg(o.AvgPrice), o.RawJSON, o.SubmittedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	o.ID, _ = res.LastInsertId()
	return nil
}

// InsertOrder records one broker-accepted order.
func (s *Store) InsertOrder(ctx context.Context, o *core.Order) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertOrderTx(ctx, tx, o)
	})
}

// GetOrderByBrokerID fetches one order by its broker order id.
func (s *Store) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE broker_order_id = ?`, brokerOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", brokerOrderID, ErrNotFound)
	}
	return o, err
}

func (s *Store) queryOrders(ctx context.Context, where string, args ...interface{}) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OrdersForItem returns every order of an item, in submission order.
func (s *Store) OrdersForItem(ctx context.Context, itemID int64) ([]*core.Order, error) {
	return s.queryOrders(ctx, `WHERE batch_item_id = ? ORDER BY id`, itemID)
}

// OpenOrders returns orders the broker may still move.
func (s *Store) OpenOrders(ctx context.Context) ([]*core.Order, error) {
	return s.queryOrders(ctx,
		`WHERE status IN (?, ?, ?) ORDER BY id`,
		string(core.OrderNew), string(core.OrderWorking), string(core.OrderPartial))
}

// KnownBrokerOrderIDs returns the set of broker order ids the store tracks.
func (s *Store) KnownBrokerOrderIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT broker_order_id FROM orders`)
	if err != nil {
		return nil, fmt.Errorf("failed to query broker order ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// PollResult is the outcome of folding one broker order snapshot into the
// store.
type PollResult struct {
	Order         *core.Order // post-update state
	PrevStatus    core.OrderStatus
	DeltaQty      int64
	FillPrice     *decimal.Decimal // price of the delta slice, nil if unrecoverable
	StatusChanged bool
}

// ApplyOrderPoll folds a broker snapshot into the order row and appends a
// synthetic fill for any new quantity. Fills key on (order_id, cum_qty) so
// replaying the same snapshot is a no-op. Regressing cumulative quantity is
// an invariant violation.
func (s *Store) ApplyOrderPoll(ctx context.Context, snap core.BrokerOrder, at time.Time) (*PollResult, error) {
	var result *PollResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE broker_order_id = ?`, snap.ID)
		o, err := scanOrder(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("order %s: %w", snap.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		if snap.CumQty < o.CumQty {
			return fmt.Errorf("%w: order %s cum qty regressed %d -> %d",
				apperrors.ErrInternalInvariant, snap.ID, o.CumQty, snap.CumQty)
		}
		if snap.CumQty > o.Qty {
			return fmt.Errorf("%w: order %s filled %d beyond qty %d",
				apperrors.ErrOverfillDetected, snap.ID, snap.CumQty, o.Qty)
		}

		delta := snap.CumQty - o.CumQty
		prevStatus := o.Status
		if o.Status.Terminal() && snap.Status != o.Status && !snap.Status.Terminal() && delta == 0 {
			// A local terminal status may be an optimistic cancel mark racing
			// a stale broker view; only a terminal snapshot or new quantity
			// overrides it.
			result = &PollResult{Order: o, PrevStatus: prevStatus}
			return nil
		}

		var fillPrice *decimal.Decimal
		if delta > 0 {
			fillPrice = slicePrice(o, snap, delta)
			price := "0"
			if fillPrice != nil {
				price = fillPrice.String()
			}
			// Seq is the cumulative quantity after the fill.
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO fills (order_id, seq, qty, price, filled_at) VALUES (?, ?, ?, ?, ?)`,
				o.ID, snap.CumQty, delta, price, at.UTC()); err != nil {
				return fmt.Errorf("failed to insert fill: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, cum_qty = ?, avg_price = COALESCE(?, avg_price),
			 raw_json = ?, last_poll_at = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND version = ?`,
			string(snap.Status), snap.CumQty, decArg(snap.AvgPrice),
			string(snap.Raw), at.UTC(), time.Now().UTC(), o.ID, o.Version)
		if err != nil {
			return fmt.Errorf("failed to update order from poll: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("order %s changed under poll, retry next tick", snap.ID)
		}

		updated := *o
		updated.Status = snap.Status
		updated.CumQty = snap.CumQty
		if snap.AvgPrice != nil {
			updated.AvgPrice = snap.AvgPrice
		}
		updated.Version = o.Version + 1

		result = &PollResult{
			Order:         &updated,
			PrevStatus:    prevStatus,
			DeltaQty:      delta,
			FillPrice:     fillPrice,
			StatusChanged: prevStatus != snap.Status,
		}
		return nil
	})
	return result, err
}

// slicePrice recovers the price of the newly filled slice from the change
// in the weighted average.
func slicePrice(before *core.Order, snap core.BrokerOrder, delta int64) *decimal.Decimal {
	if snap.AvgPrice == nil {
		// No average reported; a limit order's own price is the best guess.
		return before.Price
	}
	newNotional := snap.AvgPrice.Mul(decimal.NewFromInt(snap.CumQty))
	oldNotional := decimal.Zero
	if before.AvgPrice != nil {
		oldNotional = before.AvgPrice.Mul(decimal.NewFromInt(before.CumQty))
	}
	p := newNotional.Sub(oldNotional).Div(decimal.NewFromInt(delta))
	if !p.IsPositive() {
		return snap.AvgPrice
	}
	return &p
}

// Fills returns the fill trail of one order, in fill order.
func (s *Store) Fills(ctx context.Context, orderID int64) ([]core.Fill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, seq, qty, price, filled_at FROM fills WHERE order_id = ? ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []core.Fill
	for rows.Next() {
		var f core.Fill
		var price string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Seq, &f.Qty, &price, &f.FilledAt); err != nil {
			return nil, err
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// MarkOrderStatus performs a conditional order status swap, used when a
// cancel is acknowledged before the next poll confirms it.
func (s *Store) MarkOrderStatus(ctx context.Context, brokerOrderID string, from, to core.OrderStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, version = version + 1, updated_at = ?
		 WHERE broker_order_id = ? AND status = ?`,
		string(to), time.Now().UTC(), brokerOrderID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to mark order status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
