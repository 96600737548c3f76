package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"batch_trader/internal/core"
	apperrors "batch_trader/pkg/errors"
)

const itemColumns = `id, batch_job_id, symbol, exchange, product, side, qty, entry_type, entry_price,
	tp_price, sl_trigger_price, status, close_substate, filled_qty, closed_qty, avg_fill_price,
	entry_order_id, entry_ref, hold_id, last_error, version, created_at, updated_at`

func scanItem(row interface{ Scan(...interface{}) error }) (*core.BatchItem, error) {
	var (
		i                       core.BatchItem
		product, side, entryTyp string
		status, substate        string
		entryPrice, avgPrice    sql.NullString
		tpPrice, slPrice        string
	)
	err := row.Scan(&i.ID, &i.BatchJobID, &i.Symbol, &i.Exchange, &product, &side, &i.Qty,
		&entryTyp, &entryPrice, &tpPrice, &slPrice, &status, &substate, &i.FilledQty, &i.ClosedQty,
		&avgPrice, &i.EntryOrderID, &i.EntryRef, &i.HoldID, &i.LastError, &i.Version,
		&i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}

	i.Product = core.Product(product)
	if i.Side, err = core.ParseSide(side); err != nil {
		return nil, err
	}
	i.EntryType = core.EntryType(entryTyp)
	if i.Status, err = core.ParseItemStatus(status); err != nil {
		return nil, err
	}
	i.CloseSubstate = core.CloseSubstate(substate)

	if i.EntryPrice, err = scanDec(entryPrice); err != nil {
		return nil, err
	}
	if i.AvgFillPrice, err = scanDec(avgPrice); err != nil {
		return nil, err
	}
	if i.TpPrice, err = decimal.NewFromString(tpPrice); err != nil {
		return nil, err
	}
	if i.SlTriggerPrice, err = decimal.NewFromString(slPrice); err != nil {
		return nil, err
	}
	return &i, nil
}

// GetItem fetches one item by id.
func (s *Store) GetItem(ctx context.Context, id int64) (*core.BatchItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM batch_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	return item, err
}

func (s *Store) queryItems(ctx context.Context, where string, args ...interface{}) ([]*core.BatchItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM batch_items `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var out []*core.BatchItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ListItems returns every item of a batch, in insertion order.
func (s *Store) ListItems(ctx context.Context, batchID int64) ([]*core.BatchItem, error) {
	return s.queryItems(ctx, `WHERE batch_job_id = ? ORDER BY id`, batchID)
}

// ItemsByStatus returns the batch's items in any of the given states.
func (s *Store) ItemsByStatus(ctx context.Context, batchID int64, statuses ...core.ItemStatus) ([]*core.BatchItem, error) {
	ph := make([]string, len(statuses))
	args := []interface{}{batchID}
	for i, st := range statuses {
		ph[i] = "?"
		args = append(args, string(st))
	}
	return s.queryItems(ctx,
		`WHERE batch_job_id = ? AND status IN (`+strings.Join(ph, ",")+`) ORDER BY id`, args...)
}

// ItemsAwaitingBrackets returns items of RUNNING batches holding fills that
// may need bracket coverage.
func (s *Store) ItemsAwaitingBrackets(ctx context.Context) ([]*core.BatchItem, error) {
	return s.queryItems(ctx,
		`WHERE status IN (?, ?, ?)
		 AND batch_job_id IN (SELECT id FROM batch_jobs WHERE status = ?)
		 ORDER BY id`,
		string(core.ItemEntryPartial), string(core.ItemEntryFilled), string(core.ItemBracketSent),
		string(core.BatchRunning))
}

// EodPendingItems returns non-terminal items of active batches with forced
// EOD close enabled.
func (s *Store) EodPendingItems(ctx context.Context) ([]*core.BatchItem, error) {
	return s.queryItems(ctx,
		`WHERE status NOT IN (?, ?)
		 AND batch_job_id IN (SELECT id FROM batch_jobs WHERE status IN (?, ?) AND eod_force_close = 1)
		 ORDER BY id`,
		string(core.ItemClosed), string(core.ItemError),
		string(core.BatchRunning), string(core.BatchPaused))
}

// ClaimItemEntry is the intent checkpoint before a broker submit: it flips
// READY -> ENTRY_SENT and records the client order reference in one
// conditional write. A false return means another writer claimed the item.
func (s *Store) ClaimItemEntry(ctx context.Context, itemID, version int64, clientRef string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_items SET status = ?, entry_ref = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND version = ?`,
		string(core.ItemEntrySent), clientRef, time.Now().UTC(),
		itemID, string(core.ItemReady), version)
	if err != nil {
		return false, fmt.Errorf("failed to claim item entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetEntryAccepted records the broker's acceptance: the entry order row is
// inserted and the item learns its broker order id, atomically.
func (s *Store) SetEntryAccepted(ctx context.Context, item *core.BatchItem, order *core.Order) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE batch_items SET entry_order_id = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND status = ? AND entry_order_id = ''`,
			order.BrokerOrderID, now, item.ID, string(core.ItemEntrySent))
		if err != nil {
			return fmt.Errorf("failed to record entry acceptance: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: item %d not awaiting entry acceptance", apperrors.ErrInternalInvariant, item.ID)
		}
		return insertOrderTx(ctx, tx, order)
	})
}

// TransitionItem performs a conditional status swap, validated against the
// legal transition table.
func (s *Store) TransitionItem(ctx context.Context, itemID int64, from, to core.ItemStatus) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("%w: illegal item transition %s -> %s", apperrors.ErrInternalInvariant, from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_items SET status = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), itemID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition item %d %s->%s: %w", itemID, from, to, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkItemError moves a non-terminal item to ERROR with a reason.
func (s *Store) MarkItemError(ctx context.Context, itemID int64, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_items SET status = ?, last_error = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(core.ItemError), reason, time.Now().UTC(),
		itemID, string(core.ItemClosed), string(core.ItemError))
	if err != nil {
		return false, fmt.Errorf("failed to mark item error: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetItemLastError records a warning reason without changing state.
func (s *Store) SetItemLastError(ctx context.Context, itemID int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_items SET last_error = ?, updated_at = ? WHERE id = ?`,
		reason, time.Now().UTC(), itemID)
	if err != nil {
		return fmt.Errorf("failed to set item last error: %w", err)
	}
	return nil
}

// UpdateItemFill applies fill progress from the watcher: cumulative filled
// quantity, average price, and the resulting status. Conditional on the
// version the caller observed.
func (s *Store) UpdateItemFill(ctx context.Context, itemID, version int64, filledQty int64, avg *decimal.Decimal, from, to core.ItemStatus) (bool, error) {
	if from != to && !from.CanTransition(to) {
		return false, fmt.Errorf("%w: illegal item transition %s -> %s", apperrors.ErrInternalInvariant, from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_items SET filled_qty = ?, avg_fill_price = ?, status = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND version = ?`,
		filledQty, decArg(avg), string(to), time.Now().UTC(),
		itemID, string(from), version)
	if err != nil {
		return false, fmt.Errorf("failed to update item fill: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetItemHoldID assigns the margin position handle.
func (s *Store) SetItemHoldID(ctx context.Context, itemID int64, holdID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_items SET hold_id = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		holdID, time.Now().UTC(), itemID)
	if err != nil {
		return fmt.Errorf("failed to set item hold id: %w", err)
	}
	return nil
}

// AddItemClosedQty accumulates quantity taken off by closing fills.
func (s *Store) AddItemClosedQty(ctx context.Context, itemID, qty int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_items SET closed_qty = closed_qty + ?, version = version + 1, updated_at = ? WHERE id = ?`,
		qty, time.Now().UTC(), itemID)
	if err != nil {
		return fmt.Errorf("failed to add item closed qty: %w", err)
	}
	return nil
}

// CloseItem moves an item to CLOSED recording which leg(s) ended it.
func (s *Store) CloseItem(ctx context.Context, itemID int64, from core.ItemStatus, substate core.CloseSubstate) (bool, error) {
	if !from.CanTransition(core.ItemClosed) {
		return false, fmt.Errorf("%w: illegal item transition %s -> CLOSED", apperrors.ErrInternalInvariant, from)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_items SET status = ?, close_substate = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(core.ItemClosed), string(substate), time.Now().UTC(), itemID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to close item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpdateItemPlan rewrites the plan fields of an item. Plan mutation is
// rejected unless the owning batch is still SCHEDULED; a paused batch
// keeps its plan frozen.
func (s *Store) UpdateItemPlan(ctx context.Context, item *core.BatchItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var batchStatus string
		err := tx.QueryRowContext(ctx,
			`SELECT b.status FROM batch_jobs b JOIN batch_items i ON i.batch_job_id = b.id WHERE i.id = ?`,
			item.ID).Scan(&batchStatus)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("item %d: %w", item.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if core.BatchStatus(batchStatus) != core.BatchScheduled {
			return fmt.Errorf("%w: cannot modify plan fields while batch is %s", apperrors.ErrValidation, batchStatus)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE batch_items SET symbol = ?, exchange = ?, product = ?, side = ?, qty = ?,
			 entry_type = ?, entry_price = ?, tp_price = ?, sl_trigger_price = ?,
			 version = version + 1, updated_at = ?
			 WHERE id = ? AND status = ?`,
			item.Symbol, item.Exchange, string(item.Product), string(item.Side), item.Qty,
			string(item.EntryType), decArg(item.EntryPrice), item.TpPrice.String(),
			item.SlTriggerPrice.String(), time.Now().UTC(), item.ID, string(core.ItemReady))
		if err != nil {
			return fmt.Errorf("failed to update item plan: %w", err)
		}
		return nil
	})
}
