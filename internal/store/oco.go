package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"batch_trader/internal/core"
	apperrors "batch_trader/pkg/errors"
)

const ocoColumns = `id, batch_item_id, qty, tp_ref, sl_ref, tp_order_id, sl_order_id,
	hold_id, status, winner, abandoned, version, created_at, updated_at`

// ocoRow carries the persisted group plus bookkeeping columns that do not
// belong on the domain struct.
type ocoRow struct {
	core.OcoGroup
	Winner    string
	Abandoned bool
}

func scanOco(row interface{ Scan(...interface{}) error }) (*ocoRow, error) {
	var (
		g      ocoRow
		status string
	)
	err := row.Scan(&g.ID, &g.BatchItemID, &g.Qty, &g.TpRef, &g.SlRef, &g.TpOrderID, &g.SlOrderID,
		&g.HoldID, &status, &g.Winner, &g.Abandoned, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if g.Status, err = core.ParseOcoStatus(status); err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateOcoGroup writes the bracket intent row (PREPARING) with the client
// references assigned before any broker submit.
func (s *Store) CreateOcoGroup(ctx context.Context, g *core.OcoGroup) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO oco_groups
		 (batch_item_id, qty, tp_ref, sl_ref, hold_id, status, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		g.BatchItemID, g.Qty, g.TpRef, g.SlRef, g.HoldID, string(core.OcoPreparing), now, now)
	if err != nil {
		return fmt.Errorf("failed to create oco group: %w", err)
	}
	g.ID, _ = res.LastInsertId()
	g.Status = core.OcoPreparing
	g.CreatedAt, g.UpdatedAt = now, now
	return nil
}

// ActivateOcoGroup records both accepted legs and flips the group to
// ACTIVE, inserting the leg order rows and advancing the item to
// BRACKET_SENT in the same transaction.
func (s *Store) ActivateOcoGroup(ctx context.Context, groupID int64, tpOrder, slOrder *core.Order) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE oco_groups SET tp_order_id = ?, sl_order_id = ?, status = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND status = ?`,
			tpOrder.BrokerOrderID, slOrder.BrokerOrderID, string(core.OcoActive), now,
			groupID, string(core.OcoPreparing))
		if err != nil {
			return fmt.Errorf("failed to activate oco group: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: oco group %d not in PREPARING", apperrors.ErrInternalInvariant, groupID)
		}
		if err := insertOrderTx(ctx, tx, tpOrder); err != nil {
			return err
		}
		if err := insertOrderTx(ctx, tx, slOrder); err != nil {
			return err
		}
		// A no-op when an earlier group already flipped the item.
		if _, err := tx.ExecContext(ctx,
			`UPDATE batch_items SET status = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND status IN (?, ?)`,
			string(core.ItemBracketSent), now, tpOrder.BatchItemID,
			string(core.ItemEntryPartial), string(core.ItemEntryFilled)); err != nil {
			return fmt.Errorf("failed to mark item bracket sent: %w", err)
		}
		return nil
	})
}

// AbandonOcoGroup closes a never-activated group after a bracket rollback.
// Abandoned groups do not count toward coverage.
func (s *Store) AbandonOcoGroup(ctx context.Context, groupID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oco_groups SET status = ?, abandoned = 1, version = version + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(core.OcoClosed), time.Now().UTC(), groupID, string(core.OcoPreparing))
	if err != nil {
		return fmt.Errorf("failed to abandon oco group: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: oco group %d not in PREPARING", apperrors.ErrInternalInvariant, groupID)
	}
	return nil
}

// SetOcoWinner flips ACTIVE -> TP_FILLED/SL_FILLED when one leg fills.
func (s *Store) SetOcoWinner(ctx context.Context, groupID int64, winner core.OrderRole) (bool, error) {
	var to core.OcoStatus
	switch winner {
	case core.RoleTP:
		to = core.OcoTPFilled
	case core.RoleSL:
		to = core.OcoSLFilled
	default:
		return false, fmt.Errorf("%w: invalid oco winner %q", apperrors.ErrInternalInvariant, winner)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE oco_groups SET status = ?, winner = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), string(winner), time.Now().UTC(), groupID, string(core.OcoActive))
	if err != nil {
		return false, fmt.Errorf("failed to set oco winner: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CloseOcoGroup finishes a group once the losing sibling is confirmed
// terminal.
func (s *Store) CloseOcoGroup(ctx context.Context, groupID int64, from core.OcoStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oco_groups SET status = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(core.OcoClosed), time.Now().UTC(), groupID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to close oco group: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) queryOcoGroups(ctx context.Context, where string, args ...interface{}) ([]*ocoRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ocoColumns+` FROM oco_groups `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query oco groups: %w", err)
	}
	defer rows.Close()

	var out []*ocoRow
	for rows.Next() {
		g, err := scanOco(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// OcoGroupsForItem returns every non-abandoned group of an item.
func (s *Store) OcoGroupsForItem(ctx context.Context, itemID int64) ([]*core.OcoGroup, error) {
	rows, err := s.queryOcoGroups(ctx, `WHERE batch_item_id = ? AND abandoned = 0 ORDER BY id`, itemID)
	if err != nil {
		return nil, err
	}
	out := make([]*core.OcoGroup, len(rows))
	for i, r := range rows {
		g := r.OcoGroup
		out[i] = &g
	}
	return out, nil
}

// OcoGroupsByStatus returns non-abandoned groups in any of the given states.
func (s *Store) OcoGroupsByStatus(ctx context.Context, statuses ...core.OcoStatus) ([]*core.OcoGroup, error) {
	ph := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args[i] = string(st)
	}
	rows, err := s.queryOcoGroups(ctx,
		`WHERE abandoned = 0 AND status IN (`+strings.Join(ph, ",")+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*core.OcoGroup, len(rows))
	for i, r := range rows {
		g := r.OcoGroup
		out[i] = &g
	}
	return out, nil
}

// OcoWinner reports which leg won a group ("" while active).
func (s *Store) OcoWinner(ctx context.Context, groupID int64) (core.OrderRole, error) {
	var winner string
	err := s.db.QueryRowContext(ctx, `SELECT winner FROM oco_groups WHERE id = ?`, groupID).Scan(&winner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("oco group %d: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if winner == "" {
		return "", nil
	}
	return core.ParseOrderRole(winner)
}

// CoveredQty sums the quantity protected by non-abandoned groups of an item.
func (s *Store) CoveredQty(ctx context.Context, itemID int64) (int64, error) {
	var covered sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(qty) FROM oco_groups WHERE batch_item_id = ? AND abandoned = 0`, itemID).Scan(&covered)
	if err != nil {
		return 0, fmt.Errorf("failed to sum covered qty: %w", err)
	}
	return covered.Int64, nil
}

// ClosedCoveredQty sums the quantity of fully settled groups of an item.
func (s *Store) ClosedCoveredQty(ctx context.Context, itemID int64) (int64, error) {
	var covered sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(qty) FROM oco_groups WHERE batch_item_id = ? AND abandoned = 0 AND status = ?`,
		itemID, string(core.OcoClosed)).Scan(&covered)
	if err != nil {
		return 0, fmt.Errorf("failed to sum closed covered qty: %w", err)
	}
	return covered.Int64, nil
}

// ItemCloseSubstate derives how a fully covered item ended from its group
// winners.
func (s *Store) ItemCloseSubstate(ctx context.Context, itemID int64) (core.CloseSubstate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT winner FROM oco_groups WHERE batch_item_id = ? AND abandoned = 0 AND winner != ''`,
		itemID)
	if err != nil {
		return core.CloseNone, fmt.Errorf("failed to query oco winners: %w", err)
	}
	defer rows.Close()

	var winners []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return core.CloseNone, err
		}
		winners = append(winners, w)
	}
	if err := rows.Err(); err != nil {
		return core.CloseNone, err
	}

	switch {
	case len(winners) == 0:
		return core.CloseNone, nil
	case len(winners) > 1:
		return core.CloseMixed, nil
	case winners[0] == string(core.RoleTP):
		return core.CloseViaTP, nil
	default:
		return core.CloseViaSL, nil
	}
}
