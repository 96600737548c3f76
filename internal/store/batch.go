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

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// CreateBatch inserts a job and its items atomically. IDs and timestamps
// are filled in on the passed structs.
func (s *Store) CreateBatch(ctx context.Context, job *core.BatchJob, items []*core.BatchItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: batch requires at least one item", apperrors.ErrValidation)
	}
	now := time.Now().UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO batch_jobs
			 (batch_code, name, status, run_mode, scheduled_at, eod_close_time, eod_force_close, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			job.BatchCode, job.Name, string(job.Status), string(job.RunMode),
			timeArg(job.ScheduledAt), job.EodCloseTime, job.EodForceClose, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert batch job: %w", err)
		}
		job.ID, _ = res.LastInsertId()
		job.CreatedAt, job.UpdatedAt = now, now

		for _, item := range items {
			item.BatchJobID = job.ID
			res, err := tx.ExecContext(ctx,
				`INSERT INTO batch_items
				 (batch_job_id, symbol, exchange, product, side, qty, entry_type, entry_price,
				  tp_price, sl_trigger_price, status, version, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
				item.BatchJobID, item.Symbol, item.Exchange, string(item.Product), string(item.Side),
				item.Qty, string(item.EntryType), decArg(item.EntryPrice),
				item.TpPrice.String(), item.SlTriggerPrice.String(), string(item.Status), now, now)
			if err != nil {
				return fmt.Errorf("failed to insert batch item: %w", err)
			}
			item.ID, _ = res.LastInsertId()
			item.CreatedAt, item.UpdatedAt = now, now
		}
		return nil
	})
}

const batchColumns = `id, batch_code, name, status, run_mode, scheduled_at, eod_close_time,
	eod_force_close, started_at, finished_at, version, created_at, updated_at`

func scanBatch(row interface{ Scan(...interface{}) error }) (*core.BatchJob, error) {
	var (
		b                core.BatchJob
		status, runMode  string
		schedAt, startAt sql.NullTime
		finishAt         sql.NullTime
	)
	err := row.Scan(&b.ID, &b.BatchCode, &b.Name, &status, &runMode, &schedAt, &b.EodCloseTime,
		&b.EodForceClose, &startAt, &finishAt, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if b.Status, err = core.ParseBatchStatus(status); err != nil {
		return nil, err
	}
	b.RunMode = core.RunMode(runMode)
	b.ScheduledAt = scanTime(schedAt)
	b.StartedAt = scanTime(startAt)
	b.FinishedAt = scanTime(finishAt)
	return &b, nil
}

// GetBatch fetches one batch by id.
func (s *Store) GetBatch(ctx context.Context, id int64) (*core.BatchJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batch_jobs WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	return b, err
}

// GetBatchByCode fetches one batch by its unique code.
func (s *Store) GetBatchByCode(ctx context.Context, code string) (*core.BatchJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batch_jobs WHERE batch_code = ?`, code)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %q: %w", code, ErrNotFound)
	}
	return b, err
}

func (s *Store) queryBatches(ctx context.Context, where string, args ...interface{}) ([]*core.BatchJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batch_jobs `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var out []*core.BatchJob
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DueScheduledBatches returns SCHEDULED batches whose fire time has passed.
func (s *Store) DueScheduledBatches(ctx context.Context, now time.Time) ([]*core.BatchJob, error) {
	return s.queryBatches(ctx,
		`WHERE status = ? AND run_mode = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ? ORDER BY scheduled_at`,
		string(core.BatchScheduled), string(core.RunScheduled), now.UTC())
}

// ImmediateBatches returns SCHEDULED batches requesting immediate start.
func (s *Store) ImmediateBatches(ctx context.Context) ([]*core.BatchJob, error) {
	return s.queryBatches(ctx,
		`WHERE status = ? AND run_mode = ? ORDER BY id`,
		string(core.BatchScheduled), string(core.RunImmediate))
}

// BatchesByStatus returns batches in any of the given states.
func (s *Store) BatchesByStatus(ctx context.Context, statuses ...core.BatchStatus) ([]*core.BatchJob, error) {
	if len(statuses) == 0 {
		return s.queryBatches(ctx, `ORDER BY id`)
	}
	ph := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args[i] = string(st)
	}
	return s.queryBatches(ctx,
		`WHERE status IN (`+strings.Join(ph, ",")+`) ORDER BY id`, args...)
}

// MarkBatchRunning flips SCHEDULED -> RUNNING and stamps started_at.
// Returns false when another writer got there first.
func (s *Store) MarkBatchRunning(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET status = ?, started_at = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(core.BatchRunning), now.UTC(), time.Now().UTC(), id, string(core.BatchScheduled))
	if err != nil {
		return false, fmt.Errorf("failed to mark batch running: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// TransitionBatch performs a conditional from -> to status swap.
func (s *Store) TransitionBatch(ctx context.Context, id int64, from, to core.BatchStatus) (bool, error) {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if to.Terminal() {
		res, err = s.db.ExecContext(ctx,
			`UPDATE batch_jobs SET status = ?, finished_at = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(to), now, now, id, string(from))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE batch_jobs SET status = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(to), now, id, string(from))
	}
	if err != nil {
		return false, fmt.Errorf("failed to transition batch %d %s->%s: %w", id, from, to, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ItemStatusCounts tallies the item states of one batch.
func (s *Store) ItemStatusCounts(ctx context.Context, batchID int64) (map[core.ItemStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM batch_items WHERE batch_job_id = ? GROUP BY status`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count item statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st, err := core.ParseItemStatus(status)
		if err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
