// Package store persists the controller state machine in SQLite. Every
// status transition is a conditional UPDATE on (id, status, version);
// writers observing zero affected rows re-read and re-decide.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"batch_trader/internal/core"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single connection sidesteps table-lock contention between the
	// poller and the actors; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS batch_jobs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_code      TEXT NOT NULL,
	name            TEXT NOT NULL,
	status          TEXT NOT NULL,
	run_mode        TEXT NOT NULL,
	scheduled_at    TIMESTAMP,
	eod_close_time  TEXT NOT NULL DEFAULT '14:30',
	eod_force_close INTEGER NOT NULL DEFAULT 1,
	started_at      TIMESTAMP,
	finished_at     TIMESTAMP,
	version         INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_batch_jobs_code ON batch_jobs(batch_code);
CREATE INDEX IF NOT EXISTS idx_batch_jobs_status_sched ON batch_jobs(status, scheduled_at);

CREATE TABLE IF NOT EXISTS batch_items (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_job_id     INTEGER NOT NULL REFERENCES batch_jobs(id),
	symbol           TEXT NOT NULL,
	exchange         INTEGER NOT NULL DEFAULT 0,
	product          TEXT NOT NULL,
	side             TEXT NOT NULL,
	qty              INTEGER NOT NULL,
	entry_type       TEXT NOT NULL,
	entry_price      TEXT,
	tp_price         TEXT NOT NULL,
	sl_trigger_price TEXT NOT NULL,
	status           TEXT NOT NULL,
	close_substate   TEXT NOT NULL DEFAULT '',
	filled_qty       INTEGER NOT NULL DEFAULT 0,
	closed_qty       INTEGER NOT NULL DEFAULT 0,
	avg_fill_price   TEXT,
	entry_order_id   TEXT NOT NULL DEFAULT '',
	entry_ref        TEXT NOT NULL DEFAULT '',
	hold_id          TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	version          INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batch_items_job_status ON batch_items(batch_job_id, status);

CREATE TABLE IF NOT EXISTS orders (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_item_id   INTEGER NOT NULL REFERENCES batch_items(id),
	role            TEXT NOT NULL,
	broker_order_id TEXT NOT NULL,
	client_ref      TEXT NOT NULL DEFAULT '',
	side            TEXT NOT NULL,
	qty             INTEGER NOT NULL,
	order_type      TEXT NOT NULL,
	price           TEXT,
	trigger_price   TEXT,
	hold_id         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	cum_qty         INTEGER NOT NULL DEFAULT 0,
	avg_price       TEXT,
	raw_json        TEXT NOT NULL DEFAULT '',
	version         INTEGER NOT NULL DEFAULT 0,
	submitted_at    TIMESTAMP NOT NULL,
	last_poll_at    TIMESTAMP,
	updated_at      TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_broker_id ON orders(broker_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_item ON orders(batch_item_id, status);

CREATE TABLE IF NOT EXISTS fills (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id  INTEGER NOT NULL REFERENCES orders(id),
	seq       INTEGER NOT NULL,
	qty       INTEGER NOT NULL,
	price     TEXT NOT NULL,
	filled_at TIMESTAMP NOT NULL,
	UNIQUE(order_id, seq)
);

CREATE TABLE IF NOT EXISTS oco_groups (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_item_id INTEGER NOT NULL REFERENCES batch_items(id),
	qty           INTEGER NOT NULL,
	tp_ref        TEXT NOT NULL DEFAULT '',
	sl_ref        TEXT NOT NULL DEFAULT '',
	tp_order_id   TEXT NOT NULL DEFAULT '',
	sl_order_id   TEXT NOT NULL DEFAULT '',
	hold_id       TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	winner        TEXT NOT NULL DEFAULT '',
	abandoned     INTEGER NOT NULL DEFAULT 0,
	version       INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oco_groups_item ON oco_groups(batch_item_id, status);

CREATE TABLE IF NOT EXISTS position_snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	hold_id    TEXT NOT NULL DEFAULT '',
	leaves_qty INTEGER NOT NULL,
	raw_json   TEXT NOT NULL DEFAULT '',
	taken_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduler_runs (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ran_at    TIMESTAMP NOT NULL,
	triggered INTEGER NOT NULL DEFAULT 0,
	expired   INTEGER NOT NULL DEFAULT 0,
	outcome   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS event_logs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_job_id INTEGER NOT NULL DEFAULT 0,
	level        TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	message      TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_logs_job ON event_logs(batch_job_id);

CREATE TABLE IF NOT EXISTS audit_logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	actor         TEXT NOT NULL,
	command       TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	batch_job_id  INTEGER NOT NULL DEFAULT 0,
	batch_item_id INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);
`

// decimal helpers: prices are stored as TEXT to keep exact values.

func decArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func scanDec(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, fmt.Errorf("invalid stored decimal %q: %w", ns.String, err)
	}
	return &d, nil
}

func timeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func scanTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendEvent writes one row to the structured event stream.
func (s *Store) AppendEvent(ctx context.Context, batchJobID int64, level, eventType, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_logs (batch_job_id, level, event_type, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		batchJobID, level, eventType, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Events returns the event stream for a batch, oldest first.
func (s *Store) Events(ctx context.Context, batchJobID int64) ([]core.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_job_id, level, event_type, message, created_at
		 FROM event_logs WHERE batch_job_id = ? ORDER BY id`, batchJobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var e core.Event
		if err := rows.Scan(&e.ID, &e.BatchJobID, &e.Level, &e.Type, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendAudit records a manual-intervention command.
func (s *Store) AppendAudit(ctx context.Context, entry core.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (actor, command, reason, batch_job_id, batch_item_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Actor, entry.Command, entry.Reason, entry.BatchJobID, entry.BatchItemID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Audits returns all audit rows, oldest first.
func (s *Store) Audits(ctx context.Context) ([]core.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor, command, reason, batch_job_id, batch_item_id, created_at FROM audit_logs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []core.AuditEntry
	for rows.Next() {
		var e core.AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Command, &e.Reason, &e.BatchJobID, &e.BatchItemID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordSchedulerRun logs one scheduler pass.
func (s *Store) RecordSchedulerRun(ctx context.Context, run core.SchedulerRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduler_runs (ran_at, triggered, expired, outcome) VALUES (?, ?, ?, ?)`,
		run.RanAt.UTC(), run.Triggered, run.Expired, run.Outcome)
	if err != nil {
		return fmt.Errorf("failed to record scheduler run: %w", err)
	}
	return nil
}

// SchedulerRuns returns recorded scheduler passes, oldest first.
func (s *Store) SchedulerRuns(ctx context.Context) ([]core.SchedulerRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ran_at, triggered, expired, outcome FROM scheduler_runs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduler runs: %w", err)
	}
	defer rows.Close()

	var runs []core.SchedulerRun
	for rows.Next() {
		var r core.SchedulerRun
		if err := rows.Scan(&r.ID, &r.RanAt, &r.Triggered, &r.Expired, &r.Outcome); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SavePositionSnapshots appends the latest broker position poll.
func (s *Store) SavePositionSnapshots(ctx context.Context, positions []core.BrokerPosition, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range positions {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO position_snapshots (symbol, side, hold_id, leaves_qty, raw_json, taken_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				p.Symbol, string(p.Side), p.HoldID, p.LeavesQty, string(p.Raw), at.UTC())
			if err != nil {
				return fmt.Errorf("failed to save position snapshot: %w", err)
			}
		}
		return nil
	})
}
