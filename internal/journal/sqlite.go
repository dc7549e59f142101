package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// SQLiteJournal stores order events and snapshots in a SQLite database.
type SQLiteJournal struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the journal database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	j := &SQLiteJournal{db: db, now: time.Now}
	if err := j.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			ts DATETIME NOT NULL,
			order_id TEXT,
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			transaction_type TEXT,
			quantity INTEGER NOT NULL,
			price REAL,
			trigger_price REAL,
			status TEXT NOT NULL,
			premium REAL,
			underlying_price REAL,
			vix REAL,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_ts ON orders(ts)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			ts DATETIME NOT NULL,
			active_orders INTEGER NOT NULL,
			closed_orders INTEGER NOT NULL,
			realized_pnl REAL,
			unrealized_pnl REAL,
			margin_used REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts)`,
	}
	for _, s := range stmts {
		if _, err := j.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// RecordOrder inserts an order event. Missing id and timestamp are filled in.
func (j *SQLiteJournal) RecordOrder(ctx context.Context, r OrderRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = j.now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO orders (id, ts, order_id, symbol, kind, transaction_type, quantity, price,
			trigger_price, status, premium, underlying_price, vix, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp.UTC(), r.OrderID, r.Symbol, r.Kind, r.TransactionType, r.Quantity, r.Price,
		r.TriggerPrice, r.Status, r.Premium, r.UnderlyingPrice, r.VIX, r.Error,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// RecordSnapshot inserts a portfolio snapshot.
func (j *SQLiteJournal) RecordSnapshot(ctx context.Context, s Snapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = j.now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, ts, active_orders, closed_orders, realized_pnl, unrealized_pnl, margin_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Timestamp.UTC(), s.ActiveOrders, s.ClosedOrders, s.RealizedPnL, s.UnrealizedPnL, s.MarginUsed,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// RecentOrders returns up to limit order events, newest first.
func (j *SQLiteJournal) RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, ts, order_id, symbol, kind, transaction_type, quantity, price, trigger_price,
			status, premium, underlying_price, vix, error
		 FROM orders ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OrderRecord
	for rows.Next() {
		var r OrderRecord
		var orderID, txn, errText sql.NullString
		var trigger, premium, underlying, vix sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.Timestamp, &orderID, &r.Symbol, &r.Kind, &txn, &r.Quantity, &r.Price,
			&trigger, &r.Status, &premium, &underlying, &vix, &errText); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		r.OrderID = orderID.String
		r.TransactionType = txn.String
		r.Error = errText.String
		r.TriggerPrice = trigger.Float64
		r.Premium = premium.Float64
		r.UnderlyingPrice = underlying.Float64
		r.VIX = vix.Float64
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSnapshot returns the most recent snapshot, or nil when none exist.
func (j *SQLiteJournal) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	var s Snapshot
	var realised, unrealised, margin sql.NullFloat64
	err := j.db.QueryRowContext(ctx,
		`SELECT id, ts, active_orders, closed_orders, realized_pnl, unrealized_pnl, margin_used
		 FROM snapshots ORDER BY ts DESC, rowid DESC LIMIT 1`).
		Scan(&s.ID, &s.Timestamp, &s.ActiveOrders, &s.ClosedOrders, &realised, &unrealised, &margin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	s.RealizedPnL = realised.Float64
	s.UnrealizedPnL = unrealised.Float64
	s.MarginUsed = margin.Float64
	return &s, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
