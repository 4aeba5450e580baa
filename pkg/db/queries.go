package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("db: not found")

// Queries groups typed reads and writes over the schema.
type Queries struct {
	db *sql.DB
}

// NewQueries wraps an open handle.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// Exec runs a single write statement.
func (q *Queries) Exec(ctx context.Context, s Stmt) error {
	if _, err := q.db.ExecContext(ctx, s.Query, s.Args...); err != nil {
		return fmt.Errorf("%s write: %w", s.Table, err)
	}
	return nil
}

// UpsertBasketStmt inserts or replaces a basket by id. A row is never
// replaced by one carrying an older snapshot version.
func UpsertBasketStmt(b Basket) Stmt {
	return Stmt{
		Table: "baskets",
		Query: `INSERT INTO baskets (id, intent, strategy, status, payload, snapshot_version, submitted_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, payload=excluded.payload,
    snapshot_version=excluded.snapshot_version, updated_at=excluded.updated_at
WHERE excluded.snapshot_version >= baskets.snapshot_version`,
		Args: []any{b.ID, b.Intent, b.Strategy, b.Status, b.Payload, int64(b.SnapshotVersion), b.SubmittedAt.UTC(), b.UpdatedAt.UTC()},
	}
}

// InsertStrategyEventStmt appends a lifecycle transition.
func InsertStrategyEventStmt(e StrategyEvent) Stmt {
	return Stmt{
		Table: "strategy_events",
		Query: `INSERT INTO strategy_events (name, kind, from_state, to_state, last_error, at) VALUES (?, ?, ?, ?, ?, ?)`,
		Args:  []any{e.Name, e.Kind, e.FromState, e.ToState, e.LastError, e.At.UTC()},
	}
}

// InsertSnapshotAuditStmt records a snapshot; a repeated version is ignored.
func InsertSnapshotAuditStmt(a SnapshotAudit) Stmt {
	return Stmt{
		Table: "snapshot_audit",
		Query: `INSERT OR IGNORE INTO snapshot_audit (version, captured_at, positions, holdings, baskets, realized_pnl, payload)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{int64(a.Version), a.CapturedAt.UTC(), a.Positions, a.Holdings, a.Baskets, a.RealizedPnL, a.Payload},
	}
}

// UpsertHoldingStmt writes a holding row.
func UpsertHoldingStmt(h Holding) Stmt {
	at := h.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return Stmt{
		Table: "holdings",
		Query: `INSERT INTO holdings (symbol, qty, avg_price, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(symbol) DO UPDATE SET qty=excluded.qty, avg_price=excluded.avg_price, updated_at=excluded.updated_at`,
		Args: []any{h.Symbol, h.Qty, h.AvgPrice, at.UTC()},
	}
}

// InsertAlertStmt appends an operational alert.
func InsertAlertStmt(a Alert) Stmt {
	return Stmt{
		Table: "alerts",
		Query: `INSERT INTO alerts (kind, subject, message, at) VALUES (?, ?, ?, ?)`,
		Args:  []any{a.Kind, a.Subject, a.Message, a.At.UTC()},
	}
}

// GetBasket loads one basket by id.
func (q *Queries) GetBasket(ctx context.Context, id string) (*Basket, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, intent, strategy, status, payload, snapshot_version, submitted_at, updated_at
FROM baskets WHERE id = ?`, id)
	b, err := scanBasket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBaskets returns baskets oldest first; limit <= 0 returns all.
func (q *Queries) ListBaskets(ctx context.Context, limit int) ([]Basket, error) {
	query := `
SELECT id, intent, strategy, status, payload, snapshot_version, submitted_at, updated_at
FROM baskets ORDER BY submitted_at ASC, id ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Basket
	for rows.Next() {
		b, err := scanBasket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBasket(s scanner) (Basket, error) {
	var (
		b       Basket
		version int64
	)
	if err := s.Scan(&b.ID, &b.Intent, &b.Strategy, &b.Status, &b.Payload, &version, &b.SubmittedAt, &b.UpdatedAt); err != nil {
		return Basket{}, err
	}
	b.SnapshotVersion = uint64(version)
	return b, nil
}

// ListStrategyEvents returns the latest transitions for name, newest first.
// An empty name lists every strategy.
func (q *Queries) ListStrategyEvents(ctx context.Context, name string, limit int) ([]StrategyEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, name, kind, from_state, to_state, last_error, at FROM strategy_events`
	args := []any{}
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StrategyEvent
	for rows.Next() {
		var e StrategyEvent
		if err := rows.Scan(&e.ID, &e.Name, &e.Kind, &e.FromState, &e.ToState, &e.LastError, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestSnapshotAudit returns the highest recorded snapshot version.
func (q *Queries) LatestSnapshotAudit(ctx context.Context) (*SnapshotAudit, error) {
	var (
		a       SnapshotAudit
		version int64
	)
	err := q.db.QueryRowContext(ctx, `
SELECT version, captured_at, positions, holdings, baskets, realized_pnl, payload
FROM snapshot_audit ORDER BY version DESC LIMIT 1`).
		Scan(&version, &a.CapturedAt, &a.Positions, &a.Holdings, &a.Baskets, &a.RealizedPnL, &a.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Version = uint64(version)
	return &a, nil
}

// ListHoldings returns every holding ordered by symbol.
func (q *Queries) ListHoldings(ctx context.Context) ([]Holding, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT symbol, qty, avg_price, updated_at FROM holdings ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Holding
	for rows.Next() {
		var (
			h  Holding
			at sql.NullTime
		)
		if err := rows.Scan(&h.Symbol, &h.Qty, &h.AvgPrice, &at); err != nil {
			return nil, err
		}
		h.UpdatedAt = at.Time
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListAlerts returns the newest alerts first.
func (q *Queries) ListAlerts(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `SELECT id, kind, subject, message, at FROM alerts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.Kind, &a.Subject, &a.Message, &a.At); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
