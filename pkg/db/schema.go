package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS baskets (
    id TEXT PRIMARY KEY,
    intent TEXT NOT NULL,
    strategy TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    payload TEXT NOT NULL,
    snapshot_version INTEGER NOT NULL DEFAULT 0,
    submitted_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_baskets_submitted ON baskets(submitted_at);

CREATE TABLE IF NOT EXISTS strategy_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT '',
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_strategy_events_name ON strategy_events(name, id);

CREATE TABLE IF NOT EXISTS snapshot_audit (
    version INTEGER PRIMARY KEY,
    captured_at DATETIME NOT NULL,
    positions INTEGER NOT NULL,
    holdings INTEGER NOT NULL,
    baskets INTEGER NOT NULL,
    realized_pnl TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS holdings (
    symbol TEXT PRIMARY KEY,
    qty TEXT NOT NULL,
    avg_price TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS alerts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL,
    at DATETIME NOT NULL
);
`

// addedColumn is a column introduced after a table was first created.
type addedColumn struct {
	table, name, def string
}

var addedColumns = []addedColumn{
	{"baskets", "snapshot_version", "INTEGER NOT NULL DEFAULT 0"},
	{"snapshot_audit", "holdings", "INTEGER NOT NULL DEFAULT 0"},
}

// ApplyMigrations creates missing tables and columns. Running it twice is a no-op.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	for _, c := range addedColumns {
		if err := addColumn(d.DB, c); err != nil {
			return err
		}
	}
	return nil
}

func addColumn(db *sql.DB, c addedColumn) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, c.table, c.name).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s.%s: %w", c.table, c.name, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.name, c.def)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", c.table, c.name, err)
	}
	return nil
}
