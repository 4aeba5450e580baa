package db

import "time"

// Basket is a persisted basket result; Payload holds the full JSON result.
type Basket struct {
	ID              string
	Intent          string
	Strategy        string
	Status          string
	Payload         string
	SnapshotVersion uint64
	SubmittedAt     time.Time
	UpdatedAt       time.Time
}

// StrategyEvent is one lifecycle transition of a strategy.
type StrategyEvent struct {
	ID        int64
	Name      string
	Kind      string
	FromState string
	ToState   string
	LastError string
	At        time.Time
}

// SnapshotAudit summarises a published snapshot.
type SnapshotAudit struct {
	Version     uint64
	CapturedAt  time.Time
	Positions   int
	Holdings    int
	Baskets     int
	RealizedPnL string
	Payload     string
}

// Holding is a long-term holding row. Quantities are decimal strings.
type Holding struct {
	Symbol    string
	Qty       string
	AvgPrice  string
	UpdatedAt time.Time
}

// Alert is a persisted operational alert.
type Alert struct {
	ID      int64
	Kind    string
	Subject string
	Message string
	At      time.Time
}

// Stmt is a prepared write; the batch writer executes these in transactions.
type Stmt struct {
	Table string
	Query string
	Args  []any
}
