package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"trading-desk/pkg/db"
)

// verify_schema applies migrations to a desk database and reports what it holds.
//
//	go run ./scripts/verify_schema -db ./data/desk.db
func main() {
	dbPath := flag.String("db", "./data/desk.db", "SQLite database path")
	flag.Parse()
	fmt.Printf("Verifying database at: %s\n", *dbPath)

	database, err := db.Open(*dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()

	tables := []string{"baskets", "strategy_events", "snapshot_audit", "holdings", "alerts"}
	missing := 0
	for i, table := range tables {
		fmt.Printf("\n%d. %s\n", i+1, table)
		var schema string
		err := database.DB.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&schema)
		if err != nil {
			fmt.Println("   MISSING")
			missing++
			continue
		}
		var rows int
		if err := database.DB.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&rows); err != nil {
			log.Fatalf("count %s: %v", table, err)
		}
		fmt.Printf("   ok, %d rows\n", rows)
	}

	q := database.Queries()
	ctx := context.Background()
	if audit, err := q.LatestSnapshotAudit(ctx); err == nil {
		fmt.Printf("\nLatest snapshot: v%d at %s, %d positions, realized %s\n",
			audit.Version, audit.CapturedAt.Format("2006-01-02 15:04:05"), audit.Positions, audit.RealizedPnL)
	}
	if events, err := q.ListStrategyEvents(ctx, "", 5); err == nil && len(events) > 0 {
		fmt.Println("\nRecent strategy transitions:")
		for _, e := range events {
			line := fmt.Sprintf("   %s %s -> %s", e.Name, e.FromState, e.ToState)
			if e.LastError != "" {
				line += " (" + strings.TrimSpace(e.LastError) + ")"
			}
			fmt.Println(line)
		}
	}

	if missing > 0 {
		log.Fatalf("%d tables missing", missing)
	}
}
