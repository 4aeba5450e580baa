package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-desk/internal/events"
	"trading-desk/internal/order"
	"trading-desk/internal/state"
	"trading-desk/pkg/db"
)

var orderEvents = []events.Event{
	events.EventOrderSubmitted,
	events.EventOrderFilled,
	events.EventOrderPartial,
	events.EventOrderRejected,
	events.EventOrderCancelled,
}

// Restorer accepts previously executed baskets.
type Restorer interface {
	Restore([]order.Result)
}

// Journal records basket results, strategy transitions, alerts and a
// snapshot audit trail to SQLite through a BatchWriter.
type Journal struct {
	database *db.Database
	q        *db.Queries
	writer   *BatchWriter
	bus      *events.Bus
	store    *state.Store
	log      zerolog.Logger
	done     chan struct{}
}

// NewJournal wires a journal over an open, migrated database.
func NewJournal(database *db.Database, bus *events.Bus, store *state.Store, log zerolog.Logger) *Journal {
	return &Journal{
		database: database,
		q:        database.Queries(),
		writer:   NewBatchWriter(database.DB, 64, 250*time.Millisecond, log),
		bus:      bus,
		store:    store,
		log:      log.With().Str("component", "journal").Logger(),
		done:     make(chan struct{}),
	}
}

// Restore feeds every journaled basket back into r and returns how many
// were loaded.
func (j *Journal) Restore(ctx context.Context, r Restorer) (int, error) {
	rows, err := j.q.ListBaskets(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("journal: list baskets: %w", err)
	}
	results := make([]order.Result, 0, len(rows))
	for _, row := range rows {
		var res order.Result
		if err := json.Unmarshal([]byte(row.Payload), &res); err != nil {
			j.log.Warn().Err(err).Str("basket", row.ID).Msg("skipping unreadable basket")
			continue
		}
		results = append(results, res)
	}
	r.Restore(results)
	j.log.Info().Int("baskets", len(results)).Msg("idempotency state restored")
	return len(results), nil
}

// LoadHoldings seeds the store with the holdings table. It publishes
// nothing when the table is empty.
func (j *Journal) LoadHoldings(ctx context.Context) (int, error) {
	rows, err := j.q.ListHoldings(ctx)
	if err != nil {
		return 0, fmt.Errorf("journal: list holdings: %w", err)
	}
	holdings := make([]state.Holding, 0, len(rows))
	for _, row := range rows {
		qty, err1 := decimal.NewFromString(row.Qty)
		avg, err2 := decimal.NewFromString(row.AvgPrice)
		if err := errors.Join(err1, err2); err != nil {
			j.log.Warn().Err(err).Str("symbol", row.Symbol).Msg("skipping unreadable holding")
			continue
		}
		holdings = append(holdings, state.Holding{
			Symbol:       row.Symbol,
			Quantity:     qty,
			AveragePrice: avg,
			UpdatedAt:    row.UpdatedAt,
		})
	}
	if len(holdings) == 0 {
		return 0, nil
	}
	if _, err := j.store.Publish(state.Update{Source: "restore", Holdings: holdings}); err != nil {
		return 0, fmt.Errorf("journal: seed holdings: %w", err)
	}
	return len(holdings), nil
}

// Start subscribes and journals events in the background until ctx is
// done. Done is closed once the final flush has completed.
func (j *Journal) Start(ctx context.Context) {
	var unsubs []func()
	orders := make(chan any, 256)
	for _, e := range orderEvents {
		ch, unsub := j.bus.Subscribe(e, 256)
		unsubs = append(unsubs, unsub)
		// upserts are version-guarded, so fan-in order does not matter
		go func(ch <-chan any) {
			for v := range ch {
				select {
				case orders <- v:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	transitions, unsubT := j.bus.Subscribe(events.EventStrategyState, 256)
	alerts, unsubA := j.bus.Subscribe(events.EventOperationalAlert, 64)
	snaps, unsubS := j.store.Subscribe(16)
	unsubs = append(unsubs, unsubT, unsubA, unsubS)

	go func() {
		defer close(j.done)
		defer j.writer.Close()
		defer func() {
			for _, u := range unsubs {
				u()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-orders:
				if r, ok := v.(order.Result); ok {
					j.recordBasket(r)
				}
			case v, ok := <-transitions:
				if !ok {
					return
				}
				if t, ok := v.(events.StrategyTransition); ok {
					j.writer.Write(db.InsertStrategyEventStmt(db.StrategyEvent{
						Name: t.Name, Kind: t.Kind, FromState: t.From, ToState: t.To, LastError: t.LastError, At: t.At,
					}))
				}
			case v, ok := <-alerts:
				if !ok {
					return
				}
				if a, ok := v.(events.Alert); ok {
					j.writer.Write(db.InsertAlertStmt(db.Alert{Kind: a.Kind, Subject: a.Subject, Message: a.Message, At: a.At}))
				}
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				j.recordSnapshot(snap)
			}
		}
	}()
}

// Done is closed after Start's loop has flushed and exited.
func (j *Journal) Done() <-chan struct{} {
	return j.done
}

func (j *Journal) recordBasket(r order.Result) {
	payload, err := json.Marshal(r)
	if err != nil {
		j.log.Error().Err(err).Str("basket", r.ID).Msg("encode basket")
		return
	}
	j.writer.Write(db.UpsertBasketStmt(db.Basket{
		ID:              r.ID,
		Intent:          string(r.Intent),
		Strategy:        r.Strategy,
		Status:          string(r.Status),
		Payload:         string(payload),
		SnapshotVersion: r.Version,
		SubmittedAt:     r.SubmittedAt,
		UpdatedAt:       r.UpdatedAt,
	}))
}

func (j *Journal) recordSnapshot(s *state.Snapshot) {
	if s == nil || s.Version() == 0 {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		j.log.Error().Err(err).Uint64("version", s.Version()).Msg("encode snapshot")
		return
	}
	j.writer.Write(db.InsertSnapshotAuditStmt(db.SnapshotAudit{
		Version:     s.Version(),
		CapturedAt:  s.CapturedAt(),
		Positions:   len(s.Positions()),
		Holdings:    len(s.Holdings()),
		Baskets:     len(s.Baskets()),
		RealizedPnL: s.RealizedPnL().String(),
		Payload:     string(payload),
	}))
}

// Flush forces buffered rows to disk.
func (j *Journal) Flush() error {
	return j.writer.Flush()
}

// Stats reports writer counters.
func (j *Journal) Stats() BatchWriterStats {
	return j.writer.Stats()
}
