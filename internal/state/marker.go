package state

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PriceSource yields the latest traded price for a symbol.
type PriceSource interface {
	LatestPrice(symbol string) (decimal.Decimal, bool)
}

// Marker periodically reprices every position and holding in the store.
type Marker struct {
	store    *Store
	prices   PriceSource
	interval time.Duration
	log      zerolog.Logger
}

func NewMarker(store *Store, prices PriceSource, interval time.Duration, log zerolog.Logger) *Marker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Marker{
		store:    store,
		prices:   prices,
		interval: interval,
		log:      log.With().Str("component", "marker").Logger(),
	}
}

// Run marks on every tick until ctx is done.
func (m *Marker) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.MarkOnce(); err != nil {
				m.log.Warn().Err(err).Msg("mark failed")
			}
		}
	}
}

// MarkOnce publishes one repricing update for symbols whose price moved.
// It returns 0 without publishing when nothing changed.
func (m *Marker) MarkOnce() (uint64, error) {
	snap := m.store.Read()
	prices := make(map[string]decimal.Decimal)
	for _, sym := range snap.Symbols() {
		px, ok := m.prices.LatestPrice(sym)
		if !ok || !px.IsPositive() {
			continue
		}
		if p, ok := snap.Position(sym); ok && !p.LastTradedPrice.Equal(px) {
			prices[sym] = px
			continue
		}
		if h, ok := snap.Holding(sym); ok && !h.LastTradedPrice.Equal(px) {
			prices[sym] = px
		}
	}
	if len(prices) == 0 {
		return 0, nil
	}
	return m.store.Publish(Update{Source: "mark", Prices: prices})
}
