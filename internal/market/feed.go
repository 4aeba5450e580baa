package market

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-desk/internal/events"
	"trading-desk/pkg/cache"
)

// Prices keeps the last traded price per symbol, fed from price ticks on the bus.
type Prices struct {
	cache  *cache.ShardedPriceCache
	maxAge time.Duration // 0 disables staleness checks
	log    zerolog.Logger
}

func NewPrices(maxAge time.Duration, log zerolog.Logger) *Prices {
	return &Prices{
		cache:  cache.NewShardedPriceCache(),
		maxAge: maxAge,
		log:    log.With().Str("component", "prices").Logger(),
	}
}

// LatestPrice returns the cached price, or false when unknown or stale.
func (p *Prices) LatestPrice(symbol string) (decimal.Decimal, bool) {
	if p.maxAge <= 0 {
		return p.cache.Get(symbol)
	}
	px, age, ok := p.cache.GetWithAge(symbol)
	if !ok || age > p.maxAge {
		return decimal.Zero, false
	}
	return px, true
}

// Set records a price directly.
func (p *Prices) Set(symbol string, px decimal.Decimal) {
	p.cache.Set(symbol, px)
}

// Snapshot returns every cached price.
func (p *Prices) Snapshot() map[string]decimal.Decimal {
	return p.cache.GetAll()
}

// Track consumes price ticks from the bus until ctx is done.
func (p *Prices) Track(ctx context.Context, bus *events.Bus) {
	ch, unsub := bus.Subscribe(events.EventPriceTick, 256)
	defer unsub()

	var cleanup <-chan time.Time
	if p.maxAge > 0 {
		t := time.NewTicker(p.maxAge)
		defer t.Stop()
		cleanup = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup:
			p.cache.Cleanup(p.maxAge * 4)
		case msg, ok := <-ch:
			if !ok {
				return
			}
			tick, ok := msg.(events.Tick)
			if !ok {
				continue
			}
			px, err := decimal.NewFromString(tick.Price)
			if err != nil || !px.IsPositive() {
				p.log.Warn().Str("symbol", tick.Symbol).Str("price", tick.Price).Msg("dropping malformed tick")
				continue
			}
			p.cache.Set(tick.Symbol, px)
		}
	}
}
