package market

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-desk/internal/events"
)

// MockFeed generates synthetic ticks for local development and paper trading.
// Each symbol walks independently from StartPrice.
type MockFeed struct {
	Bus        *events.Bus
	Prices     *Prices // optional; written before the tick is published
	Symbols    []string
	StartPrice decimal.Decimal
	Step       decimal.Decimal
	Interval   time.Duration
	Log        zerolog.Logger

	rng  *rand.Rand
	last map[string]decimal.Decimal
}

var minMockPrice = decimal.RequireFromString("0.01")

// Start seeds every symbol at StartPrice and walks them on each interval until ctx is done.
func (m *MockFeed) Start(ctx context.Context) {
	if m.Bus == nil {
		m.Log.Warn().Msg("mock feed: bus not set")
		return
	}
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"SYM"}
	}
	if !m.StartPrice.IsPositive() {
		m.StartPrice = decimal.NewFromInt(100)
	}
	if !m.Step.IsPositive() {
		m.Step = decimal.RequireFromString("0.5")
	}
	if m.Interval <= 0 {
		m.Interval = time.Second
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	m.last = make(map[string]decimal.Decimal, len(m.Symbols))
	for _, sym := range m.Symbols {
		m.emit(sym, m.StartPrice)
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.step()
			}
		}
	}()
}

func (m *MockFeed) step() {
	for _, sym := range m.Symbols {
		// simple random walk, rounded to paise
		delta := m.Step.Mul(decimal.NewFromFloat(m.rng.Float64()*2 - 1))
		next := m.last[sym].Add(delta).Round(2)
		if next.LessThan(minMockPrice) {
			next = minMockPrice
		}
		m.emit(sym, next)
	}
}

func (m *MockFeed) emit(sym string, px decimal.Decimal) {
	m.last[sym] = px
	if m.Prices != nil {
		m.Prices.Set(sym, px)
	}
	m.Bus.Publish(events.EventPriceTick, events.Tick{Symbol: sym, Price: px.String(), At: time.Now()})
}
