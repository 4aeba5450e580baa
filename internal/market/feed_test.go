package market

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-desk/internal/events"
)

func TestPricesTrackTicks(t *testing.T) {
	bus := events.NewBus()
	p := NewPrices(0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Track(ctx, bus)

	require.Eventually(t, func() bool {
		bus.Publish(events.EventPriceTick, events.Tick{Symbol: "SYM", Price: "101.25"})
		px, ok := p.LatestPrice("SYM")
		return ok && px.Equal(decimal.RequireFromString("101.25"))
	}, time.Second, 5*time.Millisecond)

	bus.Publish(events.EventPriceTick, events.Tick{Symbol: "BAD", Price: "oops"})
	bus.Publish(events.EventPriceTick, "not a tick")
	_, ok := p.LatestPrice("BAD")
	assert.False(t, ok)
}

func TestPricesStale(t *testing.T) {
	p := NewPrices(20*time.Millisecond, zerolog.Nop())
	p.Set("SYM", decimal.NewFromInt(5))

	_, ok := p.LatestPrice("SYM")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = p.LatestPrice("SYM")
	assert.False(t, ok)
}

func TestMockFeedWalksEachSymbol(t *testing.T) {
	bus := events.NewBus()
	prices := NewPrices(0, zerolog.Nop())
	feed := &MockFeed{
		Bus:        bus,
		Prices:     prices,
		Symbols:    []string{"A", "B"},
		StartPrice: decimal.NewFromInt(100),
		Step:       decimal.NewFromInt(1),
		Interval:   time.Millisecond,
		Log:        zerolog.Nop(),
		rng:        rand.New(rand.NewSource(1)),
	}
	ticks, unsub := bus.Subscribe(events.EventPriceTick, 64)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed.Start(ctx)

	for _, sym := range []string{"A", "B"} {
		px, ok := prices.LatestPrice(sym)
		require.True(t, ok)
		assert.True(t, px.GreaterThan(decimal.Zero))
	}

	seen := map[string]int{}
	timeout := time.After(time.Second)
	for seen["A"] < 3 || seen["B"] < 3 {
		select {
		case msg := <-ticks:
			tick := msg.(events.Tick)
			px := decimal.RequireFromString(tick.Price)
			assert.True(t, px.IsPositive())
			seen[tick.Symbol]++
		case <-timeout:
			t.Fatalf("not enough ticks: %v", seen)
		}
	}
}
