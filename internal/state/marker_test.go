package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-desk/pkg/exchanges/common"
)

type staticPrices struct {
	mu sync.Mutex
	px map[string]decimal.Decimal
}

func (s *staticPrices) LatestPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.px[symbol]
	return p, ok
}

func (s *staticPrices) set(symbol, px string) {
	s.mu.Lock()
	s.px[symbol] = d(px)
	s.mu.Unlock()
}

func TestMarkOnceSkipsUnchangedPrices(t *testing.T) {
	s := newTestStore()
	_, err := s.Publish(Update{Fills: []Fill{{Symbol: "SYM", Side: common.SideBuy, Qty: d("10"), Price: d("100")}}})
	require.NoError(t, err)

	prices := &staticPrices{px: map[string]decimal.Decimal{"SYM": d("100")}}
	m := NewMarker(s, prices, time.Second, zerolog.Nop())

	v, err := m.MarkOnce()
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.Equal(t, uint64(1), s.Read().Version())

	prices.set("SYM", "101.5")
	v, err = m.MarkOnce()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
	p, _ := s.Read().Position("SYM")
	assert.True(t, p.UnrealizedPnL.Equal(d("15")))
}

func TestMarkerRunStopsOnCancel(t *testing.T) {
	s := newTestStore()
	_, err := s.Publish(Update{Holdings: []Holding{{Symbol: "INFY", Quantity: d("1"), AveragePrice: d("10")}}})
	require.NoError(t, err)

	prices := &staticPrices{px: map[string]decimal.Decimal{"INFY": d("12")}}
	m := NewMarker(s, prices, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		h, _ := s.Read().Holding("INFY")
		return h.NetPnL.Equal(d("2"))
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("marker did not stop")
	}
}
