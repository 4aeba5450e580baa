package order

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

type fixedPrices struct {
	mu sync.Mutex
	px map[string]decimal.Decimal
}

func (f *fixedPrices) LatestPrice(symbol string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.px[symbol]
	return p, ok
}

func (f *fixedPrices) set(symbol, px string) {
	f.mu.Lock()
	f.px[symbol] = d(px)
	f.mu.Unlock()
}

func newPaper(cfg PaperConfig) *PaperBroker {
	prices := &fixedPrices{px: map[string]decimal.Decimal{"SYM": d("100")}}
	return NewPaperBroker(prices, cfg, zerolog.Nop())
}

func marketReq(id, qty string) common.OrderRequest {
	return common.OrderRequest{Symbol: "SYM", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: d(qty), ClientID: id}
}

func TestPaperFillsAtMarket(t *testing.T) {
	b := newPaper(PaperConfig{})
	res, err := b.SubmitOrder(context.Background(), marketReq("c1", "3"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, res.Status)
	assert.True(t, res.FilledQty.Equal(d("3")))
	assert.True(t, res.AvgPrice.Equal(d("100")))

	again, err := b.SubmitOrder(context.Background(), marketReq("c1", "3"))
	require.NoError(t, err)
	assert.Equal(t, res.BrokerOrderID, again.BrokerOrderID, "client id is idempotent")
}

func TestPaperRejections(t *testing.T) {
	b := newPaper(PaperConfig{MaxNotional: d("500")})

	_, err := b.SubmitOrder(context.Background(), common.OrderRequest{Symbol: "NONE", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: d("1"), ClientID: "x"})
	require.ErrorIs(t, err, common.ErrRejected)

	_, err = b.SubmitOrder(context.Background(), marketReq("big", "10"))
	require.ErrorIs(t, err, common.ErrRejected)
	assert.False(t, common.IsTransient(err))
}

func TestPaperTransientFailures(t *testing.T) {
	b := newPaper(PaperConfig{FailRate: 1})
	_, err := b.SubmitOrder(context.Background(), marketReq("t", "1"))
	require.Error(t, err)
	assert.True(t, common.IsTransient(err))
}

func TestPaperRestingLimitCancel(t *testing.T) {
	b := newPaper(PaperConfig{})
	res, err := b.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol: "SYM", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: d("1"), Price: d("90"), ClientID: "lim",
	})
	require.NoError(t, err)
	assert.Equal(t, common.StatusNew, res.Status)
	assert.True(t, res.FilledQty.IsZero())

	require.NoError(t, b.CancelOrder(context.Background(), "SYM", res.BrokerOrderID))
	err = b.CancelOrder(context.Background(), "SYM", res.BrokerOrderID)
	require.ErrorIs(t, err, common.ErrRejected)
}

func TestPaperPartialDeliversRemainder(t *testing.T) {
	b := newPaper(PaperConfig{PartialRate: 1, FillDelay: 5 * time.Millisecond})
	res, err := b.SubmitOrder(context.Background(), marketReq("p", "10"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusPartial, res.Status)
	assert.True(t, res.FilledQty.Equal(d("5")))

	select {
	case f := <-b.Fills():
		assert.Equal(t, "p", f.ClientID)
		assert.True(t, f.Qty.Equal(d("5")))
		assert.True(t, f.Final)
	case <-time.After(time.Second):
		t.Fatal("remainder never delivered")
	}
}

func TestPipelineWithPaperPartials(t *testing.T) {
	prices := &fixedPrices{px: map[string]decimal.Decimal{"SYM": d("100")}}
	broker := NewPaperBroker(prices, PaperConfig{PartialRate: 1, FillDelay: 5 * time.Millisecond}, zerolog.Nop())
	p, store, _ := newTestPipeline(broker, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	res, err := p.Submit(ctx, basket("pp", IntentEntry, market("SYM", common.SideBuy, "10")))
	require.NoError(t, err)
	assert.Contains(t, []Status{StatusPartial, StatusFilled}, res.Status)

	require.Eventually(t, func() bool {
		r, _ := p.Lookup("pp")
		return r.Status == StatusFilled
	}, time.Second, 5*time.Millisecond)
	pos, _ := store.Read().Position("SYM")
	assert.True(t, pos.Quantity.Equal(d("10")))
}
