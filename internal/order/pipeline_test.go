package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-desk/internal/events"
	"trading-desk/internal/risk"
	"trading-desk/internal/state"
	"trading-desk/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scriptGateway answers each placement through fn; attempt counts per client id from 1.
type scriptGateway struct {
	mu         sync.Mutex
	fn         func(req common.OrderRequest, attempt int) (common.OrderResult, error)
	attempts   map[string]int
	calls      []common.OrderRequest
	cancels    []string
	sequential bool
	delay      time.Duration
}

func newScriptGateway(fn func(req common.OrderRequest, attempt int) (common.OrderResult, error)) *scriptGateway {
	return &scriptGateway{fn: fn, attempts: make(map[string]int)}
}

func (g *scriptGateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return common.OrderResult{}, err
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	g.attempts[req.ClientID]++
	n := g.attempts[req.ClientID]
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	return g.fn(req, n)
}

func (g *scriptGateway) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, brokerOrderID)
	return nil
}

func (g *scriptGateway) RequiresSequencing() bool { return g.sequential }

func (g *scriptGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func fillAt(px string) func(common.OrderRequest, int) (common.OrderResult, error) {
	return func(req common.OrderRequest, _ int) (common.OrderResult, error) {
		return common.OrderResult{
			BrokerOrderID: "B-" + req.ClientID,
			ClientID:      req.ClientID,
			Status:        common.StatusFilled,
			FilledQty:     req.Qty,
			AvgPrice:      d(px),
		}, nil
	}
}

func newTestPipeline(gw common.Gateway, retries int) (*Pipeline, *state.Store, *events.Bus) {
	store := state.NewStore(zerolog.Nop())
	bus := events.NewBus()
	p := NewPipeline(gw, store, bus, Config{MaxRetries: retries}, zerolog.Nop())
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p, store, bus
}

func basket(id string, intent Intent, legs ...OrderLeg) BasketOrder {
	return BasketOrder{ID: id, Intent: intent, Legs: legs}
}

func market(sym string, side common.Side, qty string) OrderLeg {
	return OrderLeg{Symbol: sym, Side: side, Quantity: d(qty), OrderType: common.OrderTypeMarket}
}

func TestEntryExitLifecycle(t *testing.T) {
	prices := &fixedPrices{px: map[string]decimal.Decimal{"SYM": d("100")}}
	broker := NewPaperBroker(prices, PaperConfig{}, zerolog.Nop())
	p, store, _ := newTestPipeline(broker, 0)
	ctx := context.Background()

	_, err := p.Submit(ctx, basket("x1", IntentExit, market("SYM", common.SideSell, "10")))
	require.ErrorIs(t, err, ErrNoOpenPosition)
	assert.Equal(t, uint64(0), store.Read().Version())

	res, err := p.Submit(ctx, basket("e1", IntentEntry, market("SYM", common.SideBuy, "10")))
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	pos, ok := store.Read().Position("SYM")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(d("10")))
	b, ok := store.Read().Basket("e1")
	require.True(t, ok)
	assert.Equal(t, "FILLED", b.Status)

	prices.set("SYM", "105")
	res, err = p.Submit(ctx, basket("x2", IntentExit, market("SYM", common.SideSell, "10")))
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	_, ok = store.Read().Position("SYM")
	assert.False(t, ok)
	assert.True(t, store.Read().RealizedPnL().Equal(d("50")))
}

func TestExitChecks(t *testing.T) {
	gw := newScriptGateway(fillAt("100"))
	p, _, _ := newTestPipeline(gw, 0)
	ctx := context.Background()
	_, err := p.Submit(ctx, basket("e1", IntentEntry, market("SYM", common.SideBuy, "10")))
	require.NoError(t, err)

	_, err = p.Submit(ctx, basket("x-wrong-side", IntentExit, market("SYM", common.SideBuy, "5")))
	require.ErrorIs(t, err, ErrNoOpenPosition)

	_, err = p.Submit(ctx, basket("x-too-big", IntentExit,
		market("SYM", common.SideSell, "6"),
		market("SYM", common.SideSell, "5"),
	))
	require.ErrorIs(t, err, ErrValidation)

	var se *SubmitError
	require.True(t, errors.As(err, &se))
	require.Len(t, se.Rejections, 1)

	// refused exits are not recorded, so the id can be reused
	_, err = p.Submit(ctx, basket("x-too-big", IntentExit, market("SYM", common.SideSell, "4")))
	require.NoError(t, err)
	assert.Equal(t, 2, gw.callCount())
}

func TestValidationRejectsBeforeSideEffects(t *testing.T) {
	gw := newScriptGateway(fillAt("100"))
	p, store, _ := newTestPipeline(gw, 0)

	tests := []struct {
		name string
		b    BasketOrder
	}{
		{"missing id", basket("", IntentEntry, market("SYM", common.SideBuy, "1"))},
		{"no legs", basket("b", IntentEntry)},
		{"bad intent", basket("b", "HOLD", market("SYM", common.SideBuy, "1"))},
		{"zero qty", basket("b", IntentEntry, market("SYM", common.SideBuy, "0"))},
		{"bad side", basket("b", IntentEntry, market("SYM", "SHORT", "1"))},
		{"missing symbol", basket("b", IntentEntry, market("", common.SideBuy, "1"))},
		{"limit without price", basket("b", IntentEntry, OrderLeg{Symbol: "SYM", Side: common.SideBuy, Quantity: d("1"), OrderType: common.OrderTypeLimit})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Submit(context.Background(), tt.b)
			require.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, StatusRejected, res.Status)
			assert.NotEmpty(t, res.Rejections)
		})
	}
	assert.Zero(t, gw.callCount())
	assert.Equal(t, uint64(0), store.Read().Version())
}

func TestRiskLimitsRefuseEntryOnly(t *testing.T) {
	gw := newScriptGateway(fillAt("100"))
	store := state.NewStore(zerolog.Nop())
	prices := &fixedPrices{px: map[string]decimal.Decimal{"SYM": d("100")}}
	rm := risk.NewManager(risk.Limits{MaxPositionNotional: d("1000")}, prices, zerolog.Nop())
	p := NewPipeline(gw, store, events.NewBus(), Config{Risk: rm}, zerolog.Nop())
	ctx := context.Background()

	_, err := p.Submit(ctx, basket("e1", IntentEntry, market("SYM", common.SideBuy, "8")))
	require.NoError(t, err)

	res, err := p.Submit(ctx, basket("e2", IntentEntry, market("SYM", common.SideBuy, "5")))
	require.ErrorIs(t, err, ErrRiskLimit)
	assert.Equal(t, StatusRejected, res.Status)
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, 0, res.Rejections[0].Leg)
	assert.Equal(t, 1, gw.callCount())

	// a refused id is not recorded and exits are never limited
	_, ok := p.Lookup("e2")
	assert.False(t, ok)
	_, err = p.Submit(ctx, basket("x1", IntentExit, market("SYM", common.SideSell, "8")))
	require.NoError(t, err)
	_, err = p.Submit(ctx, basket("e2", IntentEntry, market("SYM", common.SideBuy, "5")))
	require.NoError(t, err)
	assert.Equal(t, 2, rm.GetMetrics().DailyBaskets)
}

func TestDuplicateSubmissionIsIdempotent(t *testing.T) {
	gw := newScriptGateway(fillAt("100"))
	p, store, _ := newTestPipeline(gw, 0)
	b := basket("dup", IntentEntry, market("SYM", common.SideBuy, "10"))

	first, err := p.Submit(context.Background(), b)
	require.NoError(t, err)
	version := store.Read().Version()

	again, err := p.Submit(context.Background(), b)
	require.ErrorIs(t, err, ErrDuplicateSubmission)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Status, again.Status)
	assert.Equal(t, first.Version, again.Version)
	assert.Equal(t, version, store.Read().Version(), "duplicate must not publish")
	assert.Equal(t, 1, gw.callCount())
}

func TestSubmitSurvivesCallerCancellation(t *testing.T) {
	gw := newScriptGateway(fillAt("100"))
	p, store, _ := newTestPipeline(gw, 0)
	b := basket("gone", IntentEntry, market("SYM", common.SideBuy, "10"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := p.Submit(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, 1, gw.callCount())
	pos, ok := store.Read().Position("SYM")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(d("10")))

	again, err := p.Submit(context.Background(), b)
	require.ErrorIs(t, err, ErrDuplicateSubmission)
	assert.Equal(t, StatusFilled, again.Status)
	assert.Equal(t, 1, gw.callCount())
}

func TestDispatchTimeoutBoundsBrokerCalls(t *testing.T) {
	gw := newScriptGateway(fillAt("100"))
	gw.fn = func(common.OrderRequest, int) (common.OrderResult, error) {
		return common.OrderResult{}, common.Transient(errors.New("broker busy"))
	}
	store := state.NewStore(zerolog.Nop())
	p := NewPipeline(gw, store, events.NewBus(), Config{MaxRetries: 50, DispatchTimeout: 50 * time.Millisecond}, zerolog.Nop())
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return nil
		}
	}

	began := time.Now()
	res, err := p.Submit(context.Background(), basket("slow", IntentEntry, market("SYM", common.SideBuy, "1")))
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Less(t, time.Since(began), time.Second)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Less(t, gw.callCount(), 10)
}

func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	gw := newScriptGateway(fillAt("100"))
	gw.delay = 20 * time.Millisecond
	p, store, _ := newTestPipeline(gw, 0)
	b := basket("race", IntentEntry, market("SYM", common.SideBuy, "1"))

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Submit(context.Background(), b)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateSubmission)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, gw.callCount())
	assert.Equal(t, uint64(1), store.Read().Version())
}

func TestTransientErrorsRetryWithSameClientID(t *testing.T) {
	gw := newScriptGateway(func(req common.OrderRequest, attempt int) (common.OrderResult, error) {
		if attempt < 3 {
			return common.OrderResult{}, common.Transient(errors.New("timeout"))
		}
		return fillAt("100")(req, attempt)
	})
	p, _, _ := newTestPipeline(gw, 3)

	res, err := p.Submit(context.Background(), basket("r1", IntentEntry, market("SYM", common.SideBuy, "2")))
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	require.Equal(t, 3, gw.callCount())
	for _, c := range gw.calls {
		assert.Equal(t, "r1-0", c.ClientID)
	}
}

func TestRetriesExhausted(t *testing.T) {
	gw := newScriptGateway(func(common.OrderRequest, int) (common.OrderResult, error) {
		return common.OrderResult{}, context.DeadlineExceeded
	})
	p, _, _ := newTestPipeline(gw, 2)
	b := basket("r2", IntentEntry, market("SYM", common.SideBuy, "2"))

	res, err := p.Submit(context.Background(), b)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, 3, gw.callCount())

	_, err = p.Submit(context.Background(), b)
	require.ErrorIs(t, err, ErrDuplicateSubmission)
	assert.Equal(t, 3, gw.callCount())
}

func TestPermanentRejectionIsNotRetried(t *testing.T) {
	gw := newScriptGateway(func(common.OrderRequest, int) (common.OrderResult, error) {
		return common.OrderResult{}, common.Rejected("unknown symbol")
	})
	p, store, _ := newTestPipeline(gw, 5)

	res, err := p.Submit(context.Background(), basket("p1", IntentEntry, market("NOPE", common.SideBuy, "1")))
	require.ErrorIs(t, err, ErrBrokerRejected)
	assert.Equal(t, 1, gw.callCount())
	assert.Equal(t, StatusRejected, res.Status)
	require.Len(t, res.Rejections, 1)
	assert.Contains(t, res.Rejections[0].Reason, "unknown symbol")

	b, ok := store.Read().Basket("p1")
	require.True(t, ok)
	assert.Equal(t, "REJECTED", b.Status)
}

func TestBasketPublishesOnce(t *testing.T) {
	gw := newScriptGateway(fillAt("100"))
	p, store, _ := newTestPipeline(gw, 0)

	res, err := p.Submit(context.Background(), basket("two", IntentEntry,
		market("A", common.SideBuy, "1"),
		market("B", common.SideSell, "3"),
	))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, uint64(1), store.Read().Version())

	snap := store.Read()
	a, _ := snap.Position("A")
	b, _ := snap.Position("B")
	assert.True(t, a.Quantity.Equal(d("1")))
	assert.True(t, b.Quantity.Equal(d("-3")))
}

func TestSequentialLegsStopAfterFailure(t *testing.T) {
	gw := newScriptGateway(func(req common.OrderRequest, attempt int) (common.OrderResult, error) {
		if req.Symbol == "BAD" {
			return common.OrderResult{}, common.Rejected("halted")
		}
		return fillAt("10")(req, attempt)
	})
	gw.sequential = true
	p, _, _ := newTestPipeline(gw, 0)

	res, err := p.Submit(context.Background(), basket("seq", IntentEntry,
		market("A", common.SideBuy, "1"),
		market("BAD", common.SideBuy, "1"),
		market("C", common.SideBuy, "1"),
	))
	require.ErrorIs(t, err, ErrBrokerRejected)
	assert.Equal(t, 2, gw.callCount())
	assert.Equal(t, StatusFilled, res.Legs[0].Status)
	assert.Equal(t, StatusRejected, res.Legs[1].Status)
	assert.Equal(t, StatusCancelled, res.Legs[2].Status)
	assert.Equal(t, StatusPartial, res.Status)
}

func partialThenRest(req common.OrderRequest, _ int) (common.OrderResult, error) {
	return common.OrderResult{
		BrokerOrderID: "B-" + req.ClientID,
		ClientID:      req.ClientID,
		Status:        common.StatusPartial,
		FilledQty:     req.Qty.Div(decimal.NewFromInt(2)),
		AvgPrice:      d("100"),
	}, nil
}

func TestPartialFillCompletesAsync(t *testing.T) {
	gw := newScriptGateway(partialThenRest)
	p, store, bus := newTestPipeline(gw, 0)
	filled, unsub := bus.Subscribe(events.EventOrderFilled, 1)
	defer unsub()

	res, err := p.Submit(context.Background(), basket("pf", IntentEntry, market("SYM", common.SideBuy, "10")))
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	pos, _ := store.Read().Position("SYM")
	assert.True(t, pos.Quantity.Equal(d("5")))

	f := common.Fill{BrokerOrderID: "B-pf-0", ClientID: "pf-0", TradeID: "t1", Symbol: "SYM", Side: common.SideBuy, Qty: d("5"), Price: d("102"), Final: true}
	p.OnFill(f)
	p.OnFill(f) // replayed trade is ignored

	pos, _ = store.Read().Position("SYM")
	assert.True(t, pos.Quantity.Equal(d("10")))
	assert.True(t, pos.AveragePrice.Equal(d("101")))

	got, ok := p.Lookup("pf")
	require.True(t, ok)
	assert.Equal(t, StatusFilled, got.Status)
	assert.True(t, got.Legs[0].AvgFillPrice.Equal(d("101")))

	select {
	case ev := <-filled:
		assert.Equal(t, "pf", ev.(Result).ID)
	case <-time.After(time.Second):
		t.Fatal("no filled event")
	}
}

func TestCancel(t *testing.T) {
	gw := newScriptGateway(partialThenRest)
	p, store, _ := newTestPipeline(gw, 0)
	ctx := context.Background()

	_, err := p.Cancel(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = p.Submit(ctx, basket("c1", IntentEntry, market("SYM", common.SideBuy, "4")))
	require.NoError(t, err)

	res, err := p.Cancel(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status, "something filled before the cancel")
	assert.Equal(t, StatusCancelled, res.Legs[0].Status)
	assert.Equal(t, []string{"B-c1-0"}, gw.cancels)

	b, _ := store.Read().Basket("c1")
	assert.Equal(t, "CANCELLED", b.Legs[0].Status)

	_, err = p.Cancel(ctx, "c1")
	require.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancelRestingOrder(t *testing.T) {
	gw := newScriptGateway(func(req common.OrderRequest, _ int) (common.OrderResult, error) {
		return common.OrderResult{BrokerOrderID: "B-" + req.ClientID, ClientID: req.ClientID, Status: common.StatusNew}, nil
	})
	p, _, _ := newTestPipeline(gw, 0)
	ctx := context.Background()

	res, err := p.Submit(ctx, basket("rest", IntentEntry, OrderLeg{Symbol: "SYM", Side: common.SideBuy, Quantity: d("1"), OrderType: common.OrderTypeLimit, Price: d("90")}))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)

	res, err = p.Cancel(ctx, "rest")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
}

func TestRestoreKeepsKeys(t *testing.T) {
	gw := newScriptGateway(fillAt("100"))
	p, store, _ := newTestPipeline(gw, 0)
	p.Restore([]Result{{ID: "old", Intent: IntentEntry, Status: StatusFilled}})

	res, err := p.Submit(context.Background(), basket("old", IntentEntry, market("SYM", common.SideBuy, "1")))
	require.ErrorIs(t, err, ErrDuplicateSubmission)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Zero(t, gw.callCount())
	assert.Equal(t, uint64(0), store.Read().Version())
}

func TestBackoffNext(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: 300 * time.Millisecond, Factor: 2}
	assert.Equal(t, 100*time.Millisecond, b.Next(1))
	assert.Equal(t, 200*time.Millisecond, b.Next(2))
	assert.Equal(t, 300*time.Millisecond, b.Next(3))
	assert.Equal(t, 300*time.Millisecond, b.Next(10))

	b.Jitter = 0.5
	for i := 0; i < 20; i++ {
		got := b.Next(2)
		assert.GreaterOrEqual(t, got, 100*time.Millisecond)
		assert.LessOrEqual(t, got, 300*time.Millisecond)
	}
}
