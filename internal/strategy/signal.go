package strategy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-desk/internal/order"
	"trading-desk/pkg/exchanges/common"
)

// Action is the exposure a signal wants next.
type Action int

const (
	Hold Action = iota
	GoLong
	GoShort
	GoFlat
)

func (a Action) String() string {
	switch a {
	case GoLong:
		return "LONG"
	case GoShort:
		return "SHORT"
	case GoFlat:
		return "FLAT"
	default:
		return "HOLD"
	}
}

// signaler turns a price series into target exposure.
type signaler interface {
	Observe(price float64) Action
}

// signalStrategy polls the price on every interval, feeds the signaler and
// moves the position towards the wanted exposure with ENTRY/EXIT baskets.
type signalStrategy struct {
	sig  signaler
	size decimal.Decimal

	once      sync.Once
	cancelled chan struct{}
}

func newSignalStrategy(sig signaler, size decimal.Decimal) *signalStrategy {
	return &signalStrategy{sig: sig, size: size, cancelled: make(chan struct{})}
}

func (s *signalStrategy) OnCancel() {
	s.once.Do(func() { close(s.cancelled) })
}

func (s *signalStrategy) Run(ctx context.Context, env Env) error {
	if env.Prices == nil || env.Orders == nil || env.State == nil {
		return errors.New("strategy env is missing prices, orders or state")
	}
	interval := env.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.cancelled:
			return nil
		case <-ticker.C:
		}
		px, ok := env.Prices.LatestPrice(env.Symbol)
		if !ok {
			continue
		}
		act := s.sig.Observe(px.InexactFloat64())
		if act == Hold {
			continue
		}
		s.rebalance(ctx, env, act)
	}
}

func (s *signalStrategy) rebalance(ctx context.Context, env Env, act Action) {
	pos, _ := env.State.Read().Position(env.Symbol)
	held := pos.Quantity

	target := decimal.Zero
	switch act {
	case GoLong:
		target = s.size
	case GoShort:
		target = s.size.Neg()
	}
	if held.Equal(target) || (!held.IsZero() && held.Sign() == target.Sign()) {
		return
	}

	if !held.IsZero() {
		side := common.SideSell
		if held.IsNegative() {
			side = common.SideBuy
		}
		if !s.submit(ctx, env, order.IntentExit, side, held.Abs()) {
			return
		}
	}
	if target.IsZero() {
		return
	}
	side := common.SideBuy
	if target.IsNegative() {
		side = common.SideSell
	}
	s.submit(ctx, env, order.IntentEntry, side, target.Abs())
}

func (s *signalStrategy) submit(ctx context.Context, env Env, intent order.Intent, side common.Side, qty decimal.Decimal) bool {
	if ctx.Err() != nil {
		return false
	}
	b := order.BasketOrder{
		ID:       env.Name + "-" + uuid.NewString(),
		Intent:   intent,
		Strategy: env.Name,
		Legs: []order.OrderLeg{{
			Symbol:    env.Symbol,
			Side:      side,
			Quantity:  qty,
			OrderType: common.OrderTypeMarket,
		}},
	}
	res, err := env.Orders.Submit(ctx, b)
	if err != nil {
		env.Log.Warn().Err(err).Str("basket", b.ID).Str("intent", string(intent)).Msg("order not filled")
		return false
	}
	env.Log.Info().Str("basket", b.ID).Str("intent", string(intent)).Str("side", string(side)).
		Str("qty", qty.String()).Str("status", string(res.Status)).Msg("order placed")
	return res.Status == order.StatusFilled
}
