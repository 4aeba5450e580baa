package order

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-desk/internal/state"
	"trading-desk/pkg/exchanges/common"
)

// PaperConfig controls the simulated broker.
type PaperConfig struct {
	FailRate    float64         // probability of a transient failure per placement
	PartialRate float64         // probability that a marketable order fills in two parts
	MaxNotional decimal.Decimal // per-order cap; zero disables
	SlippageBps float64         // basis points applied against the taker
	FillDelay   time.Duration   // delay before the second part of a partial fill
	Sequential  bool            // ask the pipeline to send legs one at a time
}

// PaperBroker fills orders against the latest market price without touching a venue.
// Client ids are idempotent: resubmitting one returns the original ack.
type PaperBroker struct {
	prices state.PriceSource
	cfg    PaperConfig
	log    zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	byClient map[string]*paperOrder
	byID     map[string]*paperOrder

	fills chan common.Fill
}

type paperOrder struct {
	req    common.OrderRequest
	result common.OrderResult
	price  decimal.Decimal
	timer  *time.Timer
}

func NewPaperBroker(prices state.PriceSource, cfg PaperConfig, log zerolog.Logger) *PaperBroker {
	if cfg.FillDelay <= 0 {
		cfg.FillDelay = 50 * time.Millisecond
	}
	return &PaperBroker{
		prices:   prices,
		cfg:      cfg,
		log:      log.With().Str("component", "paper").Logger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		byClient: make(map[string]*paperOrder),
		byID:     make(map[string]*paperOrder),
		fills:    make(chan common.Fill, 256),
	}
}

func (b *PaperBroker) Fills() <-chan common.Fill { return b.fills }

func (b *PaperBroker) RequiresSequencing() bool { return b.cfg.Sequential }

func (b *PaperBroker) roll() float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Float64()
}

// SubmitOrder simulates placement.
func (b *PaperBroker) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return common.OrderResult{}, err
	}
	b.mu.Lock()
	if o, ok := b.byClient[req.ClientID]; ok && req.ClientID != "" {
		res := o.result
		b.mu.Unlock()
		return res, nil
	}
	b.mu.Unlock()

	if b.cfg.FailRate > 0 && b.roll() < b.cfg.FailRate {
		return common.OrderResult{}, common.Transient(errors.New("paper: simulated gateway timeout"))
	}

	market, ok := b.prices.LatestPrice(req.Symbol)
	if !ok {
		return common.OrderResult{}, common.Rejected(fmt.Sprintf("no market price for %s", req.Symbol))
	}

	price := market
	marketable := true
	if req.Type == common.OrderTypeLimit {
		price = req.Price
		if req.Side == common.SideBuy {
			marketable = req.Price.GreaterThanOrEqual(market)
		} else {
			marketable = req.Price.LessThanOrEqual(market)
		}
		if marketable {
			price = market
		}
	}
	if !b.cfg.MaxNotional.IsZero() && req.Qty.Mul(price).GreaterThan(b.cfg.MaxNotional) {
		return common.OrderResult{}, common.Rejected(fmt.Sprintf("notional %s exceeds limit %s", req.Qty.Mul(price), b.cfg.MaxNotional))
	}
	if marketable && req.Type == common.OrderTypeMarket {
		price = b.slip(req.Side, price)
	}

	o := &paperOrder{
		req:   req,
		price: price,
		result: common.OrderResult{
			BrokerOrderID: uuid.NewString(),
			ClientID:      req.ClientID,
			Status:        common.StatusNew,
		},
	}

	if marketable {
		first := req.Qty
		if b.cfg.PartialRate > 0 && b.roll() < b.cfg.PartialRate {
			first = req.Qty.Div(decimal.NewFromInt(2)).Truncate(0)
		}
		if first.IsPositive() {
			o.result.FilledQty = first
			o.result.AvgPrice = price
		}
		switch {
		case first.Equal(req.Qty):
			o.result.Status = common.StatusFilled
		case first.IsPositive():
			o.result.Status = common.StatusPartial
		}
	}

	b.mu.Lock()
	b.byClient[req.ClientID] = o
	b.byID[o.result.BrokerOrderID] = o
	if o.result.Status == common.StatusPartial || (o.result.Status == common.StatusNew && marketable) {
		o.timer = time.AfterFunc(b.cfg.FillDelay, func() { b.completeFill(o) })
	}
	res := o.result
	b.mu.Unlock()

	b.log.Debug().
		Str("client_id", req.ClientID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("qty", req.Qty.String()).
		Str("status", string(res.Status)).
		Msg("paper order")
	return res, nil
}

func (b *PaperBroker) slip(side common.Side, px decimal.Decimal) decimal.Decimal {
	if b.cfg.SlippageBps <= 0 {
		return px
	}
	noise := decimal.NewFromFloat(b.roll() * b.cfg.SlippageBps / 10000.0)
	if side == common.SideBuy {
		return px.Mul(decimal.NewFromInt(1).Add(noise)).Round(4)
	}
	return px.Mul(decimal.NewFromInt(1).Sub(noise)).Round(4)
}

// completeFill delivers the remainder of a partially filled order.
func (b *PaperBroker) completeFill(o *paperOrder) {
	b.mu.Lock()
	if o.result.Status.Terminal() {
		b.mu.Unlock()
		return
	}
	rest := o.req.Qty.Sub(o.result.FilledQty)
	o.result.AvgPrice = o.price
	o.result.FilledQty = o.req.Qty
	o.result.Status = common.StatusFilled
	fill := common.Fill{
		BrokerOrderID: o.result.BrokerOrderID,
		ClientID:      o.req.ClientID,
		TradeID:       uuid.NewString(),
		Symbol:        o.req.Symbol,
		Side:          o.req.Side,
		Qty:           rest,
		Price:         o.price,
		Final:         true,
	}
	b.mu.Unlock()

	select {
	case b.fills <- fill:
	default:
		b.log.Warn().Str("client_id", fill.ClientID).Msg("fill channel full, dropping fill")
	}
}

// CancelOrder cancels a working order. Cancelling a closed order is a rejection.
func (b *PaperBroker) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[brokerOrderID]
	if !ok || o.req.Symbol != symbol {
		return common.Rejected(fmt.Sprintf("unknown order %s", brokerOrderID))
	}
	if o.result.Status.Terminal() {
		return common.Rejected(fmt.Sprintf("order %s already %s", brokerOrderID, o.result.Status))
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	o.result.Status = common.StatusCanceled
	return nil
}
