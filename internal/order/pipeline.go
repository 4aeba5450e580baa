package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	"trading-desk/internal/events"
	"trading-desk/internal/monitor"
	"trading-desk/internal/risk"
	"trading-desk/internal/state"
	"trading-desk/pkg/exchanges/common"
)

var errSkipped = errors.New("not sent: an earlier leg failed")

// Config tunes the pipeline's retry behaviour and pre-trade checks.
type Config struct {
	MaxRetries int // retries after the first attempt
	Backoff    Backoff
	Risk       *risk.Manager // optional; applied to ENTRY baskets

	// DispatchTimeout bounds broker dispatch of an accepted basket,
	// independent of the submitting caller's context.
	DispatchTimeout time.Duration
}

// Pipeline validates baskets, sends their legs to the broker and folds the
// resulting fills into the state store. Each basket id executes at most once.
type Pipeline struct {
	gw    common.Gateway
	store *state.Store
	bus   *events.Bus
	cfg   Config
	log   zerolog.Logger
	group singleflight.Group

	mu         sync.Mutex
	done       map[string]Result
	live       map[string]*liveBasket
	byClient   map[string]legRef
	seenTrades map[string]struct{}

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

type liveBasket struct {
	result    Result
	published bool
	pending   []common.Fill // async fills that beat the first publish
}

type legRef struct {
	basket string
	leg    int
}

type legOutcome struct {
	res       common.OrderResult
	err       error
	transient bool
}

func NewPipeline(gw common.Gateway, store *state.Store, bus *events.Bus, cfg Config, log zerolog.Logger) *Pipeline {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	return &Pipeline{
		gw:         gw,
		store:      store,
		bus:        bus,
		cfg:        cfg,
		log:        log.With().Str("component", "order").Logger(),
		done:       make(map[string]Result),
		live:       make(map[string]*liveBasket),
		byClient:   make(map[string]legRef),
		seenTrades: make(map[string]struct{}),
		sleep:      sleepCtx,
		now:        time.Now,
	}
}

// Restore marks previously executed baskets as done so their ids stay
// idempotent across restarts.
func (p *Pipeline) Restore(results []Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range results {
		if r.ID != "" {
			p.done[r.ID] = r.clone()
		}
	}
}

// Lookup returns the latest known result for a basket id.
func (p *Pipeline) Lookup(id string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.done[id]
	if !ok {
		return Result{}, false
	}
	return r.clone(), true
}

// Submit executes b once. A repeat of an executed id returns the recorded
// result with ErrDuplicateSubmission and changes nothing.
func (p *Pipeline) Submit(ctx context.Context, b BasketOrder) (Result, error) {
	started := time.Now()
	if b.SubmittedAt.IsZero() {
		b.SubmittedAt = p.now()
	}

	if rej := Validate(b); len(rej) > 0 {
		monitor.ObserveOrder(string(b.Intent), "invalid", started)
		return rejectedResult(b, rej), reject(ErrValidation, rej...)
	}
	if r, ok := p.Lookup(b.ID); ok {
		monitor.ObserveOrder(string(b.Intent), "duplicate", started)
		return r, ErrDuplicateSubmission
	}

	leader := false
	v, err, _ := p.group.Do(b.ID, func() (any, error) {
		leader = true
		return p.execute(ctx, b, started)
	})
	res, _ := v.(Result)
	if !leader {
		if r, ok := p.Lookup(b.ID); ok {
			monitor.ObserveOrder(string(b.Intent), "duplicate", started)
			return r, ErrDuplicateSubmission
		}
		return res.clone(), err
	}
	return res, err
}

func (p *Pipeline) execute(ctx context.Context, b BasketOrder, started time.Time) (Result, error) {
	if r, ok := p.Lookup(b.ID); ok {
		return r, ErrDuplicateSubmission
	}

	if b.Intent == IntentExit {
		// Checked against the latest snapshot; a concurrent fill may still
		// change the position before these legs reach the broker.
		if err := checkExit(p.store.Read(), b); err != nil {
			var se *SubmitError
			errors.As(err, &se)
			outcome := "invalid"
			if errors.Is(err, ErrNoOpenPosition) {
				outcome = "no_position"
			}
			monitor.ObserveOrder(string(b.Intent), outcome, started)
			p.log.Info().Str("basket", b.ID).Err(err).Msg("exit refused")
			return rejectedResult(b, se.Rejections), err
		}
	}
	if b.Intent == IntentEntry && p.cfg.Risk != nil {
		if dec := p.cfg.Risk.Evaluate(p.store.Read(), riskLegs(b.Legs)); !dec.Allowed {
			rej := make([]Rejection, len(dec.Violations))
			for i, v := range dec.Violations {
				rej[i] = Rejection{Leg: v.Leg, Reason: v.Reason}
			}
			monitor.ObserveOrder(string(b.Intent), "risk_limit", started)
			p.log.Info().Str("basket", b.ID).Int("violations", len(rej)).Msg("entry refused by risk limits")
			return rejectedResult(b, rej), reject(ErrRiskLimit, rej...)
		}
		p.cfg.Risk.RecordBasket()
	}

	res := Result{
		ID:          b.ID,
		Intent:      b.Intent,
		Strategy:    b.Strategy,
		Status:      StatusPending,
		Legs:        make([]LegResult, len(b.Legs)),
		SubmittedAt: b.SubmittedAt,
		UpdatedAt:   p.now(),
	}
	for i, l := range b.Legs {
		res.Legs[i] = LegResult{OrderLeg: l, ClientID: fmt.Sprintf("%s-%d", b.ID, i), Status: StatusPending}
	}

	p.mu.Lock()
	p.live[b.ID] = &liveBasket{result: res.clone()}
	for i, l := range res.Legs {
		p.byClient[l.ClientID] = legRef{basket: b.ID, leg: i}
	}
	p.mu.Unlock()
	p.bus.Publish(events.EventOrderSubmitted, res.clone())

	// Once accepted the basket belongs to the pipeline: a caller that goes
	// away must not turn into a broker rejection under this id.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DispatchTimeout)
	outcomes := p.dispatch(dctx, res.Legs)
	cancel()

	p.mu.Lock()
	lb := p.live[b.ID]
	var fills []state.Fill
	exhausted := false
	for i, o := range outcomes {
		leg := &lb.result.Legs[i]
		switch {
		case o.err != nil:
			leg.Status = StatusRejected
			if errors.Is(o.err, errSkipped) {
				leg.Status = StatusCancelled
			}
			leg.Reason = o.err.Error()
			lb.result.Rejections = append(lb.result.Rejections, Rejection{Leg: i, Reason: o.err.Error()})
			exhausted = exhausted || o.transient
		default:
			leg.BrokerOrderID = o.res.BrokerOrderID
			if o.res.FilledQty.IsPositive() && o.res.AvgPrice.IsPositive() {
				fills = append(fills, legFill(leg, o.res.FilledQty, o.res.AvgPrice, p.now()))
			}
			switch o.res.Status {
			case common.StatusRejected:
				leg.Status = StatusRejected
				leg.Reason = "rejected by broker"
				lb.result.Rejections = append(lb.result.Rejections, Rejection{Leg: i, Reason: leg.Reason})
			case common.StatusCanceled:
				if leg.Working() {
					leg.Status = StatusCancelled
				}
			}
		}
	}
	for _, f := range lb.pending {
		if sf, ok := p.applyAsyncFill(lb, f); ok {
			fills = append(fills, sf)
		}
	}
	lb.pending = nil
	lb.published = true
	out := p.commitLocked(lb, fills)
	p.mu.Unlock()

	p.emit(out)

	var err error
	switch {
	case exhausted:
		err = reject(ErrRetriesExhausted, out.Rejections...)
	case len(out.Rejections) > 0:
		err = reject(ErrBrokerRejected, out.Rejections...)
	}
	outcome := strings.ToLower(string(out.Status))
	if exhausted {
		outcome = "retries_exhausted"
	}
	monitor.ObserveOrder(string(b.Intent), outcome, started)
	p.log.Info().
		Str("basket", out.ID).
		Str("intent", string(out.Intent)).
		Str("status", string(out.Status)).
		Uint64("version", out.Version).
		Dur("latency", time.Since(started)).
		Msg("basket executed")
	return out, err
}

// commitLocked recomputes the basket status, publishes fills and the basket
// record in one snapshot and records the result. Caller holds p.mu.
func (p *Pipeline) commitLocked(lb *liveBasket, fills []state.Fill) Result {
	r := &lb.result
	r.Status = basketStatus(r.Legs)
	r.UpdatedAt = p.now()

	v, err := p.store.Publish(state.Update{Source: "order", Fills: fills, Baskets: []state.Basket{r.record()}})
	if err != nil {
		p.log.Error().Err(err).Str("basket", r.ID).Msg("state publish failed")
	} else {
		r.Version = v
	}

	out := r.clone()
	p.done[r.ID] = out.clone()
	if r.Settled() {
		delete(p.live, r.ID)
		for _, l := range r.Legs {
			delete(p.byClient, l.ClientID)
		}
	}
	return out
}

func (p *Pipeline) dispatch(ctx context.Context, legs []LegResult) []legOutcome {
	outcomes := make([]legOutcome, len(legs))
	if seq, ok := p.gw.(common.Sequencer); ok && seq.RequiresSequencing() {
		for i := range legs {
			outcomes[i] = p.place(ctx, legs[i])
			if outcomes[i].err != nil || outcomes[i].res.Status == common.StatusRejected {
				for j := i + 1; j < len(legs); j++ {
					outcomes[j] = legOutcome{err: errSkipped}
				}
				break
			}
		}
		return outcomes
	}

	var wg conc.WaitGroup
	for i := range legs {
		i := i
		wg.Go(func() {
			outcomes[i] = p.place(ctx, legs[i])
		})
	}
	wg.Wait()
	return outcomes
}

// place sends one leg, retrying transient failures with the same client id.
func (p *Pipeline) place(ctx context.Context, leg LegResult) legOutcome {
	req := common.OrderRequest{
		Symbol:   leg.Symbol,
		Side:     leg.Side,
		Type:     leg.OrderType,
		Qty:      leg.Quantity,
		Price:    leg.Price,
		ClientID: leg.ClientID,
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			monitor.OrderRetries.Inc()
			delay := p.cfg.Backoff.Next(attempt)
			p.log.Warn().Str("client_id", leg.ClientID).Int("attempt", attempt).Dur("backoff", delay).Err(lastErr).Msg("retrying order")
			if err := p.sleep(ctx, delay); err != nil {
				break
			}
		}
		res, err := p.gw.SubmitOrder(ctx, req)
		if err == nil {
			return legOutcome{res: res}
		}
		if !common.IsTransient(err) {
			return legOutcome{err: err}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return legOutcome{err: fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr), transient: true}
}

// Run applies asynchronous broker fills until ctx is done. It returns
// immediately when the gateway does not report fills.
func (p *Pipeline) Run(ctx context.Context) {
	n, ok := p.gw.(common.FillNotifier)
	if !ok {
		return
	}
	fills := n.Fills()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fills:
			if !ok {
				return
			}
			p.OnFill(f)
		}
	}
}

// OnFill applies one asynchronous fill to its basket.
func (p *Pipeline) OnFill(f common.Fill) {
	p.mu.Lock()
	if f.TradeID != "" {
		if _, dup := p.seenTrades[f.TradeID]; dup {
			p.mu.Unlock()
			return
		}
		p.seenTrades[f.TradeID] = struct{}{}
	}
	ref, ok := p.byClient[f.ClientID]
	if !ok {
		p.mu.Unlock()
		p.log.Debug().Str("client_id", f.ClientID).Msg("fill for unknown order")
		return
	}
	lb := p.live[ref.basket]
	if !lb.published {
		lb.pending = append(lb.pending, f)
		p.mu.Unlock()
		return
	}
	sf, ok := p.applyAsyncFill(lb, f)
	var fills []state.Fill
	if ok {
		fills = append(fills, sf)
	}
	out := p.commitLocked(lb, fills)
	p.mu.Unlock()
	p.emit(out)
}

// applyAsyncFill updates the leg addressed by f. Caller holds p.mu.
func (p *Pipeline) applyAsyncFill(lb *liveBasket, f common.Fill) (state.Fill, bool) {
	ref := p.byClient[f.ClientID]
	leg := &lb.result.Legs[ref.leg]
	if f.BrokerOrderID != "" && leg.BrokerOrderID == "" {
		leg.BrokerOrderID = f.BrokerOrderID
	}
	var sf state.Fill
	applied := false
	qty := f.Qty
	if rem := leg.Remaining(); qty.GreaterThan(rem) {
		qty = rem
	}
	if leg.Working() && qty.IsPositive() && f.Price.IsPositive() {
		sf = legFill(leg, qty, f.Price, p.now())
		applied = true
	}
	if f.Final && leg.Working() {
		leg.Status = StatusCancelled
		leg.Reason = "closed by broker before full fill"
	}
	return sf, applied
}

// legFill records qty@px on the leg and returns the matching position fill.
func legFill(leg *LegResult, qty, px decimal.Decimal, at time.Time) state.Fill {
	leg.addFill(qty, px)
	return state.Fill{Symbol: leg.Symbol, Side: leg.Side, Qty: qty, Price: px, At: at}
}

// Cancel asks the broker to cancel every working leg of basket id.
func (p *Pipeline) Cancel(ctx context.Context, id string) (Result, error) {
	p.mu.Lock()
	lb, ok := p.live[id]
	if !ok {
		r, known := p.done[id]
		p.mu.Unlock()
		if known {
			return r.clone(), ErrNotCancellable
		}
		return Result{}, ErrNotFound
	}
	if !lb.published {
		r := lb.result.clone()
		p.mu.Unlock()
		return r, fmt.Errorf("%w: submission still in flight", ErrNotCancellable)
	}
	type target struct {
		leg           int
		symbol, order string
	}
	var targets []target
	for i, l := range lb.result.Legs {
		if l.Working() && l.BrokerOrderID != "" {
			targets = append(targets, target{leg: i, symbol: l.Symbol, order: l.BrokerOrderID})
		}
	}
	p.mu.Unlock()

	var errs []error
	cancelled := make([]int, 0, len(targets))
	for _, t := range targets {
		if err := p.gw.CancelOrder(ctx, t.symbol, t.order); err != nil {
			errs = append(errs, fmt.Errorf("leg %d: %w", t.leg, err))
			continue
		}
		cancelled = append(cancelled, t.leg)
	}

	p.mu.Lock()
	lb, ok = p.live[id]
	if !ok {
		// settled by fills while the cancels were in flight
		r := p.done[id].clone()
		p.mu.Unlock()
		return r, errors.Join(errs...)
	}
	for _, i := range cancelled {
		if leg := &lb.result.Legs[i]; leg.Working() {
			leg.Status = StatusCancelled
			leg.Reason = "cancelled by request"
		}
	}
	out := p.commitLocked(lb, nil)
	p.mu.Unlock()

	p.emit(out)
	p.log.Info().Str("basket", id).Int("legs", len(cancelled)).Str("status", string(out.Status)).Msg("basket cancel")
	if len(errs) > 0 {
		return out, fmt.Errorf("order: cancel %s: %w", id, errors.Join(errs...))
	}
	return out, nil
}

func (p *Pipeline) emit(r Result) {
	e := events.EventOrderSubmitted
	switch r.Status {
	case StatusFilled:
		e = events.EventOrderFilled
	case StatusPartial:
		e = events.EventOrderPartial
	case StatusRejected:
		e = events.EventOrderRejected
	case StatusCancelled:
		e = events.EventOrderCancelled
	}
	p.bus.Publish(e, r)
}

func riskLegs(legs []OrderLeg) []risk.Leg {
	out := make([]risk.Leg, len(legs))
	for i, l := range legs {
		out[i] = risk.Leg{Symbol: l.Symbol, Side: l.Side, Quantity: l.Quantity, Price: l.Price}
	}
	return out
}

func rejectedResult(b BasketOrder, rej []Rejection) Result {
	legs := make([]LegResult, len(b.Legs))
	for i, l := range b.Legs {
		legs[i] = LegResult{OrderLeg: l, Status: StatusRejected}
	}
	return Result{
		ID:          b.ID,
		Intent:      b.Intent,
		Strategy:    b.Strategy,
		Status:      StatusRejected,
		Legs:        legs,
		Rejections:  rej,
		SubmittedAt: b.SubmittedAt,
		UpdatedAt:   b.SubmittedAt,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
