package engine

import (
	"context"
	"fmt"
	"time"

	"trading-desk/internal/order"
	"trading-desk/internal/state"
	"trading-desk/internal/strategy"
)

// DefaultStopTimeout bounds StopStrategy when the caller passes zero.
const DefaultStopTimeout = 5 * time.Second

// Impl implements Service by composing the running modules.
type Impl struct {
	supervisor  *strategy.Supervisor
	pipeline    *order.Pipeline
	store       *state.Store
	db          Pinger
	meta        Meta
	stopTimeout time.Duration
}

// Config holds the modules an Impl composes. DB may be nil.
type Config struct {
	Supervisor  *strategy.Supervisor
	Pipeline    *order.Pipeline
	Store       *state.Store
	DB          Pinger
	Meta        Meta
	StopTimeout time.Duration
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Meta.StartedAt.IsZero() {
		cfg.Meta.StartedAt = time.Now()
	}
	return &Impl{
		supervisor:  cfg.Supervisor,
		pipeline:    cfg.Pipeline,
		store:       cfg.Store,
		db:          cfg.DB,
		meta:        cfg.Meta,
		stopTimeout: cfg.StopTimeout,
	}
}

var _ Service = (*Impl)(nil)

// --- Strategy commands ---

func (e *Impl) StartStrategy(ctx context.Context, name string) (strategy.Handle, error) {
	return e.supervisor.StartConfigured(ctx, name)
}

// StopStrategy stops name and returns the resulting handle, which is FAILED
// when the worker missed the timeout.
func (e *Impl) StopStrategy(ctx context.Context, name string, timeout time.Duration) (strategy.Handle, error) {
	if timeout <= 0 {
		timeout = e.stopTimeout
	}
	stopErr := e.supervisor.Stop(ctx, name, timeout)
	h, err := e.supervisor.Status(name)
	if err != nil {
		return h, err
	}
	return h, stopErr
}

// --- Strategy queries ---

func (e *Impl) StrategyStatus(name string) (strategy.Handle, error) {
	return e.supervisor.Status(name)
}

func (e *Impl) ListStrategies() []strategy.Handle {
	return e.supervisor.ListAll()
}

// --- State ---

// GetState reads one snapshot; every field of the view comes from it.
func (e *Impl) GetState() StateView {
	return StateView{
		View:       e.store.Read().View(),
		Strategies: e.supervisor.ListAll(),
	}
}

func (e *Impl) Subscribe(buffer int) (<-chan *state.Snapshot, func()) {
	return e.store.Subscribe(buffer)
}

// --- Orders ---

func (e *Impl) SubmitOrder(ctx context.Context, b order.BasketOrder) (order.Result, error) {
	return e.pipeline.Submit(ctx, b)
}

func (e *Impl) GetOrder(id string) (order.Result, error) {
	r, ok := e.pipeline.Lookup(id)
	if !ok {
		return order.Result{}, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return r, nil
}

func (e *Impl) CancelOrder(ctx context.Context, id string) (order.Result, error) {
	return e.pipeline.Cancel(ctx, id)
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) SystemStatus {
	now := time.Now()
	st := SystemStatus{
		Version:         e.meta.Version,
		Venue:           e.meta.Venue,
		Symbols:         e.meta.Symbols,
		StartedAt:       e.meta.StartedAt,
		ServerTime:      now,
		Uptime:          now.Sub(e.meta.StartedAt).Round(time.Second).String(),
		SnapshotVersion: e.store.Read().Version(),
		Strategies:      make(map[string]int),
		Database:        "disabled",
		Healthy:         true,
	}
	for _, h := range e.supervisor.ListAll() {
		st.Strategies[string(h.State)]++
	}
	if e.db != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := e.db.Ping(pctx); err != nil {
			st.Database = "error: " + err.Error()
			st.Healthy = false
		} else {
			st.Database = "ok"
		}
	}
	return st
}
