package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-desk/internal/order"
	"trading-desk/internal/state"
)

var (
	ErrAlreadyRunning = errors.New("strategy: already running")
	ErrNotRunning     = errors.New("strategy: not running")
	ErrNotFound       = errors.New("strategy: not found")
	ErrStopTimeout    = errors.New("strategy: stop timed out")
	ErrFactory        = errors.New("strategy: factory failed")
	ErrUnknownKind    = errors.New("strategy: unknown kind")
)

// State is the lifecycle state of a strategy handle.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateFailed   State = "FAILED"
)

// AllStates lists every state, used to zero the metrics gauge.
var AllStates = []string{
	string(StateStopped),
	string(StateStarting),
	string(StateRunning),
	string(StateStopping),
	string(StateFailed),
}

// Active reports whether a worker may be attached to the handle.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Handle is a copy of a strategy's supervisor record.
type Handle struct {
	Name      string     `json:"name"`
	Kind      string     `json:"kind,omitempty"`
	State     State      `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Strategy is a long-running unit of trading logic. Run must return soon
// after ctx is cancelled; OnCancel releases anything Run may be blocked on.
type Strategy interface {
	Run(ctx context.Context, env Env) error
	OnCancel()
}

// Factory builds a fresh Strategy for each start.
type Factory func() (Strategy, error)

// PriceSource yields last traded prices.
type PriceSource interface {
	LatestPrice(symbol string) (decimal.Decimal, bool)
}

// SnapshotReader exposes the latest trading state.
type SnapshotReader interface {
	Read() *state.Snapshot
}

// OrderSubmitter sends baskets into the order pipeline.
type OrderSubmitter interface {
	Submit(ctx context.Context, b order.BasketOrder) (order.Result, error)
}

// Env bundles what a running strategy may touch.
type Env struct {
	Name     string
	Symbol   string
	Interval time.Duration
	Params   Params
	Prices   PriceSource
	State    SnapshotReader
	Orders   OrderSubmitter
	Log      zerolog.Logger
}
