// Package engine is the single surface the HTTP layer talks to. It composes
// the supervisor, the order pipeline and the state store.
package engine

import (
	"context"
	"time"

	"trading-desk/internal/order"
	"trading-desk/internal/state"
	"trading-desk/internal/strategy"
)

// Service defines the trading desk operations exposed to the API layer.
type Service interface {
	// Strategy commands
	StartStrategy(ctx context.Context, name string) (strategy.Handle, error)
	StopStrategy(ctx context.Context, name string, timeout time.Duration) (strategy.Handle, error)

	// Strategy queries
	StrategyStatus(name string) (strategy.Handle, error)
	ListStrategies() []strategy.Handle

	// State
	GetState() StateView
	Subscribe(buffer int) (<-chan *state.Snapshot, func())

	// Orders
	SubmitOrder(ctx context.Context, b order.BasketOrder) (order.Result, error)
	GetOrder(id string) (order.Result, error)
	CancelOrder(ctx context.Context, id string) (order.Result, error)

	// System
	GetSystemStatus(ctx context.Context) SystemStatus
}

// Pinger reports whether a dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}
