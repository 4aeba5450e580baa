package events

import "time"

// Event enumerates topics inside the trading desk.
type Event string

const (
	EventPriceTick        Event = "price_tick"
	EventStrategyState    Event = "strategy.state"
	EventOrderSubmitted   Event = "order.submitted"
	EventOrderFilled      Event = "order.filled"
	EventOrderPartial     Event = "order.partially_filled"
	EventOrderRejected    Event = "order.rejected"
	EventOrderCancelled   Event = "order.cancelled"
	EventOperationalAlert Event = "alert.operational"
)

// Alert kinds.
const (
	AlertStopTimeout    = "stop_timeout"
	AlertStrategyFailed = "strategy_failed"
	AlertJournal        = "journal"
)

// Alert describes a degraded condition that operators should see.
type Alert struct {
	Kind    string
	Subject string
	Message string
	At      time.Time
}

// Tick is a last-traded-price update.
type Tick struct {
	Symbol string
	Price  string // decimal string keeps the bus free of numeric deps
	At     time.Time
}

// StrategyTransition is published on every strategy state change.
type StrategyTransition struct {
	Name      string
	Kind      string
	From      string
	To        string
	LastError string
	At        time.Time
}
