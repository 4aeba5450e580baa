package order

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-desk/internal/state"
	"trading-desk/pkg/exchanges/common"
)

// Intent says whether a basket opens or closes exposure.
type Intent string

const (
	IntentEntry Intent = "ENTRY"
	IntentExit  Intent = "EXIT"
)

func (i Intent) Valid() bool { return i == IntentEntry || i == IntentExit }

// Status is the lifecycle state of a basket or one of its legs.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPartial   Status = "PARTIAL"
	StatusFilled    Status = "FILLED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// OrderLeg is one instrument order inside a basket.
type OrderLeg struct {
	Symbol    string           `json:"symbol"`
	Side      common.Side      `json:"side"`
	Quantity  decimal.Decimal  `json:"quantity"`
	OrderType common.OrderType `json:"order_type"`
	Price     decimal.Decimal  `json:"price"` // LIMIT only
}

// BasketOrder groups legs submitted under one idempotency key (ID).
type BasketOrder struct {
	ID          string     `json:"id"`
	Legs        []OrderLeg `json:"legs"`
	Intent      Intent     `json:"execution_intent"`
	Strategy    string     `json:"strategy,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

// LegResult is a leg with its execution progress.
type LegResult struct {
	OrderLeg
	ClientID      string          `json:"client_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Status        Status          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
}

// Working reports whether the broker may still fill the leg.
func (l LegResult) Working() bool {
	return l.Status == StatusPending || l.Status == StatusPartial
}

// Remaining is the unfilled quantity.
func (l LegResult) Remaining() decimal.Decimal {
	return l.Quantity.Sub(l.FilledQty)
}

// addFill folds qty@px into the leg's running average.
func (l *LegResult) addFill(qty, px decimal.Decimal) {
	total := l.FilledQty.Add(qty)
	if total.IsZero() {
		return
	}
	l.AvgFillPrice = l.AvgFillPrice.Mul(l.FilledQty).Add(px.Mul(qty)).Div(total)
	l.FilledQty = total
	switch {
	case l.FilledQty.GreaterThanOrEqual(l.Quantity):
		l.Status = StatusFilled
	case l.Status == StatusPending:
		l.Status = StatusPartial
	}
}

// Rejection explains why a leg, or the basket as a whole (Leg == -1), was refused.
type Rejection struct {
	Leg    int    `json:"leg"`
	Reason string `json:"reason"`
}

// Result is the outcome of a submission. Later fills and cancels update it.
type Result struct {
	ID          string      `json:"id"`
	Intent      Intent      `json:"execution_intent"`
	Strategy    string      `json:"strategy,omitempty"`
	Status      Status      `json:"status"`
	Legs        []LegResult `json:"legs"`
	Rejections  []Rejection `json:"rejections,omitempty"`
	Version     uint64      `json:"snapshot_version,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Settled reports whether no leg is still working.
func (r Result) Settled() bool {
	for _, l := range r.Legs {
		if l.Working() {
			return false
		}
	}
	return true
}

func (r Result) clone() Result {
	r.Legs = append([]LegResult(nil), r.Legs...)
	r.Rejections = append([]Rejection(nil), r.Rejections...)
	return r
}

// basketStatus derives the basket status from its legs.
func basketStatus(legs []LegResult) Status {
	var filled, rejected, cancelled, working int
	anyFill := false
	for _, l := range legs {
		if l.FilledQty.IsPositive() {
			anyFill = true
		}
		switch l.Status {
		case StatusFilled:
			filled++
		case StatusRejected:
			rejected++
		case StatusCancelled:
			cancelled++
		default:
			working++
		}
	}
	switch {
	case len(legs) > 0 && filled == len(legs):
		return StatusFilled
	case anyFill:
		return StatusPartial
	case working > 0:
		return StatusPending
	case cancelled > 0:
		return StatusCancelled
	default:
		return StatusRejected
	}
}

// record converts r to the snapshot's basket view.
func (r Result) record() state.Basket {
	legs := make([]state.BasketLeg, len(r.Legs))
	for i, l := range r.Legs {
		legs[i] = state.BasketLeg{
			Symbol:        l.Symbol,
			Side:          string(l.Side),
			OrderType:     string(l.OrderType),
			Quantity:      l.Quantity,
			Price:         l.Price,
			FilledQty:     l.FilledQty,
			AvgFillPrice:  l.AvgFillPrice,
			Status:        string(l.Status),
			BrokerOrderID: l.BrokerOrderID,
			Reason:        l.Reason,
		}
	}
	return state.Basket{
		ID:          r.ID,
		Intent:      string(r.Intent),
		Strategy:    r.Strategy,
		Status:      string(r.Status),
		Legs:        legs,
		SubmittedAt: r.SubmittedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
