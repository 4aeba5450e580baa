package risk

import (
	"github.com/shopspring/decimal"

	"trading-desk/pkg/exchanges/common"
)

// Limits caps what an ENTRY basket may add to the book. A zero value
// disables that limit.
type Limits struct {
	MaxLegQuantity      decimal.Decimal `json:"max_leg_quantity"`
	MaxOrderNotional    decimal.Decimal `json:"max_order_notional"`    // per leg
	MaxPositionNotional decimal.Decimal `json:"max_position_notional"` // per symbol, after the basket
	MaxTotalExposure    decimal.Decimal `json:"max_total_exposure"`    // all symbols, after the basket
	MaxDailyBaskets     int             `json:"max_daily_baskets"`
}

// Enabled reports whether any limit is set.
func (l Limits) Enabled() bool {
	return l.MaxLegQuantity.IsPositive() ||
		l.MaxOrderNotional.IsPositive() ||
		l.MaxPositionNotional.IsPositive() ||
		l.MaxTotalExposure.IsPositive() ||
		l.MaxDailyBaskets > 0
}

func (l Limits) needsPrice() bool {
	return l.MaxOrderNotional.IsPositive() || l.MaxPositionNotional.IsPositive() || l.MaxTotalExposure.IsPositive()
}

// Leg is the part of an order the guard looks at. Price may be zero for
// market orders; the latest traded price is used instead.
type Leg struct {
	Symbol   string
	Side     common.Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

func (l Leg) signed() decimal.Decimal {
	if l.Side == common.SideSell {
		return l.Quantity.Neg()
	}
	return l.Quantity
}

// Violation names the leg (or -1 for the whole basket) that broke a limit.
type Violation struct {
	Leg    int
	Reason string
}

// Decision is the result of evaluating one basket.
type Decision struct {
	Allowed    bool
	Violations []Violation
}

// Metrics are running counters for the guard.
type Metrics struct {
	Day             string `json:"day"`
	DailyBaskets    int    `json:"daily_baskets"`
	ChecksTotal     uint64 `json:"checks_total"`
	RejectionsTotal uint64 `json:"rejections_total"`
}
