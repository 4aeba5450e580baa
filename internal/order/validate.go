package order

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-desk/internal/state"
	"trading-desk/pkg/exchanges/common"
)

const maxLegs = 32

// Validate checks the shape of a basket without touching any state.
func Validate(b BasketOrder) []Rejection {
	var out []Rejection
	if b.ID == "" {
		out = append(out, Rejection{Leg: -1, Reason: "id is required"})
	}
	if !b.Intent.Valid() {
		out = append(out, Rejection{Leg: -1, Reason: fmt.Sprintf("unknown execution intent %q", b.Intent)})
	}
	switch {
	case len(b.Legs) == 0:
		out = append(out, Rejection{Leg: -1, Reason: "at least one leg is required"})
	case len(b.Legs) > maxLegs:
		out = append(out, Rejection{Leg: -1, Reason: fmt.Sprintf("too many legs (max %d)", maxLegs)})
	}
	for i, l := range b.Legs {
		if l.Symbol == "" {
			out = append(out, Rejection{Leg: i, Reason: "symbol is required"})
		}
		if !l.Side.Valid() {
			out = append(out, Rejection{Leg: i, Reason: fmt.Sprintf("unknown side %q", l.Side)})
		}
		if !l.Quantity.IsPositive() {
			out = append(out, Rejection{Leg: i, Reason: "quantity must be positive"})
		}
		if !l.OrderType.Valid() {
			out = append(out, Rejection{Leg: i, Reason: fmt.Sprintf("unknown order type %q", l.OrderType)})
		} else if l.OrderType == common.OrderTypeLimit && !l.Price.IsPositive() {
			out = append(out, Rejection{Leg: i, Reason: "limit order requires a positive price"})
		}
	}
	return out
}

// checkExit verifies that every EXIT leg closes part of an open position in snap.
// Legs on the same symbol are summed before comparing with the position size.
func checkExit(snap *state.Snapshot, b BasketOrder) error {
	type agg struct {
		side common.Side
		qty  decimal.Decimal
		leg  int
	}
	bySymbol := make(map[string]*agg)
	var order []string
	for i, l := range b.Legs {
		a, ok := bySymbol[l.Symbol]
		if !ok {
			bySymbol[l.Symbol] = &agg{side: l.Side, qty: l.Quantity, leg: i}
			order = append(order, l.Symbol)
			continue
		}
		if a.side != l.Side {
			return reject(ErrValidation, Rejection{Leg: i, Reason: fmt.Sprintf("exit legs on %s disagree on side", l.Symbol)})
		}
		a.qty = a.qty.Add(l.Quantity)
	}

	var missing, oversized []Rejection
	for _, sym := range order {
		a := bySymbol[sym]
		pos, ok := snap.Position(sym)
		if !ok || pos.Quantity.IsZero() {
			missing = append(missing, Rejection{Leg: a.leg, Reason: fmt.Sprintf("no open position in %s", sym)})
			continue
		}
		closing := common.SideSell
		if pos.Quantity.IsNegative() {
			closing = common.SideBuy
		}
		if a.side != closing {
			missing = append(missing, Rejection{Leg: a.leg, Reason: fmt.Sprintf("%s position is %s; exit must %s", sym, pos.Quantity, closing)})
			continue
		}
		if a.qty.GreaterThan(pos.Quantity.Abs()) {
			oversized = append(oversized, Rejection{Leg: a.leg, Reason: fmt.Sprintf("exit quantity %s exceeds open %s in %s", a.qty, pos.Quantity.Abs(), sym)})
		}
	}
	if len(missing) > 0 {
		return reject(ErrNoOpenPosition, missing...)
	}
	if len(oversized) > 0 {
		return reject(ErrValidation, oversized...)
	}
	return nil
}
