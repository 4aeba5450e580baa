package state

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-desk/pkg/exchanges/common"
)

// ApplyFill folds f into p and returns the new position, the PnL realized by
// the fill and whether the position is still open.
//
// Adding to a position moves the average price to the quantity-weighted mean.
// Reducing books (price - avg) * closedQty on the side being closed and keeps
// the average. A fill that crosses zero opens the remainder at the fill price.
func ApplyFill(p Position, f Fill) (Position, decimal.Decimal, bool) {
	signed := f.Qty
	if f.Side == common.SideSell {
		signed = signed.Neg()
	}
	realized := decimal.Zero
	p.Symbol = f.Symbol

	switch {
	case p.Quantity.IsZero():
		p.Quantity = signed
		p.AveragePrice = f.Price
	case p.Quantity.Sign() == signed.Sign():
		held := p.Quantity.Abs()
		total := held.Add(f.Qty)
		p.AveragePrice = p.AveragePrice.Mul(held).Add(f.Price.Mul(f.Qty)).Div(total)
		p.Quantity = p.Quantity.Add(signed)
	default:
		closed := decimal.Min(p.Quantity.Abs(), f.Qty)
		realized = f.Price.Sub(p.AveragePrice).Mul(closed).Mul(decimal.NewFromInt(int64(p.Quantity.Sign())))
		before := p.Quantity.Sign()
		p.Quantity = p.Quantity.Add(signed)
		if !p.Quantity.IsZero() && p.Quantity.Sign() != before {
			p.AveragePrice = f.Price
		}
	}

	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p = p.Mark(f.Price, f.At)
	return p, realized, !p.Quantity.IsZero()
}

// Mark reprices the position at ltp.
func (p Position) Mark(ltp decimal.Decimal, at time.Time) Position {
	p.LastTradedPrice = ltp
	p.UnrealizedPnL = ltp.Sub(p.AveragePrice).Mul(p.Quantity)
	p.UpdatedAt = at
	return p
}

// Mark reprices the holding at ltp.
func (h Holding) Mark(ltp decimal.Decimal, at time.Time) Holding {
	h.LastTradedPrice = ltp
	h.NetPnL = ltp.Sub(h.AveragePrice).Mul(h.Quantity)
	h.UpdatedAt = at
	return h
}
