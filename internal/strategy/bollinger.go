package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-desk/internal/indicators"
)

// bollinger buys the lower band, sells the upper band and flattens when
// price crosses the middle band.
type bollinger struct {
	period    int
	numStdDev float64
	window    *indicators.Window
	lastSide  Action
}

func newBollinger(cfg Config) (Strategy, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("bollinger %s: symbol is required", cfg.Name)
	}
	period := cfg.Params.Int("period", 20)
	k := cfg.Params.Float("std_dev", 2)
	size := cfg.Params.Decimal("size", decimal.NewFromInt(1))
	if period < 2 || k <= 0 || !size.IsPositive() {
		return nil, fmt.Errorf("bollinger %s: need period>=2, std_dev>0, size>0", cfg.Name)
	}
	return newSignalStrategy(&bollinger{period: period, numStdDev: k, window: indicators.NewWindow(period)}, size), nil
}

func (b *bollinger) Observe(price float64) Action {
	b.window.Push(price)
	if !b.window.Full() {
		return Hold
	}
	mid := indicators.SMA(b.window.Values(), b.period)
	band := b.numStdDev * indicators.StdDev(b.window.Values(), b.period)

	switch {
	case band > 0 && price <= mid-band:
		b.lastSide = GoLong
		return GoLong
	case band > 0 && price >= mid+band:
		b.lastSide = GoShort
		return GoShort
	case b.lastSide == GoLong && price >= mid, b.lastSide == GoShort && price <= mid:
		b.lastSide = GoFlat
		return GoFlat
	}
	return Hold
}
