package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-desk/internal/indicators"
)

// meanRevert fades moves away from the rolling mean and flattens once price
// comes back inside a quarter of the threshold.
type meanRevert struct {
	window    *indicators.Window
	threshold float64 // fractional distance from the mean, e.g. 0.01
}

func newMeanRevert(cfg Config) (Strategy, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("mean_revert %s: symbol is required", cfg.Name)
	}
	window := cfg.Params.Int("window", 20)
	threshold := cfg.Params.Float("threshold", 0.01)
	size := cfg.Params.Decimal("size", decimal.NewFromInt(1))
	if window < 2 || threshold <= 0 || !size.IsPositive() {
		return nil, fmt.Errorf("mean_revert %s: need window>=2, threshold>0, size>0", cfg.Name)
	}
	return newSignalStrategy(&meanRevert{
		window:    indicators.NewWindow(window),
		threshold: threshold,
	}, size), nil
}

func (m *meanRevert) Observe(price float64) Action {
	m.window.Push(price)
	if !m.window.Full() {
		return Hold
	}
	mean := indicators.SMA(m.window.Values(), m.window.Len())
	if mean == 0 {
		return Hold
	}
	dev := (price - mean) / mean
	switch {
	case dev <= -m.threshold:
		return GoLong
	case dev >= m.threshold:
		return GoShort
	case dev > -m.threshold/4 && dev < m.threshold/4:
		return GoFlat
	}
	return Hold
}
