package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-desk/internal/indicators"
)

// rsiSignal buys oversold and sells overbought readings.
type rsiSignal struct {
	period               int
	oversold, overbought float64
	window               *indicators.Window
}

func newRSI(cfg Config) (Strategy, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("rsi %s: symbol is required", cfg.Name)
	}
	period := cfg.Params.Int("period", 14)
	oversold := cfg.Params.Float("oversold", 30)
	overbought := cfg.Params.Float("overbought", 70)
	size := cfg.Params.Decimal("size", decimal.NewFromInt(1))
	if period < 2 || oversold >= overbought || !size.IsPositive() {
		return nil, fmt.Errorf("rsi %s: need period>=2, oversold<overbought, size>0", cfg.Name)
	}
	return newSignalStrategy(&rsiSignal{
		period:     period,
		oversold:   oversold,
		overbought: overbought,
		window:     indicators.NewWindow(period + 1),
	}, size), nil
}

func (s *rsiSignal) Observe(price float64) Action {
	s.window.Push(price)
	if !s.window.Full() {
		return Hold
	}
	rsi := indicators.RSI(s.window.Values(), s.period)
	switch {
	case rsi < s.oversold:
		return GoLong
	case rsi > s.overbought:
		return GoShort
	}
	return Hold
}
