package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-desk/internal/indicators"
)

// maCross goes long on a golden cross (fast MA above slow) and short on a death cross.
type maCross struct {
	fast, slow int
	window     *indicators.Window

	fastMA, slowMA float64
	primed         bool
}

func newMACross(cfg Config) (Strategy, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("ma_cross %s: symbol is required", cfg.Name)
	}
	fast := cfg.Params.Int("fast", 10)
	slow := cfg.Params.Int("slow", 30)
	size := cfg.Params.Decimal("size", decimal.NewFromInt(1))
	if fast < 1 || slow <= fast || !size.IsPositive() {
		return nil, fmt.Errorf("ma_cross %s: need 0<fast<slow and size>0", cfg.Name)
	}
	return newSignalStrategy(&maCross{fast: fast, slow: slow, window: indicators.NewWindow(slow)}, size), nil
}

func (s *maCross) Observe(price float64) Action {
	s.window.Push(price)
	if !s.window.Full() {
		return Hold
	}
	oldFast, oldSlow := s.fastMA, s.slowMA
	s.fastMA = indicators.SMA(s.window.Values(), s.fast)
	s.slowMA = indicators.SMA(s.window.Values(), s.slow)
	if !s.primed {
		s.primed = true
		return Hold
	}

	switch {
	case oldFast <= oldSlow && s.fastMA > s.slowMA:
		return GoLong
	case oldFast >= oldSlow && s.fastMA < s.slowMA:
		return GoShort
	}
	return Hold
}
