package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-desk/internal/monitor"
	"trading-desk/internal/state"
)

// Manager applies pre-trade limits to ENTRY baskets and counts how many
// baskets went out today.
type Manager struct {
	mu      sync.RWMutex
	limits  Limits
	prices  state.PriceSource
	metrics Metrics
	now     func() time.Time
	log     zerolog.Logger
}

// NewManager creates a risk manager. prices may be nil, in which case only
// explicit limit prices and position marks are used for notional checks.
func NewManager(limits Limits, prices state.PriceSource, log zerolog.Logger) *Manager {
	m := &Manager{
		limits: limits,
		prices: prices,
		now:    time.Now,
		log:    log.With().Str("component", "risk").Logger(),
	}
	m.log.Info().
		Str("max_leg_qty", limits.MaxLegQuantity.String()).
		Str("max_order_notional", limits.MaxOrderNotional.String()).
		Str("max_position_notional", limits.MaxPositionNotional.String()).
		Str("max_total_exposure", limits.MaxTotalExposure.String()).
		Int("max_daily_baskets", limits.MaxDailyBaskets).
		Bool("enabled", limits.Enabled()).
		Msg("risk manager initialized")
	return m
}

func (m *Manager) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// SetLimits replaces the active limits. Daily counters are kept.
func (m *Manager) SetLimits(l Limits) {
	m.mu.Lock()
	m.limits = l
	m.mu.Unlock()
	m.log.Info().Bool("enabled", l.Enabled()).Msg("risk limits updated")
}

// Evaluate checks legs against the limits using positions from snap.
// Every violation is reported, not just the first.
func (m *Manager) Evaluate(snap *state.Snapshot, legs []Leg) Decision {
	m.mu.Lock()
	m.rolloverLocked()
	cfg := m.limits
	daily := m.metrics.DailyBaskets
	m.metrics.ChecksTotal++
	m.mu.Unlock()

	var out []Violation

	// 1. Daily basket count.
	if cfg.MaxDailyBaskets > 0 && daily >= cfg.MaxDailyBaskets {
		out = append(out, Violation{Leg: -1, Reason: fmt.Sprintf("daily basket limit reached: %d/%d", daily, cfg.MaxDailyBaskets)})
	}

	// 2. Per-leg size and notional.
	refs := make([]decimal.Decimal, len(legs))
	for i, l := range legs {
		if cfg.MaxLegQuantity.IsPositive() && l.Quantity.GreaterThan(cfg.MaxLegQuantity) {
			out = append(out, Violation{Leg: i, Reason: fmt.Sprintf("quantity %s exceeds max %s", l.Quantity, cfg.MaxLegQuantity)})
		}
		if !cfg.needsPrice() {
			continue
		}
		px, ok := m.refPrice(snap, l)
		if !ok {
			out = append(out, Violation{Leg: i, Reason: fmt.Sprintf("no reference price for %s", l.Symbol)})
			continue
		}
		refs[i] = px
		notional := l.Quantity.Mul(px)
		if cfg.MaxOrderNotional.IsPositive() && notional.GreaterThan(cfg.MaxOrderNotional) {
			out = append(out, Violation{Leg: i, Reason: fmt.Sprintf("order notional %s exceeds max %s", notional.StringFixed(2), cfg.MaxOrderNotional)})
		}
	}

	// 3. Resulting exposure per symbol and in total.
	if cfg.MaxPositionNotional.IsPositive() || cfg.MaxTotalExposure.IsPositive() {
		after := make(map[string]decimal.Decimal)
		marks := make(map[string]decimal.Decimal)
		firstLeg := make(map[string]int)
		for _, p := range snap.Positions() {
			after[p.Symbol] = p.Quantity
			marks[p.Symbol] = p.LastTradedPrice
		}
		for i, l := range legs {
			if refs[i].IsZero() {
				continue
			}
			after[l.Symbol] = after[l.Symbol].Add(l.signed())
			marks[l.Symbol] = refs[i]
			if _, seen := firstLeg[l.Symbol]; !seen {
				firstLeg[l.Symbol] = i
			}
		}
		total := decimal.Zero
		for sym, qty := range after {
			exposure := qty.Abs().Mul(marks[sym])
			total = total.Add(exposure)
			leg, touched := firstLeg[sym]
			if touched && cfg.MaxPositionNotional.IsPositive() && exposure.GreaterThan(cfg.MaxPositionNotional) {
				out = append(out, Violation{Leg: leg, Reason: fmt.Sprintf("%s exposure %s exceeds max %s", sym, exposure.StringFixed(2), cfg.MaxPositionNotional)})
			}
		}
		if cfg.MaxTotalExposure.IsPositive() && total.GreaterThan(cfg.MaxTotalExposure) {
			out = append(out, Violation{Leg: -1, Reason: fmt.Sprintf("total exposure %s exceeds max %s", total.StringFixed(2), cfg.MaxTotalExposure)})
		}
	}

	if len(out) == 0 {
		return Decision{Allowed: true}
	}
	m.mu.Lock()
	m.metrics.RejectionsTotal++
	m.mu.Unlock()
	monitor.RiskRejections.Inc()
	m.log.Warn().Int("violations", len(out)).Str("first", out[0].Reason).Msg("basket refused by risk limits")
	return Decision{Violations: out}
}

// RecordBasket counts a basket that was sent to the broker.
func (m *Manager) RecordBasket() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	m.metrics.DailyBaskets++
}

// GetMetrics returns current counters.
func (m *Manager) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	return m.metrics
}

// rolloverLocked resets daily counters on a new calendar day. Caller holds m.mu.
func (m *Manager) rolloverLocked() {
	today := m.now().Format("2006-01-02")
	if m.metrics.Day == today {
		return
	}
	if m.metrics.Day != "" {
		m.log.Info().Str("day", m.metrics.Day).Int("baskets", m.metrics.DailyBaskets).Msg("daily risk counters reset")
	}
	m.metrics.Day = today
	m.metrics.DailyBaskets = 0
}

// refPrice prefers an explicit limit price, then the live feed, then the
// position's last mark.
func (m *Manager) refPrice(snap *state.Snapshot, l Leg) (decimal.Decimal, bool) {
	if l.Price.IsPositive() {
		return l.Price, true
	}
	if m.prices != nil {
		if px, ok := m.prices.LatestPrice(l.Symbol); ok && px.IsPositive() {
			return px, true
		}
	}
	if p, ok := snap.Position(l.Symbol); ok && p.LastTradedPrice.IsPositive() {
		return p.LastTradedPrice, true
	}
	return decimal.Zero, false
}
