package common

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ThrottledGateway paces calls to a venue with a token bucket. It forwards
// FillNotifier and Sequencer from the wrapped gateway.
type ThrottledGateway struct {
	gw      Gateway
	limiter *rate.Limiter
	log     zerolog.Logger

	mu        sync.Mutex
	used      int
	window    time.Duration
	lastReset time.Time
	limit     int
	now       func() time.Time
}

// Throttle wraps gw so at most perSecond calls (with burst) reach it.
// A non-positive perSecond returns a wrapper that never waits.
func Throttle(gw Gateway, perSecond float64, burst int, log zerolog.Logger) *ThrottledGateway {
	lim := rate.Inf
	if perSecond > 0 {
		lim = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	limit := int(perSecond * 60)
	return &ThrottledGateway{
		gw:        gw,
		limiter:   rate.NewLimiter(lim, burst),
		log:       log.With().Str("component", "throttle").Logger(),
		window:    time.Minute,
		lastReset: time.Now(),
		limit:     limit,
		now:       time.Now,
	}
}

func (t *ThrottledGateway) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := t.wait(ctx); err != nil {
		return OrderResult{}, err
	}
	return t.gw.SubmitOrder(ctx, req)
}

func (t *ThrottledGateway) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.gw.CancelOrder(ctx, symbol, brokerOrderID)
}

// Fills forwards the wrapped gateway's fill stream, or nil when it has none.
func (t *ThrottledGateway) Fills() <-chan Fill {
	if n, ok := t.gw.(FillNotifier); ok {
		return n.Fills()
	}
	return nil
}

func (t *ThrottledGateway) RequiresSequencing() bool {
	s, ok := t.gw.(Sequencer)
	return ok && s.RequiresSequencing()
}

// Usage returns calls made in the current one-minute window and the
// per-minute budget (0 when unlimited).
func (t *ThrottledGateway) Usage() (used, limit int, percentage float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
	if t.limit <= 0 {
		return t.used, 0, 0
	}
	return t.used, t.limit, float64(t.used) / float64(t.limit) * 100
}

func (t *ThrottledGateway) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		// Retried by the caller while its context allows.
		return Transient(err)
	}

	t.mu.Lock()
	t.resetLocked()
	t.used++
	used, limit := t.used, t.limit
	t.mu.Unlock()

	if limit <= 0 {
		return nil
	}
	pct := float64(used) / float64(limit) * 100
	switch {
	case pct >= 95:
		t.log.Warn().Int("used", used).Int("limit", limit).Float64("pct", pct).Msg("venue call budget critical")
	case pct >= 80:
		t.log.Debug().Int("used", used).Int("limit", limit).Float64("pct", pct).Msg("venue call budget warning")
	}
	return nil
}

func (t *ThrottledGateway) resetLocked() {
	if now := t.now(); now.Sub(t.lastReset) >= t.window {
		t.used = 0
		t.lastReset = now
	}
}
