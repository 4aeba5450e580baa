package state

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trading-desk/internal/monitor"
	"trading-desk/pkg/exchanges/common"
)

var (
	ErrEmptyUpdate   = errors.New("state: empty update")
	ErrInvalidUpdate = errors.New("state: invalid update")
	ErrInvalidFill   = errors.New("state: invalid fill")
)

// Fill is an execution to fold into intraday positions.
type Fill struct {
	Symbol string
	Side   common.Side
	Qty    decimal.Decimal
	Price  decimal.Decimal
	At     time.Time
}

// Update is a delta applied atomically by Publish. Within one update removals
// run first, then upserts, fills, price marks and finally basket records.
type Update struct {
	Source string // metrics label; defaults to "unknown"

	Positions       []Position
	RemovePositions []string
	Holdings        []Holding
	RemoveHoldings  []string
	Fills           []Fill
	Prices          map[string]decimal.Decimal
	Baskets         []Basket
}

func (u Update) empty() bool {
	return len(u.Positions) == 0 && len(u.RemovePositions) == 0 &&
		len(u.Holdings) == 0 && len(u.RemoveHoldings) == 0 &&
		len(u.Fills) == 0 && len(u.Prices) == 0 && len(u.Baskets) == 0
}

func (u Update) validate() error {
	for _, p := range u.Positions {
		if p.Symbol == "" {
			return fmt.Errorf("%w: position without symbol", ErrInvalidUpdate)
		}
	}
	for _, h := range u.Holdings {
		if h.Symbol == "" {
			return fmt.Errorf("%w: holding without symbol", ErrInvalidUpdate)
		}
	}
	for _, b := range u.Baskets {
		if b.ID == "" {
			return fmt.Errorf("%w: basket without id", ErrInvalidUpdate)
		}
	}
	for sym, px := range u.Prices {
		if sym == "" || !px.IsPositive() {
			return fmt.Errorf("%w: bad price %q=%s", ErrInvalidUpdate, sym, px)
		}
	}
	for _, f := range u.Fills {
		if f.Symbol == "" || !f.Side.Valid() || !f.Qty.IsPositive() || !f.Price.IsPositive() {
			return fmt.Errorf("%w: %s %s %s@%s", ErrInvalidFill, f.Symbol, f.Side, f.Qty, f.Price)
		}
	}
	return nil
}

type subscriber struct {
	ch chan *Snapshot
}

// Store holds the latest Snapshot behind an atomic pointer. Writers are
// serialized; readers never block.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]

	subMu  sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64

	log zerolog.Logger
	now func() time.Time
}

// NewStore returns a store holding an empty version-0 snapshot.
func NewStore(log zerolog.Logger) *Store {
	s := &Store{
		subs: make(map[uint64]*subscriber),
		log:  log.With().Str("component", "state").Logger(),
		now:  time.Now,
	}
	s.current.Store(emptySnapshot())
	return s
}

// Read returns the latest snapshot.
func (s *Store) Read() *Snapshot {
	return s.current.Load()
}

// Publish applies u to the latest snapshot and installs the result as the next version.
// An invalid update is rejected as a whole and the version does not move.
func (s *Store) Publish(u Update) (uint64, error) {
	if u.empty() {
		return 0, ErrEmptyUpdate
	}
	if err := u.validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	next := prev.clone()
	now := s.now()
	apply(next, u, now)
	next.version = prev.version + 1
	next.capturedAt = now
	s.current.Store(next)

	source := u.Source
	if source == "" {
		source = "unknown"
	}
	monitor.SnapshotPublishes.WithLabelValues(source).Inc()
	monitor.SnapshotVersion.Set(float64(next.version))
	s.log.Debug().Uint64("version", next.version).Str("source", source).Msg("snapshot published")

	s.notify(next)
	return next.version, nil
}

func apply(next *Snapshot, u Update, now time.Time) {
	for _, sym := range u.RemovePositions {
		delete(next.positions, sym)
	}
	for _, sym := range u.RemoveHoldings {
		delete(next.holdings, sym)
	}
	// Upserts carry their own LTP; PnL is always derived from it.
	for _, p := range u.Positions {
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		if !p.LastTradedPrice.IsZero() {
			p = p.Mark(p.LastTradedPrice, p.UpdatedAt)
		}
		next.positions[p.Symbol] = p
	}
	for _, h := range u.Holdings {
		if h.UpdatedAt.IsZero() {
			h.UpdatedAt = now
		}
		if !h.LastTradedPrice.IsZero() {
			h = h.Mark(h.LastTradedPrice, h.UpdatedAt)
		}
		next.holdings[h.Symbol] = h
	}
	for _, f := range u.Fills {
		if f.At.IsZero() {
			f.At = now
		}
		pos, realized, open := ApplyFill(next.positions[f.Symbol], f)
		if open {
			next.positions[f.Symbol] = pos
		} else {
			delete(next.positions, f.Symbol)
		}
		next.realizedPnL = next.realizedPnL.Add(realized)
	}
	for sym, px := range u.Prices {
		if p, ok := next.positions[sym]; ok {
			next.positions[sym] = p.Mark(px, now)
		}
		if h, ok := next.holdings[sym]; ok {
			next.holdings[sym] = h.Mark(px, now)
		}
	}
	for _, b := range u.Baskets {
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = now
		}
		next.baskets[b.ID] = b.clone()
	}
}

// Subscribe returns a channel of published snapshots starting after the
// current version. A slow reader loses intermediate versions but never sees
// them out of order. The cancel func closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan *Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan *Snapshot, buffer)}

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			close(sub.ch)
			s.subMu.Unlock()
		})
	}
}

// notify runs under s.mu so deliveries follow version order.
func (s *Store) notify(snap *Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- snap:
			continue
		default:
		}
		// full: drop the oldest pending snapshot to make room for the newest
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
}
