package state

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Quantities and prices render as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Position is an intraday position. Quantity is signed: negative means short.
type Position struct {
	Symbol          string          `json:"symbol"`
	Quantity        decimal.Decimal `json:"quantity"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	LastTradedPrice decimal.Decimal `json:"last_traded_price"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Holding is settled inventory. It is priced like a position but never merged with one.
type Holding struct {
	Symbol          string          `json:"symbol"`
	Quantity        decimal.Decimal `json:"quantity"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	LastTradedPrice decimal.Decimal `json:"last_traded_price"`
	NetPnL          decimal.Decimal `json:"net_pnl"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Basket is the snapshot record of a submitted basket order.
type Basket struct {
	ID          string      `json:"id"`
	Intent      string      `json:"execution_intent"`
	Strategy    string      `json:"strategy,omitempty"`
	Status      string      `json:"status"`
	Legs        []BasketLeg `json:"legs"`
	SubmittedAt time.Time   `json:"submitted_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// BasketLeg is one leg of a Basket with its execution progress.
type BasketLeg struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	OrderType     string          `json:"order_type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Status        string          `json:"status"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

func (b Basket) clone() Basket {
	b.Legs = append([]BasketLeg(nil), b.Legs...)
	return b
}

// Snapshot is an immutable, versioned view of all trading state. Accessors
// return copies so callers can never mutate a published snapshot.
type Snapshot struct {
	version     uint64
	positions   map[string]Position
	holdings    map[string]Holding
	baskets     map[string]Basket
	realizedPnL decimal.Decimal
	capturedAt  time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		positions:  map[string]Position{},
		holdings:   map[string]Holding{},
		baskets:    map[string]Basket{},
		capturedAt: time.Now(),
	}
}

// Version is the monotonic publish counter; 0 means nothing was published yet.
func (s *Snapshot) Version() uint64 { return s.version }

// CapturedAt is the publish time.
func (s *Snapshot) CapturedAt() time.Time { return s.capturedAt }

// RealizedPnL is the cumulative PnL booked by closing trades.
func (s *Snapshot) RealizedPnL() decimal.Decimal { return s.realizedPnL }

// Position returns the open position for symbol.
func (s *Snapshot) Position(symbol string) (Position, bool) {
	p, ok := s.positions[symbol]
	return p, ok
}

// Holding returns the holding for symbol.
func (s *Snapshot) Holding(symbol string) (Holding, bool) {
	h, ok := s.holdings[symbol]
	return h, ok
}

// Basket returns a copy of the basket with the given id.
func (s *Snapshot) Basket(id string) (Basket, bool) {
	b, ok := s.baskets[id]
	if !ok {
		return Basket{}, false
	}
	return b.clone(), true
}

// Positions returns open positions sorted by symbol.
func (s *Snapshot) Positions() []Position {
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Holdings returns holdings sorted by symbol.
func (s *Snapshot) Holdings() []Holding {
	out := make([]Holding, 0, len(s.holdings))
	for _, h := range s.holdings {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Baskets returns baskets ordered by submission time, then id.
func (s *Snapshot) Baskets() []Basket {
	out := make([]Basket, 0, len(s.baskets))
	for _, b := range s.baskets {
		out = append(out, b.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Symbols lists every symbol held as a position or holding.
func (s *Snapshot) Symbols() []string {
	seen := make(map[string]struct{}, len(s.positions)+len(s.holdings))
	for sym := range s.positions {
		seen[sym] = struct{}{}
	}
	for sym := range s.holdings {
		seen[sym] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// View is the wire form of a snapshot.
type View struct {
	Version     uint64          `json:"version"`
	CapturedAt  time.Time       `json:"captured_at"`
	Positions   []Position      `json:"positions"`
	Holdings    []Holding       `json:"holdings"`
	Baskets     []Basket        `json:"baskets"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// View copies the snapshot into its wire form.
func (s *Snapshot) View() View {
	return View{
		Version:     s.version,
		CapturedAt:  s.capturedAt,
		Positions:   s.Positions(),
		Holdings:    s.Holdings(),
		Baskets:     s.Baskets(),
		RealizedPnL: s.realizedPnL,
	}
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.View())
}

// clone copies the maps so the next version can be built without touching this one.
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		version:     s.version,
		positions:   make(map[string]Position, len(s.positions)),
		holdings:    make(map[string]Holding, len(s.holdings)),
		baskets:     make(map[string]Basket, len(s.baskets)),
		realizedPnL: s.realizedPnL,
	}
	for k, v := range s.positions {
		next.positions[k] = v
	}
	for k, v := range s.holdings {
		next.holdings[k] = v
	}
	// Basket values are only ever replaced whole, so sharing leg slices is safe.
	for k, v := range s.baskets {
		next.baskets[k] = v
	}
	return next
}
