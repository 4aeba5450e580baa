package cache

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const shardCount = 16

// ShardedPriceCache maps symbol to last traded price. Symbols hash onto
// independent shards so tick writers and price readers rarely share a lock.
type ShardedPriceCache struct {
	shards [shardCount]shard
	now    func() time.Time
}

type shard struct {
	mu     sync.RWMutex
	prices map[string]stamped
}

type stamped struct {
	px decimal.Decimal
	at time.Time
}

func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{now: time.Now}
	for i := range c.shards {
		c.shards[i].prices = make(map[string]stamped)
	}
	return c
}

// shardFor is FNV-1a over the symbol bytes.
func (c *ShardedPriceCache) shardFor(symbol string) *shard {
	h := uint32(2166136261)
	for i := 0; i < len(symbol); i++ {
		h ^= uint32(symbol[i])
		h *= 16777619
	}
	return &c.shards[h%shardCount]
}

func (c *ShardedPriceCache) lookup(symbol string) (stamped, bool) {
	s := c.shardFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.prices[symbol]
	return e, ok
}

// Set records px as the latest price for symbol.
func (c *ShardedPriceCache) Set(symbol string, px decimal.Decimal) {
	s := c.shardFor(symbol)
	at := c.now()
	s.mu.Lock()
	s.prices[symbol] = stamped{px: px, at: at}
	s.mu.Unlock()
}

func (c *ShardedPriceCache) Get(symbol string) (decimal.Decimal, bool) {
	e, ok := c.lookup(symbol)
	return e.px, ok
}

// GetWithAge also reports how long ago the price was set.
func (c *ShardedPriceCache) GetWithAge(symbol string) (decimal.Decimal, time.Duration, bool) {
	e, ok := c.lookup(symbol)
	if !ok {
		return decimal.Zero, 0, false
	}
	return e.px, c.now().Sub(e.at), true
}

func (c *ShardedPriceCache) Delete(symbol string) {
	s := c.shardFor(symbol)
	s.mu.Lock()
	delete(s.prices, symbol)
	s.mu.Unlock()
}

// Range calls fn for every entry until fn returns false. Each shard is
// read-locked only while it is being walked.
func (c *ShardedPriceCache) Range(fn func(symbol string, px decimal.Decimal, at time.Time) bool) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for sym, e := range s.prices {
			if !fn(sym, e.px, e.at) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

func (c *ShardedPriceCache) Len() int {
	n := 0
	c.Range(func(string, decimal.Decimal, time.Time) bool { n++; return true })
	return n
}

// GetAll copies every cached price.
func (c *ShardedPriceCache) GetAll() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	c.Range(func(sym string, px decimal.Decimal, _ time.Time) bool {
		out[sym] = px
		return true
	})
	return out
}

// Cleanup drops entries not updated within maxAge and returns how many went.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for sym, e := range s.prices {
			if e.at.Before(cutoff) {
				delete(s.prices, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
