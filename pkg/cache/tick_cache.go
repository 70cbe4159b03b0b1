// Package cache keeps the latest tick per symbol behind sharded locks so feed
// writers and command readers rarely contend.
package cache

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const numShards = 16

// TickEntry is the session view of one symbol.
type TickEntry struct {
	Symbol    string    `json:"symbol"`
	LTP       float64   `json:"ltp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Ticks     uint64    `json:"ticks"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Change returns LTP minus the first price seen this session.
func (e TickEntry) Change() float64 {
	return e.LTP - e.Open
}

// ShardedTickCache stores TickEntry values keyed by symbol.
type ShardedTickCache struct {
	shards [numShards]*tickShard
}

type tickShard struct {
	mu    sync.RWMutex
	items map[string]*TickEntry
}

// NewShardedTickCache creates an empty cache.
func NewShardedTickCache() *ShardedTickCache {
	c := &ShardedTickCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &tickShard{items: make(map[string]*TickEntry)}
	}
	return c
}

func (c *ShardedTickCache) getShard(key string) *tickShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Update records a new last traded price and returns the updated entry.
func (c *ShardedTickCache) Update(symbol string, ltp float64, at time.Time) TickEntry {
	if at.IsZero() {
		at = time.Now()
	}
	shard := c.getShard(symbol)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	e, ok := shard.items[symbol]
	if !ok {
		e = &TickEntry{Symbol: symbol, Open: ltp, High: ltp, Low: ltp}
		shard.items[symbol] = e
	}
	e.LTP = ltp
	if ltp > e.High {
		e.High = ltp
	}
	if ltp < e.Low {
		e.Low = ltp
	}
	e.Ticks++
	e.UpdatedAt = at
	return *e
}

// Get returns the entry for symbol.
func (c *ShardedTickCache) Get(symbol string) (TickEntry, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	e, ok := shard.items[symbol]
	if !ok {
		return TickEntry{}, false
	}
	return *e, true
}

// LTP returns the last traded price of symbol.
func (c *ShardedTickCache) LTP(symbol string) (float64, bool) {
	e, ok := c.Get(symbol)
	return e.LTP, ok
}

// GetWithAge returns the price and how long ago it was updated.
func (c *ShardedTickCache) GetWithAge(symbol string) (float64, time.Duration, bool) {
	e, ok := c.Get(symbol)
	if !ok {
		return 0, 0, false
	}
	return e.LTP, time.Since(e.UpdatedAt), true
}

// Delete removes a symbol.
func (c *ShardedTickCache) Delete(symbol string) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	delete(shard.items, symbol)
	shard.mu.Unlock()
}

// Len returns total entries across all shards.
func (c *ShardedTickCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries not updated within maxAge.
func (c *ShardedTickCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, e := range shard.items {
			if e.UpdatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Snapshot returns every entry sorted by symbol.
func (c *ShardedTickCache) Snapshot() []TickEntry {
	var out []TickEntry
	for _, shard := range c.shards {
		shard.mu.RLock()
		for _, e := range shard.items {
			out = append(out, *e)
		}
		shard.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedTickCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time
	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, e := range shard.items {
			if oldest.IsZero() || e.UpdatedAt.Before(oldest) {
				oldest = e.UpdatedAt
			}
		}
		shard.mu.RUnlock()
	}
	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}
