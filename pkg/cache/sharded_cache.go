// Package cache holds a sharded last-price cache shared by the broker
// client's ticker path.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedPriceCache caches last traded prices keyed by symbol. Sharding
// keeps trailing-stop sweeps over many symbols from contending on one lock.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewShardedPriceCache creates an empty cache.
func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]priceEntry),
		}
	}
	return c
}

func (c *ShardedPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price for a symbol.
func (c *ShardedPriceCache) Set(symbol string, price float64) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	shard.items[symbol] = priceEntry{
		price:     price,
		updatedAt: time.Now(),
	}
	shard.mu.Unlock()
}

// Get retrieves a price for a symbol.
func (c *ShardedPriceCache) Get(symbol string) (float64, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return entry.price, ok
}

// GetWithAge retrieves a price and how long ago it was stored. Callers use
// the age to decide staleness against their own TTL.
func (c *ShardedPriceCache) GetWithAge(symbol string) (float64, time.Duration, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return entry.price, time.Since(entry.updatedAt), true
}

// Cleanup removes entries older than maxAge and reports how many were
// dropped.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
