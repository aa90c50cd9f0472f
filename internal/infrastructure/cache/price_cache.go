// Package cache provides the in-memory price cache shared between the
// scanners (writers) and anything that wants a recent quote (readers).
package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

const shardCount = 16

// Mirror receives best-effort copies of every quote written to the cache.
// The Redis mirror implements this; a nil mirror disables it.
type Mirror interface {
	MirrorQuote(q opportunity.PriceQuote)
}

// Stats counts cache traffic.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Expired   int64 `json:"expired"`
	Entries   int64 `json:"entries"`
	SweepRuns int64 `json:"sweep_runs"`
}

// PriceCache stores the last quote per (chain, venue, pair) with TTL
// expiry. Reads are lock-sharded; a write to one key never blocks reads
// of another shard.
type PriceCache struct {
	shards [shardCount]*shard
	ttl    time.Duration
	mirror Mirror

	// Counters are atomics so the hot Get path never funnels every
	// shard's readers through one lock.
	hits      atomic.Int64
	misses    atomic.Int64
	expired   atomic.Int64
	sweepRuns atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]opportunity.PriceQuote
}

// New creates a price cache whose entries expire after ttl. A background
// sweep removes expired entries once a minute; Get never returns them
// regardless. mirror may be nil.
func New(ttl time.Duration, mirror Mirror) *PriceCache {
	c := &PriceCache{
		ttl:    ttl,
		mirror: mirror,
		stopCh: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]opportunity.PriceQuote)}
	}
	go c.sweep()
	return c
}

func key(chain, venue string, pair opportunity.Pair) string {
	return chain + "|" + venue + "|" + pair.String()
}

func (c *PriceCache) shardFor(k string) *shard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return c.shards[h.Sum32()%shardCount]
}

// Put overwrites the quote for its key. Writes to the same key appear
// atomic to readers; writes to distinct keys are unordered.
func (c *PriceCache) Put(q opportunity.PriceQuote) {
	k := key(q.Chain, q.Venue, q.Pair)
	s := c.shardFor(k)
	s.mu.Lock()
	s.entries[k] = q
	s.mu.Unlock()
	if c.mirror != nil {
		c.mirror.MirrorQuote(q)
	}
}

// Get returns the quote for (chain, venue, pair) if present and fresher
// than the cache TTL.
func (c *PriceCache) Get(chain, venue string, pair opportunity.Pair) (opportunity.PriceQuote, bool) {
	k := key(chain, venue, pair)
	s := c.shardFor(k)
	s.mu.RLock()
	q, ok := s.entries[k]
	s.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return opportunity.PriceQuote{}, false
	}
	if q.Stale(time.Now(), c.ttl) {
		c.expired.Add(1)
		c.misses.Add(1)
		return opportunity.PriceQuote{}, false
	}
	c.hits.Add(1)
	return q, true
}

// Snapshot returns every fresh quote for (chain, pair) keyed by venue.
// Each shard is read under its lock, so no torn quote is ever observed.
func (c *PriceCache) Snapshot(chain string, pair opportunity.Pair) map[string]opportunity.PriceQuote {
	now := time.Now()
	out := make(map[string]opportunity.PriceQuote)
	for _, s := range c.shards {
		s.mu.RLock()
		for _, q := range s.entries {
			if q.Chain == chain && q.Pair == pair && !q.Stale(now, c.ttl) {
				out[q.Venue] = q
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Stats returns a copy of the traffic counters plus the live entry count.
func (c *PriceCache) Stats() Stats {
	st := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Expired:   c.expired.Load(),
		SweepRuns: c.sweepRuns.Load(),
	}
	var n int64
	for _, s := range c.shards {
		s.mu.RLock()
		n += int64(len(s.entries))
		s.mu.RUnlock()
	}
	st.Entries = n
	return st
}

// Stop terminates the background sweep.
func (c *PriceCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *PriceCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *PriceCache) removeExpired() {
	now := time.Now()
	for _, s := range c.shards {
		s.mu.Lock()
		for k, q := range s.entries {
			if q.Stale(now, c.ttl) {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
	c.sweepRuns.Add(1)
}
