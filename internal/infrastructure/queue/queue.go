// Package queue implements the bounded per-strategy priority queues the
// aggregator feeds and the coordinator drains. Enqueue never blocks —
// overflow drops the lowest-priority resident (or the newcomer if it is
// the weakest). Dequeue blocks until an item is ready, scheduling across
// strategies by weighted round-robin so one slow strategy cannot starve
// another.
package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

// Less orders opportunities for dequeue: priority first, then net
// profit, then age (older first on full ties).
func Less(a, b *opportunity.Opportunity) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.NetProfitUSD.Equal(b.NetProfitUSD) {
		return a.NetProfitUSD.GreaterThan(b.NetProfitUSD)
	}
	return a.DetectedAt.Before(b.DetectedAt)
}

type oppHeap []*opportunity.Opportunity

func (h oppHeap) Len() int            { return len(h) }
func (h oppHeap) Less(i, j int) bool  { return Less(h[i], h[j]) }
func (h oppHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *oppHeap) Push(x interface{}) { *h = append(*h, x.(*opportunity.Opportunity)) }
func (h *oppHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type bounded struct {
	mu       sync.Mutex
	items    oppHeap
	capacity int
	dropped  int64
}

func (b *bounded) push(o *opportunity.Opportunity) (accepted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.items.Len() < b.capacity {
		heap.Push(&b.items, o)
		return true
	}
	// Full: find the weakest resident and evict it if the newcomer
	// outranks it, else drop the newcomer.
	weakest := 0
	for i := 1; i < b.items.Len(); i++ {
		if Less(b.items[weakest], b.items[i]) {
			weakest = i
		}
	}
	b.dropped++
	if Less(o, b.items[weakest]) {
		heap.Remove(&b.items, weakest)
		heap.Push(&b.items, o)
		return true
	}
	return false
}

func (b *bounded) pop() *opportunity.Opportunity {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&b.items).(*opportunity.Opportunity)
}

func (b *bounded) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.items.Len()
}

// Config sizes the per-kind queues and their scheduling weights.
type Config struct {
	Capacity map[opportunity.Kind]int `yaml:"capacity"`
	Weights  map[opportunity.Kind]int `yaml:"weights"`
}

// DefaultConfig gives every strategy a 64-slot queue with equal weight,
// except flash loans which get double weight (their edge decays fastest).
func DefaultConfig() Config {
	cfg := Config{
		Capacity: make(map[opportunity.Kind]int),
		Weights:  make(map[opportunity.Kind]int),
	}
	for _, k := range opportunity.Kinds() {
		cfg.Capacity[k] = 64
		cfg.Weights[k] = 1
	}
	cfg.Weights[opportunity.KindFlashLoan] = 2
	return cfg
}

// Multi is the set of per-kind bounded queues behind one dequeue facade.
// Enqueue is safe for many producers; Dequeue for many consumers.
type Multi struct {
	queues map[opportunity.Kind]*bounded
	order  []opportunity.Kind // kinds expanded by weight

	mu     sync.Mutex
	pos    int
	closed bool

	ready chan struct{}
	done  chan struct{}
}

// NewMulti builds the queue set from cfg; kinds without explicit
// capacity or weight fall back to the defaults.
func NewMulti(cfg Config) *Multi {
	def := DefaultConfig()
	m := &Multi{
		queues: make(map[opportunity.Kind]*bounded),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, k := range opportunity.Kinds() {
		capacity := cfg.Capacity[k]
		if capacity <= 0 {
			capacity = def.Capacity[k]
		}
		weight := cfg.Weights[k]
		if weight <= 0 {
			weight = def.Weights[k]
		}
		m.queues[k] = &bounded{capacity: capacity}
		for i := 0; i < weight; i++ {
			m.order = append(m.order, k)
		}
	}
	return m
}

// Enqueue offers o to its kind's queue without blocking. It reports
// whether the opportunity was retained.
func (m *Multi) Enqueue(o *opportunity.Opportunity) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	q, ok := m.queues[o.Kind]
	if !ok {
		return false
	}
	accepted := q.push(o)
	if accepted {
		select {
		case m.ready <- struct{}{}:
		default:
		}
	}
	return accepted
}

// Dequeue blocks until an opportunity is available or ctx is cancelled.
// Strategy selection walks the weighted round-robin order; within one
// strategy the highest-priority item always comes out first.
func (m *Multi) Dequeue(ctx context.Context) (*opportunity.Opportunity, error) {
	for {
		if o := m.tryNext(); o != nil {
			return o, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, context.Canceled
		case <-m.ready:
		}
	}
}

func (m *Multi) tryNext() *opportunity.Opportunity {
	m.mu.Lock()
	start := m.pos
	order := m.order
	m.mu.Unlock()

	for i := 0; i < len(order); i++ {
		idx := (start + i) % len(order)
		if o := m.queues[order[idx]].pop(); o != nil {
			m.mu.Lock()
			m.pos = (idx + 1) % len(order)
			m.mu.Unlock()
			return o
		}
	}
	return nil
}

// Depths reports the current queue depth per kind, for health output.
func (m *Multi) Depths() map[opportunity.Kind]int {
	out := make(map[opportunity.Kind]int, len(m.queues))
	for k, q := range m.queues {
		out[k] = q.len()
	}
	return out
}

// Dropped reports the cumulative overflow drops per kind.
func (m *Multi) Dropped() map[opportunity.Kind]int64 {
	out := make(map[opportunity.Kind]int64, len(m.queues))
	for k, q := range m.queues {
		q.mu.Lock()
		out[k] = q.dropped
		q.mu.Unlock()
	}
	return out
}

// Close stops accepting new work and wakes blocked consumers. Items
// already queued remain drainable via tryNext until empty.
func (m *Multi) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
}
