// Package notify fans terminal execution results (and informational
// cross-chain notices) out to registered sinks. The subscriber list is
// copy-on-write so delivery never races registration and each result
// reaches each sink at most once.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

// Sink receives pipeline events. Implementations must be safe for
// concurrent delivery.
type Sink interface {
	Name() string
	DeliverResult(ctx context.Context, res opportunity.ExecutionResult) error
	DeliverCrossChain(ctx context.Context, cc opportunity.CrossChainOpportunity) error
}

const deliveryTimeout = 5 * time.Second

// Broadcaster owns the sink registry.
type Broadcaster struct {
	logger zerolog.Logger

	mu    sync.Mutex
	sinks atomic.Value // []Sink
}

// NewBroadcaster creates an empty registry.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	b := &Broadcaster{logger: logger.With().Str("component", "notify").Logger()}
	b.sinks.Store([]Sink{})
	return b
}

// Register adds a sink. Registration replaces the subscriber slice so
// in-flight deliveries keep the list they started with.
func (b *Broadcaster) Register(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.sinks.Load().([]Sink)
	next := make([]Sink, len(cur), len(cur)+1)
	copy(next, cur)
	b.sinks.Store(append(next, s))
}

// PublishResult delivers res to every registered sink, once each.
// Sink failures are logged and do not affect other sinks.
func (b *Broadcaster) PublishResult(res opportunity.ExecutionResult) {
	for _, s := range b.sinks.Load().([]Sink) {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		if err := s.DeliverResult(ctx, res); err != nil {
			b.logger.Warn().
				Err(err).
				Str("sink", s.Name()).
				Str("opportunity", res.OpportunityID).
				Msg("result delivery failed")
		}
		cancel()
	}
}

// PublishCrossChain delivers an informational cross-chain notice.
func (b *Broadcaster) PublishCrossChain(cc opportunity.CrossChainOpportunity) {
	for _, s := range b.sinks.Load().([]Sink) {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		if err := s.DeliverCrossChain(ctx, cc); err != nil {
			b.logger.Warn().
				Err(err).
				Str("sink", s.Name()).
				Str("pair", cc.Pair.String()).
				Msg("cross-chain delivery failed")
		}
		cancel()
	}
}
