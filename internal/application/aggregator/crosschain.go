package aggregator

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/infrastructure/cache"
)

// Publisher receives informational cross-chain notices. The notify
// broadcaster implements it.
type Publisher interface {
	PublishCrossChain(cc opportunity.CrossChainOpportunity)
}

// minCrossChainDeltaPct is the divergence worth reporting.
var minCrossChainDeltaPct = decimal.NewFromInt(1)

// CrossChain periodically compares cached prices for the same pair
// across chains and publishes divergences. It never produces executable
// opportunities; bridging is out of scope for the pipeline.
type CrossChain struct {
	logger    zerolog.Logger
	cache     *cache.PriceCache
	pairs     map[string][]opportunity.Pair // per chain
	interval  time.Duration
	publisher Publisher
}

// NewCrossChain builds the analyzer over the per-chain pair lists.
func NewCrossChain(logger zerolog.Logger, pc *cache.PriceCache, pairs map[string][]opportunity.Pair, interval time.Duration, pub Publisher) *CrossChain {
	return &CrossChain{
		logger:    logger.With().Str("component", "crosschain").Logger(),
		cache:     pc,
		pairs:     pairs,
		interval:  interval,
		publisher: pub,
	}
}

// Run scans on a fixed cadence until ctx cancels.
func (c *CrossChain) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Scan()
		}
	}
}

// Scan runs one comparison pass over every pair configured on at least
// two chains.
func (c *CrossChain) Scan() {
	chains := make([]string, 0, len(c.pairs))
	for chain := range c.pairs {
		chains = append(chains, chain)
	}
	for i := 0; i < len(chains); i++ {
		for j := i + 1; j < len(chains); j++ {
			c.comparePair(chains[i], chains[j])
		}
	}
}

func (c *CrossChain) comparePair(chainA, chainB string) {
	onB := make(map[opportunity.Pair]bool, len(c.pairs[chainB]))
	for _, p := range c.pairs[chainB] {
		onB[p] = true
	}
	for _, pair := range c.pairs[chainA] {
		if !onB[pair] {
			continue
		}
		priceA, okA := c.averagePrice(chainA, pair)
		priceB, okB := c.averagePrice(chainB, pair)
		if !okA || !okB {
			continue
		}
		low, high := priceA, priceB
		if low.GreaterThan(high) {
			low, high = high, low
		}
		if !low.IsPositive() {
			continue
		}
		deltaPct := high.Sub(low).Div(low).Mul(decimal.NewFromInt(100))
		if deltaPct.LessThan(minCrossChainDeltaPct) {
			continue
		}
		cc := opportunity.CrossChainOpportunity{
			Pair:       pair,
			ChainA:     chainA,
			ChainB:     chainB,
			PriceA:     priceA,
			PriceB:     priceB,
			DeltaPct:   deltaPct,
			DetectedAt: time.Now(),
		}
		c.logger.Info().
			Str("pair", pair.String()).
			Str("chain_a", chainA).
			Str("chain_b", chainB).
			Str("delta_pct", deltaPct.StringFixed(2)).
			Msg("cross-chain divergence")
		c.publisher.PublishCrossChain(cc)
	}
}

// averagePrice averages the fresh venue quotes for pair into the
// chain's representative price.
func (c *CrossChain) averagePrice(chain string, pair opportunity.Pair) (decimal.Decimal, bool) {
	snap := c.cache.Snapshot(chain, pair)
	if len(snap) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, q := range snap {
		sum = sum.Add(q.Price)
	}
	return sum.Div(decimal.NewFromInt(int64(len(snap)))), true
}
