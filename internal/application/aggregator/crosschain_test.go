package aggregator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/infrastructure/cache"
)

type capturePublisher struct {
	notices []opportunity.CrossChainOpportunity
}

func (p *capturePublisher) PublishCrossChain(cc opportunity.CrossChainOpportunity) {
	p.notices = append(p.notices, cc)
}

func putQuote(pc *cache.PriceCache, chain string, pair opportunity.Pair, price, liquidity float64) {
	putVenueQuote(pc, chain, "uniswap", pair, price, liquidity)
}

func putVenueQuote(pc *cache.PriceCache, chain, venue string, pair opportunity.Pair, price, liquidity float64) {
	pc.Put(opportunity.PriceQuote{
		Chain:        chain,
		Venue:        venue,
		Pair:         pair,
		Price:        decimal.NewFromFloat(price),
		LiquidityUSD: decimal.NewFromFloat(liquidity),
		Timestamp:    time.Now(),
	})
}

func TestCrossChainPublishesDivergence(t *testing.T) {
	pc := cache.New(2*time.Minute, nil)
	t.Cleanup(pc.Stop)
	pair := opportunity.Pair{Base: "WETH", Quote: "USDC"}
	putQuote(pc, "ethereum", pair, 2000, 1e6)
	putQuote(pc, "polygon", pair, 2050, 5e5)

	pub := &capturePublisher{}
	cc := NewCrossChain(zerolog.Nop(), pc, map[string][]opportunity.Pair{
		"ethereum": {pair},
		"polygon":  {pair},
	}, time.Minute, pub)
	cc.Scan()

	require.Len(t, pub.notices, 1)
	n := pub.notices[0]
	assert.Equal(t, pair, n.Pair)
	delta, _ := n.DeltaPct.Float64()
	assert.InDelta(t, 2.5, delta, 0.01)
}

func TestCrossChainIgnoresSmallDelta(t *testing.T) {
	pc := cache.New(2*time.Minute, nil)
	t.Cleanup(pc.Stop)
	pair := opportunity.Pair{Base: "WETH", Quote: "USDC"}
	putQuote(pc, "ethereum", pair, 2000, 1e6)
	putQuote(pc, "polygon", pair, 2010, 5e5)

	pub := &capturePublisher{}
	cc := NewCrossChain(zerolog.Nop(), pc, map[string][]opportunity.Pair{
		"ethereum": {pair},
		"polygon":  {pair},
	}, time.Minute, pub)
	cc.Scan()
	assert.Empty(t, pub.notices)
}

func TestCrossChainAveragesVenueQuotes(t *testing.T) {
	pc := cache.New(2*time.Minute, nil)
	t.Cleanup(pc.Stop)
	pair := opportunity.Pair{Base: "WETH", Quote: "USDC"}

	// The deep ethereum venue alone matches polygon exactly; only the
	// venue average (2050) diverges.
	putVenueQuote(pc, "ethereum", "uniswap", pair, 2000, 1e6)
	putVenueQuote(pc, "ethereum", "sushiswap", pair, 2100, 1e5)
	putQuote(pc, "polygon", pair, 2000, 5e5)

	pub := &capturePublisher{}
	cc := NewCrossChain(zerolog.Nop(), pc, map[string][]opportunity.Pair{
		"ethereum": {pair},
		"polygon":  {pair},
	}, time.Minute, pub)
	cc.Scan()

	require.Len(t, pub.notices, 1)
	delta, _ := pub.notices[0].DeltaPct.Float64()
	assert.InDelta(t, 2.5, delta, 0.01)
}

func TestCrossChainNeedsBothChains(t *testing.T) {
	pc := cache.New(2*time.Minute, nil)
	t.Cleanup(pc.Stop)
	pair := opportunity.Pair{Base: "WETH", Quote: "USDC"}
	putQuote(pc, "ethereum", pair, 2000, 1e6)

	pub := &capturePublisher{}
	cc := NewCrossChain(zerolog.Nop(), pc, map[string][]opportunity.Pair{
		"ethereum": {pair},
		"polygon":  {pair},
	}, time.Minute, pub)
	cc.Scan()
	assert.Empty(t, pub.notices)
}
