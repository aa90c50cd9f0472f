package aggregator

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbrun/arbrun/internal/config"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/errs"
	"github.com/arbrun/arbrun/internal/infrastructure/queue"
)

type fixedRater struct{ rate float64 }

func (r fixedRater) SuccessRate(string, opportunity.Kind) float64 { return r.rate }

type captureQueue struct {
	refuse bool
	items  []*opportunity.Opportunity
}

func (q *captureQueue) Enqueue(o *opportunity.Opportunity) bool {
	if q.refuse {
		return false
	}
	q.items = append(q.items, o)
	return true
}

func testThresholds() config.Thresholds {
	return config.Thresholds{
		MinProfitPct:       0.005,
		MinProfitUSD:       10,
		MinLiquidityUSD:    10000,
		MaxGasCostFraction: 0.5,
		MaxPriceImpact:     0.03,
	}
}

func newTestAggregator(q Enqueuer) *Aggregator {
	return New(zerolog.Nop(), testThresholds(), time.Minute, fixedRater{rate: 0.8}, q, nil)
}

var candidateSeq int

func candidate(venue string, netUSD float64) *opportunity.Opportunity {
	candidateSeq++
	gross := decimal.NewFromFloat(netUSD + 5)
	return &opportunity.Opportunity{
		ID:             fmt.Sprintf("op-%d", candidateSeq),
		Kind:           opportunity.KindCrossExchange,
		Chain:          "ethereum",
		DetectedAt:     time.Now(),
		Path:           []string{"USDC", "WETH", "USDC"},
		Venues:         []string{venue, "sushiswap"},
		AmountIn:       decimal.NewFromInt(1000),
		GrossProfitUSD: gross,
		GasCostUSD:     decimal.NewFromInt(5),
		NetProfitUSD:   gross.Sub(decimal.NewFromInt(5)),
		PriceImpact:    decimal.NewFromFloat(0.001),
		LiquidityUSD:   decimal.NewFromInt(100000),
	}
}

func TestProcessEnrichesACopy(t *testing.T) {
	a := newTestAggregator(&captureQueue{})
	in := candidate("uniswap", 25)

	out, err := a.Process(in)
	require.NoError(t, err)
	assert.Positive(t, out.RiskScore)
	assert.Positive(t, out.Confidence)
	assert.GreaterOrEqual(t, out.Priority, 1)
	assert.LessOrEqual(t, out.Priority, 10)

	// The input record stays untouched.
	assert.Zero(t, in.Priority)
	assert.Zero(t, in.RiskScore)
}

func TestVetGates(t *testing.T) {
	a := newTestAggregator(&captureQueue{})

	stale := candidate("uniswap", 25)
	stale.DetectedAt = time.Now().Add(-2 * time.Minute)
	_, err := a.Process(stale)
	assert.ErrorIs(t, err, errs.ErrStale)

	thin := candidate("balancer", 5)
	_, err = a.Process(thin)
	assert.ErrorContains(t, err, "below minimum")

	gassy := candidate("curve", 25)
	gassy.GasCostUSD = decimal.NewFromInt(20)
	gassy.NetProfitUSD = gassy.GrossProfitUSD.Sub(gassy.GasCostUSD)
	_, err = a.Process(gassy)
	assert.ErrorContains(t, err, "gas")

	impacted := candidate("kyber", 25)
	impacted.PriceImpact = decimal.NewFromFloat(0.05)
	_, err = a.Process(impacted)
	assert.ErrorContains(t, err, "impact")

	shallow := candidate("bancor", 25)
	shallow.LiquidityUSD = decimal.NewFromInt(5000)
	_, err = a.Process(shallow)
	assert.ErrorContains(t, err, "liquidity")

	broken := candidate("dodo", 25)
	broken.Venues = []string{"dodo"}
	_, err = a.Process(broken)
	assert.ErrorContains(t, err, "venues")
}

func TestDedupeFavorsHigherNet(t *testing.T) {
	a := newTestAggregator(&captureQueue{})

	first := candidate("uniswap", 25)
	_, err := a.Process(first)
	require.NoError(t, err)

	// Same route, same profit, same detection time: duplicate.
	echo := candidate("uniswap", 25)
	echo.DetectedAt = first.DetectedAt
	_, err = a.Process(echo)
	assert.ErrorContains(t, err, "duplicate")

	// Same route, better profit: passes and raises the bar.
	_, err = a.Process(candidate("uniswap", 40))
	require.NoError(t, err)
	_, err = a.Process(candidate("uniswap", 30))
	assert.ErrorContains(t, err, "duplicate")
}

func TestDedupeTieGoesToFresherDetection(t *testing.T) {
	a := newTestAggregator(&captureQueue{})

	older := candidate("uniswap", 25)
	older.DetectedAt = time.Now().Add(-10 * time.Second)
	_, err := a.Process(older)
	require.NoError(t, err)

	// Equal net but detected later: the fresher sighting wins.
	fresher := candidate("uniswap", 25)
	_, err = a.Process(fresher)
	require.NoError(t, err)

	// Equal net detected earlier than the known one stays a duplicate.
	replay := candidate("uniswap", 25)
	replay.DetectedAt = older.DetectedAt
	_, err = a.Process(replay)
	assert.ErrorContains(t, err, "duplicate")
}

func TestProcessBatchReturnsDequeueOrder(t *testing.T) {
	a := newTestAggregator(&captureQueue{})
	batch := []*opportunity.Opportunity{
		candidate("uniswap", 12),
		candidate("curve", 80),
		candidate("kyber", 30),
	}
	out := a.ProcessBatch(batch)
	require.Len(t, out, 3)
	for i := 1; i < len(out); i++ {
		assert.False(t, queue.Less(out[i], out[i-1]), "batch out of dequeue order at %d", i)
	}
}

func TestHandleEnqueuesAndCounts(t *testing.T) {
	q := &captureQueue{}
	a := newTestAggregator(q)

	a.handle(candidate("uniswap", 25))
	a.handle(candidate("balancer", 5)) // below min profit

	assert.Len(t, q.items, 1)
	assert.Equal(t, int64(1), a.Accepted())
	assert.Equal(t, int64(1), a.Rejected())
}

func TestHandleCountsShedWhenQueueRefuses(t *testing.T) {
	q := &captureQueue{refuse: true}
	a := newTestAggregator(q)
	a.handle(candidate("uniswap", 25))
	assert.Equal(t, int64(1), a.Shed())
	assert.Zero(t, a.Accepted())
}
