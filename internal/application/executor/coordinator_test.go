package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbrun/arbrun/internal/adapters"
	"github.com/arbrun/arbrun/internal/adapters/fake"
	"github.com/arbrun/arbrun/internal/application/riskmgr"
	"github.com/arbrun/arbrun/internal/config"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/infrastructure/oracle"
	"github.com/arbrun/arbrun/internal/infrastructure/queue"
	"github.com/arbrun/arbrun/internal/metrics"
)

type capturePublisher struct {
	mu      sync.Mutex
	results []opportunity.ExecutionResult
	notify  chan struct{}
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{notify: make(chan struct{}, 16)}
}

func (p *capturePublisher) PublishResult(res opportunity.ExecutionResult) {
	p.mu.Lock()
	p.results = append(p.results, res)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *capturePublisher) all() []opportunity.ExecutionResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]opportunity.ExecutionResult(nil), p.results...)
}

type fixture struct {
	coord     *Coordinator
	chain     *fake.Chain
	buyVenue  *fake.Venue
	sellVenue *fake.Venue
	loan      *fake.LoanProvider
	risk      *riskmgr.Manager
	queue     *queue.Multi
	publisher *capturePublisher
	metrics   *metrics.Collector
}

func testTimeouts() config.Timeouts {
	return config.Timeouts{
		QuoteDeadline:         config.Duration(2 * time.Second),
		StepDeadline:          config.Duration(5 * time.Second),
		ExecutionTimeout:      config.Duration(30 * time.Second),
		OpportunityTTL:        config.Duration(60 * time.Second),
		ExecutionFreshnessTTL: config.Duration(10 * time.Second),
	}
}

// newFixture wires one fake ethereum chain with two venues quoting the
// USDC -> WETH -> USDC round trip at a profitable spread.
func newFixture(t *testing.T, contract adapters.ContractExecutor) *fixture {
	t.Helper()
	ch := fake.NewChain("ethereum")
	ch.SetBalance("USDC", decimal.NewFromInt(5000))
	ch.SetBalance("WETH", decimal.NewFromInt(10))

	buy := fake.NewVenue("uniswap", "ethereum")
	buy.SetPrice(opportunity.Pair{Base: "USDC", Quote: "WETH"}, 0.0005)
	buy.ProfitPerSwapUSD = decimal.NewFromInt(10)
	sell := fake.NewVenue("sushiswap", "ethereum")
	sell.SetPrice(opportunity.Pair{Base: "WETH", Quote: "USDC"}, 2005)
	sell.SetPrice(opportunity.Pair{Base: "USDC", Quote: "WETH"}, 0.000498)
	sell.ProfitPerSwapUSD = decimal.NewFromInt(10)

	loan := &fake.LoanProvider{
		ProviderName: "aave", ProviderChain: "ethereum",
		Max: decimal.NewFromInt(1000000), Fee: decimal.NewFromFloat(0.0009),
	}

	orc := oracle.NewStatic(map[string]float64{"WETH": 2000, "USDC": 1, "ETH": 2000})
	risk := riskmgr.New(zerolog.Nop(), config.Limits{
		MaxSingleTradeUSD:   100000,
		MaxDailyVolumeUSD:   map[string]float64{},
		MaxConcurrentTrades: 3,
	}, config.Blacklist{}, orc)

	q := queue.NewMulti(queue.DefaultConfig())
	pub := newCapturePublisher()
	col := metrics.New()

	coord := New(zerolog.Nop(), testTimeouts(), 2, q, risk, Deps{
		Chains:   map[string]adapters.ChainAdapter{"ethereum": ch},
		Venues:   map[string]map[string]adapters.VenueAdapter{"ethereum": {"uniswap": buy, "sushiswap": sell}},
		Loans:    map[string]map[string]adapters.LoanProvider{"ethereum": {"aave": loan}},
		Contract: contract,
		Oracle:   orc,
		Native:   map[string]string{"ethereum": "ETH"},
		Wallet:   "0xwallet",
	}, col, pub)

	return &fixture{
		coord: coord, chain: ch, buyVenue: buy, sellVenue: sell,
		loan: loan, risk: risk, queue: q, publisher: pub, metrics: col,
	}
}

func crossOpp(id string) *opportunity.Opportunity {
	return &opportunity.Opportunity{
		ID:             id,
		Kind:           opportunity.KindCrossExchange,
		Chain:          "ethereum",
		DetectedAt:     time.Now(),
		Path:           []string{"USDC", "WETH", "USDC"},
		Venues:         []string{"uniswap", "sushiswap"},
		AmountIn:       decimal.NewFromInt(1000),
		GrossProfitUSD: decimal.NewFromInt(30),
		GasCostUSD:     decimal.NewFromInt(5),
		NetProfitUSD:   decimal.NewFromInt(25),
		PriceImpact:    decimal.NewFromFloat(0.001),
		LiquidityUSD:   decimal.NewFromInt(100000),
		Priority:       5,
		Confidence:     60,
	}
}

func flashOpp(id string) *opportunity.Opportunity {
	o := crossOpp(id)
	o.Kind = opportunity.KindFlashLoan
	o.AmountIn = decimal.NewFromInt(50000)
	o.Loan = &opportunity.Loan{
		Provider: "aave",
		Amount:   decimal.NewFromInt(50000),
		FeeUSD:   decimal.NewFromInt(45),
	}
	o.NetProfitUSD = o.GrossProfitUSD.Sub(o.GasCostUSD).Sub(o.Loan.FeeUSD)
	return o
}

func TestCrossExchangeHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.runOne(context.Background(), crossOpp("op-1"))

	results := f.publisher.all()
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, opportunity.StateSuccess, res.State)
	assert.True(t, res.Success)
	assert.Len(t, res.TxRefs, 2)
	// Each fake swap declares a $10 event.
	assert.True(t, res.ProfitUSD.Equal(decimal.NewFromInt(20)), "profit %s", res.ProfitUSD)
	assert.True(t, res.GasCostUSD.IsPositive())

	// Success feeds the estimator and releases the concurrency slot.
	assert.Greater(t, f.risk.SuccessRate("ethereum", opportunity.KindCrossExchange), 0.5)
	assert.Equal(t, 0, f.risk.ActiveTrades())

	state, ok := f.coord.Executed("op-1")
	require.True(t, ok)
	assert.Equal(t, opportunity.StateSuccess, state)
}

func TestStaleOpportunityExpiresWithoutSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	o := crossOpp("op-stale")
	o.DetectedAt = time.Now().Add(-time.Minute)
	f.coord.runOne(context.Background(), o)

	results := f.publisher.all()
	require.Len(t, results, 1)
	assert.Equal(t, opportunity.StateExpired, results[0].State)
	assert.Equal(t, "stale", results[0].ErrorCause)
	assert.Zero(t, f.chain.Sends())
	assert.True(t, f.risk.DailyVolume("ethereum").IsZero())
}

func TestRiskRecheckRejectsWithoutSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	f.risk.SetChainDegraded("ethereum", true)
	f.coord.runOne(context.Background(), crossOpp("op-rejected"))

	results := f.publisher.all()
	require.Len(t, results, 1)
	assert.Equal(t, opportunity.StateRejected, results[0].State)
	assert.Equal(t, "risk_rejected", results[0].ErrorCause)
	assert.Zero(t, f.chain.Sends())
	assert.True(t, f.risk.DailyVolume("ethereum").IsZero())
}

func TestForceBypassesRiskGates(t *testing.T) {
	f := newFixture(t, nil)
	f.risk.SetChainDegraded("ethereum", true)

	res, started := f.coord.Force(context.Background(), crossOpp("op-forced"))
	require.True(t, started)
	assert.Equal(t, opportunity.StateSuccess, res.State)
	assert.EqualValues(t, 2, f.chain.Sends())

	// Single-flight still holds for forced executions.
	_, started = f.coord.Force(context.Background(), crossOpp("op-forced"))
	assert.False(t, started)
}

func TestForceStillHonorsFreshness(t *testing.T) {
	f := newFixture(t, nil)
	o := crossOpp("op-forced-stale")
	o.DetectedAt = time.Now().Add(-time.Minute)

	res, started := f.coord.Force(context.Background(), o)
	require.True(t, started)
	assert.Equal(t, opportunity.StateExpired, res.State)
	assert.Zero(t, f.chain.Sends())
}

func TestDuplicateIDExecutesOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.runOne(context.Background(), crossOpp("op-dup"))
	sends := f.chain.Sends()
	f.coord.runOne(context.Background(), crossOpp("op-dup"))

	assert.Len(t, f.publisher.all(), 1)
	assert.Equal(t, sends, f.chain.Sends())
}

func TestFlashLoanRevertLosesOnlyGas(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.RevertAll = true
	f.coord.runOne(context.Background(), flashOpp("op-flash"))

	results := f.publisher.all()
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, opportunity.StateFailed, res.State)
	assert.Equal(t, "execution_reverted", res.ErrorCause)
	// One bundle transaction, no profit, gas observed.
	assert.Equal(t, int64(1), f.chain.Sends())
	assert.True(t, res.ProfitUSD.IsZero())
	assert.True(t, res.GasCostUSD.IsPositive())
}

func TestFlashLoanRunsAtomically(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.runOne(context.Background(), flashOpp("op-flash"))

	results := f.publisher.all()
	require.Len(t, results, 1)
	assert.Equal(t, opportunity.StateSuccess, results[0].State)
	assert.Equal(t, int64(1), f.chain.Sends())
}

func TestFlashLoanWithoutLoanLegFailsCleanly(t *testing.T) {
	f := newFixture(t, nil)
	o := flashOpp("op-flash-bare")
	o.Loan = nil
	o.NetProfitUSD = o.GrossProfitUSD.Sub(o.GasCostUSD)
	f.coord.runOne(context.Background(), o)

	results := f.publisher.all()
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, opportunity.StateFailed, res.State)
	assert.Contains(t, res.Error, "loan leg")
	assert.Zero(t, f.chain.Sends())
}

func TestMidSequenceFailureIsPartial(t *testing.T) {
	f := newFixture(t, nil)
	f.sellVenue.FailQuotes(true)
	f.coord.runOne(context.Background(), crossOpp("op-partial"))

	results := f.publisher.all()
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, opportunity.StateFailed, res.State)
	assert.Equal(t, "execution_partial", res.ErrorCause)
	// The first swap landed before the second hop failed.
	assert.Len(t, res.TxRefs, 1)
	assert.Contains(t, res.Error, "swap_2")
}

func TestInsufficientBalanceFailsBeforeSending(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.SetBalance("USDC", decimal.NewFromInt(10))
	f.coord.runOne(context.Background(), crossOpp("op-broke"))

	results := f.publisher.all()
	require.Len(t, results, 1)
	assert.Equal(t, opportunity.StateFailed, results[0].State)
	assert.Contains(t, results[0].Error, "check_balance")
	assert.Zero(t, f.chain.Sends())
}

type stubContract struct{ supported bool }

func (s stubContract) Supports([]string) bool { return s.supported }

func (s stubContract) BuildMultiSwap(_ context.Context, legs []adapters.Tx) (adapters.Tx, error) {
	return &fake.LoanBundleTx{Provider: "contract", Legs: legs}, nil
}

func triangularOpp(id string) *opportunity.Opportunity {
	o := crossOpp(id)
	o.Kind = opportunity.KindTriangular
	o.Path = []string{"USDC", "WETH", "USDC"}
	return o
}

func TestTriangularUsesContractWhenSupported(t *testing.T) {
	f := newFixture(t, stubContract{supported: true})
	f.coord.runOne(context.Background(), triangularOpp("op-tri"))

	results := f.publisher.all()
	require.Len(t, results, 1)
	assert.Equal(t, opportunity.StateSuccess, results[0].State)
	assert.Equal(t, int64(1), f.chain.Sends(), "one atomic multi-swap")
}

func TestTriangularFallsBackToSequential(t *testing.T) {
	f := newFixture(t, stubContract{supported: false})
	f.coord.runOne(context.Background(), triangularOpp("op-tri"))

	results := f.publisher.all()
	require.Len(t, results, 1)
	assert.Equal(t, opportunity.StateSuccess, results[0].State)
	assert.Equal(t, int64(2), f.chain.Sends(), "one transaction per hop")
}

func TestWorkersDrainQueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.coord.Run(ctx)
		close(done)
	}()

	require.True(t, f.queue.Enqueue(crossOpp("op-a")))
	require.True(t, f.queue.Enqueue(crossOpp("op-b")))

	deadline := time.After(3 * time.Second)
	for len(f.publisher.all()) < 2 {
		select {
		case <-f.publisher.notify:
		case <-deadline:
			t.Fatal("workers did not drain the queue")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}
	for _, res := range f.publisher.all() {
		assert.Equal(t, opportunity.StateSuccess, res.State)
	}
}
