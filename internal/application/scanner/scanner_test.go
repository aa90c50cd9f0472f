package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbrun/arbrun/internal/adapters"
	"github.com/arbrun/arbrun/internal/adapters/fake"
	"github.com/arbrun/arbrun/internal/config"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/infrastructure/cache"
	"github.com/arbrun/arbrun/internal/infrastructure/oracle"
)

var wethUSDC = opportunity.Pair{Base: "WETH", Quote: "USDC"}

type fixture struct {
	scanner *Scanner
	out     chan *opportunity.Opportunity
	cache   *cache.PriceCache
	chain   *fake.Chain
}

// newFixture wires a scanner for one fake ethereum chain with a 0.5%
// profit floor. With ETH at $2000 and 20 gwei flat gas, a two-leg trade
// costs $12 in gas.
func newFixture(t *testing.T, venues []adapters.VenueAdapter, loans []adapters.LoanProvider) *fixture {
	t.Helper()
	ch := fake.NewChain("ethereum")
	out := make(chan *opportunity.Opportunity, 16)
	pc := cache.New(2*time.Minute, nil)
	t.Cleanup(pc.Stop)

	cfg := config.ScannerConfig{
		Pairs:       map[string][]opportunity.Pair{"ethereum": {wethUSDC}},
		Triangles:   map[string][][]string{"ethereum": {{"WETH", "USDC", "DAI"}}},
		NativeToken: map[string]string{"ethereum": "ETH"},
		ProbeUSD:    1000,
	}
	cfg.FlashLoan.CapFraction = 0.5
	cfg.FlashLoan.CapUSD = 50000

	s := New(zerolog.Nop(), cfg, 0.005, 2*time.Second, Deps{
		Chains: map[string]adapters.ChainAdapter{"ethereum": ch},
		Venues: map[string][]adapters.VenueAdapter{"ethereum": venues},
		Loans:  map[string][]adapters.LoanProvider{"ethereum": loans},
		Cache:  pc,
		Oracle: oracle.NewStatic(map[string]float64{"WETH": 2000, "USDC": 1, "DAI": 1, "ETH": 2000}),
		Out:    out,
	})
	return &fixture{scanner: s, out: out, cache: pc, chain: ch}
}

func drain(out chan *opportunity.Opportunity) []*opportunity.Opportunity {
	var got []*opportunity.Opportunity
	for {
		select {
		case o := <-out:
			got = append(got, o)
		default:
			return got
		}
	}
}

func twoVenues(buyPrice, sellPrice float64) []adapters.VenueAdapter {
	a := fake.NewVenue("uniswap", "ethereum")
	a.SetPrice(wethUSDC, buyPrice)
	b := fake.NewVenue("sushiswap", "ethereum")
	b.SetPrice(wethUSDC, sellPrice)
	return []adapters.VenueAdapter{a, b}
}

func TestCrossExchangeDetectsSpread(t *testing.T) {
	f := newFixture(t, twoVenues(2000, 2050), nil)
	f.scanner.scanCrossPair(context.Background(), "ethereum", wethUSDC)

	got := drain(f.out)
	require.Len(t, got, 1)
	o := got[0]
	require.NoError(t, o.Validate())
	assert.Equal(t, opportunity.KindCrossExchange, o.Kind)
	assert.Equal(t, []string{"USDC", "WETH", "USDC"}, o.Path)
	assert.Equal(t, []string{"uniswap", "sushiswap"}, o.Venues)

	// Probe is 0.5 WETH: cost 1003 USDC, proceeds 1021.925 USDC,
	// gross $18.925, gas $12.
	gross, _ := o.GrossProfitUSD.Float64()
	net, _ := o.NetProfitUSD.Float64()
	assert.InDelta(t, 18.925, gross, 0.001)
	assert.InDelta(t, 6.925, net, 0.001)
}

func TestCrossExchangeIgnoresSpreadInsideFees(t *testing.T) {
	f := newFixture(t, twoVenues(2000, 2006), nil)
	f.scanner.scanCrossPair(context.Background(), "ethereum", wethUSDC)
	assert.Empty(t, drain(f.out))
}

func TestProfitFloorIsFractionOfTradeSize(t *testing.T) {
	feeless := func(buyPrice, sellPrice float64) []adapters.VenueAdapter {
		vs := twoVenues(buyPrice, sellPrice)
		for _, v := range vs {
			v.(*fake.Venue).Fee = decimal.Zero
		}
		return vs
	}

	// 0.025% edge is under a 0.003 (0.3%) floor even with zero fees.
	f := newFixture(t, feeless(2000, 2000.5), nil)
	f.scanner.minProfitPct = 0.003
	f.scanner.scanCrossPair(context.Background(), "ethereum", wethUSDC)
	assert.Empty(t, drain(f.out))

	// 0.5% edge clears it.
	f = newFixture(t, feeless(2000, 2010), nil)
	f.scanner.minProfitPct = 0.003
	f.scanner.scanCrossPair(context.Background(), "ethereum", wethUSDC)
	assert.Len(t, drain(f.out), 1)
}

func TestCrossExchangeSkipsFailingVenue(t *testing.T) {
	venues := twoVenues(2000, 2050)
	broken := fake.NewVenue("rugdex", "ethereum")
	broken.SetPrice(wethUSDC, 1900)
	broken.FailQuotes(true)
	venues = append(venues, broken)

	f := newFixture(t, venues, nil)
	f.scanner.scanCrossPair(context.Background(), "ethereum", wethUSDC)

	got := drain(f.out)
	require.Len(t, got, 1)
	assert.NotContains(t, got[0].Venues, "rugdex")
}

func TestCrossExchangeNeedsTwoQuotes(t *testing.T) {
	venues := twoVenues(2000, 2050)
	venues[1].(*fake.Venue).FailQuotes(true)
	f := newFixture(t, venues, nil)
	f.scanner.scanCrossPair(context.Background(), "ethereum", wethUSDC)
	assert.Empty(t, drain(f.out))
}

func TestQuotesLandInCache(t *testing.T) {
	f := newFixture(t, twoVenues(2000, 2050), nil)
	f.scanner.scanCrossPair(context.Background(), "ethereum", wethUSDC)

	q, ok := f.cache.Get("ethereum", "uniswap", wethUSDC)
	require.True(t, ok)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(2000)))
	_, ok = f.cache.Get("ethereum", "sushiswap", wethUSDC)
	assert.True(t, ok)
}

func TestTriangularCycle(t *testing.T) {
	v := fake.NewVenue("uniswap", "ethereum")
	v.SetPrice(wethUSDC, 2000)
	v.SetPrice(opportunity.Pair{Base: "USDC", Quote: "DAI"}, 1.0)
	v.SetPrice(opportunity.Pair{Base: "DAI", Quote: "WETH"}, 0.00051)

	f := newFixture(t, []adapters.VenueAdapter{v}, nil)
	f.scanner.scanCycle(context.Background(), "ethereum", []string{"WETH", "USDC", "DAI"})

	got := drain(f.out)
	require.Len(t, got, 1)
	o := got[0]
	require.NoError(t, o.Validate())
	assert.Equal(t, opportunity.KindTriangular, o.Kind)
	assert.Equal(t, []string{"WETH", "USDC", "DAI", "WETH"}, o.Path)
	require.Len(t, o.Venues, 3)

	// 0.5 -> 997 -> 994.009 -> 0.505424 WETH, gross about $10.85.
	gross, _ := o.GrossProfitUSD.Float64()
	assert.InDelta(t, 10.85, gross, 0.01)
}

func TestTriangularSkipsUnprofitableCycle(t *testing.T) {
	v := fake.NewVenue("uniswap", "ethereum")
	v.SetPrice(wethUSDC, 2000)
	v.SetPrice(opportunity.Pair{Base: "USDC", Quote: "DAI"}, 1.0)
	v.SetPrice(opportunity.Pair{Base: "DAI", Quote: "WETH"}, 0.0004)

	f := newFixture(t, []adapters.VenueAdapter{v}, nil)
	f.scanner.scanCycle(context.Background(), "ethereum", []string{"WETH", "USDC", "DAI"})
	assert.Empty(t, drain(f.out))
}

func TestFlashLoanSizesAndPicksCheapestProvider(t *testing.T) {
	cheap := &fake.LoanProvider{
		ProviderName: "aave", ProviderChain: "ethereum",
		Max: decimal.NewFromInt(1000000), Fee: decimal.NewFromFloat(0.0009),
	}
	pricey := &fake.LoanProvider{
		ProviderName: "dydx", ProviderChain: "ethereum",
		Max: decimal.NewFromInt(1000000), Fee: decimal.NewFromFloat(0.003),
	}
	f := newFixture(t, twoVenues(2000, 2050), []adapters.LoanProvider{pricey, cheap})
	f.scanner.scanFlashPair(context.Background(), "ethereum", wethUSDC,
		[]adapters.LoanProvider{pricey, cheap})

	got := drain(f.out)
	require.Len(t, got, 1)
	o := got[0]
	require.NoError(t, o.Validate())
	assert.Equal(t, opportunity.KindFlashLoan, o.Kind)
	require.NotNil(t, o.Loan)
	assert.Equal(t, "aave", o.Loan.Provider)
	// Principal capped by cap_usd: $50000 of USDC.
	assert.True(t, o.Loan.Amount.Equal(decimal.NewFromInt(50000)), "loan %s", o.Loan.Amount)

	// Gross ~$943.4 on the $50k round trip, minus $18 gas and $45 fee.
	net, _ := o.NetProfitUSD.Float64()
	assert.InDelta(t, 880.4, net, 0.5)
}

func TestEmitShedsOldestWhenFeedFull(t *testing.T) {
	f := newFixture(t, nil, nil)
	small := make(chan *opportunity.Opportunity, 2)
	f.scanner.deps.Out = small

	f.scanner.emit(&opportunity.Opportunity{ID: "op-1"})
	f.scanner.emit(&opportunity.Opportunity{ID: "op-2"})
	f.scanner.emit(&opportunity.Opportunity{ID: "op-3"})

	assert.Equal(t, int64(1), f.scanner.Dropped())
	got := drain(small)
	require.Len(t, got, 2)
	assert.Equal(t, "op-2", got[0].ID)
	assert.Equal(t, "op-3", got[1].ID)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, twoVenues(2000, 2050), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.scanner.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scanner did not stop on cancel")
	}
}
