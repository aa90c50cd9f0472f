// Package scanner runs the detection loops: one goroutine per
// (chain, strategy) polling venue quotes and emitting raw opportunity
// candidates into the aggregator feed. Scanners never enrich or gate
// beyond the minimum profit threshold; that is downstream work.
package scanner

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/arbrun/arbrun/internal/adapters"
	"github.com/arbrun/arbrun/internal/config"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/errs"
	"github.com/arbrun/arbrun/internal/infrastructure/cache"
	"github.com/arbrun/arbrun/internal/infrastructure/oracle"
)

// swapGasUnits is the per-swap gas assumption used for pre-trade cost
// estimates. Execution re-estimates with the adapter before sending.
const swapGasUnits = 150_000

const defaultInterval = 3 * time.Second

// Health reports whether a chain is currently degraded. Scanners idle
// on degraded chains instead of producing doomed candidates.
type Health interface {
	ChainDegraded(chain string) bool
}

// Deps wires the scanner to its collaborators.
type Deps struct {
	Chains map[string]adapters.ChainAdapter
	Venues map[string][]adapters.VenueAdapter
	Loans  map[string][]adapters.LoanProvider
	Cache  *cache.PriceCache
	Oracle oracle.Oracle
	Health Health
	// Out is the aggregator feed. Emission never blocks: when the feed
	// is full the oldest queued candidate is dropped first.
	Out chan *opportunity.Opportunity
}

// Scanner owns every detection loop.
type Scanner struct {
	logger        zerolog.Logger
	cfg           config.ScannerConfig
	minProfitPct  float64
	quoteDeadline time.Duration
	deps          Deps

	dropped atomic.Int64
}

// New builds a scanner. minProfitPct and quoteDeadline come from the
// thresholds and timeouts sections of the config.
func New(logger zerolog.Logger, cfg config.ScannerConfig, minProfitPct float64, quoteDeadline time.Duration, deps Deps) *Scanner {
	return &Scanner{
		logger:        logger.With().Str("component", "scanner").Logger(),
		cfg:           cfg,
		minProfitPct:  minProfitPct,
		quoteDeadline: quoteDeadline,
		deps:          deps,
	}
}

// Run starts every configured (chain, strategy) loop and blocks until
// ctx cancels and all loops have drained.
func (s *Scanner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(chain, strategy string, scan func(context.Context, string)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, chain, strategy, scan)
		}()
	}
	for chain := range s.deps.Chains {
		if len(s.cfg.Pairs[chain]) > 0 {
			start(chain, "cross_exchange", s.scanCross)
			if len(s.deps.Loans[chain]) > 0 {
				start(chain, "flash_loan", s.scanFlashLoan)
			}
		}
		if len(s.cfg.Triangles[chain]) > 0 {
			start(chain, "triangular", s.scanTriangular)
		}
	}
	wg.Wait()
}

// Dropped reports how many candidates were evicted from a full feed.
func (s *Scanner) Dropped() int64 { return s.dropped.Load() }

// loop ticks at the chain's configured interval with ±10% jitter so
// scanners on the same interval do not stampede venues in lockstep.
func (s *Scanner) loop(ctx context.Context, chain, strategy string, scan func(context.Context, string)) {
	interval := defaultInterval
	if ms := s.cfg.IntervalMS[chain]; ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}
	logger := s.logger.With().Str("chain", chain).Str("strategy", strategy).Logger()
	logger.Info().Dur("interval", interval).Msg("scan loop started")

	timer := time.NewTimer(jitter(interval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scan loop stopped")
			return
		case <-timer.C:
		}
		if s.deps.Health != nil && s.deps.Health.ChainDegraded(chain) {
			logger.Debug().Msg("chain degraded, idling")
		} else {
			scan(ctx, chain)
		}
		timer.Reset(jitter(interval))
	}
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.9 + 0.2*rand.Float64()))
}

// emit hands a candidate to the aggregator feed without ever blocking a
// scan loop. A full feed sheds its oldest entry; if the feed refills in
// the same instant the newest candidate is shed instead.
func (s *Scanner) emit(o *opportunity.Opportunity) {
	select {
	case s.deps.Out <- o:
		return
	default:
	}
	select {
	case old := <-s.deps.Out:
		s.dropped.Add(1)
		s.logger.Debug().Str("opportunity", old.ID).Msg("feed full, dropped oldest candidate")
	default:
	}
	select {
	case s.deps.Out <- o:
	default:
		s.dropped.Add(1)
		s.logger.Debug().Str("opportunity", o.ID).Msg("feed full, dropped newest candidate")
	}
}

// venueQuote is one venue's answer plus its pool depth.
type venueQuote struct {
	venue        adapters.VenueAdapter
	quote        adapters.Quote
	liquidityUSD decimal.Decimal
}

// collectQuotes fans one pair out to every venue on the chain in
// parallel, each call under its own quote deadline. Failed venues are
// skipped, successful quotes land in the price cache.
func (s *Scanner) collectQuotes(ctx context.Context, chain string, pair opportunity.Pair, amountIn decimal.Decimal) []venueQuote {
	venues := s.deps.Venues[chain]
	results := make([]venueQuote, len(venues))
	ok := make([]bool, len(venues))

	var wg sync.WaitGroup
	for i, v := range venues {
		wg.Add(1)
		go func(i int, v adapters.VenueAdapter) {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, s.quoteDeadline)
			defer cancel()
			q, err := v.Quote(qctx, pair, amountIn)
			if err != nil {
				qerr := &errs.QuoteUnavailableError{Venue: v.Name(), Pair: pair.String(), Err: err}
				s.logger.Debug().Err(qerr).Str("chain", chain).Msg("skipping venue")
				return
			}
			liq, err := v.Liquidity(qctx, pair)
			if err != nil {
				s.logger.Debug().Err(err).
					Str("chain", chain).Str("venue", v.Name()).Str("pair", pair.String()).
					Msg("liquidity unavailable, skipping venue")
				return
			}
			results[i] = venueQuote{venue: v, quote: q, liquidityUSD: liq}
			ok[i] = true
			s.deps.Cache.Put(opportunity.PriceQuote{
				Chain:        chain,
				Venue:        v.Name(),
				Pair:         pair,
				Price:        q.Price,
				AmountOut:    q.AmountOut,
				PriceImpact:  q.PriceImpact,
				LiquidityUSD: liq,
				Timestamp:    time.Now(),
			})
		}(i, v)
	}
	wg.Wait()

	out := results[:0]
	for i := range results {
		if ok[i] {
			out = append(out, results[i])
		}
	}
	return out
}

// bestQuote returns the venue paying out the most for amountIn of the
// pair's base token.
func (s *Scanner) bestQuote(ctx context.Context, chain string, pair opportunity.Pair, amountIn decimal.Decimal) (venueQuote, bool) {
	quotes := s.collectQuotes(ctx, chain, pair, amountIn)
	if len(quotes) == 0 {
		return venueQuote{}, false
	}
	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.quote.AmountOut.GreaterThan(best.quote.AmountOut) {
			best = q
		}
	}
	return best, true
}

// probeAmount sizes a quote probe: the configured USD probe budget
// converted into units of token.
func (s *Scanner) probeAmount(chain, token string) (decimal.Decimal, error) {
	price, err := s.deps.Oracle.PriceUSD(chain, token)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive USD price for %s", token)
	}
	return decimal.NewFromFloat(s.cfg.ProbeUSD).Div(price), nil
}

// estimateGasUSD prices the given number of swap legs at the chain's
// current gas price. Without a priced native token the estimate fails
// and the candidate is skipped rather than emitted with a guessed cost.
func (s *Scanner) estimateGasUSD(ctx context.Context, chain string, swaps int) (decimal.Decimal, error) {
	native := s.cfg.NativeToken[chain]
	if native == "" {
		return decimal.Zero, fmt.Errorf("no native token configured for chain %s", chain)
	}
	nativeUSD, err := s.deps.Oracle.PriceUSD(chain, native)
	if err != nil {
		return decimal.Zero, err
	}
	gctx, cancel := context.WithTimeout(ctx, s.quoteDeadline)
	defer cancel()
	gp, err := s.deps.Chains[chain].GetGasPrice(gctx)
	if err != nil {
		return decimal.Zero, err
	}
	perGas := gp.Legacy
	if gp.EIP1559 {
		perGas = gp.MaxFee
	}
	units := decimal.NewFromInt(int64(swapGasUnits * swaps))
	return perGas.Mul(units).Mul(nativeUSD), nil
}
