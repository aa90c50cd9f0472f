package scanner

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arbrun/arbrun/internal/adapters"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

// scanFlashLoan sizes a cross-venue spread with borrowed capital: the
// quote token is flash-borrowed, swapped through the cheap venue and
// back through the dear one, and repaid with the fee in one bundle.
func (s *Scanner) scanFlashLoan(ctx context.Context, chain string) {
	providers := s.deps.Loans[chain]
	if len(providers) == 0 {
		return
	}
	for _, pair := range s.cfg.Pairs[chain] {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.scanFlashPair(ctx, chain, pair, providers)
	}
}

func (s *Scanner) scanFlashPair(ctx context.Context, chain string, pair opportunity.Pair, providers []adapters.LoanProvider) {
	probe, err := s.probeAmount(chain, pair.Base)
	if err != nil {
		return
	}
	quotes := s.collectQuotes(ctx, chain, pair, probe)
	if len(quotes) < 2 {
		return
	}
	buy, sell := quotes[0], quotes[0]
	for _, q := range quotes[1:] {
		if q.quote.Price.LessThan(buy.quote.Price) {
			buy = q
		}
		if q.quote.Price.GreaterThan(sell.quote.Price) {
			sell = q
		}
	}
	if buy.venue.Name() == sell.venue.Name() {
		return
	}

	quoteUSD, err := s.deps.Oracle.PriceUSD(chain, pair.Quote)
	if err != nil || !quoteUSD.IsPositive() {
		return
	}

	provider, loanAmount, ok := s.sizeLoan(ctx, providers, pair.Quote, quoteUSD)
	if !ok {
		return
	}

	// Round trip at loan size, priced from the probe quotes. The extra
	// impact of the larger size is not simulated here; the aggregator's
	// impact gate and execution min-out bounds cover the difference.
	buyRate := buy.quote.Price.Mul(one.Add(buy.venue.FeeFraction()))
	if !buyRate.IsPositive() {
		return
	}
	baseBought := loanAmount.Div(buyRate)
	proceeds := baseBought.Mul(sell.quote.Price).Mul(one.Sub(sell.venue.FeeFraction()))
	grossQuote := proceeds.Sub(loanAmount)
	if !grossQuote.IsPositive() {
		return
	}
	profitFrac, _ := grossQuote.Div(loanAmount).Float64()
	if profitFrac < s.minProfitPct {
		return
	}

	grossUSD := grossQuote.Mul(quoteUSD)
	feeUSD := loanAmount.Mul(provider.FeeFraction()).Mul(quoteUSD)
	gasUSD, err := s.estimateGasUSD(ctx, chain, 3)
	if err != nil {
		s.logger.Debug().Err(err).Str("chain", chain).Msg("cannot estimate gas")
		return
	}

	impact := buy.quote.PriceImpact
	if sell.quote.PriceImpact.GreaterThan(impact) {
		impact = sell.quote.PriceImpact
	}

	s.emit(&opportunity.Opportunity{
		ID:                uuid.NewString(),
		Kind:              opportunity.KindFlashLoan,
		Chain:             chain,
		DetectedAt:        time.Now(),
		Path:              []string{pair.Quote, pair.Base, pair.Quote},
		Venues:            []string{buy.venue.Name(), sell.venue.Name()},
		AmountIn:          loanAmount,
		ExpectedAmountOut: proceeds,
		GrossProfitUSD:    grossUSD,
		GasCostUSD:        gasUSD,
		NetProfitUSD:      grossUSD.Sub(gasUSD).Sub(feeUSD),
		PriceImpact:       impact,
		LiquidityUSD:      decimal.Min(buy.liquidityUSD, sell.liquidityUSD),
		Loan: &opportunity.Loan{
			Provider: provider.Name(),
			Amount:   loanAmount,
			FeeUSD:   feeUSD,
		},
	})
}

// sizeLoan picks the cheapest provider with available liquidity and
// caps the principal by both the provider fraction and the USD ceiling.
func (s *Scanner) sizeLoan(ctx context.Context, providers []adapters.LoanProvider, token string, tokenUSD decimal.Decimal) (adapters.LoanProvider, decimal.Decimal, bool) {
	byFee := make([]adapters.LoanProvider, len(providers))
	copy(byFee, providers)
	sort.Slice(byFee, func(i, j int) bool {
		return byFee[i].FeeFraction().LessThan(byFee[j].FeeFraction())
	})

	capUSD := decimal.NewFromFloat(s.cfg.FlashLoan.CapUSD)
	capFraction := decimal.NewFromFloat(s.cfg.FlashLoan.CapFraction)
	for _, p := range byFee {
		lctx, cancel := context.WithTimeout(ctx, s.quoteDeadline)
		max, err := p.MaxLoan(lctx, token)
		cancel()
		if err != nil {
			s.logger.Debug().Err(err).Str("provider", p.Name()).Msg("loan liquidity unavailable")
			continue
		}
		amount := decimal.Min(max.Mul(capFraction), capUSD.Div(tokenUSD))
		if amount.IsPositive() {
			return p, amount, true
		}
	}
	return nil, decimal.Zero, false
}
