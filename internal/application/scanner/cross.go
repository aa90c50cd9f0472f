package scanner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

var one = decimal.NewFromInt(1)

// scanCross looks for the same pair priced differently on two venues of
// one chain: buy the base where it is cheap, sell where it is dear.
func (s *Scanner) scanCross(ctx context.Context, chain string) {
	for _, pair := range s.cfg.Pairs[chain] {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.scanCrossPair(ctx, chain, pair)
	}
}

func (s *Scanner) scanCrossPair(ctx context.Context, chain string, pair opportunity.Pair) {
	amountIn, err := s.probeAmount(chain, pair.Base)
	if err != nil {
		s.logger.Debug().Err(err).Str("pair", pair.String()).Msg("cannot size probe")
		return
	}
	quotes := s.collectQuotes(ctx, chain, pair, amountIn)
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

	if o, ok := s.buildCross(ctx, chain, pair, amountIn, buy, sell); ok {
		s.emit(o)
	}
}

// buildCross prices the round trip in the quote token: spend on the
// cheap venue (fee on top), receive on the dear venue (fee off the
// proceeds). Both legs count toward gas.
func (s *Scanner) buildCross(ctx context.Context, chain string, pair opportunity.Pair, amountIn decimal.Decimal, buy, sell venueQuote) (*opportunity.Opportunity, bool) {
	cost := amountIn.Mul(buy.quote.Price).Mul(one.Add(buy.venue.FeeFraction()))
	proceeds := amountIn.Mul(sell.quote.Price).Mul(one.Sub(sell.venue.FeeFraction()))
	grossQuote := proceeds.Sub(cost)
	if !grossQuote.IsPositive() {
		return nil, false
	}

	quoteUSD, err := s.deps.Oracle.PriceUSD(chain, pair.Quote)
	if err != nil {
		s.logger.Debug().Err(err).Str("pair", pair.String()).Msg("cannot price quote token")
		return nil, false
	}
	grossUSD := grossQuote.Mul(quoteUSD)

	// min_profit_pct is a fraction of trade size (0.003 = 0.3%).
	profitFrac, _ := grossQuote.Div(cost).Float64()
	if profitFrac < s.minProfitPct {
		return nil, false
	}

	gasUSD, err := s.estimateGasUSD(ctx, chain, 2)
	if err != nil {
		s.logger.Debug().Err(err).Str("chain", chain).Msg("cannot estimate gas")
		return nil, false
	}

	impact := buy.quote.PriceImpact
	if sell.quote.PriceImpact.GreaterThan(impact) {
		impact = sell.quote.PriceImpact
	}

	return &opportunity.Opportunity{
		ID:         uuid.NewString(),
		Kind:       opportunity.KindCrossExchange,
		Chain:      chain,
		DetectedAt: time.Now(),
		// The route is quote -> base -> quote, so the input leg is the
		// quote token and USD sizing prices what we actually spend.
		Path:              []string{pair.Quote, pair.Base, pair.Quote},
		Venues:            []string{buy.venue.Name(), sell.venue.Name()},
		AmountIn:          cost,
		ExpectedAmountOut: proceeds,
		GrossProfitUSD:    grossUSD,
		GasCostUSD:        gasUSD,
		NetProfitUSD:      grossUSD.Sub(gasUSD),
		PriceImpact:       impact,
		LiquidityUSD:      decimal.Min(buy.liquidityUSD, sell.liquidityUSD),
	}, true
}
