package scanner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

// scanTriangular simulates each configured three-token cycle on one
// chain, hop by hop, picking the best venue per hop.
func (s *Scanner) scanTriangular(ctx context.Context, chain string) {
	for _, cycle := range s.cfg.Triangles[chain] {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if len(cycle) != 3 {
			continue
		}
		s.scanCycle(ctx, chain, cycle)
	}
}

func (s *Scanner) scanCycle(ctx context.Context, chain string, cycle []string) {
	route := []string{cycle[0], cycle[1], cycle[2], cycle[0]}
	start, err := s.probeAmount(chain, route[0])
	if err != nil {
		s.logger.Debug().Err(err).Str("token", route[0]).Msg("cannot size probe")
		return
	}

	// Hops are quoted sequentially: each hop's input is the previous
	// hop's simulated output.
	amount := start
	venues := make([]string, 0, 3)
	impact := decimal.Zero
	liquidity := decimal.Zero
	for i := 0; i < 3; i++ {
		pair := opportunity.Pair{Base: route[i], Quote: route[i+1]}
		best, ok := s.bestQuote(ctx, chain, pair, amount)
		if !ok {
			return
		}
		amount = best.quote.AmountOut
		venues = append(venues, best.venue.Name())
		if best.quote.PriceImpact.GreaterThan(impact) {
			impact = best.quote.PriceImpact
		}
		if i == 0 || best.liquidityUSD.LessThan(liquidity) {
			liquidity = best.liquidityUSD
		}
	}

	grossTokens := amount.Sub(start)
	if !grossTokens.IsPositive() {
		return
	}
	profitFrac, _ := grossTokens.Div(start).Float64()
	if profitFrac < s.minProfitPct {
		return
	}

	startUSD, err := s.deps.Oracle.PriceUSD(chain, route[0])
	if err != nil {
		s.logger.Debug().Err(err).Str("token", route[0]).Msg("cannot price cycle token")
		return
	}
	grossUSD := grossTokens.Mul(startUSD)

	gasUSD, err := s.estimateGasUSD(ctx, chain, 3)
	if err != nil {
		s.logger.Debug().Err(err).Str("chain", chain).Msg("cannot estimate gas")
		return
	}

	s.emit(&opportunity.Opportunity{
		ID:                uuid.NewString(),
		Kind:              opportunity.KindTriangular,
		Chain:             chain,
		DetectedAt:        time.Now(),
		Path:              route,
		Venues:            venues,
		AmountIn:          start,
		ExpectedAmountOut: amount,
		GrossProfitUSD:    grossUSD,
		GasCostUSD:        gasUSD,
		NetProfitUSD:      grossUSD.Sub(gasUSD),
		PriceImpact:       impact,
		LiquidityUSD:      liquidity,
	})
}
