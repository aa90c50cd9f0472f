package adapters

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

// LimitedVenue throttles quote and liquidity calls against a venue so a
// tight scan interval cannot exhaust the venue's request budget. Swap
// building is not limited; by the time a swap is built the budget was
// already spent on the quote.
type LimitedVenue struct {
	inner   VenueAdapter
	limiter *rate.Limiter
}

// NewLimitedVenue wraps inner with a token bucket of rps requests per
// second and burst capacity.
func NewLimitedVenue(inner VenueAdapter, rps float64, burst int) *LimitedVenue {
	return &LimitedVenue{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (v *LimitedVenue) Name() string                 { return v.inner.Name() }
func (v *LimitedVenue) Chain() string                { return v.inner.Chain() }
func (v *LimitedVenue) FeeFraction() decimal.Decimal { return v.inner.FeeFraction() }

func (v *LimitedVenue) Quote(ctx context.Context, pair opportunity.Pair, amountIn decimal.Decimal) (Quote, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return Quote{}, err
	}
	return v.inner.Quote(ctx, pair, amountIn)
}

func (v *LimitedVenue) Liquidity(ctx context.Context, pair opportunity.Pair) (decimal.Decimal, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return v.inner.Liquidity(ctx, pair)
}

func (v *LimitedVenue) BuildSwap(ctx context.Context, params SwapParams) (Tx, error) {
	return v.inner.BuildSwap(ctx, params)
}
