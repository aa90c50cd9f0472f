// Package risk contains the pure scoring model: six normalized factors
// combined into a weighted 0-100 risk score, plus the priority and
// confidence formulas. Everything here is deterministic — same inputs,
// same score — so the aggregator and the coordinator's re-check agree.
package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

// Level buckets a 0-100 risk score.
type Level string

const (
	LevelLow      Level = "low"      // score < 25
	LevelMedium   Level = "medium"   // score < 50
	LevelHigh     Level = "high"     // score < 75
	LevelCritical Level = "critical" // score >= 75
)

// LevelFor maps a score to its bucket.
func LevelFor(score float64) Level {
	switch {
	case score < 25:
		return LevelLow
	case score < 50:
		return LevelMedium
	case score < 75:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Factor weights. The six factors are profit, liquidity, gas, market,
// technical, execution; weights sum to 1.
const (
	weightProfit    = 0.25
	weightLiquidity = 0.20
	weightGas       = 0.15
	weightMarket    = 0.15
	weightTechnical = 0.15
	weightExecution = 0.10
)

// Factors holds the six normalized (0-100) risk factors.
type Factors struct {
	Profit    float64 `json:"profit"`
	Liquidity float64 `json:"liquidity"`
	Gas       float64 `json:"gas"`
	Market    float64 `json:"market"`
	Technical float64 `json:"technical"`
	Execution float64 `json:"execution"`
}

// Sum returns the unweighted factor total, used by the confidence formula.
func (f Factors) Sum() float64 {
	return f.Profit + f.Liquidity + f.Gas + f.Market + f.Technical + f.Execution
}

// Assessment is the scored view of an opportunity.
type Assessment struct {
	Score      float64 `json:"score"`
	Level      Level   `json:"level"`
	Factors    Factors `json:"factors"`
	Confidence float64 `json:"confidence"`
	Priority   int     `json:"priority"`
}

// profitReferenceUSD anchors the profit factor: an opportunity netting
// this much sits at 50 profit risk.
var profitReferenceUSD = decimal.NewFromInt(50)

// Score computes the six factors and the weighted risk score for o.
// successRate is the historical (chain, kind) success estimate in [0,1]
// and scales confidence, not the risk score itself.
func Score(o *opportunity.Opportunity, successRate float64) Assessment {
	f := Factors{
		Profit:    profitFactor(o.NetProfitUSD),
		Liquidity: liquidityFactor(o.AmountIn, o.LiquidityUSD),
		Gas:       gasFactor(o.GasCostUSD, o.GrossProfitUSD),
		Market:    marketFactor(o.PriceImpact),
		Technical: technicalFactor(o),
		Execution: executionFactor(o.Kind),
	}

	score := f.Profit*weightProfit +
		f.Liquidity*weightLiquidity +
		f.Gas*weightGas +
		f.Market*weightMarket +
		f.Technical*weightTechnical +
		f.Execution*weightExecution

	confidence := clamp(100-f.Sum()*0.1, 0, 100)
	confidence *= clamp(successRate, 0, 1)

	return Assessment{
		Score:      score,
		Level:      LevelFor(score),
		Factors:    f,
		Confidence: confidence,
		Priority:   priority(f.Profit, score, confidence),
	}
}

// priority implements clip(1..10, round(profitScore * (1 - risk/100) *
// (confidence/100) * 10)) where profitScore is the inverted profit factor.
func priority(profitFactor, score, confidence float64) int {
	profitScore := (100 - profitFactor) / 100
	p := int(math.Round(profitScore * (1 - score/100) * (confidence / 100) * 10))
	if p < 1 {
		p = 1
	}
	if p > 10 {
		p = 10
	}
	return p
}

// profitFactor shrinks toward 0 as net profit grows past the reference.
func profitFactor(netProfitUSD decimal.Decimal) float64 {
	if netProfitUSD.IsNegative() {
		return 100
	}
	net, _ := netProfitUSD.Float64()
	ref, _ := profitReferenceUSD.Float64()
	return clamp(100*ref/(ref+net), 0, 100)
}

// liquidityFactor penalizes trades that are large relative to the pool.
// Consuming 20% of available liquidity saturates the factor.
func liquidityFactor(amountIn, liquidityUSD decimal.Decimal) float64 {
	if liquidityUSD.IsZero() || liquidityUSD.IsNegative() {
		return 100
	}
	ratio, _ := amountIn.Div(liquidityUSD).Float64()
	return clamp(ratio*500, 0, 100)
}

// gasFactor saturates when gas eats half the gross profit.
func gasFactor(gasCostUSD, grossProfitUSD decimal.Decimal) float64 {
	if grossProfitUSD.IsZero() || grossProfitUSD.IsNegative() {
		return 100
	}
	frac, _ := gasCostUSD.Div(grossProfitUSD).Float64()
	return clamp(frac*200, 0, 100)
}

// marketFactor maps price impact onto risk; 10% impact saturates.
func marketFactor(priceImpact decimal.Decimal) float64 {
	impact, _ := priceImpact.Float64()
	return clamp(impact*1000, 0, 100)
}

// technicalFactor grows with route complexity. Each extra hop adds 25;
// a loan leg adds 20 on top.
func technicalFactor(o *opportunity.Opportunity) float64 {
	hops := len(o.Path) - 1
	f := float64(hops-1) * 25
	if o.Loan != nil {
		f += 20
	}
	return clamp(f, 0, 100)
}

// executionFactor reflects how much can go wrong per strategy kind.
func executionFactor(kind opportunity.Kind) float64 {
	switch kind {
	case opportunity.KindCrossExchange:
		return 20
	case opportunity.KindTriangular:
		return 40
	case opportunity.KindFlashLoan:
		return 60
	case opportunity.KindBackrun:
		return 80
	default:
		return 100
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
