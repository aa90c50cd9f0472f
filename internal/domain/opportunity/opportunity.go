// Package opportunity holds the canonical opportunity record and the
// value types that flow through the pipeline. Every strategy serializes
// into this one schema; enrichment returns a copy, never mutates in place.
package opportunity

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies the arbitrage strategy that produced an opportunity.
type Kind string

const (
	KindCrossExchange Kind = "cross_exchange"
	KindTriangular    Kind = "triangular"
	KindFlashLoan     Kind = "flash_loan"
	KindBackrun       Kind = "backrun"
)

// Kinds lists every executable strategy kind in queue-weight order.
func Kinds() []Kind {
	return []Kind{KindCrossExchange, KindTriangular, KindFlashLoan, KindBackrun}
}

// State is the lifecycle state of an opportunity. Terminal states are
// immutable once reached.
type State string

const (
	StatePending   State = "pending"
	StateExecuting State = "executing"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
	StateRejected  State = "rejected"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateExpired, StateRejected, StateCancelled:
		return true
	}
	return false
}

// Pair identifies a tradeable token pair.
type Pair struct {
	Base  string `json:"base" yaml:"base"`
	Quote string `json:"quote" yaml:"quote"`
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// Loan describes the optional flash-loan leg of an opportunity.
type Loan struct {
	Provider string          `json:"provider"`
	Amount   decimal.Decimal `json:"amount"`
	FeeUSD   decimal.Decimal `json:"fee_usd"`
}

// Opportunity is an identified arbitrage candidate. Core fields are
// immutable after the aggregator hands it to the queue; ownership moves
// with the record through channels, one component at a time.
type Opportunity struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Chain      string    `json:"chain"`
	DetectedAt time.Time `json:"detected_at"`

	// Path is the ordered token route; Venues aligns with its hops,
	// so len(Venues) == len(Path)-1 always holds.
	Path   []string `json:"path"`
	Venues []string `json:"venues"`

	AmountIn          decimal.Decimal `json:"amount_in"`
	ExpectedAmountOut decimal.Decimal `json:"expected_amount_out"`

	GrossProfitUSD decimal.Decimal `json:"gross_profit_usd"`
	GasCostUSD     decimal.Decimal `json:"gas_cost_usd"`
	NetProfitUSD   decimal.Decimal `json:"net_profit_usd"`

	PriceImpact  decimal.Decimal `json:"price_impact"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`

	RiskScore  float64 `json:"risk_score"` // 0-100, higher = riskier
	Priority   int     `json:"priority"`   // 1-10, higher first
	Confidence float64 `json:"confidence"` // 0-100

	Loan *Loan `json:"loan,omitempty"`
}

// Validate checks the structural invariants of the record.
func (o *Opportunity) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("opportunity missing id")
	}
	if len(o.Path) < 2 {
		return fmt.Errorf("opportunity %s: path needs at least 2 tokens, got %d", o.ID, len(o.Path))
	}
	if len(o.Venues) != len(o.Path)-1 {
		return fmt.Errorf("opportunity %s: %d venues do not align with %d path hops", o.ID, len(o.Venues), len(o.Path)-1)
	}
	if o.AmountIn.IsNegative() {
		return fmt.Errorf("opportunity %s: negative amount_in", o.ID)
	}
	if o.Kind == KindFlashLoan && o.Loan == nil {
		return fmt.Errorf("opportunity %s: flash loan without a loan leg", o.ID)
	}
	want := o.GrossProfitUSD.Sub(o.GasCostUSD)
	if o.Loan != nil {
		want = want.Sub(o.Loan.FeeUSD)
	}
	if !o.NetProfitUSD.Equal(want) {
		return fmt.Errorf("opportunity %s: net profit %s does not reconcile to %s", o.ID, o.NetProfitUSD, want)
	}
	return nil
}

// Age returns how long ago the opportunity was detected. DetectedAt is
// captured with time.Now, so the comparison rides the monotonic clock.
func (o *Opportunity) Age(now time.Time) time.Duration {
	return now.Sub(o.DetectedAt)
}

// Fingerprint collapses duplicates: two opportunities with the same
// (chain, kind, path, venues) compete for one queue slot.
func (o *Opportunity) Fingerprint() string {
	return string(o.Kind) + "|" + o.Chain + "|" + strings.Join(o.Path, ">") + "|" + strings.Join(o.Venues, ">")
}

// Clone returns a deep copy so enrichment never aliases the original.
func (o *Opportunity) Clone() *Opportunity {
	cp := *o
	cp.Path = append([]string(nil), o.Path...)
	cp.Venues = append([]string(nil), o.Venues...)
	if o.Loan != nil {
		loan := *o.Loan
		cp.Loan = &loan
	}
	return &cp
}

// PriceQuote is a single venue quote for a pair on a chain.
type PriceQuote struct {
	Chain     string          `json:"chain"`
	Venue     string          `json:"venue"`
	Pair      Pair            `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	AmountOut decimal.Decimal `json:"amount_out"`
	// PriceImpact is the fractional price change a trade of the quoted
	// size would cause, in [0,1].
	PriceImpact  decimal.Decimal `json:"price_impact"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Stale reports whether the quote is older than ttl at now.
func (q *PriceQuote) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(q.Timestamp) > ttl
}

// ExecutionResult is the terminal outcome of one opportunity. Exactly one
// result is recorded per opportunity id.
type ExecutionResult struct {
	OpportunityID string          `json:"opportunity_id"`
	Kind          Kind            `json:"kind"`
	Chain         string          `json:"chain"`
	State         State           `json:"state"`
	Success       bool            `json:"success"`
	ProfitUSD     decimal.Decimal `json:"realized_profit_usd"`
	GasCostUSD    decimal.Decimal `json:"realized_gas_cost_usd"`
	TxRefs        []string        `json:"tx_refs,omitempty"`
	Elapsed       time.Duration   `json:"elapsed"`
	RecordedAt    time.Time       `json:"recorded_at"`
	Error         string          `json:"error,omitempty"`
	ErrorCause    string          `json:"error_cause,omitempty"`
}

// CrossChainOpportunity is informational only: the same pair priced
// differently on two chains. It is never executed by the pipeline.
type CrossChainOpportunity struct {
	Pair       Pair            `json:"pair"`
	ChainA     string          `json:"chain_a"`
	ChainB     string          `json:"chain_b"`
	PriceA     decimal.Decimal `json:"price_a"`
	PriceB     decimal.Decimal `json:"price_b"`
	DeltaPct   decimal.Decimal `json:"delta_pct"`
	DetectedAt time.Time       `json:"detected_at"`
}
