// Package adapters declares the external surfaces the pipeline consumes:
// chain adapters (RPC, gas, tx submit) and venue adapters (quotes,
// liquidity, swap building). Implementations are injected through
// constructors; the core never reaches for a global client.
package adapters

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

// Tx is an adapter-built transaction. The core never inspects it.
type Tx interface{}

// Signer authorizes transactions. Opaque to the core.
type Signer interface{}

// GasPrice carries either a legacy price or the EIP-1559 triple. All
// values are in the chain's native gas unit.
type GasPrice struct {
	Legacy      decimal.Decimal
	BaseFee     decimal.Decimal
	MaxFee      decimal.Decimal
	PriorityFee decimal.Decimal
	EIP1559     bool
}

// Event is a decoded log entry the adapter declares from a receipt.
// Parsing ABIs is the adapter's concern; the core only reads the
// declared USD deltas.
type Event struct {
	Name      string
	AmountUSD decimal.Decimal
}

// Receipt is the post-inclusion record of a transaction.
type Receipt struct {
	TxRef       string
	Success     bool
	GasUsed     uint64
	BlockNumber uint64
	Events      []Event
}

// ChainAdapter is the per-chain RPC surface. Every method honors the
// context deadline; WaitForReceipt additionally stops waiting once the
// deadline passes even though the transaction stays in flight on chain.
type ChainAdapter interface {
	Name() string
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	GetBalance(ctx context.Context, token, wallet string) (decimal.Decimal, error)
	GetGasPrice(ctx context.Context) (GasPrice, error)
	EstimateGas(ctx context.Context, tx Tx) (uint64, error)
	SendTransaction(ctx context.Context, tx Tx, signer Signer) (string, error)
	WaitForReceipt(ctx context.Context, txRef string) (*Receipt, error)
	CurrentBlock(ctx context.Context) (uint64, error)
	IsHealthy(ctx context.Context) bool
}

// SwapParams describes one swap leg for BuildSwap.
type SwapParams struct {
	Pair      opportunity.Pair
	SellBase  bool // true: sell Base for Quote, false: the reverse
	AmountIn  decimal.Decimal
	MinOut    decimal.Decimal
	Recipient string
	Deadline  time.Time
}

// Quote is a venue's answer for a pair at a given size.
type Quote struct {
	Price       decimal.Decimal
	AmountOut   decimal.Decimal
	PriceImpact decimal.Decimal
}

// VenueAdapter is one DEX instance on one chain.
type VenueAdapter interface {
	Name() string
	Chain() string
	// FeeFraction is the venue's taker fee as a fraction (0.003 = 30bps).
	FeeFraction() decimal.Decimal
	Quote(ctx context.Context, pair opportunity.Pair, amountIn decimal.Decimal) (Quote, error)
	Liquidity(ctx context.Context, pair opportunity.Pair) (decimal.Decimal, error)
	BuildSwap(ctx context.Context, params SwapParams) (Tx, error)
}

// LoanProvider is a flash-loan source on one chain.
type LoanProvider interface {
	Name() string
	Chain() string
	// MaxLoan is the provider's available liquidity for token.
	MaxLoan(ctx context.Context, token string) (decimal.Decimal, error)
	// FeeFraction is the loan fee as a fraction of the principal.
	FeeFraction() decimal.Decimal
	// BuildLoanBundle wraps borrow, the two swaps, and repay into one
	// atomic transaction.
	BuildLoanBundle(ctx context.Context, token string, amount decimal.Decimal, legs []Tx) (Tx, error)
}

// ContractExecutor builds a single atomic multi-swap transaction for
// routes the deployed executor contract supports. Optional: a nil
// executor forces sequenced direct swaps.
type ContractExecutor interface {
	Supports(path []string) bool
	BuildMultiSwap(ctx context.Context, legs []Tx) (Tx, error)
}
