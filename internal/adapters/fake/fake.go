// Package fake provides deterministic in-memory adapters for tests and
// dry-run mode. No network, no clock dependence beyond time.Now.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/arbrun/arbrun/internal/adapters"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

// Chain is a scriptable ChainAdapter.
type Chain struct {
	ChainName string

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	gasPrice adapters.GasPrice
	receipts map[string]*adapters.Receipt
	healthy  atomic.Bool
	sends    atomic.Int64
	block    atomic.Uint64

	// RevertAll makes every receipt come back failed, for exercising
	// the atomic-revert path.
	RevertAll bool
}

// NewChain returns a healthy fake chain with a flat 20 gwei gas price
// (expressed in native token units per gas).
func NewChain(name string) *Chain {
	c := &Chain{
		ChainName: name,
		balances:  make(map[string]decimal.Decimal),
		receipts:  make(map[string]*adapters.Receipt),
		gasPrice:  adapters.GasPrice{Legacy: decimal.NewFromFloat(0.00000002), EIP1559: false},
	}
	c.healthy.Store(true)
	c.block.Store(1)
	return c
}

func (c *Chain) Name() string { return c.ChainName }

func (c *Chain) Initialize(context.Context) error { return nil }
func (c *Chain) Shutdown(context.Context) error   { return nil }

// SetBalance seeds the wallet balance for token.
func (c *Chain) SetBalance(token string, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[token] = amount
}

func (c *Chain) GetBalance(_ context.Context, token, _ string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[token], nil
}

// SetGasPrice overrides the flat gas price.
func (c *Chain) SetGasPrice(gp adapters.GasPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gasPrice = gp
}

func (c *Chain) GetGasPrice(context.Context) (adapters.GasPrice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gasPrice, nil
}

func (c *Chain) EstimateGas(context.Context, adapters.Tx) (uint64, error) {
	return 210000, nil
}

func (c *Chain) SendTransaction(_ context.Context, tx adapters.Tx, _ adapters.Signer) (string, error) {
	n := c.sends.Add(1)
	ref := fmt.Sprintf("%s-tx-%d", c.ChainName, n)
	c.block.Add(1)

	success := !c.RevertAll
	var events []adapters.Event
	if swap, ok := tx.(*SwapTx); ok && success {
		events = append(events, adapters.Event{Name: "swap", AmountUSD: swap.ProfitUSD})
	}
	c.mu.Lock()
	c.receipts[ref] = &adapters.Receipt{
		TxRef:       ref,
		Success:     success,
		GasUsed:     180000,
		BlockNumber: c.block.Load(),
		Events:      events,
	}
	c.mu.Unlock()
	return ref, nil
}

func (c *Chain) WaitForReceipt(ctx context.Context, txRef string) (*adapters.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[txRef]
	if !ok {
		return nil, fmt.Errorf("unknown tx %s", txRef)
	}
	return r, nil
}

func (c *Chain) CurrentBlock(context.Context) (uint64, error) {
	return c.block.Load(), nil
}

func (c *Chain) IsHealthy(context.Context) bool { return c.healthy.Load() }

// SetHealthy flips the health report, for degradation scenarios.
func (c *Chain) SetHealthy(h bool) { c.healthy.Store(h) }

// Sends reports how many transactions were submitted.
func (c *Chain) Sends() int64 { return c.sends.Load() }

// SwapTx is the fake transaction a fake venue builds. ProfitUSD flows
// into the receipt's declared swap event.
type SwapTx struct {
	Venue     string
	Params    adapters.SwapParams
	ProfitUSD decimal.Decimal
}

// Venue is a scriptable VenueAdapter with fixed prices per pair.
type Venue struct {
	VenueName  string
	VenueChain string
	Fee        decimal.Decimal

	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	liquidity map[string]decimal.Decimal
	impact    decimal.Decimal
	failQuote bool
	// ProfitPerSwapUSD is declared on every built swap's event.
	ProfitPerSwapUSD decimal.Decimal
}

// NewVenue returns a venue with a 30bps fee and $100k liquidity default.
func NewVenue(name, chain string) *Venue {
	return &Venue{
		VenueName:  name,
		VenueChain: chain,
		Fee:        decimal.NewFromFloat(0.003),
		prices:     make(map[string]decimal.Decimal),
		liquidity:  make(map[string]decimal.Decimal),
		impact:     decimal.NewFromFloat(0.001),
	}
}

func (v *Venue) Name() string                 { return v.VenueName }
func (v *Venue) Chain() string                { return v.VenueChain }
func (v *Venue) FeeFraction() decimal.Decimal { return v.Fee }

// SetPrice fixes the pair price (quote tokens per base token).
func (v *Venue) SetPrice(pair opportunity.Pair, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[pair.String()] = decimal.NewFromFloat(price)
}

// SetLiquidity fixes the USD liquidity reported for pair.
func (v *Venue) SetLiquidity(pair opportunity.Pair, usd float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.liquidity[pair.String()] = decimal.NewFromFloat(usd)
}

// FailQuotes makes every Quote call error until re-enabled.
func (v *Venue) FailQuotes(fail bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failQuote = fail
}

func (v *Venue) Quote(_ context.Context, pair opportunity.Pair, amountIn decimal.Decimal) (adapters.Quote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failQuote {
		return adapters.Quote{}, fmt.Errorf("%s: quote endpoint down", v.VenueName)
	}
	price, ok := v.prices[pair.String()]
	if !ok {
		return adapters.Quote{}, fmt.Errorf("%s: no market for %s", v.VenueName, pair)
	}
	return adapters.Quote{
		Price:       price,
		AmountOut:   amountIn.Mul(price).Mul(decimal.NewFromInt(1).Sub(v.Fee)),
		PriceImpact: v.impact,
	}, nil
}

func (v *Venue) Liquidity(_ context.Context, pair opportunity.Pair) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if usd, ok := v.liquidity[pair.String()]; ok {
		return usd, nil
	}
	return decimal.NewFromInt(100000), nil
}

func (v *Venue) BuildSwap(_ context.Context, params adapters.SwapParams) (adapters.Tx, error) {
	return &SwapTx{Venue: v.VenueName, Params: params, ProfitUSD: v.ProfitPerSwapUSD}, nil
}

// LoanProvider is a fake flash-loan source.
type LoanProvider struct {
	ProviderName  string
	ProviderChain string
	Max           decimal.Decimal
	Fee           decimal.Decimal
}

func (p *LoanProvider) Name() string  { return p.ProviderName }
func (p *LoanProvider) Chain() string { return p.ProviderChain }

func (p *LoanProvider) MaxLoan(context.Context, string) (decimal.Decimal, error) {
	return p.Max, nil
}

func (p *LoanProvider) FeeFraction() decimal.Decimal { return p.Fee }

func (p *LoanProvider) BuildLoanBundle(_ context.Context, token string, amount decimal.Decimal, legs []adapters.Tx) (adapters.Tx, error) {
	return &LoanBundleTx{Provider: p.ProviderName, Token: token, Amount: amount, Legs: legs}, nil
}

// LoanBundleTx is the atomic borrow/swap/repay bundle a fake provider builds.
type LoanBundleTx struct {
	Provider string
	Token    string
	Amount   decimal.Decimal
	Legs     []adapters.Tx
}
