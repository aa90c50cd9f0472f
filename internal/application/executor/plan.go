package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbrun/arbrun/internal/adapters"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/errs"
)

// slippageFrac bounds each executed leg: min-out is the fresh quote
// less this fraction.
var slippageFrac = decimal.NewFromFloat(0.01)

// outcome carries what execution actually produced on chain.
type outcome struct {
	txRefs    []string
	profitUSD decimal.Decimal
	gasUSD    decimal.Decimal
}

// atomicMode reports whether o executes as one all-or-nothing
// transaction. Flash loans always do; triangular routes do when the
// executor contract supports the path; everything else runs as a
// sequence of direct swaps.
func (c *Coordinator) atomicMode(o *opportunity.Opportunity) bool {
	switch o.Kind {
	case opportunity.KindFlashLoan:
		return true
	case opportunity.KindTriangular:
		return c.deps.Contract != nil && c.deps.Contract.Supports(o.Path)
	default:
		return false
	}
}

// executeSequential runs the direct-swap plan: balance check, then one
// swap per hop. A failure mid-way is surfaced as a partial execution;
// there is no compensating unwind.
func (c *Coordinator) executeSequential(ctx context.Context, o *opportunity.Opportunity) (outcome, error) {
	var out outcome
	if err := c.checkBalance(ctx, o); err != nil {
		return out, &errs.PartialExecutionError{StepIndex: 0, Step: "check_balance", Cause: err}
	}
	amount := o.AmountIn
	for i := range o.Venues {
		step := fmt.Sprintf("swap_%d", i+1)
		got, err := c.runSwap(ctx, o, i, amount, &out)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = errs.Timeout(step)
			}
			return out, &errs.PartialExecutionError{StepIndex: i + 1, Step: step, Cause: err}
		}
		amount = got
	}
	return out, nil
}

// executeAtomic builds every leg, wraps them into one transaction
// (loan bundle or contract multi-swap), and submits it. A reverted
// receipt rolls the whole trade back; only gas is lost.
func (c *Coordinator) executeAtomic(ctx context.Context, o *opportunity.Opportunity) (outcome, error) {
	var out outcome
	legs, err := c.buildLegs(ctx, o)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errs.Timeout("build_legs")
		}
		return out, err
	}

	sctx, cancel := context.WithTimeout(ctx, c.timeouts.StepDeadline.Std())
	defer cancel()

	var bundle adapters.Tx
	switch o.Kind {
	case opportunity.KindFlashLoan:
		if o.Loan == nil {
			return out, fmt.Errorf("flash loan %s has no loan leg", o.ID)
		}
		provider, ok := c.deps.Loans[o.Chain][o.Loan.Provider]
		if !ok {
			return out, fmt.Errorf("unknown loan provider %s on %s", o.Loan.Provider, o.Chain)
		}
		bundle, err = provider.BuildLoanBundle(sctx, o.Path[0], o.Loan.Amount, legs)
	default:
		bundle, err = c.deps.Contract.BuildMultiSwap(sctx, legs)
	}
	if err != nil {
		return out, fmt.Errorf("build bundle: %w", err)
	}

	receipt, err := c.submit(sctx, o.Chain, bundle, &out)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return out, errs.Timeout("submit_bundle")
		}
		return out, err
	}
	if !receipt.Success {
		return out, &errs.AtomicExecutionError{Cause: fmt.Errorf("bundle %s reverted", receipt.TxRef)}
	}
	return out, nil
}

// checkBalance verifies the wallet holds the input leg.
func (c *Coordinator) checkBalance(ctx context.Context, o *opportunity.Opportunity) error {
	sctx, cancel := context.WithTimeout(ctx, c.timeouts.StepDeadline.Std())
	defer cancel()
	bal, err := c.deps.Chains[o.Chain].GetBalance(sctx, o.Path[0], c.deps.Wallet)
	if err != nil {
		return err
	}
	if bal.LessThan(o.AmountIn) {
		return fmt.Errorf("balance %s %s below required %s", bal, o.Path[0], o.AmountIn)
	}
	return nil
}

// runSwap quotes, builds, submits, and confirms hop i, returning the
// quoted output that feeds the next hop.
func (c *Coordinator) runSwap(ctx context.Context, o *opportunity.Opportunity, i int, amount decimal.Decimal, out *outcome) (decimal.Decimal, error) {
	sctx, cancel := context.WithTimeout(ctx, c.timeouts.StepDeadline.Std())
	defer cancel()

	tx, quoted, err := c.buildLeg(sctx, o, i, amount)
	if err != nil {
		return decimal.Zero, err
	}
	receipt, err := c.submit(sctx, o.Chain, tx, out)
	if err != nil {
		return decimal.Zero, err
	}
	if !receipt.Success {
		return decimal.Zero, fmt.Errorf("swap %s reverted", receipt.TxRef)
	}
	return quoted, nil
}

// buildLegs sizes every hop off fresh quotes and builds the swap
// transactions without sending them.
func (c *Coordinator) buildLegs(ctx context.Context, o *opportunity.Opportunity) ([]adapters.Tx, error) {
	sctx, cancel := context.WithTimeout(ctx, c.timeouts.StepDeadline.Std())
	defer cancel()

	amount := o.AmountIn
	if o.Kind == opportunity.KindFlashLoan && o.Loan != nil {
		amount = o.Loan.Amount
	}
	legs := make([]adapters.Tx, 0, len(o.Venues))
	for i := range o.Venues {
		tx, quoted, err := c.buildLeg(sctx, o, i, amount)
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i+1, err)
		}
		legs = append(legs, tx)
		amount = quoted
	}
	return legs, nil
}

// buildLeg re-quotes hop i at the current market and builds its swap
// with a min-out bound under the fresh quote.
func (c *Coordinator) buildLeg(ctx context.Context, o *opportunity.Opportunity, i int, amount decimal.Decimal) (adapters.Tx, decimal.Decimal, error) {
	venue, ok := c.deps.Venues[o.Chain][o.Venues[i]]
	if !ok {
		return nil, decimal.Zero, fmt.Errorf("unknown venue %s on %s", o.Venues[i], o.Chain)
	}
	pair := opportunity.Pair{Base: o.Path[i], Quote: o.Path[i+1]}
	q, err := venue.Quote(ctx, pair, amount)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("re-quote %s: %w", pair, err)
	}
	minOut := q.AmountOut.Mul(decimal.NewFromInt(1).Sub(slippageFrac))
	tx, err := venue.BuildSwap(ctx, adapters.SwapParams{
		Pair:      pair,
		SellBase:  true,
		AmountIn:  amount,
		MinOut:    minOut,
		Recipient: c.deps.Wallet,
		Deadline:  time.Now().Add(c.timeouts.StepDeadline.Std()),
	})
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("build swap: %w", err)
	}
	return tx, q.AmountOut, nil
}

// submit sends tx and waits for its receipt, folding the observed gas
// and declared event deltas into out. Transient send failures consume
// the retry budget before the step is surfaced as failed.
func (c *Coordinator) submit(ctx context.Context, chain string, tx adapters.Tx, out *outcome) (*adapters.Receipt, error) {
	ca := c.deps.Chains[chain]
	var ref string
	err := errs.Retry(ctx, errs.DefaultRetryConfig(), func() error {
		var sendErr error
		ref, sendErr = ca.SendTransaction(ctx, tx, c.deps.Signer)
		return sendErr
	})
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	out.txRefs = append(out.txRefs, ref)

	receipt, err := ca.WaitForReceipt(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("receipt for %s: %w", ref, err)
	}
	out.gasUSD = out.gasUSD.Add(c.gasUSD(ctx, chain, receipt.GasUsed))
	for _, ev := range receipt.Events {
		out.profitUSD = out.profitUSD.Add(ev.AmountUSD)
	}
	return receipt, nil
}

// gasUSD prices observed gas. When the native token cannot be priced
// the realized gas stays zero rather than being invented.
func (c *Coordinator) gasUSD(ctx context.Context, chain string, gasUsed uint64) decimal.Decimal {
	native := c.deps.Native[chain]
	if native == "" {
		return decimal.Zero
	}
	nativeUSD, err := c.deps.Oracle.PriceUSD(chain, native)
	if err != nil {
		return decimal.Zero
	}
	gp, err := c.deps.Chains[chain].GetGasPrice(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Str("chain", chain).Msg("cannot price realized gas")
		return decimal.Zero
	}
	perGas := gp.Legacy
	if gp.EIP1559 {
		perGas = gp.MaxFee
	}
	return perGas.Mul(decimal.NewFromInt(int64(gasUsed))).Mul(nativeUSD)
}
