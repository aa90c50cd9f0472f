package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/arbrun/arbrun/internal/errs"
)

// BreakerChain wraps a ChainAdapter with a circuit breaker so a flapping
// RPC endpoint degrades the chain instead of stalling workers. While the
// breaker is open, IsHealthy reports false and the orchestrator parks
// the chain's scanners.
type BreakerChain struct {
	inner ChainAdapter
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerChain wraps inner. The breaker opens after 5 consecutive
// failures and probes again after 30 seconds.
func NewBreakerChain(inner ChainAdapter, logger zerolog.Logger) *BreakerChain {
	settings := gobreaker.Settings{
		Name:    inner.Name() + "-rpc",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("chain adapter breaker state change")
		},
	}
	return &BreakerChain{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// transient marks RPC failures as retryable. An open breaker and caller
// cancellation keep their identity; retrying those is pointless.
func (b *BreakerChain) transient(err error) error {
	if err == nil ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.Transient(b.inner.Name()+"-rpc", err)
}

func (b *BreakerChain) Name() string { return b.inner.Name() }

func (b *BreakerChain) Initialize(ctx context.Context) error { return b.inner.Initialize(ctx) }

func (b *BreakerChain) Shutdown(ctx context.Context) error { return b.inner.Shutdown(ctx) }

func (b *BreakerChain) GetBalance(ctx context.Context, token, wallet string) (decimal.Decimal, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.GetBalance(ctx, token, wallet)
	})
	if err != nil {
		return decimal.Zero, b.transient(err)
	}
	return v.(decimal.Decimal), nil
}

func (b *BreakerChain) GetGasPrice(ctx context.Context) (GasPrice, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.GetGasPrice(ctx)
	})
	if err != nil {
		return GasPrice{}, b.transient(err)
	}
	return v.(GasPrice), nil
}

func (b *BreakerChain) EstimateGas(ctx context.Context, tx Tx) (uint64, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.EstimateGas(ctx, tx)
	})
	if err != nil {
		return 0, b.transient(err)
	}
	return v.(uint64), nil
}

func (b *BreakerChain) SendTransaction(ctx context.Context, tx Tx, signer Signer) (string, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.SendTransaction(ctx, tx, signer)
	})
	if err != nil {
		return "", b.transient(err)
	}
	return v.(string), nil
}

func (b *BreakerChain) WaitForReceipt(ctx context.Context, txRef string) (*Receipt, error) {
	// Receipt waits are long by nature; they bypass the breaker so a
	// slow inclusion does not trip it, but their errors still count.
	r, err := b.inner.WaitForReceipt(ctx, txRef)
	if err != nil {
		b.cb.Execute(func() (interface{}, error) { return nil, err }) //nolint:errcheck
	}
	return r, err
}

func (b *BreakerChain) CurrentBlock(ctx context.Context) (uint64, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.CurrentBlock(ctx)
	})
	if err != nil {
		return 0, b.transient(err)
	}
	return v.(uint64), nil
}

// IsHealthy folds the breaker state into the adapter's own report.
func (b *BreakerChain) IsHealthy(ctx context.Context) bool {
	if b.cb.State() == gobreaker.StateOpen {
		return false
	}
	return b.inner.IsHealthy(ctx)
}
