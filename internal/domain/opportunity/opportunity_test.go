package opportunity

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func validCross() *Opportunity {
	return &Opportunity{
		ID:             "op-1",
		Kind:           KindCrossExchange,
		Chain:          "ethereum",
		DetectedAt:     time.Now(),
		Path:           []string{"WETH", "USDC"},
		Venues:         []string{"uniswap-v3"},
		AmountIn:       usd(1),
		GrossProfitUSD: usd(20),
		GasCostUSD:     usd(2),
		NetProfitUSD:   usd(18),
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validCross().Validate())

	t.Run("venue path misalignment", func(t *testing.T) {
		o := validCross()
		o.Venues = append(o.Venues, "sushiswap")
		require.Error(t, o.Validate())
	})

	t.Run("net profit must reconcile", func(t *testing.T) {
		o := validCross()
		o.NetProfitUSD = usd(19)
		require.Error(t, o.Validate())
	})

	t.Run("loan fee enters the reconciliation", func(t *testing.T) {
		o := validCross()
		o.Kind = KindFlashLoan
		o.Loan = &Loan{Provider: "aave-v3", Amount: usd(1000), FeeUSD: usd(1)}
		o.NetProfitUSD = usd(17)
		require.NoError(t, o.Validate())
	})

	t.Run("flash loan needs a loan leg", func(t *testing.T) {
		o := validCross()
		o.Kind = KindFlashLoan
		require.Error(t, o.Validate())
	})

	t.Run("negative amount in", func(t *testing.T) {
		o := validCross()
		o.AmountIn = usd(-1)
		require.Error(t, o.Validate())
	})
}

func TestFingerprintCollapsesDuplicates(t *testing.T) {
	a := validCross()
	b := validCross()
	b.ID = "op-2"
	b.NetProfitUSD = usd(25)
	b.GrossProfitUSD = usd(27)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := validCross()
	c.Venues = []string{"sushiswap"}
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestCloneIsDeep(t *testing.T) {
	a := validCross()
	a.Loan = &Loan{Provider: "aave-v3", Amount: usd(10), FeeUSD: usd(0)}
	b := a.Clone()
	b.Path[0] = "WBTC"
	b.Loan.Provider = "balancer"
	assert.Equal(t, "WETH", a.Path[0])
	assert.Equal(t, "aave-v3", a.Loan.Provider)
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateSuccess, StateFailed, StateExpired, StateRejected, StateCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateExecuting.Terminal())
}

func TestQuoteStaleness(t *testing.T) {
	now := time.Now()
	q := &PriceQuote{Timestamp: now.Add(-15 * time.Second)}
	assert.True(t, q.Stale(now, 10*time.Second))
	assert.False(t, q.Stale(now, 120*time.Second))
}
