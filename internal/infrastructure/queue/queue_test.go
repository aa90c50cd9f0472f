package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

func opp(id string, kind opportunity.Kind, prio int, net float64) *opportunity.Opportunity {
	return &opportunity.Opportunity{
		ID:           id,
		Kind:         kind,
		Chain:        "ethereum",
		DetectedAt:   time.Now(),
		Path:         []string{"WETH", "USDC"},
		Venues:       []string{"uniswap-v3"},
		Priority:     prio,
		NetProfitUSD: decimal.NewFromFloat(net),
	}
}

func TestDequeueHonorsPriority(t *testing.T) {
	m := NewMulti(DefaultConfig())
	defer m.Close()

	require.True(t, m.Enqueue(opp("low", opportunity.KindCrossExchange, 2, 5)))
	require.True(t, m.Enqueue(opp("high", opportunity.KindCrossExchange, 9, 5)))
	require.True(t, m.Enqueue(opp("mid", opportunity.KindCrossExchange, 5, 5)))

	ctx := context.Background()
	for _, want := range []string{"high", "mid", "low"} {
		o, err := m.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, o.ID)
	}
}

func TestPriorityTieBreaksOnNetProfit(t *testing.T) {
	m := NewMulti(DefaultConfig())
	defer m.Close()

	m.Enqueue(opp("small", opportunity.KindCrossExchange, 5, 10))
	m.Enqueue(opp("big", opportunity.KindCrossExchange, 5, 40))

	o, err := m.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "big", o.ID)
}

func TestOverflowDropsLowestPriority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity[opportunity.KindCrossExchange] = 2
	m := NewMulti(cfg)
	defer m.Close()

	require.True(t, m.Enqueue(opp("a", opportunity.KindCrossExchange, 3, 1)))
	require.True(t, m.Enqueue(opp("b", opportunity.KindCrossExchange, 7, 1)))

	// Stronger newcomer evicts the weakest resident.
	require.True(t, m.Enqueue(opp("c", opportunity.KindCrossExchange, 9, 1)))
	// Weaker newcomer is itself dropped.
	require.False(t, m.Enqueue(opp("d", opportunity.KindCrossExchange, 1, 1)))

	ctx := context.Background()
	first, _ := m.Dequeue(ctx)
	second, _ := m.Dequeue(ctx)
	assert.Equal(t, "c", first.ID)
	assert.Equal(t, "b", second.ID)
	assert.Equal(t, int64(2), m.Dropped()[opportunity.KindCrossExchange])
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	m := NewMulti(DefaultConfig())
	defer m.Close()

	got := make(chan *opportunity.Opportunity, 1)
	go func() {
		o, err := m.Dequeue(context.Background())
		if err == nil {
			got <- o
		}
	}()

	time.Sleep(20 * time.Millisecond)
	m.Enqueue(opp("late", opportunity.KindTriangular, 5, 1))

	select {
	case o := <-got:
		assert.Equal(t, "late", o.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestDequeueRespectsContext(t *testing.T) {
	m := NewMulti(DefaultConfig())
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseWakesConsumers(t *testing.T) {
	m := NewMulti(DefaultConfig())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	m.Close()
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("close did not wake consumer")
	}
	assert.False(t, m.Enqueue(opp("x", opportunity.KindCrossExchange, 5, 1)))
}

func TestWeightedRoundRobinSpreadsAcrossKinds(t *testing.T) {
	m := NewMulti(DefaultConfig())
	defer m.Close()

	for i := 0; i < 3; i++ {
		m.Enqueue(opp(fmt.Sprintf("cross-%d", i), opportunity.KindCrossExchange, 5, 1))
		m.Enqueue(opp(fmt.Sprintf("flash-%d", i), opportunity.KindFlashLoan, 5, 1))
	}

	seen := map[opportunity.Kind]int{}
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		o, err := m.Dequeue(ctx)
		require.NoError(t, err)
		seen[o.Kind]++
	}
	// Neither strategy may be starved over a short window.
	assert.Greater(t, seen[opportunity.KindCrossExchange], 0)
	assert.Greater(t, seen[opportunity.KindFlashLoan], 0)
}

func TestDepths(t *testing.T) {
	m := NewMulti(DefaultConfig())
	defer m.Close()
	m.Enqueue(opp("a", opportunity.KindCrossExchange, 5, 1))
	m.Enqueue(opp("b", opportunity.KindTriangular, 5, 1))
	d := m.Depths()
	assert.Equal(t, 1, d[opportunity.KindCrossExchange])
	assert.Equal(t, 1, d[opportunity.KindTriangular])
	assert.Equal(t, 0, d[opportunity.KindFlashLoan])
}
