// Package riskmgr enforces the capital and exposure gates: per-trade and
// per-chain daily limits, concurrency caps, blacklists, chain health, and
// the historical success estimator that feeds confidence scoring.
package riskmgr

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/arbrun/arbrun/internal/config"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/domain/risk"
	"github.com/arbrun/arbrun/internal/errs"
	"github.com/arbrun/arbrun/internal/infrastructure/oracle"
)

// ewmaAlpha weights the newest outcome in the success estimator.
const ewmaAlpha = 0.1

// neutralSuccessRate seeds the estimator before any outcome is observed.
const neutralSuccessRate = 0.5

// Manager is the risk gate. One instance serves the whole pipeline;
// every mutation happens under one mutex.
type Manager struct {
	logger zerolog.Logger
	limits config.Limits
	oracle oracle.Oracle

	mu        sync.Mutex
	day       string // UTC date the daily counters belong to
	daily     map[string]decimal.Decimal
	active    int
	success   map[string]float64
	blTokens  map[string]struct{}
	blVenues  map[string]struct{}
	degraded  map[string]bool
}

// New builds a manager from the configured limits and blacklists.
func New(logger zerolog.Logger, limits config.Limits, bl config.Blacklist, orc oracle.Oracle) *Manager {
	m := &Manager{
		logger:   logger.With().Str("component", "riskmgr").Logger(),
		limits:   limits,
		oracle:   orc,
		day:      utcDay(time.Now()),
		daily:    make(map[string]decimal.Decimal),
		success:  make(map[string]float64),
		blTokens: make(map[string]struct{}, len(bl.Tokens)),
		blVenues: make(map[string]struct{}, len(bl.Venues)),
		degraded: make(map[string]bool),
	}
	for _, t := range bl.Tokens {
		m.blTokens[t] = struct{}{}
	}
	for _, v := range bl.Venues {
		m.blVenues[v] = struct{}{}
	}
	return m
}

func utcDay(t time.Time) string { return t.UTC().Format("2006-01-02") }

func successKey(chain string, kind opportunity.Kind) string {
	return chain + "|" + string(kind)
}

// AmountInUSD prices the opportunity's input leg. An unpriceable asset
// is an error: USD gates fail closed, never on a fabricated price.
func (m *Manager) AmountInUSD(o *opportunity.Opportunity) (decimal.Decimal, error) {
	price, err := m.oracle.PriceUSD(o.Chain, o.Path[0])
	if err != nil {
		return decimal.Zero, errs.RiskRejected("cannot price %s on %s: %v", o.Path[0], o.Chain, err)
	}
	return o.AmountIn.Mul(price), nil
}

// Validate runs every gate against o without committing capital.
// It returns the assessment either way so callers can log the score.
func (m *Manager) Validate(o *opportunity.Opportunity) (risk.Assessment, error) {
	assessment := risk.Score(o, m.SuccessRate(o.Chain, o.Kind))
	amountUSD, err := m.AmountInUSD(o)
	if err != nil {
		return assessment, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return assessment, m.check(o, assessment, amountUSD)
}

// Begin atomically re-checks every gate and, on acceptance, commits the
// trade: daily volume grows by the USD amount and the active-trade count
// rises. Call End exactly once after a committed trade finishes.
func (m *Manager) Begin(o *opportunity.Opportunity) (risk.Assessment, error) {
	assessment := risk.Score(o, m.SuccessRate(o.Chain, o.Kind))
	amountUSD, err := m.AmountInUSD(o)
	if err != nil {
		return assessment, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(o, assessment, amountUSD); err != nil {
		return assessment, err
	}
	m.rollDayLocked(time.Now())
	m.daily[o.Chain] = m.dailyLocked(o.Chain).Add(amountUSD)
	m.active++
	return assessment, nil
}

// End releases the concurrency slot taken by Begin. Daily volume is not
// returned; spent exposure stays spent.
func (m *Manager) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active > 0 {
		m.active--
	}
}

// check evaluates the gates. Caller holds the lock.
func (m *Manager) check(o *opportunity.Opportunity, a risk.Assessment, amountUSD decimal.Decimal) error {
	if m.degraded[o.Chain] {
		return errs.RiskRejected("chain %s is degraded", o.Chain)
	}
	for _, tok := range o.Path {
		if _, bad := m.blTokens[tok]; bad {
			return errs.RiskRejected("token %s is blacklisted", tok)
		}
	}
	for _, v := range o.Venues {
		if _, bad := m.blVenues[v]; bad {
			return errs.RiskRejected("venue %s is blacklisted", v)
		}
	}
	if a.Level == risk.LevelCritical {
		return errs.RiskRejected("risk score %.1f is critical", a.Score)
	}
	if m.limits.MaxSingleTradeUSD > 0 &&
		amountUSD.GreaterThan(decimal.NewFromFloat(m.limits.MaxSingleTradeUSD)) {
		return errs.RiskRejected("trade size $%s exceeds single-trade limit $%.0f",
			amountUSD.StringFixed(0), m.limits.MaxSingleTradeUSD)
	}
	if cap, ok := m.limits.MaxDailyVolumeUSD[o.Chain]; ok {
		m.rollDayLocked(time.Now())
		next := m.dailyLocked(o.Chain).Add(amountUSD)
		if next.GreaterThan(decimal.NewFromFloat(cap)) {
			return errs.RiskRejected("daily volume on %s would reach $%s over the $%.0f cap",
				o.Chain, next.StringFixed(0), cap)
		}
	}
	if m.active >= m.limits.MaxConcurrentTrades {
		return errs.RiskRejected("%d trades already in flight", m.active)
	}
	if m.limits.MinLiquidityRatio > 0 && o.LiquidityUSD.IsPositive() {
		maxByLiquidity := o.LiquidityUSD.Mul(decimal.NewFromFloat(m.limits.MinLiquidityRatio))
		if amountUSD.GreaterThan(maxByLiquidity) {
			return errs.RiskRejected("trade consumes more than %.0f%% of pool liquidity",
				m.limits.MinLiquidityRatio*100)
		}
	}
	return nil
}

// Record folds a terminal result into the success estimator. Only
// outcomes that actually executed move the EWMA; expiries and
// rejections say nothing about execution quality.
func (m *Manager) Record(res opportunity.ExecutionResult) {
	if res.State != opportunity.StateSuccess && res.State != opportunity.StateFailed {
		return
	}
	outcome := 0.0
	if res.Success {
		outcome = 1.0
	}
	key := successKey(res.Chain, res.Kind)
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.success[key]
	if !ok {
		prev = neutralSuccessRate
	}
	m.success[key] = ewmaAlpha*outcome + (1-ewmaAlpha)*prev
}

// SuccessRate returns the EWMA success estimate for (chain, kind).
func (m *Manager) SuccessRate(chain string, kind opportunity.Kind) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.success[successKey(chain, kind)]; ok {
		return s
	}
	return neutralSuccessRate
}

// SetChainDegraded marks chain unhealthy; its opportunities are rejected
// at re-check until the orchestrator clears the flag.
func (m *Manager) SetChainDegraded(chain string, degraded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded[chain] == degraded {
		return
	}
	m.degraded[chain] = degraded
	m.logger.Warn().Str("chain", chain).Bool("degraded", degraded).Msg("chain risk state changed")
}

// ChainDegraded reports the current flag for chain.
func (m *Manager) ChainDegraded(chain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded[chain]
}

// ActiveTrades reports the committed concurrency.
func (m *Manager) ActiveTrades() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// DailyVolume returns today's committed USD volume for chain.
func (m *Manager) DailyVolume(chain string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(time.Now())
	return m.dailyLocked(chain)
}

// Reset clears the daily counters. The midnight loop calls it; tests may
// call it directly.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily = make(map[string]decimal.Decimal)
	m.day = utcDay(time.Now())
	m.logger.Info().Msg("daily volume counters reset")
}

// RunMidnightReset blocks until ctx cancels, resetting the daily
// counters at each UTC midnight.
func (m *Manager) RunMidnightReset(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			m.Reset()
		}
	}
}

func (m *Manager) dailyLocked(chain string) decimal.Decimal {
	if v, ok := m.daily[chain]; ok {
		return v
	}
	return decimal.Zero
}

// rollDayLocked lazily resets the counters when the UTC date changed
// between midnight ticks (clock jumps, suspended hosts).
func (m *Manager) rollDayLocked(now time.Time) {
	if d := utcDay(now); d != m.day {
		m.daily = make(map[string]decimal.Decimal)
		m.day = d
	}
}
