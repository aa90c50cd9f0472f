// Package aggregator sits between the scanners and the queues: it
// vets raw candidates against the configured thresholds, enriches the
// survivors with risk score, priority, and confidence, collapses
// duplicates by fingerprint, and hands the result to the priority queues.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/arbrun/arbrun/internal/config"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/domain/risk"
	"github.com/arbrun/arbrun/internal/errs"
	"github.com/arbrun/arbrun/internal/infrastructure/queue"
)

// SuccessRater supplies the historical (chain, kind) success estimate
// that scales confidence. The risk manager implements it.
type SuccessRater interface {
	SuccessRate(chain string, kind opportunity.Kind) float64
}

// Enqueuer receives accepted opportunities. queue.Multi implements it.
type Enqueuer interface {
	Enqueue(o *opportunity.Opportunity) bool
}

type seenEntry struct {
	net      decimal.Decimal
	detected time.Time
	at       time.Time
}

// Aggregator owns the vet/enrich/dedupe stage.
type Aggregator struct {
	logger     zerolog.Logger
	thresholds config.Thresholds
	ttl        time.Duration
	rater      SuccessRater
	queue      Enqueuer
	in         <-chan *opportunity.Opportunity

	mu     sync.Mutex
	seen   map[string]seenEntry
	recent map[string]*opportunity.Opportunity

	accepted atomic.Int64
	rejected atomic.Int64
	shed     atomic.Int64
}

// New builds an aggregator draining in. ttl is the opportunity TTL used
// both as the freshness gate and the dedupe window.
func New(logger zerolog.Logger, thresholds config.Thresholds, ttl time.Duration, rater SuccessRater, q Enqueuer, in <-chan *opportunity.Opportunity) *Aggregator {
	return &Aggregator{
		logger:     logger.With().Str("component", "aggregator").Logger(),
		thresholds: thresholds,
		ttl:        ttl,
		rater:      rater,
		queue:      q,
		in:         in,
		seen:       make(map[string]seenEntry),
		recent:     make(map[string]*opportunity.Opportunity),
	}
}

// Run drains the scanner feed until ctx cancels.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-a.in:
			a.handle(o)
		}
	}
}

func (a *Aggregator) handle(o *opportunity.Opportunity) {
	enriched, err := a.Process(o)
	if err != nil {
		a.rejected.Add(1)
		a.logger.Debug().Err(err).Str("opportunity", o.ID).Str("kind", string(o.Kind)).Msg("candidate rejected")
		return
	}
	if !a.queue.Enqueue(enriched) {
		a.shed.Add(1)
		a.logger.Debug().Str("opportunity", enriched.ID).Msg("queue full, candidate shed")
		return
	}
	a.accepted.Add(1)
	a.logger.Info().
		Str("opportunity", enriched.ID).
		Str("kind", string(enriched.Kind)).
		Str("chain", enriched.Chain).
		Str("net_usd", enriched.NetProfitUSD.StringFixed(2)).
		Int("priority", enriched.Priority).
		Float64("risk", enriched.RiskScore).
		Msg("opportunity queued")
}

// Process vets and enriches one candidate. The input is never mutated;
// the returned record is an enriched copy. An error means the candidate
// was rejected (including as a duplicate of a better-known one).
func (a *Aggregator) Process(o *opportunity.Opportunity) (*opportunity.Opportunity, error) {
	if err := a.vet(o); err != nil {
		return nil, err
	}
	cp := o.Clone()
	assessment := risk.Score(cp, a.rater.SuccessRate(cp.Chain, cp.Kind))
	cp.RiskScore = assessment.Score
	cp.Priority = assessment.Priority
	cp.Confidence = assessment.Confidence

	if err := a.dedupe(cp); err != nil {
		return nil, err
	}
	a.remember(cp)
	return cp, nil
}

// remember keeps an accepted opportunity addressable by id for the
// held-opportunity surface (manual execute and approval).
func (a *Aggregator) remember(o *opportunity.Opportunity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.recent) > 4096 {
		now := time.Now()
		for id, r := range a.recent {
			if r.Age(now) > a.ttl {
				delete(a.recent, id)
			}
		}
	}
	a.recent[o.ID] = o
}

// Lookup returns a copy of an accepted opportunity that is still inside
// its TTL window.
func (a *Aggregator) Lookup(id string) (*opportunity.Opportunity, bool) {
	a.mu.Lock()
	o, ok := a.recent[id]
	a.mu.Unlock()
	if !ok || o.Age(time.Now()) > a.ttl {
		return nil, false
	}
	return o.Clone(), true
}

// ProcessBatch runs Process over a slice and returns the survivors in
// dequeue order (priority, then net profit, then age).
func (a *Aggregator) ProcessBatch(batch []*opportunity.Opportunity) []*opportunity.Opportunity {
	out := make([]*opportunity.Opportunity, 0, len(batch))
	for _, o := range batch {
		enriched, err := a.Process(o)
		if err != nil {
			continue
		}
		out = append(out, enriched)
	}
	sort.Slice(out, func(i, j int) bool { return queue.Less(out[i], out[j]) })
	return out
}

func (a *Aggregator) vet(o *opportunity.Opportunity) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.Age(time.Now()) > a.ttl {
		return errs.ErrStale
	}
	if o.NetProfitUSD.LessThan(decimal.NewFromFloat(a.thresholds.MinProfitUSD)) {
		return fmt.Errorf("net profit $%s below minimum $%.2f", o.NetProfitUSD.StringFixed(2), a.thresholds.MinProfitUSD)
	}
	maxGas := o.GrossProfitUSD.Mul(decimal.NewFromFloat(a.thresholds.MaxGasCostFraction))
	if o.GasCostUSD.GreaterThan(maxGas) {
		return fmt.Errorf("gas $%s exceeds %.0f%% of gross profit", o.GasCostUSD.StringFixed(2), a.thresholds.MaxGasCostFraction*100)
	}
	if o.PriceImpact.GreaterThan(decimal.NewFromFloat(a.thresholds.MaxPriceImpact)) {
		return fmt.Errorf("price impact %s above maximum %.4f", o.PriceImpact.String(), a.thresholds.MaxPriceImpact)
	}
	if o.LiquidityUSD.LessThan(decimal.NewFromFloat(a.thresholds.MinLiquidityUSD)) {
		return fmt.Errorf("liquidity $%s below minimum $%.0f", o.LiquidityUSD.StringFixed(0), a.thresholds.MinLiquidityUSD)
	}
	return nil
}

// dedupe collapses candidates sharing a fingerprint within the TTL
// window: a newcomer must beat the known net profit, or match it with a
// fresher detection time, to pass.
func (a *Aggregator) dedupe(o *opportunity.Opportunity) error {
	now := time.Now()
	fp := o.Fingerprint()

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.seen) > 4096 {
		for k, e := range a.seen {
			if now.Sub(e.at) > a.ttl {
				delete(a.seen, k)
			}
		}
	}
	if e, ok := a.seen[fp]; ok && now.Sub(e.at) <= a.ttl {
		if o.NetProfitUSD.LessThan(e.net) ||
			(o.NetProfitUSD.Equal(e.net) && !o.DetectedAt.After(e.detected)) {
			return fmt.Errorf("duplicate of a known route with net $%s", e.net.StringFixed(2))
		}
	}
	a.seen[fp] = seenEntry{net: o.NetProfitUSD, detected: o.DetectedAt, at: now}
	return nil
}

// Accepted reports how many candidates were queued.
func (a *Aggregator) Accepted() int64 { return a.accepted.Load() }

// Rejected reports how many candidates failed the gates.
func (a *Aggregator) Rejected() int64 { return a.rejected.Load() }

// Shed reports how many accepted candidates the full queue refused.
func (a *Aggregator) Shed() int64 { return a.shed.Load() }
