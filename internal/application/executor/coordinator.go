// Package executor drains the priority queues and drives each
// opportunity through its execution plan: freshness re-check, risk
// commit, leg building, submission, and receipt observation. Exactly
// one terminal result is recorded per opportunity id.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbrun/arbrun/internal/adapters"
	"github.com/arbrun/arbrun/internal/application/riskmgr"
	"github.com/arbrun/arbrun/internal/config"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/errs"
	"github.com/arbrun/arbrun/internal/infrastructure/oracle"
	"github.com/arbrun/arbrun/internal/infrastructure/queue"
)

// ResultPublisher receives every terminal result. The notify
// broadcaster implements it.
type ResultPublisher interface {
	PublishResult(res opportunity.ExecutionResult)
}

// Recorder folds terminal results into counters. The metrics collector
// implements it.
type Recorder interface {
	Record(res opportunity.ExecutionResult)
	SetActive(n int)
	SetQueueDepths(depths map[opportunity.Kind]int)
}

// Deps are the execution-side collaborators, keyed the way the
// orchestrator registers them.
type Deps struct {
	Chains   map[string]adapters.ChainAdapter
	Venues   map[string]map[string]adapters.VenueAdapter
	Loans    map[string]map[string]adapters.LoanProvider
	Contract adapters.ContractExecutor
	Oracle   oracle.Oracle
	Native   map[string]string // per chain gas token symbol
	Signer   adapters.Signer
	Wallet   string
}

// Coordinator runs the worker pool over the queue set.
type Coordinator struct {
	logger   zerolog.Logger
	timeouts config.Timeouts
	queue    *queue.Multi
	risk     *riskmgr.Manager
	deps     Deps

	metrics   Recorder
	publisher ResultPublisher
	flights   *flightTable
	workers   int
}

// New builds a coordinator with workers concurrent executors.
func New(logger zerolog.Logger, timeouts config.Timeouts, workers int, q *queue.Multi, risk *riskmgr.Manager, deps Deps, rec Recorder, pub ResultPublisher) *Coordinator {
	if workers <= 0 {
		workers = 1
	}
	return &Coordinator{
		logger:    logger.With().Str("component", "executor").Logger(),
		timeouts:  timeouts,
		queue:     q,
		risk:      risk,
		deps:      deps,
		metrics:   rec,
		publisher: pub,
		flights:   newFlightTable(),
		workers:   workers,
	}
}

// Run starts the worker pool and blocks until ctx cancels and every
// in-flight execution has finished.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (c *Coordinator) worker(ctx context.Context, id int) {
	logger := c.logger.With().Int("worker", id).Logger()
	for {
		o, err := c.queue.Dequeue(ctx)
		if err != nil {
			logger.Debug().Msg("worker stopped")
			return
		}
		c.metrics.SetQueueDepths(c.queue.Depths())
		c.runOne(ctx, o)
	}
}

// ExecuteNow runs o synchronously through the normal execution path and
// returns its terminal result. It reports false when the id is already
// in flight or already terminal; the single-execution guarantee holds
// across the queue workers and this path.
func (c *Coordinator) ExecuteNow(ctx context.Context, o *opportunity.Opportunity) (opportunity.ExecutionResult, bool) {
	if !c.flights.begin(o.ID) {
		return opportunity.ExecutionResult{}, false
	}
	return c.finish(ctx, o, false), true
}

// Force executes o immediately with the risk gates bypassed. The
// operator override for trades the gates would refuse; single-flight
// still applies, so a forced id executes at most once.
func (c *Coordinator) Force(ctx context.Context, o *opportunity.Opportunity) (opportunity.ExecutionResult, bool) {
	if !c.flights.begin(o.ID) {
		return opportunity.ExecutionResult{}, false
	}
	c.logger.Warn().Str("opportunity", o.ID).Msg("risk gates bypassed by operator override")
	return c.finish(ctx, o, true), true
}

// runOne executes o exactly once. Duplicate ids coming off the queue
// are dropped before any side effect.
func (c *Coordinator) runOne(ctx context.Context, o *opportunity.Opportunity) {
	if !c.flights.begin(o.ID) {
		c.logger.Debug().Str("opportunity", o.ID).Msg("already executed or in flight, skipping")
		return
	}
	c.finish(ctx, o, false)
}

// finish runs a claimed opportunity to its terminal state and fans the
// result out. Callers must hold the flight claim for o.ID.
func (c *Coordinator) finish(ctx context.Context, o *opportunity.Opportunity, force bool) opportunity.ExecutionResult {
	res := c.execute(ctx, o, force)
	c.flights.finish(o.ID, res.State)

	c.risk.Record(res)
	c.metrics.Record(res)
	c.publisher.PublishResult(res)

	evt := c.logger.Info()
	if !res.Success {
		evt = c.logger.Warn()
	}
	evt.
		Str("opportunity", o.ID).
		Str("kind", string(o.Kind)).
		Str("chain", o.Chain).
		Str("state", string(res.State)).
		Str("profit_usd", res.ProfitUSD.StringFixed(2)).
		Dur("elapsed", res.Elapsed).
		Str("cause", res.ErrorCause).
		Msg("execution recorded")
	return res
}

func (c *Coordinator) execute(ctx context.Context, o *opportunity.Opportunity, force bool) opportunity.ExecutionResult {
	start := time.Now()

	// Freshness re-check at dequeue: prices that backed the detection
	// must still be inside the execution window. Even forced trades
	// cannot run on dead prices.
	if o.Age(start) > c.timeouts.ExecutionFreshnessTTL.Std() {
		return c.result(o, opportunity.StateExpired, outcome{}, errs.ErrStale, start)
	}

	if !force {
		// Risk re-check commits capital atomically with acceptance.
		if _, err := c.risk.Begin(o); err != nil {
			state := opportunity.StateRejected
			var rr *errs.RiskRejectedError
			if !errors.As(err, &rr) {
				state = opportunity.StateFailed
			}
			return c.result(o, state, outcome{}, err, start)
		}
		defer c.risk.End()

		c.metrics.SetActive(c.risk.ActiveTrades())
		defer func() { c.metrics.SetActive(c.risk.ActiveTrades()) }()
	}

	ectx, cancel := context.WithTimeout(ctx, c.timeouts.ExecutionTimeout.Std())
	defer cancel()

	var (
		out outcome
		err error
	)
	if c.atomicMode(o) {
		out, err = c.executeAtomic(ectx, o)
	} else {
		out, err = c.executeSequential(ectx, o)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errs.Timeout("execution")
		}
		state := opportunity.StateFailed
		if errors.Is(err, context.Canceled) {
			state = opportunity.StateCancelled
		}
		return c.result(o, state, out, err, start)
	}
	return c.result(o, opportunity.StateSuccess, out, nil, start)
}

func (c *Coordinator) result(o *opportunity.Opportunity, state opportunity.State, out outcome, err error, start time.Time) opportunity.ExecutionResult {
	res := opportunity.ExecutionResult{
		OpportunityID: o.ID,
		Kind:          o.Kind,
		Chain:         o.Chain,
		State:         state,
		Success:       state == opportunity.StateSuccess,
		ProfitUSD:     out.profitUSD,
		GasCostUSD:    out.gasUSD,
		TxRefs:        out.txRefs,
		Elapsed:       time.Since(start),
		RecordedAt:    time.Now(),
	}
	if err != nil {
		res.Error = err.Error()
		res.ErrorCause = errs.Cause(err)
	}
	return res
}

// Executed reports the recorded terminal state for an opportunity id.
func (c *Coordinator) Executed(id string) (opportunity.State, bool) {
	return c.flights.state(id)
}
