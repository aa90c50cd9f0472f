// Package orchestrator owns the process lifecycle: it initializes the
// chain adapters, starts every pipeline stage, watches chain health,
// and drives graceful shutdown within the configured grace period.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbrun/arbrun/internal/adapters"
	"github.com/arbrun/arbrun/internal/application/aggregator"
	"github.com/arbrun/arbrun/internal/application/executor"
	"github.com/arbrun/arbrun/internal/application/riskmgr"
	"github.com/arbrun/arbrun/internal/application/scanner"
	"github.com/arbrun/arbrun/internal/config"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/errs"
	"github.com/arbrun/arbrun/internal/infrastructure/cache"
	"github.com/arbrun/arbrun/internal/infrastructure/queue"
	"github.com/arbrun/arbrun/internal/metrics"
)

const (
	healthInterval   = 15 * time.Second
	healthProbeLimit = 5 * time.Second
	initTimeout      = 30 * time.Second
)

// Components are the wired pipeline stages the orchestrator runs.
// CrossChain may be nil when fewer than two chains are configured.
type Components struct {
	Scanner     *scanner.Scanner
	Aggregator  *aggregator.Aggregator
	CrossChain  *aggregator.CrossChain
	Coordinator *executor.Coordinator
	Risk        *riskmgr.Manager
	Queue       *queue.Multi
	Cache       *cache.PriceCache
	Metrics     *metrics.Collector
	Chains      map[string]adapters.ChainAdapter
}

// ChainStatus is one chain's view in the health snapshot.
type ChainStatus struct {
	Healthy bool   `json:"healthy"`
	Block   uint64 `json:"block"`
}

// HealthSnapshot is the live view served by GET /health.
type HealthSnapshot struct {
	Status        string                                     `json:"status"` // ok | degraded
	UptimeSeconds float64                                    `json:"uptime_seconds"`
	Chains        map[string]ChainStatus                     `json:"chains"`
	QueueDepths   map[opportunity.Kind]int                   `json:"queue_depths"`
	QueueDropped  map[opportunity.Kind]int64                 `json:"queue_dropped"`
	ActiveTrades  int                                        `json:"active_trades"`
	Cache         cache.Stats                                `json:"cache"`
	Strategies    map[opportunity.Kind]metrics.StrategyStats `json:"strategies"`
}

// Orchestrator supervises the pipeline.
type Orchestrator struct {
	logger     zerolog.Logger
	timeouts   config.Timeouts
	components Components

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// New builds an orchestrator over already-wired components.
func New(logger zerolog.Logger, timeouts config.Timeouts, c Components) *Orchestrator {
	return &Orchestrator{
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		timeouts:   timeouts,
		components: c,
	}
}

// Start initializes every chain adapter and launches the pipeline.
// An adapter that fails to initialize aborts startup; nothing keeps
// running half-wired.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator already running")
	}

	for name, ch := range o.components.Chains {
		ictx, cancel := context.WithTimeout(ctx, initTimeout)
		err := ch.Initialize(ictx)
		cancel()
		if err != nil {
			return errs.Fatal(fmt.Errorf("initialize chain %s: %w", name, err))
		}
		o.logger.Info().Str("chain", name).Msg("chain adapter initialized")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.startedAt = time.Now()
	o.running = true

	o.spawn(func() { o.components.Scanner.Run(runCtx) })
	o.spawn(func() { o.components.Aggregator.Run(runCtx) })
	o.spawn(func() { o.components.Coordinator.Run(runCtx) })
	o.spawn(func() { o.components.Risk.RunMidnightReset(runCtx) })
	o.spawn(func() { o.healthLoop(runCtx) })
	if o.components.CrossChain != nil {
		o.spawn(func() { o.components.CrossChain.Run(runCtx) })
	}

	o.logger.Info().Int("chains", len(o.components.Chains)).Msg("pipeline started")
	return nil
}

func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// Stop shuts the pipeline down: intake stops first, queued work is
// abandoned, in-flight executions get the grace period to finish.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	o.logger.Info().Dur("grace", o.timeouts.ShutdownGrace.Std()).Msg("shutting down")
	cancel()
	o.components.Queue.Close()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.timeouts.ShutdownGrace.Std()):
		o.components.Cache.Stop()
		return fmt.Errorf("shutdown grace of %s elapsed with work still in flight", o.timeouts.ShutdownGrace.Std())
	}

	o.components.Cache.Stop()
	for name, ch := range o.components.Chains {
		sctx, cancelShutdown := context.WithTimeout(context.Background(), healthProbeLimit)
		if err := ch.Shutdown(sctx); err != nil {
			o.logger.Warn().Err(err).Str("chain", name).Msg("chain shutdown failed")
		}
		cancelShutdown()
	}
	o.logger.Info().Msg("pipeline stopped")
	return nil
}

// healthLoop probes every chain on a fixed cadence.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes each chain once and flips its degraded flag on
// transitions. The risk manager rejects trades on degraded chains and
// the scanners idle on them until recovery.
func (o *Orchestrator) CheckHealth(ctx context.Context) {
	for name, ch := range o.components.Chains {
		hctx, cancel := context.WithTimeout(ctx, healthProbeLimit)
		healthy := ch.IsHealthy(hctx)
		cancel()

		wasDegraded := o.components.Risk.ChainDegraded(name)
		switch {
		case !healthy && !wasDegraded:
			o.components.Risk.SetChainDegraded(name, true)
			o.logger.Warn().Str("chain", name).Msg("chain degraded")
		case healthy && wasDegraded:
			o.components.Risk.SetChainDegraded(name, false)
			o.logger.Info().Str("chain", name).Msg("chain recovered")
		}
	}
}

// Force executes a held opportunity immediately with the risk gates
// bypassed. The operator override: single-flight and the freshness
// window still apply.
func (o *Orchestrator) Force(ctx context.Context, id string) (opportunity.ExecutionResult, error) {
	held, ok := o.components.Aggregator.Lookup(id)
	if !ok {
		return opportunity.ExecutionResult{}, fmt.Errorf("no held opportunity %s", id)
	}
	res, started := o.components.Coordinator.Force(ctx, held)
	if !started {
		return res, fmt.Errorf("opportunity %s already executed or in flight", id)
	}
	return res, nil
}

// Health returns the live snapshot.
func (o *Orchestrator) Health(ctx context.Context) HealthSnapshot {
	o.mu.Lock()
	startedAt := o.startedAt
	o.mu.Unlock()

	snap := HealthSnapshot{
		Status:       "ok",
		Chains:       make(map[string]ChainStatus, len(o.components.Chains)),
		QueueDepths:  o.components.Queue.Depths(),
		QueueDropped: o.components.Queue.Dropped(),
		ActiveTrades: o.components.Risk.ActiveTrades(),
		Cache:        o.components.Cache.Stats(),
		Strategies:   o.components.Metrics.Snapshot(),
	}
	if !startedAt.IsZero() {
		snap.UptimeSeconds = time.Since(startedAt).Seconds()
	}
	for name, ch := range o.components.Chains {
		hctx, cancel := context.WithTimeout(ctx, healthProbeLimit)
		block, _ := ch.CurrentBlock(hctx)
		status := ChainStatus{Healthy: !o.components.Risk.ChainDegraded(name), Block: block}
		cancel()
		if !status.Healthy {
			snap.Status = "degraded"
		}
		snap.Chains[name] = status
	}
	return snap
}

// Running reports whether the pipeline is up.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}
