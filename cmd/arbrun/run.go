package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbrun/arbrun/internal/adapters"
	"github.com/arbrun/arbrun/internal/application/aggregator"
	"github.com/arbrun/arbrun/internal/application/executor"
	"github.com/arbrun/arbrun/internal/application/orchestrator"
	"github.com/arbrun/arbrun/internal/application/riskmgr"
	"github.com/arbrun/arbrun/internal/application/scanner"
	"github.com/arbrun/arbrun/internal/config"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/infrastructure/cache"
	"github.com/arbrun/arbrun/internal/infrastructure/httpclient"
	"github.com/arbrun/arbrun/internal/infrastructure/oracle"
	"github.com/arbrun/arbrun/internal/infrastructure/queue"
	httpiface "github.com/arbrun/arbrun/internal/interfaces/http"
	"github.com/arbrun/arbrun/internal/metrics"
	"github.com/arbrun/arbrun/internal/notify"
)

const (
	feedBuffer         = 256
	crossChainInterval = 30 * time.Second
)

// runPipeline wires every stage from the configuration and blocks until
// a signal or a fatal error stops it.
func runPipeline(ctx context.Context, logger zerolog.Logger, cfg config.Config, dryRun bool) error {
	stack, err := buildAdapters(logger, cfg, dryRun)
	if err != nil {
		return err
	}

	pool := httpclient.NewPool(httpclient.DefaultPoolConfig())
	defer pool.Close()

	broadcaster := notify.NewBroadcaster(logger)
	broadcaster.Register(notify.NewLogSink(logger))
	if cfg.Webhook.URL != "" {
		broadcaster.Register(notify.NewWebhookSink(cfg.Webhook.URL, pool))
	}

	var mirror cache.Mirror
	if cfg.Redis.Enabled {
		sink := notify.NewRedisSink(cfg.Redis.Addr, cfg.Redis.Channel)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := sink.Ping(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("redis %s unreachable: %w", cfg.Redis.Addr, err)
		}
		defer sink.Close()
		broadcaster.Register(sink)
		mirror = sink
	}

	pc := cache.New(cfg.Timeouts.PriceFreshnessTTL.Std(), mirror)
	q := queue.NewMulti(cfg.Queue)
	col := metrics.New()
	risk := riskmgr.New(logger, cfg.Limits, cfg.Blacklist, stack.oracle)
	feed := make(chan *opportunity.Opportunity, feedBuffer)

	sc := scanner.New(logger, cfg.Scanner, cfg.Thresholds.MinProfitPct, cfg.Timeouts.QuoteDeadline.Std(), scanner.Deps{
		Chains: stack.chains,
		Venues: stack.venueLists,
		Loans:  stack.loanLists,
		Cache:  pc,
		Oracle: stack.oracle,
		Health: risk,
		Out:    feed,
	})
	agg := aggregator.New(logger, cfg.Thresholds, cfg.Timeouts.OpportunityTTL.Std(), risk, q, feed)
	coord := executor.New(logger, cfg.Timeouts, cfg.Limits.MaxConcurrentTrades, q, risk, executor.Deps{
		Chains: stack.chains,
		Venues: stack.venues,
		Loans:  stack.loans,
		Oracle: stack.oracle,
		Native: cfg.Scanner.NativeToken,
		Wallet: cfg.Wallet,
	}, col, broadcaster)

	var cc *aggregator.CrossChain
	if len(stack.chains) >= 2 {
		cc = aggregator.NewCrossChain(logger, pc, cfg.Scanner.Pairs, crossChainInterval, broadcaster)
	}

	orch := orchestrator.New(logger, cfg.Timeouts, orchestrator.Components{
		Scanner:     sc,
		Aggregator:  agg,
		CrossChain:  cc,
		Coordinator: coord,
		Risk:        risk,
		Queue:       q,
		Cache:       pc,
		Metrics:     col,
		Chains:      stack.chains,
	})

	srv := httpiface.NewServer(logger, cfg.HTTP, httpiface.Deps{
		Orchestrator: orch,
		Metrics:      col,
		Executor:     coord,
		Holder:       agg,
		Queue:        q,
		Chains:       stack.chains,
		Tokens:       chainTokens(cfg),
		Wallet:       cfg.Wallet,
	})
	broadcaster.Register(srv.ResultSink())

	if err := orch.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	logger.Info().Bool("dry_run", dryRun).Int("chains", len(stack.chains)).Msg("pipeline running")

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		if sig == syscall.SIGINT {
			runErr = errInterrupted
		}
	case err := <-serverErr:
		logger.Error().Err(err).Msg("http surface failed")
		runErr = err
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownGrace.Std())
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := orch.Stop(); err != nil {
		logger.Warn().Err(err).Msg("pipeline shutdown incomplete")
	}
	return runErr
}

// probeHealth initializes every configured chain adapter, probes it
// once, and prints the verdict. Any unhealthy chain fails the command.
func probeHealth(ctx context.Context, logger zerolog.Logger, cfg config.Config, dryRun bool) error {
	stack, err := buildAdapters(logger, cfg, dryRun)
	if err != nil {
		return err
	}

	failed := 0
	for name, ch := range stack.chains {
		ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := ch.Initialize(ictx)
		if err != nil {
			cancel()
			fmt.Printf("%-12s FAIL  initialize: %v\n", name, err)
			failed++
			continue
		}
		healthy := ch.IsHealthy(ictx)
		block, _ := ch.CurrentBlock(ictx)
		_ = ch.Shutdown(ictx)
		cancel()
		if !healthy {
			fmt.Printf("%-12s FAIL  adapter reports unhealthy\n", name)
			failed++
			continue
		}
		fmt.Printf("%-12s OK    block %d\n", name, block)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d chains unhealthy", failed, len(stack.chains))
	}
	return nil
}

// chainTokens collects the balance-relevant token set per chain: every
// token named by a pair, triangle, or native-token entry.
func chainTokens(cfg config.Config) map[string][]string {
	out := make(map[string][]string)
	add := func(chain, token string, seen map[string]map[string]bool) {
		if seen[chain] == nil {
			seen[chain] = make(map[string]bool)
		}
		if token == "" || seen[chain][token] {
			return
		}
		seen[chain][token] = true
		out[chain] = append(out[chain], token)
	}
	seen := make(map[string]map[string]bool)
	for chain, pairs := range cfg.Scanner.Pairs {
		for _, p := range pairs {
			add(chain, p.Base, seen)
			add(chain, p.Quote, seen)
		}
	}
	for chain, tris := range cfg.Scanner.Triangles {
		for _, cycle := range tris {
			for _, tok := range cycle {
				add(chain, tok, seen)
			}
		}
	}
	for chain, tok := range cfg.Scanner.NativeToken {
		add(chain, tok, seen)
	}
	return out
}

// adapterStack is the full adapter wiring for one process: the same
// venue set keyed two ways (scanners walk lists, the executor resolves
// by name) plus the chains, loan providers, and price oracle.
type adapterStack struct {
	chains     map[string]adapters.ChainAdapter
	venueLists map[string][]adapters.VenueAdapter
	venues     map[string]map[string]adapters.VenueAdapter
	loanLists  map[string][]adapters.LoanProvider
	loans      map[string]map[string]adapters.LoanProvider
	oracle     oracle.Oracle
}

// buildAdapters constructs the adapter stack for the configured chains.
// Live chain RPC adapters are linked in at build time by deployments;
// this tree ships the deterministic dry-run stack only.
func buildAdapters(logger zerolog.Logger, cfg config.Config, dryRun bool) (*adapterStack, error) {
	if !dryRun {
		return nil, fmt.Errorf("no live chain adapters linked into this build; start with --dry-run")
	}
	return buildDryRunStack(logger, cfg), nil
}
