package main

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/arbrun/arbrun/internal/adapters"
	"github.com/arbrun/arbrun/internal/adapters/fake"
	"github.com/arbrun/arbrun/internal/config"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/infrastructure/oracle"
)

// Reference prices for the dry-run oracle. Tokens outside the table are
// priced at $1 so configured pairs always scan.
var dryRunPricesUSD = map[string]float64{
	"ETH":   2000,
	"WETH":  2000,
	"WBTC":  65000,
	"BTC":   65000,
	"MATIC": 0.5,
	"BNB":   550,
	"AVAX":  25,
	"SOL":   150,
	"ARB":   1.2,
	"OP":    1.8,
	"USDC":  1,
	"USDT":  1,
	"DAI":   1,
}

// venueSkewStep is the per-venue price divergence in the simulated
// markets. Small enough that fees usually eat the spread, so dry-run
// fires occasionally instead of on every tick.
const venueSkewStep = 0.002

// buildDryRunStack wires deterministic in-memory adapters for every
// configured chain: a fake chain behind the RPC breaker, simulated
// venues behind the quote rate limiter, one flash-loan pool per chain,
// and a static price oracle.
func buildDryRunStack(logger zerolog.Logger, cfg config.Config) *adapterStack {
	tokens := chainTokens(cfg)

	prices := make(map[string]float64)
	for _, toks := range tokens {
		for _, tok := range toks {
			if p, ok := dryRunPricesUSD[tok]; ok {
				prices[tok] = p
			} else {
				prices[tok] = 1
			}
		}
	}
	orc := oracle.NewStatic(prices)

	stack := &adapterStack{
		chains:     make(map[string]adapters.ChainAdapter),
		venueLists: make(map[string][]adapters.VenueAdapter),
		venues:     make(map[string]map[string]adapters.VenueAdapter),
		loanLists:  make(map[string][]adapters.LoanProvider),
		loans:      make(map[string]map[string]adapters.LoanProvider),
		oracle:     orc,
	}

	for chain, toks := range tokens {
		ch := fake.NewChain(chain)
		seedBalances(ch, toks, prices, cfg.Limits.MaxSingleTradeUSD)
		stack.chains[chain] = adapters.NewBreakerChain(ch, logger)

		names := cfg.Scanner.Venues[chain]
		if len(names) == 0 {
			names = []string{"sim-a", "sim-b"}
		}
		stack.venues[chain] = make(map[string]adapters.VenueAdapter, len(names))
		for i, name := range names {
			v := simulatedVenue(name, chain, toks, prices, i)
			var wrapped adapters.VenueAdapter = v
			if cfg.Scanner.QuoteRPS > 0 {
				wrapped = adapters.NewLimitedVenue(v, cfg.Scanner.QuoteRPS, int(cfg.Scanner.QuoteRPS)+1)
			}
			stack.venueLists[chain] = append(stack.venueLists[chain], wrapped)
			stack.venues[chain][name] = wrapped
		}

		lp := &fake.LoanProvider{
			ProviderName:  "flashpool",
			ProviderChain: chain,
			Max:           decimal.NewFromInt(500000),
			Fee:           decimal.NewFromFloat(0.0009),
		}
		stack.loanLists[chain] = []adapters.LoanProvider{lp}
		stack.loans[chain] = map[string]adapters.LoanProvider{lp.ProviderName: lp}
	}
	return stack
}

// seedBalances funds the dry-run wallet with two max-size trades worth
// of every token the chain references.
func seedBalances(ch *fake.Chain, tokens []string, prices map[string]float64, maxTradeUSD float64) {
	usd := maxTradeUSD * 2
	if usd <= 0 {
		usd = 20000
	}
	for _, tok := range tokens {
		p := prices[tok]
		if p <= 0 {
			p = 1
		}
		ch.SetBalance(tok, decimal.NewFromFloat(usd/p))
	}
}

// simulatedVenue quotes every ordered token pair at the oracle ratio,
// skewed per venue index so venues disagree slightly.
func simulatedVenue(name, chain string, tokens []string, prices map[string]float64, index int) *fake.Venue {
	v := fake.NewVenue(name, chain)
	skew := 1 + venueSkewStep*float64(index)
	for _, base := range tokens {
		for _, quote := range tokens {
			if base == quote {
				continue
			}
			v.SetPrice(opportunity.Pair{Base: base, Quote: quote}, prices[base]/prices[quote]*skew)
		}
	}
	return v
}
