// Package config loads and validates the pipeline configuration from
// YAML, with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/infrastructure/queue"
)

// Duration parses human-friendly strings ("30s", "5m") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ValidationError distinguishes configuration problems from runtime
// failures; the CLI maps it to exit code 2.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// Thresholds are the aggregator's validation gates.
type Thresholds struct {
	MinProfitPct       float64 `yaml:"min_profit_pct"` // required; fraction of trade size, 0.003 = 0.3%
	MinProfitUSD       float64 `yaml:"min_profit_usd"`
	MinLiquidityUSD    float64 `yaml:"min_liquidity_usd"`
	MaxGasCostFraction float64 `yaml:"max_gas_cost_fraction"`
	MaxPriceImpact     float64 `yaml:"max_price_impact"`
}

// Limits bound capital exposure; the risk manager enforces them.
type Limits struct {
	MaxSingleTradeUSD   float64            `yaml:"max_single_trade_usd"`
	MaxDailyVolumeUSD   map[string]float64 `yaml:"max_daily_volume_usd"` // per chain
	MaxConcurrentTrades int                `yaml:"max_concurrent_trades"`
	MinLiquidityRatio   float64            `yaml:"min_liquidity_ratio"`
}

// ScannerConfig drives the per-chain scan loops.
type ScannerConfig struct {
	IntervalMS  map[string]int                `yaml:"interval_ms"`  // per chain
	Pairs       map[string][]opportunity.Pair `yaml:"pairs"`        // per chain
	Triangles   map[string][][]string         `yaml:"triangles"`    // per chain, token cycles A,B,C
	Venues      map[string][]string           `yaml:"venues"`       // per chain venue ids
	NativeToken map[string]string             `yaml:"native_token"` // per chain gas token symbol
	QuoteRPS    float64                       `yaml:"quote_rps"`    // per-venue limiter
	ProbeUSD    float64                       `yaml:"probe_usd"`    // quote probe size
	FlashLoan   struct {
		CapFraction float64 `yaml:"cap_fraction"` // fraction of provider max
		CapUSD      float64 `yaml:"cap_usd"`
	} `yaml:"flash_loan"`
}

// Timeouts centralizes every deadline in the pipeline.
type Timeouts struct {
	QuoteDeadline         Duration `yaml:"quote_deadline"`
	StepDeadline          Duration `yaml:"step_deadline"`
	ExecutionTimeout      Duration `yaml:"execution_timeout"`
	ShutdownGrace         Duration `yaml:"shutdown_grace"`
	OpportunityTTL        Duration `yaml:"opportunity_ttl"`
	ExecutionFreshnessTTL Duration `yaml:"execution_freshness_ttl"`
	PriceFreshnessTTL     Duration `yaml:"price_freshness_ttl"`
}

// Blacklist names tokens and venues the risk manager refuses outright.
type Blacklist struct {
	Tokens []string `yaml:"tokens"`
	Venues []string `yaml:"venues"`
}

// HTTPConfig configures the exposed surface.
type HTTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	APIToken string `yaml:"-"` // ARBRUN_API_TOKEN only, never from file
}

// RedisConfig enables the optional Redis mirror and result channel.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// WebhookConfig enables the outbound result webhook sink.
type WebhookConfig struct {
	URL string `yaml:"url"`
}

// Config is the whole recognized option surface.
type Config struct {
	Thresholds Thresholds    `yaml:"thresholds"`
	Limits     Limits        `yaml:"limits"`
	Scanner    ScannerConfig `yaml:"scanner"`
	Queue      queue.Config  `yaml:"queue"`
	Timeouts   Timeouts      `yaml:"timeouts"`
	Blacklist  Blacklist     `yaml:"blacklist"`
	HTTP       HTTPConfig    `yaml:"http"`
	Redis      RedisConfig   `yaml:"redis"`
	Webhook    WebhookConfig `yaml:"webhook"`
	Wallet     string        `yaml:"wallet"`
}

// Default returns the production defaults from the design doc. Only
// min_profit_pct has no default; it must come from the file.
func Default() Config {
	cfg := Config{
		Thresholds: Thresholds{
			MinProfitUSD:       10,
			MinLiquidityUSD:    10000,
			MaxGasCostFraction: 0.5,
			MaxPriceImpact:     0.03,
		},
		Limits: Limits{
			MaxSingleTradeUSD:   10000,
			MaxDailyVolumeUSD:   map[string]float64{},
			MaxConcurrentTrades: 3,
			MinLiquidityRatio:   0.05,
		},
		Scanner: ScannerConfig{
			IntervalMS:  map[string]int{},
			Pairs:       map[string][]opportunity.Pair{},
			Triangles:   map[string][][]string{},
			Venues:      map[string][]string{},
			NativeToken: map[string]string{},
			QuoteRPS:    5,
			ProbeUSD:    1000,
		},
		Queue: queue.DefaultConfig(),
		Timeouts: Timeouts{
			QuoteDeadline:         Duration(2 * time.Second),
			StepDeadline:          Duration(30 * time.Second),
			ExecutionTimeout:      Duration(5 * time.Minute),
			ShutdownGrace:         Duration(30 * time.Second),
			OpportunityTTL:        Duration(60 * time.Second),
			ExecutionFreshnessTTL: Duration(10 * time.Second),
			PriceFreshnessTTL:     Duration(120 * time.Second),
		},
		HTTP: HTTPConfig{Host: "127.0.0.1", Port: 8080},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "arbrun:results",
		},
	}
	cfg.Scanner.FlashLoan.CapFraction = 0.5
	cfg.Scanner.FlashLoan.CapUSD = 50000
	return cfg
}

// Load reads path over the defaults, applies environment overrides, and
// validates. A missing path with allowMissing set returns defaults (the
// required min_profit_pct check still applies).
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, &ValidationError{Field: path, Reason: "unreadable: " + err.Error()}
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, &ValidationError{Field: path, Reason: "parse: " + err.Error()}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if tok := os.Getenv("ARBRUN_API_TOKEN"); tok != "" {
		cfg.HTTP.APIToken = tok
	}
	if addr := os.Getenv("ARBRUN_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
}

// Validate enforces the required options and sane ranges.
func (c *Config) Validate() error {
	if c.Thresholds.MinProfitPct <= 0 {
		return &ValidationError{Field: "thresholds.min_profit_pct", Reason: "is required and must be > 0"}
	}
	if c.Thresholds.MaxPriceImpact < 0 || c.Thresholds.MaxPriceImpact > 1 {
		return &ValidationError{Field: "thresholds.max_price_impact", Reason: "must be in [0,1]"}
	}
	if c.Thresholds.MaxGasCostFraction <= 0 || c.Thresholds.MaxGasCostFraction > 1 {
		return &ValidationError{Field: "thresholds.max_gas_cost_fraction", Reason: "must be in (0,1]"}
	}
	if c.Limits.MaxConcurrentTrades <= 0 {
		return &ValidationError{Field: "limits.max_concurrent_trades", Reason: "must be > 0"}
	}
	for chain, iv := range c.Scanner.IntervalMS {
		if iv <= 0 {
			return &ValidationError{Field: "scanner.interval_ms." + chain, Reason: "must be > 0"}
		}
	}
	for chain, tris := range c.Scanner.Triangles {
		for _, cycle := range tris {
			if len(cycle) != 3 {
				return &ValidationError{Field: "scanner.triangles." + chain, Reason: "cycles must list exactly 3 tokens"}
			}
		}
	}
	if c.Timeouts.ExecutionFreshnessTTL.Std() > c.Timeouts.OpportunityTTL.Std() {
		return &ValidationError{Field: "timeouts.execution_freshness_ttl", Reason: "cannot exceed opportunity_ttl"}
	}
	return nil
}
