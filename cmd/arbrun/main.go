package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arbrun/arbrun/internal/config"
)

const (
	appName = "arbrun"
	version = "v1.0.0"
)

// errInterrupted marks a SIGINT shutdown so main can exit 130.
var errInterrupted = errors.New("interrupted")

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Multi-chain arbitrage detection and execution pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Accept snake_case spellings of every flag.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace|debug|info|warn|error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scan/vet/queue/execute pipeline",
		Long: `Starts the full pipeline: per-chain scanners feed the aggregator,
vetted opportunities flow through the priority queues into the executor,
and the HTTP surface exposes health, metrics, and the approval webhook.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd, logger)
			if err != nil {
				return err
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return runPipeline(cmd.Context(), log, cfg, dryRun)
		},
	}
	runCmd.Flags().Bool("dry-run", false, "Use deterministic in-memory adapters instead of live chains")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Probe every configured chain adapter once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd, logger)
			if err != nil {
				return err
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return probeHealth(cmd.Context(), log, cfg, dryRun)
		},
	}
	healthCmd.Flags().Bool("dry-run", false, "Probe the in-memory adapters instead of live chains")

	rootCmd.AddCommand(runCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		var vErr *config.ValidationError
		switch {
		case errors.As(err, &vErr):
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		case errors.Is(err, errInterrupted):
			os.Exit(130)
		default:
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}
}

// setup loads the configuration and derives the command logger from the
// persistent flags.
func setup(cmd *cobra.Command, base zerolog.Logger) (config.Config, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	levelName, _ := cmd.Flags().GetString("log-level")

	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return config.Config{}, base, &config.ValidationError{Field: "log-level", Reason: "unknown level " + levelName}
	}
	log := base.Level(level)

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, log, err
	}
	return cfg, log, nil
}
