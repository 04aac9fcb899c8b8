// Package cmd provides the command-line interface for phishwatch threat intelligence.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"phishwatch/bootstrap"
	"phishwatch/config"
	"phishwatch/core"
	"phishwatch/threat"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags for intel commands
var (
	outputJSON bool
	outputYAML bool
	configFile string
	noColor    bool
	quiet      bool
	verbose    bool
)

// defaultTimeout bounds CLI operations other than ingestion runs
const defaultTimeout = 2 * time.Minute

// NewIntelCmd creates the root intel command with all subcommands.
func NewIntelCmd() *cobra.Command {
	intelCmd := &cobra.Command{
		Use:   "intel",
		Short: "Inspect and drive threat intelligence ingestion",
		Long: `Run ingestion, inspect the latest threat analysis and manage indicator aging.

Commands operate directly on the configured database, so they work with or
without a running phishwatch server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				color.NoColor = true
			}
			if outputJSON && outputYAML {
				return errors.New("--json and --yaml are mutually exclusive")
			}
			return nil
		},
	}

	intelCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	intelCmd.PersistentFlags().BoolVar(&outputYAML, "yaml", false, "Output in YAML format")
	intelCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	intelCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	intelCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")
	intelCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")

	intelCmd.AddCommand(newRunCmd())
	intelCmd.AddCommand(newAnalysisCmd())
	intelCmd.AddCommand(newRecentCmd())
	intelCmd.AddCommand(newRunsCmd())
	intelCmd.AddCommand(newAgeCmd())

	return intelCmd
}

// session is the storage (and optionally the engine) opened for one command
type session struct {
	cfg     *config.Config
	logger  *zap.SugaredLogger
	stores  *bootstrap.StorageComponents
	engine  *bootstrap.EngineComponents
	cleanup func()
}

// openSession loads configuration and opens storage. The engine is built
// only for commands that ingest.
func openSession(ctx context.Context, withEngine bool) (*session, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newCLILogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar := logger.Sugar()

	stores, err := bootstrap.InitStorage(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, logger: sugar, stores: stores}
	if withEngine {
		engine, err := bootstrap.InitEngine(cfg, stores, sugar)
		if err != nil {
			_ = stores.Close()
			return nil, err
		}
		s.engine = engine
	}

	s.cleanup = func() {
		if s.engine != nil {
			s.engine.Orchestrator.Wait()
			s.engine.Close()
		}
		_ = s.stores.Close()
		_ = logger.Sync()
	}
	return s, nil
}

// newCLILogger logs to stderr so stdout stays parseable
func newCLILogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return zcfg.Build()
}

// runResult is the machine-readable output of 'intel run'
type runResult struct {
	Run      *core.IngestionRun   `json:"run" yaml:"run"`
	Analysis *core.ThreatAnalysis `json:"analysis,omitempty" yaml:"analysis,omitempty"`
}

// newRunCmd creates the 'run' subcommand
func newRunCmd() *cobra.Command {
	var showProgress bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ingestion cycle and print the resulting analysis",
		Long: `Fetch every enabled provider, merge the results into the indicator store and
recompute the threat analysis. Waits for the run to finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(context.Background(), true)
			if err != nil {
				return err
			}
			defer s.cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), s.cfg.ThreatIntel.RunDeadline+time.Minute)
			defer cancel()

			out := cmd.OutOrStdout()
			if !quiet && !machineOutput() {
				infoColor.Fprintf(out, "Running ingestion across %d provider(s)\n", len(s.engine.Providers))
			}

			var sp *spinner.Spinner
			if showProgress && !quiet && !machineOutput() {
				sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
				sp.Suffix = " Fetching feeds..."
				sp.Start()
			}

			analysis, runErr := s.engine.Orchestrator.RunNow(ctx, core.RunTriggerManual)

			if sp != nil {
				sp.Stop()
			}

			result := runResult{Run: s.engine.Orchestrator.Status().LastRun, Analysis: analysis}
			if machineOutput() {
				if err := writeOutput(out, result); err != nil {
					return err
				}
				return runErr
			}

			if result.Run != nil {
				renderRun(out, result.Run)
			}
			if runErr != nil {
				return fmt.Errorf("ingestion run failed: %w", runErr)
			}
			renderAnalysis(out, analysis)
			if !quiet {
				successColor.Fprintf(out, "✓ Ingestion run %s completed\n", analysis.RunID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")
	return cmd
}

// newAnalysisCmd creates the 'analysis' subcommand
func newAnalysisCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "analysis",
		Aliases: []string{"show"},
		Short:   "Show the latest threat analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			s, err := openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.cleanup()

			analysis, err := threat.LoadLatestAnalysis(ctx, s.stores.SnapshotCache(), s.stores.Analyses, s.logger)
			if errors.Is(err, core.ErrNotFound) {
				return errors.New("no threat analysis stored yet; run 'intel run' first")
			}
			if err != nil {
				return fmt.Errorf("failed to load threat analysis: %w", err)
			}

			if machineOutput() {
				return writeOutput(cmd.OutOrStdout(), analysis)
			}
			renderAnalysis(cmd.OutOrStdout(), analysis)
			return nil
		},
	}
}

// newRecentCmd creates the 'recent' subcommand
func newRecentCmd() *cobra.Command {
	var (
		limit    int
		category string
		balanced bool
	)

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recently seen active indicators",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			var threatType core.ThreatType
			if category != "" {
				tt, ok := core.ParseThreatType(category)
				if !ok {
					return fmt.Errorf("unknown category %q (phishing, malware, spam, other)", category)
				}
				threatType = tt
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			s, err := openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.cleanup()

			aggregator := threat.NewAggregator(s.stores.Indicators, bootstrap.AggregatorConfigFromConfig(s.cfg))
			indicators, err := aggregator.RecentThreats(ctx, limit, threatType, balanced)
			if err != nil {
				return fmt.Errorf("failed to load recent threats: %w", err)
			}

			if machineOutput() {
				return writeOutput(cmd.OutOrStdout(), indicators)
			}
			renderIndicators(cmd.OutOrStdout(), indicators)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of indicators to show")
	cmd.Flags().StringVar(&category, "category", "", "Only show one threat type (phishing, malware, spam, other)")
	cmd.Flags().BoolVar(&balanced, "balanced", false, "Balance results across threat types")
	return cmd
}

// newRunsCmd creates the 'runs' subcommand
func newRunsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "runs",
		Aliases: []string{"history"},
		Short:   "Show ingestion run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			s, err := openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.cleanup()

			runs, err := s.stores.Analyses.ListRuns(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if machineOutput() {
				return writeOutput(cmd.OutOrStdout(), runs)
			}
			renderRunsTable(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	return cmd
}

// ageResult is the machine-readable output of 'intel age'
type ageResult struct {
	Retention   string `json:"retention" yaml:"retention"`
	Deactivated int64  `json:"deactivated" yaml:"deactivated"`
}

// newAgeCmd creates the 'age' subcommand
func newAgeCmd() *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "age",
		Short: "Deactivate indicators not seen within the retention window",
		Long: `Mark indicators inactive when no feed has reported them within the retention
window. Rows are never deleted; a later sighting reactivates them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			s, err := openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.cleanup()

			if retention <= 0 {
				retention = s.cfg.ThreatIntel.Retention
			}
			sweeper := threat.NewSweeper(s.stores.Indicators, retention, s.cfg.ThreatIntel.SweepInterval, s.logger)
			n, err := sweeper.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("failed to age indicators: %w", err)
			}

			if machineOutput() {
				return writeOutput(cmd.OutOrStdout(), ageResult{Retention: retention.String(), Deactivated: n})
			}
			if n == 0 {
				infoColor.Fprintf(cmd.OutOrStdout(), "No indicators older than %s\n", retention)
				return nil
			}
			successColor.Fprintf(cmd.OutOrStdout(), "✓ Deactivated %d indicator(s) not seen in %s\n", n, retention)
			return nil
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 0, "Override threat_intel.retention (e.g. 720h)")
	return cmd
}

func machineOutput() bool {
	return outputJSON || outputYAML
}

// writeOutput encodes data as JSON or YAML depending on the flags
func writeOutput(w io.Writer, data interface{}) error {
	if outputYAML {
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(data); err != nil {
			return err
		}
		return encoder.Close()
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
