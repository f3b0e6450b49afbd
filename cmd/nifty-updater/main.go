// NIFTY 50 OHLCV updater CLI
// This application keeps a per-symbol OHLCV dataset for the NIFTY 50
// constituents up to date from the Angel One SmartAPI. Each run resumes every
// symbol from its last stored candle and rewrites the CSV and Parquet files.
//
// Usage:
//
//	nifty-updater                                 # same as "run"
//	nifty-updater run --config config.yaml --interval ONE_DAY
//	nifty-updater run --symbols RELIANCE,TCS
//	nifty-updater symbols
//	nifty-updater config
//
// For detailed help on any command, use: nifty-updater <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/collector"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/config"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/exchange"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/instruments"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/logger"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "nifty-updater"
)

// Exit codes
const (
	ExitSuccess       = 0
	ExitConfigError   = 1
	ExitSetupError    = 2
	ExitFailedSymbols = 3
	ExitInterrupt     = 130
)

const logoutTimeout = 10 * time.Second

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitConfigError
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := newApp().Run(ctx, os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	cancel()
	os.Exit(exitCode(err))
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    AppName,
		Usage:   "Incrementally update NIFTY 50 OHLCV datasets from Angel One SmartAPI",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration `FILE`",
				Sources: cli.EnvVars("CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Path to a .env `FILE` with credentials and overrides",
			},
			&cli.StringFlag{
				Name:  "interval",
				Usage: "Candle interval, e.g. ONE_MINUTE, ONE_HOUR, ONE_DAY",
			},
			&cli.StringFlag{
				Name:  "symbols",
				Usage: "Comma-separated constituents to restrict the run to",
			},
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Update every configured symbol (default)",
				Action: runAction,
			},
			{
				Name:   "symbols",
				Usage:  "Resolve and print the instruments a run would update",
				Action: symbolsAction,
			},
			{
				Name:   "config",
				Usage:  "Print the effective configuration with secrets redacted",
				Action: configAction,
			},
		},
	}
}

// loadConfig applies the interval flag and loads the layered configuration.
// The flag is applied as an environment variable, the highest-priority
// source, so it passes through the same validation.
func loadConfig(ctx context.Context, cmd *cli.Command) (*config.AppConfig, error) {
	if interval := strings.ToUpper(strings.TrimSpace(cmd.String("interval"))); interval != "" {
		if err := os.Setenv("TIME_INTERVAL", interval); err != nil {
			return nil, withCode(ExitConfigError, err)
		}
	}

	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cm := config.NewConfigManager(cmd.String("config"), cmd.String("env-file"), bootstrap)
	cfg, err := cm.LoadConfig(ctx)
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}
	return cfg, nil
}

// splitSymbols parses a comma list into upper-case symbols, dropping blanks.
func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if sym := strings.ToUpper(strings.TrimSpace(part)); sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

// restrictInstruments keeps the resolved instruments named in symbols, in
// resolved order. Naming a symbol outside the resolved set is an error.
func restrictInstruments(insts []models.Instrument, symbols []string) ([]models.Instrument, error) {
	if len(symbols) == 0 {
		return insts, nil
	}

	wanted := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		wanted[sym] = false
	}

	var out []models.Instrument
	for _, inst := range insts {
		if _, ok := wanted[inst.Symbol]; ok {
			wanted[inst.Symbol] = true
			out = append(out, inst)
		}
	}

	var unknown []string
	for _, sym := range symbols {
		if !wanted[sym] {
			unknown = append(unknown, sym)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("not in the configured constituents: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// resolveInstruments resolves the configured constituents and applies the
// --symbols restriction.
func resolveInstruments(ctx context.Context, cmd *cli.Command, cfg *config.AppConfig, lm *logger.LoggerManager) ([]models.Instrument, error) {
	resolver := instruments.NewResolver(cfg.Symbols, cfg.Broker.Exchange, lm.GetComponentLogger("instruments").Logger)
	defer resolver.Close()

	insts, err := resolver.Resolve(ctx)
	if err != nil {
		return nil, withCode(ExitSetupError, err)
	}

	insts, err = restrictInstruments(insts, splitSymbols(cmd.String("symbols")))
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}
	return insts, nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}

	lm, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return withCode(ExitConfigError, err)
	}
	defer lm.Close()

	runID := logger.NewRunID()
	ctx = logger.WithRunID(ctx, runID)
	log := lm.WithContext(ctx)

	log.Info("starting NIFTY 50 data updater",
		"version", Version,
		"interval", cfg.Updater.Interval,
		"start_date", cfg.Updater.StartDate,
		"data_folder", cfg.DataFolder())

	client := exchange.NewSmartAPIClient(cfg.Broker, lm.GetComponentLogger("smartapi").Logger)
	defer client.Close()

	if err := client.Login(ctx); err != nil {
		log.Error("authentication failed", "error", err)
		return withCode(ExitSetupError, err)
	}
	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		defer cancel()
		if err := client.Logout(logoutCtx); err != nil {
			log.Warn("logout failed", "error", err)
		}
	}()

	insts, err := resolveInstruments(ctx, cmd, cfg, lm)
	if err != nil {
		log.Error("failed to resolve instruments", "error", err)
		return err
	}

	c, err := collector.NewBuilder(cfg).
		WithSource(client).
		WithLogger(lm.GetLogger()).
		Build()
	if err != nil {
		log.Error("failed to set up collector", "error", err)
		return withCode(ExitSetupError, err)
	}
	defer c.Close()

	return runResult(c.Run(ctx, insts))
}

// runResult maps a run summary to the command error. An interrupted run
// exits with ExitInterrupt even when symbols failed before the signal.
func runResult(summary *collector.RunSummary) error {
	if summary.OK() {
		return nil
	}
	if summary.Interrupted {
		return withCode(ExitInterrupt,
			fmt.Errorf("run interrupted after %d of %d symbols", summary.Processed, summary.Total))
	}
	return withCode(ExitFailedSymbols,
		fmt.Errorf("%d of %d symbols failed: %s", summary.Failed, summary.Processed, strings.Join(summary.FailedSymbols(), ", ")))
}

func symbolsAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}

	lm, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return withCode(ExitConfigError, err)
	}
	defer lm.Close()

	insts, err := resolveInstruments(ctx, cmd, cfg, lm)
	if err != nil {
		return err
	}

	fmt.Printf("%-15s %-10s %s\n", "SYMBOL", "TOKEN", "TRADING SYMBOL")
	fmt.Println(strings.Repeat("-", 45))
	for _, inst := range insts {
		fmt.Printf("%-15s %-10s %s\n", inst.Symbol, inst.Token, inst.TradingSymbol)
	}
	fmt.Printf("\n%d instruments\n", len(insts))
	return nil
}

func configAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	fmt.Print(cfg.String())
	return nil
}
