package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"rsibot/internal/broker"
	"rsibot/internal/config"
	"rsibot/internal/engine"
	"rsibot/internal/logging"
	"rsibot/internal/md"
	"rsibot/internal/metrics"
	"rsibot/internal/risk"
	"rsibot/internal/state"
	"rsibot/internal/strategy"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rsibot",
		Short: "Recurring RSI and volume-spike strategy for Alpaca",
		Long: `rsibot scans a fixed set of symbols every interval, computes RSI(14) on the
trailing 1-minute bars and opens or closes one position per symbol.

Credentials are read from APCA_API_KEY_ID and APCA_API_SECRET_KEY (or a .env file).`,
		SilenceUsage: true,
	}
	config.BindFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Scan all symbols every interval until interrupted",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					if a.server == nil {
						return runAlongside(ctx, a.engine.Run, nil)
					}
					return runAlongside(ctx, a.engine.Run, a.server.Run)
				})
			},
		},
		&cobra.Command{
			Use:   "scan",
			Short: "Run a single scan cycle and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					return a.engine.ScanCycle(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "positions",
			Short: "Print the ledger reconciled from broker holdings",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					return printPositions(cmd, a.ledger)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

type app struct {
	cfg       config.Config
	ledger    *state.Ledger
	engine    *engine.Engine
	server    *metrics.Server
	decisions *engine.DecisionLogger
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.decisions.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close decision logger")
		}
	}()

	return fn(ctx, a)
}

func bootstrap(ctx context.Context, cfg config.Config) (*app, error) {
	runID := generateRunID()
	decisions, err := engine.NewDecisionLogger(cfg.DecisionsPath, runID)
	if err != nil {
		return nil, fmt.Errorf("decision logger error: %w", err)
	}

	brokerClient := broker.New(cfg.APIKey, cfg.APISecret, cfg.PaperBaseURL, runID)
	data := md.NewAlpacaProvider(md.AlpacaOptions{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		Feed:      cfg.Feed,
		Lookback:  cfg.Lookback,
		RPS:       cfg.DataRPS,
	})

	ledger := state.NewLedger(cfg.Symbols)
	if err := engine.Reconcile(ctx, brokerClient, ledger); err != nil {
		_ = decisions.Close()
		return nil, err
	}
	log.Info().Interface("positions", qtyBySymbol(ledger)).Msg("positions loaded")

	if acct, err := brokerClient.Account(ctx); err == nil {
		log.Info().Str("equity", acct.Equity.StringFixed(2)).Str("buying_power", acct.BuyingPower.StringFixed(2)).Msg("account")
	}

	allocation := risk.Allocation(cfg.Capital, len(cfg.Symbols))
	params := strategy.DefaultParams()
	params.RSIPeriod = cfg.RSIPeriod
	strat := strategy.NewRSIVolume(params, allocation)

	m := metrics.New()
	for symbol, pos := range ledger.Snapshot() {
		m.PositionQty.WithLabelValues(symbol).Set(float64(pos.Qty))
	}

	eng := engine.New(engine.Options{
		Interval:         cfg.Interval,
		Allocation:       allocation,
		DryRun:           cfg.DryRun,
		KillSwitch:       cfg.KillSwitch,
		MarketHoursOnly:  cfg.MarketHoursOnly,
		FillTimeout:      cfg.FillTimeout,
		FillPollInterval: cfg.FillPollInterval,
	}, strat, risk.Gate{}, data, brokerClient, ledger, decisions, m)

	a := &app{cfg: cfg, ledger: ledger, engine: eng, decisions: decisions}
	if cfg.MetricsAddr != "" {
		a.server = metrics.NewServer(cfg.MetricsAddr, m, ledger, 3*cfg.Interval+time.Minute)
	}
	log.Info().Str("run_id", runID).Str("allocation", allocation.StringFixed(2)).Msg("bootstrap complete")
	return a, nil
}

// runAlongside runs loop with serve in the background. Once loop returns,
// serve is cancelled and waited for so its shutdown completes before exit.
func runAlongside(ctx context.Context, loop, serve func(context.Context) error) error {
	if serve == nil {
		return loop(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := serve(ctx); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	err := loop(ctx)
	cancel()
	<-done
	return err
}

func qtyBySymbol(ledger *state.Ledger) map[string]int {
	out := make(map[string]int)
	for symbol, pos := range ledger.Snapshot() {
		out[symbol] = pos.Qty
	}
	return out
}

func printPositions(cmd *cobra.Command, ledger *state.Ledger) error {
	snapshot := ledger.Snapshot()
	symbols := make([]string, 0, len(snapshot))
	for symbol := range snapshot {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	type row struct {
		Symbol     string `json:"symbol"`
		Qty        int    `json:"qty"`
		EntryPrice string `json:"entry_price"`
	}
	rows := make([]row, 0, len(symbols))
	for _, symbol := range symbols {
		pos := snapshot[symbol]
		rows = append(rows, row{Symbol: symbol, Qty: pos.Qty, EntryPrice: pos.EntryPrice.StringFixed(2)})
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func generateRunID() string {
	timestamp := time.Now().UTC().Format("20060102T150405")
	return timestamp + "-" + uuid.NewString()[:8]
}

func init() {
	// Loggers used before config is loaded write to stderr at info.
	if err := logging.Setup("info", "console"); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
