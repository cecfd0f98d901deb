package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/washguard/engine"
	"github.com/rustyeddy/washguard/server"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run cycles on the configured interval until stopped",
	Long: `Connect to the configured brokers and run a cycle every
cycle_interval_seconds. A failed cycle is retried after
retry_backoff_seconds. SIGINT or SIGTERM stops the loop.

When metrics_addr is set, /healthz, /metrics and /ledger are served there.

Example:
  washguard run --config washguard.yaml`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var runMaxCycles int

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&runMaxCycles, "max-cycles", 0, "stop after this many cycles (0 runs forever)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	brokers, err := a.connectBrokers(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("startup failed")
		return err
	}
	orch, err := a.orchestrator(brokers[0])
	if err != nil {
		return err
	}

	sched := engine.NewScheduler(orch, cfg.CycleInterval(), a.log)
	sched.Backoff = cfg.RetryBackoff()
	sched.MaxCycles = runMaxCycles
	sched.Metrics = a.metrics

	if cfg.MetricsAddr != "" {
		srv := server.New(cfg.MetricsAddr, a.ledger, a.registry, a.loc, a.log)
		sched.OnCycle = srv.RecordCycle
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				a.log.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	a.log.Info().
		Strs("watchlist", cfg.Watchlist).
		Float64("max_drawdown_pct", cfg.MaxDrawdownPct).
		Int("wash_sale_days", cfg.WashSaleDays).
		Dur("interval", cfg.CycleInterval()).
		Str("broker", brokers[0].Name()).
		Msg("washguard started")

	err = sched.Run(ctx)
	if errors.Is(err, context.Canceled) {
		a.log.Info().Msg("shutdown requested")
		return nil
	}
	return err
}
