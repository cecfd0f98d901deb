package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single cycle and print what happened",
	Args:  cobra.NoArgs,
	RunE:  runOnce,
}

func init() {
	rootCmd.AddCommand(onceCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	brokers, err := a.connectBrokers(ctx)
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(brokers[0])
	if err != nil {
		return err
	}

	rep, err := orch.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("cycle: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cycle %s (%s)\n", rep.CycleID, rep.Finished.Sub(rep.Started))
	for _, r := range rep.Results {
		line := fmt.Sprintf("  %-8s %-12s", r.Symbol, r.Outcome)
		if r.Verdict != "" {
			line += " " + r.Verdict
		}
		if r.OrderID != "" {
			line += " order=" + r.OrderID
		}
		if r.Err != nil {
			line += fmt.Sprintf(" [%s: %v]", r.Stage, r.Err)
		}
		fmt.Fprintln(out, line)
	}
	for _, o := range rep.Opportunities {
		fmt.Fprintf(out, "  option   %-8s %s (%s)\n", o.Underlying, o.Contract.Symbol, o.Reason)
	}
	return nil
}
