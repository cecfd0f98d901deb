package cmd

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or prune the wash-sale ledger",
	Long: `Inspect the wash-sale cooldown ledger.

Subcommands:
  list   - Show every symbol in cooldown and the days left
  prune  - Drop entries whose cooldown has lapsed

Examples:
  washguard ledger list
  washguard ledger prune`,
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger entries",
	Args:  cobra.NoArgs,
	RunE:  runLedgerList,
}

var ledgerPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove lapsed entries",
	Args:  cobra.NoArgs,
	RunE:  runLedgerPrune,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerPruneCmd)
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	today := civil.DateOf(time.Now().In(a.loc))
	entries := a.ledger.Entries()
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "Ledger is empty")
		return nil
	}

	fmt.Fprintf(out, "Cooldown window: %d days\n", a.ledger.Window())
	fmt.Fprintf(out, "%-8s %-10s %s\n", "SYMBOL", "SOLD ON", "DAYS LEFT")
	for _, sym := range sortedKeys(entries) {
		left := a.ledger.Remaining(sym, today)
		note := ""
		if left == 0 {
			note = " (lapsed)"
		}
		fmt.Fprintf(out, "%-8s %-10s %d%s\n", sym, entries[sym], left, note)
	}
	return nil
}

func runLedgerPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.ledger.Prune(cmd.Context(), civil.DateOf(time.Now().In(a.loc)))
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d lapsed entries, %d remain\n", n, a.ledger.Len())
	return nil
}
