package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/washguard/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the decision and order journal",
	Long: `Query decision and order records from the SQLite journal.

Subcommands:
  decisions - List per-symbol cycle outcomes, newest first
  orders    - List submitted orders, newest first

Examples:
  washguard journal decisions --symbol TSLA
  washguard journal orders --limit 20`,
}

var journalDecisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List decisions",
	Args:  cobra.NoArgs,
	RunE:  runJournalDecisions,
}

var journalOrdersCmd = &cobra.Command{
	Use:   "orders",
	Short: "List orders",
	Args:  cobra.NoArgs,
	RunE:  runJournalOrders,
}

var (
	journalDBPath string
	journalSymbol string
	journalLimit  int
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalDecisionsCmd)
	journalCmd.AddCommand(journalOrdersCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "", "path to SQLite journal DB (default from config)")
	journalCmd.PersistentFlags().StringVarP(&journalSymbol, "symbol", "s", "", "only this symbol")
	journalCmd.PersistentFlags().IntVarP(&journalLimit, "limit", "n", 50, "maximum rows (0 for all)")
}

func openJournalDB() (*journal.SQLite, error) {
	path := journalDBPath
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if cfg.Journal.Type != "sqlite" {
			return nil, fmt.Errorf("journal queries need a sqlite journal; pass --db or set journal.type")
		}
		path = cfg.Journal.DBPath
	}
	j, err := journal.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return j, nil
}

func runJournalDecisions(cmd *cobra.Command, args []string) error {
	j, err := openJournalDB()
	if err != nil {
		return err
	}
	defer j.Close()

	recs, err := j.ListDecisions(cmd.Context(), journalSymbol, journalLimit)
	if err != nil {
		return fmt.Errorf("query decisions: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSYMBOL\tOUTCOME\tVERDICT\tPRICE\tAVG COST\tDIVIDENDS\tQTY\tDETAIL")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%.2f\t%.2f\t%g\t%s\n",
			r.Time.Local().Format(time.DateTime), r.Symbol, r.Outcome, r.Verdict,
			r.Price, r.AverageCost, r.Dividends, r.Quantity, r.Detail)
	}
	return w.Flush()
}

func runJournalOrders(cmd *cobra.Command, args []string) error {
	j, err := openJournalDB()
	if err != nil {
		return err
	}
	defer j.Close()

	recs, err := j.ListOrders(cmd.Context(), journalSymbol, journalLimit)
	if err != nil {
		return fmt.Errorf("query orders: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSYMBOL\tACTION\tQTY\tPRICE\tSTATUS\tORDER ID\tERROR")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%.2f\t%s\t%s\t%s\n",
			r.Time.Local().Format(time.DateTime), r.Symbol, r.Action, r.Quantity,
			r.Price, r.Status, r.OrderID, r.Error)
	}
	return w.Flush()
}

func sortedKeys(m map[string]civil.Date) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
