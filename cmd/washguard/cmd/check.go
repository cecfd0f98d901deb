package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe broker connectivity",
	Long: `Connect to every enabled broker and read the account, the positions
and a quote for a probe symbol. Nothing is traded.

Example:
  washguard check --symbol SPY`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

var checkSymbol string

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVarP(&checkSymbol, "symbol", "s", "", "probe symbol (default: first watchlist entry)")
}

func runCheck(cmd *cobra.Command, args []string) error {
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

	symbol := checkSymbol
	if symbol == "" {
		symbol = cfg.Watchlist[0]
	}

	brokers, err := a.connectBrokers(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, b := range brokers {
		fmt.Fprintf(out, "Broker %s\n", b.Name())

		acct, err := b.GetAccount(ctx)
		if err != nil {
			failed++
			fmt.Fprintf(out, "  ✗ account: %v\n", err)
		} else {
			fmt.Fprintf(out, "  ✓ account %s (%s) cash $%.2f equity $%.2f\n", acct.ID, acct.Type, acct.Cash, acct.Equity)
		}

		positions, err := b.GetPositions(ctx)
		if err != nil {
			failed++
			fmt.Fprintf(out, "  ✗ positions: %v\n", err)
		} else {
			fmt.Fprintf(out, "  ✓ %d positions\n", len(positions))
			for _, p := range positions {
				fmt.Fprintf(out, "      %-8s qty %g avg $%.2f dividends $%.2f\n", p.Symbol, p.Quantity, p.AveragePrice, p.Dividends)
			}
		}

		q, err := b.GetQuote(ctx, symbol)
		if err != nil {
			failed++
			fmt.Fprintf(out, "  ✗ quote %s: %v\n", symbol, err)
		} else {
			fmt.Fprintf(out, "  ✓ quote %s $%.2f\n", symbol, q.Price)
		}

		if etf, err := b.IsETF(ctx, symbol); err == nil {
			fmt.Fprintf(out, "  ✓ %s is ETF: %t\n", symbol, etf)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	return nil
}
