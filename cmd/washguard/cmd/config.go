package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/washguard/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage washguard configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  washguard config init -o washguard.yaml
  washguard config validate -f washguard.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Check that a configuration file loads and validates, with the
environment applied on top.

Example:
  washguard config validate -f washguard.yaml`,
	Args: cobra.NoArgs,
	RunE: runConfigValidate,
}

var (
	configInitOutput   string
	configInitForce    bool
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "washguard.yaml", "output config file path")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	configValidateCmd.MarkFlagRequired("file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if config.Exists(configInitOutput) && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configInitOutput)
	}
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "\nEdit the file and run with:")
	fmt.Fprintf(out, "  washguard run --config %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfgFile = configValidatePath
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", configValidatePath)
	fmt.Fprintf(out, "  Environment: %s\n", cfg.Environment)
	fmt.Fprintf(out, "  Watchlist: %s\n", strings.Join(cfg.Watchlist, ", "))
	fmt.Fprintf(out, "  Drawdown: %.1f%%  Cooldown: %d days  Interval: %s\n",
		cfg.MaxDrawdownPct*100, cfg.WashSaleDays, cfg.CycleInterval())
	fmt.Fprintf(out, "  State: %s  Journal: %s\n", cfg.State.Backend, cfg.Journal.Type)
	for _, b := range cfg.EnabledBrokers() {
		fmt.Fprintf(out, "  Broker: %s (%s)\n", b.Name, b.Kind)
	}
	return nil
}
