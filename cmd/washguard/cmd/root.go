package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/washguard/config"
)

var rootCmd = &cobra.Command{
	Use:   "washguard",
	Short: "Wash-sale aware position guard",
	Long: `Washguard watches a list of symbols on a schedule and sells a holding
whose paper loss, net of dividends, has eroded past a drawdown threshold.

Every loss sale starts a wash-sale cooldown (31 days by default) during which
the symbol is skipped. The cooldown ledger survives restarts.

Configuration comes from a YAML/JSON file (--config), then .env.<ENVIRONMENT>
or .env, then process environment variables.`,
	SilenceUsage: true,
}

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format override (console or json)")
}

// loadConfig applies dotenv files, the config file and the environment, in
// that order, then the command-line overrides.
func loadConfig() (*config.Config, error) {
	if _, err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgFile, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(c config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if c.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
