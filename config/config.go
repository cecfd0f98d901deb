package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is loaded once at startup and never changed afterwards.
type Config struct {
	Environment          string   `json:"environment" yaml:"environment"`
	Watchlist            []string `json:"watchlist" yaml:"watchlist"`
	OptionsWatchlist     []string `json:"options_watchlist" yaml:"options_watchlist"`
	MaxDrawdownPct       float64  `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	WashSaleDays         int      `json:"wash_sale_days" yaml:"wash_sale_days"`
	CycleIntervalSeconds int      `json:"cycle_interval_seconds" yaml:"cycle_interval_seconds"`
	RetryBackoffSeconds  int      `json:"retry_backoff_seconds" yaml:"retry_backoff_seconds"`
	Timezone             string   `json:"timezone" yaml:"timezone"`
	OptionsAnalyzer      string   `json:"options_analyzer,omitempty" yaml:"options_analyzer,omitempty"`
	MetricsAddr          string   `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`

	State   StateConfig    `json:"state" yaml:"state"`
	Journal JournalConfig  `json:"journal" yaml:"journal"`
	Brokers []BrokerConfig `json:"brokers" yaml:"brokers"`
	Log     LogConfig      `json:"log" yaml:"log"`
}

// StateConfig selects where the cooldown ledger lives.
type StateConfig struct {
	Backend   string `json:"backend" yaml:"backend"` // "file" or "redis"
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
	RedisAddr string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisKey  string `json:"redis_key,omitempty" yaml:"redis_key,omitempty"`
}

type JournalConfig struct {
	Type          string `json:"type" yaml:"type"` // "none", "csv" or "sqlite"
	DBPath        string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	DecisionsFile string `json:"decisions_file,omitempty" yaml:"decisions_file,omitempty"`
	OrdersFile    string `json:"orders_file,omitempty" yaml:"orders_file,omitempty"`
}

type BrokerConfig struct {
	Name    string `json:"name" yaml:"name"`
	Kind    string `json:"kind" yaml:"kind"` // "paper"
	Enabled bool   `json:"enabled" yaml:"enabled"`

	RatePerSec            float64 `json:"rate_per_sec,omitempty" yaml:"rate_per_sec,omitempty"`
	Burst                 int     `json:"burst,omitempty" yaml:"burst,omitempty"`
	ReadRetries           int     `json:"read_retries,omitempty" yaml:"read_retries,omitempty"`
	BreakerFailures       int     `json:"breaker_failures,omitempty" yaml:"breaker_failures,omitempty"`
	BreakerTimeoutSeconds int     `json:"breaker_timeout_seconds,omitempty" yaml:"breaker_timeout_seconds,omitempty"`

	Paper PaperConfig `json:"paper,omitempty" yaml:"paper,omitempty"`
}

// PaperConfig seeds the in-memory paper broker.
type PaperConfig struct {
	AccountID string             `json:"account_id" yaml:"account_id"`
	Cash      float64            `json:"cash" yaml:"cash"`
	Quotes    map[string]float64 `json:"quotes" yaml:"quotes"`
	Positions []PositionConfig   `json:"positions,omitempty" yaml:"positions,omitempty"`
	ETFs      []string           `json:"etfs,omitempty" yaml:"etfs,omitempty"`
}

type PositionConfig struct {
	Symbol       string  `json:"symbol" yaml:"symbol"`
	Quantity     float64 `json:"quantity" yaml:"quantity"`
	AveragePrice float64 `json:"average_price" yaml:"average_price"`
	Dividends    float64 `json:"dividends" yaml:"dividends"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "console" or "json"
}

// CycleInterval is the sleep between cycles.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

// RetryBackoff is the sleep after a failed cycle.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// Location resolves Timezone; "" and "Local" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// EnabledBrokers returns the enabled brokers in configured order.
func (c *Config) EnabledBrokers() []BrokerConfig {
	var out []BrokerConfig
	for _, b := range c.Brokers {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// LoadDotEnv loads .env.<ENVIRONMENT> if present, else .env. Variables
// already set in the process win. It returns the file it loaded, or "".
func LoadDotEnv() (string, error) {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "" {
		env = "local"
	}
	for _, name := range []string{".env." + env, ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return "", fmt.Errorf("load %s: %w", name, err)
		}
		return name, nil
	}
	return "", nil
}

// Load builds the config: defaults, then the file at path (if any), then
// the environment from lookup. The result is validated.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if lookup != nil {
		if err := cfg.ApplyEnv(lookup); err != nil {
			return nil, fmt.Errorf("environment: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a file (YAML or JSON) over the defaults.
func LoadFromFile(path string) (*Config, error) {
	return Load(path, nil)
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, c); err != nil {
		if jerr := json.Unmarshal(data, c); jerr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from environment variables. Blank values are
// ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = splitList(v)
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}

	str("ENVIRONMENT", &c.Environment)
	c.Environment = strings.ToLower(c.Environment)
	list("WATCHLIST", &c.Watchlist)
	list("OPTIONS_WATCHLIST", &c.OptionsWatchlist)
	str("LOG_FILE", &c.State.Path)
	str("TIMEZONE", &c.Timezone)
	str("LOG_LEVEL", &c.Log.Level)
	str("METRICS_ADDR", &c.MetricsAddr)

	if v, ok := lookup("MAX_DRAWDOWN_PCT"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("MAX_DRAWDOWN_PCT: %w", err)
		}
		c.MaxDrawdownPct = f
	}
	if err := integer("WASH_SALE_DAYS", &c.WashSaleDays); err != nil {
		return err
	}
	if err := integer("CYCLE_INTERVAL_SECONDS", &c.CycleIntervalSeconds); err != nil {
		return err
	}
	if err := integer("RETRY_BACKOFF_SECONDS", &c.RetryBackoffSeconds); err != nil {
		return err
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Exists reports whether a config file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Watchlist) == 0 {
		return fmt.Errorf("watchlist is required")
	}
	for _, s := range append(append([]string{}, c.Watchlist...), c.OptionsWatchlist...) {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("watchlist symbols must not be empty")
		}
	}
	if !(c.MaxDrawdownPct > 0) || c.MaxDrawdownPct > 1 {
		return fmt.Errorf("max_drawdown_pct must be in (0, 1]")
	}
	if c.WashSaleDays <= 0 {
		return fmt.Errorf("wash_sale_days must be positive")
	}
	if c.CycleIntervalSeconds <= 0 {
		return fmt.Errorf("cycle_interval_seconds must be positive")
	}
	if c.RetryBackoffSeconds <= 0 {
		return fmt.Errorf("retry_backoff_seconds must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	switch c.State.Backend {
	case "file":
		if c.State.Path == "" {
			return fmt.Errorf("state.path required for file backend")
		}
	case "redis":
		if c.State.RedisAddr == "" {
			return fmt.Errorf("state.redis_addr required for redis backend")
		}
	default:
		return fmt.Errorf("state.backend must be 'file' or 'redis'")
	}

	switch c.Journal.Type {
	case "", "none":
	case "csv":
		if c.Journal.DecisionsFile == "" || c.Journal.OrdersFile == "" {
			return fmt.Errorf("journal decisions_file and orders_file required for CSV type")
		}
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal db_path required for SQLite type")
		}
	default:
		return fmt.Errorf("journal.type must be 'none', 'csv' or 'sqlite'")
	}

	seen := make(map[string]bool)
	for _, b := range c.Brokers {
		if b.Name == "" {
			return fmt.Errorf("broker name is required")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate broker %q", b.Name)
		}
		seen[b.Name] = true
		if b.Kind != "paper" {
			return fmt.Errorf("broker %q: unsupported kind %q", b.Name, b.Kind)
		}
	}
	if len(c.EnabledBrokers()) == 0 {
		return fmt.Errorf("at least one broker must be enabled")
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'console' or 'json'")
	}
	return nil
}

// Default returns the stock settings with a seeded paper broker.
func Default() *Config {
	return &Config{
		Environment:          "local",
		Watchlist:            []string{"SPY", "QQQ", "TSLA", "NVDA"},
		OptionsWatchlist:     []string{"SPY", "QQQ"},
		MaxDrawdownPct:       0.10,
		WashSaleDays:         31,
		CycleIntervalSeconds: 900,
		RetryBackoffSeconds:  60,
		Timezone:             "Local",
		State: StateConfig{
			Backend: "file",
			Path:    "bot_state.json",
		},
		Journal: JournalConfig{
			Type: "none",
		},
		Brokers: []BrokerConfig{
			{
				Name:    "paper",
				Kind:    "paper",
				Enabled: true,
				Paper: PaperConfig{
					AccountID: "SIM-001",
					Cash:      100000,
					Quotes: map[string]float64{
						"SPY":  500,
						"QQQ":  430,
						"TSLA": 250,
						"NVDA": 120,
					},
					ETFs: []string{"SPY", "QQQ"},
				},
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
