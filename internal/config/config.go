package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const MaxSymbols = 10

var DefaultSymbols = []string{"LEN", "MSFT", "MRNA", "PFE", "NKE", "AMZN"}

type Config struct {
	Symbols          []string
	Capital          decimal.Decimal
	Interval         time.Duration
	Lookback         time.Duration
	Feed             string
	DataRPS          float64
	PaperBaseURL     string
	RSIPeriod        int
	DryRun           bool
	KillSwitch       bool
	MarketHoursOnly  bool
	FillTimeout      time.Duration
	FillPollInterval time.Duration
	DecisionsPath    string
	MetricsAddr      string
	LogLevel         string
	LogFormat        string
	APIKey           string
	APISecret        string
}

// fileConfig is the YAML shape of the config file. Credentials are
// deliberately absent: they are only read from the environment.
type fileConfig struct {
	Symbols          []string       `yaml:"symbols"`
	Capital          *float64       `yaml:"capital"`
	Interval         time.Duration  `yaml:"interval"`
	Lookback         time.Duration  `yaml:"lookback"`
	Feed             string         `yaml:"feed"`
	DataRPS          float64        `yaml:"data_rps"`
	PaperBaseURL     string         `yaml:"paper_base_url"`
	RSIPeriod        int            `yaml:"rsi_period"`
	DryRun           *bool          `yaml:"dry_run"`
	KillSwitch       *bool          `yaml:"kill_switch"`
	MarketHoursOnly  *bool          `yaml:"market_hours_only"`
	FillTimeout      *time.Duration `yaml:"fill_timeout"`
	FillPollInterval time.Duration  `yaml:"fill_poll_interval"`
	DecisionsPath    string         `yaml:"decisions_path"`
	MetricsAddr      string         `yaml:"metrics_addr"`
	LogLevel         string         `yaml:"log_level"`
	LogFormat        string         `yaml:"log_format"`
}

func Default() Config {
	return Config{
		Symbols:          append([]string(nil), DefaultSymbols...),
		Capital:          decimal.NewFromInt(100000),
		Interval:         60 * time.Second,
		Lookback:         30 * time.Minute,
		Feed:             "iex",
		DataRPS:          3,
		PaperBaseURL:     "https://paper-api.alpaca.markets",
		RSIPeriod:        14,
		FillTimeout:      30 * time.Second,
		FillPollInterval: time.Second,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// BindFlags registers the bot flags on fs. Defaults shown in help come
// from Default(); only flags the user set override file and env values.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to YAML config file")
	fs.String("env-file", ".env", "dotenv file with APCA_API_KEY_ID and APCA_API_SECRET_KEY")
	fs.StringSlice("symbols", d.Symbols, "comma separated symbols to trade (max 10)")
	fs.String("capital", d.Capital.String(), "total capital split evenly across symbols")
	fs.Duration("interval", d.Interval, "sleep between scan cycles")
	fs.Duration("lookback", d.Lookback, "trailing window of 1-minute bars fetched per symbol")
	fs.String("feed", d.Feed, "market data feed: iex or sip")
	fs.Float64("data-rps", d.DataRPS, "max market data requests per second")
	fs.String("paper-base-url", d.PaperBaseURL, "trading API base URL")
	fs.Int("rsi-period", d.RSIPeriod, "RSI period")
	fs.Bool("dry-run", false, "evaluate and log decisions without placing orders")
	fs.Bool("kill-switch", false, "never place orders")
	fs.Bool("market-hours-only", false, "skip cycles while the market is closed")
	fs.Duration("fill-timeout", d.FillTimeout, "how long to poll an order for a fill (0 disables)")
	fs.Duration("fill-poll-interval", d.FillPollInterval, "order status poll interval")
	fs.String("decisions-path", "", "append decisions as JSON lines to this file")
	fs.String("metrics-addr", "", "serve /metrics, /healthz and /positions on this address")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	fs.String("log-format", d.LogFormat, "log format: console or json")
}

func Load(fs *pflag.FlagSet) (Config, error) {
	cfg := Default()

	envFile, _ := fs.GetString("env-file")
	if err := loadDotEnv(envFile); err != nil {
		return cfg, fmt.Errorf("load %s: %w", envFile, err)
	}

	configPath, _ := fs.GetString("config")
	if configPath == "" {
		configPath = os.Getenv("RSIBOT_CONFIG")
	}
	if configPath != "" {
		if err := applyFile(&cfg, configPath); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := applyFlags(&cfg, fs); err != nil {
		return cfg, err
	}

	cfg.Symbols = normalizeSymbols(cfg.Symbols)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv sets variables from path without overriding ones already
// present in the environment. A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if len(fc.Symbols) > 0 {
		cfg.Symbols = fc.Symbols
	}
	if fc.Capital != nil {
		cfg.Capital = decimal.NewFromFloat(*fc.Capital)
	}
	if fc.Interval != 0 {
		cfg.Interval = fc.Interval
	}
	if fc.Lookback != 0 {
		cfg.Lookback = fc.Lookback
	}
	if fc.Feed != "" {
		cfg.Feed = fc.Feed
	}
	if fc.DataRPS != 0 {
		cfg.DataRPS = fc.DataRPS
	}
	if fc.PaperBaseURL != "" {
		cfg.PaperBaseURL = fc.PaperBaseURL
	}
	if fc.RSIPeriod != 0 {
		cfg.RSIPeriod = fc.RSIPeriod
	}
	if fc.DryRun != nil {
		cfg.DryRun = *fc.DryRun
	}
	if fc.KillSwitch != nil {
		cfg.KillSwitch = *fc.KillSwitch
	}
	if fc.MarketHoursOnly != nil {
		cfg.MarketHoursOnly = *fc.MarketHoursOnly
	}
	if fc.FillTimeout != nil {
		cfg.FillTimeout = *fc.FillTimeout
	}
	if fc.FillPollInterval != 0 {
		cfg.FillPollInterval = fc.FillPollInterval
	}
	if fc.DecisionsPath != "" {
		cfg.DecisionsPath = fc.DecisionsPath
	}
	if fc.MetricsAddr != "" {
		cfg.MetricsAddr = fc.MetricsAddr
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.LogFormat != "" {
		cfg.LogFormat = fc.LogFormat
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.APIKey = os.Getenv("APCA_API_KEY_ID")
	cfg.APISecret = os.Getenv("APCA_API_SECRET_KEY")
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		cfg.PaperBaseURL = v
	}
	if v := os.Getenv("RSIBOT_SYMBOLS"); v != "" {
		cfg.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("RSIBOT_CAPITAL"); v != "" {
		capital, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("RSIBOT_CAPITAL: %w", err)
		}
		cfg.Capital = capital
	}
	if v := os.Getenv("RSIBOT_DRY_RUN"); v != "" {
		dryRun, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RSIBOT_DRY_RUN: %w", err)
		}
		cfg.DryRun = dryRun
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func applyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "symbols":
			cfg.Symbols, err = fs.GetStringSlice(f.Name)
		case "capital":
			cfg.Capital, err = decimal.NewFromString(f.Value.String())
		case "interval":
			cfg.Interval, err = fs.GetDuration(f.Name)
		case "lookback":
			cfg.Lookback, err = fs.GetDuration(f.Name)
		case "feed":
			cfg.Feed = f.Value.String()
		case "data-rps":
			cfg.DataRPS, err = fs.GetFloat64(f.Name)
		case "paper-base-url":
			cfg.PaperBaseURL = f.Value.String()
		case "rsi-period":
			cfg.RSIPeriod, err = fs.GetInt(f.Name)
		case "dry-run":
			cfg.DryRun, err = fs.GetBool(f.Name)
		case "kill-switch":
			cfg.KillSwitch, err = fs.GetBool(f.Name)
		case "market-hours-only":
			cfg.MarketHoursOnly, err = fs.GetBool(f.Name)
		case "fill-timeout":
			cfg.FillTimeout, err = fs.GetDuration(f.Name)
		case "fill-poll-interval":
			cfg.FillPollInterval, err = fs.GetDuration(f.Name)
		case "decisions-path":
			cfg.DecisionsPath = f.Value.String()
		case "metrics-addr":
			cfg.MetricsAddr = f.Value.String()
		case "log-level":
			cfg.LogLevel = f.Value.String()
		case "log-format":
			cfg.LogFormat = f.Value.String()
		}
		if err != nil {
			err = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	return err
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func validate(cfg Config) error {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required")
	}
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if len(cfg.Symbols) > MaxSymbols {
		return fmt.Errorf("at most %d symbols are supported, got %d", MaxSymbols, len(cfg.Symbols))
	}
	seen := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		if _, ok := seen[s]; ok {
			return fmt.Errorf("duplicate symbol: %s", s)
		}
		seen[s] = struct{}{}
	}
	if !cfg.Capital.IsPositive() {
		return fmt.Errorf("capital must be > 0")
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	if cfg.Lookback <= 0 {
		return fmt.Errorf("lookback must be > 0")
	}
	if cfg.Feed != "iex" && cfg.Feed != "sip" {
		return fmt.Errorf("invalid feed: %s", cfg.Feed)
	}
	if cfg.DataRPS <= 0 {
		return fmt.Errorf("data-rps must be > 0")
	}
	if cfg.RSIPeriod <= 1 {
		return fmt.Errorf("rsi-period must be > 1")
	}
	if cfg.FillTimeout < 0 {
		return fmt.Errorf("fill-timeout must be >= 0")
	}
	if cfg.FillTimeout > 0 && cfg.FillPollInterval <= 0 {
		return fmt.Errorf("fill-poll-interval must be > 0")
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}
