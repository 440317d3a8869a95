// Package config
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/amirphl/leverage-trader/internal/exchange"
	"github.com/amirphl/leverage-trader/internal/strategy"
	"github.com/amirphl/leverage-trader/internal/utils"
)

/*
YAML config example:
mode: live
symbol: BTCUSDT
strategy: rsi-trend
strategy_overrides:
  rsi_oversold: 28
  leverage: 5
exchange:
  name: binance
live:
  interval: 5m
  target_balance: 5000
  auto_rebalance: true
  max_consecutive_losses: 3
  status_file: status/status.json
storage:
  driver: sqlite
  dsn: leverage-trader.db
redis:
  addr: localhost:6379
metrics_addr: ":9102"
retry: { attempts: 3, base_delay: 1s, max_delay: 30s }
*/

// Modes
const (
	ModeBacktest = "backtest"
	ModeLive     = "live"
	ModeCompare  = "compare"
	ModeReport   = "report"
	ModePresets  = "presets"
)

// Exchanges
const (
	ExchangeBinance = "binance"
	ExchangeWallex  = "wallex"
	ExchangePaper   = "paper"
)

const dateLayout = "2006-01-02"

type Config struct {
	Mode     string   `yaml:"mode"`
	Symbol   string   `yaml:"symbol"`
	Strategy string   `yaml:"strategy"`
	Presets  []string `yaml:"presets"`
	// StrategyOverrides replace preset fields by their yaml names.
	StrategyOverrides map[string]any `yaml:"strategy_overrides"`

	Exchange ExchangeConfig       `yaml:"exchange"`
	Backtest BacktestConfig       `yaml:"backtest"`
	Live     LiveConfig           `yaml:"live"`
	Storage  StorageConfig        `yaml:"storage"`
	Redis    RedisConfig          `yaml:"redis"`
	Telegram TelegramConfig       `yaml:"telegram"`
	Retry    exchange.RetryPolicy `yaml:"retry"`

	MetricsAddr string `yaml:"metrics_addr"`
	// RunID filters report mode; empty reports every stored trade.
	RunID string `yaml:"run_id"`
}

type ExchangeConfig struct {
	Name       string        `yaml:"name"`
	APIKey     string        `yaml:"-"`
	APISecret  string        `yaml:"-"`
	WallexKey  string        `yaml:"-"`
	FuturesURL string        `yaml:"futures_url"`
	SpotURL    string        `yaml:"spot_url"`
	Timeout    time.Duration `yaml:"timeout"`
	// PaperBalance funds the paper exchange and a signal-only run that has
	// no credentials.
	PaperBalance float64 `yaml:"paper_balance"`
	MinQty       float64 `yaml:"min_qty"`
}

type BacktestConfig struct {
	Source          string        `yaml:"source"`
	CSVFine         string        `yaml:"csv_fine"`
	CSVCoarse       string        `yaml:"csv_coarse"`
	FineTimeframe   string        `yaml:"fine_timeframe"`
	CoarseTimeframe string        `yaml:"coarse_timeframe"`
	From            time.Time     `yaml:"from"`
	To              time.Time     `yaml:"to"`
	Balance         float64       `yaml:"balance"`
	OutputDir       string        `yaml:"output_dir"`
	BaseURL         string        `yaml:"base_url"`
	ProxyURL        string        `yaml:"proxy_url"`
	RateLimit       time.Duration `yaml:"rate_limit"`
}

type LiveConfig struct {
	Interval             time.Duration `yaml:"interval"`
	SignalOnly           bool          `yaml:"signal_only"`
	Once                 bool          `yaml:"-"`
	ClearHalt            bool          `yaml:"-"`
	TargetBalance        float64       `yaml:"target_balance"`
	AutoRebalance        bool          `yaml:"auto_rebalance"`
	RebalanceThreshold   float64       `yaml:"rebalance_threshold"`
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
	StatusFile           string        `yaml:"status_file"`
	// StateDir holds loop state files when Redis is not configured.
	StateDir    string `yaml:"state_dir"`
	CandleLimit int    `yaml:"candle_limit"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type TelegramConfig struct {
	Token  string `yaml:"-"`
	ChatID int64  `yaml:"chat_id"`
}

// Default mirrors the settings the daemon ran with before it was configurable.
func Default() Config {
	return Config{
		Mode:     ModeBacktest,
		Symbol:   "BTCUSDT",
		Strategy: "rsi-trend",
		Exchange: ExchangeConfig{Name: ExchangeBinance, PaperBalance: 5000, Timeout: 15 * time.Second},
		Backtest: BacktestConfig{Source: "csv", Balance: 1000, RateLimit: 250 * time.Millisecond},
		Live: LiveConfig{
			Interval:             5 * time.Minute,
			TargetBalance:        5000,
			AutoRebalance:        true,
			RebalanceThreshold:   10,
			MaxConsecutiveLosses: 3,
			StatusFile:           "status/status.json",
			StateDir:             "state",
		},
		Storage:     StorageConfig{Driver: "sqlite", DSN: "leverage-trader.db"},
		Retry:       exchange.DefaultRetryPolicy(),
		MetricsAddr: "",
	}
}

// Load parses args (without the program name), overlays the YAML file named
// by -config, re-applies explicitly set flags, then reads secrets from the
// environment and a .env file. Precedence is flags > yaml > defaults.
func Load(args []string) (Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("leverage-trader", flag.ContinueOnError)

	configFile := fs.String("config", "", "Path to YAML config file")
	mode := fs.String("mode", cfg.Mode, "Mode: backtest, live, compare, report or presets")
	symbol := fs.String("symbol", cfg.Symbol, "Trading symbol, e.g. BTCUSDT")
	strat := fs.String("strategy", cfg.Strategy, "Strategy preset name")
	presets := fs.String("presets", "", "Comma-separated presets for compare mode (default: all)")
	exchangeName := fs.String("exchange", cfg.Exchange.Name, "Exchange: binance, wallex or paper")
	test := fs.Bool("test", false, "Signal-only: simulate orders instead of placing them")
	once := fs.Bool("once", false, "Run a single live cycle and exit")
	clearHalt := fs.Bool("clear-halt", false, "Reset the consecutive-loss circuit breaker and exit")
	interval := fs.Duration("interval", cfg.Live.Interval, "Live polling interval")
	target := fs.Float64("target-balance", cfg.Live.TargetBalance, "Futures target balance (0 disables sizing cap and rebalancing)")
	source := fs.String("source", cfg.Backtest.Source, "Backtest data source: csv, binance or db")
	csvFine := fs.String("csv-fine", "", "CSV with entry timeframe candles")
	csvCoarse := fs.String("csv-coarse", "", "CSV with trend timeframe candles")
	from := fs.String("from", "", "Backtest start date (YYYY-MM-DD)")
	to := fs.String("to", "", "Backtest end date (YYYY-MM-DD), exclusive")
	balance := fs.Float64("balance", cfg.Backtest.Balance, "Initial backtest balance")
	out := fs.String("out", "", "Directory for result files")
	dbDriver := fs.String("db-driver", cfg.Storage.Driver, "Storage: sqlite, postgres or memory")
	dbDSN := fs.String("db", cfg.Storage.DSN, "Storage DSN (file path for sqlite)")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "Prometheus listen address, e.g. :9102")
	runID := fs.String("run", "", "Run id to report on")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	var parseErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = *mode
		case "symbol":
			cfg.Symbol = *symbol
		case "strategy":
			cfg.Strategy = *strat
		case "presets":
			cfg.Presets = splitList(*presets)
		case "exchange":
			cfg.Exchange.Name = *exchangeName
		case "test":
			cfg.Live.SignalOnly = *test
		case "interval":
			cfg.Live.Interval = *interval
		case "target-balance":
			cfg.Live.TargetBalance = *target
		case "source":
			cfg.Backtest.Source = *source
		case "csv-fine":
			cfg.Backtest.CSVFine = *csvFine
		case "csv-coarse":
			cfg.Backtest.CSVCoarse = *csvCoarse
		case "from":
			cfg.Backtest.From, parseErr = parseDate("from", *from, parseErr)
		case "to":
			cfg.Backtest.To, parseErr = parseDate("to", *to, parseErr)
		case "balance":
			cfg.Backtest.Balance = *balance
		case "out":
			cfg.Backtest.OutputDir = *out
		case "db-driver":
			cfg.Storage.Driver = *dbDriver
		case "db":
			cfg.Storage.DSN = *dbDSN
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "run":
			cfg.RunID = *runID
		}
	})
	if parseErr != nil {
		return Config{}, parseErr
	}
	cfg.Live.Once = *once
	cfg.Live.ClearHalt = *clearHalt

	if err := loadEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Symbol = exchange.NormalizeSymbol(cfg.Symbol)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoadConfig exits with status 2 on any configuration error.
func MustLoadConfig(args []string) Config {
	cfg, err := Load(args)
	if err == flag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

func loadEnv(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		utils.GetLogger().Warnf("Config | failed to read .env: %v", err)
	}
	setFromEnv(&cfg.Exchange.APIKey, "BINANCE_API_KEY")
	setFromEnv(&cfg.Exchange.APISecret, "BINANCE_API_SECRET")
	setFromEnv(&cfg.Exchange.WallexKey, "WALLEX_API_KEY")
	setFromEnv(&cfg.Telegram.Token, "TELEGRAM_TOKEN")
	setFromEnv(&cfg.Storage.DSN, "DB_CONN_STR")
	setFromEnv(&cfg.Redis.Addr, "REDIS_ADDR")
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Telegram.ChatID = id
	}
	return nil
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects configurations no mode can run with.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeBacktest, ModeLive, ModeCompare, ModeReport, ModePresets:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}

	switch c.Mode {
	case ModeBacktest, ModeCompare:
		if c.Backtest.Balance <= 0 {
			return fmt.Errorf("initial balance must be positive")
		}
		switch c.Backtest.Source {
		case "csv":
			if c.Backtest.CSVFine == "" {
				return fmt.Errorf("csv source needs -csv-fine")
			}
		case "binance", "db":
			if c.Backtest.From.IsZero() {
				return fmt.Errorf("%s source needs -from", c.Backtest.Source)
			}
		default:
			return fmt.Errorf("unknown backtest source %q", c.Backtest.Source)
		}
		if !c.Backtest.To.IsZero() && !c.Backtest.To.After(c.Backtest.From) {
			return fmt.Errorf("-to must be after -from")
		}
	case ModeLive:
		if c.Live.Interval <= 0 {
			return fmt.Errorf("live interval must be positive")
		}
		if c.Live.TargetBalance < 0 || c.Live.RebalanceThreshold < 0 {
			return fmt.Errorf("target balance and rebalance threshold cannot be negative")
		}
		if c.Live.SignalOnly || c.Live.ClearHalt {
			break
		}
		switch c.Exchange.Name {
		case ExchangeBinance:
			if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
				return fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET are required for live trading (use -test for signal-only)")
			}
		case ExchangeWallex:
			if c.Exchange.WallexKey == "" {
				return fmt.Errorf("WALLEX_API_KEY is required for live trading (use -test for signal-only)")
			}
		case ExchangePaper:
		default:
			return fmt.Errorf("unknown exchange %q", c.Exchange.Name)
		}
	}
	return nil
}

// StrategyConfig builds the immutable strategy config for name: the preset,
// then the yaml overrides, then the configured symbol.
func (c Config) StrategyConfig(name string) (strategy.Config, error) {
	sc, err := strategy.Preset(name)
	if err != nil {
		return strategy.Config{}, err
	}
	if len(c.StrategyOverrides) > 0 {
		data, err := yaml.Marshal(c.StrategyOverrides)
		if err != nil {
			return strategy.Config{}, fmt.Errorf("encoding strategy overrides: %w", err)
		}
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return strategy.Config{}, fmt.Errorf("applying strategy overrides: %w", err)
		}
	}
	sc.Name = name
	sc.Symbol = c.Symbol
	if err := sc.Validate(); err != nil {
		return strategy.Config{}, err
	}
	return sc, nil
}

// CompareConfigs returns the configs compare mode runs, every preset when
// none are listed.
func (c Config) CompareConfigs() ([]strategy.Config, error) {
	names := c.Presets
	if len(names) == 0 {
		names = strategy.PresetNames()
	}
	out := make([]strategy.Config, 0, len(names))
	for _, name := range names {
		sc, err := c.StrategyConfig(name)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDate(name, v string, prev error) (time.Time, error) {
	if prev != nil {
		return time.Time{}, prev
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("-%s: %w", name, err)
	}
	return t, nil
}
