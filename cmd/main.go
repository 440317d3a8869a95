package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/leverage-trader/internal/backtest"
	"github.com/amirphl/leverage-trader/internal/config"
	"github.com/amirphl/leverage-trader/internal/db"
	"github.com/amirphl/leverage-trader/internal/exchange"
	"github.com/amirphl/leverage-trader/internal/livetrading"
	"github.com/amirphl/leverage-trader/internal/metrics"
	"github.com/amirphl/leverage-trader/internal/notifier"
	"github.com/amirphl/leverage-trader/internal/state"
	"github.com/amirphl/leverage-trader/internal/strategy"
	"github.com/amirphl/leverage-trader/internal/utils"
)

const statusTTL = 15 * time.Minute

func main() {
	cfg := config.MustLoadConfig(os.Args[1:])
	log := utils.GetLogger()
	log.Infof("Main | Starting leverage-trader in mode: %s", cfg.Mode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	var err error
	switch cfg.Mode {
	case config.ModeBacktest:
		err = runBacktest(ctx, cfg)
	case config.ModeCompare:
		err = runCompare(ctx, cfg)
	case config.ModeReport:
		err = runReport(ctx, cfg)
	case config.ModePresets:
		printPresets(cfg)
	case config.ModeLive:
		err = runLive(ctx, cfg)
	}
	cancel()

	if err != nil {
		log.Errorf("Main | %v", err)
		utils.Sync()
		os.Exit(1)
	}
	log.Info("Main | Shutdown complete")
	utils.Sync()
}

func loadOptions(cfg config.Config) backtest.Options {
	b := cfg.Backtest
	return backtest.Options{
		Initial:   b.Balance,
		OutputDir: b.OutputDir,
		Load: backtest.LoadOptions{
			Source:          b.Source,
			Symbol:          cfg.Symbol,
			From:            b.From,
			To:              b.To,
			FinePath:        b.CSVFine,
			CoarsePath:      b.CSVCoarse,
			FineTimeframe:   b.FineTimeframe,
			CoarseTimeframe: b.CoarseTimeframe,
			BaseURL:         b.BaseURL,
			ProxyURL:        b.ProxyURL,
			RateLimit:       b.RateLimit,
			Retry:           cfg.Retry,
		},
	}
}

// openStorage returns nil storage when the driver is set to "" so a plain
// file replay can run without a database.
func openStorage(cfg config.Config) (db.Storage, error) {
	if cfg.Storage.Driver == "" {
		return nil, nil
	}
	storage, err := db.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Storage.Driver, err)
	}
	utils.GetLogger().Infof("Main | Connected to %s storage", cfg.Storage.Driver)
	return storage, nil
}

func runBacktest(ctx context.Context, cfg config.Config) error {
	sc, err := cfg.StrategyConfig(cfg.Strategy)
	if err != nil {
		return err
	}
	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}
	if storage != nil {
		defer storage.Close()
	}
	_, err = backtest.RunBacktest(ctx, sc, loadOptions(cfg), storage)
	return err
}

func runCompare(ctx context.Context, cfg config.Config) error {
	cfgs, err := cfg.CompareConfigs()
	if err != nil {
		return err
	}
	var candles db.CandleStore
	if cfg.Backtest.Source == backtest.SourceDB {
		storage, err := openStorage(cfg)
		if err != nil {
			return err
		}
		if storage != nil {
			defer storage.Close()
			candles = storage
		}
	}
	_, err = backtest.Compare(ctx, cfgs, loadOptions(cfg), candles)
	return err
}

func runReport(ctx context.Context, cfg config.Config) error {
	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}
	if storage == nil {
		return errors.New("report mode needs a storage driver")
	}
	defer storage.Close()

	filter := db.TradeFilter{
		RunID:  cfg.RunID,
		Symbol: cfg.Symbol,
		From:   cfg.Backtest.From,
		To:     cfg.Backtest.To,
	}
	summary, err := backtest.Report(ctx, storage, filter, 0)
	if err != nil {
		return err
	}
	if cfg.Backtest.OutputDir != "" {
		if err := os.MkdirAll(cfg.Backtest.OutputDir, 0o755); err != nil {
			return fmt.Errorf("creating output dir: %w", err)
		}
		return backtest.SaveReport(cfg.Backtest.OutputDir, summary)
	}
	return nil
}

func printPresets(cfg config.Config) {
	log := utils.GetLogger()
	for _, name := range strategy.PresetNames() {
		sc, err := cfg.StrategyConfig(name)
		if err != nil {
			log.Warnf("Main | preset %s: %v", name, err)
			continue
		}
		log.Infof("  %-14s kind=%-13s entry=%-4s trend=%-4s stop=%s leverage=%.0fx risk=%.1f%%",
			name, sc.Kind, sc.EntryTimeframe, sc.TrendTimeframe, sc.StopMode, sc.Leverage, sc.RiskPerTrade*100)
	}
}

// newExchange connects the configured venue behind the retry policy. Paper
// and signal-only runs read real market data and simulate every fill; the
// simulated account starts from the real balance when keys are configured.
func newExchange(cfg config.Config, sc strategy.Config) exchange.Exchange {
	var real exchange.Exchange
	switch cfg.Exchange.Name {
	case config.ExchangeWallex:
		real = exchange.NewWallexExchange(exchange.WallexConfig{
			APIKey: cfg.Exchange.WallexKey,
			MinQty: cfg.Exchange.MinQty,
		})
	default:
		bcfg := exchange.BinanceConfig{
			FuturesURL: cfg.Exchange.FuturesURL,
			SpotURL:    cfg.Exchange.SpotURL,
			Timeout:    cfg.Exchange.Timeout,
		}
		if cfg.Exchange.Name != config.ExchangePaper {
			bcfg.APIKey = cfg.Exchange.APIKey
			bcfg.APISecret = cfg.Exchange.APISecret
		}
		real = exchange.NewBinance(bcfg)
	}
	real = exchange.WithRetry(real, cfg.Retry)

	if cfg.Exchange.Name != config.ExchangePaper && !cfg.Live.SignalOnly {
		return real
	}
	dry := exchange.NewDryRun(real, sc.Symbol, sc.EntryTimeframe, sc.FeeRate)
	if !hasCredentials(cfg) {
		dry.SetStartingBalance(cfg.Exchange.PaperBalance)
	}
	return dry
}

func hasCredentials(cfg config.Config) bool {
	switch cfg.Exchange.Name {
	case config.ExchangeBinance:
		return cfg.Exchange.APIKey != "" && cfg.Exchange.APISecret != ""
	case config.ExchangeWallex:
		return cfg.Exchange.WallexKey != ""
	}
	return false
}

// newStates prefers Redis, then a state directory, then memory.
func newStates(cfg config.Config) (state.StateManager, livetrading.StatusPublisher, func(), error) {
	if cfg.Redis.Addr != "" {
		rs, err := state.NewRedisStore(state.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return rs, rs, func() { rs.Close() }, nil
	}
	if cfg.Live.StateDir != "" {
		fs, err := state.NewFileStore(cfg.Live.StateDir)
		if err != nil {
			return nil, nil, nil, err
		}
		return fs, nil, func() {}, nil
	}
	utils.GetLogger().Warn("Main | no state backend configured, loop state will not survive a restart")
	return state.NewMemoryStore(), nil, func() {}, nil
}

func newNotifier(cfg config.Config) notifier.Notifier {
	notes := notifier.Multi{notifier.NewStdout()}
	if cfg.Telegram.Token == "" || cfg.Telegram.ChatID == 0 {
		return notes
	}
	tg, err := notifier.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID)
	if err != nil {
		utils.GetLogger().Warnf("Main | telegram disabled: %v", err)
		return notes
	}
	return append(notes, tg)
}

func runLive(ctx context.Context, cfg config.Config) error {
	log := utils.GetLogger()

	states, status, closeStates, err := newStates(cfg)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer closeStates()

	if cfg.Live.ClearHalt {
		return livetrading.ClearHalt(ctx, states, cfg.Symbol)
	}

	sc, err := cfg.StrategyConfig(cfg.Strategy)
	if err != nil {
		return err
	}
	strat, err := strategy.New(sc)
	if err != nil {
		return err
	}

	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}
	if storage != nil {
		defer storage.Close()
	}

	m := metrics.New(cfg.Symbol)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Errorf("Main | metrics server: %v", err)
			}
		}()
	}

	trader, err := livetrading.New(strat, livetrading.Options{
		TargetBalance:        cfg.Live.TargetBalance,
		AutoRebalance:        cfg.Live.AutoRebalance,
		RebalanceThreshold:   cfg.Live.RebalanceThreshold,
		MaxConsecutiveLosses: cfg.Live.MaxConsecutiveLosses,
		SignalOnly:           cfg.Live.SignalOnly,
		StatusFile:           cfg.Live.StatusFile,
		StatusTTL:            statusTTL,
		CandleLimit:          cfg.Live.CandleLimit,
	}, livetrading.Deps{
		Exchange: newExchange(cfg, sc),
		States:   states,
		Storage:  storage,
		Metrics:  m,
		Notifier: newNotifier(cfg),
		Status:   status,
	})
	if err != nil {
		return err
	}

	if cfg.Live.Once {
		if err := trader.Start(ctx); err != nil {
			return err
		}
		return trader.Cycle(ctx)
	}

	log.Infof("Main | [%s] trading %s every %s", cfg.Symbol, sc.Name, cfg.Live.Interval)
	return livetrading.RunLiveTrading(ctx, trader, livetrading.NewTicker(cfg.Live.Interval))
}
