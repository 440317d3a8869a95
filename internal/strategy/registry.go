package strategy

import (
	"fmt"
	"sort"
)

// Factory builds a strategy of one kind from a validated config.
type Factory func(cfg Config) Strategy

var kinds = map[Kind]Factory{
	KindPullback:     func(c Config) Strategy { return NewPullback(c) },
	KindRSI:          func(c Config) Strategy { return NewRSITrend(c) },
	KindBollinger:    func(c Config) Strategy { return NewBollinger(c) },
	KindBreakout:     func(c Config) Strategy { return NewBreakout(c) },
	KindEMACross:     func(c Config) Strategy { return NewEMACross(c) },
	KindADXTrend:     func(c Config) Strategy { return NewADXTrend(c) },
	KindDualMomentum: func(c Config) Strategy { return NewDualMomentum(c) },
	KindEngulfing:    func(c Config) Strategy { return NewEngulfing(c) },
	KindZones:        func(c Config) Strategy { return NewZones(c) },
	KindConfluence:   func(c Config) Strategy { return NewConfluence(c) },
}

// New validates cfg and builds the strategy for its kind.
func New(cfg Config) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factory, ok := kinds[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("strategy %q: unknown kind %q", cfg.Name, cfg.Kind)
	}
	return factory(cfg), nil
}

// defaults holds the account and risk settings shared by all presets.
func defaults(name string, kind Kind) Config {
	return Config{
		Name:           name,
		Kind:           kind,
		Symbol:         "BTCUSDT",
		EntryTimeframe: "15m",
		TrendMAType:    "sma",
		StopMode:       StopPercent,
		StopPct:        1.0,
		TargetPct:      2.0,
		ATRPeriod:      14,
		MinRiskReward:  2.0,
		Leverage:       10,
		RiskPerTrade:   0.02,
		FeeRate:        0.0004,
		CooldownBars:   4,
		CooldownHours:  1,
		Warmup:         100,
		Lookback:       100,
	}
}

var presets = map[string]func() Config{
	"pullback": func() Config { return pullback("pullback") },
	"rsi-trend": func() Config {
		c := defaults("rsi-trend", KindRSI)
		c.TrendMA = 50
		c.RSIPeriod = 14
		c.RSIOversold = 30
		c.RSIOverbought = 70
		c.StopPct = 1.0
		c.TargetPct = 2.0
		return c
	},
	"bollinger": func() Config {
		c := defaults("bollinger", KindBollinger)
		c.BBPeriod = 20
		c.BBStd = 2.0
		c.StopPct = 1.0
		c.MinRiskReward = 1.5
		return c
	},
	"breakout": func() Config {
		c := defaults("breakout", KindBreakout)
		c.EntryTimeframe = "1h"
		c.BreakoutPeriod = 20
		c.StopPct = 1.0
		c.TargetPct = 2.0
		return c
	},
	"ema-cross": func() Config {
		c := defaults("ema-cross", KindEMACross)
		c.EntryTimeframe = "1h"
		c.EMAFast = 12
		c.EMASlow = 26
		c.StopPct = 1.0
		c.TargetPct = 2.0
		c.Lookback = 150
		return c
	},
	"adx-trend": func() Config {
		c := defaults("adx-trend", KindADXTrend)
		c.EntryTimeframe = "1h"
		c.TrendMA = 50
		c.ADXPeriod = 14
		c.MinADX = 25
		c.StopPct = 1.0
		c.TargetPct = 2.0
		return c
	},
	"dual-momentum": func() Config {
		c := defaults("dual-momentum", KindDualMomentum)
		c.EntryTimeframe = "4h"
		c.TrendMA = 100
		c.MomentumPeriod = 15
		c.MomentumThreshold = 7
		c.MomentumExit = -5
		c.StopMode = StopATR
		c.StopATR = 1.5
		c.TargetATR = 3.0
		c.LongOnly = true
		c.Warmup = 150
		c.Lookback = 150
		return c
	},
	"engulfing": func() Config {
		c := defaults("engulfing", KindEngulfing)
		c.TrendTimeframe = "4h"
		c.TrendMA = 50
		c.TrendThresholdPct = 0.5
		c.StopMode = StopATR
		c.StopATR = 1.5
		c.TargetATR = 3.0
		return c
	},
	"pullback-trail": func() Config {
		c := pullback("pullback-trail")
		c.StopPct = 0.7
		c.TargetPct = 1.5
		c.TrailingPct = 0.5
		return c
	},
	"combined-bear": func() Config {
		c := defaults("combined-bear", KindConfluence)
		c.EntryTimeframe = "1d"
		c.TrendMA = 50
		c.TrendThresholdPct = 2
		c.RSIPeriod = 10
		c.RSIOverbought = 60
		c.MomentumPeriod = 14
		c.MomentumThreshold = 5
		c.BBPeriod = 20
		c.BBStd = 2.0
		c.ADXPeriod = 14
		c.MinADX = 25
		c.MinSignalStrength = 2
		c.RegimeMA = 100
		c.RegimePct = 10
		c.StopMode = StopATR
		c.StopATR = 1.5
		c.TargetATR = 4.0
		c.Leverage = 5
		c.MaxNotional = 5000
		c.Warmup = 150
		c.Lookback = 150
		return c
	},
	"zones": func() Config {
		c := defaults("zones", KindZones)
		c.EntryTimeframe = "5m"
		c.TrendTimeframe = "1d"
		c.TrendMA = 20
		c.ZoneTimeframes = []string{"1h", "15m", "5m"}
		c.ZoneLookback = 50
		c.ClusterThresholdPct = 0.3
		c.NearbyPct = 0.8
		c.StopBufferPct = 0.1
		c.Leverage = 20
		c.Lookback = 50
		return c
	},
}

// pullback backs both the fixed and the trailing pullback presets.
func pullback(name string) Config {
	c := defaults(name, KindPullback)
	c.TrendTimeframe = "4h"
	c.TrendMA = 50
	c.TrendThresholdPct = 0.5
	c.PullbackMinPct = 0.15
	c.PullbackMaxPct = 3.0
	c.MinBodyRatio = 0.5
	c.StopPct = 0.5
	c.TargetPct = 1.0
	c.Warmup = 200
	return c
}

// Preset returns a fresh copy of a named preset.
func Preset(name string) (Config, error) {
	build, ok := presets[name]
	if !ok {
		return Config{}, fmt.Errorf("unknown strategy preset %q (available: %v)", name, PresetNames())
	}
	return build(), nil
}

// PresetNames lists the registered presets in name order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
