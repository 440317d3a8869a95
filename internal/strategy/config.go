package strategy

import (
	"fmt"

	"github.com/amirphl/leverage-trader/internal/tfutils"
)

// Kind names a shape of entry logic.
type Kind string

const (
	KindPullback     Kind = "pullback"
	KindRSI          Kind = "rsi"
	KindBollinger    Kind = "bollinger"
	KindBreakout     Kind = "breakout"
	KindEMACross     Kind = "ema-cross"
	KindADXTrend     Kind = "adx-trend"
	KindDualMomentum Kind = "dual-momentum"
	KindEngulfing    Kind = "engulfing"
	KindZones        Kind = "zones"
	KindConfluence   Kind = "confluence"
)

// StopMode selects how stop and target distances are derived.
type StopMode string

const (
	StopPercent StopMode = "percent"
	StopATR     StopMode = "atr"
)

// Config enumerates every tunable of a strategy run. It is built once and
// passed by value; nothing mutates it afterwards.
type Config struct {
	Name   string `yaml:"name" json:"name"`
	Kind   Kind   `yaml:"kind" json:"kind"`
	Symbol string `yaml:"symbol" json:"symbol"`

	EntryTimeframe string `yaml:"entry_timeframe" json:"entry_timeframe"`
	// TrendTimeframe defaults to EntryTimeframe when empty.
	TrendTimeframe    string  `yaml:"trend_timeframe" json:"trend_timeframe"`
	TrendMA           int     `yaml:"trend_ma" json:"trend_ma"`
	TrendMAType       string  `yaml:"trend_ma_type" json:"trend_ma_type"`
	TrendThresholdPct float64 `yaml:"trend_threshold_pct" json:"trend_threshold_pct"`

	RSIPeriod     int     `yaml:"rsi_period" json:"rsi_period,omitempty"`
	RSIOversold   float64 `yaml:"rsi_oversold" json:"rsi_oversold,omitempty"`
	RSIOverbought float64 `yaml:"rsi_overbought" json:"rsi_overbought,omitempty"`

	BBPeriod int     `yaml:"bb_period" json:"bb_period,omitempty"`
	BBStd    float64 `yaml:"bb_std" json:"bb_std,omitempty"`

	BreakoutPeriod int `yaml:"breakout_period" json:"breakout_period,omitempty"`

	EMAFast int `yaml:"ema_fast" json:"ema_fast,omitempty"`
	EMASlow int `yaml:"ema_slow" json:"ema_slow,omitempty"`

	ADXPeriod int     `yaml:"adx_period" json:"adx_period,omitempty"`
	MinADX    float64 `yaml:"min_adx" json:"min_adx,omitempty"`

	MomentumPeriod    int     `yaml:"momentum_period" json:"momentum_period,omitempty"`
	MomentumThreshold float64 `yaml:"momentum_threshold" json:"momentum_threshold,omitempty"`
	MomentumExit      float64 `yaml:"momentum_exit" json:"momentum_exit,omitempty"`

	PullbackMinPct float64 `yaml:"pullback_min_pct" json:"pullback_min_pct,omitempty"`
	PullbackMaxPct float64 `yaml:"pullback_max_pct" json:"pullback_max_pct,omitempty"`
	MinBodyRatio   float64 `yaml:"min_body_ratio" json:"min_body_ratio,omitempty"`

	ZoneTimeframes      []string `yaml:"zone_timeframes" json:"zone_timeframes,omitempty"`
	ZoneLookback        int      `yaml:"zone_lookback" json:"zone_lookback,omitempty"`
	ClusterThresholdPct float64  `yaml:"cluster_threshold_pct" json:"cluster_threshold_pct,omitempty"`
	NearbyPct           float64  `yaml:"nearby_pct" json:"nearby_pct,omitempty"`
	StopBufferPct       float64  `yaml:"stop_buffer_pct" json:"stop_buffer_pct,omitempty"`

	// MinSignalStrength is how many confluence conditions must agree.
	// RegimeMA and RegimePct classify the market as bear when price sits
	// more than RegimePct below the RegimeMA-period average.
	MinSignalStrength int     `yaml:"min_signal_strength" json:"min_signal_strength,omitempty"`
	RegimeMA          int     `yaml:"regime_ma" json:"regime_ma,omitempty"`
	RegimePct         float64 `yaml:"regime_pct" json:"regime_pct,omitempty"`

	StopMode      StopMode `yaml:"stop_mode" json:"stop_mode"`
	StopPct       float64  `yaml:"stop_pct" json:"stop_pct,omitempty"`
	TargetPct     float64  `yaml:"target_pct" json:"target_pct,omitempty"`
	ATRPeriod     int      `yaml:"atr_period" json:"atr_period,omitempty"`
	StopATR       float64  `yaml:"stop_atr" json:"stop_atr,omitempty"`
	TargetATR     float64  `yaml:"target_atr" json:"target_atr,omitempty"`
	MinRiskReward float64  `yaml:"min_risk_reward" json:"min_risk_reward"`
	// TrailingPct ratchets the stop to this distance behind the best price
	// since entry. Zero keeps the stop fixed.
	TrailingPct   float64  `yaml:"trailing_pct" json:"trailing_pct,omitempty"`

	Leverage     float64 `yaml:"leverage" json:"leverage"`
	RiskPerTrade float64 `yaml:"risk_per_trade" json:"risk_per_trade"`
	FeeRate      float64 `yaml:"fee_rate" json:"fee_rate"`
	LongOnly     bool    `yaml:"long_only" json:"long_only"`
	// MaxNotional caps entry price times quantity in quote currency.
	MaxNotional  float64 `yaml:"max_notional" json:"max_notional,omitempty"`

	CooldownBars  int     `yaml:"cooldown_bars" json:"cooldown_bars"`
	CooldownHours float64 `yaml:"cooldown_hours" json:"cooldown_hours"`

	// Warmup is the number of entry candles skipped before the first
	// evaluation. Lookback caps the candles kept per snapshot frame.
	Warmup   int `yaml:"warmup" json:"warmup"`
	Lookback int `yaml:"lookback" json:"lookback"`
}

// Trend returns the trend timeframe, falling back to the entry timeframe.
func (c Config) Trend() string {
	if c.TrendTimeframe == "" {
		return c.EntryTimeframe
	}
	return c.TrendTimeframe
}

// Timeframes lists the entry timeframe first, then every other distinct
// timeframe the config reads.
func (c Config) Timeframes() []string {
	out := []string{c.EntryTimeframe}
	seen := map[string]bool{c.EntryTimeframe: true}
	add := func(tf string) {
		if tf != "" && !seen[tf] {
			seen[tf] = true
			out = append(out, tf)
		}
	}
	if c.TrendMA > 0 {
		add(c.Trend())
	}
	for _, tf := range c.ZoneTimeframes {
		add(tf)
	}
	return out
}

// Validate checks the fields every kind relies on.
func (c Config) Validate() error {
	if c.Kind == "" {
		return fmt.Errorf("strategy %q: kind is required", c.Name)
	}
	if c.Symbol == "" {
		return fmt.Errorf("strategy %q: symbol is required", c.Name)
	}
	for _, tf := range c.Timeframes() {
		if !tfutils.IsValidTimeframe(tf) {
			return fmt.Errorf("strategy %q: unsupported timeframe %q", c.Name, tf)
		}
	}
	if c.TrendMA > 0 && tfutils.IsCoarser(c.EntryTimeframe, c.Trend()) {
		return fmt.Errorf("strategy %q: trend timeframe %s is finer than entry %s", c.Name, c.Trend(), c.EntryTimeframe)
	}
	switch c.StopMode {
	case StopPercent:
		if c.StopPct <= 0 {
			return fmt.Errorf("strategy %q: stop_pct must be positive", c.Name)
		}
	case StopATR:
		if c.ATRPeriod <= 0 || c.StopATR <= 0 {
			return fmt.Errorf("strategy %q: atr stops need atr_period and stop_atr", c.Name)
		}
	default:
		return fmt.Errorf("strategy %q: unknown stop mode %q", c.Name, c.StopMode)
	}
	if c.Leverage <= 0 {
		return fmt.Errorf("strategy %q: leverage must be positive", c.Name)
	}
	if c.RiskPerTrade <= 0 || c.RiskPerTrade >= 1 {
		return fmt.Errorf("strategy %q: risk_per_trade must be a fraction in (0, 1)", c.Name)
	}
	if c.FeeRate < 0 || c.MinRiskReward < 0 || c.CooldownBars < 0 || c.CooldownHours < 0 {
		return fmt.Errorf("strategy %q: fee rate, min risk reward and cooldowns cannot be negative", c.Name)
	}
	if c.TrailingPct < 0 || c.TrailingPct >= 100 || c.MaxNotional < 0 {
		return fmt.Errorf("strategy %q: trailing_pct must be in [0, 100) and max_notional cannot be negative", c.Name)
	}
	if c.Lookback <= 0 {
		return fmt.Errorf("strategy %q: lookback must be positive", c.Name)
	}
	if err := c.validateKind(); err != nil {
		return fmt.Errorf("strategy %q: %w", c.Name, err)
	}
	if need := c.history(); c.Lookback < need {
		return fmt.Errorf("strategy %q: lookback %d is shorter than the %d candles its indicators read", c.Name, c.Lookback, need)
	}
	return nil
}

// validateKind checks the parameters only one kind reads.
func (c Config) validateKind() error {
	switch c.Kind {
	case KindPullback:
		if c.PullbackMinPct < 0 || c.PullbackMaxPct <= c.PullbackMinPct {
			return fmt.Errorf("pullback needs 0 <= pullback_min_pct < pullback_max_pct")
		}
	case KindRSI:
		if err := c.validateRSI(); err != nil {
			return err
		}
	case KindBollinger:
		if c.BBPeriod < 2 || c.BBStd <= 0 {
			return fmt.Errorf("bollinger needs bb_period >= 2 and a positive bb_std")
		}
	case KindBreakout:
		if c.BreakoutPeriod <= 0 {
			return fmt.Errorf("breakout_period must be positive")
		}
	case KindEMACross:
		if c.EMAFast <= 0 || c.EMASlow <= c.EMAFast {
			return fmt.Errorf("ema-cross needs 0 < ema_fast < ema_slow")
		}
	case KindADXTrend:
		if c.ADXPeriod <= 0 || c.MinADX < 0 {
			return fmt.Errorf("adx-trend needs a positive adx_period and a non-negative min_adx")
		}
	case KindDualMomentum:
		if c.MomentumPeriod <= 0 {
			return fmt.Errorf("momentum_period must be positive")
		}
	case KindEngulfing:
		if c.MinBodyRatio < 0 || c.MinBodyRatio > 1 {
			return fmt.Errorf("min_body_ratio must be in [0, 1]")
		}
	case KindZones:
		if len(c.ZoneTimeframes) == 0 || c.ZoneLookback <= 0 {
			return fmt.Errorf("zones needs zone_timeframes and a positive zone_lookback")
		}
	case KindConfluence:
		switch {
		case c.RSIPeriod <= 0 || c.RSIOverbought <= 0 || c.RSIOverbought >= 100:
			return fmt.Errorf("confluence needs a positive rsi_period and rsi_overbought below 100")
		case c.BBPeriod < 2 || c.BBStd <= 0:
			return fmt.Errorf("confluence needs bb_period >= 2 and a positive bb_std")
		case c.ADXPeriod <= 0 || c.MomentumPeriod <= 0:
			return fmt.Errorf("confluence needs positive adx_period and momentum_period")
		case c.TrendMA <= 0:
			return fmt.Errorf("confluence needs a trend_ma")
		case c.MinSignalStrength < 1 || c.MinSignalStrength > confluenceConditions:
			return fmt.Errorf("min_signal_strength must be between 1 and %d", confluenceConditions)
		case c.RegimeMA < 0 || c.RegimePct < 0:
			return fmt.Errorf("regime_ma and regime_pct cannot be negative")
		}
	}
	return nil
}

func (c Config) validateRSI() error {
	if c.RSIPeriod <= 0 {
		return fmt.Errorf("rsi_period must be positive")
	}
	if c.RSIOversold <= 0 || c.RSIOverbought >= 100 || c.RSIOversold >= c.RSIOverbought {
		return fmt.Errorf("rsi thresholds need 0 < oversold < overbought < 100")
	}
	return nil
}

// history is the number of entry candles the configured indicators need
// before they produce a value. Trend averages on a coarser timeframe count
// against the same per-frame Lookback.
func (c Config) history() int {
	need := c.TrendMA
	grow := func(n int) {
		if n > need {
			need = n
		}
	}
	if c.StopMode == StopATR {
		grow(c.ATRPeriod + 1)
	}
	switch c.Kind {
	case KindPullback:
		grow(pullbackSwing)
	case KindRSI:
		grow(c.RSIPeriod + 1)
	case KindBollinger:
		grow(c.BBPeriod + 1)
	case KindBreakout:
		grow(c.BreakoutPeriod + breakoutSettle)
	case KindEMACross:
		grow(c.EMASlow + 1)
	case KindADXTrend:
		grow(2*c.ADXPeriod + 1)
	case KindDualMomentum:
		grow(c.MomentumPeriod + 1)
	case KindZones:
		grow(c.ZoneLookback)
	case KindConfluence:
		grow(c.RSIPeriod + 1)
		grow(c.BBPeriod + 1)
		grow(2*c.ADXPeriod + 1)
		grow(c.MomentumPeriod + 1)
		grow(c.RegimeMA)
	}
	return need
}
