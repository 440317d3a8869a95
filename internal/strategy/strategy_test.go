package strategy

import (
	"testing"
	"time"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/tfutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// series opens every candle at the previous close and pads the body by half
// a unit on each side.
func series(tf string, closes ...float64) []candle.Candle {
	step := tfutils.GetTimeframeDuration(tf)
	out := make([]candle.Candle, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		out[i] = candle.Candle{
			OpenTime:  start.Add(time.Duration(i) * step),
			Open:      open,
			High:      max(open, c) + 0.5,
			Low:       min(open, c) - 0.5,
			Close:     c,
			Volume:    100,
			Symbol:    "BTCUSDT",
			Timeframe: tf,
		}
	}
	return out
}

func linear(n int, from, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}

func snapshotOf(entry string, frames map[string][]candle.Candle) Snapshot {
	h := frames[entry]
	return Snapshot{Time: h[len(h)-1].CloseTime(), Entry: entry, Frames: frames}
}

func mustPreset(t *testing.T, name string) Config {
	t.Helper()
	cfg, err := Preset(name)
	require.NoError(t, err)
	return cfg
}

func TestSide(t *testing.T) {
	assert.Equal(t, "LONG", Long.String())
	assert.Equal(t, "SHORT", Short.String())
	assert.Equal(t, Short, Long.Opposite())

	side, err := ParseSide("sell")
	require.NoError(t, err)
	assert.Equal(t, Short, side)
	_, err = ParseSide("sideways")
	assert.Error(t, err)
}

func TestFinalize(t *testing.T) {
	cfg := Config{Name: "t", MinRiskReward: 2}

	t.Run("extends target to min risk reward", func(t *testing.T) {
		sig, err := Finalize(Signal{Side: Long, Entry: 100, Stop: 99, Target: 100.5}, cfg)
		require.NoError(t, err)
		assert.InDelta(t, 102, sig.Target, 1e-9)
		assert.Equal(t, "t", sig.Strategy)
	})

	t.Run("keeps a wider target", func(t *testing.T) {
		sig, err := Finalize(Signal{Side: Short, Entry: 100, Stop: 101, Target: 95}, cfg)
		require.NoError(t, err)
		assert.Equal(t, 95.0, sig.Target)
	})

	tests := []struct {
		name string
		sig  Signal
	}{
		{"zero stop distance", Signal{Side: Long, Entry: 100, Stop: 100, Target: 105}},
		{"long stop above entry", Signal{Side: Long, Entry: 100, Stop: 101, Target: 105}},
		{"short stop below entry", Signal{Side: Short, Entry: 100, Stop: 99, Target: 95}},
		{"target on wrong side", Signal{Side: Long, Entry: 100, Stop: 99, Target: 98}},
		{"no side", Signal{Side: None, Entry: 100, Stop: 99, Target: 105}},
		{"non-positive entry", Signal{Side: Long, Entry: 0, Stop: -1, Target: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := Finalize(tt.sig, cfg)
			assert.Nil(t, sig)
			assert.ErrorIs(t, err, ErrInvalidSignal)
		})
	}
}

func TestLevels(t *testing.T) {
	cfg := Config{StopMode: StopPercent, StopPct: 1, TargetPct: 2}
	stop, target, ok := Levels(nil, cfg, Short, 200)
	require.True(t, ok)
	assert.InDelta(t, 202, stop, 1e-9)
	assert.InDelta(t, 196, target, 1e-9)

	h := series("1h", linear(20, 100, 1)...)
	cfg = Config{StopMode: StopATR, ATRPeriod: 14, StopATR: 1.5, TargetATR: 3}
	stop, target, ok = Levels(h, cfg, Long, 119)
	require.True(t, ok)
	// every true range is 2: one unit of drift plus the half-unit pads
	assert.InDelta(t, 116, stop, 1e-9)
	assert.InDelta(t, 125, target, 1e-9)

	_, _, ok = Levels(h[:10], cfg, Long, 109)
	assert.False(t, ok)
}

func TestTrendLabel(t *testing.T) {
	cfg := Config{TrendMA: 10, TrendThresholdPct: 0.5}

	assert.Equal(t, TrendUp, TrendLabel(series("4h", linear(20, 100, 1)...), cfg))
	assert.Equal(t, TrendDown, TrendLabel(series("4h", linear(20, 200, -1)...), cfg))
	flat := series("4h", linear(20, 100, 0)...)
	assert.Equal(t, TrendSideways, TrendLabel(flat, cfg))
	assert.Equal(t, TrendUnknown, TrendLabel(flat[:5], cfg))

	cfg.TrendMAType = "ema"
	assert.Equal(t, TrendUp, TrendLabel(series("4h", linear(30, 100, 1)...), cfg))
}

func TestCooldown(t *testing.T) {
	t.Run("bars", func(t *testing.T) {
		cd := NewBarCooldown(3)
		assert.False(t, cd.Active(start))
		cd.Start(start)
		for i := 0; i < 3; i++ {
			assert.True(t, cd.Active(start))
			cd.Tick()
		}
		assert.False(t, cd.Active(start))
		assert.Equal(t, start, cd.LastEntry())
	})

	t.Run("hours", func(t *testing.T) {
		cd := NewTimeCooldown(time.Hour)
		cd.Restore(start)
		assert.True(t, cd.Active(start.Add(30*time.Minute)))
		assert.False(t, cd.Active(start.Add(time.Hour)))
	})
}

func TestRegistry(t *testing.T) {
	names := PresetNames()
	require.Len(t, names, 11)

	seen := map[Kind]bool{}
	for _, name := range names {
		cfg := mustPreset(t, name)
		s, err := New(cfg)
		require.NoError(t, err, name)
		assert.Equal(t, name, s.Name())
		assert.Equal(t, cfg.EntryTimeframe, s.Timeframes()[0])
		seen[cfg.Kind] = true
	}
	assert.Len(t, seen, len(kinds), "every kind has a preset")

	_, err := Preset("nope")
	assert.Error(t, err)

	cfg := mustPreset(t, "rsi-trend")
	cfg.Kind = "martingale"
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = mustPreset(t, "rsi-trend")
	cfg.RiskPerTrade = 2
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestPresetIsACopy(t *testing.T) {
	a := mustPreset(t, "zones")
	a.ZoneTimeframes[0] = "1d"
	b := mustPreset(t, "zones")
	assert.Equal(t, "1h", b.ZoneTimeframes[0])
	assert.Equal(t, []string{"5m", "1d", "1h", "15m"}, b.Timeframes())
}

func TestRSITrend(t *testing.T) {
	cfg := mustPreset(t, "rsi-trend")
	cfg.TrendMA = 0

	closes := append(linear(20, 100, 0), linear(16, 99, -1)...)
	h := series("15m", closes...)
	s, err := New(cfg)
	require.NoError(t, err)

	sig, err := s.Evaluate(snapshotOf("15m", map[string][]candle.Candle{"15m": h}))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, Long, sig.Side)
	assert.Equal(t, 84.0, sig.Entry)
	assert.InDelta(t, 84*0.99, sig.Stop, 1e-9)
	assert.InDelta(t, 84*1.02, sig.Target, 1e-9)
	assert.Equal(t, h[len(h)-1].CloseTime(), sig.Time)

	t.Run("trend filter blocks counter-trend longs", func(t *testing.T) {
		cfg.TrendMA = 30
		s, err := New(cfg)
		require.NoError(t, err)
		sig, err := s.Evaluate(snapshotOf("15m", map[string][]candle.Candle{"15m": h}))
		require.NoError(t, err)
		assert.Nil(t, sig)
	})
}

func TestBreakout(t *testing.T) {
	s, err := New(mustPreset(t, "breakout"))
	require.NoError(t, err)

	h := series("1h", append(linear(30, 100, 0), 102)...)
	sig, err := s.Evaluate(snapshotOf("1h", map[string][]candle.Candle{"1h": h}))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, Long, sig.Side)

	down := series("1h", append(linear(30, 100, 0), 98)...)
	sig, err = s.Evaluate(snapshotOf("1h", map[string][]candle.Candle{"1h": down}))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, Short, sig.Side)

	inside := series("1h", append(linear(30, 100, 0), 100.3)...)
	sig, err = s.Evaluate(snapshotOf("1h", map[string][]candle.Candle{"1h": inside}))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestBollinger_TargetsMiddleBandAtMinRiskReward(t *testing.T) {
	s, err := New(mustPreset(t, "bollinger"))
	require.NoError(t, err)

	closes := make([]float64, 28)
	for i := range closes {
		closes[i] = 100
		if i%2 == 1 {
			closes[i] = 102
		}
	}
	closes = append(closes, 96, 100)
	h := series("15m", closes...)

	sig, err := s.Evaluate(snapshotOf("15m", map[string][]candle.Candle{"15m": h}))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, Long, sig.Side)
	assert.InDelta(t, 99, sig.Stop, 1e-9)
	// middle band 100.7 is closer than 1.5R, so the target is pushed out
	assert.InDelta(t, 101.5, sig.Target, 1e-9)
}

func TestEMACross_FirstSignalIsGoldenCross(t *testing.T) {
	s, err := New(mustPreset(t, "ema-cross"))
	require.NoError(t, err)

	closes := append(linear(40, 100, -0.75), linear(30, 72, 3)...)
	h := series("1h", closes...)

	var first *Signal
	firstAt := 0
	for n := 2; n <= len(h); n++ {
		sig, err := s.Evaluate(snapshotOf("1h", map[string][]candle.Candle{"1h": h[:n]}))
		require.NoError(t, err)
		if sig != nil {
			first, firstAt = sig, n
			break
		}
	}
	require.NotNil(t, first)
	assert.Equal(t, Long, first.Side)
	assert.Greater(t, firstAt, 40, "no cross during the decline")
	assert.Equal(t, "golden cross", first.Reason)
}

func TestDualMomentum(t *testing.T) {
	cfg := mustPreset(t, "dual-momentum")
	s, err := New(cfg)
	require.NoError(t, err)
	dm := s.(*DualMomentum)

	h := series("4h", linear(110, 100, 1)...)
	snap := snapshotOf("4h", map[string][]candle.Candle{"4h": h})
	sig, err := dm.Evaluate(snap)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, Long, sig.Side)
	assert.InDelta(t, 206, sig.Stop, 1e-9)
	assert.InDelta(t, 215, sig.Target, 1e-9)

	_, exit := dm.ShouldExit(snap, Long)
	assert.False(t, exit)

	crash := series("4h", append(linear(20, 100, 0), 90)...)
	reason, exit := dm.ShouldExit(snapshotOf("4h", map[string][]candle.Candle{"4h": crash}), Long)
	assert.True(t, exit)
	assert.Equal(t, "MOMENTUM_REVERSAL", reason)

	t.Run("long only", func(t *testing.T) {
		falling := series("4h", linear(110, 300, -1)...)
		sig, err := dm.Evaluate(snapshotOf("4h", map[string][]candle.Candle{"4h": falling}))
		require.NoError(t, err)
		assert.Nil(t, sig)
	})
}

func TestPullback(t *testing.T) {
	s, err := New(mustPreset(t, "pullback"))
	require.NoError(t, err)

	entry := series("15m", linear(18, 100, 0.5)...)
	entry = append(entry,
		candle.Candle{OpenTime: start.Add(18 * 15 * time.Minute), Open: 108.5, High: 108.7, Low: 107.3, Close: 107.5, Timeframe: "15m"},
		candle.Candle{OpenTime: start.Add(19 * 15 * time.Minute), Open: 107.5, High: 108.5, Low: 107.4, Close: 108.4, Timeframe: "15m"},
	)
	frames := map[string][]candle.Candle{
		"15m": entry,
		"4h":  series("4h", linear(60, 100, 1)...),
	}

	sig, err := s.Evaluate(snapshotOf("15m", frames))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, Long, sig.Side)
	assert.Equal(t, 108.4, sig.Entry)
	assert.Contains(t, sig.Reason, "pullback")

	frames["4h"] = series("4h", linear(60, 100, 0)...)
	sig, err = s.Evaluate(snapshotOf("15m", frames))
	require.NoError(t, err)
	assert.Nil(t, sig, "sideways trend never trades")
}

func TestEngulfing(t *testing.T) {
	s, err := New(mustPreset(t, "engulfing"))
	require.NoError(t, err)

	entry := series("15m", linear(15, 104, 0)...)
	entry = append(entry,
		candle.Candle{OpenTime: start.Add(15 * 15 * time.Minute), Open: 105, High: 107, Low: 100, Close: 102, Volume: 100, Timeframe: "15m"},
		candle.Candle{OpenTime: start.Add(16 * 15 * time.Minute), Open: 101, High: 108, Low: 99, Close: 106, Volume: 200, Timeframe: "15m"},
	)
	frames := map[string][]candle.Candle{
		"15m": entry,
		"4h":  series("4h", linear(60, 100, 1)...),
	}

	sig, err := s.Evaluate(snapshotOf("15m", frames))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, Long, sig.Side)
	assert.Equal(t, "Bullish Engulfing", sig.Reason)
	assert.Greater(t, sig.Strength, 0.0)

	frames["4h"] = series("4h", linear(60, 200, -1)...)
	sig, err = s.Evaluate(snapshotOf("15m", frames))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestADXTrend(t *testing.T) {
	s, err := New(mustPreset(t, "adx-trend"))
	require.NoError(t, err)

	h := make([]candle.Candle, 60)
	for i := range h {
		p := 100 + float64(i)*2
		h[i] = candle.Candle{OpenTime: start.Add(time.Duration(i) * time.Hour), Open: p - 0.5, High: p + 1, Low: p - 1, Close: p + 0.5, Timeframe: "1h"}
	}
	h[58].Open, h[58].Close = h[58].Close, h[58].Open

	sig, err := s.Evaluate(snapshotOf("1h", map[string][]candle.Candle{"1h": h}))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, Long, sig.Side)
	assert.Greater(t, sig.Strength, 0.25)
}

func zoneFrame(tf string, n int, last float64) []candle.Candle {
	step := tfutils.GetTimeframeDuration(tf)
	out := make([]candle.Candle, n)
	for i := range out {
		out[i] = candle.Candle{OpenTime: start.Add(time.Duration(i) * step), Open: 101, High: 102, Low: 100, Close: 101, Volume: 100, Timeframe: tf}
	}
	out[4].Open, out[4].Close, out[4].High, out[4].Low = 102, 100, 102.5, 99.5
	out[5].Open, out[5].Close, out[5].High, out[5].Low = 99.5, 103, 103.5, 99
	out[5].Volume = 500
	out[n-1].Close = last
	return out
}

func TestZones(t *testing.T) {
	s, err := New(mustPreset(t, "zones"))
	require.NoError(t, err)

	frames := map[string][]candle.Candle{
		"5m":  zoneFrame("5m", 30, 101.5),
		"15m": zoneFrame("15m", 30, 101),
		"1h":  zoneFrame("1h", 30, 101),
		"1d":  series("1d", linear(30, 80, 1)...),
	}

	sig, err := s.Evaluate(snapshotOf("5m", frames))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, Long, sig.Side)
	assert.InDelta(t, 100-101.5*0.001, sig.Stop, 1e-9)
	risk := sig.Entry - sig.Stop
	assert.InDelta(t, sig.Entry+2*risk, sig.Target, 1e-9)
	assert.Equal(t, 3.0, sig.Strength)

	frames["1d"] = series("1d", linear(30, 200, -1)...)
	sig, err = s.Evaluate(snapshotOf("5m", frames))
	require.NoError(t, err)
	assert.Nil(t, sig, "support clusters are ignored in a downtrend")
}

func TestMarketRegime(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
		want   Regime
	}{
		{"short history", linear(50, 100, 1), RegimeUnknown},
		{"far below average", linear(130, 300, -1), RegimeBear},
		{"far above average", linear(130, 100, 1), RegimeBull},
		{"near average", append(linear(99, 100, 0), 105), RegimeNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MarketRegime(series("1d", tt.closes...), 100, 10))
		})
	}
}

func TestConfluence(t *testing.T) {
	cfg := mustPreset(t, "combined-bear")
	s, err := New(cfg)
	require.NoError(t, err)

	// a steady decline: momentum and ADX agree, RSI and the middle band do not
	falling := series("1d", linear(130, 300, -1)...)
	sig, err := s.Evaluate(snapshotOf("1d", map[string][]candle.Candle{"1d": falling}))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, Short, sig.Side)
	assert.Equal(t, 171.0, sig.Entry)
	assert.InDelta(t, 174, sig.Stop, 1e-9)
	assert.InDelta(t, 163, sig.Target, 1e-9)
	assert.Equal(t, 0.5, sig.Strength)
	assert.Contains(t, sig.Reason, "momentum")
	assert.Contains(t, sig.Reason, "adx")

	t.Run("needs min signal strength", func(t *testing.T) {
		strict := cfg
		strict.MinSignalStrength = 3
		s, err := New(strict)
		require.NoError(t, err)
		sig, err := s.Evaluate(snapshotOf("1d", map[string][]candle.Candle{"1d": falling}))
		require.NoError(t, err)
		assert.Nil(t, sig)
	})

	t.Run("never trades outside a bear regime", func(t *testing.T) {
		rising := series("1d", linear(130, 100, 1)...)
		sig, err := s.Evaluate(snapshotOf("1d", map[string][]candle.Candle{"1d": rising}))
		require.NoError(t, err)
		assert.Nil(t, sig)
	})

	t.Run("long only disables it", func(t *testing.T) {
		lo := cfg
		lo.LongOnly = true
		s, err := New(lo)
		require.NoError(t, err)
		sig, err := s.Evaluate(snapshotOf("1d", map[string][]candle.Candle{"1d": falling}))
		require.NoError(t, err)
		assert.Nil(t, sig)
	})
}

func TestConfigValidate_KindParameters(t *testing.T) {
	tests := []struct {
		name   string
		preset string
		mutate func(*Config)
	}{
		{"zero rsi period", "rsi-trend", func(c *Config) { c.RSIPeriod = 0 }},
		{"inverted rsi thresholds", "rsi-trend", func(c *Config) { c.RSIOversold, c.RSIOverbought = 70, 30 }},
		{"zero bollinger deviation", "bollinger", func(c *Config) { c.BBStd = 0 }},
		{"zero breakout period", "breakout", func(c *Config) { c.BreakoutPeriod = 0 }},
		{"fast ema slower than slow", "ema-cross", func(c *Config) { c.EMAFast = 30 }},
		{"zero adx period", "adx-trend", func(c *Config) { c.ADXPeriod = 0 }},
		{"zero momentum period", "dual-momentum", func(c *Config) { c.MomentumPeriod = 0 }},
		{"no zone timeframes", "zones", func(c *Config) { c.ZoneTimeframes = nil }},
		{"empty pullback band", "pullback", func(c *Config) { c.PullbackMaxPct = c.PullbackMinPct }},
		{"signal strength above condition count", "combined-bear", func(c *Config) { c.MinSignalStrength = 5 }},
		{"negative trailing stop", "pullback-trail", func(c *Config) { c.TrailingPct = -1 }},
		{"negative notional cap", "combined-bear", func(c *Config) { c.MaxNotional = -1 }},
		{"lookback shorter than trend ma", "rsi-trend", func(c *Config) { c.Lookback = 40 }},
		{"lookback shorter than slow ema", "ema-cross", func(c *Config) { c.Lookback = 26 }},
		{"lookback shorter than adx warmup", "adx-trend", func(c *Config) { c.TrendMA, c.Lookback = 0, 28 }},
		{"lookback shorter than regime ma", "combined-bear", func(c *Config) { c.Lookback = 99 }},
		{"lookback shorter than atr", "engulfing", func(c *Config) { c.TrendMA, c.Lookback = 0, 14 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mustPreset(t, tt.preset)
			require.NoError(t, cfg.Validate())
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
