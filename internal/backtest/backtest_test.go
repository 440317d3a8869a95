package backtest

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/strategy"
	"github.com/amirphl/leverage-trader/internal/tfutils"
	"github.com/amirphl/leverage-trader/internal/utils"
)

func TestMain(m *testing.M) {
	utils.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// bars builds a series where each candle opens at the previous close and
// extends half a unit past its body.
func bars(tf string, closes ...float64) []candle.Candle {
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
			High:      math.Max(open, c) + 0.5,
			Low:       math.Min(open, c) - 0.5,
			Close:     c,
			Volume:    10,
			Symbol:    "BTCUSDT",
			Timeframe: tf,
		}
	}
	return out
}

func zigzag(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100
		if i%2 == 1 {
			out[i] = 103
		}
	}
	return out
}

func flat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// alwaysLong enters long at every evaluation with a 1% stop and 2% target.
type alwaysLong struct {
	cfg    strategy.Config
	onSnap func(strategy.Snapshot)
}

func (a *alwaysLong) Name() string            { return a.cfg.Name }
func (a *alwaysLong) Config() strategy.Config { return a.cfg }
func (a *alwaysLong) Timeframes() []string    { return a.cfg.Timeframes() }

func (a *alwaysLong) Evaluate(snap strategy.Snapshot) (*strategy.Signal, error) {
	if a.onSnap != nil {
		a.onSnap(snap)
	}
	p := snap.Price()
	return &strategy.Signal{
		Time: snap.Time, Side: strategy.Long, Entry: p,
		Stop: p * 0.99, Target: p * 1.02, Reason: "test", Strategy: a.cfg.Name,
	}, nil
}

type exitingLong struct{ *alwaysLong }

func (e exitingLong) ShouldExit(strategy.Snapshot, strategy.Side) (string, bool) {
	return "always", true
}

func testConfig() strategy.Config {
	return strategy.Config{
		Name:           "test",
		Kind:           strategy.KindBreakout,
		Symbol:         "BTCUSDT",
		EntryTimeframe: "15m",
		StopMode:       strategy.StopPercent,
		StopPct:        1,
		Leverage:       10,
		RiskPerTrade:   0.02,
		FeeRate:        0.0004,
		Warmup:         2,
		Lookback:       20,
	}
}

func TestRun_Deterministic(t *testing.T) {
	series := map[string][]candle.Candle{"15m": bars("15m", zigzag(200)...)}
	strat := &alwaysLong{cfg: testConfig()}

	a, err := Run(strat, series, 1000)
	require.NoError(t, err)
	b, err := Run(strat, series, 1000)
	require.NoError(t, err)

	require.NotEmpty(t, a.Summary.Trades)
	assert.Equal(t, a.Summary.Trades, b.Summary.Trades)
	assert.Equal(t, a.Points, b.Points)
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestRun_Preset_Deterministic(t *testing.T) {
	closes := make([]float64, 600)
	for i := range closes {
		closes[i] = 30000 + 1500*math.Sin(float64(i)/15) + float64(i)
	}
	cfg, err := strategy.Preset("ema-cross")
	require.NoError(t, err)
	strat, err := strategy.New(cfg)
	require.NoError(t, err)
	series := map[string][]candle.Candle{cfg.EntryTimeframe: bars(cfg.EntryTimeframe, closes...)}

	a, err := Run(strat, series, 5000)
	require.NoError(t, err)
	b, err := Run(strat, series, 5000)
	require.NoError(t, err)
	assert.Equal(t, a.Summary.Trades, b.Summary.Trades)
	assert.Equal(t, a.Points, b.Points)
	assert.Len(t, a.Points, len(closes)-cfg.Warmup)
}

func TestRun_Invariants(t *testing.T) {
	cfg := testConfig()
	res, err := Run(&alwaysLong{cfg: cfg}, map[string][]candle.Candle{"15m": bars("15m", zigzag(300)...)}, 1000)
	require.NoError(t, err)
	trades := res.Summary.Trades
	require.Greater(t, len(trades), 10)

	balance := 1000.0
	for i, tr := range trades {
		// at most one open position: each trade opens after the previous closed
		if i > 0 {
			assert.False(t, tr.OpenedAt.Before(trades[i-1].ClosedAt), "trade %d overlaps", i)
		}
		// loss at the stop never exceeds the risk budget
		assert.LessOrEqual(t, math.Abs(tr.Entry-tr.Stop)*tr.Quantity, balance*cfg.RiskPerTrade+1e-9, "trade %d", i)
		assert.InDelta(t, balance+tr.PnL, tr.BalanceAfter, 1e-9)
		balance = tr.BalanceAfter
	}
	assert.Contains(t, res.Summary.ExitReasons, string(position.ExitStopLoss))
	assert.Contains(t, res.Summary.ExitReasons, string(position.ExitTakeProfit))

	for i := 1; i < len(res.Points); i++ {
		assert.GreaterOrEqual(t, res.Points[i].Peak, res.Points[i-1].Peak)
		assert.GreaterOrEqual(t, res.Points[i].Drawdown, res.Points[i-1].Drawdown)
	}
	assert.InDelta(t, balance, res.Summary.FinalBalance, 1e-9)
}

func TestRun_Bankruptcy(t *testing.T) {
	cfg := testConfig()
	cfg.RiskPerTrade = 0.99
	cfg.Leverage = 100
	cfg.FeeRate = 0.001
	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 1000 * math.Pow(0.97, float64(i))
	}

	res, err := Run(&alwaysLong{cfg: cfg}, map[string][]candle.Candle{"15m": bars("15m", closes...)}, 1000)
	require.NoError(t, err)
	assert.True(t, res.Bankrupt)
	assert.Equal(t, 1, res.Summary.TotalTrades)
	assert.LessOrEqual(t, res.Summary.FinalBalance, 0.0)
	assert.Less(t, res.Steps, len(closes)-cfg.Warmup)
}

func TestRun_CooldownAndDiscretionaryExit(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownBars = 2
	strat := exitingLong{&alwaysLong{cfg: cfg}}

	res, err := Run(strat, map[string][]candle.Candle{"15m": bars("15m", flat(40, 100)...)}, 1000)
	require.NoError(t, err)
	trades := res.Summary.Trades
	require.NotEmpty(t, trades)
	for i, tr := range trades {
		assert.Equal(t, position.ExitSignal, tr.ExitReason)
		assert.Equal(t, 15*time.Minute, tr.ClosedAt.Sub(tr.OpenedAt))
		if i > 0 {
			assert.Equal(t, 30*time.Minute, tr.OpenedAt.Sub(trades[i-1].OpenedAt))
		}
	}
}

func TestRun_OpenPositionAtEndIsMarked(t *testing.T) {
	cfg := testConfig()
	closes := append(flat(10, 100), 101)
	res, err := Run(&alwaysLong{cfg: cfg}, map[string][]candle.Candle{"15m": bars("15m", closes...)}, 1000)
	require.NoError(t, err)
	assert.Zero(t, res.Summary.TotalTrades)
	last := res.Points[len(res.Points)-1]
	assert.Greater(t, last.Equity, last.Balance)
	assert.Equal(t, 1000.0, last.Balance)
}

func TestRun_NoLookAhead(t *testing.T) {
	cfg := testConfig()
	cfg.TrendTimeframe = "1h"
	cfg.TrendMA = 2
	fine := bars("15m", zigzag(80)...)
	coarse, err := candle.Resample(fine, "1h")
	require.NoError(t, err)

	var checked int
	strat := &alwaysLong{cfg: cfg, onSnap: func(s strategy.Snapshot) {
		h := s.Frame("1h")
		if len(h) > 0 {
			checked++
			assert.False(t, h[len(h)-1].CloseTime().After(s.Time), "1h candle still forming at %s", s.Time)
		}
		last, _ := s.Last()
		assert.Equal(t, s.Time, last.CloseTime())
	}}
	_, err = Run(strat, map[string][]candle.Candle{"15m": fine, "1h": coarse}, 1000)
	require.NoError(t, err)
	assert.Greater(t, checked, 0)
}

func TestRun_FatalInputs(t *testing.T) {
	cfg := testConfig()
	strat := &alwaysLong{cfg: cfg}

	series := bars("15m", flat(10, 100)...)
	series[5].OpenTime = series[4].OpenTime
	_, err := Run(strat, map[string][]candle.Candle{"15m": series}, 1000)
	assert.ErrorIs(t, err, candle.ErrNonMonotonic)

	bad := bars("15m", flat(10, 100)...)
	bad[3].High = 1
	_, err = Run(strat, map[string][]candle.Candle{"15m": bad}, 1000)
	assert.ErrorIs(t, err, candle.ErrMalformedCandle)

	_, err = Run(strat, map[string][]candle.Candle{"15m": bars("15m", 100, 101)}, 1000)
	assert.ErrorIs(t, err, ErrNoCandles)

	_, err = Run(strat, map[string][]candle.Candle{"15m": bars("15m", flat(10, 100)...)}, 0)
	assert.Error(t, err)
}

func TestSaveBacktestResults(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(&alwaysLong{cfg: testConfig()}, map[string][]candle.Candle{"15m": bars("15m", zigzag(40)...)}, 1000)
	require.NoError(t, err)
	require.NoError(t, saveBacktestResults(dir, res))

	for _, name := range []string{"test_summary.json", "test_trades.csv", "test_equity.csv"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Greater(t, info.Size(), int64(0))
	}
	f, err := os.Open(filepath.Join(dir, "test_equity.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, len(res.Points)+1)
}

func TestRun_TrailingStopLocksInGain(t *testing.T) {
	closes := []float64{100, 100, 100, 101, 101}

	fixed, err := Run(&alwaysLong{cfg: testConfig()}, map[string][]candle.Candle{"15m": bars("15m", closes...)}, 1000)
	require.NoError(t, err)
	assert.Zero(t, fixed.Summary.TotalTrades, "a 1% stop survives the 99.5 low")

	cfg := testConfig()
	cfg.TrailingPct = 0.5
	res, err := Run(&alwaysLong{cfg: cfg}, map[string][]candle.Candle{"15m": bars("15m", closes...)}, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, res.Summary.Trades)

	first := res.Summary.Trades[0]
	assert.Equal(t, position.ExitStopLoss, first.ExitReason)
	assert.Equal(t, 100.0, first.Entry)
	assert.InDelta(t, 101.5*0.995, first.Exit, 1e-9, "stop trails the 101.5 high by 0.5%")
	assert.Greater(t, first.PnL, 0.0)
}
