// Package backtest replays candle history through a strategy, the sizer and
// the position state machine.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/db"
	"github.com/amirphl/leverage-trader/internal/equity"
	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/risk"
	"github.com/amirphl/leverage-trader/internal/strategy"
	"github.com/amirphl/leverage-trader/internal/tfutils"
	"github.com/amirphl/leverage-trader/internal/utils"
)

// ErrNoCandles is returned when the entry series is empty after warm-up.
var ErrNoCandles = errors.New("no candles to backtest")

// Options configure one backtest invocation.
type Options struct {
	Initial   float64
	OutputDir string
	Load      LoadOptions
}

// Result is everything one run produced.
type Result struct {
	RunID    string          `json:"run_id"`
	Config   strategy.Config `json:"config"`
	Summary  equity.Summary  `json:"summary"`
	Points   []equity.Point  `json:"-"`
	Signals  int             `json:"signals"`
	Rejected int             `json:"rejected"`
	Bankrupt bool            `json:"bankrupt"`
	From     time.Time       `json:"from"`
	To       time.Time       `json:"to"`
	Steps    int             `json:"steps"`
}

// frame is one auxiliary timeframe and its completed-candle lookup.
type frame struct {
	tf     string
	series []candle.Candle
	step   time.Duration
	index  *candle.Index
}

func (f frame) completed(at time.Time) int {
	if f.index != nil {
		return f.index.Completed(at)
	}
	return candle.Completed(f.series, f.step, at)
}

// RunBacktest loads history, runs the strategy and writes the results. Trades
// are saved to storage under the run ID when storage is not nil.
func RunBacktest(ctx context.Context, cfg strategy.Config, opts Options, storage db.Storage) (Result, error) {
	strat, err := strategy.New(cfg)
	if err != nil {
		return Result{}, err
	}

	loader := NewLoader(opts.Load, storage)
	series, err := loader.Load(ctx, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("loading candles for %s: %w", cfg.Name, err)
	}
	utils.GetLogger().Infof("Backtest | [%s] loaded %d %s candles for %s",
		cfg.Symbol, len(series[cfg.EntryTimeframe]), cfg.EntryTimeframe, cfg.Name)

	res, err := Run(strat, series, opts.Initial)
	if err != nil {
		return res, err
	}

	printBacktestResults(res)

	if storage != nil {
		for _, t := range res.Summary.Trades {
			if err := storage.SaveTrade(ctx, res.RunID, t); err != nil {
				return res, fmt.Errorf("saving trade %s: %w", t.ID, err)
			}
		}
	}
	if opts.OutputDir != "" {
		if err := saveBacktestResults(opts.OutputDir, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Run is the deterministic single pass. series holds one candle slice per
// timeframe the strategy reads; every slice must be valid and strictly
// increasing or the run aborts. Each step checks the exit of an open
// position, ticks the cooldown, evaluates an entry when flat and records an
// equity point. The run stops early when the balance reaches zero. An open
// position at the end of data is left open and only marked to market.
func Run(strat strategy.Strategy, series map[string][]candle.Candle, initial float64) (Result, error) {
	cfg := strat.Config()
	res := Result{RunID: uuid.NewString(), Config: cfg}

	if initial <= 0 {
		return res, fmt.Errorf("initial balance must be positive, got %.2f", initial)
	}

	timeframes := strat.Timeframes()
	entryTF := timeframes[0]
	entry := series[entryTF]
	for _, tf := range timeframes {
		if err := candle.ValidateSeries(series[tf]); err != nil {
			return res, fmt.Errorf("%s series: %w", tf, err)
		}
	}

	var frames []frame
	for _, tf := range timeframes[1:] {
		f := frame{tf: tf, series: series[tf], step: tfutils.GetTimeframeDuration(tf)}
		if idx, err := candle.NewIndex(f.series, f.step); err == nil {
			f.index = idx
		} else {
			utils.GetLogger().Debugf("Backtest | %s series not grid aligned, using binary search: %v", tf, err)
		}
		frames = append(frames, f)
	}

	start := cfg.Warmup
	if start < 0 {
		start = 0
	}
	if start >= len(entry) {
		return res, fmt.Errorf("%w: %d %s candles, warm-up %d", ErrNoCandles, len(entry), entryTF, cfg.Warmup)
	}

	snapshot := func(i int) strategy.Snapshot {
		at := entry[i].CloseTime()
		snap := strategy.Snapshot{
			Time:   at,
			Entry:  entryTF,
			Frames: make(map[string][]candle.Candle, len(timeframes)),
		}
		snap.Frames[entryTF] = candle.Tail(entry[:i+1], cfg.Lookback)
		for _, f := range frames {
			j := f.completed(at)
			snap.Frames[f.tf] = candle.Tail(f.series[:j+1], cfg.Lookback)
		}
		return snap
	}

	machine := position.NewMachine(cfg.Symbol, cfg.FeeRate)
	tracker := equity.NewTracker(initial)
	cooldown := strategy.NewBarCooldown(cfg.CooldownBars)
	sizer := risk.NewSizer(cfg, risk.Limits{})
	exiter, _ := strat.(strategy.Exiter)

	closePosition := func(price float64, reason position.ExitReason, at time.Time) {
		tr, err := machine.Close(price, reason, at)
		if err != nil {
			return
		}
		tr.ID = fmt.Sprintf("%s-%d", cfg.Name, len(tracker.Trades())+1)
		tracker.Record(&tr)
	}

	res.From = entry[start].OpenTime
	for i := start; i < len(entry); i++ {
		c := entry[i]
		at := c.CloseTime()
		res.To = at
		res.Steps++

		var snap *strategy.Snapshot
		getSnap := func() strategy.Snapshot {
			if snap == nil {
				s := snapshot(i)
				snap = &s
			}
			return *snap
		}

		if pos, open := machine.Current(); open {
			if cfg.TrailingPct > 0 {
				pos, _ = machine.Trail(c, cfg.TrailingPct)
			}
			if price, reason, ok := position.CheckExit(pos, c); ok {
				closePosition(price, reason, at)
			} else if exiter != nil {
				if why, exit := exiter.ShouldExit(getSnap(), pos.Side); exit {
					utils.GetLogger().Debugf("Backtest | [%s] discretionary exit at %s: %s", cfg.Symbol, at.Format(time.RFC3339), why)
					closePosition(c.Close, position.ExitSignal, at)
				}
			}
		}

		cooldown.Tick()

		if !machine.IsOpen() && !cooldown.Active(at) && !tracker.Bankrupt() {
			sig, err := strat.Evaluate(getSnap())
			switch {
			case err != nil:
				res.Rejected++
				utils.GetLogger().Debugf("Backtest | [%s] dropped signal at %s: %v", cfg.Symbol, at.Format(time.RFC3339), err)
			case sig != nil:
				res.Signals++
				qty, err := sizer.Size(*sig, tracker.Balance())
				if err != nil {
					res.Rejected++
					utils.GetLogger().Debugf("Backtest | [%s] sizing rejected at %s: %v", cfg.Symbol, at.Format(time.RFC3339), err)
					break
				}
				if _, err := machine.Open(*sig, qty, at); err != nil {
					res.Rejected++
					utils.GetLogger().Debugf("Backtest | [%s] open rejected at %s: %v", cfg.Symbol, at.Format(time.RFC3339), err)
					break
				}
				cooldown.Start(at)
			}
		}

		var unrealized float64
		if pos, open := machine.Current(); open {
			unrealized = pos.Unrealized(c.Close)
		}
		tracker.Mark(at, unrealized)

		if tracker.Bankrupt() {
			res.Bankrupt = true
			utils.GetLogger().Warnf("Backtest | [%s] balance %.2f at %s, stopping", cfg.Symbol, tracker.Balance(), at.Format(time.RFC3339))
			break
		}
	}

	res.Points = tracker.Points()
	res.Summary = tracker.Summary()
	res.Summary.RunID = res.RunID
	res.Summary.Strategy = cfg.Name
	res.Summary.Symbol = cfg.Symbol
	return res, nil
}
