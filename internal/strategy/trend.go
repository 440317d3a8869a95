package strategy

import (
	"fmt"
	"math"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/indicator"
	"github.com/amirphl/leverage-trader/internal/pattern"
)

// base carries the config shared by every strategy type.
type base struct {
	cfg Config
}

func (b base) Name() string         { return b.cfg.Name }
func (b base) Config() Config       { return b.cfg }
func (b base) Timeframes() []string { return b.cfg.Timeframes() }

func (b base) entry(snap Snapshot) []candle.Candle {
	return snap.Frame(b.cfg.EntryTimeframe)
}

// emit builds a signal at the last entry close with config-derived levels.
func (b base) emit(snap Snapshot, side Side, reason string, strength float64) (*Signal, error) {
	h := b.entry(snap)
	price := h[len(h)-1].Close
	stop, target, ok := Levels(h, b.cfg, side, price)
	if !ok {
		return nil, nil
	}
	return b.emitAt(snap, side, price, stop, target, reason, strength)
}

func (b base) emitAt(snap Snapshot, side Side, price, stop, target float64, reason string, strength float64) (*Signal, error) {
	return Finalize(Signal{
		Time:     snap.Time,
		Side:     side,
		Entry:    price,
		Stop:     stop,
		Target:   target,
		Strength: strength,
		Reason:   reason,
		Strategy: b.cfg.Name,
	}, b.cfg)
}

// Pullback enters with the coarse trend when a strong-bodied entry candle
// reverses a short pullback against it.
type Pullback struct{ base }

// pullbackSwing is the entry history a pullback needs before it looks for a
// reversal.
const pullbackSwing = 20

func NewPullback(cfg Config) *Pullback { return &Pullback{base{cfg}} }

func (s *Pullback) Evaluate(snap Snapshot) (*Signal, error) {
	h := s.entry(snap)
	if len(h) < pullbackSwing {
		return nil, nil
	}
	trend := TrendLabel(snap.Frame(s.cfg.Trend()), s.cfg)
	if trend != TrendUp && trend != TrendDown {
		return nil, nil
	}

	curr, prev := h[len(h)-1], h[len(h)-2]
	if curr.Range() == 0 || curr.BodyRatio() < s.cfg.MinBodyRatio {
		return nil, nil
	}
	recent := h[len(h)-10 : len(h)-1]

	switch {
	case trend == TrendUp && prev.IsBearish() && curr.IsBullish():
		recentHigh := math.Inf(-1)
		for _, c := range recent {
			recentHigh = math.Max(recentHigh, c.High)
		}
		pullback := (recentHigh - curr.Low) / recentHigh * 100
		if pullback > s.cfg.PullbackMinPct && pullback < s.cfg.PullbackMaxPct {
			return s.emit(snap, Long, fmt.Sprintf("pullback %.2f%% in uptrend", pullback), 0)
		}
	case trend == TrendDown && !s.cfg.LongOnly && prev.IsBullish() && curr.IsBearish():
		recentLow := math.Inf(1)
		for _, c := range recent {
			recentLow = math.Min(recentLow, c.Low)
		}
		bounce := (curr.High - recentLow) / recentLow * 100
		if bounce > s.cfg.PullbackMinPct && bounce < s.cfg.PullbackMaxPct {
			return s.emit(snap, Short, fmt.Sprintf("bounce %.2f%% in downtrend", bounce), 0)
		}
	}
	return nil, nil
}

// ADXTrend takes reversal candles in the MA trend direction only while ADX
// shows a strong trend.
type ADXTrend struct{ base }

func NewADXTrend(cfg Config) *ADXTrend { return &ADXTrend{base{cfg}} }

func (s *ADXTrend) Evaluate(snap Snapshot) (*Signal, error) {
	h := s.entry(snap)
	if len(h) < 2 {
		return nil, nil
	}
	adx, ok := indicator.ADX(h, s.cfg.ADXPeriod, len(h))
	if !ok || adx < s.cfg.MinADX {
		return nil, nil
	}

	curr, prev := h[len(h)-1], h[len(h)-2]
	reason := fmt.Sprintf("adx %.1f reversal candle", adx)
	if prev.IsBearish() && curr.IsBullish() && trendAllows(snap, s.cfg, Long) {
		return s.emit(snap, Long, reason, adx/100)
	}
	if prev.IsBullish() && curr.IsBearish() && trendAllows(snap, s.cfg, Short) {
		return s.emit(snap, Short, reason, adx/100)
	}
	return nil, nil
}

// Engulfing enters on an engulfing candle that agrees with the trend.
type Engulfing struct {
	base
	detector *pattern.Engulfing
}

func NewEngulfing(cfg Config) *Engulfing {
	return &Engulfing{base: base{cfg}, detector: pattern.NewEngulfing()}
}

func (s *Engulfing) Evaluate(snap Snapshot) (*Signal, error) {
	h := s.entry(snap)
	if len(h) < 2 {
		return nil, nil
	}
	matches, err := s.detector.Detect(h[len(h)-2:])
	if err != nil || len(matches) == 0 {
		return nil, nil
	}
	m := matches[len(matches)-1]
	side := Long
	if m.Direction == pattern.Bearish {
		side = Short
	}
	if !trendAllows(snap, s.cfg, side) {
		return nil, nil
	}
	return s.emit(snap, side, m.Pattern, m.Strength)
}
