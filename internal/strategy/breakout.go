package strategy

import (
	"fmt"

	"github.com/amirphl/leverage-trader/internal/indicator"
)

// breakoutSettle is the extra history a breakout waits for beyond the
// channel itself.
const breakoutSettle = 5

// Breakout trades the first close beyond the Donchian channel of the prior
// BreakoutPeriod candles.
type Breakout struct{ base }

func NewBreakout(cfg Config) *Breakout { return &Breakout{base{cfg}} }

func (s *Breakout) Evaluate(snap Snapshot) (*Signal, error) {
	h := s.entry(snap)
	if len(h) < s.cfg.BreakoutPeriod+breakoutSettle {
		return nil, nil
	}
	high, low, ok := indicator.Donchian(h, s.cfg.BreakoutPeriod, len(h)-1)
	if !ok {
		return nil, nil
	}
	price, prev := h[len(h)-1].Close, h[len(h)-2].Close

	if prev < high && price > high && trendAllows(snap, s.cfg, Long) {
		return s.emit(snap, Long, fmt.Sprintf("close above %d-bar high %.2f", s.cfg.BreakoutPeriod, high), 0)
	}
	if prev > low && price < low && trendAllows(snap, s.cfg, Short) {
		return s.emit(snap, Short, fmt.Sprintf("close below %d-bar low %.2f", s.cfg.BreakoutPeriod, low), 0)
	}
	return nil, nil
}

// EMACross trades fast/slow EMA crossovers.
type EMACross struct{ base }

func NewEMACross(cfg Config) *EMACross { return &EMACross{base{cfg}} }

func (s *EMACross) Evaluate(snap Snapshot) (*Signal, error) {
	h := s.entry(snap)
	n := len(h)
	fast, ok1 := indicator.EMA(h, s.cfg.EMAFast, n)
	slow, ok2 := indicator.EMA(h, s.cfg.EMASlow, n)
	fastPrev, ok3 := indicator.EMA(h, s.cfg.EMAFast, n-1)
	slowPrev, ok4 := indicator.EMA(h, s.cfg.EMASlow, n-1)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, nil
	}

	if fastPrev <= slowPrev && fast > slow && trendAllows(snap, s.cfg, Long) {
		return s.emit(snap, Long, "golden cross", 0)
	}
	if fastPrev >= slowPrev && fast < slow && trendAllows(snap, s.cfg, Short) {
		return s.emit(snap, Short, "death cross", 0)
	}
	return nil, nil
}

// DualMomentum requires absolute momentum above a threshold and price on the
// right side of the trend MA. It exits when momentum reverses past
// MomentumExit.
type DualMomentum struct{ base }

func NewDualMomentum(cfg Config) *DualMomentum { return &DualMomentum{base{cfg}} }

func (s *DualMomentum) Evaluate(snap Snapshot) (*Signal, error) {
	h := s.entry(snap)
	mom, ok := indicator.Momentum(h, s.cfg.MomentumPeriod, len(h)-1)
	if !ok {
		return nil, nil
	}
	reason := fmt.Sprintf("momentum %.2f%%", mom)
	if mom > s.cfg.MomentumThreshold && trendAllows(snap, s.cfg, Long) {
		return s.emit(snap, Long, reason, mom/100)
	}
	if mom < -s.cfg.MomentumThreshold && trendAllows(snap, s.cfg, Short) {
		return s.emit(snap, Short, reason, -mom/100)
	}
	return nil, nil
}

// ShouldExit closes a long once momentum falls below MomentumExit, and a
// short once it rises above its negation.
func (s *DualMomentum) ShouldExit(snap Snapshot, side Side) (string, bool) {
	h := s.entry(snap)
	mom, ok := indicator.Momentum(h, s.cfg.MomentumPeriod, len(h)-1)
	if !ok {
		return "", false
	}
	if (side == Long && mom < s.cfg.MomentumExit) || (side == Short && mom > -s.cfg.MomentumExit) {
		return "MOMENTUM_REVERSAL", true
	}
	return "", false
}
