package strategy

import (
	"fmt"

	"github.com/amirphl/leverage-trader/internal/indicator"
)

// RSITrend buys oversold readings in an uptrend and sells overbought
// readings in a downtrend.
type RSITrend struct{ base }

func NewRSITrend(cfg Config) *RSITrend { return &RSITrend{base{cfg}} }

func (s *RSITrend) Evaluate(snap Snapshot) (*Signal, error) {
	h := s.entry(snap)
	rsi, ok := indicator.RSI(h, s.cfg.RSIPeriod, len(h))
	if !ok {
		return nil, nil
	}
	reason := fmt.Sprintf("rsi %.1f", rsi)
	if rsi < s.cfg.RSIOversold && trendAllows(snap, s.cfg, Long) {
		return s.emit(snap, Long, reason, (s.cfg.RSIOversold-rsi)/100)
	}
	if rsi > s.cfg.RSIOverbought && trendAllows(snap, s.cfg, Short) {
		return s.emit(snap, Short, reason, (rsi-s.cfg.RSIOverbought)/100)
	}
	return nil, nil
}

// Bollinger fades a close back inside the bands after a touch and targets
// the middle band.
type Bollinger struct{ base }

func NewBollinger(cfg Config) *Bollinger { return &Bollinger{base{cfg}} }

func (s *Bollinger) Evaluate(snap Snapshot) (*Signal, error) {
	h := s.entry(snap)
	if len(h) < 2 {
		return nil, nil
	}
	bands, ok := indicator.Bollinger(h, s.cfg.BBPeriod, s.cfg.BBStd, len(h))
	if !ok {
		return nil, nil
	}
	price, prev := h[len(h)-1].Close, h[len(h)-2].Close

	var side Side
	switch {
	case prev <= bands.Lower && price > bands.Lower:
		side = Long
	case prev >= bands.Upper && price < bands.Upper:
		side = Short
	default:
		return nil, nil
	}
	if !trendAllows(snap, s.cfg, side) {
		return nil, nil
	}
	stop, _, ok := Levels(h, s.cfg, side, price)
	if !ok {
		return nil, nil
	}
	return s.emitAt(snap, side, price, stop, bands.Middle, "band re-entry to middle", 0)
}
