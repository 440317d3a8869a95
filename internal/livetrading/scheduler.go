package livetrading

import (
	"time"
)

// Scheduler wakes the trading loop. The loop runs one cycle per value
// received on C.
type Scheduler interface {
	C() <-chan time.Time
	Stop()
}

// Ticker fires at a fixed interval.
type Ticker struct {
	t *time.Ticker
}

func NewTicker(interval time.Duration) *Ticker {
	return &Ticker{t: time.NewTicker(interval)}
}

func (t *Ticker) C() <-chan time.Time { return t.t.C }

func (t *Ticker) Stop() { t.t.Stop() }

// Manual fires only when Trigger is called. Trigger blocks until the loop
// has taken the tick, so by the time a second Trigger returns the first
// cycle has finished.
type Manual struct {
	ch chan time.Time
}

func NewManual() *Manual {
	return &Manual{ch: make(chan time.Time)}
}

func (m *Manual) C() <-chan time.Time { return m.ch }

func (m *Manual) Stop() {}

func (m *Manual) Trigger(at time.Time) {
	m.ch <- at
}
