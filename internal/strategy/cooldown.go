package strategy

import "time"

// Cooldown suppresses entries after the previous entry, regardless of side.
// Backtests count bars; the live loop counts wall-clock time.
type Cooldown struct {
	bars      int
	window    time.Duration
	remaining int
	lastEntry time.Time
}

// NewBarCooldown counts down n processed bars after each entry.
func NewBarCooldown(n int) *Cooldown { return &Cooldown{bars: n} }

// NewTimeCooldown blocks entries for d after each entry.
func NewTimeCooldown(d time.Duration) *Cooldown { return &Cooldown{window: d} }

// Start records an entry.
func (c *Cooldown) Start(at time.Time) {
	c.remaining = c.bars
	c.lastEntry = at
}

// Tick consumes one bar.
func (c *Cooldown) Tick() {
	if c.remaining > 0 {
		c.remaining--
	}
}

// Active reports whether entries are still suppressed at now.
func (c *Cooldown) Active(now time.Time) bool {
	if c.remaining > 0 {
		return true
	}
	return c.window > 0 && !c.lastEntry.IsZero() && now.Sub(c.lastEntry) < c.window
}

// LastEntry is the time of the most recent entry, zero if none.
func (c *Cooldown) LastEntry() time.Time { return c.lastEntry }

// Restore seeds the cooldown from persisted state without restarting the bar count.
func (c *Cooldown) Restore(lastEntry time.Time) { c.lastEntry = lastEntry }
