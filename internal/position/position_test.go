package position

import (
	"testing"
	"time"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func longSignal() strategy.Signal {
	return strategy.Signal{Side: strategy.Long, Entry: 30000, Stop: 29500, Target: 31000, Strategy: "test"}
}

func TestCheckExit(t *testing.T) {
	long := Position{Side: strategy.Long, Entry: 100, Stop: 95, Target: 110, Quantity: 1}
	short := Position{Side: strategy.Short, Entry: 100, Stop: 105, Target: 90, Quantity: 1}

	tests := []struct {
		name       string
		pos        Position
		c          candle.Candle
		wantOK     bool
		wantPrice  float64
		wantReason ExitReason
	}{
		{"long untouched", long, candle.Candle{High: 109, Low: 96}, false, 0, ""},
		{"long stop", long, candle.Candle{High: 101, Low: 95}, true, 95, ExitStopLoss},
		{"long target", long, candle.Candle{High: 110, Low: 99}, true, 110, ExitTakeProfit},
		{"long both, stop first", long, candle.Candle{High: 120, Low: 90}, true, 95, ExitStopLoss},
		{"short untouched", short, candle.Candle{High: 104, Low: 91}, false, 0, ""},
		{"short stop", short, candle.Candle{High: 105, Low: 99}, true, 105, ExitStopLoss},
		{"short target", short, candle.Candle{High: 101, Low: 90}, true, 90, ExitTakeProfit},
		{"short both, stop first", short, candle.Candle{High: 106, Low: 80}, true, 105, ExitStopLoss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, reason, ok := CheckExit(tt.pos, tt.c)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPrice, price)
			assert.Equal(t, tt.wantReason, reason)

			price2, reason2, ok2 := CheckExit(tt.pos, tt.c)
			assert.Equal(t, ok, ok2, "exit check is idempotent")
			assert.Equal(t, price, price2)
			assert.Equal(t, reason, reason2)
		})
	}
}

func TestTrail(t *testing.T) {
	long := Position{Side: strategy.Long, Entry: 100, Stop: 99, Target: 110, Quantity: 1, Extreme: 100}
	short := Position{Side: strategy.Short, Entry: 100, Stop: 101, Target: 90, Quantity: 1, Extreme: 100}

	tests := []struct {
		name        string
		pos         Position
		c           candle.Candle
		pct         float64
		wantMoved   bool
		wantStop    float64
		wantExtreme float64
	}{
		{"disabled", long, candle.Candle{High: 120, Low: 100}, 0, false, 99, 100},
		{"long new high", long, candle.Candle{High: 102, Low: 100}, 0.5, true, 102 * 0.995, 102},
		{"long no new high", long, candle.Candle{High: 100, Low: 98}, 0.5, false, 99, 100},
		{"long wide trail never loosens", long, candle.Candle{High: 101, Low: 100}, 5, false, 99, 101},
		{"short new low", short, candle.Candle{High: 100, Low: 98}, 0.5, true, 98 * 1.005, 98},
		{"short no new low", short, candle.Candle{High: 102, Low: 100}, 0.5, false, 101, 100},
		{"short wide trail never loosens", short, candle.Candle{High: 100, Low: 99}, 5, false, 101, 99},
		{"zero extreme anchors at entry", Position{Side: strategy.Long, Entry: 100, Stop: 99, Target: 110}, candle.Candle{High: 100, Low: 99.5}, 0.5, false, 99, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, moved := Trail(tt.pos, tt.c, tt.pct)
			assert.Equal(t, tt.wantMoved, moved)
			assert.InDelta(t, tt.wantStop, got.Stop, 1e-9)
			assert.InDelta(t, tt.wantExtreme, got.Extreme, 1e-9)
			assert.Equal(t, tt.pos.Target, got.Target)
		})
	}
}

func TestMachine_TrailRatchets(t *testing.T) {
	m := NewMachine("BTCUSDT", 0)
	_, moved := m.Trail(candle.Candle{High: 40000}, 0.5)
	assert.False(t, moved, "flat machine has nothing to trail")

	_, err := m.Open(longSignal(), 1, now)
	require.NoError(t, err)

	p, moved := m.Trail(candle.Candle{High: 30500, Low: 30000}, 0.5)
	require.True(t, moved)
	assert.InDelta(t, 30500*0.995, p.Stop, 1e-9)

	// a lower high after the peak leaves the stop where it is
	p, moved = m.Trail(candle.Candle{High: 30400, Low: 30100}, 0.5)
	assert.False(t, moved)
	assert.InDelta(t, 30500*0.995, p.Stop, 1e-9)
	assert.Equal(t, 30500.0, p.Extreme)

	cur, _ := m.Current()
	assert.Equal(t, p, cur)
}

func TestMachine_Lifecycle(t *testing.T) {
	m := NewMachine("BTCUSDT", 0.0004)
	assert.False(t, m.IsOpen())

	_, err := m.Close(100, ExitSignal, now)
	assert.ErrorIs(t, err, ErrNotOpen)

	pos, err := m.Open(longSignal(), 0.2, now)
	require.NoError(t, err)
	assert.True(t, m.IsOpen())
	assert.NotEmpty(t, pos.ID)
	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.Equal(t, now, pos.OpenedAt)

	_, err = m.Open(longSignal(), 0.2, now)
	assert.ErrorIs(t, err, ErrAlreadyOpen, "no pyramiding")

	trade, err := m.Close(29500, ExitStopLoss, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, m.IsOpen())

	assert.InDelta(t, -100, trade.GrossPnL, 1e-9)
	assert.InDelta(t, (30000*0.2+29500*0.2)*0.0004, trade.Fee, 1e-9)
	assert.InDelta(t, trade.GrossPnL-trade.Fee, trade.PnL, 1e-12)
	assert.Equal(t, ExitStopLoss, trade.ExitReason)
	assert.Equal(t, pos.ID, trade.ID)
	assert.False(t, trade.Win())
}

func TestMachine_ShortPnL(t *testing.T) {
	m := NewMachine("BTCUSDT", 0)
	_, err := m.Open(strategy.Signal{Side: strategy.Short, Entry: 100, Stop: 102, Target: 96}, 3, now)
	require.NoError(t, err)

	pos, ok := m.Current()
	require.True(t, ok)
	assert.InDelta(t, 6, pos.Unrealized(98), 1e-12)

	trade, err := m.Close(96, ExitTakeProfit, now)
	require.NoError(t, err)
	assert.InDelta(t, 12, trade.PnL, 1e-12)
	assert.True(t, trade.Win())
}

func TestMachine_OpenRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		sig  strategy.Signal
		qty  float64
	}{
		{"zero quantity", longSignal(), 0},
		{"stop above long entry", strategy.Signal{Side: strategy.Long, Entry: 100, Stop: 101, Target: 110}, 1},
		{"target below long entry", strategy.Signal{Side: strategy.Long, Entry: 100, Stop: 99, Target: 99.5}, 1},
		{"no side", strategy.Signal{Entry: 100, Stop: 99, Target: 102}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine("BTCUSDT", 0)
			_, err := m.Open(tt.sig, tt.qty, now)
			assert.ErrorIs(t, err, strategy.ErrInvalidSignal)
			assert.False(t, m.IsOpen())
		})
	}
}

func TestMachine_RestoreAndClear(t *testing.T) {
	m := NewMachine("BTCUSDT", 0)
	m.Restore(Position{Side: strategy.Long, Entry: 10, Quantity: 1})
	assert.True(t, m.IsOpen())
	m.Clear()
	assert.False(t, m.IsOpen())
}
