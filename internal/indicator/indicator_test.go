package indicator

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fromCloses builds candles whose high/low straddle the close by one unit.
func fromCloses(closes ...float64) []candle.Candle {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]candle.Candle, len(closes))
	for i, c := range closes {
		out[i] = candle.Candle{
			OpenTime: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:     c,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
		}
	}
	return out
}

func TestSMA(t *testing.T) {
	series := fromCloses(10, 20, 30, 40)

	v, ok := SMA(series, 3, 3)
	require.True(t, ok)
	assert.Equal(t, 20.0, v)

	v, ok = SMA(series, 3, 4)
	require.True(t, ok)
	assert.Equal(t, 30.0, v)

	_, ok = SMA(series, 3, 2)
	assert.False(t, ok, "undefined before period candles exist")
	_, ok = SMA(series, 3, 5)
	assert.False(t, ok, "index past the end")
	_, ok = SMA(series, 0, 3)
	assert.False(t, ok)
}

func TestEMA_SMASeed(t *testing.T) {
	series := fromCloses(1, 2, 3, 4, 5)

	tests := []struct {
		index int
		want  float64
	}{
		{3, 2},
		{4, 3},
		{5, 4},
	}
	for _, tt := range tests {
		v, ok := EMA(series, 3, tt.index)
		require.True(t, ok)
		assert.InDelta(t, tt.want, v, 1e-12, "index %d", tt.index)
	}

	_, ok := EMA(series, 3, 2)
	assert.False(t, ok)
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
		period int
		index  int
		want   float64
		ok     bool
	}{
		{"mixed deltas", []float64{10, 12, 11, 13}, 3, 4, 80, true},
		{"extreme price changes", []float64{10, 100, 5, 200, 1, 300, 2, 400}, 3, 4, 75, true},
		{"all increasing", []float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}, 3, 10, 100, true},
		{"all decreasing", []float64{20, 19, 18, 17, 16, 15, 14, 13, 12, 11}, 3, 10, 0, true},
		{"flat prices", []float64{10, 10, 10, 10, 10}, 3, 5, 100, true},
		{"needs a prior close", []float64{10, 11, 12}, 3, 3, 0, false},
		{"invalid period", []float64{10, 11, 12, 13, 14}, 0, 4, 0, false},
		{"empty", nil, 5, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := RSI(fromCloses(tt.closes...), tt.period, tt.index)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, v, 0.01)
			}
		})
	}
}

func TestRSI_IncreasingWindowNeverNaN(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.5
	}
	series := fromCloses(closes...)
	for period := 2; period < 30; period++ {
		for idx := period + 1; idx <= len(series); idx++ {
			v, ok := RSI(series, period, idx)
			require.True(t, ok)
			require.False(t, math.IsNaN(v))
			require.Equal(t, 100.0, v)
		}
	}
}

func TestATR(t *testing.T) {
	series := []candle.Candle{
		{Open: 10, High: 11, Low: 9, Close: 10},
		{Open: 13, High: 15, Low: 12, Close: 14},
		{Open: 14, High: 14.5, Low: 13, Close: 13.5},
	}

	assert.Equal(t, 5.0, TrueRange(series, 1), "gap up measured from previous close")
	assert.Equal(t, 1.5, TrueRange(series, 2))

	v, ok := ATR(series, 2, 3)
	require.True(t, ok)
	assert.InDelta(t, 3.25, v, 1e-12)

	_, ok = ATR(series, 2, 2)
	assert.False(t, ok)
}

func TestATR_NonNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	series := make([]candle.Candle, 300)
	price := 100.0
	for i := range series {
		price += rng.NormFloat64()
		hi := price + rng.Float64()*3
		lo := price - rng.Float64()*3
		series[i] = candle.Candle{Open: price, High: hi, Low: lo, Close: lo + rng.Float64()*(hi-lo)}
	}
	for _, period := range []int{1, 5, 14, 50} {
		for idx := period + 1; idx <= len(series); idx++ {
			v, ok := ATR(series, period, idx)
			require.True(t, ok)
			require.GreaterOrEqual(t, v, 0.0)
		}
	}
}

func TestADX(t *testing.T) {
	t.Run("flat series reads zero", func(t *testing.T) {
		series := make([]candle.Candle, 40)
		for i := range series {
			series[i] = candle.Candle{Open: 100, High: 100, Low: 100, Close: 100}
		}
		d, ok := DMI(series, 14, 40)
		require.True(t, ok)
		assert.Equal(t, 0.0, d.ADX)
		assert.Equal(t, 0.0, d.PlusDI)
		assert.Equal(t, 0.0, d.MinusDI)
	})

	t.Run("steady uptrend reads 100", func(t *testing.T) {
		series := make([]candle.Candle, 40)
		for i := range series {
			p := 100 + float64(i)*2
			series[i] = candle.Candle{Open: p, High: p + 1, Low: p - 1, Close: p}
		}
		d, ok := DMI(series, 5, 40)
		require.True(t, ok)
		assert.InDelta(t, 100, d.ADX, 1e-9)
		assert.Greater(t, d.PlusDI, 0.0)
		assert.Equal(t, 0.0, d.MinusDI)
	})

	t.Run("needs two periods of deltas", func(t *testing.T) {
		series := fromCloses(make([]float64, 10)...)
		_, ok := ADX(series, 5, 10)
		assert.False(t, ok)
		_, ok = ADX(fromCloses(make([]float64, 11)...), 5, 11)
		assert.True(t, ok)
	})
}

func TestBollinger(t *testing.T) {
	series := fromCloses(2, 4, 4, 4, 5, 5, 7, 9, 100)

	b, ok := Bollinger(series, 8, 2, 8)
	require.True(t, ok)
	assert.InDelta(t, 5, b.Middle, 1e-12)
	assert.InDelta(t, 9, b.Upper, 1e-12)
	assert.InDelta(t, 1, b.Lower, 1e-12)

	_, ok = Bollinger(series, 8, 2, 7)
	assert.False(t, ok)
}

func TestDonchian_ExcludesCurrent(t *testing.T) {
	series := fromCloses(10, 12, 11, 50)

	hi, lo, ok := Donchian(series, 3, 3)
	require.True(t, ok)
	assert.Equal(t, 13.0, hi)
	assert.Equal(t, 9.0, lo)

	hi, _, ok = Donchian(series, 3, 4)
	require.True(t, ok)
	assert.Equal(t, 51.0, hi)

	_, _, ok = Donchian(series, 5, 3)
	assert.False(t, ok)
}

func TestMomentum(t *testing.T) {
	closes := make([]float64, 11)
	for i := range closes {
		closes[i] = float64(i)
	}
	series := fromCloses(closes...)

	v, ok := Momentum(series, 10, 10)
	require.True(t, ok, "zero base price is guarded, not undefined")
	assert.Equal(t, 0.0, v)

	v, ok = Momentum(series, 5, 10)
	require.True(t, ok)
	assert.InDelta(t, 100, v, 1e-12)

	_, ok = Momentum(series, 5, 4)
	assert.False(t, ok)
	_, ok = Momentum(series, 5, 11)
	assert.False(t, ok)
}

func TestSeries(t *testing.T) {
	out := Series(SMA, fromCloses(10, 20, 30, 40), 3)
	require.Len(t, out, 4)
	for i := 0; i < 3; i++ {
		assert.True(t, math.IsNaN(out[i]))
	}
	assert.Equal(t, 20.0, out[3])

	r := Read("sma3", SMA, fromCloses(10, 20, 30, 40), 3, 4)
	assert.Equal(t, Reading{Name: "sma3", Value: 30, Defined: true}, r)
}
