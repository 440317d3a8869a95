package candle

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Helper function to create a flat-ish series of candles
func createTestCandles(timeframe string, step time.Duration, closes ...float64) []Candle {
	candles := make([]Candle, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		candles[i] = Candle{
			OpenTime:  base.Add(time.Duration(i) * step),
			Open:      open,
			High:      max(open, c) + 1,
			Low:       min(open, c) - 1,
			Close:     c,
			Volume:    10,
			Symbol:    "BTCUSDT",
			Timeframe: timeframe,
		}
	}
	return candles
}

func TestCandle_Validate(t *testing.T) {
	valid := Candle{OpenTime: base, Open: 100, High: 110, Low: 90, Close: 105, Volume: 1}

	tests := []struct {
		name    string
		mutate  func(c *Candle)
		wantErr bool
	}{
		{"valid", func(c *Candle) {}, false},
		{"zero time", func(c *Candle) { c.OpenTime = time.Time{} }, true},
		{"high below low", func(c *Candle) { c.High = 80 }, true},
		{"open above high", func(c *Candle) { c.Open = 120 }, true},
		{"close below low", func(c *Candle) { c.Close = 85 }, true},
		{"negative volume", func(c *Candle) { c.Volume = -1 }, true},
		{"zero price", func(c *Candle) { c.Low = 0 }, true},
		{"NaN prices", func(c *Candle) { c.Open, c.High, c.Low, c.Close = math.NaN(), math.NaN(), math.NaN(), math.NaN() }, true},
		{"infinite high", func(c *Candle) { c.High = math.Inf(1) }, true},
		{"infinite volume", func(c *Candle) { c.Volume = math.Inf(1) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			if tt.wantErr {
				assert.Error(t, c.Validate())
			} else {
				assert.NoError(t, c.Validate())
			}
		})
	}
}

func TestValidateSeries(t *testing.T) {
	series := createTestCandles("15m", 15*time.Minute, 100, 101, 102)
	require.NoError(t, ValidateSeries(series))

	t.Run("duplicate timestamp", func(t *testing.T) {
		bad := append([]Candle(nil), series...)
		bad[2].OpenTime = bad[1].OpenTime
		assert.ErrorIs(t, ValidateSeries(bad), ErrNonMonotonic)
	})

	t.Run("out of order", func(t *testing.T) {
		bad := append([]Candle(nil), series...)
		bad[0], bad[1] = bad[1], bad[0]
		assert.ErrorIs(t, ValidateSeries(bad), ErrNonMonotonic)
	})

	t.Run("malformed candle", func(t *testing.T) {
		bad := append([]Candle(nil), series...)
		bad[1].High = bad[1].Low - 1
		assert.ErrorIs(t, ValidateSeries(bad), ErrMalformedCandle)
	})
}

func TestCandle_Shape(t *testing.T) {
	c := Candle{Open: 100, High: 110, Low: 90, Close: 105}
	assert.Equal(t, 5.0, c.Body())
	assert.Equal(t, 20.0, c.Range())
	assert.InDelta(t, 0.25, c.BodyRatio(), 1e-12)
	assert.True(t, c.IsBullish())
	assert.False(t, c.IsBearish())

	flat := Candle{Open: 100, High: 100, Low: 100, Close: 100}
	assert.Equal(t, 0.0, flat.BodyRatio())
}

func TestResample(t *testing.T) {
	fine := createTestCandles("15m", 15*time.Minute, 100, 102, 101, 104, 103, 99)

	coarse, err := Resample(fine, "1h")
	require.NoError(t, err)
	require.Len(t, coarse, 2)

	first := coarse[0]
	assert.Equal(t, base, first.OpenTime)
	assert.Equal(t, "1h", first.Timeframe)
	assert.Equal(t, fine[0].Open, first.Open)
	assert.Equal(t, fine[3].Close, first.Close)
	assert.Equal(t, 105.0, first.High)
	assert.Equal(t, 99.0, first.Low)
	assert.Equal(t, 40.0, first.Volume)

	second := coarse[1]
	assert.Equal(t, base.Add(time.Hour), second.OpenTime)
	assert.Equal(t, 99.0, second.Close)

	t.Run("rejects coarser source", func(t *testing.T) {
		_, err := Resample(coarse, "15m")
		assert.Error(t, err)
	})

	t.Run("rejects unknown timeframe", func(t *testing.T) {
		_, err := Resample(fine, "7m")
		assert.Error(t, err)
	})
}

func TestLocate(t *testing.T) {
	coarse := createTestCandles("4h", 4*time.Hour, 100, 101, 102)

	tests := []struct {
		name string
		at   time.Time
		want int
	}{
		{"before first", base.Add(-time.Minute), -1},
		{"exactly first open", base, 0},
		{"inside first", base.Add(3 * time.Hour), 0},
		{"exactly second open", base.Add(4 * time.Hour), 1},
		{"after last", base.Add(100 * time.Hour), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Locate(coarse, tt.at))
		})
	}
}

func TestCompleted_NoLookAhead(t *testing.T) {
	coarse := createTestCandles("4h", 4*time.Hour, 100, 101, 102)

	// A 15m candle closing at 05:00 sees only the 00:00-04:00 bar.
	assert.Equal(t, 0, Completed(coarse, 4*time.Hour, base.Add(5*time.Hour)))
	// Closing exactly at 08:00 completes the second bar.
	assert.Equal(t, 1, Completed(coarse, 4*time.Hour, base.Add(8*time.Hour)))
	// Nothing has closed before 04:00.
	assert.Equal(t, -1, Completed(coarse, 4*time.Hour, base.Add(3*time.Hour)))

	for i := 0; i < 48; i++ {
		at := base.Add(time.Duration(i) * 15 * time.Minute)
		j := Completed(coarse, 4*time.Hour, at)
		if j >= 0 {
			assert.False(t, coarse[j].OpenTime.Add(4*time.Hour).After(at), "bar %d not closed at %s", j, at)
		}
	}
}

func TestIndex_MatchesLocate(t *testing.T) {
	step := 4 * time.Hour
	coarse := createTestCandles("4h", step, 100, 101, 102, 103, 104, 105)
	// Punch a gap to make sure the bucket table carries the last index forward.
	coarse = append(coarse[:2], coarse[4:]...)

	idx, err := NewIndex(coarse, step)
	require.NoError(t, err)

	for m := -60; m < 40*60; m += 7 {
		at := base.Add(time.Duration(m) * time.Minute)
		require.Equal(t, Locate(coarse, at), idx.Lookup(at), "at %s", at)
		require.Equal(t, Completed(coarse, step, at), idx.Completed(at), "completed at %s", at)
	}
}

func TestNewIndex_Errors(t *testing.T) {
	_, err := NewIndex(nil, 0)
	assert.Error(t, err)

	misaligned := createTestCandles("4h", 4*time.Hour, 100, 101)
	misaligned[1].OpenTime = misaligned[1].OpenTime.Add(time.Minute)
	_, err = NewIndex(misaligned, 4*time.Hour)
	assert.Error(t, err)

	empty, err := NewIndex(nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, -1, empty.Lookup(base))
}

func TestCSV(t *testing.T) {
	series := createTestCandles("15m", 15*time.Minute, 100.5, 101.25, 99.75)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, series))

	got, err := ReadCSV(&buf, "BTCUSDT", "15m")
	require.NoError(t, err)
	assert.Equal(t, series, got)

	_, err = ReadCSV(strings.NewReader("1704067200000,1,2,0.5,x,1\n"), "BTCUSDT", "15m")
	assert.ErrorIs(t, err, ErrMalformedCandle)
}

func TestCSV_NonFiniteValuesFailValidation(t *testing.T) {
	rows := "0,100,101,99,100,1\n" +
		"900000,NaN,NaN,NaN,NaN,1\n" +
		"1800000,100,+Inf,99,100,1\n"
	got, err := ReadCSV(strings.NewReader(rows), "BTCUSDT", "15m")
	require.NoError(t, err)
	require.Len(t, got, 3)

	err = ValidateSeries(got)
	require.ErrorIs(t, err, ErrMalformedCandle)
	assert.Contains(t, err.Error(), "index 1")

	err = ValidateSeries([]Candle{got[0], got[2]})
	assert.ErrorIs(t, err, ErrMalformedCandle)
}
