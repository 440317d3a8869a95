package candle

import (
	"fmt"

	"github.com/amirphl/leverage-trader/internal/tfutils"
)

// Resample aggregates a fine series into a coarser timeframe. Buckets are
// keyed by their aligned open time. The input must already pass
// ValidateSeries. A trailing bucket may be partial; its close time lies in
// the future relative to the last fine candle, so Completed never selects it.
func Resample(fine []Candle, timeframe string) ([]Candle, error) {
	if len(fine) == 0 {
		return nil, nil
	}
	dur, err := tfutils.ParseTimeframe(timeframe)
	if err != nil {
		return nil, fmt.Errorf("invalid timeframe %s: %w", timeframe, err)
	}
	if src := tfutils.GetTimeframeDuration(fine[0].Timeframe); src > 0 && src >= dur {
		return nil, fmt.Errorf("source timeframe %s must be finer than %s", fine[0].Timeframe, timeframe)
	}
	if err := ValidateSeries(fine); err != nil {
		return nil, err
	}

	var out []Candle
	for _, c := range fine {
		bucket := c.OpenTime.Truncate(dur)
		if n := len(out); n > 0 && out[n-1].OpenTime.Equal(bucket) {
			agg := &out[n-1]
			if c.High > agg.High {
				agg.High = c.High
			}
			if c.Low < agg.Low {
				agg.Low = c.Low
			}
			agg.Close = c.Close
			agg.Volume += c.Volume
			continue
		}
		out = append(out, Candle{
			OpenTime:  bucket,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
			Symbol:    c.Symbol,
			Timeframe: timeframe,
		})
	}
	return out, nil
}
