package strategy

import (
	"fmt"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/indicator"
)

// Trend label of the slow moving average filter.
type Trend string

const (
	TrendUp       Trend = "UP"
	TrendDown     Trend = "DOWN"
	TrendSideways Trend = "SIDEWAYS"
	TrendUnknown  Trend = "UNKNOWN"
)

// TrendLabel compares the last close of h with its moving average of
// cfg.TrendMA candles, widened by TrendThresholdPct on each side.
func TrendLabel(h []candle.Candle, cfg Config) Trend {
	ma, ok := movingAverage(h, cfg.TrendMA, cfg.TrendMAType)
	if !ok || len(h) == 0 {
		return TrendUnknown
	}
	price := h[len(h)-1].Close
	eps := cfg.TrendThresholdPct / 100
	switch {
	case price > ma*(1+eps):
		return TrendUp
	case price < ma*(1-eps):
		return TrendDown
	default:
		return TrendSideways
	}
}

func movingAverage(h []candle.Candle, period int, kind string) (float64, bool) {
	if kind == "ema" {
		return indicator.EMA(h, period, len(h))
	}
	return indicator.SMA(h, period, len(h))
}

// trendAllows reports whether the trend filter permits side. A config
// without a trend MA never filters.
func trendAllows(snap Snapshot, cfg Config, side Side) bool {
	if cfg.LongOnly && side == Short {
		return false
	}
	if cfg.TrendMA <= 0 {
		return true
	}
	switch TrendLabel(snap.Frame(cfg.Trend()), cfg) {
	case TrendUp:
		return side == Long
	case TrendDown:
		return side == Short
	}
	return false
}

// Levels derives stop and target for an entry from the config stop mode.
// ATR mode reads ATR over the entry history h; ok is false while it is
// undefined.
func Levels(h []candle.Candle, cfg Config, side Side, entry float64) (stop, target float64, ok bool) {
	sign := side.Sign()
	switch cfg.StopMode {
	case StopATR:
		atr, defined := indicator.ATR(h, cfg.ATRPeriod, len(h))
		if !defined {
			return 0, 0, false
		}
		return entry - sign*cfg.StopATR*atr, entry + sign*cfg.TargetATR*atr, true
	default:
		return entry * (1 - sign*cfg.StopPct/100), entry * (1 + sign*cfg.TargetPct/100), true
	}
}

// Finalize checks that stop and target sit on the correct sides of entry and
// pushes the target out to MinRiskReward times the stop distance.
func Finalize(sig Signal, cfg Config) (*Signal, error) {
	if sig.Side != Long && sig.Side != Short {
		return nil, fmt.Errorf("%w: side %s", ErrInvalidSignal, sig.Side)
	}
	if sig.Entry <= 0 {
		return nil, fmt.Errorf("%w: entry %.8f", ErrInvalidSignal, sig.Entry)
	}
	sign := sig.Side.Sign()
	risk := (sig.Entry - sig.Stop) * sign
	if risk <= 0 {
		return nil, fmt.Errorf("%w: %s stop %.8f against entry %.8f", ErrInvalidSignal, sig.Side, sig.Stop, sig.Entry)
	}
	reward := (sig.Target - sig.Entry) * sign
	if reward <= 0 {
		return nil, fmt.Errorf("%w: %s target %.8f against entry %.8f", ErrInvalidSignal, sig.Side, sig.Target, sig.Entry)
	}
	if cfg.MinRiskReward > 0 && reward < cfg.MinRiskReward*risk {
		sig.Target = sig.Entry + sign*cfg.MinRiskReward*risk
	}
	if sig.Strategy == "" {
		sig.Strategy = cfg.Name
	}
	return &sig, nil
}
