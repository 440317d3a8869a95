package strategy

import (
	"fmt"
	"strings"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/indicator"
)

// confluenceConditions is the number of bearish conditions Confluence counts.
const confluenceConditions = 4

// Regime labels the market by its distance from a long moving average.
type Regime string

const (
	RegimeBull    Regime = "BULL"
	RegimeBear    Regime = "BEAR"
	RegimeNeutral Regime = "NEUTRAL"
	RegimeUnknown Regime = "UNKNOWN"
)

// MarketRegime compares the last close of h with the SMA of the last period
// closes. More than pct above is a bull market, more than pct below a bear.
func MarketRegime(h []candle.Candle, period int, pct float64) Regime {
	ma, ok := indicator.SMA(h, period, len(h))
	if !ok || ma == 0 {
		return RegimeUnknown
	}
	dist := (h[len(h)-1].Close - ma) / ma * 100
	switch {
	case dist > pct:
		return RegimeBull
	case dist < -pct:
		return RegimeBear
	default:
		return RegimeNeutral
	}
}

// Confluence shorts a bear market once enough bearish readings agree:
// RSI overbought, momentum below -MomentumThreshold, price above the middle
// Bollinger band, ADX above MinADX. Price must also sit TrendThresholdPct
// below the trend MA.
type Confluence struct{ base }

func NewConfluence(cfg Config) *Confluence { return &Confluence{base{cfg}} }

func (s *Confluence) Evaluate(snap Snapshot) (*Signal, error) {
	if s.cfg.LongOnly {
		return nil, nil
	}
	h := s.entry(snap)
	n := len(h)
	if n == 0 {
		return nil, nil
	}
	if s.cfg.RegimeMA > 0 && MarketRegime(h, s.cfg.RegimeMA, s.cfg.RegimePct) != RegimeBear {
		return nil, nil
	}
	if TrendLabel(snap.Frame(s.cfg.Trend()), s.cfg) != TrendDown {
		return nil, nil
	}

	rsi, ok1 := indicator.RSI(h, s.cfg.RSIPeriod, n)
	mom, ok2 := indicator.Momentum(h, s.cfg.MomentumPeriod, n-1)
	bands, ok3 := indicator.Bollinger(h, s.cfg.BBPeriod, s.cfg.BBStd, n)
	adx, ok4 := indicator.ADX(h, s.cfg.ADXPeriod, n)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, nil
	}

	price := h[n-1].Close
	var reasons []string
	if rsi > s.cfg.RSIOverbought {
		reasons = append(reasons, fmt.Sprintf("rsi %.1f", rsi))
	}
	if mom < -s.cfg.MomentumThreshold {
		reasons = append(reasons, fmt.Sprintf("momentum %.2f%%", mom))
	}
	if price > bands.Middle {
		reasons = append(reasons, "above middle band")
	}
	if adx > s.cfg.MinADX {
		reasons = append(reasons, fmt.Sprintf("adx %.1f", adx))
	}
	if len(reasons) < s.cfg.MinSignalStrength {
		return nil, nil
	}
	strength := float64(len(reasons)) / confluenceConditions
	return s.emit(snap, Short, strings.Join(reasons, ", "), strength)
}
