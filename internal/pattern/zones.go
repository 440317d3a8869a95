package pattern

import (
	"sort"
	"time"

	"github.com/amirphl/leverage-trader/internal/candle"
)

// ZoneKind is the side of price an order block defends.
type ZoneKind string

const (
	Support    ZoneKind = "support"
	Resistance ZoneKind = "resistance"
)

const (
	// DefaultClusterThresholdPct is the max distance between neighbouring
	// zone mids, in percent of price, for them to join one cluster.
	DefaultClusterThresholdPct = 0.3
	// MinClusterSize is the number of zones a cluster needs.
	MinClusterSize = 2

	minOrderBlockCandles = 10
	orderBlockVolumeMult = 1.2
	orderBlockBodyMult   = 1.1
)

// Zone is the body of the candle preceding a high-volume engulfing reversal.
type Zone struct {
	Kind      ZoneKind
	High      float64
	Low       float64
	Mid       float64
	Time      time.Time
	Timeframe string
}

// Cluster groups zones of one kind whose mids lie close together.
type Cluster struct {
	Kind  ZoneKind
	Count int
	Mid   float64
	High  float64
	Low   float64
}

// FindOrderBlocks scans candles for high-volume engulfing reversals and
// returns the engulfed bodies as zones. The newest candle is skipped since
// it may still be reacting. Fewer than 10 candles yield nothing.
func FindOrderBlocks(candles []candle.Candle) []Zone {
	if len(candles) < minOrderBlockCandles {
		return nil
	}
	var volume float64
	for _, c := range candles {
		volume += c.Volume
	}
	avgVolume := volume / float64(len(candles))

	var zones []Zone
	for i := 2; i < len(candles)-1; i++ {
		curr, prev := candles[i], candles[i-1]
		if curr.Volume < avgVolume*orderBlockVolumeMult {
			continue
		}
		prevBody, currBody := prev.Body(), curr.Body()
		if prevBody == 0 || currBody < prevBody*orderBlockBodyMult {
			continue
		}

		mid := (prev.Open + prev.Close) / 2
		switch {
		case prev.IsBearish() && curr.IsBullish() && curr.Close > prev.Open && curr.Open < prev.Close:
			zones = append(zones, Zone{Kind: Support, High: prev.Open, Low: prev.Close, Mid: mid, Time: curr.OpenTime, Timeframe: curr.Timeframe})
		case prev.IsBullish() && curr.IsBearish() && curr.Close < prev.Open && curr.Open > prev.Close:
			zones = append(zones, Zone{Kind: Resistance, High: prev.Close, Low: prev.Open, Mid: mid, Time: curr.OpenTime, Timeframe: curr.Timeframe})
		}
	}
	return zones
}

// FindClusters groups support and resistance zones separately. Zones are
// sorted by mid and a new cluster starts whenever the gap to the previous
// zone reaches thresholdPct of price. Groups smaller than MinClusterSize are
// dropped.
func FindClusters(zones []Zone, price, thresholdPct float64) (supports, resistances []Cluster) {
	threshold := price * thresholdPct / 100

	var sup, res []Zone
	for _, z := range zones {
		if z.Kind == Support {
			sup = append(sup, z)
		} else {
			res = append(res, z)
		}
	}
	return cluster(sup, threshold), cluster(res, threshold)
}

func cluster(zones []Zone, threshold float64) []Cluster {
	if len(zones) == 0 {
		return nil
	}
	sort.SliceStable(zones, func(i, j int) bool { return zones[i].Mid < zones[j].Mid })

	var out []Cluster
	flush := func(group []Zone) {
		if len(group) < MinClusterSize {
			return
		}
		c := Cluster{Kind: group[0].Kind, Count: len(group), High: group[0].High, Low: group[0].Low}
		var sum float64
		for _, z := range group {
			sum += z.Mid
			c.High = max(c.High, z.High)
			c.Low = min(c.Low, z.Low)
		}
		c.Mid = sum / float64(len(group))
		out = append(out, c)
	}

	current := []Zone{zones[0]}
	for _, z := range zones[1:] {
		if z.Mid-current[len(current)-1].Mid < threshold {
			current = append(current, z)
			continue
		}
		flush(current)
		current = []Zone{z}
	}
	flush(current)
	return out
}
