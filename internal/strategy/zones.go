package strategy

import (
	"fmt"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/pattern"
)

// Zones trades bounces off clusters of order blocks found across several
// timeframes. The stop sits beyond the cluster.
type Zones struct{ base }

func NewZones(cfg Config) *Zones { return &Zones{base{cfg}} }

func (s *Zones) Evaluate(snap Snapshot) (*Signal, error) {
	price := snap.Price()
	if price <= 0 {
		return nil, nil
	}

	var zones []pattern.Zone
	for _, tf := range s.cfg.ZoneTimeframes {
		h := snap.Frame(tf)
		if len(h) < 20 {
			return nil, nil
		}
		zones = append(zones, pattern.FindOrderBlocks(candle.Tail(h, s.cfg.ZoneLookback))...)
	}
	supports, resistances := pattern.FindClusters(zones, price, s.cfg.ClusterThresholdPct)

	nearby := price * s.cfg.NearbyPct / 100
	buffer := price * s.cfg.StopBufferPct / 100

	if trendAllows(snap, s.cfg, Short) {
		for _, c := range resistances {
			if dist := c.Mid - price; dist > 0 && dist < nearby {
				return s.emitCluster(snap, Short, price, c.High+buffer, c)
			}
		}
	}
	if trendAllows(snap, s.cfg, Long) {
		for _, c := range supports {
			if dist := price - c.Mid; dist > 0 && dist < nearby {
				return s.emitCluster(snap, Long, price, c.Low-buffer, c)
			}
		}
	}
	return nil, nil
}

func (s *Zones) emitCluster(snap Snapshot, side Side, price, stop float64, c pattern.Cluster) (*Signal, error) {
	risk := (price - stop) * side.Sign()
	target := price + side.Sign()*risk*max(s.cfg.MinRiskReward, 1)
	reason := fmt.Sprintf("%s cluster of %d at %.2f", c.Kind, c.Count, c.Mid)
	return s.emitAt(snap, side, price, stop, target, reason, float64(c.Count))
}
