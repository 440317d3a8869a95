package livetrading

import (
	"context"

	"github.com/pkg/errors"

	"github.com/amirphl/leverage-trader/internal/exchange"
	"github.com/amirphl/leverage-trader/internal/journal"
	"github.com/amirphl/leverage-trader/internal/market"
	"github.com/amirphl/leverage-trader/internal/notifier"
	"github.com/amirphl/leverage-trader/internal/utils"
)

// Rebalance steers the futures wallet to TargetBalance. Profit above the
// target plus threshold goes to spot; a deficit beyond the threshold is
// pulled back from spot when spot can cover it. It does nothing while a
// position is open, when rebalancing is off, or when the exchange has no
// wallets.
func (t *Trader) Rebalance(ctx context.Context) error {
	if !t.opts.AutoRebalance || t.opts.TargetBalance <= 0 || t.machine.IsOpen() {
		return nil
	}
	w, ok := t.ex.(exchange.Wallets)
	if !ok {
		utils.GetLogger().Debugf("LiveTrading | [%s] %s has no wallets, rebalancing skipped", t.symbol, t.ex.Name())
		return nil
	}

	futures, err := w.WalletBalance(ctx, market.Futures)
	if err != nil {
		return errors.Wrap(err, "fetching futures balance")
	}
	diff := futures - t.opts.TargetBalance

	switch {
	case diff > t.opts.RebalanceThreshold:
		return t.transfer(ctx, w, market.Futures, market.Spot, diff, futures-diff)

	case diff < -t.opts.RebalanceThreshold:
		need := -diff
		spot, err := w.WalletBalance(ctx, market.Spot)
		if err != nil {
			return errors.Wrap(err, "fetching spot balance")
		}
		if spot < need {
			utils.GetLogger().Warnf("LiveTrading | [%s] spot %.2f cannot cover futures deficit %.2f", t.symbol, spot, need)
			t.journal.Record(ctx, journal.TypeRebalance, "insufficient_spot", map[string]any{"needed": need, "available": spot})
			t.send(notifier.FormatInsufficientSpot(need, spot))
			return nil
		}
		return t.transfer(ctx, w, market.Spot, market.Futures, need, futures+need)
	}
	return nil
}

func (t *Trader) transfer(ctx context.Context, w exchange.Wallets, from, to market.Wallet, amount, futuresAfter float64) error {
	if err := w.Transfer(ctx, from, to, amount); err != nil {
		return errors.Wrapf(err, "transferring %.2f %s -> %s", amount, from, to)
	}
	utils.GetLogger().Infof("LiveTrading | [%s] moved %.2f %s -> %s, futures now %.2f", t.symbol, amount, from, to, futuresAfter)
	direction := "to_" + string(to)
	t.metrics.ObserveRebalance(direction)
	t.journal.Record(ctx, journal.TypeRebalance, direction, map[string]any{"amount": amount, "futures": futuresAfter})
	t.send(notifier.FormatRebalance(string(from), string(to), amount, futuresAfter))
	return nil
}
