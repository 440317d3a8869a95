package livetrading

import (
	"context"
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/exchange"
	"github.com/amirphl/leverage-trader/internal/journal"
	"github.com/amirphl/leverage-trader/internal/notifier"
	"github.com/amirphl/leverage-trader/internal/order"
	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/risk"
	"github.com/amirphl/leverage-trader/internal/strategy"
	"github.com/amirphl/leverage-trader/internal/utils"
)

// qtyTolerance is the relative quantity difference still treated as equal.
const qtyTolerance = 1e-6

// reconcile makes the local position match the exchange. last is the most
// recent closed entry candle, nil at startup.
func (t *Trader) reconcile(ctx context.Context, exPos *position.Position, last *candle.Candle) error {
	local, open := t.machine.Current()
	switch {
	case !open && exPos == nil:
		return nil

	case open && exPos == nil:
		// closed on the exchange, normally by a resting stop or target
		price, reason := t.exchangeExit(ctx, local, last)
		trade, err := t.machine.Close(price, reason, t.now())
		if err != nil {
			return err
		}
		utils.GetLogger().Infof("LiveTrading | [%s] position %s closed on exchange (%s at %.8f)",
			t.symbol, local.ID, reason, price)
		t.finishTrade(ctx, trade)
		return nil

	case !open:
		adopted := *exPos
		if adopted.ID == "" {
			adopted.ID = uuid.NewString()
		}
		if adopted.Strategy == "" {
			adopted.Strategy = t.cfg.Name
		}
		if adopted.OpenedAt.IsZero() {
			adopted.OpenedAt = t.now()
		}
		adopted.Symbol = t.symbol
		t.machine.Restore(adopted)
		t.journal.Record(ctx, journal.TypeReconcile, "adopted_exchange_position", map[string]any{"position": adopted})
		return errors.Wrapf(ErrReconciliationMismatch, "adopted %s position of %.8f found on exchange", adopted.Side, adopted.Quantity)
	}

	merged := local
	mismatch := exPos.Side != local.Side ||
		math.Abs(exPos.Quantity-local.Quantity) > qtyTolerance*math.Max(local.Quantity, exPos.Quantity)
	if exPos.Side != local.Side {
		merged.Side = exPos.Side
		merged.Stop, merged.Target, merged.Extreme = 0, 0, 0
	}
	if exPos.Quantity > 0 {
		merged.Quantity = exPos.Quantity
	}
	if exPos.Entry > 0 {
		merged.Entry = exPos.Entry
	}
	if exPos.Stop > 0 && !t.trailedPast(merged, exPos.Stop) {
		merged.Stop = exPos.Stop
	}
	if exPos.Target > 0 {
		merged.Target = exPos.Target
	}
	t.machine.Restore(merged)
	if !mismatch {
		return nil
	}
	t.journal.Record(ctx, journal.TypeReconcile, "position_mismatch", map[string]any{"local": local, "exchange": *exPos})
	return errors.Wrapf(ErrReconciliationMismatch, "local %s %.8f, exchange %s %.8f",
		local.Side, local.Quantity, exPos.Side, exPos.Quantity)
}

// trailedPast reports whether the local stop of p was ratcheted beyond a
// resting stop the exchange still reports at stop.
func (t *Trader) trailedPast(p position.Position, stop float64) bool {
	if t.cfg.TrailingPct <= 0 || p.Stop <= 0 {
		return false
	}
	return (p.Stop-stop)*p.Side.Sign() > 0
}

// exchangeExit guesses the fill of a close the loop did not place. A level
// touched by the last candle is taken as the fill, otherwise the last price.
func (t *Trader) exchangeExit(ctx context.Context, p position.Position, last *candle.Candle) (float64, position.ExitReason) {
	if last == nil {
		tf := t.strat.Timeframes()[0]
		candles, err := t.ex.GetCandles(ctx, t.symbol, tf, 2)
		if err != nil || len(candles) == 0 {
			utils.GetLogger().Warnf("LiveTrading | [%s] no price for exchange close, using entry: %v", t.symbol, err)
			return p.Entry, position.ExitExchange
		}
		last = &candles[len(candles)-1]
	}
	if price, reason, ok := protectiveExit(p, *last); ok {
		return price, reason
	}
	return last.Close, position.ExitExchange
}

// protectiveExit is position.CheckExit with missing (zero) levels never
// triggering.
func protectiveExit(p position.Position, c candle.Candle) (float64, position.ExitReason, bool) {
	if p.Stop <= 0 && p.Target <= 0 {
		return 0, "", false
	}
	dir := int(p.Side)
	if p.Stop <= 0 {
		p.Stop = math.Inf(-dir)
	}
	if p.Target <= 0 {
		p.Target = math.Inf(dir)
	}
	return position.CheckExit(p, c)
}

// manage checks the open position for exits the exchange is not holding
// orders for, then for the strategy's discretionary exit.
func (t *Trader) manage(ctx context.Context, snap strategy.Snapshot, exPos *position.Position) error {
	p, _ := t.machine.Current()
	last, _ := snap.Last()

	var trailed bool
	if t.cfg.TrailingPct > 0 {
		p, trailed = t.machine.Trail(last, t.cfg.TrailingPct)
		if trailed {
			t.retrail(ctx, p)
		}
	}

	watch := p
	if exPos != nil && exPos.Stop > 0 && !trailed && !t.trailedPast(p, exPos.Stop) {
		watch.Stop = 0
	}
	if exPos != nil && exPos.Target > 0 {
		watch.Target = 0
	}
	if _, reason, ok := protectiveExit(watch, last); ok {
		return t.closePosition(ctx, reason, snap.Price(), "software "+string(reason))
	}

	if ex, ok := t.strat.(strategy.Exiter); ok {
		if why, exit := ex.ShouldExit(snap, p.Side); exit {
			return t.closePosition(ctx, position.ExitSignal, snap.Price(), why)
		}
	}
	return nil
}

// retrail replaces the resting protective orders after the stop moved. On
// failure the tighter stop is still watched in software.
func (t *Trader) retrail(ctx context.Context, p position.Position) {
	log := utils.GetLogger()
	log.Infof("LiveTrading | [%s] trailing stop of %s position %s to %.8f (extreme %.8f)",
		t.symbol, p.Side, p.ID, p.Stop, p.Extreme)
	t.journal.Record(ctx, journal.TypeOrder, "trailing_stop", map[string]any{"position": p})
	if err := t.ex.CancelAllOrders(ctx, t.symbol); err != nil {
		log.Warnf("LiveTrading | [%s] keeping old protective orders: %v", t.symbol, err)
		return
	}
	t.protect(ctx, p)
}

// closePosition cancels resting orders and closes at market.
func (t *Trader) closePosition(ctx context.Context, reason position.ExitReason, price float64, why string) error {
	p, ok := t.machine.Current()
	if !ok {
		return position.ErrNotOpen
	}
	utils.GetLogger().Infof("LiveTrading | [%s] closing %s position %s: %s", t.symbol, p.Side, p.ID, why)

	if err := t.ex.CancelAllOrders(ctx, t.symbol); err != nil {
		return errors.Wrap(err, "cancelling protective orders")
	}
	side := order.ExitSide(p.Side)
	id, err := t.ex.PlaceMarketOrder(ctx, t.symbol, side, p.Quantity, true)
	if err != nil {
		return errors.Wrap(err, "placing exit order")
	}
	t.saveOrder(ctx, order.Response{OrderID: id, Side: side, Type: order.Market, Quantity: p.Quantity, AvgPrice: price, ReduceOnly: true})

	trade, err := t.machine.Close(price, reason, t.now())
	if err != nil {
		return err
	}
	t.finishTrade(ctx, trade)
	return nil
}

// finishTrade books a closed trade: persistence, breaker, notifications and
// rebalancing.
func (t *Trader) finishTrade(ctx context.Context, trade position.Trade) {
	log := utils.GetLogger()
	if balance, err := t.ex.GetAccountBalance(ctx); err != nil {
		log.Warnf("LiveTrading | [%s] balance after trade unavailable: %v", t.symbol, err)
	} else {
		trade.BalanceAfter = balance
	}

	tripped := t.st.RecordResult(trade.PnL, t.opts.MaxConsecutiveLosses, t.now())
	if t.storage != nil {
		if err := t.storage.SaveTrade(ctx, t.runID, trade); err != nil {
			log.Errorf("LiveTrading | [%s] failed to save trade %s: %v", t.symbol, trade.ID, err)
		}
	}
	t.metrics.ObserveTrade(trade)
	t.metrics.SetPosition(false)
	t.metrics.SetBreaker(t.st.Halted, t.st.ConsecutiveLosses)
	t.journal.Record(ctx, journal.TypeExit, string(trade.ExitReason), map[string]any{"trade": trade})
	log.Infof("LiveTrading | [%s] %s trade closed (%s) pnl %.2f, consecutive losses %d",
		t.symbol, trade.Side, trade.ExitReason, trade.PnL, t.st.ConsecutiveLosses)
	t.send(notifier.FormatExit(trade, t.st.ConsecutiveLosses))

	if tripped {
		log.Warnf("LiveTrading | [%s] circuit breaker tripped after %d losses", t.symbol, t.st.ConsecutiveLosses)
		t.journal.Record(ctx, journal.TypeHalt, "circuit_breaker", map[string]any{"losses": t.st.ConsecutiveLosses})
		t.send(notifier.FormatHalt(t.st.ConsecutiveLosses))
	}
	if err := t.Rebalance(ctx); err != nil {
		log.Errorf("LiveTrading | [%s] rebalance failed: %v", t.symbol, err)
	}
}

// enter sizes sig and opens it with a market order plus resting stop and
// target orders. Rejections by sizing are logged and skipped.
func (t *Trader) enter(ctx context.Context, sig strategy.Signal) error {
	log := utils.GetLogger()
	if t.st.Halted {
		return errors.Wrapf(ErrHalted, "%d consecutive losses", t.st.ConsecutiveLosses)
	}
	now := t.now()
	if t.cooldown.Active(now) {
		log.Infof("LiveTrading | [%s] in cooldown since %s, skipping entry", t.symbol, t.cooldown.LastEntry().Format("2006-01-02 15:04"))
		return nil
	}

	balance, err := t.ex.GetAccountBalance(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching balance")
	}
	sizing := balance
	if t.opts.TargetBalance > 0 && t.opts.TargetBalance < sizing {
		sizing = t.opts.TargetBalance
	}

	lev := leverageOf(t.cfg)
	if err := t.ex.SetLeverage(ctx, t.symbol, lev); err != nil && !errors.Is(err, exchange.ErrUnsupported) {
		return errors.Wrapf(err, "setting leverage %d", lev)
	}
	var limits risk.Limits
	if lp, ok := t.ex.(exchange.LimitsProvider); ok {
		if limits, err = lp.SymbolLimits(ctx, t.symbol); err != nil {
			return errors.Wrap(err, "fetching symbol limits")
		}
	}

	qty, err := risk.NewSizer(t.cfg, limits).Size(sig, sizing)
	if err == nil {
		_, err = t.machine.Open(sig, qty, now)
	}
	if err != nil {
		if errors.Is(err, risk.ErrInsufficientBalance) || errors.Is(err, strategy.ErrInvalidSignal) {
			log.Warnf("LiveTrading | [%s] entry skipped: %v", t.symbol, err)
			t.journal.Record(ctx, journal.TypeSignal, "entry_skipped", map[string]any{"error": err.Error()})
			return nil
		}
		return err
	}

	side := order.EntrySide(sig.Side)
	id, err := t.ex.PlaceMarketOrder(ctx, t.symbol, side, qty, false)
	if err != nil {
		t.machine.Clear()
		return errors.Wrap(err, "placing entry order")
	}
	t.saveOrder(ctx, order.Response{OrderID: id, Side: side, Type: order.Market, Quantity: qty, AvgPrice: sig.Entry})
	t.cooldown.Start(now)
	t.st.LastEntry = now

	p, _ := t.machine.Current()
	t.protect(ctx, p)

	t.metrics.SetPosition(true)
	t.journal.Record(ctx, journal.TypeEntry, sig.Reason, map[string]any{"position": p, "balance": balance, "sizing_balance": sizing})
	log.Infof("LiveTrading | [%s] opened %s %.8f @ %.8f (stop %.8f target %.8f, balance %.2f)",
		t.symbol, p.Side, p.Quantity, p.Entry, p.Stop, p.Target, sizing)
	t.send(notifier.FormatEntry(p, rewardRisk(p)))
	return nil
}

// protect rests reduce-only stop and take-profit orders. A level the
// exchange rejects is left to the software check in manage.
func (t *Trader) protect(ctx context.Context, p position.Position) {
	side := order.ExitSide(p.Side)
	place := []struct {
		typ   string
		price float64
		fn    func(context.Context, string, string, float64, float64, bool) (string, error)
	}{
		{order.StopMarket, p.Stop, t.ex.PlaceStopOrder},
		{order.TakeProfitMarket, p.Target, t.ex.PlaceTakeProfitOrder},
	}
	for _, o := range place {
		id, err := o.fn(ctx, t.symbol, side, o.price, p.Quantity, true)
		switch {
		case err == nil:
			t.saveOrder(ctx, order.Response{OrderID: id, Side: side, Type: o.typ, Quantity: p.Quantity, StopPrice: o.price, ReduceOnly: true})
		case errors.Is(err, exchange.ErrUnsupported):
			utils.GetLogger().Infof("LiveTrading | [%s] %s not supported by %s, watching %.8f in software",
				t.symbol, o.typ, t.ex.Name(), o.price)
		default:
			err = errors.Wrapf(err, "placing %s at %.8f", o.typ, o.price)
			utils.GetLogger().Errorf("LiveTrading | [%s] %v", t.symbol, err)
			t.journal.Record(ctx, journal.TypeError, "protective_order_failed", map[string]any{"error": err.Error()})
			t.send(notifier.FormatError(err))
		}
	}
}

func (t *Trader) saveOrder(ctx context.Context, o order.Response) {
	o.Symbol = t.symbol
	o.Timestamp = t.now()
	o.Status = order.StatusNew
	if o.Type == order.Market {
		o.Status = order.StatusFilled
		o.FilledQty = o.Quantity
	}
	t.journal.Record(ctx, journal.TypeOrder, o.Type, map[string]any{"order": o})
	if t.storage == nil {
		return
	}
	if err := t.storage.SaveOrder(ctx, o); err != nil {
		utils.GetLogger().Warnf("LiveTrading | [%s] failed to save order %s: %v", t.symbol, o.OrderID, err)
	}
}

func rewardRisk(p position.Position) float64 {
	dist := math.Abs(p.Entry - p.Stop)
	if dist == 0 {
		return 0
	}
	return math.Abs(p.Target-p.Entry) / dist
}
