// Package livetrading runs one strategy against a real (or simulated)
// exchange: poll, reconcile, exit, enter, publish status.
package livetrading

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/db"
	"github.com/amirphl/leverage-trader/internal/exchange"
	"github.com/amirphl/leverage-trader/internal/journal"
	"github.com/amirphl/leverage-trader/internal/market"
	"github.com/amirphl/leverage-trader/internal/metrics"
	"github.com/amirphl/leverage-trader/internal/notifier"
	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/state"
	"github.com/amirphl/leverage-trader/internal/strategy"
	"github.com/amirphl/leverage-trader/internal/tfutils"
	"github.com/amirphl/leverage-trader/internal/utils"
)

var (
	// ErrReconciliationMismatch marks a cycle where local state disagreed
	// with the exchange. The exchange always wins.
	ErrReconciliationMismatch = errors.New("local position disagrees with exchange")
	// ErrHalted is returned for entries blocked by the circuit breaker.
	ErrHalted = errors.New("trading halted by circuit breaker")
)

const (
	defaultRebalanceThreshold = 10.0
	defaultMaxLosses          = 3
	defaultCandleLimit        = 500
	notifyAttempts            = 3
	notifyDelay               = 2 * time.Second
)

// Options are the live settings that are not part of the strategy config.
type Options struct {
	// TargetBalance caps the balance used for sizing and is the level
	// rebalancing steers the futures wallet to. Zero disables both.
	TargetBalance        float64
	AutoRebalance        bool
	RebalanceThreshold   float64
	MaxConsecutiveLosses int
	SignalOnly           bool
	StatusFile           string
	StatusTTL            time.Duration
	CandleLimit          int
}

// StatusPublisher receives the status snapshot after every cycle.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, symbol string, v any, ttl time.Duration) error
}

// Deps are the collaborators of a Trader. Only Exchange and States are
// required.
type Deps struct {
	Exchange exchange.Exchange
	States   state.StateManager
	Storage  db.Storage
	Metrics  *metrics.Metrics
	Notifier notifier.Notifier
	Status   StatusPublisher
}

// Trader drives one strategy on one symbol. It is not safe for concurrent
// use; the loop calls it from a single goroutine.
type Trader struct {
	opts   Options
	strat  strategy.Strategy
	cfg    strategy.Config
	symbol string
	runID  string

	ex      exchange.Exchange
	states  state.StateManager
	storage db.Storage
	journal *journal.Recorder
	metrics *metrics.Metrics
	notify  notifier.Notifier
	status  StatusPublisher

	machine  *position.Machine
	cooldown *strategy.Cooldown
	st       state.LoopState
	peak     float64
	lastEval time.Time
	last     Status
	now      func() time.Time
}

func New(strat strategy.Strategy, opts Options, deps Deps) (*Trader, error) {
	if strat == nil {
		return nil, errors.New("livetrading: nil strategy")
	}
	if deps.Exchange == nil || deps.States == nil {
		return nil, errors.New("livetrading: exchange and state store are required")
	}
	if opts.RebalanceThreshold <= 0 {
		opts.RebalanceThreshold = defaultRebalanceThreshold
	}
	if opts.MaxConsecutiveLosses <= 0 {
		opts.MaxConsecutiveLosses = defaultMaxLosses
	}
	cfg := strat.Config()
	if opts.CandleLimit <= 0 {
		opts.CandleLimit = defaultCandleLimit
		if cfg.Lookback > 0 {
			opts.CandleLimit = cfg.Lookback + 1
		}
	}

	t := &Trader{
		opts:     opts,
		strat:    strat,
		cfg:      cfg,
		symbol:   cfg.Symbol,
		runID:    fmt.Sprintf("live-%s-%s", cfg.Symbol, cfg.Name),
		ex:       deps.Exchange,
		states:   deps.States,
		storage:  deps.Storage,
		metrics:  deps.Metrics,
		notify:   deps.Notifier,
		status:   deps.Status,
		machine:  position.NewMachine(cfg.Symbol, cfg.FeeRate),
		cooldown: strategy.NewTimeCooldown(time.Duration(cfg.CooldownHours * float64(time.Hour))),
		st:       state.LoopState{Symbol: cfg.Symbol},
		now:      func() time.Time { return time.Now().UTC() },
	}
	if deps.Storage != nil {
		t.journal = journal.NewRecorder(deps.Storage, cfg.Symbol)
	}
	return t, nil
}

// SetClock replaces the wall clock. Used by tests.
func (t *Trader) SetClock(now func() time.Time) {
	t.now = now
}

// LastStatus is the snapshot published by the latest successful cycle.
func (t *Trader) LastStatus() Status { return t.last }

// RunID is the run identifier live trades are stored under.
func (t *Trader) RunID() string { return t.runID }

// State returns a copy of the loop state.
func (t *Trader) State() state.LoopState {
	st := t.st
	if st.Position != nil {
		p := *st.Position
		st.Position = &p
	}
	return st
}

// RunLiveTrading starts the trader and runs one cycle immediately and then
// one per scheduler tick until ctx ends. Cycle errors are reported and the
// loop waits for the next tick.
func RunLiveTrading(ctx context.Context, t *Trader, sched Scheduler) (err error) {
	log := utils.GetLogger()
	defer sched.Stop()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("LiveTrading | [%s] recovered from panic: %v", t.symbol, r)
			t.send(fmt.Sprintf("PANIC in trading system: %v", r))
			err = errors.Errorf("panic: %v", r)
		}
	}()

	if err := t.Start(ctx); err != nil {
		return err
	}
	t.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Infof("LiveTrading | [%s] stopped", t.symbol)
			return nil
		case <-sched.C():
			t.runCycle(ctx)
		}
	}
}

func (t *Trader) runCycle(ctx context.Context) {
	if err := t.Cycle(ctx); err != nil && ctx.Err() == nil {
		utils.GetLogger().Errorf("LiveTrading | [%s] cycle failed: %v", t.symbol, err)
		t.journal.Record(ctx, journal.TypeError, "cycle_failed", map[string]any{"error": err.Error()})
		t.send(notifier.FormatError(err))
	}
}

// Start restores persisted state, announces the session and rebalances
// when the account is flat.
func (t *Trader) Start(ctx context.Context) error {
	log := utils.GetLogger()
	st, err := t.states.LoadState(ctx, t.symbol)
	if err != nil {
		return errors.Wrap(err, "loading loop state")
	}
	st.Symbol = t.symbol
	t.st = st
	t.cooldown.Restore(st.LastEntry)
	if st.Position != nil {
		t.machine.Restore(*st.Position)
	}
	t.metrics.SetBreaker(st.Halted, st.ConsecutiveLosses)
	log.Infof("LiveTrading | [%s] starting %s on %s (halted=%v losses=%d open=%v)",
		t.symbol, t.cfg.Name, t.ex.Name(), st.Halted, st.ConsecutiveLosses, st.Position != nil)

	futures, err := t.ex.GetAccountBalance(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching balance")
	}
	var spot float64
	if w, ok := t.ex.(exchange.Wallets); ok {
		if spot, err = w.WalletBalance(ctx, market.Spot); err != nil {
			log.Warnf("LiveTrading | [%s] spot balance unavailable: %v", t.symbol, err)
		}
	}
	t.peak = futures
	t.send(notifier.FormatStartup(t.symbol, t.cfg.Name, leverageOf(t.cfg), futures, spot, t.opts.SignalOnly))
	if st.Halted {
		t.send(notifier.FormatHalt(st.ConsecutiveLosses))
	}

	exPos, err := t.ex.GetOpenPosition(ctx, t.symbol)
	if err != nil {
		return errors.Wrap(err, "fetching position")
	}
	if err := t.reconcile(ctx, exPos, nil); err != nil {
		log.Warnf("LiveTrading | [%s] %v", t.symbol, err)
	}
	if err := t.Rebalance(ctx); err != nil {
		log.Errorf("LiveTrading | [%s] rebalance failed: %v", t.symbol, err)
	}
	return t.saveState(ctx)
}

// ClearHalt resets the circuit breaker in the persisted state.
func ClearHalt(ctx context.Context, states state.StateManager, symbol string) error {
	st, err := states.LoadState(ctx, symbol)
	if err != nil {
		return errors.Wrap(err, "loading loop state")
	}
	st.Symbol = symbol
	st.ClearHalt()
	st.UpdatedAt = time.Now().UTC()
	if err := states.SaveState(ctx, st); err != nil {
		return errors.Wrap(err, "saving loop state")
	}
	utils.GetLogger().Infof("LiveTrading | [%s] circuit breaker cleared", symbol)
	return nil
}

// Cycle runs one iteration: fetch closed candles, reconcile with the
// exchange, manage the open position or look for an entry, then persist
// state and publish the status snapshot.
func (t *Trader) Cycle(ctx context.Context) (err error) {
	started := time.Now()
	defer func() { t.metrics.ObserveCycle(time.Since(started), err) }()
	log := utils.GetLogger()
	now := t.now()

	snap, err := t.snapshot(ctx, now)
	if err != nil {
		return err
	}
	last, _ := snap.Last()

	exPos, err := t.ex.GetOpenPosition(ctx, t.symbol)
	if err != nil {
		return errors.Wrap(err, "fetching position")
	}
	if err := t.reconcile(ctx, exPos, &last); err != nil {
		log.Warnf("LiveTrading | [%s] %v", t.symbol, err)
	}

	var sig *strategy.Signal
	if t.machine.IsOpen() {
		if err := t.manage(ctx, snap, exPos); err != nil {
			return err
		}
	} else if snap.Time.After(t.lastEval) {
		t.lastEval = snap.Time
		sig, err = t.evaluate(ctx, snap)
		if err != nil {
			return err
		}
		if sig != nil {
			if err := t.enter(ctx, *sig); err != nil {
				switch {
				case errors.Is(err, ErrHalted):
					log.Infof("LiveTrading | [%s] %s signal ignored: %v", t.symbol, sig.Side, err)
				default:
					return err
				}
			}
		}
	}

	balance, err := t.ex.GetAccountBalance(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching balance")
	}
	t.markAccount(balance, last.Close)
	if err := t.saveState(ctx); err != nil {
		return err
	}
	t.last = t.publish(ctx, now, last.Close, balance, sig)
	return nil
}

// snapshot fetches every timeframe the strategy needs and drops candles
// that are still forming.
func (t *Trader) snapshot(ctx context.Context, now time.Time) (strategy.Snapshot, error) {
	tfs := t.strat.Timeframes()
	frames := make(map[string][]candle.Candle, len(tfs))
	for _, tf := range tfs {
		candles, err := t.ex.GetCandles(ctx, t.symbol, tf, t.opts.CandleLimit)
		if err != nil {
			return strategy.Snapshot{}, errors.Wrapf(err, "fetching %s candles", tf)
		}
		n := len(candles)
		for n > 0 && !candles[n-1].IsComplete(now) {
			n--
		}
		candles = candles[:n]
		if err := candle.ValidateSeries(candles); err != nil {
			return strategy.Snapshot{}, errors.Wrapf(err, "%s candles", tf)
		}
		frames[tf] = candles
	}

	entry := frames[tfs[0]]
	if len(entry) == 0 {
		return strategy.Snapshot{}, errors.Errorf("no closed %s candles for %s", tfs[0], t.symbol)
	}
	at := entry[len(entry)-1].CloseTime()
	for _, tf := range tfs[1:] {
		i := candle.Completed(frames[tf], tfutils.GetTimeframeDuration(tf), at)
		frames[tf] = frames[tf][:i+1]
	}
	return strategy.Snapshot{Time: at, Entry: tfs[0], Frames: frames}, nil
}

func (t *Trader) evaluate(ctx context.Context, snap strategy.Snapshot) (*strategy.Signal, error) {
	sig, err := t.strat.Evaluate(snap)
	if err != nil {
		if errors.Is(err, strategy.ErrInvalidSignal) {
			utils.GetLogger().Warnf("LiveTrading | [%s] dropped signal: %v", t.symbol, err)
			return nil, nil
		}
		return nil, errors.Wrap(err, "evaluating strategy")
	}
	if sig == nil {
		return nil, nil
	}
	t.metrics.ObserveSignal(sig.Side.String())
	t.journal.Record(ctx, journal.TypeSignal, "signal", map[string]any{"signal": sig})
	utils.GetLogger().Infof("LiveTrading | [%s] %s signal at %.8f (stop %.8f target %.8f): %s",
		t.symbol, sig.Side, sig.Entry, sig.Stop, sig.Target, sig.Reason)
	if t.opts.SignalOnly {
		t.send(notifier.FormatSignal(*sig, t.symbol))
	}
	return sig, nil
}

func (t *Trader) markAccount(balance, price float64) {
	eq := balance
	if p, ok := t.machine.Current(); ok {
		eq += p.Unrealized(price)
	}
	if eq > t.peak {
		t.peak = eq
	}
	var dd float64
	if t.peak > 0 {
		dd = (t.peak - eq) / t.peak * 100
	}
	t.metrics.SetAccount(balance, eq, dd)
	t.metrics.SetPosition(t.machine.IsOpen())
	t.metrics.SetBreaker(t.st.Halted, t.st.ConsecutiveLosses)
}

func (t *Trader) saveState(ctx context.Context) error {
	t.st.Position = nil
	if p, ok := t.machine.Current(); ok {
		t.st.Position = &p
	}
	t.st.LastEntry = t.cooldown.LastEntry()
	t.st.UpdatedAt = t.now()
	if err := t.states.SaveState(ctx, t.st); err != nil {
		return errors.Wrap(err, "saving loop state")
	}
	return nil
}

// send delivers a notification; failures are only logged.
func (t *Trader) send(msg string) {
	if t.notify == nil {
		return
	}
	if err := notifier.SendWithRetry(t.notify, msg, notifyAttempts, notifyDelay); err != nil {
		utils.GetLogger().Warnf("LiveTrading | [%s] %v", t.symbol, err)
	}
}

func leverageOf(cfg strategy.Config) int {
	return int(math.Max(1, math.Round(cfg.Leverage)))
}
