package livetrading

import (
	"context"
	"time"

	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/state"
	"github.com/amirphl/leverage-trader/internal/strategy"
	"github.com/amirphl/leverage-trader/internal/utils"
)

// Status is the snapshot written after every cycle.
type Status struct {
	Timestamp         time.Time          `json:"timestamp"`
	Symbol            string             `json:"symbol"`
	Strategy          string             `json:"strategy"`
	Price             float64            `json:"price"`
	Position          *position.Position `json:"position"`
	Balance           float64            `json:"futures_balance"`
	TargetBalance     float64            `json:"target_balance,omitempty"`
	Signal            *strategy.Signal   `json:"signal"`
	Halted            bool               `json:"halted"`
	ConsecutiveLosses int                `json:"consecutive_losses"`
	SignalOnly        bool               `json:"signal_only,omitempty"`
}

func (t *Trader) publish(ctx context.Context, now time.Time, price, balance float64, sig *strategy.Signal) Status {
	s := Status{
		Timestamp:         now,
		Symbol:            t.symbol,
		Strategy:          t.cfg.Name,
		Price:             price,
		Balance:           balance,
		TargetBalance:     t.opts.TargetBalance,
		Signal:            sig,
		Halted:            t.st.Halted,
		ConsecutiveLosses: t.st.ConsecutiveLosses,
		SignalOnly:        t.opts.SignalOnly,
	}
	if p, ok := t.machine.Current(); ok {
		s.Position = &p
	}

	log := utils.GetLogger()
	if t.opts.StatusFile != "" {
		if err := state.WriteJSONFile(t.opts.StatusFile, s); err != nil {
			log.Warnf("LiveTrading | [%s] failed to write status: %v", t.symbol, err)
		}
	}
	if t.status != nil {
		if err := t.status.PublishStatus(ctx, t.symbol, s, t.opts.StatusTTL); err != nil {
			log.Warnf("LiveTrading | [%s] failed to publish status: %v", t.symbol, err)
		}
	}
	log.Debugf("LiveTrading | [%s] price %.8f balance %.2f open=%v halted=%v",
		t.symbol, price, balance, s.Position != nil, s.Halted)
	return s
}
