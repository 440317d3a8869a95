package journal

import (
	"context"
	"time"

	"github.com/amirphl/leverage-trader/internal/utils"
)

// Event types written by the live loop.
const (
	TypeSignal    = "signal"
	TypeEntry     = "entry"
	TypeExit      = "exit"
	TypeOrder     = "order"
	TypeReconcile = "reconcile"
	TypeRebalance = "rebalance"
	TypeHalt      = "halt"
	TypeError     = "error"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time      `json:"time"`
	Type        string         `json:"type"`
	Symbol      string         `json:"symbol,omitempty"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}

// Recorder writes events for one symbol and never fails the caller; a
// journal write error is only logged.
type Recorder struct {
	j      Journaler
	symbol string
	now    func() time.Time
}

// NewRecorder returns a Recorder; a nil Journaler makes every call a no-op.
func NewRecorder(j Journaler, symbol string) *Recorder {
	return &Recorder{j: j, symbol: symbol, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, eventType, description string, data map[string]any) {
	if r == nil || r.j == nil {
		return
	}
	ev := Event{
		Time:        r.now().UTC(),
		Type:        eventType,
		Symbol:      r.symbol,
		Description: description,
		Data:        data,
	}
	if err := r.j.LogEvent(ctx, ev); err != nil {
		utils.GetLogger().Warnf("Journal | [%s] failed to log %s event: %v", r.symbol, eventType, err)
	}
}
