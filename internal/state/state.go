// Package state persists what the live loop must remember across restarts:
// the circuit breaker, the cooldown anchor and the last known position.
package state

import (
	"context"
	"time"

	"github.com/amirphl/leverage-trader/internal/position"
)

// LoopState is the persisted state of one symbol's live loop.
type LoopState struct {
	Symbol            string             `json:"symbol"`
	ConsecutiveLosses int                `json:"consecutive_losses"`
	Halted            bool               `json:"halted"`
	HaltedAt          time.Time          `json:"halted_at,omitempty"`
	LastEntry         time.Time          `json:"last_entry,omitempty"`
	Position          *position.Position `json:"position,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// RecordResult updates the breaker after a closed trade and reports whether
// it tripped on this call. Only a strictly positive pnl resets the streak;
// break-even counts as a loss, as in position.Trade.Win.
func (s *LoopState) RecordResult(pnl float64, maxLosses int, at time.Time) bool {
	if pnl > 0 {
		s.ConsecutiveLosses = 0
		return false
	}
	s.ConsecutiveLosses++
	if maxLosses > 0 && s.ConsecutiveLosses >= maxLosses && !s.Halted {
		s.Halted = true
		s.HaltedAt = at
		return true
	}
	return false
}

// ClearHalt re-enables entries and resets the loss streak.
func (s *LoopState) ClearHalt() {
	s.Halted = false
	s.HaltedAt = time.Time{}
	s.ConsecutiveLosses = 0
}

// StateManager interface for persisting and recovering bot state.
// LoadState returns a zero LoopState for an unknown symbol.
type StateManager interface {
	SaveState(ctx context.Context, st LoopState) error
	LoadState(ctx context.Context, symbol string) (LoopState, error)
}
