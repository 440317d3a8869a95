// Package strategy turns multi-timeframe candle snapshots into trade signals.
//
// Each distinct shape of entry logic is one Strategy type. Parameter variants
// of a shape are named presets of Config, not separate code.
package strategy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/leverage-trader/internal/candle"
)

// ErrInvalidSignal marks a signal whose stop or target is unusable.
var ErrInvalidSignal = errors.New("invalid signal")

// Side of a signal or position.
type Side int8

const (
	None  Side = 0
	Long  Side = 1
	Short Side = -1
)

func (s Side) String() string {
	switch s {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	default:
		return "NONE"
	}
}

// Sign is +1 for long and -1 for short.
func (s Side) Sign() float64 { return float64(s) }

// Opposite returns the side that closes s.
func (s Side) Opposite() Side { return -s }

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	side, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// ParseSide accepts LONG/SHORT/NONE and BUY/SELL in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(v) {
	case "LONG", "BUY":
		return Long, nil
	case "SHORT", "SELL":
		return Short, nil
	case "NONE", "":
		return None, nil
	}
	return None, fmt.Errorf("unknown side %q", v)
}

// Signal is a proposed entry. It is consumed at most once.
type Signal struct {
	Time     time.Time `json:"time"`
	Side     Side      `json:"side"`
	Entry    float64   `json:"entry_price"`
	Stop     float64   `json:"stop_price"`
	Target   float64   `json:"target_price"`
	Strength float64   `json:"strength,omitempty"`
	Reason   string    `json:"reason"`
	Strategy string    `json:"strategy"`
}

// StopDistance is |entry - stop|.
func (s Signal) StopDistance() float64 {
	d := s.Entry - s.Stop
	if d < 0 {
		return -d
	}
	return d
}

// Snapshot is what a strategy sees at one decision point. Each frame ends at
// the latest candle of that timeframe that had closed by Time.
type Snapshot struct {
	Time   time.Time
	Entry  string
	Frames map[string][]candle.Candle
}

// Frame returns the history for a timeframe, nil if absent.
func (s Snapshot) Frame(timeframe string) []candle.Candle {
	return s.Frames[timeframe]
}

// Last returns the latest entry-timeframe candle.
func (s Snapshot) Last() (candle.Candle, bool) {
	h := s.Frames[s.Entry]
	if len(h) == 0 {
		return candle.Candle{}, false
	}
	return h[len(h)-1], true
}

// Price is the close of the latest entry candle, 0 if there is none.
func (s Snapshot) Price() float64 {
	c, _ := s.Last()
	return c.Close
}

// Strategy evaluates snapshots into signals. A nil signal with a nil error
// means no trade. Errors wrap ErrInvalidSignal.
type Strategy interface {
	Name() string
	Config() Config
	// Timeframes lists every timeframe the snapshot must carry, entry first.
	Timeframes() []string
	Evaluate(snap Snapshot) (*Signal, error)
}

// Exiter is implemented by strategies with a discretionary exit besides
// stop-loss and take-profit.
type Exiter interface {
	ShouldExit(snap Snapshot, side Side) (reason string, exit bool)
}
