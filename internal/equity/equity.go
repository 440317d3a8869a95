// Package equity tracks account balance, mark-to-market equity and drawdown,
// and aggregates closed trades into a run summary.
package equity

import (
	"math"
	"time"

	"github.com/amirphl/leverage-trader/internal/position"
)

// Point is one equity observation. Drawdown is the running maximum, in
// percent, as of this point.
type Point struct {
	Time     time.Time `json:"time"`
	Equity   float64   `json:"equity"`
	Balance  float64   `json:"balance"`
	Peak     float64   `json:"peak"`
	Drawdown float64   `json:"drawdown_pct"`
}

// Tracker is the account state of one run. Balance moves only when a trade
// is recorded; peak and drawdown move on every Mark.
type Tracker struct {
	initial     float64
	balance     float64
	peak        float64
	maxDrawdown float64
	trades      []position.Trade
	points      []Point
}

func NewTracker(initial float64) *Tracker {
	return &Tracker{initial: initial, balance: initial, peak: initial}
}

func (t *Tracker) Initial() float64 { return t.initial }

func (t *Tracker) Balance() float64 { return t.balance }

func (t *Tracker) Peak() float64 { return t.peak }

// MaxDrawdown is the running drawdown in percent. It never decreases.
func (t *Tracker) MaxDrawdown() float64 { return t.maxDrawdown }

// Bankrupt reports a balance at or below zero.
func (t *Tracker) Bankrupt() bool { return t.balance <= 0 }

// Record applies a closed trade's net PnL and stamps BalanceAfter on it.
func (t *Tracker) Record(trade *position.Trade) {
	t.balance += trade.PnL
	trade.BalanceAfter = t.balance
	t.trades = append(t.trades, *trade)
}

// Mark appends an equity point at balance plus unrealized PnL.
func (t *Tracker) Mark(at time.Time, unrealized float64) Point {
	eq := t.balance + unrealized
	if eq > t.peak {
		t.peak = eq
	}
	if dd := drawdown(t.peak, eq); dd > t.maxDrawdown {
		t.maxDrawdown = dd
	}
	p := Point{Time: at, Equity: eq, Balance: t.balance, Peak: t.peak, Drawdown: t.maxDrawdown}
	t.points = append(t.points, p)
	return p
}

// Trades returns the recorded trades in close order.
func (t *Tracker) Trades() []position.Trade { return t.trades }

// Points returns the equity curve.
func (t *Tracker) Points() []Point { return t.points }

// Summary builds the run summary from the tracker's history.
func (t *Tracker) Summary() Summary {
	return Summarize(t.trades, t.points, t.initial)
}

func drawdown(peak, eq float64) float64 {
	if peak <= 0 {
		return 0
	}
	return (peak - eq) / peak * 100
}

// Summary is the JSON run report.
type Summary struct {
	RunID        string           `json:"run_id,omitempty"`
	Strategy     string           `json:"strategy,omitempty"`
	Symbol       string           `json:"symbol,omitempty"`
	TotalTrades  int              `json:"total_trades"`
	Wins         int              `json:"wins"`
	Losses       int              `json:"losses"`
	WinRate      float64          `json:"win_rate"`
	AvgWin       float64          `json:"avg_win"`
	AvgLoss      float64          `json:"avg_loss"`
	ProfitFactor float64          `json:"profit_factor"`
	TotalPnL     float64          `json:"total_pnl"`
	TotalFees    float64          `json:"total_fees"`
	Initial      float64          `json:"initial_balance"`
	FinalBalance float64          `json:"final_balance"`
	ReturnPct    float64          `json:"return_pct"`
	MaxDrawdown  float64          `json:"max_drawdown"`
	ExitReasons  map[string]int   `json:"exit_reasons,omitempty"`
	Trades       []position.Trade `json:"trades"`
}

// Summarize aggregates trades and an equity curve. It reads nothing else,
// so a summary can be rebuilt from persisted trades alone; with no points
// the drawdown is replayed from the trades' balances.
//
// WinRate is in percent. ProfitFactor is gross wins over gross losses and 0
// when there are no losing trades.
func Summarize(trades []position.Trade, points []Point, initial float64) Summary {
	s := Summary{
		TotalTrades:  len(trades),
		Initial:      initial,
		FinalBalance: initial,
		Trades:       trades,
	}
	if s.Trades == nil {
		s.Trades = []position.Trade{}
	}

	var grossWin, grossLoss float64
	for _, tr := range trades {
		s.TotalPnL += tr.PnL
		s.TotalFees += tr.Fee
		if tr.Win() {
			s.Wins++
			grossWin += tr.PnL
		} else {
			s.Losses++
			grossLoss -= tr.PnL
		}
		if tr.ExitReason != "" {
			if s.ExitReasons == nil {
				s.ExitReasons = make(map[string]int)
			}
			s.ExitReasons[string(tr.ExitReason)]++
		}
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TotalTrades) * 100
	}
	if s.Wins > 0 {
		s.AvgWin = grossWin / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = -grossLoss / float64(s.Losses)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	}

	s.FinalBalance = initial + s.TotalPnL
	if initial > 0 {
		s.ReturnPct = (s.FinalBalance - initial) / initial * 100
	}

	if len(points) > 0 {
		s.MaxDrawdown = MaxDrawdown(points, initial)
	} else {
		s.MaxDrawdown = MaxDrawdown(balancePoints(trades, initial), initial)
	}
	return s
}

// MaxDrawdown replays a curve from initial and returns the largest
// peak-to-trough decline in percent.
func MaxDrawdown(points []Point, initial float64) float64 {
	peak := initial
	var worst float64
	for _, p := range points {
		peak = math.Max(peak, p.Equity)
		if dd := drawdown(peak, p.Equity); dd > worst {
			worst = dd
		}
	}
	return worst
}

func balancePoints(trades []position.Trade, initial float64) []Point {
	out := make([]Point, 0, len(trades))
	bal := initial
	for _, tr := range trades {
		bal += tr.PnL
		out = append(out, Point{Time: tr.ClosedAt, Equity: bal, Balance: bal})
	}
	return out
}
