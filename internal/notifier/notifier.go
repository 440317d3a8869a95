// Package notifier
package notifier

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/strategy"
	"github.com/amirphl/leverage-trader/internal/utils"
)

// Notifier interface for sending notifications (e.g., Telegram, stdout).
type Notifier interface {
	Send(msg string) error
}

// SendWithRetry makes up to attempts delivery tries, sleeping delay between them.
func SendWithRetry(n Notifier, msg string, attempts int, delay time.Duration) error {
	if n == nil {
		return nil
	}
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = n.Send(msg); err == nil {
			return nil
		}
		utils.GetLogger().Warnf("Notifier | send attempt %d/%d failed: %v", i, attempts, err)
		if i < attempts {
			time.Sleep(delay)
		}
	}
	return errors.Wrapf(err, "notification not delivered after %d attempts", attempts)
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(msg string) error {
	var failed []string
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(msg); err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("notify: %s", strings.Join(failed, "; "))
	}
	return nil
}

// Stdout writes notifications to the process log.
type Stdout struct{}

func NewStdout() *Stdout { return &Stdout{} }

func (s *Stdout) Send(msg string) error {
	utils.GetLogger().Infof("Notifier | %s", strings.ReplaceAll(msg, "\n", " | "))
	return nil
}

// Memory keeps messages in order. Used by tests and dry runs.
type Memory struct {
	mu   sync.Mutex
	msgs []string
}

func (m *Memory) Send(msg string) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.msgs...)
}

// Message formatters. Output is Telegram HTML.

func FormatStartup(symbol, strat string, leverage int, futures, spot float64, signalOnly bool) string {
	mode := "live"
	if signalOnly {
		mode = "signal-only"
	}
	return fmt.Sprintf("🤖 <b>Trader started</b> (%s)\nSymbol: %s\nStrategy: %s\nLeverage: %dx\nFutures: $%.2f\nSpot: $%.2f",
		mode, symbol, strat, leverage, futures, spot)
}

func FormatEntry(p position.Position, rr float64) string {
	return fmt.Sprintf("🚀 <b>%s entry</b> %s\nEntry: $%.2f\nQty: %s\nStop: $%.2f\nTarget: $%.2f\nR:R 1:%.1f\nReason: %s",
		p.Side, p.Symbol, p.Entry, trimFloat(p.Quantity), p.Stop, p.Target, rr, p.Reason)
}

func FormatSignal(sig strategy.Signal, symbol string) string {
	return fmt.Sprintf("📡 <b>%s signal</b> %s (%s)\nEntry: $%.2f\nStop: $%.2f\nTarget: $%.2f\nReason: %s",
		sig.Side, symbol, sig.Strategy, sig.Entry, sig.Stop, sig.Target, sig.Reason)
}

func FormatExit(t position.Trade, consecutiveLosses int) string {
	emoji := "❌"
	if t.Win() {
		emoji = "✅"
	}
	return fmt.Sprintf("%s <b>Position closed</b> %s\nSide: %s\nEntry: $%.2f\nExit: $%.2f\nPnL: $%.2f\nReason: %s\nConsecutive losses: %d",
		emoji, t.Symbol, t.Side, t.Entry, t.Exit, t.PnL, t.ExitReason, consecutiveLosses)
}

func FormatHalt(losses int) string {
	return fmt.Sprintf("🚨 <b>Trading halted</b>\n%d consecutive losses.\nNew entries are blocked until the halt is cleared.", losses)
}

func FormatRebalance(from, to string, amount, futures float64) string {
	return fmt.Sprintf("💸 <b>Rebalance</b>\nMoved $%.2f %s → %s\nFutures balance: $%.2f", amount, from, to, futures)
}

func FormatInsufficientSpot(needed, available float64) string {
	return fmt.Sprintf("⚠️ Spot balance too low to top up futures. Needed: $%.2f, available: $%.2f", needed, available)
}

func FormatError(err error) string {
	return fmt.Sprintf("⚠️ Error: %v", err)
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.8f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
