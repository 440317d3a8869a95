package backtest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"

	"github.com/amirphl/leverage-trader/internal/equity"
	"github.com/amirphl/leverage-trader/internal/utils"
)

// printBacktestResults logs the summary and the last trades of a run.
func printBacktestResults(res Result) {
	log := utils.GetLogger()
	s := res.Summary
	log.Infof("Backtest | Results (%s on %s, run %s):", res.Config.Name, res.Config.Symbol, res.RunID)
	log.Infof("  Period=%s to %s, Steps=%d, Signals=%d, Rejected=%d",
		res.From.Format(time.RFC3339), res.To.Format(time.RFC3339), res.Steps, res.Signals, res.Rejected)
	printSummary(s)
	if res.Bankrupt {
		log.Warnf("  Run stopped early: account bankrupt")
	}

	const maxTrades = 10
	log.Infof("Trade Log Summary (Last %d trades):", maxTrades)
	first := len(s.Trades) - maxTrades
	if first < 0 {
		first = 0
	}
	for i := first; i < len(s.Trades); i++ {
		t := s.Trades[i]
		log.Infof("  Trade %d: %s Entry=%.2f at %s, Exit=%.2f at %s, PnL=%.2f, Reason=%s",
			i+1, t.Side, t.Entry, t.OpenedAt.Format(time.RFC3339),
			t.Exit, t.ClosedAt.Format(time.RFC3339), t.PnL, t.ExitReason)
	}
}

// printSummary logs the aggregate statistics shared by backtest and report mode.
func printSummary(s equity.Summary) {
	log := utils.GetLogger()
	log.Infof("  Trades=%d, Wins=%d, Losses=%d, WinRate=%.2f%%", s.TotalTrades, s.Wins, s.Losses, s.WinRate)
	log.Infof("  Starting Balance=%.2f, Final Balance=%.2f, Return=%.2f%%", s.Initial, s.FinalBalance, s.ReturnPct)
	log.Infof("  MaxDrawdown=%.2f%%, TotalPnL=%.2f, Fees=%.2f", s.MaxDrawdown, s.TotalPnL, s.TotalFees)
	log.Infof("  AvgWin=%.2f, AvgLoss=%.2f, ProfitFactor=%.2f", s.AvgWin, s.AvgLoss, s.ProfitFactor)

	reasons := make([]string, 0, len(s.ExitReasons))
	for r := range s.ExitReasons {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		log.Infof("  Exit %s: %d", r, s.ExitReasons[r])
	}
}

// saveBacktestResults writes <name>_summary.json, <name>_trades.csv and
// <name>_equity.csv to dir.
func saveBacktestResults(dir string, res Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	prefix := filepath.Join(dir, res.Config.Name)

	if err := writeJSON(prefix+"_summary.json", res.Summary); err != nil {
		return err
	}

	tradeRows := [][]string{{"id", "side", "entry_time", "entry_price", "exit_time", "exit_price",
		"stop_price", "target_price", "quantity", "gross_pnl", "fee", "pnl", "exit_reason", "balance_after"}}
	for _, t := range res.Summary.Trades {
		tradeRows = append(tradeRows, []string{
			t.ID,
			t.Side.String(),
			t.OpenedAt.Format(time.RFC3339),
			formatFloat(t.Entry),
			t.ClosedAt.Format(time.RFC3339),
			formatFloat(t.Exit),
			formatFloat(t.Stop),
			formatFloat(t.Target),
			formatFloat(t.Quantity),
			formatFloat(t.GrossPnL),
			formatFloat(t.Fee),
			formatFloat(t.PnL),
			string(t.ExitReason),
			formatFloat(t.BalanceAfter),
		})
	}

	equityRows := [][]string{{"time", "equity", "balance", "peak", "drawdown_pct"}}
	for _, p := range res.Points {
		equityRows = append(equityRows, []string{
			p.Time.Format(time.RFC3339),
			formatFloat(p.Equity),
			formatFloat(p.Balance),
			formatFloat(p.Peak),
			formatFloat(p.Drawdown),
		})
	}

	if err := saveCSV(prefix+"_trades.csv", tradeRows); err != nil {
		return err
	}
	return saveCSV(prefix+"_equity.csv", equityRows)
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.8f", v)
}

func writeJSON(filename string, v any) error {
	b, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filename, err)
	}
	if err := os.WriteFile(filename, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filename, err)
	}
	utils.GetLogger().Infof("Backtest | saved %s", filename)
	return nil
}

// saveCSV saves data to a CSV file
func saveCSV(filename string, rows [][]string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("creating CSV file %s: %w", filename, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("writing CSV file %s: %w", filename, err)
	}

	utils.GetLogger().Infof("Backtest | saved %s", filename)
	return nil
}
