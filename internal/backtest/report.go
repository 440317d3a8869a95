package backtest

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/amirphl/leverage-trader/internal/db"
	"github.com/amirphl/leverage-trader/internal/equity"
	"github.com/amirphl/leverage-trader/internal/utils"
)

// Report rebuilds a summary from persisted trades without replaying any
// candles. When initial is zero it is recovered from the first trade's
// balance before that trade.
func Report(ctx context.Context, store db.TradeStore, filter db.TradeFilter, initial float64) (equity.Summary, error) {
	trades, err := store.GetTrades(ctx, filter)
	if err != nil {
		return equity.Summary{}, fmt.Errorf("loading trades: %w", err)
	}
	if initial <= 0 && len(trades) > 0 {
		initial = trades[0].BalanceAfter - trades[0].PnL
	}
	if initial <= 0 {
		return equity.Summary{}, fmt.Errorf("initial balance unknown for %d trades", len(trades))
	}

	s := equity.Summarize(trades, nil, initial)
	s.RunID = filter.RunID
	s.Strategy = filter.Strategy
	s.Symbol = filter.Symbol

	utils.GetLogger().Infof("Report | %d trades (run=%q symbol=%q strategy=%q)",
		len(trades), filter.RunID, filter.Symbol, filter.Strategy)
	printSummary(s)
	return s, nil
}

// SaveReport writes report.json into dir.
func SaveReport(dir string, s equity.Summary) error {
	return writeJSON(filepath.Join(dir, "report.json"), s)
}
