package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/db"
	"github.com/amirphl/leverage-trader/internal/strategy"
	"github.com/amirphl/leverage-trader/internal/utils"
)

// Ranked is one row of the comparison table.
type Ranked struct {
	Rank         int     `json:"rank"`
	Preset       string  `json:"preset"`
	Trades       int     `json:"trades"`
	WinRate      float64 `json:"win_rate"`
	ReturnPct    float64 `json:"return_pct"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	ProfitFactor float64 `json:"profit_factor"`
	Bankrupt     bool    `json:"bankrupt"`
}

// CompareResults holds the runs of several presets over the same history.
type CompareResults struct {
	Symbol         string             `json:"symbol"`
	Results        map[string]Result  `json:"results"`
	Ranking        []Ranked           `json:"ranking"`
	OverallMetrics map[string]float64 `json:"overall_metrics"`
	Errors         map[string]string  `json:"errors,omitempty"`
	StartTime      time.Time          `json:"start_time"`
	EndTime        time.Time          `json:"end_time"`
	SuccessfulRuns int                `json:"successful_runs"`
	FailedRuns     int                `json:"failed_runs"`
}

// Compare runs, prints and saves a preset comparison. It fails only when
// every preset failed.
func Compare(ctx context.Context, cfgs []strategy.Config, opts Options, storage db.CandleStore) (CompareResults, error) {
	results := RunCompare(ctx, cfgs, opts, NewLoader(opts.Load, storage))
	printCompareSummary(results)
	if results.SuccessfulRuns == 0 {
		return results, fmt.Errorf("all %d presets failed", len(cfgs))
	}
	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
			return results, fmt.Errorf("creating output dir: %w", err)
		}
		if err := saveCompareResults(opts.OutputDir, results); err != nil {
			return results, err
		}
	}
	return results, nil
}

// RunCompare backtests every config over history from one loader and ranks
// them by return. A preset that fails to load or run is counted and skipped.
func RunCompare(ctx context.Context, cfgs []strategy.Config, opts Options, loader *Loader) CompareResults {
	results := CompareResults{
		Results:        make(map[string]Result),
		OverallMetrics: make(map[string]float64),
		Errors:         make(map[string]string),
		StartTime:      time.Now(),
	}
	if len(cfgs) > 0 {
		results.Symbol = cfgs[0].Symbol
	}

	for i, cfg := range cfgs {
		if err := ctx.Err(); err != nil {
			results.Errors[cfg.Name] = err.Error()
			results.FailedRuns++
			continue
		}
		utils.GetLogger().Infof("Compare | [%d/%d] running %s", i+1, len(cfgs), cfg.Name)

		strat, err := strategy.New(cfg)
		if err == nil {
			var series map[string][]candle.Candle
			series, err = loader.Load(ctx, cfg)
			if err == nil {
				var res Result
				res, err = Run(strat, series, opts.Initial)
				if err == nil {
					results.Results[cfg.Name] = res
					results.SuccessfulRuns++
					continue
				}
			}
		}
		utils.GetLogger().Errorf("Compare | %s failed: %v", cfg.Name, err)
		results.Errors[cfg.Name] = err.Error()
		results.FailedRuns++
	}

	results.EndTime = time.Now()
	results.Ranking = rank(results.Results)
	calculateOverallMetrics(&results)
	return results
}

// rank orders presets by return, then drawdown, then name.
func rank(results map[string]Result) []Ranked {
	rows := make([]Ranked, 0, len(results))
	for name, r := range results {
		s := r.Summary
		rows = append(rows, Ranked{
			Preset:       name,
			Trades:       s.TotalTrades,
			WinRate:      s.WinRate,
			ReturnPct:    s.ReturnPct,
			MaxDrawdown:  s.MaxDrawdown,
			ProfitFactor: s.ProfitFactor,
			Bankrupt:     r.Bankrupt,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ReturnPct != rows[j].ReturnPct {
			return rows[i].ReturnPct > rows[j].ReturnPct
		}
		if rows[i].MaxDrawdown != rows[j].MaxDrawdown {
			return rows[i].MaxDrawdown < rows[j].MaxDrawdown
		}
		return rows[i].Preset < rows[j].Preset
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows
}

// calculateOverallMetrics calculates aggregate metrics across all presets
func calculateOverallMetrics(results *CompareResults) {
	if len(results.Results) == 0 {
		return
	}

	var (
		totalTrades       int
		totalWins         int
		totalPnL          float64
		totalMaxDrawdown  float64
		totalReturn       float64
		profitablePresets int
	)
	for _, r := range results.Results {
		s := r.Summary
		totalTrades += s.TotalTrades
		totalWins += s.Wins
		totalPnL += s.TotalPnL
		totalMaxDrawdown += s.MaxDrawdown
		totalReturn += s.ReturnPct
		if s.FinalBalance > s.Initial {
			profitablePresets++
		}
	}

	n := float64(len(results.Results))
	results.OverallMetrics["total_trades"] = float64(totalTrades)
	results.OverallMetrics["total_wins"] = float64(totalWins)
	if totalTrades > 0 {
		results.OverallMetrics["overall_win_rate"] = float64(totalWins) / float64(totalTrades) * 100
	}
	results.OverallMetrics["total_pnl"] = totalPnL
	results.OverallMetrics["avg_return_pct"] = totalReturn / n
	results.OverallMetrics["avg_max_drawdown"] = totalMaxDrawdown / n
	results.OverallMetrics["profitable_presets_count"] = float64(profitablePresets)
	results.OverallMetrics["profitable_presets_ratio"] = float64(profitablePresets) / n
}

// printCompareSummary prints the ranking table
func printCompareSummary(results CompareResults) {
	log := utils.GetLogger()
	log.Infof("===== PRESET COMPARISON (%s) =====", results.Symbol)
	log.Infof("Duration: %v, Successful: %d, Failed: %d",
		results.EndTime.Sub(results.StartTime).Round(time.Millisecond), results.SuccessfulRuns, results.FailedRuns)
	log.Infof("%-4s %-16s %7s %9s %10s %9s %8s", "#", "preset", "trades", "win%", "return%", "maxDD%", "PF")
	for _, r := range results.Ranking {
		flag := ""
		if r.Bankrupt {
			flag = " (bankrupt)"
		}
		log.Infof("%-4d %-16s %7d %9.2f %10.2f %9.2f %8.2f%s",
			r.Rank, r.Preset, r.Trades, r.WinRate, r.ReturnPct, r.MaxDrawdown, r.ProfitFactor, flag)
	}
	log.Infof("Overall Win Rate: %.2f%%, Avg Return: %.2f%%, Profitable: %.0f/%d",
		results.OverallMetrics["overall_win_rate"], results.OverallMetrics["avg_return_pct"],
		results.OverallMetrics["profitable_presets_count"], results.SuccessfulRuns)
	for name, msg := range results.Errors {
		log.Warnf("  %s: %s", name, msg)
	}
}

// saveCompareResults writes compare_<symbol>.json to dir.
func saveCompareResults(dir string, results CompareResults) error {
	return writeJSON(filepath.Join(dir, "compare_"+results.Symbol+".json"), results)
}
