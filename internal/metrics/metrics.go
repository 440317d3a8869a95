// Package metrics exposes live trading gauges and counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/utils"
)

// Metrics holds all Prometheus metrics of one live loop. A nil *Metrics is
// a valid no-op.
type Metrics struct {
	Balance           prometheus.Gauge
	Equity            prometheus.Gauge
	Drawdown          prometheus.Gauge
	PositionOpen      prometheus.Gauge
	Halted            prometheus.Gauge
	ConsecutiveLosses prometheus.Gauge

	Trades      *prometheus.CounterVec // labels: exit_reason
	TradePnL    prometheus.Histogram
	Signals     *prometheus.CounterVec // labels: side
	Rebalances  *prometheus.CounterVec // labels: direction
	CycleErrors prometheus.Counter
	CycleDur    prometheus.Histogram

	registry *prometheus.Registry

	mu        sync.RWMutex
	lastCycle time.Time
	lastErr   string
}

// New registers every metric on a private registry with a symbol label.
func New(symbol string) *Metrics {
	labels := prometheus.Labels{"symbol": symbol}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
	}

	m := &Metrics{
		Balance:           gauge("trader_balance", "Account balance in quote currency"),
		Equity:            gauge("trader_equity", "Balance plus unrealized PnL"),
		Drawdown:          gauge("trader_drawdown_pct", "Drawdown from the running equity peak"),
		PositionOpen:      gauge("trader_position_open", "1 while a position is open"),
		Halted:            gauge("trader_halted", "1 while the consecutive-loss breaker blocks entries"),
		ConsecutiveLosses: gauge("trader_consecutive_losses", "Current losing streak"),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_trades_total", Help: "Closed trades by exit reason", ConstLabels: labels,
		}, []string{"exit_reason"}),
		TradePnL: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "trader_trade_pnl", Help: "Realized PnL per trade", ConstLabels: labels,
			Buckets: []float64{-500, -100, -50, -10, -1, 0, 1, 10, 50, 100, 500},
		}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_total", Help: "Signals produced by side", ConstLabels: labels,
		}, []string{"side"}),
		Rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_rebalances_total", Help: "Wallet transfers by direction", ConstLabels: labels,
		}, []string{"direction"}),
		CycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_cycle_errors_total", Help: "Live cycles aborted by an error", ConstLabels: labels,
		}),
		CycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "trader_cycle_duration_seconds", Help: "Wall time of one live cycle", ConstLabels: labels,
			Buckets: prometheus.DefBuckets,
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.Balance, m.Equity, m.Drawdown, m.PositionOpen, m.Halted, m.ConsecutiveLosses,
		m.Trades, m.TradePnL, m.Signals, m.Rebalances, m.CycleErrors, m.CycleDur,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SetAccount(balance, equity, drawdown float64) {
	if m == nil {
		return
	}
	m.Balance.Set(balance)
	m.Equity.Set(equity)
	m.Drawdown.Set(drawdown)
}

func (m *Metrics) SetPosition(open bool) {
	if m == nil {
		return
	}
	m.PositionOpen.Set(boolGauge(open))
}

func (m *Metrics) SetBreaker(halted bool, losses int) {
	if m == nil {
		return
	}
	m.Halted.Set(boolGauge(halted))
	m.ConsecutiveLosses.Set(float64(losses))
}

func (m *Metrics) ObserveTrade(t position.Trade) {
	if m == nil {
		return
	}
	m.Trades.WithLabelValues(string(t.ExitReason)).Inc()
	m.TradePnL.Observe(t.PnL)
}

func (m *Metrics) ObserveSignal(side string) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(side).Inc()
}

func (m *Metrics) ObserveRebalance(direction string) {
	if m == nil {
		return
	}
	m.Rebalances.WithLabelValues(direction).Inc()
}

// ObserveCycle records one finished cycle.
func (m *Metrics) ObserveCycle(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.CycleDur.Observe(d.Seconds())
	m.mu.Lock()
	m.lastCycle = time.Now()
	m.lastErr = ""
	if err != nil {
		m.lastErr = err.Error()
	}
	m.mu.Unlock()
	if err != nil {
		m.CycleErrors.Inc()
	}
}

// ServeHTTP handles the /healthz endpoint.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	status := struct {
		Status    string `json:"status"`
		LastCycle string `json:"last_cycle,omitempty"`
		LastError string `json:"last_error,omitempty"`
	}{Status: "healthy", LastError: m.lastErr}
	if !m.lastCycle.IsZero() {
		status.LastCycle = m.lastCycle.UTC().Format(time.RFC3339)
	}
	m.mu.RUnlock()

	code := http.StatusOK
	if status.LastError != "" {
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	body, _ := sonic.Marshal(status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	mux.Handle("/healthz", m)
	return mux
}

// Serve runs the metrics server until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		utils.GetLogger().Infof("Metrics | listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
