package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/leverage-trader/internal/position"
)

func TestMetrics_Observe(t *testing.T) {
	m := New("BTCUSDT")
	m.SetAccount(1000, 1012.5, 3.2)
	m.SetPosition(true)
	m.SetBreaker(true, 3)
	m.ObserveTrade(position.Trade{PnL: -12, ExitReason: position.ExitStopLoss})
	m.ObserveTrade(position.Trade{PnL: 30, ExitReason: position.ExitTakeProfit})
	m.ObserveTrade(position.Trade{PnL: -1, ExitReason: position.ExitStopLoss})
	m.ObserveSignal("LONG")
	m.ObserveRebalance("futures_to_spot")
	m.ObserveCycle(time.Second, errors.New("boom"))

	assert.Equal(t, 1012.5, testutil.ToFloat64(m.Equity))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PositionOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Halted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Trades.WithLabelValues("SL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Trades.WithLabelValues("TP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CycleErrors))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Signals))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetAccount(1, 1, 0)
		m.SetPosition(false)
		m.SetBreaker(false, 0)
		m.ObserveTrade(position.Trade{})
		m.ObserveSignal("SHORT")
		m.ObserveRebalance("spot_to_futures")
		m.ObserveCycle(time.Millisecond, nil)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New("BTCUSDT")
	m.SetAccount(500, 500, 0)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `trader_balance{symbol="BTCUSDT"} 500`)

	m.ObserveCycle(time.Millisecond, nil)
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	m.ObserveCycle(time.Millisecond, errors.New("exchange down"))
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "exchange down")
}
