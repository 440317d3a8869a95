package notifier

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/strategy"
)

type failing struct{ calls int }

func (f *failing) Send(string) error {
	f.calls++
	return errors.New("down")
}

func TestSendWithRetry(t *testing.T) {
	f := &failing{}
	err := SendWithRetry(f, "hi", 3, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, f.calls)

	m := &Memory{}
	require.NoError(t, SendWithRetry(m, "hi", 3, time.Millisecond))
	assert.Equal(t, []string{"hi"}, m.Messages())

	assert.NoError(t, SendWithRetry(nil, "hi", 1, 0))
}

func TestMulti(t *testing.T) {
	m := &Memory{}
	err := Multi{m, &failing{}, nil}.Send("x")
	assert.Error(t, err)
	assert.Equal(t, []string{"x"}, m.Messages(), "healthy sinks still receive")
}

func TestFormatters(t *testing.T) {
	tr := position.Trade{Symbol: "BTCUSDT", Side: strategy.Long, Entry: 100, Exit: 95, PnL: -5.5, ExitReason: position.ExitStopLoss}
	msg := FormatExit(tr, 2)
	assert.Contains(t, msg, "❌")
	assert.Contains(t, msg, "PnL: $-5.50")
	assert.Contains(t, msg, "Reason: SL")
	assert.Contains(t, msg, "Consecutive losses: 2")

	entry := FormatEntry(position.Position{Symbol: "BTCUSDT", Side: strategy.Short, Entry: 100, Stop: 101, Target: 97, Quantity: 0.0150}, 3)
	assert.Contains(t, entry, "SHORT entry")
	assert.Contains(t, entry, "Qty: 0.015\n")
	assert.Contains(t, entry, "R:R 1:3.0")

	assert.Contains(t, FormatHalt(3), "3 consecutive losses")
	assert.Contains(t, FormatInsufficientSpot(50, 20), "Needed: $50.00")
}

func TestTelegramNotifier(t *testing.T) {
	var mu sync.Mutex
	var sent url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"t","username":"t_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			sent = r.PostForm
			mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			_, _ = io.WriteString(w, `{"ok":false,"error_code":404,"description":"not found"}`)
		}
	}))
	defer srv.Close()

	n, err := NewTelegramNotifierWithEndpoint("TOKEN", 42, srv.URL+"/bot%s/%s")
	require.NoError(t, err)
	require.NoError(t, n.Send("<b>hello</b>"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "42", sent.Get("chat_id"))
	assert.Equal(t, "<b>hello</b>", sent.Get("text"))
	assert.Equal(t, "HTML", sent.Get("parse_mode"))

	_, err = NewTelegramNotifierWithEndpoint("", 42, srv.URL+"/bot%s/%s")
	assert.Error(t, err)
}
