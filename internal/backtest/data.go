package backtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/db"
	"github.com/amirphl/leverage-trader/internal/exchange"
	"github.com/amirphl/leverage-trader/internal/strategy"
	"github.com/amirphl/leverage-trader/internal/tfutils"
	"github.com/amirphl/leverage-trader/internal/utils"
)

// Data sources.
const (
	SourceCSV     = "csv"
	SourceBinance = "binance"
	SourceDB      = "db"
)

const (
	binancePublicURL = "https://api.binance.com"
	klinesPageLimit  = 1000
)

// LoadOptions select where history comes from.
type LoadOptions struct {
	Source string
	Symbol string
	From   time.Time
	To     time.Time

	// FinePath holds the entry timeframe, CoarsePath the trend timeframe.
	// Other timeframes are resampled from the fine series.
	FinePath        string
	CoarsePath      string
	FineTimeframe   string
	CoarseTimeframe string

	BaseURL   string
	ProxyURL  string
	RateLimit time.Duration
	Retry     exchange.RetryPolicy
}

// Loader resolves every timeframe a strategy reads and caches each series,
// so a compare run over several presets reads or downloads it once.
type Loader struct {
	opts    LoadOptions
	storage db.CandleStore
	cache   map[string][]candle.Candle
}

// NewLoader builds a Loader. storage may be nil for the csv source.
func NewLoader(opts LoadOptions, storage db.CandleStore) *Loader {
	if opts.Source == "" {
		opts.Source = SourceCSV
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = exchange.DefaultRetryPolicy()
	}
	return &Loader{opts: opts, storage: storage, cache: make(map[string][]candle.Candle)}
}

// Load returns one series per timeframe cfg reads.
func (l *Loader) Load(ctx context.Context, cfg strategy.Config) (map[string][]candle.Candle, error) {
	symbol := l.opts.Symbol
	if symbol == "" {
		symbol = cfg.Symbol
	}
	fineTF := l.opts.FineTimeframe
	if fineTF == "" {
		fineTF = cfg.EntryTimeframe
	}
	coarseTF := l.opts.CoarseTimeframe
	if coarseTF == "" {
		coarseTF = cfg.Trend()
	}

	out := make(map[string][]candle.Candle)
	for _, tf := range cfg.Timeframes() {
		s, err := l.series(ctx, symbol, tf, fineTF, coarseTF)
		if err != nil {
			return nil, err
		}
		out[tf] = s
	}
	return out, nil
}

func (l *Loader) series(ctx context.Context, symbol, tf, fineTF, coarseTF string) ([]candle.Candle, error) {
	key := symbol + "/" + tf
	if s, ok := l.cache[key]; ok {
		return s, nil
	}

	var (
		s   []candle.Candle
		err error
	)
	switch l.opts.Source {
	case SourceCSV:
		switch {
		case tf == fineTF && l.opts.FinePath != "":
			s, err = candle.LoadCSV(l.opts.FinePath, symbol, tf)
		case tf == coarseTF && l.opts.CoarsePath != "":
			s, err = candle.LoadCSV(l.opts.CoarsePath, symbol, tf)
		case tfutils.IsCoarser(tf, fineTF) && l.opts.FinePath != "":
			var fine []candle.Candle
			if fine, err = l.series(ctx, symbol, fineTF, fineTF, coarseTF); err == nil {
				s, err = candle.Resample(fine, tf)
			}
		default:
			err = fmt.Errorf("no csv input for %s candles", tf)
		}
		if err == nil {
			s = between(s, l.opts.From, l.opts.To)
		}
	case SourceBinance:
		s, err = loadBacktestCandles(ctx, l.storage, NewDownloader(l.opts), symbol, tf, l.opts.From, l.opts.To)
	case SourceDB:
		if l.storage == nil {
			return nil, fmt.Errorf("source db needs a storage backend")
		}
		s, err = l.storage.GetCandles(ctx, symbol, tf, l.opts.From, endOrNow(l.opts.To))
		if err == nil && len(s) == 0 {
			err = fmt.Errorf("no %s %s candles stored between %s and %s", symbol, tf,
				l.opts.From.Format(time.RFC3339), endOrNow(l.opts.To).Format(time.RFC3339))
		}
	default:
		err = fmt.Errorf("unknown data source %q", l.opts.Source)
	}
	if err != nil {
		return nil, err
	}

	l.cache[key] = s
	return s, nil
}

func endOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// between keeps candles opening in [from, to); zero bounds are open.
func between(candles []candle.Candle, from, to time.Time) []candle.Candle {
	if from.IsZero() && to.IsZero() {
		return candles
	}
	out := make([]candle.Candle, 0, len(candles))
	for _, c := range candles {
		if !from.IsZero() && c.OpenTime.Before(from) {
			continue
		}
		if !to.IsZero() && !c.OpenTime.Before(to) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// loadBacktestCandles loads candles for backtesting, downloading from the
// public API when the store has none for the range.
func loadBacktestCandles(
	ctx context.Context,
	storage db.CandleStore,
	dl *Downloader,
	symbol, timeframe string,
	from, to time.Time,
) ([]candle.Candle, error) {
	if from.IsZero() {
		return nil, fmt.Errorf("source binance needs a start date")
	}
	to = endOrNow(to)

	if storage != nil {
		candles, err := storage.GetCandles(ctx, symbol, timeframe, from, to)
		if err != nil {
			return nil, fmt.Errorf("loadBacktestCandles | error loading candles from database: %w", err)
		}
		if len(candles) > 0 {
			utils.GetLogger().Infof("Backtest | [%s] using %d stored %s candles", symbol, len(candles), timeframe)
			return candles, nil
		}
		utils.GetLogger().Infof("Backtest | [%s] no stored %s candles, downloading from public API", symbol, timeframe)
	}

	downloaded, err := dl.Download(ctx, symbol, timeframe, from, to)
	if err != nil {
		return nil, err
	}
	if len(downloaded) == 0 {
		return nil, fmt.Errorf("no candles available for %s from %s to %s",
			symbol, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	// Process downloaded candles (sort, trim, generate missing, eliminate duplicates)
	processed := processCandles(downloaded, symbol, timeframe, from, to)

	if storage != nil && len(processed) > 0 {
		saveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = storage.SaveCandles(saveCtx, processed)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("error saving candles to database: %w", err)
		}
		utils.GetLogger().Infof("Backtest | [%s] saved %d processed %s candles", symbol, len(processed), timeframe)
	}
	return processed, nil
}

// Downloader pages through the public klines endpoint.
type Downloader struct {
	baseURL   string
	client    *http.Client
	retry     exchange.RetryPolicy
	rateLimit time.Duration
	proxyErr  error
}

func NewDownloader(opts LoadOptions) *Downloader {
	transport := &http.Transport{}
	var proxyErr error
	if opts.ProxyURL != "" {
		proxyParsed, err := url.Parse(opts.ProxyURL)
		if err != nil {
			proxyErr = fmt.Errorf("invalid proxy URL: %w", err)
		} else {
			transport.Proxy = http.ProxyURL(proxyParsed)
		}
	}
	base := opts.BaseURL
	if base == "" {
		base = binancePublicURL
	}
	retry := opts.Retry
	if retry.Attempts == 0 {
		retry = exchange.DefaultRetryPolicy()
	}
	return &Downloader{
		baseURL:   strings.TrimRight(base, "/"),
		client:    &http.Client{Timeout: 30 * time.Second, Transport: transport},
		retry:     retry,
		rateLimit: opts.RateLimit,
		proxyErr:  proxyErr,
	}
}

// Download fetches every candle opening in [from, to), klinesPageLimit per
// request, waiting rateLimit between requests.
func (d *Downloader) Download(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]candle.Candle, error) {
	if d.proxyErr != nil {
		return nil, d.proxyErr
	}
	step := tfutils.GetTimeframeDuration(timeframe)
	if step == 0 {
		return nil, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}

	var ticker *time.Ticker
	if d.rateLimit > 0 {
		ticker = time.NewTicker(d.rateLimit)
		defer ticker.Stop()
	}

	var all []candle.Candle
	for cursor := from; cursor.Before(to); {
		if ticker != nil && len(all) > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
		}

		var page []candle.Candle
		err := d.retry.Do(ctx, "DownloadKlines", func() error {
			var err error
			page, err = d.fetchPage(ctx, symbol, timeframe, cursor, to)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("error fetching candles from %s: %w", cursor.Format(time.RFC3339), err)
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)

		next := page[len(page)-1].OpenTime.Add(step)
		utils.GetLogger().Infof("Backtest | [%s] downloaded %d %s candles up to %s",
			symbol, len(page), timeframe, next.Format(time.RFC3339))
		if !next.After(cursor) || len(page) < klinesPageLimit {
			break
		}
		cursor = next
	}
	return all, nil
}

func (d *Downloader) fetchPage(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	q := url.Values{}
	q.Set("symbol", exchange.NormalizeSymbol(symbol))
	q.Set("interval", timeframe)
	q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(end.UnixMilli()-1, 10))
	q.Set("limit", strconv.Itoa(klinesPageLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/v3/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", exchange.ErrNotRetryable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "leverage-trader/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &exchange.HTTPError{Status: resp.StatusCode, Msg: string(body)}
	}

	var rows [][]any
	if err := sonic.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("JSON decode error: %w", err)
	}

	candles := make([]candle.Candle, 0, len(rows))
	for _, raw := range rows {
		if len(raw) < 6 {
			continue
		}
		ts, ok := parseNum(raw[0])
		if !ok {
			continue
		}
		c := candle.Candle{
			OpenTime:  time.UnixMilli(int64(ts)).UTC(),
			Symbol:    symbol,
			Timeframe: timeframe,
		}
		fields := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
		valid := true
		for i, f := range fields {
			if *f, ok = parseNum(raw[i+1]); !ok {
				valid = false
			}
		}
		if !valid || c.Validate() != nil {
			utils.GetLogger().Warnf("Backtest | [%s] skipping invalid kline at %d", symbol, int64(ts))
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// parseNum accepts the JSON number and string encodings Binance mixes.
func parseNum(val any) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// processCandles sorts, trims, generates missing candles, and eliminates duplicates
func processCandles(candles []candle.Candle, symbol, timeframe string, start, to time.Time) []candle.Candle {
	if len(candles) == 0 {
		return candles
	}
	duration := tfutils.GetTimeframeDuration(timeframe)

	// Only keep the first occurrence of each aligned open time
	byTime := make(map[time.Time]candle.Candle, len(candles))
	for _, c := range candles {
		c.OpenTime = c.OpenTime.Truncate(duration)
		if _, exists := byTime[c.OpenTime]; !exists {
			byTime[c.OpenTime] = c
		}
	}

	var trimmed []candle.Candle
	for ts, c := range byTime {
		if !ts.Before(start) && ts.Before(to) {
			trimmed = append(trimmed, c)
		}
	}
	sort.Slice(trimmed, func(i, j int) bool {
		return trimmed[i].OpenTime.Before(trimmed[j].OpenTime)
	})
	if len(trimmed) == 0 {
		return trimmed
	}

	// Gaps are filled with flat zero-volume candles at the previous close
	complete := make([]candle.Candle, 0, len(trimmed))
	basePrice := trimmed[0].Close
	i := 0
	for cur := trimmed[0].OpenTime; !cur.After(trimmed[len(trimmed)-1].OpenTime); cur = cur.Add(duration) {
		if i < len(trimmed) && trimmed[i].OpenTime.Equal(cur) {
			complete = append(complete, trimmed[i])
			basePrice = trimmed[i].Close
			i++
			continue
		}
		complete = append(complete, candle.Candle{
			OpenTime:  cur,
			Open:      basePrice,
			High:      basePrice,
			Low:       basePrice,
			Close:     basePrice,
			Symbol:    symbol,
			Timeframe: timeframe,
		})
	}
	return complete
}
