package gateway

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"optionflow/internal/clock"
	"optionflow/internal/models"
)

// HTTPBars fetches minute aggregates from the market-data API and caches
// each (symbol, date) series in memory and on disk. Backtests replay the
// same days repeatedly; without the disk cache every run would re-download
// the full window.
type HTTPBars struct {
	client   *http.Client
	baseURL  string
	token    string
	cacheDir string
	loc      *time.Location
	limiter  *rate.Limiter

	mu  sync.Mutex
	mem map[string][]models.Bar
}

// HTTPBarsOption customizes the client.
type HTTPBarsOption func(*HTTPBars)

// WithBarsHTTPClient replaces the underlying HTTP client.
func WithBarsHTTPClient(c *http.Client) HTTPBarsOption {
	return func(b *HTTPBars) { b.client = c }
}

// WithBarsRateLimit throttles outbound requests.
func WithBarsRateLimit(r float64, burst int) HTTPBarsOption {
	return func(b *HTTPBars) {
		if r > 0 {
			if burst <= 0 {
				burst = 1
			}
			b.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// NewHTTPBars returns a bar source. cacheDir may be empty to disable the
// disk cache.
func NewHTTPBars(baseURL, token, cacheDir string, opts ...HTTPBarsOption) *HTTPBars {
	b := &HTTPBars{
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		cacheDir: cacheDir,
		loc:      clock.Eastern(),
		mem:      make(map[string][]models.Bar),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// MinuteBars implements BarSource.
func (b *HTTPBars) MinuteBars(ctx context.Context, symbol, dateEastern string) ([]models.Bar, error) {
	key := symbol + "|" + dateEastern

	b.mu.Lock()
	if bars, ok := b.mem[key]; ok {
		b.mu.Unlock()
		return bars, nil
	}
	b.mu.Unlock()

	if bars, err := b.readDisk(symbol, dateEastern); err == nil {
		b.mu.Lock()
		b.mem[key] = bars
		b.mu.Unlock()
		return bars, nil
	}

	bars, err := b.fetch(ctx, symbol, dateEastern)
	if err != nil {
		return nil, err
	}

	// Cache writes are best effort; the fetch already succeeded.
	_ = b.writeDisk(symbol, dateEastern, bars)
	b.mu.Lock()
	b.mem[key] = bars
	b.mu.Unlock()
	return bars, nil
}

func (b *HTTPBars) fetch(ctx context.Context, symbol, dateEastern string) ([]models.Bar, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/minute/%s/%s?adjusted=true&sort=asc&limit=50000",
		url.PathEscape(symbol), dateEastern, dateEastern)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building bars request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading bars response: %v", ErrNetwork, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrSymbolUnknown, symbol)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, &APIError{Status: resp.StatusCode, Body: string(raw)})
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	var payload struct {
		Results []struct {
			T int64   `json:"t"` // epoch millis
			O float64 `json:"o"`
			H float64 `json:"h"`
			L float64 `json:"l"`
			C float64 `json:"c"`
			V float64 `json:"v"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding bars response: %w", err)
	}

	bars := make([]models.Bar, 0, len(payload.Results))
	for _, r := range payload.Results {
		bars = append(bars, models.Bar{
			Time:   time.UnixMilli(r.T).In(b.loc),
			Open:   r.O,
			High:   r.H,
			Low:    r.L,
			Close:  r.C,
			Volume: r.V,
		})
	}
	return bars, nil
}

func (b *HTTPBars) cachePath(symbol, dateEastern string) string {
	return filepath.Join(b.cacheDir, fmt.Sprintf("%s_%s.csv", symbol, dateEastern))
}

func (b *HTTPBars) readDisk(symbol, dateEastern string) ([]models.Bar, error) {
	if b.cacheDir == "" {
		return nil, os.ErrNotExist
	}
	f, err := os.Open(b.cachePath(symbol, dateEastern))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) != 6 {
			return nil, fmt.Errorf("bad cache row in %s", b.cachePath(symbol, dateEastern))
		}
		t, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			return nil, err
		}
		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			if vals[i], err = strconv.ParseFloat(row[i+1], 64); err != nil {
				return nil, err
			}
		}
		bars = append(bars, models.Bar{
			Time: t.In(b.loc), Open: vals[0], High: vals[1], Low: vals[2],
			Close: vals[3], Volume: vals[4],
		})
	}
	return bars, nil
}

func (b *HTTPBars) writeDisk(symbol, dateEastern string, bars []models.Bar) error {
	if b.cacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(b.cacheDir, 0o755); err != nil {
		return err
	}

	// Write via temp file so a crash never leaves a truncated cache entry.
	tmp, err := os.CreateTemp(b.cacheDir, "bars-*.tmp")
	if err != nil {
		return err
	}
	w := csv.NewWriter(tmp)
	for _, bar := range bars {
		row := []string{
			bar.Time.Format(time.RFC3339),
			strconv.FormatFloat(bar.Open, 'f', -1, 64),
			strconv.FormatFloat(bar.High, 'f', -1, 64),
			strconv.FormatFloat(bar.Low, 'f', -1, 64),
			strconv.FormatFloat(bar.Close, 'f', -1, 64),
			strconv.FormatFloat(bar.Volume, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), b.cachePath(symbol, dateEastern))
}

// StaticBars is a BarSource backed by a fixed map, used by backtests fed
// from files and by tests.
type StaticBars struct {
	mu   sync.RWMutex
	data map[string][]models.Bar
}

// NewStaticBars returns an empty source.
func NewStaticBars() *StaticBars {
	return &StaticBars{data: make(map[string][]models.Bar)}
}

// Add registers bars for the symbol and date.
func (s *StaticBars) Add(symbol, dateEastern string, bars []models.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[symbol+"|"+dateEastern] = bars
}

// MinuteBars implements BarSource. Unknown (symbol, date) pairs yield an
// empty series, which the caller's gap policy handles.
func (s *StaticBars) MinuteBars(_ context.Context, symbol, dateEastern string) ([]models.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[symbol+"|"+dateEastern], nil
}

var (
	_ BarSource = (*HTTPBars)(nil)
	_ BarSource = (*StaticBars)(nil)
)
