package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"optionflow/internal/models"
)

// Live is the production Gateway over the broker's REST API. Orders carry
// the client ID as the broker-side order tag, which the venue deduplicates,
// so PlaceOrder stays idempotent across process restarts.
type Live struct {
	client    *http.Client
	baseURL   string
	token     string
	accountID string
	limiter   *rate.Limiter
}

// LiveOption customizes the client.
type LiveOption func(*Live)

// WithHTTPClient replaces the underlying HTTP client, used by tests to point
// at an httptest server.
func WithHTTPClient(c *http.Client) LiveOption {
	return func(l *Live) { l.client = c }
}

// WithRateLimit throttles outbound requests to r per second with the given
// burst. Zero r disables throttling.
func WithRateLimit(r float64, burst int) LiveOption {
	return func(l *Live) {
		if r > 0 {
			if burst <= 0 {
				burst = 1
			}
			l.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// NewLive returns a live gateway for the given venue endpoint and account.
func NewLive(baseURL, token, accountID string, timeout time.Duration, opts ...LiveOption) *Live {
	l := &Live{
		client:    &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		accountID: accountID,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Live) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.token)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrIdempotencyConflict, strings.TrimSpace(string(raw)))
	case resp.StatusCode == http.StatusForbidden && strings.Contains(string(raw), "insufficient"):
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, strings.TrimSpace(string(raw)))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrNetwork, &APIError{Status: resp.StatusCode, Body: string(raw)})
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// orderPayload is the venue's order representation.
type orderPayload struct {
	Order struct {
		ID           string  `json:"id"`
		Tag          string  `json:"tag"`
		Status       string  `json:"status"`
		FilledShares int64   `json:"exec_quantity"`
		AvgPrice     float64 `json:"avg_fill_price"`
		Reason       string  `json:"reason_description"`
	} `json:"order"`
}

func (p *orderPayload) toResult() *OrderResult {
	r := &OrderResult{
		ClientID:     p.Order.Tag,
		BrokerID:     p.Order.ID,
		FilledShares: p.Order.FilledShares,
		AvgPrice:     p.Order.AvgPrice,
		Reason:       p.Order.Reason,
	}
	switch strings.ToLower(p.Order.Status) {
	case "filled":
		r.Status = models.StatusFilled
	case "partially_filled", "partial":
		r.Status = models.StatusPartial
	case "rejected":
		r.Status = models.StatusRejected
	case "canceled", "cancelled", "expired":
		r.Status = models.StatusCancelled
	default:
		r.Status = models.StatusPending
	}
	return r
}

// PlaceOrder implements Gateway.
func (l *Live) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	form := url.Values{}
	form.Set("class", "equity")
	form.Set("symbol", req.Symbol)
	form.Set("side", strings.ToLower(string(req.Side)))
	form.Set("quantity", strconv.FormatInt(req.Shares, 10))
	form.Set("type", "limit")
	form.Set("price", strconv.FormatFloat(req.LimitPrice, 'f', 2, 64))
	form.Set("duration", "day")
	form.Set("tag", req.ClientID)

	var payload orderPayload
	path := fmt.Sprintf("/accounts/%s/orders", l.accountID)
	if err := l.do(ctx, http.MethodPost, path, form, &payload); err != nil {
		return nil, err
	}
	result := payload.toResult()
	if result.ClientID == "" {
		result.ClientID = req.ClientID
	}
	return result, nil
}

// GetOrder implements Gateway. The venue is queried by tag, which is our
// client ID.
func (l *Live) GetOrder(ctx context.Context, clientID string) (*OrderResult, error) {
	var payload orderPayload
	path := fmt.Sprintf("/accounts/%s/orders/%s?by_tag=true", l.accountID, url.PathEscape(clientID))
	if err := l.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	result := payload.toResult()
	if result.ClientID == "" {
		result.ClientID = clientID
	}
	return result, nil
}

// Holdings implements Gateway.
func (l *Live) Holdings(ctx context.Context) ([]models.Holding, error) {
	var payload struct {
		Positions struct {
			Position []struct {
				Symbol    string  `json:"symbol"`
				Quantity  int64   `json:"quantity"`
				CostBasis float64 `json:"cost_basis"`
			} `json:"position"`
		} `json:"positions"`
	}
	path := fmt.Sprintf("/accounts/%s/positions", l.accountID)
	if err := l.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}

	out := make([]models.Holding, 0, len(payload.Positions.Position))
	for _, p := range payload.Positions.Position {
		h := models.Holding{Symbol: p.Symbol, Shares: p.Quantity}
		if p.Quantity != 0 {
			h.AvgCost = p.CostBasis / float64(p.Quantity)
		}
		out = append(out, h)
	}
	return out, nil
}

// Account implements Gateway.
func (l *Live) Account(ctx context.Context) (*models.Account, error) {
	var payload struct {
		Balances struct {
			TotalEquity float64 `json:"total_equity"`
			TotalCash   float64 `json:"total_cash"`
			BuyingPower float64 `json:"stock_buying_power"`
		} `json:"balances"`
	}
	path := fmt.Sprintf("/accounts/%s/balances", l.accountID)
	if err := l.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return &models.Account{
		Equity:      payload.Balances.TotalEquity,
		Cash:        payload.Balances.TotalCash,
		BuyingPower: payload.Balances.BuyingPower,
	}, nil
}

// Quote implements Gateway. Quotes older than a minute are refused; entries
// must not execute on stale prices.
func (l *Live) Quote(ctx context.Context, symbol string) (float64, error) {
	var payload struct {
		Quotes struct {
			Quote struct {
				Symbol    string  `json:"symbol"`
				Last      float64 `json:"last"`
				TradeDate int64   `json:"trade_date"` // epoch millis
			} `json:"quote"`
		} `json:"quotes"`
	}
	path := "/markets/quotes?symbols=" + url.QueryEscape(symbol)
	if err := l.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return 0, err
	}
	q := payload.Quotes.Quote
	if q.Symbol == "" || q.Last <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrSymbolUnknown, symbol)
	}
	if q.TradeDate > 0 {
		age := time.Since(time.UnixMilli(q.TradeDate))
		if age > time.Minute {
			return 0, fmt.Errorf("%w: %s last trade %s ago", ErrStaleQuote, symbol, age.Round(time.Second))
		}
	}
	return q.Last, nil
}

var _ Gateway = (*Live)(nil)
