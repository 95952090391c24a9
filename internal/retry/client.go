// Package retry wraps gateway order placement with bounded retries and
// timeout resolution. A timed-out PlaceOrder is ambiguous: the venue may
// have accepted it. Before retrying, the client asks the venue for the
// client ID; idempotent placement makes a blind resubmit safe, but the
// lookup avoids burning retry budget on orders that already landed.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"optionflow/internal/gateway"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig retries three times with capped exponential backoff.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries transient gateway failures. Permanent errors (idempotency
// conflicts, rejections, unknown symbols) surface immediately.
type Client struct {
	gateway gateway.Gateway
	logger  *log.Logger
	config  Config
}

// NewClient wraps gw. config is optional; DefaultConfig applies otherwise.
func NewClient(gw gateway.Gateway, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	return &Client{
		gateway: gw,
		logger:  logger,
		config:  cfg,
	}
}

// PlaceOrder submits the order, retrying transient failures. When an
// attempt fails ambiguously, the venue is queried by client ID first; if
// the order exists there its result is returned without resubmitting.
func (c *Client) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.OrderResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return nil, fmt.Errorf("place operation timed out after %v: %w", c.config.Timeout, err)
		}

		result, err := c.gateway.PlaceOrder(opCtx, req)
		if err == nil {
			if attempt > 0 {
				c.logger.Printf("Order %s placed on attempt %d", req.ClientID, attempt+1)
			}
			return result, nil
		}

		if !isTransient(err) {
			return nil, err
		}

		lastErr = err
		c.logger.Printf("Place attempt %d/%d for %s failed: %v",
			attempt+1, c.config.MaxRetries+1, req.ClientID, err)

		// The venue may have accepted the order before the failure.
		if found, lookupErr := c.gateway.GetOrder(opCtx, req.ClientID); lookupErr == nil {
			c.logger.Printf("Order %s found at venue after ambiguous failure, status %s",
				req.ClientID, found.Status)
			return found, nil
		} else if !errors.Is(lookupErr, gateway.ErrNotFound) {
			c.logger.Printf("Order lookup for %s failed: %v", req.ClientID, lookupErr)
		}

		if attempt < c.config.MaxRetries {
			select {
			case <-time.After(backoff):
				backoff = c.nextBackoff(backoff)
			case <-opCtx.Done():
				return nil, fmt.Errorf("place operation timed out during backoff: %w", opCtx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed to place order %s after %d attempts: %w",
		req.ClientID, c.config.MaxRetries+1, lastErr)
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// isTransient reports whether the error is worth another attempt. Only
// transport-level failures qualify; everything typed is deterministic.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gateway.ErrIdempotencyConflict) ||
		errors.Is(err, gateway.ErrInsufficientFunds) ||
		errors.Is(err, gateway.ErrSymbolUnknown) {
		return false
	}
	if errors.Is(err, gateway.ErrNetwork) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == 429
	}
	return false
}
