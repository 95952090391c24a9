package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"optionflow/internal/models"
)

// CircuitBreakerGateway wraps a Gateway so a failing venue stops receiving
// traffic until it recovers. Idempotency conflicts do not count as failures;
// they are caller bugs, not venue outages.
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // max requests when half-open
	Interval     time.Duration // reset counts interval
	Timeout      time.Duration // open circuit duration
	MinRequests  uint32        // min requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// DefaultBreakerSettings trips after 60% failures over at least 5 requests
// and holds the circuit open for 30 seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerGateway wraps gw with the given settings. logger receives
// state-change notices.
func NewCircuitBreakerGateway(gw Gateway, settings BreakerSettings, logger *log.Logger) *CircuitBreakerGateway {
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Conflicts are deterministic; tripping the breaker on them
			// would block healthy traffic.
			return err == nil || errors.Is(err, ErrIdempotencyConflict) ||
				errors.Is(err, ErrNotFound) || errors.Is(err, ErrSymbolUnknown)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerGateway{
		gateway: gw,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gw Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gw) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// PlaceOrder wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderResult, error) {
		return g.PlaceOrder(ctx, req)
	})
}

// GetOrder wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) GetOrder(ctx context.Context, clientID string) (*OrderResult, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderResult, error) {
		return g.GetOrder(ctx, clientID)
	})
}

// Holdings wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) Holdings(ctx context.Context) ([]models.Holding, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) ([]models.Holding, error) {
		return g.Holdings(ctx)
	})
}

// Account wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) Account(ctx context.Context) (*models.Account, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) (*models.Account, error) {
		return g.Account(ctx)
	})
}

// Quote wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) Quote(ctx context.Context, symbol string) (float64, error) {
	return execBreaker(c.breaker, c.gateway, func(g Gateway) (float64, error) {
		return g.Quote(ctx, symbol)
	})
}

// State exposes the breaker state for health reporting.
func (c *CircuitBreakerGateway) State() gobreaker.State {
	return c.breaker.State()
}

var _ Gateway = (*CircuitBreakerGateway)(nil)
