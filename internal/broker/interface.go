// Package broker defines the exchange gateway contract and its implementations.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Gateway defines the interface for interacting with the exchange
type Gateway interface {
	// Account and portfolio
	NetPositions(ctx context.Context) ([]Position, error)
	Margins(ctx context.Context) (*Margins, error)

	// Order book
	Orders(ctx context.Context) ([]Order, error)
	OrderHistory(ctx context.Context, orderID string) ([]Order, error)

	// Market data
	Instruments(ctx context.Context, exchange string) ([]Instrument, error)
	Quote(ctx context.Context, key string) (*Quote, error)
	Holidays(ctx context.Context, segment string) ([]time.Time, error)

	// Order mutation
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, variety, orderID string) error
}

// IsPermanent reports whether err is an API error that will not succeed on
// retry: a 4xx other than 429, or an input/token exception.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorType {
		case "InputException", "TokenException", "PermissionException":
			return true
		}
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// Ensure implementations satisfy Gateway at compile time.
var (
	_ Gateway = (*KiteClient)(nil)
	_ Gateway = (*CircuitBreakerGateway)(nil)
)

// CircuitBreakerGateway wraps a Gateway with a transport-level circuit breaker.
// It protects the exchange from a failing connection; the trading breaker
// that halts order placement lives in the safeguard package.
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
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

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings are the settings used by NewCircuitBreakerGateway.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerGateway creates a CircuitBreakerGateway with sensible defaults
func NewCircuitBreakerGateway(gateway Gateway, logger logrus.FieldLogger) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gateway, DefaultCircuitBreakerSettings, logger)
}

// NewCircuitBreakerGatewayWithSettings creates a CircuitBreakerGateway with custom settings
func NewCircuitBreakerGatewayWithSettings(
	gateway Gateway,
	settings CircuitBreakerSettings,
	logger logrus.FieldLogger,
) *CircuitBreakerGateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
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
		// Rejected input is the caller's problem, not a sick connection.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Gateway circuit breaker state changed")
		},
	}

	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the transport breaker state.
func (c *CircuitBreakerGateway) State() gobreaker.State {
	return c.breaker.State()
}

// NetPositions wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) NetPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Position, error) { return g.NetPositions(ctx) })
}

// Margins wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) Margins(ctx context.Context) (*Margins, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Margins, error) { return g.Margins(ctx) })
}

// Orders wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) Orders(ctx context.Context) ([]Order, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Order, error) { return g.Orders(ctx) })
}

// OrderHistory wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) OrderHistory(ctx context.Context, orderID string) ([]Order, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Order, error) {
		return g.OrderHistory(ctx, orderID)
	})
}

// Instruments wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) Instruments(ctx context.Context, exchange string) ([]Instrument, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Instrument, error) {
		return g.Instruments(ctx, exchange)
	})
}

// Quote wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) Quote(ctx context.Context, key string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Quote, error) { return g.Quote(ctx, key) })
}

// Holidays wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) Holidays(ctx context.Context, segment string) ([]time.Time, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]time.Time, error) {
		return g.Holidays(ctx, segment)
	})
}

// PlaceOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (string, error) { return g.PlaceOrder(ctx, req) })
}

// CancelOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) CancelOrder(ctx context.Context, variety, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.CancelOrder(ctx, variety, orderID)
	})
	return err
}
