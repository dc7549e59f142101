// Package retry retries idempotent gateway reads with jittered backoff.
// Order placement and cancellation are never retried here.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/eddiefleurent/ironfly/internal/broker"
	"github.com/sirupsen/logrus"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is used when no Config is supplied.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// waitFunc blocks for d or until ctx is done.
type waitFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn until it succeeds, returns a non-transient error, or the retry
// budget is spent.
func Do[T any](
	ctx context.Context,
	cfg Config,
	logger logrus.FieldLogger,
	op string,
	fn func(context.Context) (T, error),
) (T, error) {
	return do(ctx, cfg, logger, op, sleepCtx, fn)
}

func do[T any](
	ctx context.Context,
	cfg Config,
	logger logrus.FieldLogger,
	op string,
	wait waitFunc,
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		res, err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				logger.WithField("op", op).Infof("Succeeded on attempt %d", attempt+1)
			}
			return res, nil
		}
		lastErr = err

		if !IsTransientError(err) || attempt == cfg.MaxRetries {
			break
		}
		logger.WithError(err).WithField("op", op).Warnf("Transient error on attempt %d/%d, retrying in %v",
			attempt+1, cfg.MaxRetries+1, backoff)
		if err := wait(opCtx, backoff); err != nil {
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, err)
		}
		backoff = nextBackoff(backoff, cfg.MaxBackoff)
	}

	return zero, fmt.Errorf("%s failed after retries: %w", op, lastErr)
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		if jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// IsTransientError reports whether err looks like a network or server-side
// hiccup worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || broker.IsPermanent(err) {
		return false
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500 || apiErr.ErrorType == "NetworkException"
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"network",
		"dns",
		"tcp",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// Gateway retries idempotent reads of the wrapped gateway. Mutating calls
// pass straight through.
type Gateway struct {
	broker.Gateway
	cfg    Config
	logger logrus.FieldLogger
	wait   waitFunc
}

var _ broker.Gateway = (*Gateway)(nil)

// NewGateway wraps gw. The first cfg, if given, overrides DefaultConfig.
func NewGateway(gw broker.Gateway, logger logrus.FieldLogger, cfg ...Config) *Gateway {
	c := DefaultConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	return &Gateway{Gateway: gw, cfg: c, logger: logger, wait: sleepCtx}
}

// NetPositions retries the underlying read.
func (g *Gateway) NetPositions(ctx context.Context) ([]broker.Position, error) {
	return do(ctx, g.cfg, g.logger, "net positions", g.wait, g.Gateway.NetPositions)
}

// Orders retries the underlying read.
func (g *Gateway) Orders(ctx context.Context) ([]broker.Order, error) {
	return do(ctx, g.cfg, g.logger, "orders", g.wait, g.Gateway.Orders)
}

// OrderHistory retries the underlying read.
func (g *Gateway) OrderHistory(ctx context.Context, orderID string) ([]broker.Order, error) {
	return do(ctx, g.cfg, g.logger, "order history", g.wait, func(ctx context.Context) ([]broker.Order, error) {
		return g.Gateway.OrderHistory(ctx, orderID)
	})
}

// Instruments retries the underlying read.
func (g *Gateway) Instruments(ctx context.Context, exchange string) ([]broker.Instrument, error) {
	return do(ctx, g.cfg, g.logger, "instruments", g.wait, func(ctx context.Context) ([]broker.Instrument, error) {
		return g.Gateway.Instruments(ctx, exchange)
	})
}

// Holidays retries the underlying read.
func (g *Gateway) Holidays(ctx context.Context, segment string) ([]time.Time, error) {
	return do(ctx, g.cfg, g.logger, "holidays", g.wait, func(ctx context.Context) ([]time.Time, error) {
		return g.Gateway.Holidays(ctx, segment)
	})
}

// Margins retries the underlying read.
func (g *Gateway) Margins(ctx context.Context) (*broker.Margins, error) {
	return do(ctx, g.cfg, g.logger, "margins", g.wait, g.Gateway.Margins)
}
