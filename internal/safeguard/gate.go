// Package safeguard implements the pre-trade validation pipeline every order
// passes through: market hours, rate limit, liquidity and corporate-action
// checks, behind a trading circuit breaker.
package safeguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/ironfly/internal/broker"
	"github.com/eddiefleurent/ironfly/internal/util"
	"github.com/sirupsen/logrus"
)

// Stage names a step of the validation pipeline.
type Stage string

// Pipeline stages, in evaluation order.
const (
	StageBreaker         Stage = "CIRCUIT_BREAKER"
	StageMarketHours     Stage = "MARKET_HOURS"
	StageRateLimit       Stage = "RATE_LIMIT"
	StageLiquidity       Stage = "LIQUIDITY"
	StageCorporateAction Stage = "CORPORATE_ACTION"
	StageAllowed         Stage = "ALLOWED"
)

var (
	// ErrBreakerTripped is returned while the trading breaker is open
	ErrBreakerTripped = errors.New("circuit breaker tripped")
	// ErrOutsideSession is returned outside the regular session
	ErrOutsideSession = errors.New("outside market session")
	// ErrInsufficientLiquidity is returned when resting sell depth is too thin
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	// ErrLotSizeChanged signals an unannounced corporate action
	ErrLotSizeChanged = errors.New("lot size changed")
	// ErrQuoteUnavailable is returned when depth cannot be fetched
	ErrQuoteUnavailable = errors.New("quote unavailable")
)

// ValidationError is a failed pipeline stage.
type ValidationError struct {
	Stage  Stage
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StageOf returns the failed stage of err, or "" if err is not a
// ValidationError.
func StageOf(err error) Stage {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Stage
	}
	return ""
}

// Session is the regular trading window in exchange-local time. Both bounds
// are inclusive.
type Session struct {
	Location *time.Location
	Start    time.Duration // offset from midnight
	End      time.Duration
}

// DefaultSession is 09:15-15:30 in UTC; callers normally set Location.
var DefaultSession = Session{
	Location: time.UTC,
	Start:    9*time.Hour + 15*time.Minute,
	End:      15*time.Hour + 30*time.Minute,
}

// Contains reports whether t falls on a weekday inside the window.
func (s Session) Contains(t time.Time) bool {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	offset := local.Sub(midnight)
	return offset >= s.Start && offset <= s.End
}

// HolidayChecker reports exchange holidays.
type HolidayChecker interface {
	IsHoliday(t time.Time) bool
}

// QuoteSource supplies market depth.
type QuoteSource interface {
	Quote(ctx context.Context, key string) (*broker.Quote, error)
}

// Config configures the gate.
type Config struct {
	Exchange          string
	Session           Session
	ExpectedLotSize   int
	LiquidityMultiple float64
	DepthLevels       int
}

// Gate runs the validation pipeline. Its limiter and breaker are explicit
// state objects owned by the caller.
type Gate struct {
	cfg         Config
	quotes      QuoteSource
	instruments broker.InstrumentLookup
	limiter     *RateLimiter
	breaker     *CircuitBreaker
	holidays    HolidayChecker
	clock       util.Clock
	logger      logrus.FieldLogger
}

// NewGate wires the pipeline. holidays may be nil.
func NewGate(
	cfg Config,
	quotes QuoteSource,
	instruments broker.InstrumentLookup,
	limiter *RateLimiter,
	breaker *CircuitBreaker,
	holidays HolidayChecker,
	clock util.Clock,
	logger logrus.FieldLogger,
) *Gate {
	if quotes == nil || instruments == nil || limiter == nil || breaker == nil {
		panic("safeguard.NewGate: quotes, instruments, limiter and breaker are required")
	}
	if cfg.LiquidityMultiple <= 0 {
		cfg.LiquidityMultiple = 3
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 5
	}
	if cfg.Session.End == 0 {
		loc := cfg.Session.Location
		cfg.Session = DefaultSession
		if loc != nil {
			cfg.Session.Location = loc
		}
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gate{
		cfg:         cfg,
		quotes:      quotes,
		instruments: instruments,
		limiter:     limiter,
		breaker:     breaker,
		holidays:    holidays,
		clock:       clock,
		logger:      logger.WithField("component", "safeguard"),
	}
}

// Check runs every stage for one order attempt. It returns nil when the
// attempt is allowed and a *ValidationError naming the failed stage
// otherwise. No stage is retried.
func (g *Gate) Check(ctx context.Context, symbol string, quantity int) error {
	log := g.logger.WithField("symbol", symbol)

	if g.breaker.Tripped() {
		return g.reject(log, &ValidationError{Stage: StageBreaker, Err: ErrBreakerTripped})
	}

	if err := g.checkMarketHours(); err != nil {
		return g.reject(log, err)
	}

	if waited := g.limiter.Acquire(); waited > 0 {
		log.WithFields(logrus.Fields{"stage": StageRateLimit, "waited": waited}).Debug("Rate limiter delayed submission")
	}

	if err := g.checkLiquidity(ctx, symbol, quantity); err != nil {
		return g.reject(log, err)
	}

	if err := g.checkCorporateAction(ctx, symbol); err != nil {
		return g.reject(log, err)
	}

	log.WithField("stage", StageAllowed).Debug("Order attempt allowed")
	return nil
}

func (g *Gate) reject(log logrus.FieldLogger, err *ValidationError) error {
	log.WithField("stage", err.Stage).Warnf("Order attempt rejected: %v", err)
	return err
}

func (g *Gate) checkMarketHours() *ValidationError {
	now := g.clock.Now()
	if !g.cfg.Session.Contains(now) {
		return &ValidationError{
			Stage:  StageMarketHours,
			Reason: fmt.Sprintf("%s is outside the trading session", now.In(g.location()).Format("Mon 15:04:05")),
			Err:    ErrOutsideSession,
		}
	}
	if g.holidays != nil && g.holidays.IsHoliday(now) {
		return &ValidationError{Stage: StageMarketHours, Reason: "exchange holiday", Err: ErrOutsideSession}
	}
	return nil
}

func (g *Gate) location() *time.Location {
	if g.cfg.Session.Location == nil {
		return time.UTC
	}
	return g.cfg.Session.Location
}

func (g *Gate) checkLiquidity(ctx context.Context, symbol string, quantity int) *ValidationError {
	q, err := g.quotes.Quote(ctx, broker.Key(g.cfg.Exchange, symbol))
	if err != nil {
		return &ValidationError{Stage: StageLiquidity, Reason: "quote unavailable: " + err.Error(),
			Err: fmt.Errorf("%w: %w", ErrQuoteUnavailable, err)}
	}
	available := q.Depth.SellVolume(g.cfg.DepthLevels)
	required := g.cfg.LiquidityMultiple * float64(quantity)
	if float64(available) < required {
		return &ValidationError{
			Stage:  StageLiquidity,
			Reason: fmt.Sprintf("sell depth %d below required %.0f", available, required),
			Err:    ErrInsufficientLiquidity,
		}
	}
	return nil
}

func (g *Gate) checkCorporateAction(ctx context.Context, symbol string) *ValidationError {
	if g.cfg.ExpectedLotSize <= 0 {
		return nil
	}
	inst, err := g.instruments.Lookup(ctx, g.cfg.Exchange, symbol)
	if errors.Is(err, broker.ErrInstrumentNotFound) {
		return nil
	}
	if err != nil {
		return &ValidationError{Stage: StageCorporateAction, Reason: "instrument lookup failed: " + err.Error(), Err: err}
	}
	if inst.LotSize != g.cfg.ExpectedLotSize {
		return &ValidationError{
			Stage:  StageCorporateAction,
			Reason: fmt.Sprintf("lot size %d differs from expected %d", inst.LotSize, g.cfg.ExpectedLotSize),
			Err:    ErrLotSizeChanged,
		}
	}
	return nil
}

// Pace waits out the remaining submission spacing; the driver calls it at
// the end of each cycle.
func (g *Gate) Pace() time.Duration {
	return g.limiter.Pace()
}

// Breaker returns the trading circuit breaker.
func (g *Gate) Breaker() *CircuitBreaker {
	return g.breaker
}

// Limiter returns the submission rate limiter.
func (g *Gate) Limiter() *RateLimiter {
	return g.limiter
}

// InSession reports whether t is inside the trading session.
func (g *Gate) InSession(t time.Time) bool {
	return g.cfg.Session.Contains(t)
}
