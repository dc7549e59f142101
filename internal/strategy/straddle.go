// Package strategy selects the short straddle the iron fly is built around
// and derives the protective stop for each short leg.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/ironfly/internal/broker"
	"github.com/eddiefleurent/ironfly/internal/models"
	"github.com/eddiefleurent/ironfly/internal/orders"
	"github.com/eddiefleurent/ironfly/internal/util"
	"github.com/sirupsen/logrus"
)

// ErrNoUnderlyingPrice is returned when the underlying quote has no price.
var ErrNoUnderlyingPrice = errors.New("underlying price unavailable")

// Config holds straddle selection parameters.
type Config struct {
	Underlying    string
	UnderlyingKey string // quote key, e.g. "NSE:NIFTY 50"
	StrikeStep    int
	LotSize       int
	Lots          int
	StopLossPct   float64 // trigger = LTP × (1 + StopLossPct)
	TickSize      float64
}

// QuoteSource supplies last traded prices.
type QuoteSource interface {
	Quote(ctx context.Context, key string) (*broker.Quote, error)
}

// ExpiryResolver returns the next weekly expiry.
type ExpiryResolver interface {
	NextWeeklyExpiry(now time.Time) time.Time
}

// SellPlacer places the short legs.
type SellPlacer interface {
	ResolveSymbol(ctx context.Context, expiry time.Time, optionType models.OptionType, strike int) (string, error)
	PlaceSellOrder(ctx context.Context, symbol string, quantity int) orders.Result
}

// Entry is a planned straddle.
type Entry struct {
	Expiry   time.Time
	Strike   int
	Spot     float64
	Quantity int
}

// Straddle plans and enters the at-the-money short straddle.
type Straddle struct {
	cfg      Config
	quotes   QuoteSource
	calendar ExpiryResolver
	logger   logrus.FieldLogger
}

// NewStraddle creates a straddle strategy.
func NewStraddle(cfg Config, quotes QuoteSource, calendar ExpiryResolver, logger logrus.FieldLogger) *Straddle {
	if quotes == nil || calendar == nil {
		panic("strategy.NewStraddle: quotes and calendar must not be nil")
	}
	if cfg.StrikeStep <= 0 {
		cfg.StrikeStep = 50
	}
	if cfg.Lots <= 0 {
		cfg.Lots = 1
	}
	if cfg.TickSize <= 0 {
		cfg.TickSize = 0.05
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Straddle{cfg: cfg, quotes: quotes, calendar: calendar, logger: logger.WithField("component", "strategy")}
}

// Spot returns the underlying last traded price.
func (s *Straddle) Spot(ctx context.Context) (float64, error) {
	q, err := s.quotes.Quote(ctx, s.cfg.UnderlyingKey)
	if err != nil {
		return 0, fmt.Errorf("quote %s: %w", s.cfg.UnderlyingKey, err)
	}
	if q == nil || q.LastPrice <= 0 {
		return 0, ErrNoUnderlyingPrice
	}
	return q.LastPrice, nil
}

// ATMStrike returns the underlying price rounded to the strike step.
func (s *Straddle) ATMStrike(ctx context.Context) (int, error) {
	spot, err := s.Spot(ctx)
	if err != nil {
		return 0, err
	}
	return models.RoundToStrike(spot, s.cfg.StrikeStep), nil
}

// Quantity returns the per-leg order quantity.
func (s *Straddle) Quantity() int {
	return s.cfg.Lots * s.cfg.LotSize
}

// Plan picks the ATM strike at the next weekly expiry.
func (s *Straddle) Plan(ctx context.Context, now time.Time) (Entry, error) {
	spot, err := s.Spot(ctx)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Expiry:   s.calendar.NextWeeklyExpiry(now),
		Strike:   models.RoundToStrike(spot, s.cfg.StrikeStep),
		Spot:     spot,
		Quantity: s.Quantity(),
	}, nil
}

// NeedsEntry reports whether no expiry carries a full short straddle.
func NeedsEntry(legs []models.Leg) bool {
	return !models.HasActiveStraddle(legs)
}

// Enter sells the ATM call and put. Both legs are attempted even when one
// fails; the results are returned call first.
func (s *Straddle) Enter(ctx context.Context, now time.Time, placer SellPlacer) (Entry, []orders.Result, error) {
	entry, err := s.Plan(ctx, now)
	if err != nil {
		return Entry{}, nil, err
	}
	log := s.logger.WithFields(logrus.Fields{
		"expiry": entry.Expiry.Format("2006-01-02"),
		"strike": entry.Strike,
		"spot":   entry.Spot,
	})
	log.Info("Entering short straddle")

	results := make([]orders.Result, 0, len(models.OptionTypes))
	for _, t := range models.OptionTypes {
		symbol, err := placer.ResolveSymbol(ctx, entry.Expiry, t, entry.Strike)
		if err != nil {
			log.WithError(err).WithField("type", t).Warn("Cannot resolve straddle leg")
			results = append(results, orders.Result{Kind: models.KindSell, Symbol: symbol, Quantity: entry.Quantity, Err: err})
			continue
		}
		results = append(results, placer.PlaceSellOrder(ctx, symbol, entry.Quantity))
	}
	return entry, results, nil
}

// StopLossTrigger returns the buy-stop trigger for a short leg trading at ltp.
func (s *Straddle) StopLossTrigger(ltp float64) float64 {
	return StopLossTrigger(ltp, s.cfg.StopLossPct, s.cfg.TickSize)
}

// StopLossTrigger returns ltp × (1 + pct) rounded up to tick.
func StopLossTrigger(ltp, pct, tick float64) float64 {
	if ltp <= 0 || pct <= 0 {
		return 0
	}
	return util.CeilToTick(ltp*(1+pct), tick)
}
