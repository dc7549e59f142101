// Package rollover replaces hedges that are about to expire with equivalent
// hedges at the following weekly expiry.
package rollover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/ironfly/internal/broker"
	"github.com/eddiefleurent/ironfly/internal/expiry"
	"github.com/eddiefleurent/ironfly/internal/metrics"
	"github.com/eddiefleurent/ironfly/internal/models"
	"github.com/eddiefleurent/ironfly/internal/orders"
	"github.com/sirupsen/logrus"
)

// ErrNoHedgeStrike is returned when an expiring hedge has no known strike.
var ErrNoHedgeStrike = errors.New("expiring hedge has no strike")

// Policy selects the strike of the replacement hedge. The old strike is
// carried forward unless it has drifted more than MaxDrift points from
// ATM ± HedgeDistance, in which case the hedge is re-centred. MaxDrift ≤ 0
// always carries forward.
type Policy struct {
	HedgeDistance int
	MaxDrift      int
}

// Strike returns the replacement strike. atm ≤ 0 means no ATM reference is
// available and the old strike is kept.
func (p Policy) Strike(old int, optionType models.OptionType, atm int) int {
	if atm <= 0 || p.MaxDrift <= 0 {
		return old
	}
	target := orders.HedgeStrike(atm, optionType, p.HedgeDistance)
	drift := old - target
	if drift < 0 {
		drift = -drift
	}
	if drift > p.MaxDrift {
		return target
	}
	return old
}

// LegSource exposes the tracker's leg map.
type LegSource interface {
	Legs() []models.Leg
	Leg(key models.LegKey) models.Leg
}

// HedgePlacer places replacement hedges and cancels orders on the old ones.
type HedgePlacer interface {
	PlaceHedgeAt(ctx context.Context, expiry time.Time, optionType models.OptionType, strike, quantity int) orders.Result
	CancelWorkingOrders(ctx context.Context, symbol string, orders []broker.Order) (int, error)
}

// OrderSource lists the exchange order book.
type OrderSource interface {
	Orders(ctx context.Context) ([]broker.Order, error)
}

// Calendar resolves the expiry that follows an expiring one.
type Calendar interface {
	WeeklyExpiryAfter(date time.Time) time.Time
	Current(now time.Time) []expiry.Date
	Today(now time.Time) time.Time
}

// ATMSource returns the current at-the-money strike.
type ATMSource interface {
	ATMStrike(ctx context.Context) (int, error)
}

// Outcome describes the rollover of one hedge leg.
type Outcome struct {
	Type      models.OptionType
	OldExpiry time.Time
	NewExpiry time.Time
	OldSymbol string
	OldStrike int
	NewStrike int
	NewSymbol string
	OrderID   string
	Quantity  int
	Cancelled int
	Skipped   bool
	Err       error
}

// Engine rolls expiring hedges.
type Engine struct {
	policy   Policy
	legs     LegSource
	placer   HedgePlacer
	orders   OrderSource
	calendar Calendar
	atm      ATMSource
	metrics  *metrics.Recorder
	logger   logrus.FieldLogger
}

// NewEngine creates a rollover engine. atm and rec may be nil.
func NewEngine(
	policy Policy,
	legs LegSource,
	placer HedgePlacer,
	orderSource OrderSource,
	calendar Calendar,
	atm ATMSource,
	rec *metrics.Recorder,
	logger logrus.FieldLogger,
) *Engine {
	if legs == nil || placer == nil || orderSource == nil || calendar == nil {
		panic("rollover.NewEngine: legs, placer, orders and calendar must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		policy:   policy,
		legs:     legs,
		placer:   placer,
		orders:   orderSource,
		calendar: calendar,
		atm:      atm,
		metrics:  rec,
		logger:   logger.WithField("component", "rollover"),
	}
}

// Expiring returns the leg expiries that are a current weekly or monthly
// expiry falling within leadDays of now.
func (e *Engine) Expiring(now time.Time, leadDays int) []time.Time {
	today := e.calendar.Today(now)
	horizon := today.AddDate(0, 0, leadDays)
	current := e.calendar.Current(now)

	var out []time.Time
	seen := make(map[time.Time]bool)
	for _, leg := range e.legs.Legs() {
		exp := leg.Key.Expiry
		if seen[exp] || exp.Before(today) || exp.After(horizon) {
			continue
		}
		for _, d := range current {
			if d.Date.Equal(exp) {
				seen[exp] = true
				out = append(out, exp)
				break
			}
		}
	}
	return out
}

// Roll replaces every BUY leg whose expiry is in expiring. CALL and PUT
// hedges are rolled independently; a failure on one does not stop the other.
func (e *Engine) Roll(ctx context.Context, expiring []time.Time) []Outcome {
	set := make(map[time.Time]bool, len(expiring))
	for _, d := range expiring {
		set[models.Day(d)] = true
	}

	var out []Outcome
	for _, leg := range e.legs.Legs() {
		if leg.Key.Direction != models.DirectionBuy || leg.Quantity <= 0 || !set[leg.Key.Expiry] {
			continue
		}
		o := e.rollLeg(ctx, leg)
		switch {
		case o.Skipped:
			e.metrics.RecordRollover("skipped")
		case o.OrderID == "":
			e.metrics.RecordRollover("failed")
		default:
			e.metrics.RecordRollover("rolled")
		}
		out = append(out, o)
	}
	return out
}

func (e *Engine) rollLeg(ctx context.Context, leg models.Leg) Outcome {
	o := Outcome{
		Type:      leg.Key.Type,
		OldExpiry: leg.Key.Expiry,
		OldSymbol: leg.Symbol,
		OldStrike: leg.Strike,
		Quantity:  leg.Quantity,
		NewExpiry: e.calendar.WeeklyExpiryAfter(leg.Key.Expiry),
	}
	log := e.logger.WithFields(logrus.Fields{
		"type":       o.Type,
		"old_expiry": o.OldExpiry.Format("2006-01-02"),
		"new_expiry": o.NewExpiry.Format("2006-01-02"),
		"symbol":     o.OldSymbol,
		"quantity":   o.Quantity,
	})

	if o.OldStrike <= 0 {
		o.Err = fmt.Errorf("%w: %s", ErrNoHedgeStrike, leg.Key)
		log.WithError(o.Err).Error("Cannot roll hedge")
		return o
	}

	// A later hedge already covering the quantity means this leg was rolled
	// in an earlier cycle.
	if next := e.legs.Leg(models.NewLegKey(o.NewExpiry, o.Type, models.DirectionBuy)); next.Quantity >= o.Quantity {
		o.Skipped = true
		log.Debug("Hedge already rolled")
		return o
	}

	atm := 0
	if e.atm != nil {
		strike, err := e.atm.ATMStrike(ctx)
		if err != nil {
			log.WithError(err).Warn("ATM unavailable, carrying hedge strike forward")
		} else {
			atm = strike
		}
	}
	o.NewStrike = e.policy.Strike(o.OldStrike, o.Type, atm)

	res := e.placer.PlaceHedgeAt(ctx, o.NewExpiry, o.Type, o.NewStrike, o.Quantity)
	o.NewSymbol = res.Symbol
	if !res.OK() {
		o.Err = res.Err
		log.WithError(res.Err).Error("Rollover hedge placement failed")
		return o
	}
	o.OrderID = res.OrderID

	book, err := e.orders.Orders(ctx)
	if err != nil {
		o.Err = fmt.Errorf("list orders: %w", err)
		log.WithError(err).Warn("Cannot list orders to cancel old hedge orders")
		return o
	}
	symbols := leg.Symbols
	if len(symbols) == 0 {
		symbols = []string{leg.Symbol}
	}
	var errs []error
	for _, sym := range symbols {
		n, err := e.placer.CancelWorkingOrders(ctx, sym, book)
		o.Cancelled += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		o.Err = errors.Join(errs...)
		log.WithError(o.Err).Warn("Some orders on the expiring hedge could not be cancelled")
	}

	log.WithFields(logrus.Fields{
		"old_strike": o.OldStrike,
		"new_strike": o.NewStrike,
		"order_id":   o.OrderID,
		"cancelled":  o.Cancelled,
	}).Info("Hedge rolled")
	return o
}
