// Package positions rebuilds the strategy's leg map from broker snapshots.
package positions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/ironfly/internal/broker"
	"github.com/eddiefleurent/ironfly/internal/models"
	"github.com/eddiefleurent/ironfly/internal/util"
	"github.com/sirupsen/logrus"
)

// Config selects which broker positions belong to the strategy.
type Config struct {
	Exchange string
	// Product filters positions and orders; empty accepts every product.
	Product string
	// Clock stamps refreshes; nil uses the system clock.
	Clock util.Clock
}

// Candidate is a short leg whose unrealised profit reached the threshold.
type Candidate struct {
	Expiry       time.Time         `json:"expiry"`
	Type         models.OptionType `json:"type"`
	Strike       int               `json:"strike"`
	Quantity     int               `json:"quantity"`
	AveragePrice float64           `json:"average_price"`
	LastPrice    float64           `json:"last_price"`
	Profit       float64           `json:"profit"`
	Symbol       string            `json:"symbol"`
}

// Tracker owns the leg map. Refresh replaces it wholesale; readers get copies.
type Tracker struct {
	gw     broker.Gateway
	cfg    Config
	logger logrus.FieldLogger

	mu          sync.RWMutex
	legs        *models.LegMap
	positions   []broker.Position
	orders      []broker.Order
	history     map[string]broker.Order
	refreshedAt time.Time
}

// NewTracker creates a tracker reading from gw.
func NewTracker(gw broker.Gateway, cfg Config, logger logrus.FieldLogger) *Tracker {
	if gw == nil {
		panic("positions.NewTracker: gateway cannot be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.SystemClock{}
	}
	return &Tracker{
		gw:      gw,
		cfg:     cfg,
		logger:  logger.WithField("component", "positions"),
		legs:    models.NewLegMap(),
		history: make(map[string]broker.Order),
	}
}

// Refresh pulls net positions and the order book and rebuilds the leg map.
// On a fetch failure the previous view is kept and the error returned.
func (t *Tracker) Refresh(ctx context.Context) error {
	positions, err := t.gw.NetPositions(ctx)
	if err != nil {
		return fmt.Errorf("refresh positions: %w", err)
	}
	orders, err := t.gw.Orders(ctx)
	if err != nil {
		return fmt.Errorf("refresh orders: %w", err)
	}

	t.mu.RLock()
	prevHistory := t.history
	t.mu.RUnlock()

	history := t.buildHistory(ctx, orders, prevHistory)
	legs := models.NewLegMap()
	for _, p := range positions {
		t.addPosition(legs, p, history)
	}

	t.mu.Lock()
	t.legs = legs
	t.positions = positions
	t.orders = orders
	t.history = history
	t.refreshedAt = t.cfg.Clock.Now()
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"positions": len(positions),
		"orders":    len(orders),
		"legs":      legs.Len(),
	}).Debug("Refreshed leg map")
	return nil
}

// buildHistory keeps the last execution record of every completed option
// order. Completed orders never change, so earlier lookups are reused.
func (t *Tracker) buildHistory(ctx context.Context, orders []broker.Order,
	prev map[string]broker.Order) map[string]broker.Order {
	history := make(map[string]broker.Order)
	for _, o := range orders {
		if o.Status != broker.StatusComplete || !t.productMatches(o.Product) {
			continue
		}
		if _, ok := models.OptionTypeFromSymbol(o.Symbol); !ok {
			continue
		}
		if cached, ok := prev[o.OrderID]; ok {
			history[o.OrderID] = cached
			continue
		}
		execs, err := t.gw.OrderHistory(ctx, o.OrderID)
		if err != nil {
			t.logger.WithError(err).WithField("order_id", o.OrderID).Warn("Order history unavailable")
			continue
		}
		if len(execs) == 0 {
			continue
		}
		history[o.OrderID] = execs[len(execs)-1]
	}
	return history
}

func (t *Tracker) addPosition(legs *models.LegMap, p broker.Position, history map[string]broker.Order) {
	if p.Quantity == 0 || !t.productMatches(p.Product) {
		return
	}
	optType, ok := models.OptionTypeFromSymbol(p.Symbol)
	if !ok || (p.InstrumentType != "" && !p.IsOption()) {
		return
	}
	strike, expiry := p.Strike, p.Expiry
	if strike == 0 || expiry.IsZero() {
		parsed, err := models.ParseSymbol(p.Symbol)
		if err != nil {
			t.logger.WithField("symbol", p.Symbol).Warn("Skipping option position without expiry metadata")
			return
		}
		if strike == 0 {
			strike = parsed.Strike
		}
		if expiry.IsZero() {
			expiry = parsed.Expiry
		}
	}

	dir := models.DirectionFromQuantity(p.Quantity)
	avg := p.AveragePrice
	if avg <= 0 {
		avg = averageFromHistory(history, p.Symbol, dir)
	}
	legs.GetOrInsert(models.NewLegKey(expiry, optType, dir)).Add(p.Symbol, strike, p.Quantity, avg)
}

// averageFromHistory recomputes an entry premium from completed executions
// of symbol in the leg's direction, weighted by filled quantity.
func averageFromHistory(history map[string]broker.Order, symbol string, dir models.Direction) float64 {
	var notional float64
	var qty int
	for _, h := range history {
		if h.Symbol != symbol || h.TransactionType != string(dir) {
			continue
		}
		if h.FilledQuantity <= 0 || h.AveragePrice <= 0 {
			continue
		}
		notional += h.AveragePrice * float64(h.FilledQuantity)
		qty += h.FilledQuantity
	}
	if qty == 0 {
		return 0
	}
	return notional / float64(qty)
}

func (t *Tracker) productMatches(product string) bool {
	return t.cfg.Product == "" || product == t.cfg.Product
}

// ProfitableLegs refreshes, then returns every short contract whose profit
// fraction (avg − LTP)/avg is at least threshold. Each contract of a leg is
// priced on its own quantity and entry price. Contracts with no average
// price or no usable quote are skipped.
func (t *Tracker) ProfitableLegs(ctx context.Context, threshold float64) ([]Candidate, error) {
	if err := t.Refresh(ctx); err != nil {
		return nil, err
	}

	var out []Candidate
	for _, leg := range t.Legs() {
		if leg.Key.Direction != models.DirectionSell || leg.Quantity <= 0 {
			continue
		}
		for _, part := range leg.Parts {
			if part.Quantity <= 0 || part.AveragePrice <= 0 {
				continue
			}
			q, err := t.gw.Quote(ctx, broker.Key(t.cfg.Exchange, part.Symbol))
			if err != nil || q == nil || q.LastPrice <= 0 {
				t.logger.WithError(err).WithField("symbol", part.Symbol).Debug("No usable quote, skipping contract")
				continue
			}
			profit := (part.AveragePrice - q.LastPrice) / part.AveragePrice
			if profit < threshold {
				continue
			}
			out = append(out, Candidate{
				Expiry:       leg.Key.Expiry,
				Type:         leg.Key.Type,
				Strike:       part.Strike,
				Quantity:     part.Quantity,
				AveragePrice: part.AveragePrice,
				LastPrice:    q.LastPrice,
				Profit:       profit,
				Symbol:       part.Symbol,
			})
		}
	}
	return out, nil
}

// Legs returns copies of all legs in stable order.
func (t *Tracker) Legs() []models.Leg {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.legs.Legs()
}

// Leg returns the leg for key, or a zero-quantity leg.
func (t *Tracker) Leg(key models.LegKey) models.Leg {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.legs.Get(key)
}

// Orders returns the order book captured by the last refresh.
func (t *Tracker) Orders() []broker.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]broker.Order(nil), t.orders...)
}

// Positions returns the net positions captured by the last refresh.
func (t *Tracker) Positions() []broker.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]broker.Position(nil), t.positions...)
}

// LastExecution returns the cached final execution of a completed order.
func (t *Tracker) LastExecution(orderID string) (broker.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.history[orderID]
	return o, ok
}

// RefreshedAt is the time of the last successful refresh.
func (t *Tracker) RefreshedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.refreshedAt
}

// PnL sums realised and unrealised P&L across the strategy's positions.
func (t *Tracker) PnL() (realised, unrealised float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.positions {
		if !t.productMatches(p.Product) {
			continue
		}
		realised += p.Realised
		unrealised += p.Unrealised
	}
	return realised, unrealised
}
