// Package orders places sell, stop-loss, hedge and close orders behind the
// safeguard pipeline and tracks them until they fill, cancel or go stale.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/ironfly/internal/broker"
	"github.com/eddiefleurent/ironfly/internal/journal"
	"github.com/eddiefleurent/ironfly/internal/metrics"
	"github.com/eddiefleurent/ironfly/internal/models"
	"github.com/eddiefleurent/ironfly/internal/safeguard"
	"github.com/eddiefleurent/ironfly/internal/util"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrImplausibleTrigger is returned when a stop trigger is too far above the market
	ErrImplausibleTrigger = errors.New("implausible stop-loss trigger")
	// ErrLotMultiple is returned when a quantity is not a whole number of lots
	ErrLotMultiple = errors.New("quantity is not a multiple of lot size")
	// ErrInstrumentNotFound is returned when no tradable contract matches
	ErrInstrumentNotFound = broker.ErrInstrumentNotFound
	// ErrNoShortStrike is returned when a hedge is requested for a leg without a short position
	ErrNoShortStrike = errors.New("no short strike to hedge")
	// ErrPendingUnresolved is returned when a prior order for the same symbol and kind cannot be cancelled
	ErrPendingUnresolved = errors.New("prior pending order could not be resolved")
	// ErrInvalidQuantity is returned for non-positive quantities
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// GatewayError wraps a failed exchange call.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Config contains configuration for the executor.
type Config struct {
	Exchange   string
	Underlying string
	Product    string
	Variety    string

	TickSize        float64
	SellDiscount    float64 // SELL limit = LTP × (1 − SellDiscount)
	BuyPremium      float64 // BUY limit = LTP × (1 + BuyPremium)
	StopLimitRatio  float64 // SL limit = trigger × StopLimitRatio
	MaxTriggerRatio float64 // trigger must be ≤ LTP × MaxTriggerRatio
	HedgeDistance   int
}

// DefaultConfig is the default configuration for the executor.
var DefaultConfig = Config{
	Exchange:        "NFO",
	Underlying:      "NIFTY",
	Product:         "NRML",
	Variety:         broker.VarietyRegular,
	TickSize:        0.05,
	SellDiscount:    0.05,
	BuyPremium:      0.05,
	StopLimitRatio:  0.98,
	MaxTriggerRatio: 1.10,
	HedgeDistance:   1000,
}

// Validator is the pre-trade check every order passes.
type Validator interface {
	Check(ctx context.Context, symbol string, quantity int) error
}

// InstrumentStore resolves contracts from the instrument master.
type InstrumentStore interface {
	broker.InstrumentLookup
	All(ctx context.Context, exchange string) ([]broker.Instrument, error)
}

// LegReader exposes the tracker's current leg map.
type LegReader interface {
	Leg(key models.LegKey) models.Leg
}

// ExpiryResolver returns the next weekly expiry.
type ExpiryResolver interface {
	NextWeeklyExpiry(now time.Time) time.Time
}

// ErrorRecorder counts order failures towards the trading breaker.
type ErrorRecorder interface {
	RecordError() bool
}

// Deps groups the executor's collaborators. Journal, Metrics, Clock and
// Logger are optional.
type Deps struct {
	Gateway     broker.Gateway
	Instruments InstrumentStore
	Gate        Validator
	Breaker     ErrorRecorder
	Legs        LegReader
	Calendar    ExpiryResolver
	Journal     journal.Sink
	Metrics     *metrics.Recorder
	Clock       util.Clock
	Logger      logrus.FieldLogger
}

// Result is the outcome of one placement call. Failures never propagate as
// panics or returned errors; callers branch on OK().
type Result struct {
	OrderID  string
	Kind     models.OrderKind
	Symbol   string
	Quantity int
	Price    float64
	Err      error
}

// OK reports whether an order was submitted.
func (r Result) OK() bool {
	return r.OrderID != "" && r.Err == nil
}

// Executor places orders and owns the pending-order set.
type Executor struct {
	cfg         Config
	gw          broker.Gateway
	instruments InstrumentStore
	gate        Validator
	breaker     ErrorRecorder
	legs        LegReader
	calendar    ExpiryResolver
	journal     journal.Sink
	metrics     *metrics.Recorder
	clock       util.Clock
	logger      logrus.FieldLogger

	mu         sync.Mutex
	pending    map[string]models.PendingOrder
	closed     int
	underlying float64
	vix        float64
}

// NewExecutor creates an executor. Gateway, Instruments, Gate, Breaker, Legs
// and Calendar are required.
func NewExecutor(cfg Config, deps Deps) *Executor {
	if deps.Gateway == nil || deps.Instruments == nil || deps.Gate == nil ||
		deps.Breaker == nil || deps.Legs == nil || deps.Calendar == nil {
		panic("orders.NewExecutor: gateway, instruments, gate, breaker, legs and calendar must not be nil")
	}

	// Validate and clamp config values
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultConfig.Exchange
	}
	if cfg.Underlying == "" {
		cfg.Underlying = DefaultConfig.Underlying
	}
	if cfg.Product == "" {
		cfg.Product = DefaultConfig.Product
	}
	if cfg.Variety == "" {
		cfg.Variety = DefaultConfig.Variety
	}
	if cfg.TickSize <= 0 {
		cfg.TickSize = DefaultConfig.TickSize
	}
	if cfg.SellDiscount <= 0 || cfg.SellDiscount >= 1 {
		cfg.SellDiscount = DefaultConfig.SellDiscount
	}
	if cfg.BuyPremium <= 0 {
		cfg.BuyPremium = DefaultConfig.BuyPremium
	}
	if cfg.StopLimitRatio <= 0 {
		cfg.StopLimitRatio = DefaultConfig.StopLimitRatio
	}
	if cfg.MaxTriggerRatio <= 1 {
		cfg.MaxTriggerRatio = DefaultConfig.MaxTriggerRatio
	}
	if cfg.HedgeDistance <= 0 {
		cfg.HedgeDistance = DefaultConfig.HedgeDistance
	}

	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = util.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Executor{
		cfg:         cfg,
		gw:          deps.Gateway,
		instruments: deps.Instruments,
		gate:        deps.Gate,
		breaker:     deps.Breaker,
		legs:        deps.Legs,
		calendar:    deps.Calendar,
		journal:     deps.Journal,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		logger:      deps.Logger.WithField("component", "orders"),
		pending:     make(map[string]models.PendingOrder),
	}
}

// SetMarketContext records the underlying price and volatility index that
// are attached to journal records.
func (e *Executor) SetMarketContext(underlying, vix float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.underlying = underlying
	e.vix = vix
}

// PlaceSellOrder sells quantity of symbol with a limit below the LTP.
func (e *Executor) PlaceSellOrder(ctx context.Context, symbol string, quantity int) Result {
	res := Result{Kind: models.KindSell, Symbol: symbol, Quantity: quantity}
	if quantity <= 0 {
		return e.fail(ctx, res, broker.TransactionSell, ErrInvalidQuantity)
	}
	if err := e.gate.Check(ctx, symbol, quantity); err != nil {
		return e.fail(ctx, res, broker.TransactionSell, err)
	}

	inst, err := e.instruments.Lookup(ctx, e.cfg.Exchange, symbol)
	if err != nil {
		return e.fail(ctx, res, broker.TransactionSell, fmt.Errorf("resolve lot size: %w", err))
	}
	if inst.LotSize <= 0 || quantity%inst.LotSize != 0 {
		return e.fail(ctx, res, broker.TransactionSell,
			fmt.Errorf("%w: %d with lot size %d", ErrLotMultiple, quantity, inst.LotSize))
	}

	ltp, err := e.lastPrice(ctx, symbol)
	if err != nil {
		return e.fail(ctx, res, broker.TransactionSell, err)
	}
	price := util.ApplyOffset(ltp, -e.cfg.SellDiscount, e.cfg.TickSize)
	return e.submit(ctx, res, ltp, broker.OrderRequest{
		TransactionType: broker.TransactionSell,
		OrderType:       broker.OrderTypeLimit,
		Price:           price,
	})
}

// PlaceStopLossOrder places a buy stop on a short leg. The trigger must not
// exceed LTP × MaxTriggerRatio.
func (e *Executor) PlaceStopLossOrder(ctx context.Context, symbol string, quantity int, trigger float64) Result {
	res := Result{Kind: models.KindStopLoss, Symbol: symbol, Quantity: quantity}
	if quantity <= 0 {
		return e.fail(ctx, res, broker.TransactionBuy, ErrInvalidQuantity)
	}
	if err := e.gate.Check(ctx, symbol, quantity); err != nil {
		return e.fail(ctx, res, broker.TransactionBuy, err)
	}

	ltp, err := e.lastPrice(ctx, symbol)
	if err != nil {
		return e.fail(ctx, res, broker.TransactionBuy, err)
	}
	if trigger <= 0 || trigger > ltp*e.cfg.MaxTriggerRatio {
		return e.fail(ctx, res, broker.TransactionBuy,
			fmt.Errorf("%w: trigger %.2f vs ltp %.2f", ErrImplausibleTrigger, trigger, ltp))
	}

	trigger = util.RoundToTick(trigger, e.cfg.TickSize)
	return e.submit(ctx, res, ltp, broker.OrderRequest{
		TransactionType: broker.TransactionBuy,
		OrderType:       broker.OrderTypeStopLoss,
		Price:           util.Scale(trigger, e.cfg.StopLimitRatio, e.cfg.TickSize),
		TriggerPrice:    trigger,
	})
}

// PlaceHedgeOrder buys quantity of protective options for the short leg at
// (expiry, optionType). The hedge sits HedgeDistance points beyond the short
// strike at the next weekly expiry. It is a no-op when quantity ≤ 0.
func (e *Executor) PlaceHedgeOrder(ctx context.Context, expiry time.Time, optionType models.OptionType, quantity int) Result {
	res := Result{Kind: models.KindHedge, Quantity: quantity}
	if quantity <= 0 {
		return res
	}

	short := e.legs.Leg(models.NewLegKey(expiry, optionType, models.DirectionSell))
	if short.Strike <= 0 {
		return e.fail(ctx, res, broker.TransactionBuy,
			fmt.Errorf("%w: %s", ErrNoShortStrike, short.Key))
	}
	return e.PlaceHedgeAt(ctx, e.HedgeExpiry(), optionType,
		HedgeStrike(short.Strike, optionType, e.cfg.HedgeDistance), quantity)
}

// HedgeExpiry is the expiry PlaceHedgeOrder buys at: the next weekly expiry.
func (e *Executor) HedgeExpiry() time.Time {
	return models.Day(e.calendar.NextWeeklyExpiry(e.clock.Now()))
}

// HedgeStrike returns the protective strike distance points beyond strike.
func HedgeStrike(strike int, optionType models.OptionType, distance int) int {
	if optionType == models.OptionPut {
		return strike - distance
	}
	return strike + distance
}

// PlaceHedgeAt buys quantity of the contract at an explicit expiry and strike.
func (e *Executor) PlaceHedgeAt(ctx context.Context, expiry time.Time, optionType models.OptionType, strike, quantity int) Result {
	res := Result{Kind: models.KindHedge, Quantity: quantity}
	if quantity <= 0 {
		return res
	}
	symbol, err := e.ResolveSymbol(ctx, expiry, optionType, strike)
	res.Symbol = symbol
	if err != nil {
		return e.fail(ctx, res, broker.TransactionBuy, err)
	}
	return e.placeBuy(ctx, res)
}

// PlaceBuyToCloseOrder buys back a short leg.
func (e *Executor) PlaceBuyToCloseOrder(ctx context.Context, symbol string, quantity int) Result {
	return e.placeBuy(ctx, Result{Kind: models.KindClose, Symbol: symbol, Quantity: quantity})
}

func (e *Executor) placeBuy(ctx context.Context, res Result) Result {
	if res.Quantity <= 0 {
		return e.fail(ctx, res, broker.TransactionBuy, ErrInvalidQuantity)
	}
	if err := e.gate.Check(ctx, res.Symbol, res.Quantity); err != nil {
		return e.fail(ctx, res, broker.TransactionBuy, err)
	}
	ltp, err := e.lastPrice(ctx, res.Symbol)
	if err != nil {
		return e.fail(ctx, res, broker.TransactionBuy, err)
	}
	return e.submit(ctx, res, ltp, broker.OrderRequest{
		TransactionType: broker.TransactionBuy,
		OrderType:       broker.OrderTypeLimit,
		Price:           util.ApplyOffset(ltp, e.cfg.BuyPremium, e.cfg.TickSize),
	})
}

// ResolveSymbol returns the trading symbol for a contract. The
// deterministic symbol is tried first; when the instrument master does not
// list it, the contract is searched by name, expiry, strike and type.
func (e *Executor) ResolveSymbol(ctx context.Context, expiry time.Time, optionType models.OptionType, strike int) (string, error) {
	symbol := models.BuildSymbol(e.cfg.Underlying, expiry, strike, optionType)
	_, err := e.instruments.Lookup(ctx, e.cfg.Exchange, symbol)
	if err == nil {
		return symbol, nil
	}
	if !errors.Is(err, broker.ErrInstrumentNotFound) {
		return symbol, fmt.Errorf("resolve %s: %w", symbol, err)
	}

	all, err := e.instruments.All(ctx, e.cfg.Exchange)
	if err != nil {
		return symbol, fmt.Errorf("resolve %s: %w", symbol, err)
	}
	day := models.Day(expiry)
	for _, inst := range all {
		if inst.Name == e.cfg.Underlying &&
			models.Day(inst.Expiry).Equal(day) &&
			int(inst.Strike) == strike &&
			inst.InstrumentType == optionType.Marker() {
			return inst.Symbol, nil
		}
	}
	return symbol, fmt.Errorf("%w: %s", ErrInstrumentNotFound, symbol)
}

// RequiredHedgeQuantity returns max(0, sell − buy) for the leg pair.
func (e *Executor) RequiredHedgeQuantity(expiry time.Time, optionType models.OptionType) int {
	sell := e.legs.Leg(models.NewLegKey(expiry, optionType, models.DirectionSell)).Quantity
	buy := e.legs.Leg(models.NewLegKey(expiry, optionType, models.DirectionBuy)).Quantity
	if sell <= buy {
		return 0
	}
	return sell - buy
}

// HedgeShortfall is the hedge quantity still owed to one short leg.
type HedgeShortfall struct {
	Key      models.LegKey
	Quantity int
}

// HedgeShortfalls returns the uncovered quantity of every short leg in legs.
// Longs at the short leg's own expiry count first. What remains is covered
// by spare longs of the same type at HedgeExpiry, where new hedges are
// bought; spare cover is consumed as it is allocated so it never covers two
// short legs. A shortfall never exceeds its short quantity.
func (e *Executor) HedgeShortfalls(legs []models.Leg) []HedgeShortfall {
	hedgeExpiry := e.HedgeExpiry()
	spare := make(map[models.OptionType]int, len(models.OptionTypes))
	for _, t := range models.OptionTypes {
		buy := e.legs.Leg(models.NewLegKey(hedgeExpiry, t, models.DirectionBuy)).Quantity
		sell := e.legs.Leg(models.NewLegKey(hedgeExpiry, t, models.DirectionSell)).Quantity
		spare[t] = max(0, buy-sell)
	}

	var out []HedgeShortfall
	for _, leg := range legs {
		if leg.Key.Direction != models.DirectionSell || leg.Quantity <= 0 {
			continue
		}
		need := min(e.RequiredHedgeQuantity(leg.Key.Expiry, leg.Key.Type), leg.Quantity)
		if need > 0 && !leg.Key.Expiry.Equal(hedgeExpiry) {
			use := min(need, spare[leg.Key.Type])
			need -= use
			spare[leg.Key.Type] -= use
		}
		out = append(out, HedgeShortfall{Key: leg.Key, Quantity: need})
	}
	return out
}

func (e *Executor) lastPrice(ctx context.Context, symbol string) (float64, error) {
	q, err := e.gw.Quote(ctx, broker.Key(e.cfg.Exchange, symbol))
	if err != nil {
		return 0, &GatewayError{Op: "quote", Err: err}
	}
	if q == nil || q.LastPrice <= 0 {
		return 0, &GatewayError{Op: "quote", Err: fmt.Errorf("no last price for %s", symbol)}
	}
	return q.LastPrice, nil
}

// submit resolves any prior pending entry for the same symbol and kind,
// places the order and tracks it.
func (e *Executor) submit(ctx context.Context, res Result, ltp float64, req broker.OrderRequest) Result {
	res.Price = req.Price
	if err := e.resolvePrior(ctx, res.Symbol, res.Kind); err != nil {
		return e.failWith(ctx, res, req, ltp, err)
	}

	req.Variety = e.cfg.Variety
	req.Exchange = e.cfg.Exchange
	req.Symbol = res.Symbol
	req.Quantity = res.Quantity
	req.Product = e.cfg.Product
	req.Validity = broker.ValidityDay
	req.Tag = orderTag(res.Kind)

	id, err := e.gw.PlaceOrder(ctx, req)
	if err != nil {
		return e.failWith(ctx, res, req, ltp, &GatewayError{Op: "place order", Err: err})
	}
	res.OrderID = id

	now := e.clock.Now()
	e.mu.Lock()
	e.pending[id] = models.PendingOrder{
		OrderID:     id,
		Symbol:      res.Symbol,
		Quantity:    res.Quantity,
		Kind:        res.Kind,
		Variety:     req.Variety,
		SubmittedAt: now,
	}
	n := len(e.pending)
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"symbol":   res.Symbol,
		"order_id": id,
		"kind":     res.Kind,
		"quantity": res.Quantity,
		"price":    req.Price,
	}).Info("Order placed")
	e.metrics.RecordOrder(string(res.Kind), "placed")
	e.metrics.RecordPending(n)
	e.record(ctx, res, req, ltp, journal.StatusPending, nil)
	return res
}

// resolvePrior cancels a tracked order for the same symbol and kind. An
// order the exchange refuses to cancel permanently is no longer working and
// is dropped; any other failure blocks the new placement.
func (e *Executor) resolvePrior(ctx context.Context, symbol string, kind models.OrderKind) error {
	prior, ok := e.findPending(symbol, kind)
	if !ok {
		return nil
	}
	log := e.logger.WithFields(logrus.Fields{"symbol": symbol, "kind": kind, "order_id": prior.OrderID})
	err := e.gw.CancelOrder(ctx, prior.Variety, prior.OrderID)
	switch {
	case err == nil:
		log.Info("Cancelled prior pending order before replacement")
		e.metrics.RecordCancelled("replace", 1)
	case broker.IsPermanent(err):
		log.WithError(err).Debug("Prior pending order is no longer working")
	default:
		return fmt.Errorf("%w: %s: %w", ErrPendingUnresolved, prior.OrderID, err)
	}
	e.mu.Lock()
	delete(e.pending, prior.OrderID)
	e.mu.Unlock()
	return nil
}

func (e *Executor) findPending(symbol string, kind models.OrderKind) (models.PendingOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pending {
		if p.Symbol == symbol && p.Kind == kind {
			return p, true
		}
	}
	return models.PendingOrder{}, false
}

func (e *Executor) fail(ctx context.Context, res Result, side string, err error) Result {
	return e.failWith(ctx, res, broker.OrderRequest{TransactionType: side}, 0, err)
}

// failWith logs the failure, counts it towards the trading breaker and
// journals it. The returned Result carries the error and no order id.
func (e *Executor) failWith(ctx context.Context, res Result, req broker.OrderRequest, ltp float64, err error) Result {
	res.OrderID = ""
	res.Err = err
	stage := safeguard.StageOf(err)

	e.logger.WithFields(logrus.Fields{
		"symbol":   res.Symbol,
		"kind":     res.Kind,
		"quantity": res.Quantity,
		"stage":    stage,
	}).WithError(err).Warn("Order placement failed")

	if e.breaker.RecordError() {
		e.logger.Error("Trading circuit breaker tripped")
	}
	e.metrics.RecordOrder(string(res.Kind), "failed")
	e.metrics.RecordRejection(string(stage))
	e.record(ctx, res, req, ltp, journal.StatusFailed, err)
	return res
}

func (e *Executor) record(ctx context.Context, res Result, req broker.OrderRequest, ltp float64, status string, err error) {
	e.mu.Lock()
	underlying, vix := e.underlying, e.vix
	e.mu.Unlock()

	r := journal.OrderRecord{
		Timestamp:       e.clock.Now(),
		OrderID:         res.OrderID,
		Symbol:          res.Symbol,
		Kind:            string(res.Kind),
		TransactionType: req.TransactionType,
		Quantity:        res.Quantity,
		Price:           req.Price,
		TriggerPrice:    req.TriggerPrice,
		Status:          status,
		Premium:         ltp,
		UnderlyingPrice: underlying,
		VIX:             vix,
	}
	if err != nil {
		r.Error = err.Error()
	}
	if jerr := e.journal.RecordOrder(ctx, r); jerr != nil {
		e.logger.WithError(jerr).Warn("Failed to journal order")
	}
}

// CancelStaleOrders cancels every tracked order older than timeout and
// returns how many were cancelled. Stop-loss orders rest until triggered and
// never go stale. Orders whose cancel fails stay tracked and are retried on
// the next scan.
func (e *Executor) CancelStaleOrders(ctx context.Context, timeout time.Duration) int {
	now := e.clock.Now()
	var stale []models.PendingOrder
	for _, p := range e.Pending() {
		if p.Kind == models.KindStopLoss {
			continue
		}
		if p.Age(now) > timeout {
			stale = append(stale, p)
		}
	}

	cancelled := 0
	for _, p := range stale {
		log := e.logger.WithFields(logrus.Fields{"symbol": p.Symbol, "order_id": p.OrderID, "kind": p.Kind})
		if err := e.gw.CancelOrder(ctx, p.Variety, p.OrderID); err != nil {
			log.WithError(err).Warn("Failed to cancel stale order, will retry")
			continue
		}
		e.mu.Lock()
		delete(e.pending, p.OrderID)
		e.mu.Unlock()
		cancelled++
		log.WithField("age", p.Age(now).Round(time.Second)).Info("Cancelled stale order")
		e.record(ctx, Result{OrderID: p.OrderID, Kind: p.Kind, Symbol: p.Symbol, Quantity: p.Quantity},
			broker.OrderRequest{}, 0, journal.StatusCancelled, nil)
	}
	e.metrics.RecordCancelled("stale", cancelled)
	e.metrics.RecordPending(e.PendingCount())
	return cancelled
}

// Reconcile drops tracked orders whose exchange status is terminal and
// returns how many were closed. Orders missing from the list stay tracked.
func (e *Executor) Reconcile(orders []broker.Order) int {
	status := make(map[string]string, len(orders))
	for _, o := range orders {
		status[o.OrderID] = o.Status
	}

	e.mu.Lock()
	closed := 0
	for id, p := range e.pending {
		s, ok := status[id]
		if !ok || !broker.IsTerminalStatus(s) {
			continue
		}
		delete(e.pending, id)
		closed++
		e.logger.WithFields(logrus.Fields{"symbol": p.Symbol, "order_id": id, "kind": p.Kind, "status": s}).
			Debug("Pending order resolved")
	}
	e.closed += closed
	n := len(e.pending)
	e.mu.Unlock()

	e.metrics.RecordPending(n)
	return closed
}

// CancelWorkingOrders cancels every open or trigger-pending order for symbol
// in orders and returns how many were cancelled.
func (e *Executor) CancelWorkingOrders(ctx context.Context, symbol string, orders []broker.Order) (int, error) {
	var errs []error
	cancelled := 0
	for _, o := range orders {
		if o.Symbol != symbol || !broker.IsWorkingStatus(o.Status) {
			continue
		}
		variety := o.Variety
		if variety == "" {
			variety = e.cfg.Variety
		}
		if err := e.gw.CancelOrder(ctx, variety, o.OrderID); err != nil {
			errs = append(errs, &GatewayError{Op: "cancel " + o.OrderID, Err: err})
			continue
		}
		cancelled++
		e.mu.Lock()
		delete(e.pending, o.OrderID)
		e.mu.Unlock()
	}
	e.metrics.RecordCancelled("rollover", cancelled)
	return cancelled, errors.Join(errs...)
}

// CancelStopLosses cancels the resting stop-loss orders on symbol: tracked
// STOP_LOSS entries and any working SL order in the broker order book, which
// covers stops placed before a restart. It returns how many were cancelled.
func (e *Executor) CancelStopLosses(ctx context.Context, symbol string, orders []broker.Order) (int, error) {
	targets := make(map[string]string)
	for _, p := range e.Pending() {
		if p.Symbol == symbol && p.Kind == models.KindStopLoss {
			targets[p.OrderID] = p.Variety
		}
	}
	for _, o := range orders {
		if o.Symbol != symbol || o.OrderType != broker.OrderTypeStopLoss || !broker.IsWorkingStatus(o.Status) {
			continue
		}
		if _, ok := targets[o.OrderID]; !ok {
			targets[o.OrderID] = o.Variety
		}
	}

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	cancelled := 0
	for _, id := range ids {
		variety := targets[id]
		if variety == "" {
			variety = e.cfg.Variety
		}
		err := e.gw.CancelOrder(ctx, variety, id)
		switch {
		case err == nil:
			cancelled++
		case broker.IsPermanent(err):
			e.logger.WithError(err).WithField("order_id", id).Debug("Stop-loss is no longer working")
		default:
			errs = append(errs, &GatewayError{Op: "cancel " + id, Err: err})
			continue
		}
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}
	if cancelled > 0 {
		e.logger.WithFields(logrus.Fields{"symbol": symbol, "cancelled": cancelled}).Info("Cancelled stop-loss on closed leg")
	}
	e.metrics.RecordCancelled("close", cancelled)
	e.metrics.RecordPending(e.PendingCount())
	return cancelled, errors.Join(errs...)
}

// Pending returns the tracked orders, oldest first.
func (e *Executor) Pending() []models.PendingOrder {
	e.mu.Lock()
	out := make([]models.PendingOrder, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// PendingCount returns the number of tracked orders.
func (e *Executor) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// HasPending reports whether an order of kind is tracked for symbol.
func (e *Executor) HasPending(symbol string, kind models.OrderKind) bool {
	_, ok := e.findPending(symbol, kind)
	return ok
}

// HasPendingKind reports whether any order of kind is tracked for an option
// of the given type.
func (e *Executor) HasPendingKind(kind models.OrderKind, optionType models.OptionType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pending {
		if p.Kind != kind {
			continue
		}
		if t, ok := models.OptionTypeFromSymbol(p.Symbol); ok && t == optionType {
			return true
		}
	}
	return false
}

// ClosedCount returns how many tracked orders reached a terminal status.
func (e *Executor) ClosedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

var tagCodes = map[models.OrderKind]string{
	models.KindSell:     "SE",
	models.KindStopLoss: "SL",
	models.KindHedge:    "HG",
	models.KindClose:    "CL",
}

// orderTag builds an exchange order tag. Tags are limited to 20 characters.
func orderTag(kind models.OrderKind) string {
	code, ok := tagCodes[kind]
	if !ok {
		code = "XX"
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ifly-" + code + "-" + id[:8]
}
