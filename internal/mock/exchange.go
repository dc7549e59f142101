// Package mock provides an in-memory paper exchange implementing
// broker.Gateway. It backs paper mode and the package tests.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eddiefleurent/ironfly/internal/broker"
	"github.com/eddiefleurent/ironfly/internal/models"
	"github.com/eddiefleurent/ironfly/internal/util"
)

// Config describes the synthetic market.
type Config struct {
	Exchange      string
	Underlying    string
	UnderlyingKey string
	Product       string
	LotSize       int
	StrikeStep    int
	Spot          float64
	Vol           float64 // annualized, e.g. 0.14
	Expiries      []time.Time
	// Strikes generated on each side of the spot
	Width int
	// Resting quantity per depth level, in lots
	DepthLots int
}

// DefaultConfig is a NIFTY-like market.
func DefaultConfig() Config {
	return Config{
		Exchange:      "NFO",
		Underlying:    "NIFTY",
		UnderlyingKey: "NSE:NIFTY 50",
		Product:       "NRML",
		LotSize:       75,
		StrikeStep:    50,
		Spot:          23500,
		Vol:           0.14,
		Width:         20,
		DepthLots:     10,
	}
}

// Exchange is a paper exchange. Limit orders fill immediately at their limit
// price unless held; stop-loss orders rest as TRIGGER PENDING.
type Exchange struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	spot        float64
	drift       bool
	holdLimits  bool
	instruments []broker.Instrument
	bySymbol    map[string]int
	quotes      map[string]*broker.Quote
	positions   map[string]*broker.Position
	posOrder    []string
	orders      []broker.Order
	history     map[string][]broker.Order
	holidays    []time.Time
	failures    map[string]error
	placed      []broker.OrderRequest
	cancelled   []string
	nextID      int
}

var _ broker.Gateway = (*Exchange)(nil)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// NewExchange builds a synthetic option chain around cfg.Spot for every
// configured expiry.
func NewExchange(cfg Config) *Exchange {
	def := DefaultConfig()
	if cfg.Exchange == "" {
		cfg.Exchange = def.Exchange
	}
	if cfg.Underlying == "" {
		cfg.Underlying = def.Underlying
	}
	if cfg.UnderlyingKey == "" {
		cfg.UnderlyingKey = def.UnderlyingKey
	}
	if cfg.LotSize <= 0 {
		cfg.LotSize = def.LotSize
	}
	if cfg.StrikeStep <= 0 {
		cfg.StrikeStep = def.StrikeStep
	}
	if cfg.Spot <= 0 {
		cfg.Spot = def.Spot
	}
	if cfg.Vol <= 0 {
		cfg.Vol = def.Vol
	}
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.DepthLots <= 0 {
		cfg.DepthLots = def.DepthLots
	}
	e := &Exchange{
		cfg:       cfg,
		now:       time.Now,
		spot:      cfg.Spot,
		bySymbol:  make(map[string]int),
		quotes:    make(map[string]*broker.Quote),
		positions: make(map[string]*broker.Position),
		history:   make(map[string][]broker.Order),
		failures:  make(map[string]error),
		nextID:    1,
	}
	for _, exp := range cfg.Expiries {
		e.ListExpiry(exp)
	}
	return e
}

// ListExpiry adds a strike ladder for expiry to the instrument master.
func (e *Exchange) ListExpiry(expiry time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	atm := models.RoundToStrike(e.spot, e.cfg.StrikeStep)
	for i := -e.cfg.Width; i <= e.cfg.Width; i++ {
		strike := atm + i*e.cfg.StrikeStep
		for _, t := range models.OptionTypes {
			e.addInstrumentLocked(broker.Instrument{
				InstrumentToken: int64(len(e.instruments) + 1000),
				Symbol:          models.BuildSymbol(e.cfg.Underlying, expiry, strike, t),
				Name:            e.cfg.Underlying,
				Expiry:          models.Day(expiry),
				Strike:          float64(strike),
				TickSize:        0.05,
				LotSize:         e.cfg.LotSize,
				InstrumentType:  t.Marker(),
				Segment:         e.cfg.Exchange + "-OPT",
				Exchange:        e.cfg.Exchange,
			})
		}
	}
}

func (e *Exchange) addInstrumentLocked(inst broker.Instrument) {
	if i, ok := e.bySymbol[inst.Symbol]; ok {
		e.instruments[i] = inst
		return
	}
	e.bySymbol[inst.Symbol] = len(e.instruments)
	e.instruments = append(e.instruments, inst)
}

// AddInstrument adds or replaces one instrument.
func (e *Exchange) AddInstrument(inst broker.Instrument) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inst.Exchange == "" {
		inst.Exchange = e.cfg.Exchange
	}
	e.addInstrumentLocked(inst)
}

// SetLotSize changes the lot size of a listed instrument.
func (e *Exchange) SetLotSize(symbol string, lot int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i, ok := e.bySymbol[symbol]; ok {
		e.instruments[i].LotSize = lot
	}
}

// SetClock overrides the exchange clock used for order timestamps.
func (e *Exchange) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// EnableDrift makes the underlying random-walk on every underlying quote.
func (e *Exchange) EnableDrift() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drift = true
}

// HoldLimitOrders makes new LIMIT orders rest OPEN until Fill is called.
func (e *Exchange) HoldLimitOrders(hold bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holdLimits = hold
}

// Fill completes a working order at its limit (or trigger) price and books
// the position.
func (e *Exchange) Fill(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.orders {
		o := &e.orders[i]
		if o.OrderID != orderID {
			continue
		}
		if !broker.IsWorkingStatus(o.Status) {
			return fmt.Errorf("order %s is %s", orderID, o.Status)
		}
		price := o.Price
		if price <= 0 {
			price = o.TriggerPrice
		}
		o.Status = broker.StatusComplete
		o.FilledQuantity = o.Quantity
		o.PendingQuantity = 0
		o.AveragePrice = price
		o.ExchangeTimestamp = broker.Timestamp{Time: e.now()}
		e.history[orderID] = append(e.history[orderID], *o)
		e.fillLocked(broker.OrderRequest{
			Exchange:        o.Exchange,
			Symbol:          o.Symbol,
			TransactionType: o.TransactionType,
			Product:         o.Product,
			Quantity:        o.Quantity,
			Price:           price,
		})
		return nil
	}
	return fmt.Errorf("order %s not found", orderID)
}

// SetSpot moves the underlying.
func (e *Exchange) SetSpot(spot float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spot = spot
}

// SetQuote pins the quote for symbol. A nil depth gets synthetic depth.
func (e *Exchange) SetQuote(symbol string, ltp float64, sellDepth []broker.DepthLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := &broker.Quote{LastPrice: ltp}
	if sellDepth != nil {
		q.Depth.Sell = sellDepth
	} else {
		q.Depth = e.syntheticDepth(ltp)
	}
	e.quotes[broker.Key(e.cfg.Exchange, symbol)] = q
}

// SetPosition places or replaces a net position for symbol.
func (e *Exchange) SetPosition(p broker.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Exchange == "" {
		p.Exchange = e.cfg.Exchange
	}
	if p.Product == "" {
		p.Product = e.cfg.Product
	}
	e.enrichLocked(&p)
	if _, ok := e.positions[p.Symbol]; !ok {
		e.posOrder = append(e.posOrder, p.Symbol)
	}
	e.positions[p.Symbol] = &p
}

// AddOrder inserts an order into the book, with optional history.
func (e *Exchange) AddOrder(o broker.Order, history ...broker.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o.Exchange == "" {
		o.Exchange = e.cfg.Exchange
	}
	if o.Variety == "" {
		o.Variety = broker.VarietyRegular
	}
	e.orders = append(e.orders, o)
	if len(history) > 0 {
		e.history[o.OrderID] = history
	} else {
		e.history[o.OrderID] = []broker.Order{o}
	}
}

// SetOrderStatus moves an order to status.
func (e *Exchange) SetOrderStatus(orderID, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.orders {
		if e.orders[i].OrderID == orderID {
			e.orders[i].Status = status
			e.history[orderID] = append(e.history[orderID], e.orders[i])
		}
	}
}

// SetHolidays sets the holiday list returned by Holidays.
func (e *Exchange) SetHolidays(days []time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holidays = days
}

// FailOn makes the named Gateway method return err until cleared with a nil err.
func (e *Exchange) FailOn(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, method)
		return
	}
	e.failures[method] = err
}

// Placed returns every accepted order request.
func (e *Exchange) Placed() []broker.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]broker.OrderRequest(nil), e.placed...)
}

// Cancelled returns the ids of every cancelled order.
func (e *Exchange) Cancelled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.cancelled...)
}

// Spot returns the current underlying price.
func (e *Exchange) Spot() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spot
}

// ============ broker.Gateway ============

// NetPositions returns the net position book marked to the current quotes.
func (e *Exchange) NetPositions(ctx context.Context) ([]broker.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failures["NetPositions"]; err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(e.positions))
	for _, sym := range e.posOrder {
		p := *e.positions[sym]
		if ltp, ok := e.lastPriceLocked(sym); ok {
			p.LastPrice = ltp
			p.Unrealised = (ltp - p.AveragePrice) * float64(p.Quantity)
			p.PnL = p.Realised + p.Unrealised
		}
		out = append(out, p)
	}
	return out, nil
}

// Margins returns a synthetic margin summary.
func (e *Exchange) Margins(ctx context.Context) (*broker.Margins, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failures["Margins"]; err != nil {
		return nil, err
	}
	m := &broker.Margins{Net: 1_000_000}
	for _, p := range e.positions {
		if p.Quantity < 0 {
			m.Utilised.Span += float64(-p.Quantity) * e.spot * 0.09
			m.Utilised.Exposure += float64(-p.Quantity) * e.spot * 0.02
		}
	}
	m.Available.Cash = m.Net
	m.Available.LiveBalance = m.Net - m.Used()
	return m, nil
}

// Orders returns the order book.
func (e *Exchange) Orders(ctx context.Context) ([]broker.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failures["Orders"]; err != nil {
		return nil, err
	}
	return append([]broker.Order(nil), e.orders...), nil
}

// OrderHistory returns the recorded state transitions of an order.
func (e *Exchange) OrderHistory(ctx context.Context, orderID string) ([]broker.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failures["OrderHistory"]; err != nil {
		return nil, err
	}
	h, ok := e.history[orderID]
	if !ok {
		return nil, &broker.APIError{Status: 404, ErrorType: "OrderException", Message: "order not found " + orderID}
	}
	return append([]broker.Order(nil), h...), nil
}

// Instruments returns the synthetic instrument master.
func (e *Exchange) Instruments(ctx context.Context, exchange string) ([]broker.Instrument, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failures["Instruments"]; err != nil {
		return nil, err
	}
	var out []broker.Instrument
	for _, inst := range e.instruments {
		if inst.Exchange == exchange {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Quote returns a pinned quote, the underlying, or a synthetic option quote.
func (e *Exchange) Quote(ctx context.Context, key string) (*broker.Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failures["Quote"]; err != nil {
		return nil, err
	}
	if q, ok := e.quotes[key]; ok {
		c := *q
		return &c, nil
	}
	if key == e.cfg.UnderlyingKey {
		if e.drift {
			e.spot += (secureFloat64() - 0.5) * 2 * float64(e.cfg.StrikeStep) / 10
		}
		return &broker.Quote{LastPrice: util.RoundToTick(e.spot, 0.05)}, nil
	}
	sym := key
	if len(key) > len(e.cfg.Exchange)+1 && key[:len(e.cfg.Exchange)+1] == e.cfg.Exchange+":" {
		sym = key[len(e.cfg.Exchange)+1:]
	}
	i, ok := e.bySymbol[sym]
	if !ok {
		return nil, &broker.APIError{Status: 400, ErrorType: "InputException", Message: "invalid instrument " + key}
	}
	ltp := e.premium(e.instruments[i])
	return &broker.Quote{
		InstrumentToken: e.instruments[i].InstrumentToken,
		LastPrice:       ltp,
		Depth:           e.syntheticDepth(ltp),
	}, nil
}

// Holidays returns the configured holiday list.
func (e *Exchange) Holidays(ctx context.Context, segment string) ([]time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failures["Holidays"]; err != nil {
		return nil, err
	}
	return append([]time.Time(nil), e.holidays...), nil
}

// PlaceOrder accepts an order. LIMIT orders fill at their price at once.
func (e *Exchange) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failures["PlaceOrder"]; err != nil {
		return "", err
	}
	if _, ok := e.bySymbol[req.Symbol]; !ok {
		return "", &broker.APIError{Status: 400, ErrorType: "InputException", Message: "invalid tradingsymbol " + req.Symbol}
	}
	if req.Quantity <= 0 {
		return "", &broker.APIError{Status: 400, ErrorType: "InputException", Message: "invalid quantity"}
	}
	id := strconv.Itoa(250000000 + e.nextID)
	e.nextID++
	e.placed = append(e.placed, req)

	o := broker.Order{
		OrderID:         id,
		Symbol:          req.Symbol,
		Exchange:        req.Exchange,
		Status:          broker.StatusOpen,
		TransactionType: req.TransactionType,
		Variety:         req.Variety,
		Product:         req.Product,
		OrderType:       req.OrderType,
		Quantity:        req.Quantity,
		PendingQuantity: req.Quantity,
		Price:           req.Price,
		TriggerPrice:    req.TriggerPrice,
		Tag:             req.Tag,
		OrderTimestamp:  broker.Timestamp{Time: e.now()},
	}
	hist := []broker.Order{o}
	switch {
	case req.OrderType == broker.OrderTypeStopLoss:
		o.Status = broker.StatusTriggerPending
		hist = append(hist, o)
	case e.holdLimits:
	default:
		o.Status = broker.StatusComplete
		o.FilledQuantity = req.Quantity
		o.PendingQuantity = 0
		o.AveragePrice = req.Price
		o.ExchangeTimestamp = broker.Timestamp{Time: e.now()}
		hist = append(hist, o)
		e.fillLocked(req)
	}
	e.orders = append(e.orders, o)
	e.history[id] = hist
	return id, nil
}

// CancelOrder cancels a working order.
func (e *Exchange) CancelOrder(ctx context.Context, variety, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failures["CancelOrder"]; err != nil {
		return err
	}
	for i := range e.orders {
		if e.orders[i].OrderID != orderID {
			continue
		}
		if !broker.IsWorkingStatus(e.orders[i].Status) {
			return &broker.APIError{Status: 400, ErrorType: "OrderException",
				Message: fmt.Sprintf("order %s is %s and cannot be cancelled", orderID, e.orders[i].Status)}
		}
		e.orders[i].Status = broker.StatusCancelled
		e.history[orderID] = append(e.history[orderID], e.orders[i])
		e.cancelled = append(e.cancelled, orderID)
		return nil
	}
	return &broker.APIError{Status: 404, ErrorType: "OrderException", Message: "order not found " + orderID}
}

// ============ internals ============

func (e *Exchange) fillLocked(req broker.OrderRequest) {
	signed := req.Quantity
	if req.TransactionType == broker.TransactionSell {
		signed = -signed
	}
	p, ok := e.positions[req.Symbol]
	if !ok {
		p = &broker.Position{Symbol: req.Symbol, Exchange: req.Exchange, Product: req.Product}
		e.enrichLocked(p)
		e.positions[req.Symbol] = p
		e.posOrder = append(e.posOrder, req.Symbol)
	}
	switch {
	case p.Quantity == 0 || (p.Quantity > 0) == (signed > 0):
		total := math.Abs(float64(p.Quantity)) + math.Abs(float64(signed))
		p.AveragePrice = (p.AveragePrice*math.Abs(float64(p.Quantity)) + req.Price*math.Abs(float64(signed))) / total
		p.Quantity += signed
	default:
		closing := min(abs(p.Quantity), abs(signed))
		if p.Quantity < 0 {
			p.Realised += (p.AveragePrice - req.Price) * float64(closing)
		} else {
			p.Realised += (req.Price - p.AveragePrice) * float64(closing)
		}
		p.Quantity += signed
		switch {
		case p.Quantity == 0:
			p.AveragePrice = 0
		case abs(signed) > closing:
			p.AveragePrice = req.Price
		}
	}
}

func (e *Exchange) enrichLocked(p *broker.Position) {
	if i, ok := e.bySymbol[p.Symbol]; ok {
		inst := e.instruments[i]
		if p.Expiry.IsZero() {
			p.Expiry = inst.Expiry
		}
		if p.Strike == 0 {
			p.Strike = int(inst.Strike)
		}
		if p.InstrumentType == "" {
			p.InstrumentType = inst.InstrumentType
		}
	}
}

func (e *Exchange) lastPriceLocked(symbol string) (float64, bool) {
	if q, ok := e.quotes[broker.Key(e.cfg.Exchange, symbol)]; ok {
		return q.LastPrice, true
	}
	if i, ok := e.bySymbol[symbol]; ok {
		return e.premium(e.instruments[i]), true
	}
	return 0, false
}

// premium is a crude intrinsic-plus-time-value model, good enough for paper
// fills; it is not a pricing model.
func (e *Exchange) premium(inst broker.Instrument) float64 {
	intrinsic := 0.0
	switch inst.InstrumentType {
	case "CE":
		intrinsic = math.Max(0, e.spot-inst.Strike)
	case "PE":
		intrinsic = math.Max(0, inst.Strike-e.spot)
	}
	dte := inst.Expiry.Sub(models.Day(e.now())).Hours() / 24
	if dte < 0.5 {
		dte = 0.5
	}
	distance := math.Abs(inst.Strike - e.spot)
	timeValue := e.cfg.Vol * e.spot * math.Sqrt(dte/365) * 0.4 * math.Exp(-distance/(e.spot*0.02))
	return util.RoundToTick(math.Max(0.05, intrinsic+timeValue), 0.05)
}

func (e *Exchange) syntheticDepth(ltp float64) broker.Depth {
	var d broker.Depth
	qty := e.cfg.LotSize * e.cfg.DepthLots
	for i := 0; i < 5; i++ {
		step := 0.05 * float64(i+1)
		d.Sell = append(d.Sell, broker.DepthLevel{Price: util.RoundToTick(ltp+step, 0.05), Quantity: qty, Orders: 3})
		d.Buy = append(d.Buy, broker.DepthLevel{Price: util.RoundToTick(math.Max(0.05, ltp-step), 0.05), Quantity: qty, Orders: 3})
	}
	return d
}

// Symbols returns listed option symbols in ascending order.
func (e *Exchange) Symbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.instruments))
	for _, inst := range e.instruments {
		out = append(out, inst.Symbol)
	}
	sort.Strings(out)
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
