package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/ironfly/internal/broker"
	"github.com/eddiefleurent/ironfly/internal/expiry"
	"github.com/eddiefleurent/ironfly/internal/journal"
	"github.com/eddiefleurent/ironfly/internal/mock"
	"github.com/eddiefleurent/ironfly/internal/models"
	"github.com/eddiefleurent/ironfly/internal/safeguard"
	"github.com/eddiefleurent/ironfly/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	monday  = time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)
	weekly  = time.Date(2025, 1, 23, 0, 0, 0, 0, time.UTC)
	weekly2 = time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC)
)

type staticLegs struct {
	legs *models.LegMap
}

func (s staticLegs) Leg(key models.LegKey) models.Leg {
	return s.legs.Get(key)
}

type recordingSink struct {
	journal.Nop
	orders []journal.OrderRecord
}

func (r *recordingSink) RecordOrder(_ context.Context, rec journal.OrderRecord) error {
	r.orders = append(r.orders, rec)
	return nil
}

type fixture struct {
	exchange *mock.Exchange
	clock    *util.FakeClock
	breaker  *safeguard.CircuitBreaker
	legs     *models.LegMap
	sink     *recordingSink
	exec     *Executor
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := mock.DefaultConfig()
	cfg.Expiries = []time.Time{weekly, weekly2}
	ex := mock.NewExchange(cfg)

	clock := util.NewFakeClock(monday)
	ex.SetClock(clock.Now)
	cache := broker.NewInstrumentCache(ex, time.Hour)
	cache.SetNow(clock.Now)

	breaker := safeguard.NewCircuitBreaker(10, clock)
	limiter := safeguard.NewRateLimiter(safeguard.DefaultRateLimiterConfig, clock)
	gate := safeguard.NewGate(safeguard.Config{
		Exchange:        "NFO",
		Session:         safeguard.DefaultSession,
		ExpectedLotSize: 75,
	}, ex, cache, limiter, breaker, nil, clock, quietLogger())

	legs := models.NewLegMap()
	sink := &recordingSink{}
	exec := NewExecutor(Config{HedgeDistance: 1000}, Deps{
		Gateway:     ex,
		Instruments: cache,
		Gate:        gate,
		Breaker:     breaker,
		Legs:        staticLegs{legs: legs},
		Calendar:    expiry.NewCalendar(nil, time.UTC),
		Journal:     sink,
		Clock:       clock,
		Logger:      quietLogger(),
	})
	return &fixture{exchange: ex, clock: clock, breaker: breaker, legs: legs, sink: sink, exec: exec}
}

func symbol(strike int, t models.OptionType) string {
	return models.BuildSymbol("NIFTY", weekly, strike, t)
}

func TestNewExecutor_RequiresDeps(t *testing.T) {
	assert.Panics(t, func() { NewExecutor(Config{}, Deps{}) })
}

func TestPlaceSellOrder_PricesBelowLTP(t *testing.T) {
	f := newFixture(t)
	sym := symbol(23500, models.OptionCall)
	f.exchange.SetQuote(sym, 100, nil)

	res := f.exec.PlaceSellOrder(context.Background(), sym, 150)
	require.True(t, res.OK(), "unexpected error: %v", res.Err)
	assert.Equal(t, models.KindSell, res.Kind)

	placed := f.exchange.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, broker.TransactionSell, placed[0].TransactionType)
	assert.Equal(t, broker.OrderTypeLimit, placed[0].OrderType)
	assert.InDelta(t, 95.0, placed[0].Price, 1e-9)
	assert.Equal(t, "NRML", placed[0].Product)
	assert.LessOrEqual(t, len(placed[0].Tag), 20)
	assert.Contains(t, placed[0].Tag, "ifly-SE-")

	require.True(t, f.exec.HasPending(sym, models.KindSell))
	require.Len(t, f.sink.orders, 1)
	assert.Equal(t, journal.StatusPending, f.sink.orders[0].Status)
	assert.InDelta(t, 100.0, f.sink.orders[0].Premium, 1e-9)
}

func TestPlaceSellOrder_RejectsPartialLot(t *testing.T) {
	f := newFixture(t)
	res := f.exec.PlaceSellOrder(context.Background(), symbol(23500, models.OptionPut), 100)

	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, ErrLotMultiple)
	assert.Empty(t, f.exchange.Placed())
	assert.Equal(t, 1, f.breaker.State().Errors)
}

func TestPlacement_FailureContract(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(time.Date(2025, 1, 20, 16, 0, 0, 0, time.UTC))

	res := f.exec.PlaceSellOrder(context.Background(), symbol(23500, models.OptionCall), 75)

	assert.False(t, res.OK())
	assert.Empty(t, res.OrderID)
	assert.ErrorIs(t, res.Err, safeguard.ErrOutsideSession)
	assert.Equal(t, safeguard.StageMarketHours, safeguard.StageOf(res.Err))
	assert.Empty(t, f.exchange.Placed())
	assert.Equal(t, 1, f.breaker.State().Errors)
	require.Len(t, f.sink.orders, 1)
	assert.Equal(t, journal.StatusFailed, f.sink.orders[0].Status)
	assert.NotEmpty(t, f.sink.orders[0].Error)
}

func TestPlacement_GatewayError(t *testing.T) {
	f := newFixture(t)
	f.exchange.FailOn("PlaceOrder", errors.New("connection reset"))

	res := f.exec.PlaceSellOrder(context.Background(), symbol(23500, models.OptionCall), 75)

	assert.False(t, res.OK())
	var gwErr *GatewayError
	require.ErrorAs(t, res.Err, &gwErr)
	assert.Equal(t, "place order", gwErr.Op)
	assert.Equal(t, 0, f.exec.PendingCount())
}

func TestPlaceStopLossOrder(t *testing.T) {
	f := newFixture(t)
	sym := symbol(23500, models.OptionCall)
	f.exchange.SetQuote(sym, 100, nil)

	res := f.exec.PlaceStopLossOrder(context.Background(), sym, 75, 105)
	require.True(t, res.OK(), "unexpected error: %v", res.Err)

	placed := f.exchange.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, broker.TransactionBuy, placed[0].TransactionType)
	assert.Equal(t, broker.OrderTypeStopLoss, placed[0].OrderType)
	assert.InDelta(t, 105.0, placed[0].TriggerPrice, 1e-9)
	assert.InDelta(t, 102.9, placed[0].Price, 1e-9)
}

func TestPlaceStopLossOrder_ImplausibleTrigger(t *testing.T) {
	f := newFixture(t)
	sym := symbol(23500, models.OptionCall)
	f.exchange.SetQuote(sym, 100, nil)

	res := f.exec.PlaceStopLossOrder(context.Background(), sym, 75, 120)

	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, ErrImplausibleTrigger)
	assert.Empty(t, f.exchange.Placed())
}

func TestPlaceHedgeOrder(t *testing.T) {
	f := newFixture(t)
	f.legs.GetOrInsert(models.NewLegKey(weekly, models.OptionCall, models.DirectionSell)).
		Add(symbol(23500, models.OptionCall), 23500, -150, 100)
	hedge := symbol(24500, models.OptionCall)
	f.exchange.SetQuote(hedge, 10, nil)

	res := f.exec.PlaceHedgeOrder(context.Background(), weekly, models.OptionCall, 150)
	require.True(t, res.OK(), "unexpected error: %v", res.Err)
	assert.Equal(t, hedge, res.Symbol)

	placed := f.exchange.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, broker.TransactionBuy, placed[0].TransactionType)
	assert.InDelta(t, 10.5, placed[0].Price, 1e-9)
	assert.True(t, f.exec.HasPendingKind(models.KindHedge, models.OptionCall))
	assert.False(t, f.exec.HasPendingKind(models.KindHedge, models.OptionPut))
}

func TestPlaceHedgeOrder_NoOpAndMissingShort(t *testing.T) {
	f := newFixture(t)

	res := f.exec.PlaceHedgeOrder(context.Background(), weekly, models.OptionPut, 0)
	assert.False(t, res.OK())
	assert.NoError(t, res.Err)

	res = f.exec.PlaceHedgeOrder(context.Background(), weekly, models.OptionPut, 75)
	assert.ErrorIs(t, res.Err, ErrNoShortStrike)
	assert.Empty(t, f.exchange.Placed())
}

func TestHedgeStrike(t *testing.T) {
	assert.Equal(t, 24500, HedgeStrike(23500, models.OptionCall, 1000))
	assert.Equal(t, 22500, HedgeStrike(23500, models.OptionPut, 1000))
}

func TestResolveSymbol_FallsBackToInstrumentSearch(t *testing.T) {
	f := newFixture(t)
	f.exchange.AddInstrument(broker.Instrument{
		Symbol:         "NIFTY2520623600CE",
		Name:           "NIFTY",
		Expiry:         time.Date(2025, 2, 6, 0, 0, 0, 0, time.UTC),
		Strike:         23600,
		LotSize:        75,
		InstrumentType: "CE",
		Exchange:       "NFO",
	})

	sym, err := f.exec.ResolveSymbol(context.Background(), time.Date(2025, 2, 6, 0, 0, 0, 0, time.UTC), models.OptionCall, 23600)
	require.NoError(t, err)
	assert.Equal(t, "NIFTY2520623600CE", sym)

	_, err = f.exec.ResolveSymbol(context.Background(), time.Date(2025, 2, 6, 0, 0, 0, 0, time.UTC), models.OptionPut, 23600)
	assert.ErrorIs(t, err, ErrInstrumentNotFound)
}

func TestRequiredHedgeQuantity(t *testing.T) {
	f := newFixture(t)
	f.legs.GetOrInsert(models.NewLegKey(weekly, models.OptionCall, models.DirectionSell)).Add("a", 23500, -10, 100)
	f.legs.GetOrInsert(models.NewLegKey(weekly, models.OptionCall, models.DirectionBuy)).Add("b", 24500, 4, 5)
	f.legs.GetOrInsert(models.NewLegKey(weekly, models.OptionPut, models.DirectionSell)).Add("c", 23500, -4, 100)
	f.legs.GetOrInsert(models.NewLegKey(weekly, models.OptionPut, models.DirectionBuy)).Add("d", 22500, 10, 5)

	assert.Equal(t, 6, f.exec.RequiredHedgeQuantity(weekly, models.OptionCall))
	assert.Equal(t, 0, f.exec.RequiredHedgeQuantity(weekly, models.OptionPut))
	assert.Equal(t, 0, f.exec.RequiredHedgeQuantity(weekly2, models.OptionCall))
}

func placeStop(t *testing.T, f *fixture, strike int) string {
	t.Helper()
	sym := symbol(strike, models.OptionCall)
	f.exchange.SetQuote(sym, 100, nil)
	res := f.exec.PlaceStopLossOrder(context.Background(), sym, 75, 105)
	require.True(t, res.OK(), "unexpected error: %v", res.Err)
	return res.OrderID
}

func placeClose(t *testing.T, f *fixture, strike int) string {
	t.Helper()
	f.exchange.HoldLimitOrders(true)
	sym := symbol(strike, models.OptionCall)
	f.exchange.SetQuote(sym, 40, nil)
	res := f.exec.PlaceBuyToCloseOrder(context.Background(), sym, 75)
	require.True(t, res.OK(), "unexpected error: %v", res.Err)
	return res.OrderID
}

func TestCancelStaleOrders(t *testing.T) {
	f := newFixture(t)

	oldest := placeClose(t, f, 23500)
	f.clock.Advance(50 * time.Minute)
	middle := placeClose(t, f, 23550)
	f.clock.Advance(30 * time.Minute)
	fresh := placeClose(t, f, 23600)
	f.clock.Advance(10 * time.Minute)

	n := f.exec.CancelStaleOrders(context.Background(), 30*time.Minute)

	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{oldest, middle}, f.exchange.Cancelled())
	pending := f.exec.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, fresh, pending[0].OrderID)
}

func TestCancelStaleOrders_StopLossesRest(t *testing.T) {
	f := newFixture(t)
	stop := placeStop(t, f, 23500)
	placeClose(t, f, 23600)
	f.clock.Advance(2 * time.Hour)

	assert.Equal(t, 1, f.exec.CancelStaleOrders(context.Background(), 30*time.Minute))
	assert.NotContains(t, f.exchange.Cancelled(), stop)
	assert.True(t, f.exec.HasPending(symbol(23500, models.OptionCall), models.KindStopLoss))
	assert.Equal(t, 1, f.exec.PendingCount())
}

func TestCancelStaleOrders_FailedCancelStaysTracked(t *testing.T) {
	f := newFixture(t)
	placeClose(t, f, 23500)
	f.clock.Advance(time.Hour)
	f.exchange.FailOn("CancelOrder", errors.New("timeout"))

	assert.Equal(t, 0, f.exec.CancelStaleOrders(context.Background(), 30*time.Minute))
	assert.Equal(t, 1, f.exec.PendingCount())

	f.exchange.FailOn("CancelOrder", nil)
	assert.Equal(t, 1, f.exec.CancelStaleOrders(context.Background(), 30*time.Minute))
	assert.Equal(t, 0, f.exec.PendingCount())
}

func TestCancelStopLosses(t *testing.T) {
	f := newFixture(t)
	sym := symbol(23500, models.OptionCall)
	tracked := placeStop(t, f, 23500)
	other := placeStop(t, f, 23600)
	closing := placeClose(t, f, 23500)
	f.exchange.AddOrder(broker.Order{
		OrderID:         "240000001",
		Symbol:          sym,
		Status:          broker.StatusTriggerPending,
		TransactionType: broker.TransactionBuy,
		OrderType:       broker.OrderTypeStopLoss,
		Quantity:        75,
	})
	orders, err := f.exchange.Orders(context.Background())
	require.NoError(t, err)

	n, err := f.exec.CancelStopLosses(context.Background(), sym, orders)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{tracked, "240000001"}, f.exchange.Cancelled())
	assert.False(t, f.exec.HasPending(sym, models.KindStopLoss))
	assert.True(t, f.exec.HasPending(sym, models.KindClose), "close order %s must survive", closing)
	assert.True(t, f.exec.HasPending(symbol(23600, models.OptionCall), models.KindStopLoss), other)
}

func TestHedgeShortfalls_CountsCoverAtHedgeExpiry(t *testing.T) {
	f := newFixture(t)
	feb6 := time.Date(2025, 2, 6, 0, 0, 0, 0, time.UTC)
	add := func(exp time.Time, typ models.OptionType, qty int) {
		dir := models.DirectionFromQuantity(qty)
		f.legs.GetOrInsert(models.NewLegKey(exp, typ, dir)).
			Add(models.BuildSymbol("NIFTY", exp, 23500, typ), 23500, qty, 10)
	}
	require.True(t, f.exec.HedgeExpiry().Equal(weekly))

	add(weekly, models.OptionCall, 75)
	add(weekly2, models.OptionCall, -75)
	add(feb6, models.OptionCall, -75)
	add(weekly, models.OptionPut, 75)
	add(weekly2, models.OptionPut, -150)

	got := make(map[models.LegKey]int)
	for _, sf := range f.exec.HedgeShortfalls(f.legs.Legs()) {
		got[sf.Key] = sf.Quantity
	}
	assert.Equal(t, map[models.LegKey]int{
		models.NewLegKey(weekly2, models.OptionCall, models.DirectionSell): 0,
		models.NewLegKey(feb6, models.OptionCall, models.DirectionSell):    75,
		models.NewLegKey(weekly2, models.OptionPut, models.DirectionSell):  75,
	}, got)
}

func TestHedgeShortfalls_SameExpiryMatchesRequiredQuantity(t *testing.T) {
	f := newFixture(t)
	f.legs.GetOrInsert(models.NewLegKey(weekly, models.OptionCall, models.DirectionSell)).Add("a", 23500, -10, 100)
	f.legs.GetOrInsert(models.NewLegKey(weekly, models.OptionCall, models.DirectionBuy)).Add("b", 24500, 4, 5)

	got := f.exec.HedgeShortfalls(f.legs.Legs())
	require.Len(t, got, 1)
	assert.Equal(t, 6, got[0].Quantity)
	assert.Equal(t, f.exec.RequiredHedgeQuantity(weekly, models.OptionCall), got[0].Quantity)
}

func TestOnePendingPerSymbolAndKind(t *testing.T) {
	f := newFixture(t)
	first := placeStop(t, f, 23500)
	second := placeStop(t, f, 23500)

	assert.Equal(t, []string{first}, f.exchange.Cancelled())
	pending := f.exec.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, second, pending[0].OrderID)
}

func TestOnePendingPerSymbolAndKind_UnresolvedPriorBlocks(t *testing.T) {
	f := newFixture(t)
	first := placeStop(t, f, 23500)
	f.exchange.FailOn("CancelOrder", errors.New("timeout"))

	sym := symbol(23500, models.OptionCall)
	res := f.exec.PlaceStopLossOrder(context.Background(), sym, 75, 105)

	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, ErrPendingUnresolved)
	pending := f.exec.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, first, pending[0].OrderID)
	assert.Len(t, f.exchange.Placed(), 1)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	sym := symbol(23500, models.OptionCall)
	f.exchange.SetQuote(sym, 100, nil)
	require.True(t, f.exec.PlaceSellOrder(context.Background(), sym, 75).OK())
	placeStop(t, f, 23600)

	orders, err := f.exchange.Orders(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.exec.Reconcile(orders))
	assert.Equal(t, 1, f.exec.ClosedCount())
	assert.Equal(t, 1, f.exec.PendingCount())
	assert.True(t, f.exec.HasPending(symbol(23600, models.OptionCall), models.KindStopLoss))
}

func TestCancelWorkingOrders(t *testing.T) {
	f := newFixture(t)
	id := placeStop(t, f, 23500)
	orders, err := f.exchange.Orders(context.Background())
	require.NoError(t, err)

	n, err := f.exec.CancelWorkingOrders(context.Background(), symbol(23500, models.OptionCall), orders)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{id}, f.exchange.Cancelled())
	assert.Equal(t, 0, f.exec.PendingCount())
}

func TestPlaceBuyToCloseOrder(t *testing.T) {
	f := newFixture(t)
	sym := symbol(23500, models.OptionPut)
	f.exchange.SetQuote(sym, 40, nil)

	res := f.exec.PlaceBuyToCloseOrder(context.Background(), sym, 75)
	require.True(t, res.OK(), "unexpected error: %v", res.Err)
	assert.Equal(t, models.KindClose, res.Kind)
	assert.InDelta(t, 42.0, res.Price, 1e-9)
}
