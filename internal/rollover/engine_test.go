package rollover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/ironfly/internal/broker"
	"github.com/eddiefleurent/ironfly/internal/expiry"
	"github.com/eddiefleurent/ironfly/internal/models"
	"github.com/eddiefleurent/ironfly/internal/orders"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	expiring = time.Date(2025, 1, 23, 0, 0, 0, 0, time.UTC)
	next     = time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC)
)

type legMapSource struct {
	*models.LegMap
}

func (l legMapSource) Leg(key models.LegKey) models.Leg { return l.Get(key) }

type mockPlacer struct {
	mock.Mock
}

func (m *mockPlacer) PlaceHedgeAt(ctx context.Context, exp time.Time, t models.OptionType, strike, qty int) orders.Result {
	args := m.Called(ctx, exp, t, strike, qty)
	return args.Get(0).(orders.Result)
}

func (m *mockPlacer) CancelWorkingOrders(ctx context.Context, symbol string, book []broker.Order) (int, error) {
	args := m.Called(ctx, symbol, book)
	return args.Int(0), args.Error(1)
}

type stubOrders struct {
	book []broker.Order
	err  error
}

func (s stubOrders) Orders(context.Context) ([]broker.Order, error) { return s.book, s.err }

type stubATM struct {
	strike int
	err    error
}

func (s stubATM) ATMStrike(context.Context) (int, error) { return s.strike, s.err }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func hedgeLegs() *models.LegMap {
	legs := models.NewLegMap()
	legs.GetOrInsert(models.NewLegKey(expiring, models.OptionCall, models.DirectionSell)).
		Add("NIFTY23JAN2523500CE", 23500, -150, 120)
	legs.GetOrInsert(models.NewLegKey(expiring, models.OptionCall, models.DirectionBuy)).
		Add("NIFTY23JAN2524500CE", 24500, 150, 4)
	legs.GetOrInsert(models.NewLegKey(expiring, models.OptionPut, models.DirectionBuy)).
		Add("NIFTY23JAN2522500PE", 22500, 150, 5)
	return legs
}

func TestPolicy_Strike(t *testing.T) {
	p := Policy{HedgeDistance: 1000, MaxDrift: 200}

	assert.Equal(t, 24500, p.Strike(24500, models.OptionCall, 23600), "within drift carries forward")
	assert.Equal(t, 24800, p.Strike(24500, models.OptionCall, 23800), "beyond drift re-centres")
	assert.Equal(t, 22000, p.Strike(22500, models.OptionPut, 23000))
	assert.Equal(t, 24500, p.Strike(24500, models.OptionCall, 0), "no ATM carries forward")
	assert.Equal(t, 24500, Policy{HedgeDistance: 1000}.Strike(24500, models.OptionCall, 26000))
}

func TestEngine_RollIsIndependentPerType(t *testing.T) {
	book := []broker.Order{
		{OrderID: "9", Symbol: "NIFTY23JAN2522500PE", Status: broker.StatusTriggerPending},
	}
	p := &mockPlacer{}
	p.On("PlaceHedgeAt", mock.Anything, next, models.OptionCall, 24500, 150).
		Return(orders.Result{Kind: models.KindHedge, Symbol: "NIFTY30JAN2524500CE", Err: errors.New("insufficient liquidity")})
	p.On("PlaceHedgeAt", mock.Anything, next, models.OptionPut, 22500, 150).
		Return(orders.Result{OrderID: "42", Kind: models.KindHedge, Symbol: "NIFTY30JAN2522500PE", Quantity: 150})
	p.On("CancelWorkingOrders", mock.Anything, "NIFTY23JAN2522500PE", book).Return(1, nil)

	e := NewEngine(Policy{HedgeDistance: 1000}, legMapSource{hedgeLegs()}, p, stubOrders{book: book},
		expiry.NewCalendar(nil, time.UTC), stubATM{err: errors.New("no quote")}, nil, quietLogger())

	out := e.Roll(context.Background(), []time.Time{expiring})
	require.Len(t, out, 2)

	byType := map[models.OptionType]Outcome{}
	for _, o := range out {
		byType[o.Type] = o
	}
	call, put := byType[models.OptionCall], byType[models.OptionPut]
	assert.Error(t, call.Err)
	assert.Empty(t, call.OrderID)
	assert.NoError(t, put.Err)
	assert.Equal(t, "42", put.OrderID)
	assert.Equal(t, 1, put.Cancelled)
	assert.Equal(t, next, put.NewExpiry)
	p.AssertExpectations(t)
	p.AssertNotCalled(t, "CancelWorkingOrders", mock.Anything, "NIFTY23JAN2524500CE", mock.Anything)
}

func TestEngine_RollIgnoresOtherExpiriesAndShorts(t *testing.T) {
	p := &mockPlacer{}
	e := NewEngine(Policy{}, legMapSource{hedgeLegs()}, p, stubOrders{},
		expiry.NewCalendar(nil, time.UTC), nil, nil, quietLogger())

	assert.Empty(t, e.Roll(context.Background(), []time.Time{next}))
	p.AssertNotCalled(t, "PlaceHedgeAt", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_SkipsAlreadyRolled(t *testing.T) {
	legs := hedgeLegs()
	legs.GetOrInsert(models.NewLegKey(next, models.OptionCall, models.DirectionBuy)).
		Add("NIFTY30JAN2524500CE", 24500, 150, 9)
	legs.GetOrInsert(models.NewLegKey(next, models.OptionPut, models.DirectionBuy)).
		Add("NIFTY30JAN2522500PE", 22500, 150, 9)

	p := &mockPlacer{}
	e := NewEngine(Policy{}, legMapSource{legs}, p, stubOrders{},
		expiry.NewCalendar(nil, time.UTC), nil, nil, quietLogger())

	out := e.Roll(context.Background(), []time.Time{expiring})
	require.Len(t, out, 2)
	for _, o := range out {
		assert.True(t, o.Skipped)
	}
	p.AssertNotCalled(t, "PlaceHedgeAt", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_RecentresOnDrift(t *testing.T) {
	p := &mockPlacer{}
	p.On("PlaceHedgeAt", mock.Anything, next, models.OptionCall, 25000, 150).
		Return(orders.Result{OrderID: "1", Kind: models.KindHedge, Symbol: "NIFTY30JAN2525000CE"})
	p.On("PlaceHedgeAt", mock.Anything, next, models.OptionPut, 23000, 150).
		Return(orders.Result{OrderID: "2", Kind: models.KindHedge, Symbol: "NIFTY30JAN2523000PE"})
	p.On("CancelWorkingOrders", mock.Anything, mock.Anything, mock.Anything).Return(0, nil)

	e := NewEngine(Policy{HedgeDistance: 1000, MaxDrift: 100}, legMapSource{hedgeLegs()}, p, stubOrders{},
		expiry.NewCalendar(nil, time.UTC), stubATM{strike: 24000}, nil, quietLogger())

	out := e.Roll(context.Background(), []time.Time{expiring})
	require.Len(t, out, 2)
	p.AssertExpectations(t)
}

func TestEngine_Expiring(t *testing.T) {
	legs := hedgeLegs()
	legs.GetOrInsert(models.NewLegKey(next, models.OptionPut, models.DirectionSell)).Add("x", 23500, -75, 50)
	e := NewEngine(Policy{}, legMapSource{legs}, &mockPlacer{}, stubOrders{},
		expiry.NewCalendar(nil, time.UTC), nil, nil, quietLogger())

	thursday := time.Date(2025, 1, 23, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, []time.Time{expiring}, e.Expiring(thursday, 0))

	monday := time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, []time.Time{expiring}, e.Expiring(monday, 3))
	assert.Empty(t, e.Expiring(monday, 2))
}
