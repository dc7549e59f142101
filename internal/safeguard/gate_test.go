package safeguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/ironfly/internal/broker"
	"github.com/eddiefleurent/ironfly/internal/mock"
	"github.com/eddiefleurent/ironfly/internal/models"
	"github.com/eddiefleurent/ironfly/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var gateExpiry = time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC)

type holidaySet map[time.Time]bool

func (h holidaySet) IsHoliday(t time.Time) bool { return h[models.Day(t)] }

type gateFixture struct {
	gate    *Gate
	ex      *mock.Exchange
	clock   *util.FakeClock
	breaker *CircuitBreaker
	symbol  string
}

func newGateFixture(t *testing.T, holidays HolidayChecker) *gateFixture {
	t.Helper()
	cfg := mock.DefaultConfig()
	cfg.Expiries = []time.Time{gateExpiry}
	ex := mock.NewExchange(cfg)
	clock := util.NewFakeClock(time.Date(2025, 1, 27, 10, 0, 0, 0, time.UTC)) // Monday
	breaker := NewCircuitBreaker(3, clock)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	gate := NewGate(Config{
		Exchange:          "NFO",
		Session:           DefaultSession,
		ExpectedLotSize:   75,
		LiquidityMultiple: 3,
		DepthLevels:       5,
	}, ex, broker.NewInstrumentCache(ex, time.Hour), NewRateLimiter(DefaultRateLimiterConfig, clock),
		breaker, holidays, clock, logger)

	return &gateFixture{
		gate:    gate,
		ex:      ex,
		clock:   clock,
		breaker: breaker,
		symbol:  models.BuildSymbol("NIFTY", gateExpiry, 23500, models.OptionCall),
	}
}

func TestGate_Allows(t *testing.T) {
	f := newGateFixture(t, nil)
	require.NoError(t, f.gate.Check(context.Background(), f.symbol, 75))
	assert.Equal(t, 1, f.gate.Limiter().State().Count)
}

func TestGate_MarketHours(t *testing.T) {
	tests := []struct {
		name  string
		now   time.Time
		allow bool
	}{
		{"before open", time.Date(2025, 1, 27, 9, 14, 59, 0, time.UTC), false},
		{"at open", time.Date(2025, 1, 27, 9, 15, 0, 0, time.UTC), true},
		{"at close", time.Date(2025, 1, 27, 15, 30, 0, 0, time.UTC), true},
		{"after close", time.Date(2025, 1, 27, 15, 30, 1, 0, time.UTC), false},
		{"saturday", time.Date(2025, 1, 25, 11, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture(t, nil)
			f.clock.Set(tt.now)
			err := f.gate.Check(context.Background(), f.symbol, 75)
			if tt.allow {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, StageMarketHours, StageOf(err))
			assert.True(t, errors.Is(err, ErrOutsideSession))
			assert.Zero(t, f.gate.Limiter().State().Count, "rejected before the rate limiter")
		})
	}
}

func TestGate_Holiday(t *testing.T) {
	f := newGateFixture(t, holidaySet{time.Date(2025, 1, 27, 0, 0, 0, 0, time.UTC): true})
	err := f.gate.Check(context.Background(), f.symbol, 75)
	assert.True(t, errors.Is(err, ErrOutsideSession))
}

func TestGate_Liquidity(t *testing.T) {
	f := newGateFixture(t, nil)
	f.ex.SetQuote(f.symbol, 100, []broker.DepthLevel{
		{Price: 100.05, Quantity: 75}, {Price: 100.1, Quantity: 75}, {Price: 100.15, Quantity: 50},
		{Price: 100.2, Quantity: 10}, {Price: 100.25, Quantity: 15}, {Price: 100.3, Quantity: 1000},
	})

	// top five levels sum to 225 = 3 × 75
	require.NoError(t, f.gate.Check(context.Background(), f.symbol, 75))

	f.clock.Advance(5 * time.Second)
	err := f.gate.Check(context.Background(), f.symbol, 150)
	require.Error(t, err)
	assert.Equal(t, StageLiquidity, StageOf(err))
	assert.True(t, errors.Is(err, ErrInsufficientLiquidity))
}

func TestGate_QuoteFailure(t *testing.T) {
	f := newGateFixture(t, nil)
	f.ex.FailOn("Quote", errors.New("feed down"))
	err := f.gate.Check(context.Background(), f.symbol, 75)
	assert.Equal(t, StageLiquidity, StageOf(err))
	assert.True(t, errors.Is(err, ErrQuoteUnavailable))
}

func TestGate_CorporateAction(t *testing.T) {
	f := newGateFixture(t, nil)
	f.ex.SetLotSize(f.symbol, 50)

	err := f.gate.Check(context.Background(), f.symbol, 75)
	require.Error(t, err)
	assert.Equal(t, StageCorporateAction, StageOf(err))
	assert.True(t, errors.Is(err, ErrLotSizeChanged))
}

func TestGate_BreakerRefuses(t *testing.T) {
	f := newGateFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.breaker.RecordError()
	}
	err := f.gate.Check(context.Background(), f.symbol, 75)
	assert.True(t, errors.Is(err, ErrBreakerTripped))
	assert.Equal(t, StageBreaker, StageOf(err))

	f.breaker.Reset()
	assert.NoError(t, f.gate.Check(context.Background(), f.symbol, 75))
}

func TestGate_SpacingBetweenChecks(t *testing.T) {
	f := newGateFixture(t, nil)
	require.NoError(t, f.gate.Check(context.Background(), f.symbol, 75))
	start := f.clock.Now()
	require.NoError(t, f.gate.Check(context.Background(), f.symbol, 75))
	assert.Equal(t, 2*time.Second, f.clock.Now().Sub(start))
}

func TestSession_Location(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	s := Session{Location: ist, Start: DefaultSession.Start, End: DefaultSession.End}
	// 04:00 UTC is 09:30 IST
	assert.True(t, s.Contains(time.Date(2025, 1, 27, 4, 0, 0, 0, time.UTC)))
	assert.False(t, s.Contains(time.Date(2025, 1, 27, 11, 0, 0, 0, time.UTC)))
}
