package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockGateway is a testify mock of Gateway.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) NetPositions(ctx context.Context) ([]Position, error) {
	args := m.Called(ctx)
	return args.Get(0).([]Position), args.Error(1)
}

func (m *MockGateway) Margins(ctx context.Context) (*Margins, error) {
	args := m.Called(ctx)
	return args.Get(0).(*Margins), args.Error(1)
}

func (m *MockGateway) Orders(ctx context.Context) ([]Order, error) {
	args := m.Called(ctx)
	return args.Get(0).([]Order), args.Error(1)
}

func (m *MockGateway) OrderHistory(ctx context.Context, orderID string) ([]Order, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).([]Order), args.Error(1)
}

func (m *MockGateway) Instruments(ctx context.Context, exchange string) ([]Instrument, error) {
	args := m.Called(ctx, exchange)
	return args.Get(0).([]Instrument), args.Error(1)
}

func (m *MockGateway) Quote(ctx context.Context, key string) (*Quote, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(*Quote), args.Error(1)
}

func (m *MockGateway) Holidays(ctx context.Context, segment string) ([]time.Time, error) {
	args := m.Called(ctx, segment)
	return args.Get(0).([]time.Time), args.Error(1)
}

func (m *MockGateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) CancelOrder(ctx context.Context, variety, orderID string) error {
	args := m.Called(ctx, variety, orderID)
	return args.Error(0)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestCircuitBreakerGateway_PassesThrough(t *testing.T) {
	gw := &MockGateway{}
	gw.On("Orders", mock.Anything).Return([]Order{{OrderID: "1"}}, nil)
	gw.On("CancelOrder", mock.Anything, "regular", "1").Return(nil)

	cb := NewCircuitBreakerGateway(gw, quietLogger())
	orders, err := cb.Orders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.NoError(t, cb.CancelOrder(context.Background(), "regular", "1"))
	gw.AssertExpectations(t)
}

func TestCircuitBreakerGateway_OpensOnTransportFailures(t *testing.T) {
	gw := &MockGateway{}
	gw.On("Orders", mock.Anything).Return([]Order(nil), errors.New("connection reset"))

	cb := NewCircuitBreakerGatewayWithSettings(gw, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.5,
	}, quietLogger())

	for i := 0; i < 3; i++ {
		_, err := cb.Orders(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Orders(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	gw.AssertNumberOfCalls(t, "Orders", 3)
}

func TestCircuitBreakerGateway_IgnoresPermanentErrors(t *testing.T) {
	gw := &MockGateway{}
	rejected := &APIError{Status: 400, ErrorType: "InputException", Message: "bad quantity"}
	gw.On("PlaceOrder", mock.Anything, mock.Anything).Return("", rejected)

	cb := NewCircuitBreakerGatewayWithSettings(gw, CircuitBreakerSettings{
		MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 2, FailureRatio: 0.5,
	}, quietLogger())

	for i := 0; i < 5; i++ {
		_, err := cb.PlaceOrder(context.Background(), OrderRequest{Symbol: "X"})
		require.ErrorAs(t, err, &rejected)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestIsTerminalStatus(t *testing.T) {
	assert.True(t, IsTerminalStatus(StatusComplete))
	assert.True(t, IsTerminalStatus(StatusRejected))
	assert.False(t, IsTerminalStatus(StatusOpen))
	assert.True(t, IsWorkingStatus(StatusTriggerPending))
	assert.False(t, IsWorkingStatus(StatusCancelled))
}
