package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestInstrumentCache_LookupAndTTL(t *testing.T) {
	gw := &MockGateway{}
	gw.On("Instruments", mock.Anything, "NFO").Return([]Instrument{
		{Symbol: "NIFTY2513023500CE", LotSize: 75},
	}, nil)

	now := time.Date(2025, 1, 23, 9, 0, 0, 0, time.UTC)
	cache := NewInstrumentCache(gw, 10*time.Minute)
	cache.SetNow(func() time.Time { return now })

	inst, err := cache.Lookup(context.Background(), "NFO", "NIFTY2513023500CE")
	require.NoError(t, err)
	assert.Equal(t, 75, inst.LotSize)

	_, err = cache.Lookup(context.Background(), "NFO", "MISSING")
	assert.True(t, errors.Is(err, ErrInstrumentNotFound))
	gw.AssertNumberOfCalls(t, "Instruments", 1)

	now = now.Add(11 * time.Minute)
	_, err = cache.All(context.Background(), "NFO")
	require.NoError(t, err)
	gw.AssertNumberOfCalls(t, "Instruments", 2)

	cache.Invalidate("NFO")
	_, err = cache.All(context.Background(), "NFO")
	require.NoError(t, err)
	gw.AssertNumberOfCalls(t, "Instruments", 3)
}

func TestInstrumentCache_ServesStaleOnFailure(t *testing.T) {
	gw := &MockGateway{}
	gw.On("Instruments", mock.Anything, "NFO").Return([]Instrument{{Symbol: "A", LotSize: 75}}, nil).Once()
	gw.On("Instruments", mock.Anything, "NFO").Return([]Instrument(nil), errors.New("timeout"))

	now := time.Date(2025, 1, 23, 9, 0, 0, 0, time.UTC)
	cache := NewInstrumentCache(gw, time.Minute)
	cache.SetNow(func() time.Time { return now })

	_, err := cache.Lookup(context.Background(), "NFO", "A")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	inst, err := cache.Lookup(context.Background(), "NFO", "A")
	require.NoError(t, err)
	assert.Equal(t, 75, inst.LotSize)

	gw.On("Instruments", mock.Anything, "BFO").Return([]Instrument(nil), errors.New("timeout"))
	_, err = cache.Lookup(context.Background(), "BFO", "A")
	assert.Error(t, err)
}
