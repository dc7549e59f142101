package safeguard

import (
	"testing"

	"github.com/eddiefleurent/ironfly/internal/util"
	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_TripsOnNthError(t *testing.T) {
	clock := util.NewFakeClock(t0)
	b := NewCircuitBreaker(5, clock)

	for i := 1; i < 5; i++ {
		assert.False(t, b.RecordError(), "error %d must not trip", i)
		assert.False(t, b.Tripped())
	}
	assert.True(t, b.RecordError())
	assert.True(t, b.Tripped())

	state := b.State()
	assert.Equal(t, 5, state.Errors)
	assert.True(t, state.LastTrip.Equal(t0))
}

func TestCircuitBreaker_ResetStartsFresh(t *testing.T) {
	b := NewCircuitBreaker(3, util.NewFakeClock(t0))
	for i := 0; i < 3; i++ {
		b.RecordError()
	}
	assert.True(t, b.Tripped())

	b.Reset()
	assert.False(t, b.Tripped())
	assert.Equal(t, 0, b.State().Errors)

	b.RecordError()
	b.RecordError()
	assert.False(t, b.Tripped())
	assert.True(t, b.RecordError())
}
