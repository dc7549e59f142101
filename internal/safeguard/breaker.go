package safeguard

import (
	"sync"
	"time"

	"github.com/eddiefleurent/ironfly/internal/util"
)

// BreakerState is a snapshot of the trading circuit breaker.
type BreakerState struct {
	Errors    int       `json:"errors"`
	Threshold int       `json:"threshold"`
	Tripped   bool      `json:"tripped"`
	LastTrip  time.Time `json:"last_trip,omitempty"`
}

// CircuitBreaker halts order placement after Threshold recorded errors until
// Reset is called.
type CircuitBreaker struct {
	mu        sync.RWMutex
	threshold int
	errors    int
	tripped   bool
	lastTrip  time.Time
	clock     util.Clock
}

// NewCircuitBreaker creates a breaker that trips on the threshold-th error.
func NewCircuitBreaker(threshold int, clock util.Clock) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &CircuitBreaker{threshold: threshold, clock: clock}
}

// RecordError counts one error and reports whether the breaker is tripped.
func (b *CircuitBreaker) RecordError() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors++
	if !b.tripped && b.errors >= b.threshold {
		b.tripped = true
		b.lastTrip = b.clock.Now()
	}
	return b.tripped
}

// Tripped reports whether order placement is halted.
func (b *CircuitBreaker) Tripped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tripped
}

// Reset clears the error count and the tripped flag.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors = 0
	b.tripped = false
}

// State returns the breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BreakerState{Errors: b.errors, Threshold: b.threshold, Tripped: b.tripped, LastTrip: b.lastTrip}
}
