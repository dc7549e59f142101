package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultInstrumentTTL is how long a downloaded instrument master is reused.
const DefaultInstrumentTTL = 15 * time.Minute

// ErrInstrumentNotFound is returned when a symbol is absent from the
// instrument master.
var ErrInstrumentNotFound = errors.New("instrument not found")

// InstrumentSource is the subset of Gateway the cache needs.
type InstrumentSource interface {
	Instruments(ctx context.Context, exchange string) ([]Instrument, error)
}

// InstrumentLookup resolves a single instrument.
type InstrumentLookup interface {
	Lookup(ctx context.Context, exchange, symbol string) (Instrument, error)
}

type instrumentEntry struct {
	fetched  time.Time
	all      []Instrument
	bySymbol map[string]int
}

// InstrumentCache memoizes the instrument master per exchange.
type InstrumentCache struct {
	source InstrumentSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*instrumentEntry
}

// NewInstrumentCache returns a cache over source. A non-positive ttl uses
// DefaultInstrumentTTL.
func NewInstrumentCache(source InstrumentSource, ttl time.Duration) *InstrumentCache {
	if ttl <= 0 {
		ttl = DefaultInstrumentTTL
	}
	return &InstrumentCache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*instrumentEntry),
	}
}

// SetNow overrides the cache clock.
func (c *InstrumentCache) SetNow(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *InstrumentCache) load(ctx context.Context, exchange string) (*instrumentEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[exchange]; ok && c.now().Sub(e.fetched) < c.ttl {
		return e, nil
	}
	list, err := c.source.Instruments(ctx, exchange)
	if err != nil {
		// keep serving the stale copy if there is one
		if e, ok := c.entries[exchange]; ok {
			return e, nil
		}
		return nil, err
	}
	e := &instrumentEntry{
		fetched:  c.now(),
		all:      list,
		bySymbol: make(map[string]int, len(list)),
	}
	for i, inst := range list {
		e.bySymbol[inst.Symbol] = i
	}
	c.entries[exchange] = e
	return e, nil
}

// Lookup returns the instrument for symbol on exchange.
func (c *InstrumentCache) Lookup(ctx context.Context, exchange, symbol string) (Instrument, error) {
	e, err := c.load(ctx, exchange)
	if err != nil {
		return Instrument{}, err
	}
	i, ok := e.bySymbol[symbol]
	if !ok {
		return Instrument{}, fmt.Errorf("%s:%s: %w", exchange, symbol, ErrInstrumentNotFound)
	}
	return e.all[i], nil
}

// All returns the full instrument list for exchange.
func (c *InstrumentCache) All(ctx context.Context, exchange string) ([]Instrument, error) {
	e, err := c.load(ctx, exchange)
	if err != nil {
		return nil, err
	}
	return e.all, nil
}

// Invalidate drops the cached master for exchange.
func (c *InstrumentCache) Invalidate(exchange string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, exchange)
}
