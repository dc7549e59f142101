// Package models defines the leg, pending-order and symbol types shared by the
// position tracker, the order executor and the rollover engine.
package models

import (
	"fmt"
	"sort"
	"time"
)

// OptionType is the option side of a leg.
type OptionType string

const (
	// OptionCall represents a call option contract
	OptionCall OptionType = "CALL"
	// OptionPut represents a put option contract
	OptionPut OptionType = "PUT"
)

// OptionTypes lists both option types in a stable order.
var OptionTypes = []OptionType{OptionCall, OptionPut}

// Marker returns the exchange symbol suffix for the option type.
func (t OptionType) Marker() string {
	switch t {
	case OptionCall:
		return "CE"
	case OptionPut:
		return "PE"
	default:
		return ""
	}
}

// Valid returns true if the OptionType is one of the defined constants
func (t OptionType) Valid() bool {
	return t == OptionCall || t == OptionPut
}

// Direction is the side of a leg: short (SELL) or long (BUY).
type Direction string

const (
	// DirectionSell is a short leg
	DirectionSell Direction = "SELL"
	// DirectionBuy is a long leg, usually a hedge
	DirectionBuy Direction = "BUY"
)

// DirectionFromQuantity maps a signed broker quantity onto a direction.
func DirectionFromQuantity(qty int) Direction {
	if qty < 0 {
		return DirectionSell
	}
	return DirectionBuy
}

// Day truncates t to its calendar date, expressed as midnight UTC so that it
// can be used as a comparable map key regardless of the source location.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// LegKey identifies one leg of the strategy.
type LegKey struct {
	Expiry    time.Time
	Type      OptionType
	Direction Direction
}

// NewLegKey builds a key with the expiry normalized to a calendar day.
func NewLegKey(expiry time.Time, t OptionType, d Direction) LegKey {
	return LegKey{Expiry: Day(expiry), Type: t, Direction: d}
}

func (k LegKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Expiry.Format("2006-01-02"), k.Type, k.Direction)
}

// LegPart is one contract's contribution to a leg.
type LegPart struct {
	Symbol       string  `json:"symbol"`
	Strike       int     `json:"strike"`
	Quantity     int     `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
}

// Leg is the aggregated broker position for one key. A leg can span several
// strikes; Parts keeps each contract's own quantity and entry price.
type Leg struct {
	Key          LegKey    `json:"key"`
	Quantity     int       `json:"quantity"`
	AveragePrice float64   `json:"average_price"`
	Symbol       string    `json:"symbol,omitempty"`
	Strike       int       `json:"strike,omitempty"`
	Symbols      []string  `json:"symbols,omitempty"`
	Parts        []LegPart `json:"parts,omitempty"`

	// largest contributor quantity, used to pick Symbol/Strike
	primaryQty int
}

// Add folds one broker position into the leg. Quantities are absolute; the
// average price is quantity-weighted across contributors.
func (l *Leg) Add(symbol string, strike, qty int, avgPrice float64) {
	if qty < 0 {
		qty = -qty
	}
	if avgPrice < 0 {
		avgPrice = 0
	}
	total := l.Quantity + qty
	if total > 0 {
		l.AveragePrice = (l.AveragePrice*float64(l.Quantity) + avgPrice*float64(qty)) / float64(total)
	}
	l.Quantity = total
	l.addPart(symbol, strike, qty, avgPrice)
	if qty > l.primaryQty || l.Symbol == "" {
		l.primaryQty = qty
		l.Symbol = symbol
		l.Strike = strike
	}
}

func (l *Leg) addPart(symbol string, strike, qty int, avgPrice float64) {
	for i := range l.Parts {
		p := &l.Parts[i]
		if p.Symbol != symbol {
			continue
		}
		if n := p.Quantity + qty; n > 0 {
			p.AveragePrice = (p.AveragePrice*float64(p.Quantity) + avgPrice*float64(qty)) / float64(n)
		}
		p.Quantity += qty
		return
	}
	l.Symbols = append(l.Symbols, symbol)
	l.Parts = append(l.Parts, LegPart{Symbol: symbol, Strike: strike, Quantity: qty, AveragePrice: avgPrice})
}

// LegMap is the typed leg map owned by the position tracker.
type LegMap struct {
	legs map[LegKey]*Leg
}

// NewLegMap returns an empty leg map.
func NewLegMap() *LegMap {
	return &LegMap{legs: make(map[LegKey]*Leg)}
}

// Get returns a copy of the leg for key, or a zero-quantity leg on miss.
// A miss does not insert anything.
func (m *LegMap) Get(key LegKey) Leg {
	if l, ok := m.legs[key]; ok {
		return l.clone()
	}
	return Leg{Key: key}
}

// GetOrInsert returns the stored leg for key, inserting an explicit
// zero-quantity leg first if none exists.
func (m *LegMap) GetOrInsert(key LegKey) *Leg {
	l, ok := m.legs[key]
	if !ok {
		l = &Leg{Key: key}
		m.legs[key] = l
	}
	return l
}

// Len returns the number of stored legs.
func (m *LegMap) Len() int {
	return len(m.legs)
}

// Legs returns copies of all legs sorted by expiry, type and direction.
func (m *LegMap) Legs() []Leg {
	out := make([]Leg, 0, len(m.legs))
	for _, l := range m.legs {
		out = append(out, l.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if !a.Expiry.Equal(b.Expiry) {
			return a.Expiry.Before(b.Expiry)
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Direction < b.Direction
	})
	return out
}

// Expiries returns the distinct expiries present in the map, ascending.
func (m *LegMap) Expiries() []time.Time {
	seen := make(map[time.Time]struct{})
	var out []time.Time
	for k := range m.legs {
		if _, ok := seen[k.Expiry]; ok {
			continue
		}
		seen[k.Expiry] = struct{}{}
		out = append(out, k.Expiry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (l *Leg) clone() Leg {
	c := *l
	if l.Symbols != nil {
		c.Symbols = append([]string(nil), l.Symbols...)
	}
	if l.Parts != nil {
		c.Parts = append([]LegPart(nil), l.Parts...)
	}
	return c
}

// HasActiveStraddle reports whether some expiry carries both a short call and a
// short put.
func HasActiveStraddle(legs []Leg) bool {
	shortCalls := make(map[time.Time]bool)
	shortPuts := make(map[time.Time]bool)
	for _, l := range legs {
		if l.Key.Direction != DirectionSell || l.Quantity <= 0 {
			continue
		}
		switch l.Key.Type {
		case OptionCall:
			shortCalls[l.Key.Expiry] = true
		case OptionPut:
			shortPuts[l.Key.Expiry] = true
		}
	}
	for exp := range shortCalls {
		if shortPuts[exp] {
			return true
		}
	}
	return false
}
