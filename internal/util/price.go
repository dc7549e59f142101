// Package util provides common utility functions for price calculations.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 101.23 becomes 101.25.
// Ties round away from zero.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 || !finite(x) {
		return x
	}
	t := decimal.NewFromFloat(tick)
	f, _ := decimal.NewFromFloat(x).Div(t).Round(0).Mul(t).Float64()
	return f
}

// FloorToTick rounds x down to a tick multiple.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 || !finite(x) {
		return x
	}
	t := decimal.NewFromFloat(tick)
	f, _ := decimal.NewFromFloat(x).Div(t).Floor().Mul(t).Float64()
	return f
}

// CeilToTick rounds x up to a tick multiple.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 || !finite(x) {
		return x
	}
	t := decimal.NewFromFloat(tick)
	f, _ := decimal.NewFromFloat(x).Div(t).Ceil().Mul(t).Float64()
	return f
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// ApplyOffset returns price scaled by (1 + pct), rounded to tick.
// A negative pct prices below the reference.
func ApplyOffset(price, pct, tick float64) float64 {
	if !finite(price) {
		return price
	}
	p := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(1).Add(decimal.NewFromFloat(pct)))
	f, _ := p.Float64()
	return RoundToTick(f, tick)
}

// Scale returns price × ratio rounded to tick.
func Scale(price, ratio, tick float64) float64 {
	if !finite(price) || !finite(ratio) {
		return price
	}
	f, _ := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(ratio)).Float64()
	return RoundToTick(f, tick)
}
