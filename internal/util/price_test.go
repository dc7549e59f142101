package util

import (
	"math"
	"testing"
	"time"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{"rounds down to nearest nickel", 101.22, 0.05, 101.20},
		{"rounds up to nearest nickel", 101.23, 0.05, 101.25},
		{"tie rounds away from zero", 1.235, 0.01, 1.24},
		{"negative tie rounds away from zero", -1.235, 0.01, -1.24},
		{"exact multiple", 84.15, 0.05, 84.15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTick(tt.x, tt.tick)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("RoundToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, result, tt.expected)
			}
		})
	}
}

func TestFloorAndCeilToTick(t *testing.T) {
	if got := FloorToTick(1.2999999999999, 0.05); math.Abs(got-1.25) > 1e-10 {
		t.Errorf("FloorToTick = %v, expected 1.25", got)
	}
	if got := CeilToTick(1.2500000000001, 0.05); math.Abs(got-1.30) > 1e-10 {
		t.Errorf("CeilToTick = %v, expected 1.30", got)
	}
	if got := FloorToTick(-1.237, 0.01); math.Abs(got+1.24) > 1e-10 {
		t.Errorf("FloorToTick negative = %v, expected -1.24", got)
	}
}

func TestTickRoundingEdgeCases(t *testing.T) {
	if RoundToTick(1.2345, 0) != 1.2345 {
		t.Error("zero tick must return input")
	}
	if !math.IsNaN(RoundToTick(math.NaN(), 0.05)) {
		t.Error("NaN must pass through")
	}
	if !math.IsInf(CeilToTick(math.Inf(1), 0.05), 1) {
		t.Error("Inf must pass through")
	}
}

func TestApplyOffsetAndScale(t *testing.T) {
	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"sell five percent below", ApplyOffset(100, -0.05, 0.05), 95},
		{"buy five percent above", ApplyOffset(80, 0.05, 0.05), 84},
		{"odd price rounds to tick", ApplyOffset(123.45, -0.05, 0.05), 117.3},
		{"stop limit ratio", Scale(150, 0.98, 0.05), 147},
		{"trigger ceiling", Scale(80, 1.10, 0.05), 88},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if math.Abs(tt.got-tt.want) > 1e-9 {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	c.Sleep(2 * time.Second)
	c.Sleep(0)
	c.Advance(time.Minute)

	if !c.Now().Equal(start.Add(62 * time.Second)) {
		t.Errorf("unexpected fake time %v", c.Now())
	}
	if len(c.Slept) != 1 || c.Slept[0] != 2*time.Second {
		t.Errorf("unexpected recorded sleeps %v", c.Slept)
	}
}
