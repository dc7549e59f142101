package models

import (
	"testing"
	"time"
)

func TestBuildSymbol(t *testing.T) {
	exp := time.Date(2025, 1, 23, 0, 0, 0, 0, time.UTC)
	if got := BuildSymbol("NIFTY", exp, 23500, OptionCall); got != "NIFTY23JAN2523500CE" {
		t.Errorf("unexpected call symbol %s", got)
	}
	if got := BuildSymbol("BANKNIFTY", exp, 48000, OptionPut); got != "BANKNIFTY23JAN2548000PE" {
		t.Errorf("unexpected put symbol %s", got)
	}
}

func TestParseSymbol_RoundTrip(t *testing.T) {
	exp := time.Date(2025, 10, 9, 0, 0, 0, 0, time.UTC)
	sym := BuildSymbol("NIFTY", exp, 25150, OptionPut)

	p, err := ParseSymbol(sym)
	if err != nil {
		t.Fatalf("ParseSymbol(%s) failed: %v", sym, err)
	}
	if p.Underlying != "NIFTY" || p.Strike != 25150 || p.Type != OptionPut || !p.Expiry.Equal(exp) {
		t.Errorf("unexpected parse result: %+v", p)
	}
}

func TestParseSymbol_Invalid(t *testing.T) {
	for _, s := range []string{"", "NIFTY", "NIFTY23JAN25CE", "NIFTY23XYZ2523500CE", "NIFTY23JAN2523500FUT"} {
		if _, err := ParseSymbol(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestOptionTypeFromSymbol(t *testing.T) {
	if ot, ok := OptionTypeFromSymbol("NIFTY23JAN2523500CE"); !ok || ot != OptionCall {
		t.Errorf("expected CALL, got %v %v", ot, ok)
	}
	if ot, ok := OptionTypeFromSymbol("NIFTY23JAN2523500PE"); !ok || ot != OptionPut {
		t.Errorf("expected PUT, got %v %v", ot, ok)
	}
	if _, ok := OptionTypeFromSymbol("NIFTY25JANFUT"); ok {
		t.Error("futures symbol must not classify as an option")
	}
}

func TestRoundToStrike(t *testing.T) {
	cases := []struct {
		price float64
		step  int
		want  int
	}{
		{23512.4, 50, 23500},
		{23526, 50, 23550},
		{48049, 100, 48000},
		{101.6, 0, 102},
	}
	for _, c := range cases {
		if got := RoundToStrike(c.price, c.step); got != c.want {
			t.Errorf("RoundToStrike(%v,%d) = %d, want %d", c.price, c.step, got, c.want)
		}
	}
}
