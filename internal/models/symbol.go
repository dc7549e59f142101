package models

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// symbolExpiryLayout is the DDMMMYY expiry segment used in trading symbols.
const symbolExpiryLayout = "02Jan06"

var symbolPattern = regexp.MustCompile(`^([A-Z&-]+?)(\d{2}[A-Z]{3}\d{2})(\d+)(CE|PE)$`)

// BuildSymbol returns {underlying}{DDMMMYY}{strike}{CE|PE}.
func BuildSymbol(underlying string, expiry time.Time, strike int, t OptionType) string {
	return underlying + strings.ToUpper(expiry.Format(symbolExpiryLayout)) + strconv.Itoa(strike) + t.Marker()
}

// OptionTypeFromSymbol classifies a trading symbol by its option marker.
func OptionTypeFromSymbol(symbol string) (OptionType, bool) {
	switch {
	case strings.HasSuffix(symbol, "CE"):
		return OptionCall, true
	case strings.HasSuffix(symbol, "PE"):
		return OptionPut, true
	default:
		return "", false
	}
}

// ParsedSymbol is the structural decomposition of a trading symbol.
type ParsedSymbol struct {
	Underlying string
	Expiry     time.Time
	Strike     int
	Type       OptionType
}

// ParseSymbol splits a symbol built by BuildSymbol back into its parts.
// The strike is the integer run immediately preceding the option marker.
func ParseSymbol(symbol string) (ParsedSymbol, error) {
	m := symbolPattern.FindStringSubmatch(symbol)
	if m == nil {
		return ParsedSymbol{}, fmt.Errorf("unrecognized option symbol: %s", symbol)
	}
	exp, err := time.Parse(symbolExpiryLayout, titleMonth(m[2]))
	if err != nil {
		return ParsedSymbol{}, fmt.Errorf("invalid expiry in symbol %s: %w", symbol, err)
	}
	strike, err := strconv.Atoi(m[3])
	if err != nil {
		return ParsedSymbol{}, fmt.Errorf("invalid strike in symbol %s: %w", symbol, err)
	}
	t, _ := OptionTypeFromSymbol(symbol)
	return ParsedSymbol{Underlying: m[1], Expiry: Day(exp), Strike: strike, Type: t}, nil
}

// titleMonth turns "23JAN25" into "23Jan25" so time.Parse accepts it.
func titleMonth(s string) string {
	if len(s) != 7 {
		return s
	}
	return s[:2] + s[2:3] + strings.ToLower(s[3:5]) + s[5:]
}

// RoundToStrike rounds price to the nearest multiple of step.
func RoundToStrike(price float64, step int) int {
	if step <= 0 {
		return int(math.Round(price))
	}
	return int(math.Round(price/float64(step))) * step
}
