// Package precision floors quantities and prices to the granularity an
// exchange mandates for a symbol. Floating-point math is not good enough
// here: 0.0049999 sent as 0.005 is a rejected order, so all rounding is
// done in decimal space.
package precision

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// SymbolFilters holds the trading constraints of one symbol, as published
// by the exchange's instrument/exchange-info endpoint. Values are decimal
// strings exactly as the exchange reports them ("0.001", "0.10").
type SymbolFilters struct {
	Symbol      string
	StepSize    string // minimum quantity increment
	TickSize    string // minimum price increment
	MinNotional string // minimum order value in quote currency
}

// FloorToStep floors qty to the symbol's step size and renders it the way
// exchanges expect: fixed decimals, no exponent, no trailing garbage.
// A zero or unparseable step leaves qty untouched.
func FloorToStep(qty float64, step string) string {
	return floorTo(qty, step)
}

// FloorToTick floors price to the symbol's tick size.
func FloorToTick(price float64, tick string) string {
	return floorTo(price, tick)
}

// CeilToStep rounds qty up to the next step. Used for min-notional bumps
// where truncating down would drop the order below the exchange minimum.
func CeilToStep(qty float64, step string) string {
	s, err := decimal.NewFromString(step)
	if err != nil || s.IsZero() {
		return trimFloat(qty)
	}
	q := decimal.NewFromFloat(qty)
	return q.Div(s).Ceil().Mul(s).String()
}

func floorTo(v float64, inc string) string {
	i, err := decimal.NewFromString(inc)
	if err != nil || i.IsZero() {
		return trimFloat(v)
	}
	d := decimal.NewFromFloat(v)
	return d.Div(i).Floor().Mul(i).String()
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Float is a convenience for callers that need the floored value back as a
// number (sizing math, notional checks).
func Float(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
