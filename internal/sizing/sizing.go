// Package sizing converts a signal's reference quantity, sized against the
// master account's baseline capital, into a quantity proportional to one
// follower account's live balance.
package sizing

import (
	"context"
	"log/slog"
	"math"

	"github.com/deltaflow/engine/internal/audit"
)

// BalanceFunc returns the balance segment relevant to the trade (futures
// available balance, or the spot segment for spot trades).
type BalanceFunc func(ctx context.Context) (float64, error)

// Result carries the scaled quantity and the inputs that produced it.
type Result struct {
	Quantity   float64
	Multiplier float64
	Balance    float64
	Fallback   bool // balance fetch failed, reference quantity used unscaled
}

// Calculator is stateless; the baseline capital is a deployment-wide
// constant supplied once at construction.
type Calculator struct {
	baselineCapital float64
	recorder        *audit.Recorder
	log             *slog.Logger
}

func NewCalculator(baselineCapital float64, recorder *audit.Recorder, log *slog.Logger) *Calculator {
	return &Calculator{
		baselineCapital: baselineCapital,
		recorder:        recorder,
		log:             log,
	}
}

// Scale computes referenceQty * (balance / baselineCapital). When the
// balance fetch fails the multiplier is forced to 1.0, so the trade
// proceeds at reference size instead of aborting, and the fallback is
// recorded in the audit log alongside the calculation trace.
func (c *Calculator) Scale(ctx context.Context, accountID int64, exchangeName, symbol string, referenceQty float64, balance BalanceFunc, correlationID string) Result {
	res := Result{Quantity: referenceQty, Multiplier: 1.0}

	bal, err := balance(ctx)
	if err != nil {
		res.Fallback = true
		c.log.Error("proportional sizing balance fetch failed, using reference quantity unscaled",
			"account_id", accountID, "symbol", symbol, "err", err)
	} else {
		res.Balance = bal
		if c.baselineCapital > 0 {
			res.Multiplier = bal / c.baselineCapital
		}
		res.Quantity = referenceQty * res.Multiplier
	}

	c.recorder.Record(ctx, audit.Entry{
		AccountID: accountID,
		Exchange:  exchangeName,
		Symbol:    symbol,
		Endpoint:  "info/proportional-sizing",
		Payload: audit.MarshalPayload(map[string]any{
			"symbol":          symbol,
			"reference_qty":   referenceQty,
			"current_balance": res.Balance,
			"base_capital":    c.baselineCapital,
			"multiplier":      math.Round(res.Multiplier*10000) / 10000,
			"scaled_qty":      res.Quantity,
			"fallback":        res.Fallback,
		}),
		Response:      `{"success":true}`,
		StatusCode:    200,
		CorrelationID: correlationID,
	})

	return res
}
