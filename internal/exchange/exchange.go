// Package exchange defines the contract every exchange adapter satisfies.
// Callers never branch on exchange identity: the eight operations and the
// ExecutionResult shape are the whole surface.
package exchange

import "context"

// Side is the canonical order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a protective order.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Balance aggregates the wallet segments of one account. Segments that
// could not be fetched report zero; balance is advisory for sizing, not
// authoritative for risk.
type Balance struct {
	Spot      float64 `json:"spot"`
	Futures   float64 `json:"futures"`
	Funding   float64 `json:"funding"`
	Total     float64 `json:"total"`
	Available float64 `json:"available_balance"`
}

// Adapter is the per-account, per-exchange execution surface. Instances
// hold immutable credentials only and are safe to evict and reconstruct.
type Adapter interface {
	// GetBalance fetches the wallet segments concurrently and sums them.
	// A failed segment contributes zero, never a hard error.
	GetBalance(ctx context.Context, correlationID string) (Balance, error)

	// SetLeverage is a no-op returning a nil result for spot. "Leverage not
	// modified" responses are success.
	SetLeverage(ctx context.Context, symbol string, leverage int, isFutures bool, correlationID string) *ExecutionResult

	// PlaceMarketOrder places a market order. For spot BUY the quantity may
	// express quote notional (see adapter docs); otherwise it is a base
	// quantity and is floored to the symbol's step size. A futures SELL
	// also clears the conditional-order book after success.
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64, isFutures bool, correlationID string) *ExecutionResult

	// PlaceStopMarketOrder places a protective stop. Futures stops are
	// reduce-only and trigger on mark price.
	PlaceStopMarketOrder(ctx context.Context, symbol string, side Side, triggerPrice, quantity float64, isFutures bool, correlationID string) *ExecutionResult

	// PlaceTakeProfitMarketOrder places a protective take-profit with the
	// same semantics as PlaceStopMarketOrder.
	PlaceTakeProfitMarketOrder(ctx context.Context, symbol string, side Side, triggerPrice, quantity float64, isFutures bool, correlationID string) *ExecutionResult

	// CancelAllSymbolOrders cancels resting orders for the symbol,
	// including the conditional book where the exchange keeps one apart.
	CancelAllSymbolOrders(ctx context.Context, symbol string, isFutures bool, correlationID string) *ExecutionResult

	// ClosePosition is a reduce-only market order; on success the
	// protective orders for the symbol are cleared, strictly afterwards.
	ClosePosition(ctx context.Context, symbol string, side Side, quantity float64, isFutures bool, correlationID string) *ExecutionResult

	// GetMarkPrice is public: mark price for futures, last trade price for
	// spot. Returns 0 and an error only when the lookup itself failed.
	GetMarkPrice(ctx context.Context, symbol string, isFutures bool) (float64, error)

	// GetSpecificAssetBalance returns the free spot balance of one asset.
	// An absent asset is a warning and 0, not an error.
	GetSpecificAssetBalance(ctx context.Context, asset string, correlationID string) (float64, error)
}

// ExecutionResult is the uniform outcome of a write operation, regardless
// of which adapter produced it.
type ExecutionResult struct {
	Success       bool           `json:"success"`
	StatusCode    int            `json:"status_code"`
	Kind          Kind           `json:"kind,omitempty"`
	ExchangeCode  string         `json:"exchange_code,omitempty"`
	Message       string         `json:"message,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	RawBody       string         `json:"-"`
	ClientOrderID string         `json:"client_order_id,omitempty"`
}

// Ok builds a successful result.
func Ok(statusCode int, payload map[string]any, raw string) *ExecutionResult {
	return &ExecutionResult{
		Success:    true,
		StatusCode: statusCode,
		Payload:    payload,
		RawBody:    raw,
	}
}

// Fail builds a categorized failure. Expected trading failures come back
// this way, never as Go errors.
func Fail(kind Kind, statusCode int, code, message string) *ExecutionResult {
	return &ExecutionResult{
		Success:      false,
		StatusCode:   statusCode,
		Kind:         kind,
		ExchangeCode: code,
		Message:      message,
	}
}
