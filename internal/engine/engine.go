// Package engine exposes the execution facade: it resolves the right
// adapter for an account, sizes quantities against the account's balance,
// and drives the entry/exit order flows. Expected trading failures come
// back as categorized ExecutionResults; Go errors are reserved for
// contract violations.
package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/deltaflow/engine/internal/account"
	"github.com/deltaflow/engine/internal/exchange"
	"github.com/deltaflow/engine/internal/precision"
	"github.com/deltaflow/engine/internal/sizing"
)

// Exchanges reject dust orders; entries below the threshold are bumped to
// a slightly higher target so step flooring cannot drop them back under.
const (
	minNotionalThreshold = 21.0
	minNotionalTarget    = 22.0
)

type Engine struct {
	resolver *Resolver
	sizer    *sizing.Calculator
	log      *slog.Logger
}

func New(resolver *Resolver, sizer *sizing.Calculator, log *slog.Logger) *Engine {
	return &Engine{resolver: resolver, sizer: sizer, log: log}
}

// GetBalance fetches the account's aggregated wallet segments.
func (e *Engine) GetBalance(ctx context.Context, acct *account.Context, correlationID string) (exchange.Balance, error) {
	a, err := e.resolver.Resolve(acct)
	if err != nil {
		return exchange.Balance{}, err
	}
	return a.GetBalance(ctx, correlation(correlationID))
}

// SetLeverage sets the futures leverage for a symbol. Nil result for spot.
func (e *Engine) SetLeverage(ctx context.Context, acct *account.Context, symbol string, leverage int, isFutures bool, correlationID string) (*exchange.ExecutionResult, error) {
	a, err := e.resolver.Resolve(acct)
	if err != nil {
		return nil, err
	}
	return a.SetLeverage(ctx, symbol, leverage, isFutures, correlation(correlationID)), nil
}

// PlaceMarketOrder places one market order without sizing or protection.
func (e *Engine) PlaceMarketOrder(ctx context.Context, acct *account.Context, symbol string, side exchange.Side, quantity float64, isFutures bool, correlationID string) (*exchange.ExecutionResult, error) {
	a, err := e.resolver.Resolve(acct)
	if err != nil {
		return nil, err
	}
	return a.PlaceMarketOrder(ctx, symbol, side, quantity, isFutures, correlation(correlationID)), nil
}

// PlaceStopMarketOrder places a protective stop.
func (e *Engine) PlaceStopMarketOrder(ctx context.Context, acct *account.Context, symbol string, side exchange.Side, triggerPrice, quantity float64, isFutures bool, correlationID string) (*exchange.ExecutionResult, error) {
	a, err := e.resolver.Resolve(acct)
	if err != nil {
		return nil, err
	}
	return a.PlaceStopMarketOrder(ctx, symbol, side, triggerPrice, quantity, isFutures, correlation(correlationID)), nil
}

// PlaceTakeProfitMarketOrder places a protective take-profit.
func (e *Engine) PlaceTakeProfitMarketOrder(ctx context.Context, acct *account.Context, symbol string, side exchange.Side, triggerPrice, quantity float64, isFutures bool, correlationID string) (*exchange.ExecutionResult, error) {
	a, err := e.resolver.Resolve(acct)
	if err != nil {
		return nil, err
	}
	return a.PlaceTakeProfitMarketOrder(ctx, symbol, side, triggerPrice, quantity, isFutures, correlation(correlationID)), nil
}

// CancelAllSymbolOrders clears every resting order for the symbol.
func (e *Engine) CancelAllSymbolOrders(ctx context.Context, acct *account.Context, symbol string, isFutures bool, correlationID string) (*exchange.ExecutionResult, error) {
	a, err := e.resolver.Resolve(acct)
	if err != nil {
		return nil, err
	}
	return a.CancelAllSymbolOrders(ctx, symbol, isFutures, correlation(correlationID)), nil
}

// ClosePosition closes a position with a reduce-only market order.
func (e *Engine) ClosePosition(ctx context.Context, acct *account.Context, symbol string, side exchange.Side, quantity float64, isFutures bool, correlationID string) (*exchange.ExecutionResult, error) {
	a, err := e.resolver.Resolve(acct)
	if err != nil {
		return nil, err
	}
	return a.ClosePosition(ctx, symbol, side, quantity, isFutures, correlation(correlationID)), nil
}

// GetMarkPrice returns the live reference price for a symbol.
func (e *Engine) GetMarkPrice(ctx context.Context, acct *account.Context, symbol string, isFutures bool) (float64, error) {
	a, err := e.resolver.Resolve(acct)
	if err != nil {
		return 0, err
	}
	return a.GetMarkPrice(ctx, symbol, isFutures)
}

// Execute places the order an OrderIntent describes.
func (e *Engine) Execute(ctx context.Context, acct *account.Context, intent OrderIntent) (*exchange.ExecutionResult, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	a, err := e.resolver.Resolve(acct)
	if err != nil {
		return nil, err
	}

	corrID := correlation(intent.CorrelationID)
	switch intent.Kind {
	case OrderStopMarket:
		return a.PlaceStopMarketOrder(ctx, intent.Symbol, intent.Side, intent.TriggerPrice, intent.Quantity, intent.IsFutures, corrID), nil
	case OrderTakeProfitMarket:
		return a.PlaceTakeProfitMarketOrder(ctx, intent.Symbol, intent.Side, intent.TriggerPrice, intent.Quantity, intent.IsFutures, corrID), nil
	default:
		return a.PlaceMarketOrder(ctx, intent.Symbol, intent.Side, intent.Quantity, intent.IsFutures, corrID), nil
	}
}

// ExecuteIntent runs the full entry or exit flow for one account.
func (e *Engine) ExecuteIntent(ctx context.Context, acct *account.Context, intent TradeIntent) (*exchange.ExecutionResult, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	a, err := e.resolver.Resolve(acct)
	if err != nil {
		return nil, err
	}

	corrID := correlation(intent.CorrelationID)
	log := e.log.With("account_id", acct.ID, "symbol", intent.Symbol, "correlation_id", corrID)

	if intent.Action == ActionExit {
		return e.exit(ctx, a, acct, intent, corrID, log), nil
	}
	return e.enter(ctx, a, acct, intent, corrID, log), nil
}

// enter opens a position: leverage, proportional sizing, minimum-notional
// bump, market order, then protective orders validated against the live
// mark price.
func (e *Engine) enter(ctx context.Context, a exchange.Adapter, acct *account.Context, intent TradeIntent, corrID string, log *slog.Logger) *exchange.ExecutionResult {
	if intent.IsFutures && intent.Leverage > 0 {
		if res := a.SetLeverage(ctx, intent.Symbol, intent.Leverage, true, corrID); res != nil && !res.Success {
			log.Error("leverage change failed, aborting entry", "kind", res.Kind, "message", res.Message)
			return res
		}
	}

	sized := e.sizer.Scale(ctx, acct.ID, string(acct.Exchange), intent.Symbol, intent.ReferenceQty, func(ctx context.Context) (float64, error) {
		bal, err := a.GetBalance(ctx, corrID)
		if err != nil {
			return 0, err
		}
		if intent.IsFutures {
			return bal.Available, nil
		}
		return bal.Spot, nil
	}, corrID)

	mark, err := a.GetMarkPrice(ctx, intent.Symbol, intent.IsFutures)
	if err != nil || mark <= 0 {
		log.Error("mark price unavailable, aborting entry", "err", err)
		return exchange.Fail(exchange.KindNetwork, 408, "", "mark price unavailable for "+intent.Symbol)
	}

	qty := sized.Quantity
	if notional := qty * mark; notional < minNotionalThreshold {
		bumped := precision.Float(precision.CeilToStep(minNotionalTarget/mark, "0.000001"))
		log.Warn("order below minimum notional, bumping",
			"notional", notional, "qty", qty, "bumped_qty", bumped)
		qty = bumped
	}

	res := a.PlaceMarketOrder(ctx, intent.Symbol, intent.Side, qty, intent.IsFutures, corrID)
	if !res.Success {
		return res
	}

	degraded := false
	closeSide := intent.Side.Opposite()

	if intent.StopLoss > 0 {
		if protectionValid(intent.Side, intent.StopLoss, mark, false) {
			if sl := a.PlaceStopMarketOrder(ctx, intent.Symbol, closeSide, intent.StopLoss, qty, intent.IsFutures, corrID); !sl.Success {
				log.Error("stop loss placement failed", "kind", sl.Kind, "message", sl.Message)
				degraded = true
			}
		} else {
			log.Warn("stop loss on the wrong side of mark price, skipped", "stop_loss", intent.StopLoss, "mark", mark)
		}
	}
	if intent.TakeProfit > 0 {
		if protectionValid(intent.Side, intent.TakeProfit, mark, true) {
			if tp := a.PlaceTakeProfitMarketOrder(ctx, intent.Symbol, closeSide, intent.TakeProfit, qty, intent.IsFutures, corrID); !tp.Success {
				log.Error("take profit placement failed", "kind", tp.Kind, "message", tp.Message)
				degraded = true
			}
		} else {
			log.Warn("take profit on the wrong side of mark price, skipped", "take_profit", intent.TakeProfit, "mark", mark)
		}
	}

	if degraded {
		// The position is open but unprotected; the caller must know.
		res.Kind = exchange.KindPartialDegradation
		res.Message = "entry filled but protective order placement failed"
	}
	return res
}

// exit closes a position: cancel resting orders first, then close. A spot
// exit flushes the real wallet balance of the base asset rather than the
// recorded quantity, so fee-shaved remainders do not accumulate.
func (e *Engine) exit(ctx context.Context, a exchange.Adapter, acct *account.Context, intent TradeIntent, corrID string, log *slog.Logger) *exchange.ExecutionResult {
	if cancel := a.CancelAllSymbolOrders(ctx, intent.Symbol, intent.IsFutures, corrID); !cancel.Success {
		log.Warn("order cancellation before close failed", "kind", cancel.Kind, "message", cancel.Message)
	}

	qty := intent.ReferenceQty
	if !intent.IsFutures {
		free, err := a.GetSpecificAssetBalance(ctx, intent.BaseAsset(), corrID)
		if err != nil {
			log.Warn("wallet flush lookup failed, closing recorded quantity", "err", err)
		} else if free > 0 {
			qty = free
		}
	}
	if qty <= 0 {
		return exchange.Fail(exchange.KindInvalidOrder, 400, "", "nothing to close for "+intent.Symbol)
	}

	return a.ClosePosition(ctx, intent.Symbol, intent.Side.Opposite(), qty, intent.IsFutures, corrID)
}

// protectionValid reports whether a protective level sits on the correct
// side of the mark price for the position side.
func protectionValid(positionSide exchange.Side, level, mark float64, takeProfit bool) bool {
	if positionSide == exchange.SideBuy {
		if takeProfit {
			return level > mark
		}
		return level < mark
	}
	if takeProfit {
		return level < mark
	}
	return level > mark
}

// correlation returns the caller's id or mints one, so every audit row of
// a flow shares a join key.
func correlation(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
