package engine

import (
	"fmt"
	"strings"

	"github.com/deltaflow/engine/internal/exchange"
)

// OrderKind selects which adapter operation a single-order intent maps to.
type OrderKind string

const (
	OrderMarket           OrderKind = "market"
	OrderStopMarket       OrderKind = "stopMarket"
	OrderTakeProfitMarket OrderKind = "takeProfitMarket"
)

// OrderIntent describes one order to place. It is immutable and consumed
// within a single Execute call.
type OrderIntent struct {
	Symbol        string        `json:"symbol"`
	Side          exchange.Side `json:"side"`
	Kind          OrderKind     `json:"kind"`
	Quantity      float64       `json:"quantity"`
	TriggerPrice  float64       `json:"trigger_price,omitempty"`
	IsFutures     bool          `json:"is_futures"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

func (o *OrderIntent) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("order intent: missing symbol")
	}
	if o.Side != exchange.SideBuy && o.Side != exchange.SideSell {
		return fmt.Errorf("order intent %s: invalid side %q", o.Symbol, o.Side)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("order intent %s: quantity must be positive", o.Symbol)
	}
	switch o.Kind {
	case OrderMarket:
	case OrderStopMarket, OrderTakeProfitMarket:
		if o.TriggerPrice <= 0 {
			return fmt.Errorf("order intent %s: %s requires a trigger price", o.Symbol, o.Kind)
		}
	default:
		return fmt.Errorf("order intent %s: unknown kind %q", o.Symbol, o.Kind)
	}
	return nil
}

// Action distinguishes opening a position from closing one.
type Action string

const (
	ActionEnter Action = "enter"
	ActionExit  Action = "exit"
)

// TradeIntent is a full trading decision: an entry with optional
// protective levels, or an exit. Side is the position side; on exit the
// engine derives the closing side itself.
type TradeIntent struct {
	Action        Action        `json:"action"`
	Symbol        string        `json:"symbol"`
	Side          exchange.Side `json:"side"`
	ReferenceQty  float64       `json:"reference_qty"`
	Leverage      int           `json:"leverage,omitempty"`
	StopLoss      float64       `json:"stop_loss,omitempty"`
	TakeProfit    float64       `json:"take_profit,omitempty"`
	IsFutures     bool          `json:"is_futures"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

func (t *TradeIntent) Validate() error {
	if t.Action != ActionEnter && t.Action != ActionExit {
		return fmt.Errorf("trade intent %s: unknown action %q", t.Symbol, t.Action)
	}
	if t.Symbol == "" {
		return fmt.Errorf("trade intent: missing symbol")
	}
	if t.Side != exchange.SideBuy && t.Side != exchange.SideSell {
		return fmt.Errorf("trade intent %s: invalid side %q", t.Symbol, t.Side)
	}
	if t.Action == ActionEnter && t.ReferenceQty <= 0 {
		return fmt.Errorf("trade intent %s: reference quantity must be positive", t.Symbol)
	}
	return nil
}

// BaseAsset extracts the base asset from a canonical symbol so a spot exit
// can flush the real wallet balance.
func (t *TradeIntent) BaseAsset() string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if base, ok := strings.CutSuffix(t.Symbol, quote); ok && base != "" {
			return base
		}
	}
	return t.Symbol
}
