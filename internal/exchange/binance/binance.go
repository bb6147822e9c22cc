// Package binance implements the exchange adapter for the Binance family.
//
// Standard operations go through the go-binance library (spot and USDT-M
// futures clients). Protective stop/take-profit orders on futures cannot:
// Binance routes them through a separate conditional "algo order"
// subsystem, so those calls are built and signed by hand (see algo.go).
// The adapter contains this asymmetry; callers see the uniform contract.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/go-resty/resty/v2"

	"github.com/deltaflow/engine/internal/account"
	"github.com/deltaflow/engine/internal/audit"
	"github.com/deltaflow/engine/internal/clockskew"
	"github.com/deltaflow/engine/internal/configs"
	"github.com/deltaflow/engine/internal/exchange"
	"github.com/deltaflow/engine/internal/precision"
	"github.com/deltaflow/engine/internal/utils/request"
)

const exchangeName = "binance"

// offsetTTL matches the native signing path; the library keeps its own
// server-time offset which we resync on a -1021 rejection.
const offsetTTL = time.Minute

type Adapter struct {
	acct     *account.Context
	cfg      configs.Binance
	spot     *binance.Client
	fut      *futures.Client
	http     *resty.Client
	skew     *clockskew.Corrector
	recorder *audit.Recorder
	log      *slog.Logger

	mu      sync.Mutex
	filters map[string]precision.SymbolFilters
}

func New(acct *account.Context, cfg configs.Binance, skew *clockskew.Corrector, recorder *audit.Recorder, log *slog.Logger) *Adapter {
	spot := binance.NewClient(acct.APIKey, acct.APISecret)
	spot.BaseURL = cfg.SpotBaseURL

	fut := futures.NewClient(acct.APIKey, acct.APISecret)
	fut.BaseURL = cfg.FuturesBaseURL

	return &Adapter{
		acct:     acct,
		cfg:      cfg,
		spot:     spot,
		fut:      fut,
		http:     request.New(cfg.Timeout()),
		skew:     skew,
		recorder: recorder,
		log:      log.With("exchange", exchangeName, "account_id", acct.ID),
		filters:  make(map[string]precision.SymbolFilters),
	}
}

// GetBalance fetches the futures, spot and funding segments in parallel.
// Sequential fetch would roughly triple latency for no correctness gain.
// A failed segment contributes zero; balance is advisory, not risk truth.
func (a *Adapter) GetBalance(ctx context.Context, correlationID string) (exchange.Balance, error) {
	var bal exchange.Balance
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		res, err := a.fut.NewGetBalanceService().Do(ctx)
		a.recordLibCall(ctx, "/fapi/v2/balance", "", nil, res, err, "", correlationID)
		if err != nil {
			a.log.Warn("futures balance fetch failed", "err", err)
			return
		}
		for _, b := range res {
			if b.Asset == "USDT" {
				bal.Futures = parseFloat(b.Balance)
				bal.Available = parseFloat(b.AvailableBalance)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		res, err := a.spot.NewGetAccountService().Do(ctx)
		a.recordLibCall(ctx, "/api/v3/account", "", nil, res, err, "", correlationID)
		if err != nil {
			a.log.Warn("spot balance fetch failed", "err", err)
			return
		}
		for _, b := range res.Balances {
			if b.Asset == "USDT" {
				bal.Spot = parseFloat(b.Free)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		free, err := a.fetchFundingBalance(ctx, correlationID)
		if err != nil {
			a.log.Warn("funding balance fetch failed", "err", err)
			return
		}
		bal.Funding = free
	}()

	wg.Wait()
	bal.Total = bal.Spot + bal.Futures + bal.Funding
	return bal, nil
}

// SetLeverage is a no-op for spot. A "no need to change leverage" response
// is success: the operation is idempotent by contract.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int, isFutures bool, correlationID string) *exchange.ExecutionResult {
	if !isFutures {
		return nil
	}

	payload := map[string]any{"symbol": symbol, "leverage": leverage}
	do := func() (*futures.SymbolLeverage, error) {
		return a.fut.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	}

	// Every physical attempt gets its own audit row, retry included.
	res, err := do()
	a.recordLibCall(ctx, "/fapi/v1/leverage", symbol, payload, res, err, "", correlationID)
	if isClockSkew(err) {
		a.resyncFutures(ctx)
		res, err = do()
		a.recordLibCall(ctx, "/fapi/v1/leverage", symbol, payload, res, err, "", correlationID)
	}

	if err != nil {
		if isLeverageNotModified(err) {
			a.log.Info("leverage already set", "symbol", symbol, "leverage", leverage)
			return exchange.Ok(200, map[string]any{"status": "already_set"}, "")
		}
		return a.failFrom(err)
	}
	return exchange.Ok(200, map[string]any{"symbol": res.Symbol, "leverage": res.Leverage}, "")
}

// PlaceMarketOrder places a market order. On spot BUY the quantity is
// treated as quote notional when it is at least the exchange minimum
// (Binance accepts it directly as quoteOrderQty); otherwise it is a base
// quantity floored to the symbol's step. A futures SELL also clears the
// conditional book after the fill is accepted.
func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, quantity float64, isFutures bool, correlationID string) *exchange.ExecutionResult {
	clientOrderID := fmt.Sprintf("df_%d", time.Now().UnixMilli())

	var result *exchange.ExecutionResult
	if isFutures {
		result = a.placeFuturesMarket(ctx, symbol, side, quantity, false, clientOrderID, correlationID)
	} else {
		result = a.placeSpotMarket(ctx, symbol, side, quantity, clientOrderID, correlationID)
	}

	if isFutures && side == exchange.SideSell && result.Success {
		a.cancelAlgoOpenOrders(ctx, symbol, correlationID)
	}
	return result
}

// PlaceStopMarketOrder: futures go through the algo subsystem, spot through
// an ordinary conditional order.
func (a *Adapter) PlaceStopMarketOrder(ctx context.Context, symbol string, side exchange.Side, triggerPrice, quantity float64, isFutures bool, correlationID string) *exchange.ExecutionResult {
	if isFutures {
		return a.placeAlgoOrder(ctx, "STOP_MARKET", symbol, side, triggerPrice, quantity, correlationID)
	}
	return a.placeSpotConditional(ctx, binance.OrderTypeStopLoss, symbol, side, triggerPrice, quantity, correlationID)
}

// PlaceTakeProfitMarketOrder mirrors PlaceStopMarketOrder.
func (a *Adapter) PlaceTakeProfitMarketOrder(ctx context.Context, symbol string, side exchange.Side, triggerPrice, quantity float64, isFutures bool, correlationID string) *exchange.ExecutionResult {
	if isFutures {
		return a.placeAlgoOrder(ctx, "TAKE_PROFIT_MARKET", symbol, side, triggerPrice, quantity, correlationID)
	}
	return a.placeSpotConditional(ctx, binance.OrderTypeTakeProfit, symbol, side, triggerPrice, quantity, correlationID)
}

// CancelAllSymbolOrders cancels the regular book; on futures the separate
// conditional book needs its own signed call, so a full cancel is two
// calls, not one.
func (a *Adapter) CancelAllSymbolOrders(ctx context.Context, symbol string, isFutures bool, correlationID string) *exchange.ExecutionResult {
	payload := map[string]any{"symbol": symbol}

	if isFutures {
		err := a.fut.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
		a.recordLibCall(ctx, "/fapi/v1/allOpenOrders", symbol, payload, map[string]string{"status": "cancelled"}, err, "", correlationID)
		if isClockSkew(err) {
			a.resyncFutures(ctx)
			err = a.fut.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
			a.recordLibCall(ctx, "/fapi/v1/allOpenOrders", symbol, payload, map[string]string{"status": "cancelled"}, err, "", correlationID)
		}

		algoRes := a.cancelAlgoOpenOrders(ctx, symbol, correlationID)
		if err != nil {
			// "no orders to cancel" style rejections are not critical.
			a.log.Warn("cancel all futures orders", "symbol", symbol, "err", err)
		}
		return algoRes
	}

	res, err := a.spot.NewCancelOpenOrdersService().Symbol(symbol).Do(ctx)
	a.recordLibCall(ctx, "/api/v3/openOrders", symbol, payload, res, err, "", correlationID)
	if isClockSkew(err) {
		a.resyncSpot(ctx)
		res, err = a.spot.NewCancelOpenOrdersService().Symbol(symbol).Do(ctx)
		a.recordLibCall(ctx, "/api/v3/openOrders", symbol, payload, res, err, "", correlationID)
	}
	if err != nil {
		a.log.Warn("cancel all spot orders", "symbol", symbol, "err", err)
		return exchange.Ok(200, map[string]any{"status": "no_orders"}, "")
	}
	return exchange.Ok(200, map[string]any{"status": "cancelled"}, "")
}

// ClosePosition is a reduce-only market order on futures. The conditional
// book is cleared only after the close is confirmed accepted, never before.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side exchange.Side, quantity float64, isFutures bool, correlationID string) *exchange.ExecutionResult {
	clientOrderID := fmt.Sprintf("df_exit_%d", time.Now().UnixMilli())

	var result *exchange.ExecutionResult
	if isFutures {
		result = a.placeFuturesMarket(ctx, symbol, side, quantity, true, clientOrderID, correlationID)
	} else {
		result = a.placeSpotMarket(ctx, symbol, side, quantity, clientOrderID, correlationID)
	}

	if isFutures && result.Success {
		a.cancelAlgoOpenOrders(ctx, symbol, correlationID)
	}
	return result
}

// GetMarkPrice is public: premium index mark price for futures, last trade
// price for spot.
func (a *Adapter) GetMarkPrice(ctx context.Context, symbol string, isFutures bool) (float64, error) {
	if isFutures {
		res, err := a.fut.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch premium index for %s: %w", symbol, err)
		}
		if len(res) == 0 {
			return 0, fmt.Errorf("no premium index returned for %s", symbol)
		}
		return parseFloat(res[0].MarkPrice), nil
	}

	res, err := a.spot.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch ticker price for %s: %w", symbol, err)
	}
	if len(res) == 0 {
		return 0, fmt.Errorf("no ticker price returned for %s", symbol)
	}
	return parseFloat(res[0].Price), nil
}

// GetSpecificAssetBalance returns the free spot balance of one asset. An
// absent asset is a warning, not an error: exits must not fail because the
// wallet rounds to zero.
func (a *Adapter) GetSpecificAssetBalance(ctx context.Context, asset string, correlationID string) (float64, error) {
	res, err := a.spot.NewGetAccountService().Do(ctx)
	a.recordLibCall(ctx, "/api/v3/account", "", map[string]any{"asset": asset}, res, err, "", correlationID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch spot account: %w", err)
	}

	asset = strings.ToUpper(strings.TrimSpace(asset))
	for _, b := range res.Balances {
		if b.Asset == asset {
			return parseFloat(b.Free), nil
		}
	}

	a.log.Warn("asset not found in spot wallet", "asset", asset)
	return 0, nil
}

func (a *Adapter) placeFuturesMarket(ctx context.Context, symbol string, side exchange.Side, quantity float64, reduceOnly bool, clientOrderID, correlationID string) *exchange.ExecutionResult {
	qty := precision.FloorToStep(quantity, a.stepSize(ctx, symbol, true))

	payload := map[string]any{
		"symbol": symbol, "side": string(side), "type": "MARKET",
		"quantity": qty, "reduceOnly": reduceOnly, "newClientOrderId": clientOrderID,
	}
	do := func() (*futures.CreateOrderResponse, error) {
		svc := a.fut.NewCreateOrderService().
			Symbol(symbol).
			Side(futures.SideType(side)).
			Type(futures.OrderTypeMarket).
			Quantity(qty).
			NewClientOrderID(clientOrderID)
		if reduceOnly {
			svc = svc.ReduceOnly(true)
		}
		return svc.Do(ctx)
	}

	res, err := do()
	a.recordLibCall(ctx, "/fapi/v1/order", symbol, payload, res, err, clientOrderID, correlationID)
	if isClockSkew(err) {
		a.resyncFutures(ctx)
		res, err = do()
		a.recordLibCall(ctx, "/fapi/v1/order", symbol, payload, res, err, clientOrderID, correlationID)
	}
	if err != nil {
		return a.failFrom(err)
	}
	return a.okFrom(res, clientOrderID)
}

func (a *Adapter) placeSpotMarket(ctx context.Context, symbol string, side exchange.Side, quantity float64, clientOrderID, correlationID string) *exchange.ExecutionResult {
	// Spot BUY with a notional-sized quantity uses quoteOrderQty: the
	// exchange does the base conversion at execution price.
	notional := side == exchange.SideBuy && quantity >= 5

	payload := map[string]any{
		"symbol": symbol, "side": string(side), "type": "MARKET",
		"newClientOrderId": clientOrderID,
	}
	do := func() (*binance.CreateOrderResponse, error) {
		svc := a.spot.NewCreateOrderService().
			Symbol(symbol).
			Side(binance.SideType(side)).
			Type(binance.OrderTypeMarket).
			NewClientOrderID(clientOrderID)
		if notional {
			q := precision.FloorToTick(quantity, "0.01")
			payload["quoteOrderQty"] = q
			svc = svc.QuoteOrderQty(q)
		} else {
			q := precision.FloorToStep(quantity, a.stepSize(ctx, symbol, false))
			payload["quantity"] = q
			svc = svc.Quantity(q)
		}
		return svc.Do(ctx)
	}

	res, err := do()
	a.recordLibCall(ctx, "/api/v3/order", symbol, payload, res, err, clientOrderID, correlationID)
	if isClockSkew(err) {
		a.resyncSpot(ctx)
		res, err = do()
		a.recordLibCall(ctx, "/api/v3/order", symbol, payload, res, err, clientOrderID, correlationID)
	}
	if err != nil {
		return a.failFrom(err)
	}
	return a.okFrom(res, clientOrderID)
}

func (a *Adapter) placeSpotConditional(ctx context.Context, orderType binance.OrderType, symbol string, side exchange.Side, triggerPrice, quantity float64, correlationID string) *exchange.ExecutionResult {
	clientOrderID := fmt.Sprintf("df_spot_%s_%d", strings.ToLower(string(orderType)), time.Now().UnixMilli())
	qty := precision.FloorToStep(quantity, a.stepSize(ctx, symbol, false))
	trigger := precision.FloorToTick(triggerPrice, a.tickSize(ctx, symbol, false))

	payload := map[string]any{
		"symbol": symbol, "side": string(side), "type": string(orderType),
		"stopPrice": trigger, "quantity": qty, "newClientOrderId": clientOrderID,
	}
	do := func() (*binance.CreateOrderResponse, error) {
		return a.spot.NewCreateOrderService().
			Symbol(symbol).
			Side(binance.SideType(side)).
			Type(orderType).
			Quantity(qty).
			StopPrice(trigger).
			NewClientOrderID(clientOrderID).
			Do(ctx)
	}

	res, err := do()
	a.recordLibCall(ctx, "/api/v3/order/"+string(orderType), symbol, payload, res, err, clientOrderID, correlationID)
	if isClockSkew(err) {
		a.resyncSpot(ctx)
		res, err = do()
		a.recordLibCall(ctx, "/api/v3/order/"+string(orderType), symbol, payload, res, err, clientOrderID, correlationID)
	}
	if err != nil {
		return a.failFrom(err)
	}
	return a.okFrom(res, clientOrderID)
}

func (a *Adapter) okFrom(res any, clientOrderID string) *exchange.ExecutionResult {
	payload := map[string]any{}
	if b, err := json.Marshal(res); err == nil {
		_ = json.Unmarshal(b, &payload)
	}
	out := exchange.Ok(200, payload, "")
	out.ClientOrderID = clientOrderID
	return out
}

func (a *Adapter) resyncFutures(ctx context.Context) {
	a.skew.Invalidate(clockskew.Key{Exchange: exchangeName, Market: clockskew.MarketFutures})
	if _, err := a.fut.NewSetServerTimeService().Do(ctx); err != nil {
		a.log.Warn("futures server time resync failed", "err", err)
	}
}

func (a *Adapter) resyncSpot(ctx context.Context) {
	a.skew.Invalidate(clockskew.Key{Exchange: exchangeName, Market: clockskew.MarketSpot})
	if _, err := a.spot.NewSetServerTimeService().Do(ctx); err != nil {
		a.log.Warn("spot server time resync failed", "err", err)
	}
}

// recordLibCall writes the audit row for a go-binance call. The library
// hides the raw HTTP exchange, so the row stores the marshaled result (or
// the error) with a derived status code, like for like with the native
// path.
func (a *Adapter) recordLibCall(ctx context.Context, endpoint, symbol string, payload any, res any, err error, clientOrderID, correlationID string) {
	status := 200
	var body string
	if err != nil {
		_, _, status = classify(err)
		body = audit.MarshalPayload(map[string]any{"error": err.Error()})
	} else {
		body = audit.MarshalPayload(res)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	a.recorder.Record(ctx, audit.Entry{
		AccountID:     a.acct.ID,
		Exchange:      exchangeName,
		Symbol:        symbol,
		Endpoint:      endpoint,
		Payload:       audit.MarshalPayload(payload),
		Response:      body,
		StatusCode:    status,
		ClientOrderID: clientOrderID,
		CorrelationID: correlationID,
	})
}

func (a *Adapter) stepSize(ctx context.Context, symbol string, isFutures bool) string {
	return a.symbolFilters(ctx, symbol, isFutures).StepSize
}

func (a *Adapter) tickSize(ctx context.Context, symbol string, isFutures bool) string {
	return a.symbolFilters(ctx, symbol, isFutures).TickSize
}

// symbolFilters resolves and caches the symbol's trading constraints. A
// failed lookup degrades to passthrough rounding rather than blocking the
// order; the exchange will be the judge then.
func (a *Adapter) symbolFilters(ctx context.Context, symbol string, isFutures bool) precision.SymbolFilters {
	key := symbol
	if isFutures {
		key = symbol + ":futures"
	}

	a.mu.Lock()
	f, ok := a.filters[key]
	a.mu.Unlock()
	if ok {
		return f
	}

	f = precision.SymbolFilters{Symbol: symbol}
	if isFutures {
		info, err := a.fut.NewExchangeInfoService().Do(ctx)
		if err != nil {
			a.log.Warn("futures exchange info fetch failed", "symbol", symbol, "err", err)
			return f
		}
		for i := range info.Symbols {
			s := &info.Symbols[i]
			if s.Symbol != symbol {
				continue
			}
			if lot := s.LotSizeFilter(); lot != nil {
				f.StepSize = lot.StepSize
			}
			if pf := s.PriceFilter(); pf != nil {
				f.TickSize = pf.TickSize
			}
			break
		}
	} else {
		info, err := a.spot.NewExchangeInfoService().Symbol(symbol).Do(ctx)
		if err != nil {
			a.log.Warn("spot exchange info fetch failed", "symbol", symbol, "err", err)
			return f
		}
		for i := range info.Symbols {
			s := &info.Symbols[i]
			if s.Symbol != symbol {
				continue
			}
			if lot := s.LotSizeFilter(); lot != nil {
				f.StepSize = lot.StepSize
			}
			if pf := s.PriceFilter(); pf != nil {
				f.TickSize = pf.TickSize
			}
			break
		}
	}

	if f.StepSize != "" || f.TickSize != "" {
		a.mu.Lock()
		a.filters[key] = f
		a.mu.Unlock()
	}
	return f
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
