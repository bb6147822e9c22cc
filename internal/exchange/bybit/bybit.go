// Package bybit implements the exchange adapter for Bybit V5. Unlike the
// Binance family there is no separate conditional-order subsystem: a
// protective order is an ordinary order create carrying a trigger price,
// and one cancel-all covers both the regular and the conditional book.
// Requests are signed into headers over timestamp+apiKey+recvWindow+payload.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/deltaflow/engine/internal/account"
	"github.com/deltaflow/engine/internal/audit"
	"github.com/deltaflow/engine/internal/clockskew"
	"github.com/deltaflow/engine/internal/configs"
	"github.com/deltaflow/engine/internal/exchange"
	"github.com/deltaflow/engine/internal/precision"
	"github.com/deltaflow/engine/internal/signer"
	"github.com/deltaflow/engine/internal/utils/request"
)

const exchangeName = "bybit"

// Bybit signs every call itself against its own clock, so the offset cache
// can be much lazier than on the Binance native path.
const offsetTTL = 10 * time.Minute

type Adapter struct {
	acct     *account.Context
	cfg      configs.Bybit
	http     *resty.Client
	skew     *clockskew.Corrector
	recorder *audit.Recorder
	log      *slog.Logger

	mu      sync.Mutex
	filters map[string]precision.SymbolFilters
}

func New(acct *account.Context, cfg configs.Bybit, skew *clockskew.Corrector, recorder *audit.Recorder, log *slog.Logger) *Adapter {
	return &Adapter{
		acct:     acct,
		cfg:      cfg,
		http:     request.New(cfg.Timeout()),
		skew:     skew,
		recorder: recorder,
		log:      log.With("exchange", exchangeName, "account_id", acct.ID),
		filters:  make(map[string]precision.SymbolFilters),
	}
}

// apiResponse is the uniform V5 envelope.
type apiResponse struct {
	RetCode int64           `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// GetBalance fetches the unified trading wallet and the funding wallet in
// parallel. A failed segment contributes zero, never a hard error.
//
// V5 unified accounts have no separate spot wallet, so the segments map
// as: total equity -> Futures, the USDT coin balance -> Spot (already
// included in the equity), totalAvailableBalance -> Available. Total is
// equity plus funding; adding the Spot segment would double-count it.
func (a *Adapter) GetBalance(ctx context.Context, correlationID string) (exchange.Balance, error) {
	var bal exchange.Balance
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		total, available, spotFree, err := a.fetchUnifiedBalance(ctx, correlationID)
		if err != nil {
			a.log.Warn("unified balance fetch failed", "err", err)
			return
		}
		bal.Futures = total
		bal.Spot = spotFree
		// Non-collateral assets can report zero available while equity is
		// real; fall back to equity so sizing still works.
		if available > 0 {
			bal.Available = available
		} else {
			bal.Available = total
		}
	}()

	go func() {
		defer wg.Done()
		funding, err := a.fetchFundingBalance(ctx, correlationID)
		if err != nil {
			a.log.Warn("funding balance fetch failed", "err", err)
			return
		}
		bal.Funding = funding
	}()

	wg.Wait()
	bal.Total = bal.Futures + bal.Funding
	return bal, nil
}

// SetLeverage sets buy and sell leverage together. RetCode 110043
// ("leverage not modified") is success; the operation is idempotent.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int, isFutures bool, correlationID string) *exchange.ExecutionResult {
	if !isFutures {
		return nil
	}

	params := map[string]any{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	res := a.signedPost(ctx, "/v5/position/set-leverage", params, symbol, "", correlationID)
	if !res.Success && res.ExchangeCode == "110043" {
		a.log.Info("leverage already set", "symbol", symbol, "leverage", leverage)
		return exchange.Ok(200, map[string]any{"status": "already_set"}, res.RawBody)
	}
	return res
}

// PlaceMarketOrder places a market order. A spot BUY sized in quote
// notional is converted to base quantity against a fresh ticker price and
// floored to the step size; Bybit spot has no quote-quantity parameter.
func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, quantity float64, isFutures bool, correlationID string) *exchange.ExecutionResult {
	category := categoryFor(isFutures)
	qty := quantity

	if !isFutures && side == exchange.SideBuy && quantity >= 5 {
		last, err := a.GetMarkPrice(ctx, symbol, false)
		if err != nil || last <= 0 {
			// A dead ticker endpoint is a fetch failure, not an exchange
			// verdict on the order.
			return exchange.Fail(exchange.KindNetwork, 408, "",
				fmt.Sprintf("could not fetch ticker price for %s to convert notional", symbol))
		}
		qty = quantity / last
	}

	params := map[string]any{
		"category":    category,
		"symbol":      symbol,
		"side":        titleSide(side),
		"orderType":   "Market",
		"qty":         precision.FloorToStep(qty, a.stepSize(ctx, symbol, isFutures)),
		"orderLinkId": fmt.Sprintf("df_%d", time.Now().UnixMilli()),
	}

	res := a.signedPost(ctx, "/v5/order/create", params, symbol, params["orderLinkId"].(string), correlationID)

	// Futures exits clear the conditional book; cancel-all covers it in a
	// single call on this exchange.
	if isFutures && side == exchange.SideSell && res.Success {
		a.CancelAllSymbolOrders(ctx, symbol, true, correlationID)
	}
	return res
}

// PlaceStopMarketOrder is an ordinary order create with a trigger price:
// reduce-only on futures, triggered on mark price.
func (a *Adapter) PlaceStopMarketOrder(ctx context.Context, symbol string, side exchange.Side, triggerPrice, quantity float64, isFutures bool, correlationID string) *exchange.ExecutionResult {
	return a.placeConditional(ctx, "df_sl_", symbol, side, triggerPrice, quantity, isFutures, correlationID)
}

// PlaceTakeProfitMarketOrder shares the conditional mechanics with the
// stop order; only the trigger side of the price differs.
func (a *Adapter) PlaceTakeProfitMarketOrder(ctx context.Context, symbol string, side exchange.Side, triggerPrice, quantity float64, isFutures bool, correlationID string) *exchange.ExecutionResult {
	return a.placeConditional(ctx, "df_tp_", symbol, side, triggerPrice, quantity, isFutures, correlationID)
}

func (a *Adapter) placeConditional(ctx context.Context, idPrefix, symbol string, side exchange.Side, triggerPrice, quantity float64, isFutures bool, correlationID string) *exchange.ExecutionResult {
	orderLinkID := fmt.Sprintf("%s%d", idPrefix, time.Now().UnixMilli())

	params := map[string]any{
		"category":     categoryFor(isFutures),
		"symbol":       symbol,
		"side":         titleSide(side),
		"orderType":    "Market",
		"qty":          precision.FloorToStep(quantity, a.stepSize(ctx, symbol, isFutures)),
		"triggerPrice": precision.FloorToTick(triggerPrice, a.tickSize(ctx, symbol, isFutures)),
		"triggerBy":    "MarkPrice",
		"orderLinkId":  orderLinkID,
	}
	if isFutures {
		params["reduceOnly"] = true
	}

	return a.signedPost(ctx, "/v5/order/create", params, symbol, orderLinkID, correlationID)
}

// CancelAllSymbolOrders is one call on this exchange: the conditional book
// has no separate cancellation endpoint.
func (a *Adapter) CancelAllSymbolOrders(ctx context.Context, symbol string, isFutures bool, correlationID string) *exchange.ExecutionResult {
	params := map[string]any{
		"category": categoryFor(isFutures),
		"symbol":   symbol,
	}
	return a.signedPost(ctx, "/v5/order/cancel-all", params, symbol, "", correlationID)
}

// ClosePosition is a reduce-only market order; protective orders are
// cleared strictly after the close is confirmed.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side exchange.Side, quantity float64, isFutures bool, correlationID string) *exchange.ExecutionResult {
	orderLinkID := fmt.Sprintf("df_exit_%d", time.Now().UnixMilli())

	params := map[string]any{
		"category":    categoryFor(isFutures),
		"symbol":      symbol,
		"side":        titleSide(side),
		"orderType":   "Market",
		"qty":         precision.FloorToStep(quantity, a.stepSize(ctx, symbol, isFutures)),
		"orderLinkId": orderLinkID,
	}
	if isFutures {
		params["reduceOnly"] = true
	}

	res := a.signedPost(ctx, "/v5/order/create", params, symbol, orderLinkID, correlationID)
	if isFutures && res.Success {
		a.CancelAllSymbolOrders(ctx, symbol, true, correlationID)
	}
	return res
}

// GetMarkPrice reads the public ticker: mark price on linear futures, last
// trade price on spot.
func (a *Adapter) GetMarkPrice(ctx context.Context, symbol string, isFutures bool) (float64, error) {
	var out struct {
		RetCode int64 `json:"retCode"`
		Result  struct {
			List []struct {
				MarkPrice string `json:"markPrice"`
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}

	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"category": categoryFor(isFutures),
			"symbol":   symbol,
		}).
		SetResult(&out).
		Get(a.cfg.BaseURL + "/v5/market/tickers")
	if err != nil {
		return 0, fmt.Errorf("failed to fetch tickers for %s: %w", symbol, err)
	}
	if resp.IsError() || len(out.Result.List) == 0 {
		return 0, fmt.Errorf("no ticker returned for %s (status %d)", symbol, resp.StatusCode())
	}

	if isFutures {
		return parseFloat(out.Result.List[0].MarkPrice), nil
	}
	return parseFloat(out.Result.List[0].LastPrice), nil
}

// GetSpecificAssetBalance returns one coin's wallet balance from the
// unified account. Absent coins are a warning and zero.
func (a *Adapter) GetSpecificAssetBalance(ctx context.Context, asset string, correlationID string) (float64, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	res := a.signedGet(ctx, "/v5/account/wallet-balance", []signer.Param{
		{Key: "accountType", Value: "UNIFIED"},
		{Key: "coin", Value: asset},
	}, "", correlationID)
	if !res.Success {
		return 0, fmt.Errorf("wallet balance fetch failed: %s", res.Message)
	}

	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := decodeResult(res.RawBody, &result); err != nil {
		return 0, err
	}
	if len(result.List) > 0 {
		for _, c := range result.List[0].Coin {
			if strings.EqualFold(c.Coin, asset) {
				return parseFloat(c.WalletBalance), nil
			}
		}
	}

	a.log.Warn("asset not found in unified wallet", "asset", asset)
	return 0, nil
}

func (a *Adapter) fetchUnifiedBalance(ctx context.Context, correlationID string) (total, available, spotFree float64, err error) {
	res := a.signedGet(ctx, "/v5/account/wallet-balance", []signer.Param{
		{Key: "accountType", Value: "UNIFIED"},
	}, "", correlationID)
	if !res.Success {
		return 0, 0, 0, fmt.Errorf("unified wallet fetch failed: %s", res.Message)
	}

	var result struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			Coin                  []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := decodeResult(res.RawBody, &result); err != nil {
		return 0, 0, 0, err
	}
	if len(result.List) == 0 {
		return 0, 0, 0, nil
	}

	wallet := result.List[0]
	total = parseFloat(wallet.TotalEquity)
	available = parseFloat(wallet.TotalAvailableBalance)
	for _, c := range wallet.Coin {
		if c.Coin == "USDT" {
			spotFree = parseFloat(c.WalletBalance)
			break
		}
	}
	return total, available, spotFree, nil
}

// fetchFundingBalance sums the FUND wallet in USD terms. Stablecoins count
// at face value; other assets only when Bybit provides a USD valuation.
func (a *Adapter) fetchFundingBalance(ctx context.Context, correlationID string) (float64, error) {
	res := a.signedGet(ctx, "/v5/asset/transfer/query-account-coins-balance", []signer.Param{
		{Key: "accountType", Value: "FUND"},
	}, "", correlationID)
	if !res.Success {
		return 0, fmt.Errorf("funding wallet fetch failed: %s", res.Message)
	}

	var result struct {
		Balance []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			UsdValue      string `json:"usdValue"`
		} `json:"balance"`
	}
	if err := decodeResult(res.RawBody, &result); err != nil {
		return 0, err
	}

	var totalUSD float64
	for _, c := range result.Balance {
		if usd := parseFloat(c.UsdValue); usd > 0 {
			totalUSD += usd
			continue
		}
		switch strings.ToUpper(c.Coin) {
		case "USDT", "USDC", "DAI", "BUSD", "USD":
			totalUSD += parseFloat(c.WalletBalance)
		}
	}
	return totalUSD, nil
}

func categoryFor(isFutures bool) string {
	if isFutures {
		return "linear"
	}
	return "spot"
}

func titleSide(side exchange.Side) string {
	if side == exchange.SideSell {
		return "Sell"
	}
	return "Buy"
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// decodeResult unpacks the envelope's result object from a raw body.
func decodeResult(raw string, v any) error {
	var env apiResponse
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fmt.Errorf("failed to decode response envelope: %w", err)
	}
	if err := json.Unmarshal(env.Result, v); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}
