package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deltaflow/engine/internal/audit"
	"github.com/deltaflow/engine/internal/clockskew"
	"github.com/deltaflow/engine/internal/exchange"
	"github.com/deltaflow/engine/internal/precision"
	"github.com/deltaflow/engine/internal/signer"
)

// The conditional (algo) order subsystem is separate from the regular
// order book and not covered by the library, so these calls are signed by
// hand: fixed parameter order ending with timestamp and recvWindow, HMAC
// over the exact encoded string, signature appended last.

const (
	algoOrderPath      = "/fapi/v1/algoOrder"
	algoOpenOrdersPath = "/fapi/v1/algoOpenOrders"
	fundingAssetPath   = "/sapi/v1/asset/get-funding-asset"

	codeClockSkew = -1021
)

// placeAlgoOrder places a STOP_MARKET or TAKE_PROFIT_MARKET conditional
// order: reduce-only, triggered on mark price, client order id prefixed
// for traceability.
func (a *Adapter) placeAlgoOrder(ctx context.Context, orderType, symbol string, side exchange.Side, triggerPrice, quantity float64, correlationID string) *exchange.ExecutionResult {
	clientOrderID := fmt.Sprintf("df_algo_%d", time.Now().UnixMilli())

	qty := precision.FloorToStep(quantity, a.stepSize(ctx, symbol, true))
	trigger := precision.FloorToTick(triggerPrice, a.tickSize(ctx, symbol, true))

	params := []signer.Param{
		{Key: "algoType", Value: "CONDITIONAL"},
		{Key: "symbol", Value: symbol},
		{Key: "side", Value: string(side)},
		{Key: "type", Value: orderType},
		{Key: "triggerPrice", Value: trigger},
		{Key: "quantity", Value: qty},
		{Key: "workingType", Value: "MARK_PRICE"},
		{Key: "reduceOnly", Value: "true"},
		{Key: "newClientOrderId", Value: clientOrderID},
	}

	res := a.signedCall(ctx, "POST", algoOrderPath, params, true, symbol, algoOrderPath+"/"+orderType, clientOrderID, correlationID)
	res.ClientOrderID = clientOrderID
	return res
}

// cancelAlgoOpenOrders clears the conditional book for a symbol. It is a
// distinct signed call from regular-order cancellation.
func (a *Adapter) cancelAlgoOpenOrders(ctx context.Context, symbol string, correlationID string) *exchange.ExecutionResult {
	params := []signer.Param{{Key: "symbol", Value: symbol}}
	return a.signedCall(ctx, "DELETE", algoOpenOrdersPath, params, true, symbol, algoOpenOrdersPath, "", correlationID)
}

// fetchFundingBalance reads the funding wallet, which only the signed SAPI
// endpoint exposes.
func (a *Adapter) fetchFundingBalance(ctx context.Context, correlationID string) (float64, error) {
	params := []signer.Param{{Key: "asset", Value: "USDT"}}
	res := a.signedCall(ctx, "POST", fundingAssetPath, params, false, "", fundingAssetPath, "", correlationID)
	if !res.Success {
		return 0, fmt.Errorf("funding asset fetch failed: %s", res.Message)
	}

	var assets []struct {
		Asset string `json:"asset"`
		Free  string `json:"free"`
	}
	if err := json.Unmarshal([]byte(res.RawBody), &assets); err != nil {
		return 0, fmt.Errorf("failed to decode funding assets: %w", err)
	}
	for _, as := range assets {
		if as.Asset == "USDT" {
			return parseFloat(as.Free), nil
		}
	}
	return 0, nil
}

// signedCall builds, signs and issues one native request, audits it, and
// retries exactly once with a fresh clock offset when the exchange rejects
// the timestamp. A second rejection is terminal.
func (a *Adapter) signedCall(ctx context.Context, method, path string, params []signer.Param, isFutures bool, symbol, auditEndpoint, clientOrderID, correlationID string) *exchange.ExecutionResult {
	res := a.signedCallOnce(ctx, method, path, params, isFutures, symbol, auditEndpoint, clientOrderID, correlationID)
	if res.Kind == exchange.KindAuthClockSkew {
		a.skew.Invalidate(a.skewKey(isFutures))
		res = a.signedCallOnce(ctx, method, path, params, isFutures, symbol, auditEndpoint, clientOrderID, correlationID)
	}
	return res
}

func (a *Adapter) signedCallOnce(ctx context.Context, method, path string, params []signer.Param, isFutures bool, symbol, auditEndpoint, clientOrderID, correlationID string) *exchange.ExecutionResult {
	baseURL := a.cfg.SpotBaseURL
	if isFutures {
		baseURL = a.cfg.FuturesBaseURL
	}

	ts := a.skew.Timestamp(ctx, a.skewKey(isFutures), offsetTTL, a.timeFetcher(isFutures))
	query := signer.BinanceQuery(params, ts, a.cfg.RecvWindow, a.acct.APISecret)
	url := baseURL + path + "?" + query

	req := a.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", a.acct.APIKey)

	resp, err := req.Execute(method, url)

	entry := audit.Entry{
		AccountID:     a.acct.ID,
		Exchange:      exchangeName,
		Symbol:        symbol,
		Endpoint:      auditEndpoint,
		Payload:       audit.MarshalPayload(paramsMap(params)),
		ClientOrderID: clientOrderID,
		CorrelationID: correlationID,
	}

	if err != nil {
		entry.Response = audit.MarshalPayload(map[string]any{"error": err.Error()})
		entry.StatusCode = 408
		a.recorder.Record(ctx, entry)
		return exchange.Fail(exchange.KindNetwork, 408, "", err.Error())
	}

	body := string(resp.Body())
	entry.Response = body
	entry.StatusCode = resp.StatusCode()
	a.recorder.Record(ctx, entry)

	if resp.IsError() {
		kind, code, msg := classifyBody(body)
		return exchange.Fail(kind, resp.StatusCode(), code, msg)
	}

	payload := map[string]any{}
	_ = json.Unmarshal(resp.Body(), &payload)
	out := exchange.Ok(resp.StatusCode(), payload, body)
	return out
}

func (a *Adapter) skewKey(isFutures bool) clockskew.Key {
	market := clockskew.MarketSpot
	if isFutures {
		market = clockskew.MarketFutures
	}
	return clockskew.Key{Exchange: exchangeName, Market: market}
}

// timeFetcher hits the public time endpoint of the right market.
func (a *Adapter) timeFetcher(isFutures bool) clockskew.FetchFunc {
	baseURL, path := a.cfg.SpotBaseURL, "/api/v3/time"
	if isFutures {
		baseURL, path = a.cfg.FuturesBaseURL, "/fapi/v1/time"
	}
	return func(ctx context.Context) (int64, error) {
		var out struct {
			ServerTime int64 `json:"serverTime"`
		}
		resp, err := a.http.R().SetContext(ctx).SetResult(&out).Get(baseURL + path)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch server time: %w", err)
		}
		if resp.IsError() {
			return 0, fmt.Errorf("server time endpoint returned %d", resp.StatusCode())
		}
		return out.ServerTime, nil
	}
}

// classifyBody maps an exchange error body ({"code":-1021,"msg":"..."})
// into the shared taxonomy.
func classifyBody(body string) (exchange.Kind, string, string) {
	var e struct {
		Code int64  `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal([]byte(body), &e); err != nil || e.Code == 0 {
		return exchange.KindExchangeRejection, "", body
	}
	return kindForCode(e.Code), fmt.Sprintf("%d", e.Code), e.Msg
}

func paramsMap(params []signer.Param) map[string]string {
	m := make(map[string]string, len(params))
	for _, p := range params {
		m[p.Key] = p.Value
	}
	return m
}
