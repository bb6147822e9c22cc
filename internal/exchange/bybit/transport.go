package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"

	"github.com/deltaflow/engine/internal/audit"
	"github.com/deltaflow/engine/internal/clockskew"
	"github.com/deltaflow/engine/internal/exchange"
	"github.com/deltaflow/engine/internal/signer"
)

const codeClockSkew = 10002

// skewKey covers both markets: V5 signs everything against one clock.
func (a *Adapter) skewKey() clockskew.Key {
	return clockskew.Key{Exchange: exchangeName, Market: clockskew.MarketFutures}
}

func (a *Adapter) timeFetcher() clockskew.FetchFunc {
	return func(ctx context.Context) (int64, error) {
		var out struct {
			Result struct {
				TimeNano string `json:"timeNano"`
			} `json:"result"`
		}
		resp, err := a.http.R().SetContext(ctx).SetResult(&out).Get(a.cfg.BaseURL + "/v5/market/time")
		if err != nil {
			return 0, fmt.Errorf("failed to fetch server time: %w", err)
		}
		if resp.IsError() {
			return 0, fmt.Errorf("server time request returned status %d", resp.StatusCode())
		}
		nanos, err := strconv.ParseInt(out.Result.TimeNano, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse server time: %w", err)
		}
		return nanos / 1e6, nil
	}
}

// signedPost sends a JSON-body request signed into headers, retrying
// exactly once on a clock skew rejection after invalidating the cached
// offset.
func (a *Adapter) signedPost(ctx context.Context, path string, params map[string]any, symbol, clientOrderID, correlationID string) *exchange.ExecutionResult {
	body, err := json.Marshal(params)
	if err != nil {
		return exchange.Fail(exchange.KindInvalidOrder, 400, "", fmt.Sprintf("failed to encode request body: %v", err))
	}

	res := a.callOnce(ctx, http.MethodPost, path, string(body), params, symbol, clientOrderID, correlationID)
	if !res.Success && res.Kind == exchange.KindAuthClockSkew {
		a.log.Warn("clock skew rejection, resyncing and retrying", "path", path)
		a.skew.Invalidate(a.skewKey())
		res = a.callOnce(ctx, http.MethodPost, path, string(body), params, symbol, clientOrderID, correlationID)
	}
	return res
}

// signedGet signs the query string itself as the payload. Param order is
// preserved into both the signature and the URL.
func (a *Adapter) signedGet(ctx context.Context, path string, params []signer.Param, symbol, correlationID string) *exchange.ExecutionResult {
	query := signer.Encode(params)
	payload := auditPayload(params)

	res := a.callOnce(ctx, http.MethodGet, path, query, payload, symbol, "", correlationID)
	if !res.Success && res.Kind == exchange.KindAuthClockSkew {
		a.log.Warn("clock skew rejection, resyncing and retrying", "path", path)
		a.skew.Invalidate(a.skewKey())
		res = a.callOnce(ctx, http.MethodGet, path, query, payload, symbol, "", correlationID)
	}
	return res
}

func (a *Adapter) callOnce(ctx context.Context, method, path, signPayload string, auditParams map[string]any, symbol, clientOrderID, correlationID string) *exchange.ExecutionResult {
	ts := a.skew.Timestamp(ctx, a.skewKey(), offsetTTL, a.timeFetcher())
	signature := signer.BybitV5(ts, a.acct.APIKey, a.cfg.RecvWindow, signPayload, a.acct.APISecret)

	req := a.http.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", a.acct.APIKey).
		SetHeader("X-BAPI-TIMESTAMP", strconv.FormatInt(ts, 10)).
		SetHeader("X-BAPI-RECV-WINDOW", strconv.FormatInt(a.cfg.RecvWindow, 10)).
		SetHeader("X-BAPI-SIGN", signature)

	// The URL must carry the exact byte sequence that was signed, so the
	// query string is appended verbatim rather than re-encoded.
	url := a.cfg.BaseURL + path
	if method == http.MethodGet {
		if signPayload != "" {
			url += "?" + signPayload
		}
	} else {
		req.SetHeader("Content-Type", "application/json").SetBody(signPayload)
	}

	resp, err := req.Execute(method, url)

	var res *exchange.ExecutionResult
	switch {
	case err != nil:
		res = exchange.Fail(exchange.KindNetwork, 408, "", fmt.Sprintf("request to %s failed: %v", path, err))
	default:
		res = a.classifyResponse(resp)
	}
	res.ClientOrderID = clientOrderID

	a.recorder.Record(ctx, audit.Entry{
		AccountID:     a.acct.ID,
		Exchange:      exchangeName,
		Symbol:        symbol,
		Endpoint:      path,
		Payload:       audit.MarshalPayload(auditParams),
		Response:      res.RawBody,
		StatusCode:    res.StatusCode,
		ClientOrderID: clientOrderID,
		CorrelationID: correlationID,
	})

	return res
}

// classifyResponse maps the V5 envelope into a result. Bybit returns HTTP
// 200 for business failures, so retCode is the source of truth.
func (a *Adapter) classifyResponse(resp *resty.Response) *exchange.ExecutionResult {
	body := string(resp.Body())

	var env apiResponse
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if resp.IsError() {
			return exchange.Fail(exchange.KindExchangeRejection, 400, "", fmt.Sprintf("unparseable error response (status %d)", resp.StatusCode()))
		}
		return exchange.Fail(exchange.KindExchangeRejection, 400, "", "unparseable response body")
	}

	if env.RetCode == 0 {
		payload := map[string]any{}
		_ = json.Unmarshal(env.Result, &payload)
		return exchange.Ok(200, payload, body)
	}

	kind := kindForRetCode(env.RetCode)
	status := 400
	if kind == exchange.KindAuthClockSkew {
		status = 408
	}
	res := exchange.Fail(kind, status, strconv.FormatInt(env.RetCode, 10), env.RetMsg)
	res.RawBody = body
	return res
}

func auditPayload(params []signer.Param) map[string]any {
	out := make(map[string]any, len(params))
	for _, p := range params {
		out[p.Key] = p.Value
	}
	return out
}
