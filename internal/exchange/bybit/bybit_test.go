package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltaflow/engine/internal/account"
	"github.com/deltaflow/engine/internal/audit"
	"github.com/deltaflow/engine/internal/clockskew"
	"github.com/deltaflow/engine/internal/configs"
	"github.com/deltaflow/engine/internal/exchange"
	"github.com/deltaflow/engine/internal/signer"
)

type capturedCall struct {
	Path    string
	Headers http.Header
	Body    string
	Query   string
}

// testServer serves the public endpoints every adapter call may touch and
// delegates the rest to the per-test handler.
type testServer struct {
	mu    sync.Mutex
	calls []capturedCall

	tickersDown bool
	handler     func(w http.ResponseWriter, r *http.Request, callNum int)
}

func (s *testServer) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body, _ := io.ReadAll(r.Body)

	switch r.URL.Path {
	case "/v5/market/time":
		fmt.Fprintf(w, `{"retCode":0,"result":{"timeNano":"%d"}}`, time.Now().UnixNano())
		return
	case "/v5/market/instruments-info":
		fmt.Fprint(w, `{"retCode":0,"result":{"list":[{"symbol":"BTCUSDT",
			"lotSizeFilter":{"qtyStep":"0.001","minNotionalValue":"5"},
			"priceFilter":{"tickSize":"0.1"}}]}}`)
		return
	case "/v5/market/tickers":
		if s.tickersDown {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"retCode":10016,"retMsg":"server error"}`)
			return
		}
		fmt.Fprint(w, `{"retCode":0,"result":{"list":[{"markPrice":"50000.5","lastPrice":"50001"}]}}`)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, capturedCall{
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
		Body:    string(body),
		Query:   r.URL.RawQuery,
	})
	n := len(s.calls)
	s.mu.Unlock()

	s.handler(w, r, n)
}

func (s *testServer) privateCalls() []capturedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capturedCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func newTestAdapter(t *testing.T, srv *testServer) (*Adapter, *audit.MemoryStore, func()) {
	t.Helper()
	hs := httptest.NewServer(http.HandlerFunc(srv.serve))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := audit.NewMemoryStore()
	acct := &account.Context{
		Exchange:  account.ExchangeBybit,
		APIKey:    "test-key",
		APISecret: "test-secret",
		ID:        7,
	}
	cfg := configs.Bybit{BaseURL: hs.URL, RecvWindow: 5000, TimeoutSec: 5}

	a := New(acct, cfg, clockskew.New(log), audit.NewRecorder(store, log), log)
	return a, store, hs.Close
}

func okOrder(w http.ResponseWriter) {
	fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"1234","orderLinkId":"df_1"}}`)
}

func TestPlaceMarketOrderSignsHeaders(t *testing.T) {
	srv := &testServer{handler: func(w http.ResponseWriter, r *http.Request, _ int) {
		okOrder(w)
	}}
	a, _, done := newTestAdapter(t, srv)
	defer done()

	res := a.PlaceMarketOrder(context.Background(), "BTCUSDT", exchange.SideBuy, 0.0105, true, "corr-1")
	require.True(t, res.Success)

	calls := srv.privateCalls()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, "/v5/order/create", call.Path)
	assert.Equal(t, "test-key", call.Headers.Get("X-BAPI-API-KEY"))
	assert.Equal(t, "5000", call.Headers.Get("X-BAPI-RECV-WINDOW"))

	var ts int64
	_, err := fmt.Sscanf(call.Headers.Get("X-BAPI-TIMESTAMP"), "%d", &ts)
	require.NoError(t, err)
	want := signer.BybitV5(ts, "test-key", 5000, call.Body, "test-secret")
	assert.Equal(t, want, call.Headers.Get("X-BAPI-SIGN"))

	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(call.Body), &params))
	assert.Equal(t, "linear", params["category"])
	assert.Equal(t, "Buy", params["side"])
	assert.Equal(t, "0.01", params["qty"], "quantity floors to the instrument step")
	assert.True(t, strings.HasPrefix(params["orderLinkId"].(string), "df_"))
}

func TestRetCodeFailureOnHTTP200(t *testing.T) {
	srv := &testServer{handler: func(w http.ResponseWriter, r *http.Request, _ int) {
		fmt.Fprint(w, `{"retCode":110007,"retMsg":"ab not enough for new order"}`)
	}}
	a, store, done := newTestAdapter(t, srv)
	defer done()

	res := a.PlaceMarketOrder(context.Background(), "BTCUSDT", exchange.SideBuy, 1, true, "corr-2")
	assert.False(t, res.Success)
	assert.Equal(t, exchange.KindInsufficientFunds, res.Kind)
	assert.Equal(t, "110007", res.ExchangeCode)
	assert.Equal(t, 400, res.StatusCode)

	entries := store.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, "corr-2", entries[len(entries)-1].CorrelationID)
}

func TestClockSkewRetriesExactlyOnce(t *testing.T) {
	srv := &testServer{handler: func(w http.ResponseWriter, r *http.Request, n int) {
		if n == 1 {
			fmt.Fprint(w, `{"retCode":10002,"retMsg":"invalid request timestamp"}`)
			return
		}
		okOrder(w)
	}}
	a, _, done := newTestAdapter(t, srv)
	defer done()

	res := a.PlaceMarketOrder(context.Background(), "BTCUSDT", exchange.SideBuy, 0.01, true, "corr-3")
	assert.True(t, res.Success)
	assert.Len(t, srv.privateCalls(), 2)
}

func TestClockSkewSecondFailureIsTerminal(t *testing.T) {
	srv := &testServer{handler: func(w http.ResponseWriter, r *http.Request, _ int) {
		fmt.Fprint(w, `{"retCode":10002,"retMsg":"invalid request timestamp"}`)
	}}
	a, _, done := newTestAdapter(t, srv)
	defer done()

	res := a.CancelAllSymbolOrders(context.Background(), "BTCUSDT", true, "corr-4")
	assert.False(t, res.Success)
	assert.Equal(t, exchange.KindAuthClockSkew, res.Kind)
	assert.Len(t, srv.privateCalls(), 2, "no third attempt after a repeat skew rejection")
}

func TestSetLeverageAlreadySetIsSuccess(t *testing.T) {
	srv := &testServer{handler: func(w http.ResponseWriter, r *http.Request, _ int) {
		fmt.Fprint(w, `{"retCode":110043,"retMsg":"leverage not modified"}`)
	}}
	a, _, done := newTestAdapter(t, srv)
	defer done()

	res := a.SetLeverage(context.Background(), "BTCUSDT", 5, true, "corr-5")
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, "already_set", res.Payload["status"])
}

func TestSetLeverageSpotIsNoop(t *testing.T) {
	srv := &testServer{handler: func(w http.ResponseWriter, r *http.Request, _ int) {
		t.Error("no request expected for spot leverage")
	}}
	a, _, done := newTestAdapter(t, srv)
	defer done()

	assert.Nil(t, a.SetLeverage(context.Background(), "BTCUSDT", 5, false, "corr-6"))
}

func TestStopOrderCarriesTrigger(t *testing.T) {
	srv := &testServer{handler: func(w http.ResponseWriter, r *http.Request, _ int) {
		okOrder(w)
	}}
	a, _, done := newTestAdapter(t, srv)
	defer done()

	res := a.PlaceStopMarketOrder(context.Background(), "BTCUSDT", exchange.SideSell, 49000.17, 0.01, true, "corr-7")
	require.True(t, res.Success)

	calls := srv.privateCalls()
	require.Len(t, calls, 1)
	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(calls[0].Body), &params))
	assert.Equal(t, "49000.1", params["triggerPrice"], "trigger price floors to the tick size")
	assert.Equal(t, "MarkPrice", params["triggerBy"])
	assert.Equal(t, true, params["reduceOnly"])
	assert.True(t, strings.HasPrefix(res.ClientOrderID, "df_sl_"))
}

func TestClosePositionClearsConditionalsAfterFill(t *testing.T) {
	srv := &testServer{handler: func(w http.ResponseWriter, r *http.Request, _ int) {
		okOrder(w)
	}}
	a, _, done := newTestAdapter(t, srv)
	defer done()

	res := a.ClosePosition(context.Background(), "BTCUSDT", exchange.SideSell, 0.01, true, "corr-8")
	require.True(t, res.Success)

	calls := srv.privateCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "/v5/order/create", calls[0].Path)
	assert.Equal(t, "/v5/order/cancel-all", calls[1].Path)
}

func TestClosePositionFailureSkipsCancel(t *testing.T) {
	srv := &testServer{handler: func(w http.ResponseWriter, r *http.Request, _ int) {
		fmt.Fprint(w, `{"retCode":110017,"retMsg":"reduce-only rule not satisfied"}`)
	}}
	a, _, done := newTestAdapter(t, srv)
	defer done()

	res := a.ClosePosition(context.Background(), "BTCUSDT", exchange.SideSell, 0.01, true, "corr-9")
	assert.False(t, res.Success)
	assert.Equal(t, exchange.KindInvalidOrder, res.Kind)
	assert.Len(t, srv.privateCalls(), 1, "conditional book untouched when the close is rejected")
}

func TestSpotBuyConvertsNotionalToQuantity(t *testing.T) {
	srv := &testServer{handler: func(w http.ResponseWriter, r *http.Request, _ int) {
		okOrder(w)
	}}
	a, _, done := newTestAdapter(t, srv)
	defer done()

	// 100 USDT at last price 50001 is 0.00199996 BTC, floored to 0.001.
	res := a.PlaceMarketOrder(context.Background(), "BTCUSDT", exchange.SideBuy, 100, false, "corr-10")
	require.True(t, res.Success)

	calls := srv.privateCalls()
	require.Len(t, calls, 1)
	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(calls[0].Body), &params))
	assert.Equal(t, "spot", params["category"])
	assert.Equal(t, "0.001", params["qty"])
	_, hasReduceOnly := params["reduceOnly"]
	assert.False(t, hasReduceOnly, "spot orders never carry reduceOnly")
}

func TestSpotBuyTickerFailureIsNetwork(t *testing.T) {
	srv := &testServer{
		tickersDown: true,
		handler: func(w http.ResponseWriter, r *http.Request, _ int) {
			t.Error("no order expected when the notional cannot be converted")
		},
	}
	a, _, done := newTestAdapter(t, srv)
	defer done()

	res := a.PlaceMarketOrder(context.Background(), "BTCUSDT", exchange.SideBuy, 100, false, "corr-13")
	assert.False(t, res.Success)
	assert.Equal(t, exchange.KindNetwork, res.Kind)
	assert.Equal(t, 408, res.StatusCode)
}

func TestGetBalanceDegradesPerSegment(t *testing.T) {
	srv := &testServer{handler: func(w http.ResponseWriter, r *http.Request, _ int) {
		if strings.Contains(r.URL.RawQuery, "accountType=UNIFIED") {
			fmt.Fprint(w, `{"retCode":0,"result":{"list":[{"totalEquity":"250.5","totalAvailableBalance":"200",
				"coin":[{"coin":"USDT","walletBalance":"150"}]}]}}`)
			return
		}
		// Funding wallet segment fails.
		fmt.Fprint(w, `{"retCode":10016,"retMsg":"server error"}`)
	}}
	a, _, done := newTestAdapter(t, srv)
	defer done()

	bal, err := a.GetBalance(context.Background(), "corr-11")
	require.NoError(t, err)
	assert.InDelta(t, 250.5, bal.Futures, 1e-9)
	assert.InDelta(t, 200, bal.Available, 1e-9)
	assert.InDelta(t, 150, bal.Spot, 1e-9)
	assert.Zero(t, bal.Funding, "failed segment contributes zero")
	assert.InDelta(t, 250.5, bal.Total, 1e-9)
}

func TestGetSignedQueryMatchesSignature(t *testing.T) {
	srv := &testServer{handler: func(w http.ResponseWriter, r *http.Request, _ int) {
		fmt.Fprint(w, `{"retCode":0,"result":{"list":[]}}`)
	}}
	a, _, done := newTestAdapter(t, srv)
	defer done()

	_, err := a.GetSpecificAssetBalance(context.Background(), "eth", "corr-12")
	require.NoError(t, err)

	calls := srv.privateCalls()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, "accountType=UNIFIED&coin=ETH", call.Query)

	var ts int64
	_, err = fmt.Sscanf(call.Headers.Get("X-BAPI-TIMESTAMP"), "%d", &ts)
	require.NoError(t, err)
	want := signer.BybitV5(ts, "test-key", 5000, call.Query, "test-secret")
	assert.Equal(t, want, call.Headers.Get("X-BAPI-SIGN"))
}
