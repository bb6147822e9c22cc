package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func refHMAC(msg, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestEncode_PreservesOrder(t *testing.T) {
	qs := Encode([]Param{
		{"symbol", "BTCUSDT"},
		{"side", "BUY"},
		{"type", "MARKET"},
		{"quantity", "0.005"},
	})
	require.Equal(t, "symbol=BTCUSDT&side=BUY&type=MARKET&quantity=0.005", qs)
}

func TestEncode_EscapesValues(t *testing.T) {
	qs := Encode([]Param{{"note", "a b&c"}})
	require.Equal(t, "note=a+b%26c", qs)
}

func TestBinanceQuery_Shape(t *testing.T) {
	q := BinanceQuery([]Param{
		{"symbol", "BTCUSDT"},
		{"side", "SELL"},
	}, 1700000000000, 5000, "secret")

	wantPrefix := "symbol=BTCUSDT&side=SELL&timestamp=1700000000000&recvWindow=5000&signature="
	require.True(t, strings.HasPrefix(q, wantPrefix), "got %s", q)

	// The signature must cover everything before &signature=.
	payload := strings.TrimSuffix(wantPrefix, "&signature=")
	require.Equal(t, payload+"&signature="+refHMAC(payload, "secret"), q)
}

func TestBinanceQuery_DoesNotMutateInput(t *testing.T) {
	params := []Param{{"symbol", "ETHUSDT"}}
	_ = BinanceQuery(params, 1, 5000, "s")
	require.Len(t, params, 1)
}

func TestBybitV5_SignaturePayload(t *testing.T) {
	sig := BybitV5(1700000000000, "key", 5000, "accountType=UNIFIED", "secret")
	require.Equal(t, refHMAC("1700000000000key5000accountType=UNIFIED", "secret"), sig)
}
