// Package signer implements the request-signing schemes of the two
// exchange families. Parameter ordering is part of the signed contract:
// reordering a Binance query string after signing invalidates the
// signature, so parameters are carried as an ordered slice, never a map.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Param is one query/body parameter. Order of a []Param is significant.
type Param struct {
	Key   string
	Value string
}

// Encode renders params in their given order, percent-encoded.
func Encode(params []Param) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// BinanceQuery appends timestamp and recvWindow to params, signs the exact
// encoded string with HMAC-SHA256, and returns the full query including the
// trailing signature.
func BinanceQuery(params []Param, timestampMillis, recvWindow int64, secret string) string {
	signed := append(append([]Param{}, params...),
		Param{"timestamp", fmt.Sprintf("%d", timestampMillis)},
		Param{"recvWindow", fmt.Sprintf("%d", recvWindow)},
	)
	qs := Encode(signed)
	return qs + "&signature=" + HMACSHA256(qs, secret)
}

// BybitV5 signs a Bybit V5 request. The payload is the encoded query string
// for GET requests and the raw JSON body for POST requests.
func BybitV5(timestampMillis int64, apiKey string, recvWindow int64, payload, secret string) string {
	return HMACSHA256(fmt.Sprintf("%d%s%d%s", timestampMillis, apiKey, recvWindow, payload), secret)
}

// HMACSHA256 returns the lowercase hex HMAC-SHA256 of msg under secret.
func HMACSHA256(msg, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
