package binance

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/common"

	"github.com/deltaflow/engine/internal/exchange"
)

// kindForCode maps a Binance error code into the shared taxonomy.
func kindForCode(code int64) exchange.Kind {
	switch code {
	case codeClockSkew:
		return exchange.KindAuthClockSkew
	case -2010, -2019:
		return exchange.KindInsufficientFunds
	case -1013, -1111, -1121, -2011, -4164:
		return exchange.KindInvalidOrder
	default:
		return exchange.KindExchangeRejection
	}
}

// classify maps a go-binance error into (kind, exchange code, status).
func classify(err error) (exchange.Kind, string, int) {
	if err == nil {
		return "", "", 200
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return kindForCode(apiErr.Code), strconv.FormatInt(apiErr.Code, 10), 400
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return exchange.KindNetwork, "", 408
	}

	return exchange.KindExchangeRejection, "", 400
}

// failFrom converts a library error into a failed ExecutionResult.
func (a *Adapter) failFrom(err error) *exchange.ExecutionResult {
	kind, code, status := classify(err)
	return exchange.Fail(kind, status, code, err.Error())
}

func isClockSkew(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeClockSkew
}

// isLeverageNotModified detects the harmless idempotent-leverage response.
func isLeverageNotModified(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "leverage not modified") || strings.Contains(msg, "no need to change")
}
