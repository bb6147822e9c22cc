package bybit

import "github.com/deltaflow/engine/internal/exchange"

// kindForRetCode maps V5 business codes onto the shared failure taxonomy.
// Codes below 110000 are shared across products, 110xxx are derivatives,
// 170xxx are spot.
func kindForRetCode(code int64) exchange.Kind {
	switch code {
	case codeClockSkew:
		return exchange.KindAuthClockSkew
	case 110007, 170131:
		return exchange.KindInsufficientFunds
	case 10001, 110017, 170136, 170140:
		return exchange.KindInvalidOrder
	default:
		return exchange.KindExchangeRejection
	}
}
