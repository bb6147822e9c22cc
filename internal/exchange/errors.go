package exchange

// Kind categorizes a failed operation so callers can decide policy without
// parsing exchange-specific codes.
type Kind string

const (
	// KindAuthClockSkew is a signature/timestamp rejection. The adapter has
	// already retried once with a fresh offset by the time this surfaces.
	KindAuthClockSkew Kind = "auth_clock_skew"

	// KindInsufficientFunds is recoverable only by caller action.
	KindInsufficientFunds Kind = "insufficient_funds"

	// KindInvalidOrder covers precision, minimum-size and symbol errors.
	KindInvalidOrder Kind = "invalid_order"

	// KindNetwork covers connect and timeout failures. The engine does not
	// loop-retry these; backoff policy belongs to the caller.
	KindNetwork Kind = "network_unavailable"

	// KindExchangeRejection is any other exchange-reported error, with the
	// native code and message passed through.
	KindExchangeRejection Kind = "exchange_rejection"

	// KindPartialDegradation marks non-fatal partial results: the entry
	// filled but a protective order could not be placed, or a balance
	// segment defaulted. The operation as a whole still counts as done.
	KindPartialDegradation Kind = "partial_degradation"
)
