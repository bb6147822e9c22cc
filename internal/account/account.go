package account

import (
	"fmt"
	"strings"
)

// Exchange identifies an exchange family supported by the engine.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeBybit   Exchange = "bybit"
)

// ParseExchange normalizes a stored exchange name. Unknown names default to
// Binance, matching the behavior of the account store this engine serves.
func ParseExchange(s string) Exchange {
	if strings.EqualFold(strings.TrimSpace(s), string(ExchangeBybit)) {
		return ExchangeBybit
	}
	return ExchangeBinance
}

// Context carries the credentials and identity of one trading account for
// the duration of a single engine call. It is owned by the external account
// store; the engine never mutates or persists it.
type Context struct {
	Exchange  Exchange `json:"exchange"`
	APIKey    string   `json:"api_key"`
	APISecret string   `json:"-"`
	ID        int64    `json:"id"`
	Label     string   `json:"label"`
}

// Validate reports a malformed context. This is the one place the engine
// treats a problem as a programming-contract violation rather than a
// categorized execution failure.
func (c *Context) Validate() error {
	if c == nil {
		return fmt.Errorf("account context is nil")
	}
	if c.Exchange != ExchangeBinance && c.Exchange != ExchangeBybit {
		return fmt.Errorf("unsupported exchange: %q", c.Exchange)
	}
	if c.APIKey == "" || c.APISecret == "" {
		return fmt.Errorf("account %d (%s): missing api credentials", c.ID, c.Label)
	}
	return nil
}

// Key returns the resolver cache key for this account.
func (c *Context) Key() string {
	return fmt.Sprintf("%s_%d", c.Exchange, c.ID)
}
