package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/deltaflow/engine/internal/account"
	"github.com/deltaflow/engine/internal/audit"
	"github.com/deltaflow/engine/internal/clockskew"
	"github.com/deltaflow/engine/internal/configs"
	"github.com/deltaflow/engine/internal/exchange"
	"github.com/deltaflow/engine/internal/exchange/binance"
	"github.com/deltaflow/engine/internal/exchange/bybit"
)

// Factory builds an adapter for a validated account context. Construction
// must be idempotent: the resolver may rebuild an adapter at any time.
type Factory func(acct *account.Context) (exchange.Adapter, error)

// Resolver memoizes adapters per (exchange, account id). Adapters hold
// credentials and per-symbol filter caches but no order state, so eviction
// is always safe.
type Resolver struct {
	factory Factory

	mu    sync.Mutex
	cache map[string]exchange.Adapter
}

func NewResolver(factory Factory) *Resolver {
	return &Resolver{
		factory: factory,
		cache:   make(map[string]exchange.Adapter),
	}
}

// Resolve returns the memoized adapter for the account, constructing it on
// first use. A malformed context is a contract violation, not a trading
// failure.
func (r *Resolver) Resolve(acct *account.Context) (exchange.Adapter, error) {
	if err := acct.Validate(); err != nil {
		return nil, err
	}

	key := acct.Key()
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.cache[key]; ok {
		return a, nil
	}
	a, err := r.factory(acct)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter for %s: %w", key, err)
	}
	r.cache[key] = a
	return a, nil
}

// Evict drops a cached adapter; the next Resolve reconstructs it.
func (r *Resolver) Evict(acct *account.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, acct.Key())
}

// DefaultFactory wires the real adapters: the clock-skew corrector and the
// audit recorder are shared, credentials stay per adapter.
func DefaultFactory(cfg *configs.Config, skew *clockskew.Corrector, recorder *audit.Recorder, log *slog.Logger) Factory {
	return func(acct *account.Context) (exchange.Adapter, error) {
		switch acct.Exchange {
		case account.ExchangeBinance:
			return binance.New(acct, cfg.Binance, skew, recorder, log), nil
		case account.ExchangeBybit:
			return bybit.New(acct, cfg.Bybit, skew, recorder, log), nil
		default:
			return nil, fmt.Errorf("unsupported exchange: %q", acct.Exchange)
		}
	}
}
