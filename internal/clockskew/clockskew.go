// Package clockskew keeps a cached estimate of each exchange's server-time
// offset so signed request timestamps stay inside the recv window even when
// the local clock drifts.
package clockskew

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Market distinguishes the two clock domains an exchange can expose.
type Market string

const (
	MarketSpot    Market = "spot"
	MarketFutures Market = "futures"
)

// Key scopes one cached offset. Offsets are never shared across exchanges
// or markets.
type Key struct {
	Exchange string
	Market   Market
}

// FetchFunc returns the exchange's current server time in ms since epoch.
type FetchFunc func(ctx context.Context) (int64, error)

type entry struct {
	offsetMillis int64
	fetchedAt    time.Time
}

// Corrector caches serverTime - localTime per key. Concurrent readers
// during a refresh may observe either the old or the new offset; both are
// valid approximations.
type Corrector struct {
	log *slog.Logger

	mu      sync.RWMutex
	offsets map[Key]entry
}

// for tests
var nowMillis = func() int64 { return time.Now().UnixMilli() }

func New(log *slog.Logger) *Corrector {
	return &Corrector{
		log:     log,
		offsets: make(map[Key]entry),
	}
}

// Timestamp returns localTime + cachedOffset, refreshing the offset via
// fetch when the cached value is older than ttl. An unreachable time
// endpoint caches offset 0 for the same ttl: authentication may then fail
// downstream, which is a visible failure mode, unlike blocking all trading.
func (c *Corrector) Timestamp(ctx context.Context, key Key, ttl time.Duration, fetch FetchFunc) int64 {
	return nowMillis() + c.Offset(ctx, key, ttl, fetch)
}

// Offset returns the cached offset for key, refreshing it when stale.
func (c *Corrector) Offset(ctx context.Context, key Key, ttl time.Duration, fetch FetchFunc) int64 {
	c.mu.RLock()
	e, ok := c.offsets[key]
	c.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < ttl {
		return e.offsetMillis
	}

	var offset int64
	serverTime, err := fetch(ctx)
	if err != nil {
		c.log.Warn("server time fetch failed, falling back to local clock",
			"exchange", key.Exchange, "market", key.Market, "err", err)
	} else {
		offset = serverTime - nowMillis()
	}

	c.mu.Lock()
	c.offsets[key] = entry{offsetMillis: offset, fetchedAt: time.Now()}
	c.mu.Unlock()
	return offset
}

// Invalidate drops the cached offset for key. The next signed call will
// fetch a fresh one; callers use this after a timestamp rejection before
// their single retry.
func (c *Corrector) Invalidate(key Key) {
	c.mu.Lock()
	delete(c.offsets, key)
	c.mu.Unlock()
}
