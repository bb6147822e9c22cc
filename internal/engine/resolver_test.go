package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltaflow/engine/internal/account"
	"github.com/deltaflow/engine/internal/exchange"
)

func TestResolverMemoizesPerAccount(t *testing.T) {
	built := 0
	r := NewResolver(func(acct *account.Context) (exchange.Adapter, error) {
		built++
		return &fakeAdapter{}, nil
	})

	acctA := testAccount()
	acctB := testAccount()
	acctB.ID = 12

	a1, err := r.Resolve(acctA)
	require.NoError(t, err)
	a2, err := r.Resolve(acctA)
	require.NoError(t, err)
	assert.Same(t, a1, a2, "same account resolves to the same instance")
	assert.Equal(t, 1, built)

	b, err := r.Resolve(acctB)
	require.NoError(t, err)
	assert.NotSame(t, a1, b)
	assert.Equal(t, 2, built)
}

func TestResolverRejectsInvalidContext(t *testing.T) {
	built := 0
	r := NewResolver(func(acct *account.Context) (exchange.Adapter, error) {
		built++
		return &fakeAdapter{}, nil
	})

	bad := testAccount()
	bad.APISecret = ""

	_, err := r.Resolve(bad)
	assert.Error(t, err)
	assert.Zero(t, built, "no adapter built for a malformed context")
}

func TestResolverEvictsAndRebuilds(t *testing.T) {
	built := 0
	r := NewResolver(func(acct *account.Context) (exchange.Adapter, error) {
		built++
		return &fakeAdapter{}, nil
	})

	acct := testAccount()
	_, err := r.Resolve(acct)
	require.NoError(t, err)

	r.Evict(acct)
	_, err = r.Resolve(acct)
	require.NoError(t, err)
	assert.Equal(t, 2, built)
}

func TestBaseAsset(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"BTCUSDT", "BTC"},
		{"ETHUSDC", "ETH"},
		{"SOLUSDT", "SOL"},
		{"USDT", "USDT"}, // never strip down to nothing
	}
	for _, tt := range tests {
		intent := TradeIntent{Symbol: tt.symbol}
		assert.Equal(t, tt.want, intent.BaseAsset(), tt.symbol)
	}
}
