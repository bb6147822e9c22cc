package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) Append(ctx context.Context, e *Entry) error {
	return fmt.Errorf("audit db is down")
}

func TestRecorder_SwallowsStoreFailure(t *testing.T) {
	r := NewRecorder(failingStore{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NotPanics(t, func() {
		r.Record(context.Background(), Entry{Endpoint: "/fapi/v1/order"})
	})
}

func TestRecorder_StampsCreatedAt(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	r.Record(context.Background(), Entry{Endpoint: "/v5/order/create"})

	entries := store.Entries()
	require.Len(t, entries, 1)
	require.False(t, entries[0].CreatedAt.IsZero())
}

func TestPayloadRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	payload := map[string]any{
		"symbol":   "BTCUSDT",
		"side":     "BUY",
		"quantity": "0.005",
	}
	r.Record(context.Background(), Entry{
		Endpoint: "/fapi/v1/order",
		Payload:  MarshalPayload(payload),
	})

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(store.Entries()[0].Payload), &got))
	require.Equal(t, "BTCUSDT", got["symbol"])
	require.Equal(t, "BUY", got["side"])
	require.Equal(t, "0.005", got["quantity"])
}
