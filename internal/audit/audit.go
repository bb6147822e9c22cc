// Package audit appends one record per outbound exchange call. The log is
// the source of truth for what was actually sent and what came back; it is
// written on success and failure alike.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Entry is one outbound call attempt. A retried call produces two entries.
type Entry struct {
	AccountID     int64     `json:"account_id"`
	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	Endpoint      string    `json:"endpoint"`
	Payload       string    `json:"payload"`  // serialized request parameters
	Response      string    `json:"response"` // raw response body
	StatusCode    int       `json:"status_code"`
	ClientOrderID string    `json:"client_order_id"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store is an append-only sink for trade log entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
}

// Recorder wraps a Store and guarantees that audit failures never abort the
// caller's trading operation: errors are logged and swallowed.
type Recorder struct {
	store Store
	log   *slog.Logger
}

func NewRecorder(store Store, log *slog.Logger) *Recorder {
	return &Recorder{store: store, log: log}
}

// Record stamps and appends e. It never returns an error.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if err := r.store.Append(ctx, &e); err != nil {
		r.log.Error("trade logging failed",
			"endpoint", e.Endpoint, "account_id", e.AccountID, "err", err)
	}
}

// MarshalPayload serializes request parameters for storage. Marshal errors
// degrade to an empty object rather than losing the row.
func MarshalPayload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
