package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{db: db}

	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) initTables() error {
	query := `
        CREATE TABLE IF NOT EXISTS trade_logs (
            id BIGSERIAL PRIMARY KEY,
            account_id BIGINT NOT NULL,
            exchange TEXT NOT NULL,
            symbol TEXT,
            endpoint TEXT NOT NULL,
            payload TEXT,
            response TEXT,
            status_code INT,
            client_order_id TEXT,
            correlation_id TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )
    `
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create trade_logs: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	query := `
        INSERT INTO trade_logs (
            account_id, exchange, symbol, endpoint,
            payload, response, status_code, client_order_id,
            correlation_id, created_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
        )
    `

	_, err := s.db.ExecContext(ctx, query,
		e.AccountID,
		e.Exchange,
		e.Symbol,
		e.Endpoint,
		e.Payload,
		e.Response,
		e.StatusCode,
		e.ClientOrderID,
		e.CorrelationID,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade log: %w", err)
	}

	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
