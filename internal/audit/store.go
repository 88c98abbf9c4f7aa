package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CancellationRecord is one settled cancellation attempt. Workflow state is
// never persisted; only these terminal outcomes are.
type CancellationRecord struct {
	ID           string
	SessionID    string
	Operator     string
	Mode         string
	Reference    string
	PaymentID    string
	Reason       string
	Succeeded    bool
	Amount       decimal.Decimal
	ErrorCode    string
	ErrorMessage string
	SettledAt    time.Time
	CreatedAt    time.Time
}

// Store persists the cancellation audit trail in Postgres
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewStore(databaseURL string, log *zap.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// RecordCancellation inserts one settled outcome
func (s *Store) RecordCancellation(ctx context.Context, rec CancellationRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cancellation_audit (
			id, session_id, operator, mode, reference, payment_id, reason,
			succeeded, amount, error_code, error_message, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.SessionID, rec.Operator, rec.Mode, rec.Reference,
		rec.PaymentID, rec.Reason, rec.Succeeded, rec.Amount.String(),
		rec.ErrorCode, rec.ErrorMessage, rec.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cancellation record: %w", err)
	}
	return nil
}

// ListBySession returns a session's settled attempts, newest first
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]CancellationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, operator, mode, reference, payment_id, reason,
			succeeded, amount::text, error_code, error_message, settled_at, created_at
		FROM cancellation_audit
		WHERE session_id = $1
		ORDER BY settled_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cancellation records: %w", err)
	}
	defer rows.Close()

	var out []CancellationRecord
	for rows.Next() {
		var rec CancellationRecord
		var amount string
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.Operator, &rec.Mode, &rec.Reference,
			&rec.PaymentID, &rec.Reason, &rec.Succeeded, &amount,
			&rec.ErrorCode, &rec.ErrorMessage, &rec.SettledAt, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cancellation record: %w", err)
		}
		rec.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount in audit row %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
