package cardstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresStore persists card state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed card state store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the card_state table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS card_state (
			card_id               BIGINT PRIMARY KEY,
			upper_control_limit   NUMERIC,
			trust_score           INTEGER,
			postal_code           INTEGER NOT NULL,
			last_transaction_time VARCHAR(19) NOT NULL,
			last_transaction_at   TIMESTAMP,
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, cardID int64) (*State, error) {
	st := &State{CardID: cardID}
	var (
		ucl   decimal.NullDecimal
		score sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT upper_control_limit, trust_score, postal_code, last_transaction_time, updated_at
		FROM card_state WHERE card_id = $1
	`, cardID).Scan(&ucl, &score, &st.PostalCode, &st.LastTransactionDate, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get card state: %w", err)
	}

	if ucl.Valid != score.Valid {
		return nil, fmt.Errorf("%w: card %d has only one of trust_score and upper_control_limit", ErrMalformedState, cardID)
	}
	if ucl.Valid {
		st.UpperControlLimit = ucl.Decimal
		st.TrustScore = int(score.Int64)
		st.Profiled = true
	}
	return st, nil
}

func (s *PostgresStore) Put(ctx context.Context, state *State) error {
	var (
		ucl   decimal.NullDecimal
		score sql.NullInt64
		at    sql.NullTime
	)
	if state.Profiled {
		ucl = decimal.NewNullDecimal(state.UpperControlLimit)
		score = sql.NullInt64{Int64: int64(state.TrustScore), Valid: true}
	}
	if t := positionTime(state.LastTransactionDate); !t.IsZero() {
		at = sql.NullTime{Time: t, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO card_state (card_id, upper_control_limit, trust_score, postal_code,
			last_transaction_time, last_transaction_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (card_id) DO UPDATE SET
			upper_control_limit   = EXCLUDED.upper_control_limit,
			trust_score           = EXCLUDED.trust_score,
			postal_code           = EXCLUDED.postal_code,
			last_transaction_time = EXCLUDED.last_transaction_time,
			last_transaction_at   = EXCLUDED.last_transaction_at,
			updated_at            = NOW()
	`, state.CardID, ucl, score, state.PostalCode, state.LastTransactionDate, at)
	if err != nil {
		return fmt.Errorf("failed to put card state: %w", err)
	}
	return nil
}

// Advance commits cp when it is strictly newer than the stored position.
// Rows loaded without last_transaction_at are compared on their parsed
// last_transaction_time.
func (s *PostgresStore) Advance(ctx context.Context, cardID int64, cp Checkpoint) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO card_state (card_id, postal_code, last_transaction_time, last_transaction_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (card_id) DO UPDATE SET
			postal_code           = EXCLUDED.postal_code,
			last_transaction_time = EXCLUDED.last_transaction_time,
			last_transaction_at   = EXCLUDED.last_transaction_at,
			updated_at            = NOW()
		WHERE COALESCE(
			card_state.last_transaction_at,
			CASE WHEN card_state.last_transaction_time ~ '^\d{2}-\d{2}-\d{4} \d{2}:\d{2}:\d{2}$'
				THEN to_timestamp(card_state.last_transaction_time, 'DD-MM-YYYY HH24:MI:SS')::timestamp
			END,
			'-infinity'::timestamp
		) < EXCLUDED.last_transaction_at
	`, cardID, cp.PostalCode, cp.TransactionDate, cp.At.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to advance card state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to advance card state: %w", err)
	}
	return n == 1, nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
