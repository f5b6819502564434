package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/cardguard/internal/txn"
)

// PostgresStore persists ledger records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the card_transactions table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS card_transactions (
			id             VARCHAR(32) PRIMARY KEY,
			tx_key         CHAR(64) NOT NULL UNIQUE,
			card_id        BIGINT NOT NULL,
			member_id      BIGINT NOT NULL,
			amount         NUMERIC NOT NULL,
			pos_id         BIGINT NOT NULL,
			postal_code    INTEGER NOT NULL,
			transaction_dt VARCHAR(19) NOT NULL,
			status         VARCHAR(7) NOT NULL CHECK (status IN ('FRAUD', 'GENUINE')),
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_card_transactions_card
			ON card_transactions (card_id, created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_card_transactions_fraud
			ON card_transactions (created_at DESC) WHERE status = 'FRAUD';
	`)
	return err
}

const recordColumns = `id, tx_key, card_id, member_id, amount, pos_id, postal_code, transaction_dt, status, created_at`

func (p *PostgresStore) Append(ctx context.Context, rec *Record) (*Record, bool, error) {
	stored := *rec
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO card_transactions (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tx_key) DO NOTHING
		RETURNING created_at
	`,
		rec.ID, rec.TxKey, rec.CardID, rec.MemberID, rec.Amount, rec.TerminalID,
		rec.PostalCode, rec.TransactionDate, string(rec.Status), rec.CreatedAt,
	).Scan(&stored.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		// Conflict on tx_key: the transaction is already on the ledger.
		existing, err := p.FindByKey(ctx, rec.TxKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to append ledger record: %w", err)
	}
	return &stored, true, nil
}

func (p *PostgresStore) FindByKey(ctx context.Context, txKey string) (*Record, error) {
	rec, err := scanRecord(p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM card_transactions WHERE tx_key = $1`, txKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find ledger record: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) ListByCard(ctx context.Context, cardID int64, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM card_transactions
		WHERE card_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, cardID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger record: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GenuineSince(ctx context.Context, since time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM card_transactions
		WHERE status = 'GENUINE' AND created_at >= $1
		ORDER BY created_at DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list genuine records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger record: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var status string
	if err := row.Scan(&rec.ID, &rec.TxKey, &rec.CardID, &rec.MemberID, &rec.Amount,
		&rec.TerminalID, &rec.PostalCode, &rec.TransactionDate, &status, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Status = txn.Status(status)
	return &rec, nil
}

// Ping checks connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
