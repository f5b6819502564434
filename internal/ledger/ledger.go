// Package ledger keeps the append-only history of every scored transaction.
//
// Records are never updated or deleted. Each record gets a fresh random ID
// and is also keyed by the transaction's identity, so appending the same
// transaction twice stores it once and returns the original record.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/cardguard/internal/idgen"
	"github.com/mbd888/cardguard/internal/txn"
)

var (
	ErrNotFound      = errors.New("ledger record not found")
	ErrInvalidStatus = errors.New("invalid status")
)

// Record is one scored transaction.
type Record struct {
	ID              string          `json:"id"`
	TxKey           string          `json:"txKey"`
	CardID          int64           `json:"cardId"`
	MemberID        int64           `json:"memberId"`
	Amount          decimal.Decimal `json:"amount"`
	TerminalID      int64           `json:"posId"`
	PostalCode      int             `json:"postalCode"`
	TransactionDate string          `json:"transactionDate"`
	Status          txn.Status      `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// NewRecord builds an unsaved record for tx.
func NewRecord(tx *txn.Transaction, status txn.Status) *Record {
	return &Record{
		ID:              idgen.New(),
		TxKey:           tx.Key(),
		CardID:          tx.CardID,
		MemberID:        tx.MemberID,
		Amount:          tx.Amount,
		TerminalID:      tx.TerminalID,
		PostalCode:      tx.PostalCode,
		TransactionDate: tx.TransactionDate,
		Status:          status,
		CreatedAt:       time.Now().UTC(),
	}
}

// Transaction reconstructs the transaction the record was made from.
func (r *Record) Transaction() txn.Transaction {
	return txn.Transaction{
		CardID:          r.CardID,
		MemberID:        r.MemberID,
		Amount:          r.Amount,
		TerminalID:      r.TerminalID,
		PostalCode:      r.PostalCode,
		TransactionDate: r.TransactionDate,
	}
}

// Store persists ledger records.
type Store interface {
	// Append stores rec unless a record with the same TxKey exists. It
	// returns the stored record and whether this call created it.
	Append(ctx context.Context, rec *Record) (*Record, bool, error)
	FindByKey(ctx context.Context, txKey string) (*Record, error)
	ListByCard(ctx context.Context, cardID int64, limit int) ([]*Record, error)

	// GenuineSince returns up to limit GENUINE records created at or after
	// since, newest first.
	GenuineSince(ctx context.Context, since time.Time, limit int) ([]*Record, error)
}

// Ledger records scored transactions.
type Ledger struct {
	store Store
}

// New creates a ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Append records tx with its verdict and returns the stored record and
// whether this call wrote it. A transaction already on the ledger is not
// written again; the existing record is returned with created false.
func (l *Ledger) Append(ctx context.Context, tx *txn.Transaction, status txn.Status) (*Record, bool, error) {
	if !status.Valid() {
		return nil, false, ErrInvalidStatus
	}
	start := time.Now()
	rec, created, err := l.store.Append(ctx, NewRecord(tx, status))
	LedgerOpDuration.WithLabelValues("append").Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		LedgerAppendsTotal.WithLabelValues("error").Inc()
		return nil, false, err
	case created:
		LedgerAppendsTotal.WithLabelValues("created").Inc()
	default:
		LedgerAppendsTotal.WithLabelValues("duplicate").Inc()
	}
	return rec, created, nil
}

// Lookup returns the record previously appended for tx, or ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, tx *txn.Transaction) (*Record, error) {
	start := time.Now()
	defer func() { LedgerOpDuration.WithLabelValues("lookup").Observe(time.Since(start).Seconds()) }()
	return l.store.FindByKey(ctx, tx.Key())
}

// History returns a card's most recent records, newest first.
func (l *Ledger) History(ctx context.Context, cardID int64, limit int) ([]*Record, error) {
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = DefaultHistoryLimit
	}
	return l.store.ListByCard(ctx, cardID, limit)
}

// GenuineSince returns GENUINE records created at or after since, newest
// first. When limit cuts the list short the oldest records are the ones left
// out.
func (l *Ledger) GenuineSince(ctx context.Context, since time.Time, limit int) ([]*Record, error) {
	start := time.Now()
	defer func() { LedgerOpDuration.WithLabelValues("genuine_since").Observe(time.Since(start).Seconds()) }()
	return l.store.GenuineSince(ctx, since, limit)
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)
