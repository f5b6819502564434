// Package cardstate stores the last trusted position of every card: where and
// when its last genuine transaction happened, plus the trust score and upper
// control limit maintained by the external profiling process.
//
// The scoring engine only ever moves a card's position forward in transaction
// time (Advance). Trust score and limit are written by Put alone.
package cardstate

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/cardguard/internal/txn"
)

var (
	// ErrNotFound means the card has no recorded state yet.
	ErrNotFound = errors.New("card state not found")

	// ErrMalformedState means a stored record could not be decoded.
	ErrMalformedState = errors.New("malformed card state")
)

// State is one card's record.
type State struct {
	CardID              int64           `json:"cardId"`
	PostalCode          int             `json:"postalCode"`
	LastTransactionDate string          `json:"lastTransactionTime"`
	TrustScore          int             `json:"trustScore"`
	UpperControlLimit   decimal.Decimal `json:"upperControlLimit"`

	// Profiled is false until the profiling process has supplied TrustScore
	// and UpperControlLimit. A baseline written for a first-seen card is
	// unprofiled.
	Profiled bool `json:"profiled"`

	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// LastTransactionTime parses LastTransactionDate.
func (s *State) LastTransactionTime() (time.Time, error) {
	return txn.ParseTimestamp(s.LastTransactionDate)
}

// Checkpoint is the position a genuine transaction moves a card to.
type Checkpoint struct {
	PostalCode      int
	TransactionDate string
	At              time.Time
}

// CheckpointFrom builds the checkpoint for tx. It fails only if the
// transaction timestamp is malformed.
func CheckpointFrom(tx *txn.Transaction) (Checkpoint, error) {
	at, err := tx.Time()
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{PostalCode: tx.PostalCode, TransactionDate: tx.TransactionDate, At: at}, nil
}

// Store persists card state keyed by card ID.
type Store interface {
	// Get returns the most recently committed state, or ErrNotFound.
	Get(ctx context.Context, cardID int64) (*State, error)

	// Put replaces the card's record. Used by the profiling process and
	// bulk loads, not by the scoring engine.
	Put(ctx context.Context, state *State) error

	// Advance moves the card to cp if cp.At is strictly after the stored
	// position, creating an unprofiled record when none exists. Trust score
	// and limit are left untouched. It reports whether the write committed.
	Advance(ctx context.Context, cardID int64, cp Checkpoint) (bool, error)
}

// positionTime returns the parsed stored time, or the zero time when the
// stored text does not parse so that any valid checkpoint supersedes it.
func positionTime(date string) time.Time {
	at, err := txn.ParseTimestamp(date)
	if err != nil {
		return time.Time{}
	}
	return at
}
