// Package txn defines card-present transactions as delivered by the feed,
// the fixed timestamp format they carry, and the verdict labels assigned to them.
package txn

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimestampLayout is the fixed dd-MM-yyyy HH:mm:ss format used on the wire
// and in the card state store.
const TimestampLayout = "02-01-2006 15:04:05"

// ErrMalformedTimestamp is returned when a timestamp does not match TimestampLayout.
var ErrMalformedTimestamp = errors.New("malformed timestamp")

// Status is the classification of a scored transaction.
type Status string

const (
	StatusFraud   Status = "FRAUD"
	StatusGenuine Status = "GENUINE"
)

// Valid reports whether s is one of the known labels.
func (s Status) Valid() bool {
	return s == StatusFraud || s == StatusGenuine
}

// Transaction is a single card-present transaction. It is never mutated
// after decoding.
type Transaction struct {
	CardID          int64           `json:"card_id"`
	MemberID        int64           `json:"member_id"`
	Amount          decimal.Decimal `json:"amount"`
	TerminalID      int64           `json:"pos_id"`
	PostalCode      int             `json:"postcode"`
	TransactionDate string          `json:"transaction_dt"`
}

// Time parses the transaction timestamp.
func (t *Transaction) Time() (time.Time, error) {
	return ParseTimestamp(t.TransactionDate)
}

// Key returns the transaction's identity: a SHA-256 over its canonical fields.
// Two deliveries of the same transaction share a key.
func (t *Transaction) Key() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(t.CardID, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(t.MemberID, 10))
	b.WriteByte('|')
	b.WriteString(t.Amount.String())
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(t.TerminalID, 10))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(t.PostalCode))
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(t.TransactionDate))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (t *Transaction) String() string {
	return fmt.Sprintf("%d,%s,%d,%d,%d,%s",
		t.CardID, t.Amount.String(), t.MemberID, t.TerminalID, t.PostalCode, t.TransactionDate)
}

// ParseTimestamp parses s under TimestampLayout in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	ts, err := time.Parse(TimestampLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, s)
	}
	return ts, nil
}

// FormatTimestamp renders ts under TimestampLayout.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}
