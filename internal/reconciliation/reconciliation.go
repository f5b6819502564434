// Package reconciliation repairs card positions that lag the ledger.
//
// The engine appends a GENUINE verdict before it advances the card. A crash
// between the two leaves the card behind until the transaction is
// redelivered. A reconciliation run re-applies the advance for every recent
// GENUINE record; Advance is forward-only, so cards already current are
// left alone.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/cardguard/internal/cardstate"
	"github.com/mbd888/cardguard/internal/ledger"
	"github.com/mbd888/cardguard/internal/txn"
)

// GenuineLister returns recent GENUINE ledger records, newest first.
// *ledger.Ledger implements it.
type GenuineLister interface {
	GenuineSince(ctx context.Context, since time.Time, limit int) ([]*ledger.Record, error)
}

// DefaultMaxRecords bounds one run. A truncated run covers the newest
// records and leaves older ones to the run after.
const DefaultMaxRecords = 10000

// Report summarizes one run.
type Report struct {
	Since     time.Time     `json:"since"`
	Records   int           `json:"records"`
	Cards     int           `json:"cards"`
	Repaired  []int64       `json:"repaired"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"duration"`
}

// Service compares ledger records against card state.
type Service struct {
	ledger     GenuineLister
	states     cardstate.Store
	lookback   time.Duration
	maxRecords int
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a reconciliation service that looks back over records
// appended in the last lookback.
func NewService(l GenuineLister, states cardstate.Store, lookback time.Duration, logger *slog.Logger) *Service {
	return &Service{
		ledger:     l,
		states:     states,
		lookback:   lookback,
		maxRecords: DefaultMaxRecords,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile advances every card whose stored position is older than its
// newest recent GENUINE record.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Since: s.now().Add(-s.lookback), Repaired: []int64{}}

	recs, err := s.ledger.GenuineSince(ctx, report.Since, s.maxRecords)
	if err != nil {
		return nil, fmt.Errorf("list genuine records: %w", err)
	}
	report.Records = len(recs)
	report.Truncated = len(recs) == s.maxRecords

	latest := make(map[int64]cardstate.Checkpoint)
	var order []int64
	for _, rec := range recs {
		at, err := txn.ParseTimestamp(rec.TransactionDate)
		if err != nil {
			s.logger.Warn("skipping ledger record with malformed timestamp", "record_id", rec.ID, "error", err)
			continue
		}
		cp, seen := latest[rec.CardID]
		if !seen {
			order = append(order, rec.CardID)
		}
		if !seen || at.After(cp.At) {
			latest[rec.CardID] = cardstate.Checkpoint{PostalCode: rec.PostalCode, TransactionDate: rec.TransactionDate, At: at}
		}
	}
	report.Cards = len(order)

	for _, cardID := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		advanced, err := s.states.Advance(ctx, cardID, latest[cardID])
		if err != nil {
			return nil, fmt.Errorf("advance card %d: %w", cardID, err)
		}
		if advanced {
			report.Repaired = append(report.Repaired, cardID)
			s.logger.Warn("card position repaired from ledger",
				"card_id", cardID,
				"transaction_dt", latest[cardID].TransactionDate,
			)
		}
	}

	report.Duration = time.Since(start)
	return report, nil
}
