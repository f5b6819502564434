package cardstate

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/cardguard/internal/txn"
)

// ImportFields is the column order of a profile export:
// card_id,upper_control_limit,score,postal_code,transaction_dt.
var ImportFields = []string{"card_id", "upper_control_limit", "score", "postal_code", "transaction_dt"}

// ReadProfiles parses a profile export and calls fn for every row in order.
// A first row equal to ImportFields (case-insensitive) is skipped. Rows are
// returned as profiled states. Parsing stops at the first bad row or the
// first error from fn.
func ReadProfiles(r io.Reader, fn func(*State) error) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(ImportFields)
	cr.TrimLeadingSpace = true

	n := 0
	for first := true; ; first = false {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read profiles: %w", err)
		}
		if first && isHeader(fields) {
			continue
		}

		line, _ := cr.FieldPos(0)
		st, err := parseProfile(fields)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(st); err != nil {
			return n, fmt.Errorf("line %d: card %d: %w", line, st.CardID, err)
		}
		n++
	}
}

func isHeader(fields []string) bool {
	for i, f := range fields {
		if !strings.EqualFold(strings.TrimSpace(f), ImportFields[i]) {
			return false
		}
	}
	return true
}

func parseProfile(fields []string) (*State, error) {
	cardID, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil || cardID <= 0 {
		return nil, fmt.Errorf("card_id %q is not a positive integer", fields[0])
	}
	ucl, err := decimal.NewFromString(strings.TrimSpace(fields[1]))
	if err != nil || ucl.IsNegative() {
		return nil, fmt.Errorf("upper_control_limit %q is not a non-negative amount", fields[1])
	}
	score, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil || score < 0 {
		return nil, fmt.Errorf("score %q is not a non-negative integer", fields[2])
	}
	postal, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil {
		return nil, fmt.Errorf("postal_code %q is not an integer", fields[3])
	}
	date := strings.TrimSpace(fields[4])
	if _, err := txn.ParseTimestamp(date); err != nil {
		return nil, err
	}
	return &State{
		CardID:              cardID,
		PostalCode:          postal,
		LastTransactionDate: date,
		TrustScore:          score,
		UpperControlLimit:   ucl,
		Profiled:            true,
	}, nil
}

// Import writes every row of a profile export to store with up to
// concurrency writes in flight. It returns the number of rows written.
func Import(ctx context.Context, r io.Reader, store Store, concurrency int) (int, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	n, readErr := ReadProfiles(r, func(st *State) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		g.Go(func() error {
			if err := store.Put(gctx, st); err != nil {
				return fmt.Errorf("card %d: %w", st.CardID, err)
			}
			return nil
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return n, readErr
}
