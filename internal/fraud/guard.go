package fraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/cardguard/internal/cardstate"
	"github.com/mbd888/cardguard/internal/circuitbreaker"
	"github.com/mbd888/cardguard/internal/ledger"
	"github.com/mbd888/cardguard/internal/retry"
)

// Breaker keys, also used as metric labels.
const (
	storeCardState = "card_state"
	storeLedger    = "ledger"
)

// guard runs store calls with a per-attempt timeout, a per-store circuit
// breaker and bounded retries. Misses and undecodable records pass through
// unchanged; every other failure comes back wrapped in ErrStoreUnavailable.
type guard struct {
	timeout time.Duration
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
}

// expected reports errors that are answers from a healthy store.
func expected(err error) bool {
	return errors.Is(err, cardstate.ErrNotFound) ||
		errors.Is(err, ledger.ErrNotFound) ||
		errors.Is(err, cardstate.ErrMalformedState)
}

func (g *guard) call(ctx context.Context, store string, fn func(ctx context.Context) error) error {
	isFailure := func(err error) bool {
		return !expected(err) && !errors.Is(err, context.Canceled)
	}

	policy := g.policy
	policy.OnRetry = func(int, error) { storeRetries.WithLabelValues(store).Inc() }

	err := policy.Do(ctx, func() error {
		err := g.breaker.Call(store, isFailure, func() error {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return fn(callCtx)
		})
		switch {
		case err == nil:
			return nil
		case expected(err), ctx.Err() != nil, errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(err)
		default:
			return err
		}
	})

	switch {
	case err == nil, expected(err):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, store, err)
	}
}
