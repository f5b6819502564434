package fraud

import (
	"context"
	"errors"

	"github.com/mbd888/cardguard/internal/cardstate"
	"github.com/mbd888/cardguard/internal/geo"
	"github.com/mbd888/cardguard/internal/txn"
)

// ErrStoreUnavailable wraps every store failure that is neither a miss nor
// a decoding problem: timeouts, refused connections, an open breaker.
// Such failures are retryable at the ingestion boundary.
var ErrStoreUnavailable = errors.New("store unavailable")

// Error kinds used in logs, metrics and dead-letter reasons.
const (
	KindDataQuality = "data_quality"
	KindTransient   = "transient"
	KindCanceled    = "canceled"
	KindInternal    = "internal"
)

// IsDataQuality reports whether err is scoped to the transaction itself
// and will fail the same way on every attempt.
func IsDataQuality(err error) bool {
	return errors.Is(err, geo.ErrUnknownPostalCode) ||
		errors.Is(err, txn.ErrMalformedTimestamp) ||
		errors.Is(err, cardstate.ErrMalformedState)
}

// IsTransient reports whether err came from an unavailable store and the
// transaction may succeed if submitted again.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// ErrorKind classifies err into one of the Kind constants.
func ErrorKind(err error) string {
	switch {
	case IsDataQuality(err):
		return KindDataQuality
	case IsTransient(err):
		return KindTransient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}
