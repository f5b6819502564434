package fraud

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/mbd888/cardguard/internal/cardstate"
	"github.com/mbd888/cardguard/internal/txn"
)

const (
	// MinTrustScore is the lowest trust score that does not flag a card.
	MinTrustScore = 200

	// MaxSpeedKmPerSec is the fastest plausible travel between two
	// card-present transactions, about 900 km/h.
	MaxSpeedKmPerSec = 0.25
)

// Rule names a condition that flags a transaction.
type Rule string

const (
	RuleLowTrustScore    Rule = "low_trust_score"
	RuleAmountOverLimit  Rule = "amount_over_limit"
	RuleImpossibleTravel Rule = "impossible_travel"
)

// Distancer returns the great-circle distance in kilometres between two
// postal codes. *geo.Index implements it.
type Distancer interface {
	Distance(a, b int) (float64, error)
}

// Speed is a travel speed in km/s. An infinite speed encodes as the JSON
// string "Infinity".
type Speed float64

func (s Speed) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(s), 1) {
		return []byte(`"Infinity"`), nil
	}
	return []byte(strconv.FormatFloat(float64(s), 'g', -1, 64)), nil
}

func (s *Speed) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte(`"Infinity"`)) {
		*s = Speed(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*s = Speed(f)
	return nil
}

// Signals are the measurements a verdict was based on.
type Signals struct {
	// FirstSeen is set when the card had no recorded state.
	FirstSeen bool `json:"firstSeen"`

	// Profiled is set when trust score and limit were available.
	Profiled bool `json:"profiled"`

	DistanceKm     float64 `json:"distanceKm"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	SpeedKmPerSec  Speed   `json:"speedKmPerSec"`
	Rules          []Rule  `json:"rules"`
}

// Assess scores tx against the card's prior state. A nil prior means the
// card has never been seen: the transaction is genuine and becomes the
// baseline. An unprofiled prior is judged on travel speed alone.
//
// Every rule is evaluated; the verdict is FRAUD when any fires.
func Assess(geo Distancer, prior *cardstate.State, tx *txn.Transaction) (txn.Status, Signals, error) {
	sig := Signals{Rules: []Rule{}}

	at, err := tx.Time()
	if err != nil {
		return "", sig, err
	}
	if prior == nil {
		// The code becomes the card's baseline, so it must be known.
		if _, err := geo.Distance(tx.PostalCode, tx.PostalCode); err != nil {
			return "", sig, err
		}
		sig.FirstSeen = true
		return txn.StatusGenuine, sig, nil
	}
	sig.Profiled = prior.Profiled

	priorAt, err := prior.LastTransactionTime()
	if err != nil {
		return "", sig, err
	}
	dist, err := geo.Distance(tx.PostalCode, prior.PostalCode)
	if err != nil {
		return "", sig, err
	}

	elapsed := at.Sub(priorAt)
	sig.DistanceKm = dist
	sig.ElapsedSeconds = elapsed.Seconds()
	sig.SpeedKmPerSec = Speed(speed(dist, elapsed))

	if prior.Profiled {
		if prior.TrustScore < MinTrustScore {
			sig.Rules = append(sig.Rules, RuleLowTrustScore)
		}
		if tx.Amount.GreaterThan(prior.UpperControlLimit) {
			sig.Rules = append(sig.Rules, RuleAmountOverLimit)
		}
	}
	if float64(sig.SpeedKmPerSec) > MaxSpeedKmPerSec {
		sig.Rules = append(sig.Rules, RuleImpossibleTravel)
	}

	if len(sig.Rules) > 0 {
		return txn.StatusFraud, sig, nil
	}
	return txn.StatusGenuine, sig, nil
}

// speed is distance over elapsed time. A transaction at or before the prior
// one has infinite speed, even at zero distance.
func speed(distanceKm float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return math.Inf(1)
	}
	return distanceKm / elapsed.Seconds()
}
