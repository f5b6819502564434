// Package fraud scores card-present transactions.
//
// For each transaction the engine reads the card's last trusted position,
// applies the trust-score, amount and travel-speed rules, appends the
// verdict to the ledger and, for genuine verdicts, moves the card's
// position forward. Work on one card is serialized; different cards are
// scored concurrently.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/cardguard/internal/cardstate"
	"github.com/mbd888/cardguard/internal/circuitbreaker"
	"github.com/mbd888/cardguard/internal/ledger"
	"github.com/mbd888/cardguard/internal/logging"
	"github.com/mbd888/cardguard/internal/retry"
	"github.com/mbd888/cardguard/internal/syncutil"
	"github.com/mbd888/cardguard/internal/traces"
	"github.com/mbd888/cardguard/internal/txn"
)

// Recorder is the ledger as the engine uses it. *ledger.Ledger implements it.
type Recorder interface {
	Append(ctx context.Context, tx *txn.Transaction, status txn.Status) (*ledger.Record, bool, error)
	Lookup(ctx context.Context, tx *txn.Transaction) (*ledger.Record, error)
}

// Publisher receives every verdict the engine produces, replays included.
type Publisher interface {
	PublishVerdict(v *Verdict)
}

// Verdict is the outcome of scoring one transaction.
type Verdict struct {
	RecordID    string          `json:"recordId"`
	TxKey       string          `json:"txKey"`
	CardID      int64           `json:"cardId"`
	Status      txn.Status      `json:"status"`
	Signals     Signals         `json:"signals"`
	Transaction txn.Transaction `json:"transaction"`

	// Replayed is set when the transaction was already on the ledger and
	// the recorded verdict was returned without rescoring.
	Replayed bool `json:"replayed"`

	// StateAdvanced is set when this call moved the card's position.
	StateAdvanced bool `json:"stateAdvanced"`

	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// Result pairs a batch transaction with its verdict or error. Exactly one
// of Verdict and Err is set.
type Result struct {
	Transaction txn.Transaction `json:"transaction"`
	Verdict     *Verdict        `json:"verdict,omitempty"`
	Err         error           `json:"-"`
}

// Config tunes an Engine. Zero fields take the defaults below.
type Config struct {
	StoreTimeout time.Duration // per store call attempt; default 2s
	Retry        retry.Policy  // default retry.DefaultPolicy()
	Concurrency  int           // cards scored in parallel by EvaluateBatch; default 16
	LockShards   int           // default syncutil.DefaultShards

	// Breaker is shared with health checks when set; otherwise the engine
	// builds its own with 5 failures and 30s open.
	Breaker *circuitbreaker.Breaker
}

const (
	defaultStoreTimeout = 2 * time.Second
	defaultConcurrency  = 16
)

// Engine scores transactions. It is safe for concurrent use.
type Engine struct {
	geo         Distancer
	states      cardstate.Store
	ledger      Recorder
	guard       *guard
	locks       *syncutil.KeyedMutex
	concurrency int
	logger      *slog.Logger
	publisher   Publisher
	now         func() time.Time
}

// New creates an engine over an already-loaded geo index and the two stores.
func New(geo Distancer, states cardstate.Store, recorder Recorder, cfg Config) *Engine {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Engine{
		geo:    geo,
		states: states,
		ledger: recorder,
		guard: &guard{
			timeout: cfg.StoreTimeout,
			policy:  cfg.Retry,
			breaker: cfg.Breaker,
		},
		locks:       syncutil.NewKeyedMutex(cfg.LockShards),
		concurrency: cfg.Concurrency,
		logger:      logging.Discard(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithLogger sets the logger used when a request context carries none.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithPublisher adds a verdict subscriber.
func (e *Engine) WithPublisher(p Publisher) *Engine {
	e.publisher = p
	return e
}

// Evaluate scores one transaction.
//
// A transaction already on the ledger is not rescored: its recorded verdict
// is returned with Replayed set, and a genuine verdict's state advance is
// reapplied in case the earlier attempt stopped before it.
//
// Errors are either data-quality (IsDataQuality), store unavailability
// (IsTransient) or the context's error. No verdict is returned with an error.
func (e *Engine) Evaluate(ctx context.Context, tx *txn.Transaction) (_ *Verdict, retErr error) {
	ctx, span := traces.StartSpan(ctx, "fraud.evaluate",
		traces.CardID(tx.CardID),
		traces.PostalCode(tx.PostalCode),
	)
	start := time.Now()
	defer func() {
		evaluationDuration.Observe(time.Since(start).Seconds())
		traces.EndSpan(span, retErr)
	}()

	ctx = logging.WithCard(e.contextLogger(ctx), tx.CardID)

	v, err := e.evaluate(ctx, tx)
	if err != nil {
		e.recordError(ctx, tx, err)
		return nil, err
	}

	span.SetAttributes(traces.Status(string(v.Status)))
	if v.Replayed {
		transactionsReplayed.Inc()
	} else {
		transactionsEvaluated.WithLabelValues(string(v.Status)).Inc()
		for _, r := range v.Signals.Rules {
			rulesFired.WithLabelValues(string(r)).Inc()
		}
	}
	logging.L(ctx).Debug("transaction scored",
		"status", v.Status,
		"replayed", v.Replayed,
		"rules", v.Signals.Rules,
		"distance_km", v.Signals.DistanceKm,
		"elapsed_s", v.Signals.ElapsedSeconds,
	)
	if e.publisher != nil {
		e.publisher.PublishVerdict(v)
	}
	return v, nil
}

func (e *Engine) evaluate(ctx context.Context, tx *txn.Transaction) (*Verdict, error) {
	cp, err := cardstate.CheckpointFrom(tx)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locks.LockContext(ctx, tx.CardID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var recorded *ledger.Record
	err = e.guard.call(ctx, storeLedger, func(ctx context.Context) error {
		var err error
		recorded, err = e.ledger.Lookup(ctx, tx)
		return err
	})
	switch {
	case err == nil:
		return e.replay(ctx, tx, recorded, cp)
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, err
	}

	var prior *cardstate.State
	err = e.guard.call(ctx, storeCardState, func(ctx context.Context) error {
		var err error
		prior, err = e.states.Get(ctx, tx.CardID)
		return err
	})
	if err != nil && !errors.Is(err, cardstate.ErrNotFound) {
		return nil, err
	}

	status, sig, err := Assess(e.geo, prior, tx)
	if err != nil {
		return nil, err
	}

	var (
		rec     *ledger.Record
		created bool
	)
	err = e.guard.call(ctx, storeLedger, func(ctx context.Context) error {
		var err error
		rec, created, err = e.ledger.Append(ctx, tx, status)
		return err
	})
	if err != nil {
		return nil, err
	}

	v := &Verdict{
		RecordID:    rec.ID,
		TxKey:       rec.TxKey,
		CardID:      tx.CardID,
		Status:      rec.Status,
		Signals:     sig,
		Transaction: *tx,
		EvaluatedAt: e.now(),
	}
	// Another instance may have appended first; its verdict stands.
	if !created {
		v.Replayed = true
		v.Signals = Signals{Rules: []Rule{}}
	}
	if v.Status == txn.StatusGenuine {
		if v.StateAdvanced, err = e.advance(ctx, tx.CardID, cp); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (e *Engine) replay(ctx context.Context, tx *txn.Transaction, rec *ledger.Record, cp cardstate.Checkpoint) (*Verdict, error) {
	v := &Verdict{
		RecordID:    rec.ID,
		TxKey:       rec.TxKey,
		CardID:      rec.CardID,
		Status:      rec.Status,
		Signals:     Signals{Rules: []Rule{}},
		Transaction: *tx,
		Replayed:    true,
		EvaluatedAt: e.now(),
	}
	if rec.Status == txn.StatusGenuine {
		var err error
		if v.StateAdvanced, err = e.advance(ctx, tx.CardID, cp); err != nil {
			return nil, err
		}
	}
	logging.L(ctx).Info("redelivered transaction answered from ledger", "record_id", rec.ID, "status", rec.Status)
	return v, nil
}

// advance moves the card forward. A stale checkpoint is not an error: a
// newer genuine transaction already holds the position.
func (e *Engine) advance(ctx context.Context, cardID int64, cp cardstate.Checkpoint) (bool, error) {
	var committed bool
	err := e.guard.call(ctx, storeCardState, func(ctx context.Context) error {
		var err error
		committed, err = e.states.Advance(ctx, cardID, cp)
		return err
	})
	switch {
	case err != nil:
		stateAdvances.WithLabelValues("error").Inc()
		return false, err
	case committed:
		stateAdvances.WithLabelValues("committed").Inc()
	default:
		stateAdvances.WithLabelValues("stale").Inc()
	}
	return committed, nil
}

// EvaluateBatch scores txs and returns one Result per input, in input
// order. A failure on one card never affects other cards.
//
// Transactions for the same card are scored one after another in
// transaction-time order; distinct cards run concurrently. When a card's
// transaction fails for any reason other than its own data, the card's
// later transactions are not scored and report an error wrapping the same
// cause, so a retry sees them in order. If ctx is done mid-batch, unscored
// transactions report ctx.Err().
func (e *Engine) EvaluateBatch(ctx context.Context, txs []txn.Transaction) []Result {
	ctx, span := traces.StartSpan(ctx, "fraud.evaluate_batch", traces.BatchSize(len(txs)))
	defer span.End()

	results := make([]Result, len(txs))
	for i := range txs {
		results[i].Transaction = txs[i]
	}

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, idxs := range groupByCard(txs) {
		g.Go(func() error {
			var blocked error
			for _, i := range idxs {
				if err := ctx.Err(); err != nil {
					results[i].Err = err
					continue
				}
				if blocked != nil {
					results[i].Err = fmt.Errorf("held behind an earlier transaction for card %d: %w", txs[i].CardID, blocked)
					continue
				}
				results[i].Verdict, results[i].Err = e.Evaluate(ctx, &txs[i])
				if err := results[i].Err; err != nil && !IsDataQuality(err) {
					blocked = err
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// groupByCard returns input indexes per card, each group sorted by
// transaction time. Unparseable timestamps sort first; they fail on their
// own without touching state.
func groupByCard(txs []txn.Transaction) [][]int {
	order := make([]int64, 0)
	groups := make(map[int64][]int)
	for i := range txs {
		id := txs[i].CardID
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], i)
	}

	times := make([]time.Time, len(txs))
	for i := range txs {
		times[i], _ = txs[i].Time()
	}

	out := make([][]int, 0, len(order))
	for _, id := range order {
		idxs := groups[id]
		sort.SliceStable(idxs, func(a, b int) bool {
			return times[idxs[a]].Before(times[idxs[b]])
		})
		out = append(out, idxs)
	}
	return out
}

func (e *Engine) contextLogger(ctx context.Context) context.Context {
	if logging.FromContext(ctx) == slog.Default() {
		return logging.WithLogger(ctx, e.logger)
	}
	return ctx
}

func (e *Engine) recordError(ctx context.Context, tx *txn.Transaction, err error) {
	kind := ErrorKind(err)
	evaluationErrors.WithLabelValues(kind).Inc()
	log := logging.L(ctx)
	switch kind {
	case KindDataQuality:
		log.Warn("transaction not scored", "kind", kind, "postal_code", tx.PostalCode, "transaction_dt", tx.TransactionDate, "error", err)
	case KindCanceled:
		log.Info("transaction not scored", "kind", kind, "error", err)
	default:
		log.Error("transaction not scored", "kind", kind, "error", err)
	}
}
