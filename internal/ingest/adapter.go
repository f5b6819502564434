// Package ingest connects the transaction feed to the scoring engine.
//
// The adapter reads micro-batches from a Source, decodes them, scores them
// with fraud.Engine.EvaluateBatch, and hands every outcome to a Sink:
// verdicts to the verdict stream, undecodable or unscoreable messages to the
// dead-letter stream. Offsets are committed once a whole batch is settled,
// so a crash mid-batch redelivers it; the ledger makes redelivery harmless.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/cardguard/internal/fraud"
	"github.com/mbd888/cardguard/internal/logging"
	"github.com/mbd888/cardguard/internal/retry"
	"github.com/mbd888/cardguard/internal/txn"
)

// Dead-letter reasons.
const (
	ReasonDecode      = "decode"
	ReasonDataQuality = fraud.KindDataQuality
	ReasonTransient   = fraud.KindTransient
	ReasonInternal    = fraud.KindInternal
)

// Message is one record from the feed.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Source delivers feed messages in batches.
type Source interface {
	// ReadBatch returns up to max messages, waiting at most window for the
	// batch to fill. An empty batch is not an error. Errors are fatal.
	ReadBatch(ctx context.Context, max int, window time.Duration) ([]Message, error)

	// Commit acknowledges every message returned so far.
	Commit(ctx context.Context) error

	Close() error
}

// Sink receives batch outcomes.
type Sink interface {
	Verdict(ctx context.Context, v *fraud.Verdict) error
	DeadLetter(ctx context.Context, msg Message, reason string, cause error) error
}

// Scorer scores a batch. *fraud.Engine implements it.
type Scorer interface {
	EvaluateBatch(ctx context.Context, txs []txn.Transaction) []fraud.Result
}

// Config tunes an Adapter. Zero fields take defaults.
type Config struct {
	BatchSize int           // default 500
	Window    time.Duration // default 1s
	Retry     retry.Policy  // re-scoring of transient failures; default retry.DefaultPolicy()
}

// Adapter runs the consume, score, publish, commit loop.
type Adapter struct {
	source Source
	sink   Sink
	scorer Scorer
	cfg    Config
	logger *slog.Logger
}

// NewAdapter creates an adapter.
func NewAdapter(source Source, sink Sink, scorer Scorer, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Adapter{source: source, sink: sink, scorer: scorer, cfg: cfg, logger: logger}
}

// Run consumes until ctx is done or the source fails. A done context is a
// clean stop and returns nil. The source is not closed.
func (a *Adapter) Run(ctx context.Context) error {
	a.logger.Info("ingestion started", "batch_size", a.cfg.BatchSize, "window", a.cfg.Window)
	defer a.logger.Info("ingestion stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := a.source.ReadBatch(ctx, a.cfg.BatchSize, a.cfg.Window)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read batch: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}

		summary, err := a.ProcessBatch(ctx, msgs)
		if err != nil {
			if ctx.Err() != nil {
				// Uncommitted: the batch is redelivered after restart.
				return nil
			}
			return err
		}
		if err := a.source.Commit(ctx); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		a.logger.Info("batch processed",
			"messages", summary.Messages,
			"genuine", summary.Genuine,
			"fraud", summary.Fraud,
			"dead_lettered", summary.DeadLettered,
		)
	}
}

// Summary counts a batch's outcomes.
type Summary struct {
	Messages     int
	Genuine      int
	Fraud        int
	DeadLettered int
}

// ProcessBatch decodes, scores and publishes one batch. It returns an error
// only when the batch cannot be settled: the context ended or the sink
// failed. Per-message failures are dead-lettered.
func (a *Adapter) ProcessBatch(ctx context.Context, msgs []Message) (Summary, error) {
	start := time.Now()
	sum := Summary{Messages: len(msgs)}
	batchesTotal.Inc()
	batchSize.Observe(float64(len(msgs)))
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	txs := make([]txn.Transaction, 0, len(msgs))
	origin := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		tx, err := Decode(m.Value)
		if err != nil {
			if err := a.deadLetter(ctx, m, ReasonDecode, err, &sum); err != nil {
				return sum, err
			}
			continue
		}
		txs = append(txs, tx)
		origin = append(origin, m)
	}

	results, err := a.score(ctx, txs)
	if err != nil {
		return sum, err
	}

	for i, r := range results {
		if r.Err != nil {
			if err := a.deadLetter(ctx, origin[i], fraud.ErrorKind(r.Err), r.Err, &sum); err != nil {
				return sum, err
			}
			continue
		}
		if err := a.sink.Verdict(ctx, r.Verdict); err != nil {
			return sum, fmt.Errorf("publish verdict: %w", err)
		}
		messagesTotal.WithLabelValues(string(r.Verdict.Status)).Inc()
		if r.Verdict.Status == txn.StatusFraud {
			sum.Fraud++
		} else {
			sum.Genuine++
		}
	}
	return sum, nil
}

// score evaluates txs, re-submitting transactions that failed transiently
// until they succeed or the retry policy is spent. Results are in txs order.
func (a *Adapter) score(ctx context.Context, txs []txn.Transaction) ([]fraud.Result, error) {
	results := make([]fraud.Result, len(txs))
	pending := make([]int, len(txs))
	for i := range pending {
		pending[i] = i
	}

	policy := a.cfg.Retry
	policy.OnRetry = func(attempt int, err error) {
		a.logger.Warn("retrying transient failures", "attempt", attempt, "error", err)
	}

	err := policy.Do(ctx, func() error {
		batch := make([]txn.Transaction, len(pending))
		for j, i := range pending {
			batch[j] = txs[i]
		}
		for j, r := range a.scorer.EvaluateBatch(ctx, batch) {
			results[pending[j]] = r
		}
		pending = transientIndexes(results)
		if len(pending) > 0 {
			return fmt.Errorf("%d transactions still failing: %w", len(pending), fraud.ErrStoreUnavailable)
		}
		return nil
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && !errors.Is(err, fraud.ErrStoreUnavailable) {
		return nil, err
	}
	// Whatever is still transient goes to the dead-letter stream.
	return results, nil
}

func transientIndexes(results []fraud.Result) []int {
	var out []int
	for i, r := range results {
		if r.Err != nil && fraud.IsTransient(r.Err) {
			out = append(out, i)
		}
	}
	return out
}

func (a *Adapter) deadLetter(ctx context.Context, m Message, reason string, cause error, sum *Summary) error {
	a.logger.Warn("message dead-lettered",
		"reason", reason,
		"topic", m.Topic,
		"partition", m.Partition,
		"offset", m.Offset,
		"error", cause,
	)
	if err := a.sink.DeadLetter(ctx, m, reason, cause); err != nil {
		return fmt.Errorf("dead-letter message: %w", err)
	}
	messagesTotal.WithLabelValues("dead_letter_" + reason).Inc()
	sum.DeadLettered++
	return nil
}

// Decode parses a feed message into a transaction. Missing identifiers or
// timestamp are rejected here; timestamp format is checked by the engine.
func Decode(value []byte) (txn.Transaction, error) {
	var tx txn.Transaction
	if err := json.Unmarshal(value, &tx); err != nil {
		return txn.Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	if tx.CardID == 0 {
		return txn.Transaction{}, errors.New("decode transaction: missing card_id")
	}
	if tx.TransactionDate == "" {
		return txn.Transaction{}, errors.New("decode transaction: missing transaction_dt")
	}
	return tx, nil
}
