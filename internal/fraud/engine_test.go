package fraud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cardguard/internal/cardstate"
	"github.com/mbd888/cardguard/internal/circuitbreaker"
	"github.com/mbd888/cardguard/internal/geo"
	"github.com/mbd888/cardguard/internal/ledger"
	"github.com/mbd888/cardguard/internal/retry"
	"github.com/mbd888/cardguard/internal/txn"
)

const referenceCSV = `10001,40.750742,-73.99653,New York,NY
10002,40.71704,-73.987,New York,NY
60601,41.886262,-87.618724,Chicago,IL
90001,33.973951,-118.248405,Los Angeles,CA
`

const card = int64(348702330256514)

type fixture struct {
	engine *Engine
	states *cardstate.MemoryStore
	store  *ledger.MemoryStore
}

func testGeo(t *testing.T) *geo.Index {
	t.Helper()
	idx, err := geo.Load(strings.NewReader(referenceCSV))
	require.NoError(t, err)
	return idx
}

func testConfig() Config {
	return Config{
		StoreTimeout: 200 * time.Millisecond,
		Retry:        retry.Policy{Attempts: 3, BaseDelay: time.Millisecond},
		Breaker:      circuitbreaker.New(100, time.Minute),
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	states := cardstate.NewMemoryStore()
	store := ledger.NewMemoryStore()
	return &fixture{
		engine: New(testGeo(t), states, ledger.New(store), testConfig()),
		states: states,
		store:  store,
	}
}

// profile stores a profiled prior position for card.
func (f *fixture) profile(t *testing.T, postal int, date string, score int, ucl string) {
	t.Helper()
	require.NoError(t, f.states.Put(context.Background(), &cardstate.State{
		CardID:              card,
		PostalCode:          postal,
		LastTransactionDate: date,
		TrustScore:          score,
		UpperControlLimit:   decimal.RequireFromString(ucl),
		Profiled:            true,
	}))
}

func (f *fixture) state(t *testing.T) *cardstate.State {
	t.Helper()
	s, err := f.states.Get(context.Background(), card)
	require.NoError(t, err)
	return s
}

func tx(postal int, date, amount string) *txn.Transaction {
	return &txn.Transaction{
		CardID:          card,
		MemberID:        37495066290,
		Amount:          decimal.RequireFromString(amount),
		TerminalID:      248063406800722,
		PostalCode:      postal,
		TransactionDate: date,
	}
}

func TestEvaluate_GenuineAdvancesState(t *testing.T) {
	f := newFixture(t)
	f.profile(t, 10001, "01-03-2018 08:00:00", 300, "1000")

	v, err := f.engine.Evaluate(context.Background(), tx(10002, "01-03-2018 09:00:00", "500"))
	require.NoError(t, err)

	assert.Equal(t, txn.StatusGenuine, v.Status)
	assert.Empty(t, v.Signals.Rules)
	assert.True(t, v.StateAdvanced)
	assert.False(t, v.Replayed)
	assert.InDelta(t, 3.8, v.Signals.DistanceKm, 0.5)
	assert.Equal(t, 3600.0, v.Signals.ElapsedSeconds)

	s := f.state(t)
	assert.Equal(t, 10002, s.PostalCode)
	assert.Equal(t, "01-03-2018 09:00:00", s.LastTransactionDate)
	assert.Equal(t, 300, s.TrustScore, "trust score is carried forward")
	assert.True(t, s.UpperControlLimit.Equal(decimal.RequireFromString("1000")))
	assert.True(t, s.Profiled)
}

func TestEvaluate_FraudRules(t *testing.T) {
	tests := []struct {
		name  string
		score int
		ucl   string
		tx    *txn.Transaction
		rules []Rule
	}{
		{
			name:  "low trust score alone",
			score: 150, ucl: "1000",
			tx:    tx(10002, "01-03-2018 09:00:00", "500"),
			rules: []Rule{RuleLowTrustScore},
		},
		{
			name:  "amount over limit alone",
			score: 300, ucl: "1000",
			tx:    tx(10002, "01-03-2018 09:00:00", "1000.01"),
			rules: []Rule{RuleAmountOverLimit},
		},
		{
			name:  "zero elapsed at another postal code",
			score: 300, ucl: "1000",
			tx:    tx(10002, "01-03-2018 08:00:00", "1"),
			rules: []Rule{RuleImpossibleTravel},
		},
		{
			name:  "coast to coast in an hour",
			score: 300, ucl: "1000",
			tx:    tx(90001, "01-03-2018 09:00:00", "1"),
			rules: []Rule{RuleImpossibleTravel},
		},
		{
			name:  "earlier than prior",
			score: 300, ucl: "1000",
			tx:    tx(10001, "01-03-2018 07:59:59", "1"),
			rules: []Rule{RuleImpossibleTravel},
		},
		{
			name:  "every rule",
			score: 10, ucl: "5",
			tx:    tx(60601, "01-03-2018 08:00:01", "6"),
			rules: []Rule{RuleLowTrustScore, RuleAmountOverLimit, RuleImpossibleTravel},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.profile(t, 10001, "01-03-2018 08:00:00", tt.score, tt.ucl)
			before := f.state(t)

			v, err := f.engine.Evaluate(context.Background(), tt.tx)
			require.NoError(t, err)
			assert.Equal(t, txn.StatusFraud, v.Status)
			assert.Equal(t, tt.rules, v.Signals.Rules)
			assert.False(t, v.StateAdvanced)

			after := f.state(t)
			assert.Equal(t, before.PostalCode, after.PostalCode, "fraud leaves state untouched")
			assert.Equal(t, before.LastTransactionDate, after.LastTransactionDate)
			assert.Equal(t, 1, f.store.Len(), "fraud verdicts are recorded too")
		})
	}
}

func TestEvaluate_AmountEqualToLimitIsGenuine(t *testing.T) {
	f := newFixture(t)
	f.profile(t, 10001, "01-03-2018 08:00:00", 200, "1000")

	v, err := f.engine.Evaluate(context.Background(), tx(10001, "02-03-2018 08:00:00", "1000.00"))
	require.NoError(t, err)
	assert.Equal(t, txn.StatusGenuine, v.Status)
}

func TestEvaluate_FirstSeenCardIsBaseline(t *testing.T) {
	f := newFixture(t)

	v, err := f.engine.Evaluate(context.Background(), tx(60601, "05-03-2018 12:00:00", "99999"))
	require.NoError(t, err)
	assert.Equal(t, txn.StatusGenuine, v.Status)
	assert.True(t, v.Signals.FirstSeen)
	assert.True(t, v.StateAdvanced)

	s := f.state(t)
	assert.Equal(t, 60601, s.PostalCode)
	assert.Equal(t, "05-03-2018 12:00:00", s.LastTransactionDate)
	assert.False(t, s.Profiled)
}

func TestEvaluate_FirstSeenUnknownPostalCodeLeavesNoBaseline(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Evaluate(context.Background(), tx(99999, "05-03-2018 12:00:00", "1"))
	assert.ErrorIs(t, err, geo.ErrUnknownPostalCode)

	_, err = f.states.Get(context.Background(), card)
	assert.ErrorIs(t, err, cardstate.ErrNotFound)
	assert.Equal(t, 0, f.store.Len())
}

func TestEvaluate_UnprofiledCardJudgedOnTravelOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Evaluate(ctx, tx(10001, "05-03-2018 12:00:00", "10"))
	require.NoError(t, err)

	v, err := f.engine.Evaluate(ctx, tx(10001, "05-03-2018 13:00:00", "1000000"))
	require.NoError(t, err)
	assert.Equal(t, txn.StatusGenuine, v.Status)
	assert.False(t, v.Signals.Profiled)

	v, err = f.engine.Evaluate(ctx, tx(90001, "05-03-2018 13:30:00", "1"))
	require.NoError(t, err)
	assert.Equal(t, txn.StatusFraud, v.Status)
	assert.Equal(t, []Rule{RuleImpossibleTravel}, v.Signals.Rules)
}

func TestEvaluate_DataQualityErrors(t *testing.T) {
	tests := []struct {
		name   string
		prior  string
		tx     *txn.Transaction
		target error
	}{
		{"unknown transaction postal code", "01-03-2018 08:00:00", tx(99999, "01-03-2018 09:00:00", "1"), geo.ErrUnknownPostalCode},
		{"malformed transaction timestamp", "01-03-2018 08:00:00", tx(10001, "2018-03-01 09:00:00", "1"), txn.ErrMalformedTimestamp},
		{"malformed stored timestamp", "yesterday", tx(10001, "01-03-2018 09:00:00", "1"), txn.ErrMalformedTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.profile(t, 10001, tt.prior, 300, "1000")

			v, err := f.engine.Evaluate(context.Background(), tt.tx)
			require.Error(t, err)
			assert.Nil(t, v)
			assert.ErrorIs(t, err, tt.target)
			assert.True(t, IsDataQuality(err))
			assert.False(t, IsTransient(err))

			assert.Equal(t, 0, f.store.Len(), "nothing recorded for an unscored transaction")
			assert.Equal(t, tt.prior, f.state(t).LastTransactionDate)
		})
	}
}

func TestEvaluate_UnknownStoredPostalCode(t *testing.T) {
	f := newFixture(t)
	f.profile(t, 12345, "01-03-2018 08:00:00", 300, "1000")

	_, err := f.engine.Evaluate(context.Background(), tx(10001, "01-03-2018 09:00:00", "1"))
	assert.ErrorIs(t, err, geo.ErrUnknownPostalCode)
}

func TestEvaluate_RedeliveryRecordsOnce(t *testing.T) {
	f := newFixture(t)
	f.profile(t, 10001, "01-03-2018 08:00:00", 300, "1000")
	ctx := context.Background()
	t1 := tx(10002, "01-03-2018 09:00:00", "10")

	first, err := f.engine.Evaluate(ctx, t1)
	require.NoError(t, err)
	require.Equal(t, txn.StatusGenuine, first.Status)

	second, err := f.engine.Evaluate(ctx, t1)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.RecordID, second.RecordID)
	assert.Equal(t, txn.StatusGenuine, second.Status, "zero elapsed on replay must not turn into fraud")
	assert.False(t, second.StateAdvanced)
	assert.Equal(t, 1, f.store.Len())
}

func TestEvaluate_ReplayCompletesInterruptedAdvance(t *testing.T) {
	f := newFixture(t)
	f.profile(t, 10001, "01-03-2018 08:00:00", 300, "1000")
	flaky := &flakyStates{Store: f.states}
	flaky.advanceErr.Store(true)
	engine := New(testGeo(t), flaky, ledger.New(f.store), testConfig())
	ctx := context.Background()
	t1 := tx(10002, "01-03-2018 09:00:00", "10")

	_, err := engine.Evaluate(ctx, t1)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 1, f.store.Len(), "the verdict was recorded before the advance failed")
	assert.Equal(t, 10001, f.state(t).PostalCode)

	flaky.advanceErr.Store(false)
	v, err := engine.Evaluate(ctx, t1)
	require.NoError(t, err)
	assert.True(t, v.Replayed)
	assert.True(t, v.StateAdvanced)
	assert.Equal(t, 10002, f.state(t).PostalCode)
	assert.Equal(t, 1, f.store.Len())
}

// staleLookup misses every lookup, as when another instance appends between
// the lookup and the append.
type staleLookup struct {
	*ledger.Ledger
}

func (staleLookup) Lookup(context.Context, *txn.Transaction) (*ledger.Record, error) {
	return nil, ledger.ErrNotFound
}

func TestEvaluate_ConcurrentAppendWithSameVerdictIsReplay(t *testing.T) {
	f := newFixture(t)
	f.profile(t, 10001, "01-03-2018 08:00:00", 300, "1000")
	ctx := context.Background()
	t1 := tx(10002, "01-03-2018 09:00:00", "10")

	l := ledger.New(f.store)
	other, created, err := l.Append(ctx, t1, txn.StatusGenuine)
	require.NoError(t, err)
	require.True(t, created)

	engine := New(testGeo(t), f.states, staleLookup{l}, testConfig())
	v, err := engine.Evaluate(ctx, t1)
	require.NoError(t, err)

	assert.True(t, v.Replayed)
	assert.Equal(t, other.ID, v.RecordID)
	assert.Equal(t, txn.StatusGenuine, v.Status)
	assert.Empty(t, v.Signals.Rules)
	assert.True(t, v.StateAdvanced)
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 10002, f.state(t).PostalCode)
}

func TestEvaluate_StoreUnavailableIsTransient(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStates{Store: f.states}
	flaky.getErr.Store(true)
	engine := New(testGeo(t), flaky, ledger.New(f.store), testConfig())

	_, err := engine.Evaluate(context.Background(), tx(10001, "01-03-2018 09:00:00", "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), flaky.gets.Load(), "retried up to the policy limit")
	assert.Equal(t, 0, f.store.Len(), "an unreadable store is not treated as a first-seen card")
	_, err = f.states.Get(context.Background(), card)
	assert.ErrorIs(t, err, cardstate.ErrNotFound)
}

func TestEvaluate_StoreRecoversWithinRetries(t *testing.T) {
	f := newFixture(t)
	f.profile(t, 10001, "01-03-2018 08:00:00", 300, "1000")
	flaky := &flakyStates{Store: f.states}
	flaky.getFailures.Store(2)
	engine := New(testGeo(t), flaky, ledger.New(f.store), testConfig())

	v, err := engine.Evaluate(context.Background(), tx(10002, "01-03-2018 09:00:00", "1"))
	require.NoError(t, err)
	assert.Equal(t, txn.StatusGenuine, v.Status)
	assert.Equal(t, int32(3), flaky.gets.Load())
}

func TestEvaluate_StoreTimeoutIsBounded(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStates{Store: f.states}
	flaky.hang.Store(true)
	cfg := testConfig()
	cfg.StoreTimeout = 20 * time.Millisecond
	cfg.Retry = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}
	engine := New(testGeo(t), flaky, ledger.New(f.store), cfg)

	start := time.Now()
	_, err := engine.Evaluate(context.Background(), tx(10001, "01-03-2018 09:00:00", "1"))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEvaluate_OpenBreakerFailsFast(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStates{Store: f.states}
	flaky.getErr.Store(true)
	cfg := testConfig()
	cfg.Breaker = circuitbreaker.New(2, time.Minute)
	engine := New(testGeo(t), flaky, ledger.New(f.store), cfg)
	ctx := context.Background()

	_, err := engine.Evaluate(ctx, tx(10001, "01-03-2018 09:00:00", "1"))
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, cfg.Breaker.State(storeCardState))

	calls := flaky.gets.Load()
	_, err = engine.Evaluate(ctx, tx(10001, "01-03-2018 10:00:00", "1"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.True(t, IsTransient(err))
	assert.Equal(t, calls, flaky.gets.Load(), "open breaker does not reach the store")
}

func TestEvaluate_MissesDoNotTripBreaker(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.Breaker = circuitbreaker.New(1, time.Minute)
	engine := New(testGeo(t), f.states, ledger.New(f.store), cfg)

	for i := 0; i < 3; i++ {
		c := tx(10001, "01-03-2018 09:00:00", "1")
		c.CardID = int64(i + 1)
		_, err := engine.Evaluate(context.Background(), c)
		require.NoError(t, err)
	}
	assert.Equal(t, circuitbreaker.StateClosed, cfg.Breaker.State(storeCardState))
	assert.Equal(t, circuitbreaker.StateClosed, cfg.Breaker.State(storeLedger))
}

func TestEvaluate_CanceledWhileWaitingForCard(t *testing.T) {
	f := newFixture(t)
	unlock, err := f.engine.locks.LockContext(context.Background(), card)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.engine.Evaluate(ctx, tx(10001, "01-03-2018 09:00:00", "1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, KindCanceled, ErrorKind(err))
}

func TestEvaluate_ConcurrentSameCard(t *testing.T) {
	f := newFixture(t)
	f.profile(t, 10001, "01-03-2018 00:00:00", 300, "1000")

	const n = 50
	var wg sync.WaitGroup
	verdicts := make([]*Verdict, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			date := fmt.Sprintf("01-03-2018 %02d:%02d:00", 1+i/60, i%60)
			v, err := f.engine.Evaluate(context.Background(), tx(10001, date, "10"))
			if assert.NoError(t, err) {
				verdicts[i] = v
			}
		}(i)
	}
	wg.Wait()

	latest := time.Time{}
	committed := 0
	for _, v := range verdicts {
		require.NotNil(t, v)
		if v.StateAdvanced {
			committed++
		}
		if v.Status == txn.StatusGenuine {
			at, err := v.Transaction.Time()
			require.NoError(t, err)
			if at.After(latest) {
				latest = at
			}
		}
	}

	s := f.state(t)
	stored, err := s.LastTransactionTime()
	require.NoError(t, err)
	assert.Equal(t, latest, stored, "state holds the newest genuine transaction")
	assert.Equal(t, "01-03-2018 01:49:00", s.LastTransactionDate)
	assert.Equal(t, n, f.store.Len(), "one ledger record per transaction")
	assert.GreaterOrEqual(t, committed, 1)
	assert.Equal(t, 300, s.TrustScore)
}

func TestEvaluate_PublishesVerdicts(t *testing.T) {
	f := newFixture(t)
	pub := &capturePublisher{}
	f.engine.WithPublisher(pub)
	ctx := context.Background()

	_, err := f.engine.Evaluate(ctx, tx(10001, "01-03-2018 09:00:00", "1"))
	require.NoError(t, err)
	_, err = f.engine.Evaluate(ctx, tx(99999, "01-03-2018 10:00:00", "1"))
	require.Error(t, err)

	got := pub.all()
	require.Len(t, got, 1, "errors are not published")
	assert.Equal(t, txn.StatusGenuine, got[0].Status)
}

// flakyStates injects failures into a card state store.
type flakyStates struct {
	cardstate.Store
	getErr      atomic.Bool
	getFailures atomic.Int32
	advanceErr  atomic.Bool
	hang        atomic.Bool
	gets        atomic.Int32
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connection refused")

func (s *flakyStates) Get(ctx context.Context, cardID int64) (*cardstate.State, error) {
	s.gets.Add(1)
	if s.hang.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.getErr.Load() {
		return nil, errConnRefused
	}
	if s.getFailures.Load() > 0 {
		s.getFailures.Add(-1)
		return nil, errConnRefused
	}
	return s.Store.Get(ctx, cardID)
}

func (s *flakyStates) Advance(ctx context.Context, cardID int64, cp cardstate.Checkpoint) (bool, error) {
	if s.advanceErr.Load() {
		return false, errConnRefused
	}
	return s.Store.Advance(ctx, cardID, cp)
}

type capturePublisher struct {
	mu       sync.Mutex
	verdicts []*Verdict
}

func (p *capturePublisher) PublishVerdict(v *Verdict) {
	p.mu.Lock()
	p.verdicts = append(p.verdicts, v)
	p.mu.Unlock()
}

func (p *capturePublisher) all() []*Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Verdict(nil), p.verdicts...)
}
