package cardstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Hash field names of a card record.
const (
	fieldUCL        = "upper_control_limit"
	fieldTrustScore = "trust_score"
	fieldPostalCode = "postal_code"
	fieldLastTime   = "last_transaction_time"
	fieldLastUnix   = "last_transaction_unix"
	fieldUpdatedAt  = "updated_at"
)

const keyPrefix = "card:"

// maxAdvanceAttempts bounds optimistic retries when concurrent writers keep
// touching the same card between WATCH and EXEC.
const maxAdvanceAttempts = 64

// errAdvanceContention is returned when every optimistic attempt lost.
var errAdvanceContention = errors.New("card record kept changing during advance")

// RedisStore keeps each card as a hash under card:<id>.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed card state store. The client may be a
// single node or a cluster.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func cardKey(cardID int64) string {
	return keyPrefix + strconv.FormatInt(cardID, 10)
}

func (s *RedisStore) Get(ctx context.Context, cardID int64) (*State, error) {
	fields, err := s.client.HGetAll(ctx, cardKey(cardID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(cardID, fields)
}

func decodeHash(cardID int64, fields map[string]string) (*State, error) {
	st := &State{CardID: cardID}

	postal, ok := fields[fieldPostalCode]
	if !ok {
		return nil, fmt.Errorf("%w: card %d has no %s", ErrMalformedState, cardID, fieldPostalCode)
	}
	code, err := strconv.Atoi(postal)
	if err != nil {
		return nil, fmt.Errorf("%w: card %d %s=%q", ErrMalformedState, cardID, fieldPostalCode, postal)
	}
	st.PostalCode = code
	st.LastTransactionDate = fields[fieldLastTime]

	score, hasScore := fields[fieldTrustScore]
	ucl, hasUCL := fields[fieldUCL]
	if hasScore != hasUCL {
		return nil, fmt.Errorf("%w: card %d has only one of %s and %s", ErrMalformedState, cardID, fieldTrustScore, fieldUCL)
	}
	if hasScore {
		if st.TrustScore, err = strconv.Atoi(score); err != nil {
			return nil, fmt.Errorf("%w: card %d %s=%q", ErrMalformedState, cardID, fieldTrustScore, score)
		}
		if st.UpperControlLimit, err = decimal.NewFromString(ucl); err != nil {
			return nil, fmt.Errorf("%w: card %d %s=%q", ErrMalformedState, cardID, fieldUCL, ucl)
		}
		st.Profiled = true
	}

	if v, ok := fields[fieldUpdatedAt]; ok {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			st.UpdatedAt = time.Unix(sec, 0).UTC()
		}
	}
	return st, nil
}

func (s *RedisStore) Put(ctx context.Context, state *State) error {
	key := cardKey(state.CardID)
	values := map[string]interface{}{
		fieldPostalCode: strconv.Itoa(state.PostalCode),
		fieldLastTime:   state.LastTransactionDate,
		fieldUpdatedAt:  strconv.FormatInt(time.Now().Unix(), 10),
	}
	if at := positionTime(state.LastTransactionDate); !at.IsZero() {
		values[fieldLastUnix] = strconv.FormatInt(at.Unix(), 10)
	}
	if state.Profiled {
		values[fieldTrustScore] = strconv.Itoa(state.TrustScore)
		values[fieldUCL] = state.UpperControlLimit.String()
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put card %d: %w", state.CardID, err)
	}
	return nil
}

// Advance commits cp under WATCH/MULTI when it is strictly newer than the
// stored position. Records written without last_transaction_unix are
// compared on their parsed last_transaction_time.
func (s *RedisStore) Advance(ctx context.Context, cardID int64, cp Checkpoint) (bool, error) {
	key := cardKey(cardID)

	var committed bool
	advance := func(tx *redis.Tx) error {
		committed = false
		vals, err := tx.HMGet(ctx, key, fieldLastUnix, fieldLastTime).Result()
		if err != nil {
			return err
		}
		if stored, ok := storedPosition(vals); ok && !cp.At.After(stored) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldPostalCode, strconv.Itoa(cp.PostalCode),
				fieldLastTime, cp.TransactionDate,
				fieldLastUnix, strconv.FormatInt(cp.At.Unix(), 10),
				fieldUpdatedAt, strconv.FormatInt(time.Now().Unix(), 10),
			)
			return nil
		})
		if err != nil {
			return err
		}
		committed = true
		return nil
	}

	for attempt := 0; attempt < maxAdvanceAttempts; attempt++ {
		err := s.client.Watch(ctx, advance, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("redis advance card %d: %w", cardID, err)
		}
		return committed, nil
	}
	return false, fmt.Errorf("redis advance card %d: %w", cardID, errAdvanceContention)
}

// storedPosition reads the position from HMGET(last_transaction_unix,
// last_transaction_time). ok is false when the card has no usable position.
func storedPosition(vals []interface{}) (time.Time, bool) {
	if len(vals) > 0 {
		if v, isStr := vals[0].(string); isStr {
			if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.Unix(sec, 0).UTC(), true
			}
		}
	}
	if len(vals) > 1 {
		if v, isStr := vals[1].(string); isStr {
			if at := positionTime(v); !at.IsZero() {
				return at, true
			}
		}
	}
	return time.Time{}, false
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
