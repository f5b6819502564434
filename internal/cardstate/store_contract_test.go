package cardstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cardguard/internal/txn"
)

func checkpoint(t *testing.T, postal int, date string) Checkpoint {
	t.Helper()
	at, err := txn.ParseTimestamp(date)
	require.NoError(t, err)
	return Checkpoint{PostalCode: postal, TransactionDate: date, At: at}
}

// runStoreContract exercises the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get missing card", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, 4242)
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("put then get", func(t *testing.T) {
		s := newStore(t)
		in := &State{
			CardID:              348702330256514,
			PostalCode:          33946,
			LastTransactionDate: "05-01-2018 09:48:06",
			TrustScore:          250,
			UpperControlLimit:   decimal.RequireFromString("12409262.40"),
			Profiled:            true,
		}
		require.NoError(t, s.Put(ctx, in))

		got, err := s.Get(ctx, in.CardID)
		require.NoError(t, err)
		assert.Equal(t, in.PostalCode, got.PostalCode)
		assert.Equal(t, in.LastTransactionDate, got.LastTransactionDate)
		assert.Equal(t, 250, got.TrustScore)
		assert.True(t, got.UpperControlLimit.Equal(in.UpperControlLimit), "ucl %s", got.UpperControlLimit)
		assert.True(t, got.Profiled)
	})

	t.Run("put replaces", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, &State{CardID: 1, PostalCode: 10001, LastTransactionDate: "01-01-2018 00:00:00", TrustScore: 300, UpperControlLimit: decimal.NewFromInt(100), Profiled: true}))
		require.NoError(t, s.Put(ctx, &State{CardID: 1, PostalCode: 60601, LastTransactionDate: "01-01-2018 00:00:00"}))

		got, err := s.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 60601, got.PostalCode)
		assert.False(t, got.Profiled)
	})

	t.Run("advance creates unprofiled baseline", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.Advance(ctx, 7, checkpoint(t, 10001, "02-02-2018 10:00:00"))
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, 10001, got.PostalCode)
		assert.Equal(t, "02-02-2018 10:00:00", got.LastTransactionDate)
		assert.False(t, got.Profiled)
	})

	t.Run("advance keeps score and limit", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, &State{CardID: 9, PostalCode: 10001, LastTransactionDate: "01-01-2018 00:00:00", TrustScore: 410, UpperControlLimit: decimal.RequireFromString("5000.50"), Profiled: true}))

		ok, err := s.Advance(ctx, 9, checkpoint(t, 60601, "01-01-2018 06:00:00"))
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(ctx, 9)
		require.NoError(t, err)
		assert.Equal(t, 60601, got.PostalCode)
		assert.Equal(t, "01-01-2018 06:00:00", got.LastTransactionDate)
		assert.Equal(t, 410, got.TrustScore)
		assert.True(t, got.UpperControlLimit.Equal(decimal.RequireFromString("5000.50")))
		assert.True(t, got.Profiled)
	})

	t.Run("advance rejects older and equal times", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Advance(ctx, 11, checkpoint(t, 10001, "10-03-2018 12:00:00"))
		require.NoError(t, err)

		ok, err := s.Advance(ctx, 11, checkpoint(t, 90001, "10-03-2018 11:59:59"))
		require.NoError(t, err)
		assert.False(t, ok, "older checkpoint must not commit")

		ok, err = s.Advance(ctx, 11, checkpoint(t, 90001, "10-03-2018 12:00:00"))
		require.NoError(t, err)
		assert.False(t, ok, "equal checkpoint must not commit")

		got, err := s.Get(ctx, 11)
		require.NoError(t, err)
		assert.Equal(t, 10001, got.PostalCode)
	})

	t.Run("concurrent advances keep the newest", func(t *testing.T) {
		s := newStore(t)
		base := time.Date(2018, 4, 1, 0, 0, 0, 0, time.UTC)

		const n = 20
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func(i int) {
				defer wg.Done()
				at := base.Add(time.Duration(i) * time.Minute)
				_, err := s.Advance(ctx, 21, Checkpoint{PostalCode: 10000 + i, TransactionDate: txn.FormatTimestamp(at), At: at})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := s.Get(ctx, 21)
		require.NoError(t, err)
		assert.Equal(t, 10000+n-1, got.PostalCode)
		assert.Equal(t, txn.FormatTimestamp(base.Add((n-1)*time.Minute)), got.LastTransactionDate)
	})
}
