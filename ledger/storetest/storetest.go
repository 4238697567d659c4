// Package storetest holds the behavioral contract every ledger backend
// must satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/karma-ledger/ledger"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) ledger.Store

const (
	famF ledger.FamilyID = "fam-F"
	usrU ledger.UserID   = "user-U"
)

func event(amount int64) ledger.KarmaEvent {
	return ledger.KarmaEvent{
		FamilyID: famF,
		UserID:   usrU,
		Amount:   amount,
		Source:   ledger.SourceTaskCompletion,
	}
}

// Run executes the contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAssignsIDAndTimestamp", func(t *testing.T) { appendAssignsIDAndTimestamp(t, newStore(t)) })
	t.Run("QueryNewestFirstWithCursor", func(t *testing.T) { queryNewestFirstWithCursor(t, newStore(t)) })
	t.Run("MetadataRoundTrip", func(t *testing.T) { metadataRoundTrip(t, newStore(t)) })
	t.Run("FindBalanceAbsent", func(t *testing.T) { findBalanceAbsent(t, newStore(t)) })
	t.Run("IncrementCreatesThenAdds", func(t *testing.T) { incrementCreatesThenAdds(t, newStore(t)) })
	t.Run("ConcurrentIncrement", func(t *testing.T) { concurrentIncrement(t, newStore(t)) })
	t.Run("ConcurrentAwardsKeepSum", func(t *testing.T) { concurrentAwardsKeepSum(t, newStore(t)) })
	t.Run("AuditAndListing", func(t *testing.T) { auditAndListing(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { txRollback(t, newStore(t)) })
	t.Run("IncrementOverflowRefused", func(t *testing.T) { incrementOverflowRefused(t, newStore(t)) })
	t.Run("AwardOverflowWritesNothing", func(t *testing.T) { awardOverflowWritesNothing(t, newStore(t)) })
}

func appendAssignsIDAndTimestamp(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	a, err := s.AppendEvent(ctx, event(5))
	require.NoError(t, err)
	b, err := s.AppendEvent(ctx, event(-2))
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())
	assert.Greater(t, string(b.ID), string(a.ID))

	_, err = s.AppendEvent(ctx, event(0))
	require.ErrorIs(t, err, ledger.ErrZeroAmount)

	n, err := s.CountEvents(ctx, famF, usrU)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func queryNewestFirstWithCursor(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	var ids []ledger.EventID
	for i := 1; i <= 5; i++ {
		ev, err := s.AppendEvent(ctx, event(int64(i)))
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}
	// another scope must not leak in
	_, err := s.AppendEvent(ctx, ledger.KarmaEvent{FamilyID: famF, UserID: "other", Amount: 1, Source: ledger.SourceTaskCompletion})
	require.NoError(t, err)

	got, err := s.QueryEvents(ctx, famF, usrU, 3, "")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []ledger.EventID{ids[4], ids[3], ids[2]}, []ledger.EventID{got[0].ID, got[1].ID, got[2].ID})

	got, err = s.QueryEvents(ctx, famF, usrU, 10, ids[2])
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[1], got[0].ID)
	assert.Equal(t, ids[0], got[1].ID)
	assert.Equal(t, int64(1), got[1].Amount)

	got, err = s.QueryEvents(ctx, famF, usrU, 10, ids[0])
	require.NoError(t, err)
	assert.Empty(t, got)
}

func metadataRoundTrip(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	in := event(3)
	in.Description = "Dishes"
	in.Metadata = ledger.Metadata{ledger.MetaTaskID: "task-1"}
	saved, err := s.AppendEvent(ctx, in)
	require.NoError(t, err)

	got, err := s.QueryEvents(ctx, famF, usrU, 1, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, saved.ID, got[0].ID)
	assert.Equal(t, "Dishes", got[0].Description)
	assert.Equal(t, "task-1", got[0].Metadata[ledger.MetaTaskID])
	assert.Equal(t, ledger.SourceTaskCompletion, got[0].Source)
	assert.WithinDuration(t, saved.CreatedAt, got[0].CreatedAt, 0)
}

func findBalanceAbsent(t *testing.T, s ledger.Store) {
	mk, err := s.FindBalance(context.Background(), famF, usrU)
	require.NoError(t, err)
	assert.Nil(t, mk)
}

func incrementCreatesThenAdds(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	first, err := s.IncrementAndGet(ctx, famF, usrU, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), first.TotalKarma)
	assert.NotEmpty(t, first.ID)

	second, err := s.IncrementAndGet(ctx, famF, usrU, -50)
	require.NoError(t, err)
	assert.Equal(t, int64(-40), second.TotalKarma)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))

	found, err := s.FindBalance(ctx, famF, usrU)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(-40), found.TotalKarma)
}

func concurrentIncrement(t *testing.T, s ledger.Store) {
	const k = 100
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementAndGet(ctx, famF, usrU, 2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mk, err := s.FindBalance(ctx, famF, usrU)
	require.NoError(t, err)
	require.NotNil(t, mk)
	assert.Equal(t, int64(2*k), mk.TotalKarma)
}

func concurrentAwardsKeepSum(t *testing.T, s ledger.Store) {
	const k = 50
	ctx := context.Background()
	l := ledger.NewLedger(s)

	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := int64(i%7) - 3
			if amount == 0 {
				amount = 4
			}
			_, err := l.Award(ctx, ledger.AwardRequest{FamilyID: famF, UserID: usrU, Amount: amount, Source: ledger.SourceManualGrant})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var sum int64
	var cursor ledger.EventID
	for {
		page, err := s.QueryEvents(ctx, famF, usrU, 20, cursor)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, ev := range page {
			sum += ev.Amount
		}
		cursor = page[len(page)-1].ID
	}

	mk, err := l.Balance(ctx, famF, usrU)
	require.NoError(t, err)
	assert.Equal(t, sum, mk.TotalKarma)

	n, err := s.CountEvents(ctx, famF, usrU)
	require.NoError(t, err)
	assert.Equal(t, k, n)
}

func auditAndListing(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	l := ledger.NewLedger(s)

	for _, a := range []struct {
		u ledger.UserID
		n int64
	}{{"a", 5}, {"b", 20}, {"c", 5}, {"a", -1}} {
		_, err := l.Award(ctx, ledger.AwardRequest{FamilyID: famF, UserID: a.u, Amount: a.n, Source: ledger.SourceManualGrant})
		require.NoError(t, err)
	}
	_, err := l.Award(ctx, ledger.AwardRequest{FamilyID: "fam-G", UserID: "a", Amount: 1, Source: ledger.SourceManualGrant})
	require.NoError(t, err)

	if fl, ok := s.(ledger.FamilyLister); ok {
		list, err := fl.ListBalances(ctx, famF)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, ledger.UserID("b"), list[0].UserID)
		assert.Equal(t, ledger.UserID("c"), list[1].UserID)
		assert.Equal(t, ledger.UserID("a"), list[2].UserID)
		assert.Equal(t, int64(4), list[2].TotalKarma)
	}

	audit, ok := s.(ledger.AuditStore)
	if !ok {
		return
	}
	scopes, err := audit.Scopes(ctx)
	require.NoError(t, err)
	assert.Len(t, scopes, 4)

	sum, err := audit.SumEvents(ctx, famF, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), sum)

	report, err := ledger.NewReconciler(audit, s).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "drifts: %v", report.Drifts)
}

func txRollback(t *testing.T, s ledger.Store) {
	tx, ok := s.(ledger.TxStore)
	if !ok {
		t.Skip("store is not transactional")
	}
	ctx := context.Background()

	boom := assert.AnError
	err := tx.WithTx(ctx, func(inner ledger.Store) error {
		if _, err := inner.AppendEvent(ctx, event(8)); err != nil {
			return err
		}
		if _, err := inner.IncrementAndGet(ctx, famF, usrU, 8); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := s.CountEvents(ctx, famF, usrU)
	require.NoError(t, err)
	assert.Zero(t, n)
	mk, err := s.FindBalance(ctx, famF, usrU)
	require.NoError(t, err)
	assert.Nil(t, mk)

	err = tx.WithTx(ctx, func(inner ledger.Store) error {
		if _, err := inner.AppendEvent(ctx, event(8)); err != nil {
			return err
		}
		_, err := inner.IncrementAndGet(ctx, famF, usrU, 8)
		return err
	})
	require.NoError(t, err)
	mk, err = s.FindBalance(ctx, famF, usrU)
	require.NoError(t, err)
	require.NotNil(t, mk)
	assert.Equal(t, int64(8), mk.TotalKarma)
}

func incrementOverflowRefused(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	_, err := s.IncrementAndGet(ctx, famF, usrU, math.MaxInt64)
	require.NoError(t, err)
	_, err = s.IncrementAndGet(ctx, famF, usrU, 1)
	require.ErrorIs(t, err, ledger.ErrBalanceOverflow)

	_, err = s.IncrementAndGet(ctx, famF, "user-low", math.MinInt64)
	require.NoError(t, err)
	_, err = s.IncrementAndGet(ctx, famF, "user-low", -1)
	require.ErrorIs(t, err, ledger.ErrBalanceOverflow)

	high, err := s.FindBalance(ctx, famF, usrU)
	require.NoError(t, err)
	require.NotNil(t, high)
	assert.Equal(t, int64(math.MaxInt64), high.TotalKarma, "refused increment must not change the total")

	low, err := s.FindBalance(ctx, famF, "user-low")
	require.NoError(t, err)
	require.NotNil(t, low)
	assert.Equal(t, int64(math.MinInt64), low.TotalKarma)

	// Moving back toward zero is still allowed.
	mk, err := s.IncrementAndGet(ctx, famF, usrU, -5)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-5), mk.TotalKarma)
}

func awardOverflowWritesNothing(t *testing.T, s ledger.Store) {
	// GIVEN: A scope at the top of the int64 range
	// WHEN: Another credit is awarded
	// THEN: It is refused, no event is kept and the sum invariant holds
	ctx := context.Background()
	l := ledger.NewLedger(s)

	_, err := l.Award(ctx, ledger.AwardRequest{
		FamilyID: famF, UserID: usrU, Amount: math.MaxInt64, Source: ledger.SourceTaskCompletion,
	})
	require.NoError(t, err)

	_, err = l.Award(ctx, ledger.AwardRequest{
		FamilyID: famF, UserID: usrU, Amount: math.MaxInt64, Source: ledger.SourceTaskCompletion,
	})
	require.ErrorIs(t, err, ledger.ErrBalanceOverflow)
	assert.False(t, ledger.IsOrphanedEvent(err))

	n, err := s.CountEvents(ctx, famF, usrU)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mk, err := l.Balance(ctx, famF, usrU)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), mk.TotalKarma)
}
