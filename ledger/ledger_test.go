package ledger_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/karma-ledger/ledger"
	"github.com/warp/karma-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	famF ledger.FamilyID = "fam-F"
	usrU ledger.UserID   = "user-U"
)

func award(amount int64, source ledger.Source) ledger.AwardRequest {
	return ledger.AwardRequest{
		FamilyID:    famF,
		UserID:      usrU,
		Amount:      amount,
		Source:      source,
		Description: "test award",
	}
}

// ledgers returns one ledger per write mode so every property is checked
// against the split and the transactional path.
func ledgers() map[string]func() (*ledger.Ledger, ledger.Store) {
	return map[string]func() (*ledger.Ledger, ledger.Store){
		"split": func() (*ledger.Ledger, ledger.Store) {
			s := store.NewMemory()
			return ledger.NewLedger(s), s
		},
		"tx": func() (*ledger.Ledger, ledger.Store) {
			s := store.NewTxMemory()
			return ledger.NewLedger(s), s
		},
	}
}

// failingBalances fails every increment.
type failingBalances struct {
	ledger.BalanceStore
	err error
}

func (f failingBalances) IncrementAndGet(context.Context, ledger.FamilyID, ledger.UserID, int64) (ledger.MemberKarma, error) {
	return ledger.MemberKarma{}, f.err
}

// failingEvents fails every append.
type failingEvents struct {
	ledger.EventStore
	err error
}

func (f failingEvents) AppendEvent(context.Context, ledger.KarmaEvent) (ledger.KarmaEvent, error) {
	return ledger.KarmaEvent{}, f.err
}

// failingTx runs the real transaction but fails the increment inside it.
type failingTx struct {
	*store.TxMemory
	err error
}

func (f failingTx) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.TxMemory.WithTx(ctx, func(s ledger.Store) error {
		return fn(struct {
			ledger.EventStore
			ledger.BalanceStore
		}{s, failingBalances{BalanceStore: s, err: f.err}})
	})
}

// =============================================================================
// AWARD TESTS
// =============================================================================

func TestAward_ExampleScenario(t *testing.T) {
	// GIVEN: No aggregate for (F, U)
	// WHEN: Awarding +25 (task_completion) then -50 (reward_redemption)
	// THEN: Balance is -25, history is newest first, pages split cleanly

	for name, mk := range ledgers() {
		t.Run(name, func(t *testing.T) {
			l, s := mk()
			ctx := context.Background()
			pager := ledger.NewPager(s)

			credit, err := l.Award(ctx, award(25, ledger.SourceTaskCompletion))
			require.NoError(t, err)

			bal, err := l.Balance(ctx, famF, usrU)
			require.NoError(t, err)
			assert.Equal(t, int64(25), bal.TotalKarma)

			debit, err := l.Award(ctx, award(-50, ledger.SourceRewardRedemption))
			require.NoError(t, err)

			bal, err = l.Balance(ctx, famF, usrU)
			require.NoError(t, err)
			assert.Equal(t, int64(-25), bal.TotalKarma)

			n, err := s.CountEvents(ctx, famF, usrU)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			full, err := pager.Page(ctx, famF, usrU, 10, "")
			require.NoError(t, err)
			require.Len(t, full.Events, 2)
			assert.Equal(t, debit.ID, full.Events[0].ID, "the -50 event comes first")
			assert.Equal(t, credit.ID, full.Events[1].ID)

			first, err := pager.Page(ctx, famF, usrU, 1, "")
			require.NoError(t, err)
			require.Len(t, first.Events, 1)
			assert.Equal(t, debit.ID, first.Events[0].ID)
			assert.True(t, first.HasMore)
			assert.Equal(t, ledger.EncodeCursor(debit.ID), first.NextCursor)

			second, err := pager.Page(ctx, famF, usrU, 1, first.NextCursor)
			require.NoError(t, err)
			require.Len(t, second.Events, 1)
			assert.Equal(t, credit.ID, second.Events[0].ID)
			assert.False(t, second.HasMore)
			assert.Empty(t, second.NextCursor)
		})
	}
}

func TestAward_PersistsFields(t *testing.T) {
	l, s := ledgers()["tx"]()
	ctx := context.Background()

	req := award(7, ledger.SourceTaskCompletion)
	req.Metadata = ledger.Metadata{ledger.MetaTaskID: "task-9"}

	ev, err := l.Award(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.CreatedAt.IsZero())
	assert.Equal(t, "task-9", ev.Metadata[ledger.MetaTaskID])

	// The caller's map is not shared with the stored record.
	req.Metadata[ledger.MetaTaskID] = "mutated"
	got, err := s.QueryEvents(ctx, famF, usrU, 1, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "task-9", got[0].Metadata[ledger.MetaTaskID])
}

func TestAward_ZeroAmountRejected(t *testing.T) {
	// GIVEN: Any ledger
	// WHEN: Awarding 0
	// THEN: Input error, nothing written

	for name, mk := range ledgers() {
		t.Run(name, func(t *testing.T) {
			l, s := mk()
			ctx := context.Background()

			_, err := l.Award(ctx, award(0, ledger.SourceTaskCompletion))
			require.ErrorIs(t, err, ledger.ErrZeroAmount)
			assert.True(t, ledger.IsInputError(err))

			n, err := s.CountEvents(ctx, famF, usrU)
			require.NoError(t, err)
			assert.Zero(t, n)

			row, err := s.FindBalance(ctx, famF, usrU)
			require.NoError(t, err)
			assert.Nil(t, row)
		})
	}
}

func TestAward_InvalidInputRejected(t *testing.T) {
	l, _ := ledgers()["split"]()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*ledger.AwardRequest)
		want   error
	}{
		{"unknown source", func(r *ledger.AwardRequest) { r.Source = "birthday" }, ledger.ErrUnknownSource},
		{"empty family", func(r *ledger.AwardRequest) { r.FamilyID = "" }, ledger.ErrInvalidID},
		{"empty user", func(r *ledger.AwardRequest) { r.UserID = "" }, ledger.ErrInvalidID},
		{"long description", func(r *ledger.AwardRequest) {
			r.Description = string(make([]rune, ledger.MaxDescriptionLength+1))
		}, ledger.ErrDescriptionTooLong},
		{"too much metadata", func(r *ledger.AwardRequest) {
			r.Metadata = ledger.Metadata{}
			for i := 0; i <= ledger.MaxMetadataKeys; i++ {
				r.Metadata[string(rune('a'+i))] = "x"
			}
		}, ledger.ErrMetadataTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := award(5, ledger.SourceTaskCompletion)
			tt.mutate(&req)
			_, err := l.Award(ctx, req)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, ledger.IsInputError(err))
		})
	}
}

func TestAward_NegativeBalancePermitted(t *testing.T) {
	// GIVEN: Balance 10
	// WHEN: Awarding -50
	// THEN: Balance -40, no clamping

	for name, mk := range ledgers() {
		t.Run(name, func(t *testing.T) {
			l, _ := mk()
			ctx := context.Background()

			_, err := l.Award(ctx, award(10, ledger.SourceTaskCompletion))
			require.NoError(t, err)
			_, err = l.Award(ctx, award(-50, ledger.SourceRewardRedemption))
			require.NoError(t, err)

			bal, err := l.Balance(ctx, famF, usrU)
			require.NoError(t, err)
			assert.Equal(t, int64(-40), bal.TotalKarma)
		})
	}
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestAward_ConcurrentAwardsNoLostUpdates(t *testing.T) {
	// GIVEN: Initial balance b0 = 10
	// WHEN: K goroutines award d = 3 at once
	// THEN: Balance is exactly b0 + K*d and there are K+1 events

	const (
		b0 = 10
		k  = 200
		d  = 3
	)

	for name, mk := range ledgers() {
		t.Run(name, func(t *testing.T) {
			l, s := mk()
			ctx := context.Background()

			_, err := l.Award(ctx, award(b0, ledger.SourceTaskCompletion))
			require.NoError(t, err)

			var wg sync.WaitGroup
			errs := make(chan error, k)
			for i := 0; i < k; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := l.Award(ctx, award(d, ledger.SourceTaskCompletion)); err != nil {
						errs <- err
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			bal, err := l.Balance(ctx, famF, usrU)
			require.NoError(t, err)
			assert.Equal(t, int64(b0+k*d), bal.TotalKarma)

			n, err := s.CountEvents(ctx, famF, usrU)
			require.NoError(t, err)
			assert.Equal(t, k+1, n)
		})
	}
}

func TestAward_SumInvariantMixedAmounts(t *testing.T) {
	amounts := []int64{5, -3, 12, -40, 1, 1, 7, -2, 100, -99}

	for name, mk := range ledgers() {
		t.Run(name, func(t *testing.T) {
			l, s := mk()
			ctx := context.Background()

			var want int64
			var wg sync.WaitGroup
			for _, a := range amounts {
				want += a
				src := ledger.SourceTaskCompletion
				if a < 0 {
					src = ledger.SourceRewardRedemption
				}
				wg.Add(1)
				go func(a int64, src ledger.Source) {
					defer wg.Done()
					_, err := l.Award(ctx, award(a, src))
					assert.NoError(t, err)
				}(a, src)
			}
			wg.Wait()

			bal, err := l.Balance(ctx, famF, usrU)
			require.NoError(t, err)
			assert.Equal(t, want, bal.TotalKarma)

			audit := s.(ledger.AuditStore)
			sum, err := audit.SumEvents(ctx, famF, usrU)
			require.NoError(t, err)
			assert.Equal(t, want, sum)
		})
	}
}

func TestAward_ScopesDoNotInterfere(t *testing.T) {
	// GIVEN: Two unrelated scopes
	// WHEN: Awarding to both concurrently
	// THEN: Each aggregate only reflects its own events

	l, s := ledgers()["split"]()
	ctx := context.Background()

	a := ledger.Scope{FamilyID: "fam-A", UserID: "user-1"}
	b := ledger.Scope{FamilyID: "fam-B", UserID: "user-2"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.Award(ctx, ledger.AwardRequest{FamilyID: a.FamilyID, UserID: a.UserID, Amount: 2, Source: ledger.SourceTaskCompletion})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := l.Award(ctx, ledger.AwardRequest{FamilyID: b.FamilyID, UserID: b.UserID, Amount: -1, Source: ledger.SourceRewardRedemption})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balA, err := l.Balance(ctx, a.FamilyID, a.UserID)
	require.NoError(t, err)
	balB, err := l.Balance(ctx, b.FamilyID, b.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balA.TotalKarma)
	assert.Equal(t, int64(-50), balB.TotalKarma)

	evsA, err := s.QueryEvents(ctx, a.FamilyID, a.UserID, 100, "")
	require.NoError(t, err)
	for _, ev := range evsA {
		assert.Equal(t, a, ev.Scope())
	}
	assert.Len(t, evsA, 50)
}

// =============================================================================
// FAILURE POLICY TESTS
// =============================================================================

func TestAward_AppendFailureLeavesBalanceUntouched(t *testing.T) {
	s := store.NewMemory()
	boom := errors.New("disk full")
	l := ledger.NewSplitLedger(failingEvents{EventStore: s, err: boom}, s)
	ctx := context.Background()

	_, err := l.Award(ctx, award(5, ledger.SourceTaskCompletion))
	require.ErrorIs(t, err, ledger.ErrAppendFailed)
	require.ErrorIs(t, err, boom)
	assert.False(t, ledger.IsOrphanedEvent(err))

	mk, err := s.FindBalance(ctx, famF, usrU)
	require.NoError(t, err)
	assert.Nil(t, mk)
}

func TestAward_SplitIncrementFailureReportsOrphan(t *testing.T) {
	// GIVEN: A split ledger whose balance store fails
	// WHEN: Awarding
	// THEN: The event is durable, the error carries it, and the
	//       reconciler sees the missing amount

	s := store.NewMemory()
	boom := errors.New("connection reset")
	l := ledger.NewSplitLedger(s, failingBalances{BalanceStore: s, err: boom})
	ctx := context.Background()

	ev, err := l.Award(ctx, award(8, ledger.SourceTaskCompletion))
	require.Error(t, err)
	assert.Empty(t, ev.ID, "no partially applied success")
	assert.True(t, ledger.IsOrphanedEvent(err))
	assert.ErrorIs(t, err, boom)

	var orphan *ledger.OrphanedEventError
	require.ErrorAs(t, err, &orphan)
	assert.Equal(t, int64(8), orphan.Event.Amount)

	n, err := s.CountEvents(ctx, famF, usrU)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	report, err := ledger.NewReconciler(s, s).Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, int64(8), report.Drifts[0].Missing())
	assert.False(t, report.Drifts[0].HasAggregate)
}

func TestAward_TxIncrementFailureRollsBackEvent(t *testing.T) {
	// GIVEN: A transactional store whose increment fails inside the tx
	// WHEN: Awarding
	// THEN: The event append is rolled back too

	s := store.NewTxMemory()
	l := ledger.NewLedger(failingTx{TxMemory: s, err: errors.New("constraint")})
	require.True(t, l.Transactional())
	ctx := context.Background()

	_, err := l.Award(ctx, award(8, ledger.SourceTaskCompletion))
	require.Error(t, err)
	assert.False(t, ledger.IsOrphanedEvent(err))

	n, err := s.CountEvents(ctx, famF, usrU)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAward_CanceledContextOnTxStore(t *testing.T) {
	s := store.NewTxMemory()
	l := ledger.NewLedger(s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Memory ignores ctx; the write still completes atomically.
	_, err := l.Award(ctx, award(1, ledger.SourceTaskCompletion))
	require.NoError(t, err)

	report, err := ledger.NewReconciler(s, s).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

// =============================================================================
// GRANT / BALANCE TESTS
// =============================================================================

func TestGrant_RecordsProvenance(t *testing.T) {
	l, _ := ledgers()["tx"]()
	ctx := context.Background()

	ev, err := l.Grant(ctx, ledger.GrantRequest{
		FamilyID:  famF,
		UserID:    usrU,
		Amount:    -15,
		GrantedBy: "parent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceManualGrant, ev.Source)
	assert.Equal(t, "parent-1", ev.Metadata[ledger.MetaGrantedBy])
	assert.Equal(t, ledger.DefaultGrantDescription, ev.Description)

	bal, err := l.Balance(ctx, famF, usrU)
	require.NoError(t, err)
	assert.Equal(t, int64(-15), bal.TotalKarma)
}

func TestGrant_RequiresGranter(t *testing.T) {
	l, _ := ledgers()["tx"]()
	_, err := l.Grant(context.Background(), ledger.GrantRequest{FamilyID: famF, UserID: usrU, Amount: 5})
	require.ErrorIs(t, err, ledger.ErrInvalidID)
}

func TestBalance_ZeroEventScopeNotPersisted(t *testing.T) {
	// GIVEN: A scope with no events
	// WHEN: Reading its balance
	// THEN: Zero view, and the store still has no row

	for name, mk := range ledgers() {
		t.Run(name, func(t *testing.T) {
			l, s := mk()
			ctx := context.Background()

			bal, err := l.Balance(ctx, famF, usrU)
			require.NoError(t, err)
			assert.Zero(t, bal.TotalKarma)
			assert.False(t, bal.Materialized())
			assert.Equal(t, famF, bal.FamilyID)

			row, err := s.FindBalance(ctx, famF, usrU)
			require.NoError(t, err)
			assert.Nil(t, row)
		})
	}
}

func TestBalance_TimestampsOnUpdate(t *testing.T) {
	l, s := ledgers()["split"]()
	ctx := context.Background()

	_, err := l.Award(ctx, award(1, ledger.SourceTaskCompletion))
	require.NoError(t, err)
	first, err := s.FindBalance(ctx, famF, usrU)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = l.Award(ctx, award(1, ledger.SourceTaskCompletion))
	require.NoError(t, err)
	second, err := s.FindBalance(ctx, famF, usrU)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))
	assert.Equal(t, int64(2), second.TotalKarma)
}

// =============================================================================
// OVERFLOW
// =============================================================================

func TestAddKarma(t *testing.T) {
	tests := []struct {
		name         string
		total, delta int64
		want         int64
		overflow     bool
	}{
		{"credit", 10, 5, 15, false},
		{"debit below zero", 10, -50, -40, false},
		{"up to max", math.MaxInt64 - 1, 1, math.MaxInt64, false},
		{"past max", math.MaxInt64, 1, math.MaxInt64, true},
		{"down to min", math.MinInt64 + 1, -1, math.MinInt64, false},
		{"past min", math.MinInt64, -1, math.MinInt64, true},
		{"max plus max", math.MaxInt64, math.MaxInt64, math.MaxInt64, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ledger.AddKarma(tt.total, tt.delta)
			if tt.overflow {
				require.ErrorIs(t, err, ledger.ErrBalanceOverflow)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAward_SplitOverflowRefusedBeforeAppend(t *testing.T) {
	// GIVEN: A split ledger with a scope at the int64 maximum
	// WHEN: Awarding another credit
	// THEN: The award is refused as input, nothing is appended or orphaned

	s := store.NewMemory()
	l := ledger.NewSplitLedger(s, s)
	ctx := context.Background()

	_, err := l.Award(ctx, award(math.MaxInt64, ledger.SourceTaskCompletion))
	require.NoError(t, err)

	_, err = l.Award(ctx, award(math.MaxInt64, ledger.SourceTaskCompletion))
	require.ErrorIs(t, err, ledger.ErrBalanceOverflow)
	assert.True(t, ledger.IsInputError(err))
	assert.False(t, ledger.IsOrphanedEvent(err))

	n, err := s.CountEvents(ctx, famF, usrU)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
