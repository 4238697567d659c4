package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/karma-ledger/ledger"
	"github.com/warp/karma-ledger/ledger/store"
)

func TestReconciler_CleanLedger(t *testing.T) {
	s := store.NewMemory()
	l := ledger.NewLedger(s)
	ctx := context.Background()

	for _, sc := range []ledger.Scope{{FamilyID: "f1", UserID: "a"}, {FamilyID: "f1", UserID: "b"}, {FamilyID: "f2", UserID: "a"}} {
		_, err := l.Award(ctx, ledger.AwardRequest{FamilyID: sc.FamilyID, UserID: sc.UserID, Amount: 5, Source: ledger.SourceTaskCompletion})
		require.NoError(t, err)
		_, err = l.Award(ctx, ledger.AwardRequest{FamilyID: sc.FamilyID, UserID: sc.UserID, Amount: -5, Source: ledger.SourceTaskUncomplete})
		require.NoError(t, err)
	}

	report, err := ledger.NewReconciler(s, s).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.ScopesChecked)
	assert.True(t, report.Clean())
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestReconciler_DetectsDrift(t *testing.T) {
	// GIVEN: One scope whose aggregate was bumped without an event and
	//        one aggregate with no events at all
	// WHEN: Reconciling
	// THEN: Both are reported

	s := store.NewMemory()
	l := ledger.NewLedger(s)
	ctx := context.Background()

	_, err := l.Award(ctx, award(10, ledger.SourceTaskCompletion))
	require.NoError(t, err)
	_, err = s.IncrementAndGet(ctx, famF, usrU, 3)
	require.NoError(t, err)

	_, err = s.IncrementAndGet(ctx, "fam-ghost", "nobody", 0)
	require.NoError(t, err)

	report, err := ledger.NewReconciler(s, s).Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Drifts, 2)

	byScope := map[ledger.Scope]ledger.Drift{}
	for _, d := range report.Drifts {
		byScope[d.Scope] = d
	}
	d := byScope[ledger.Scope{FamilyID: famF, UserID: usrU}]
	assert.Equal(t, int64(10), d.EventSum)
	assert.Equal(t, int64(13), d.TotalKarma)
	assert.Equal(t, int64(-3), d.Missing())

	ghost := byScope[ledger.Scope{FamilyID: "fam-ghost", UserID: "nobody"}]
	assert.True(t, ghost.HasAggregate)
	assert.Zero(t, ghost.EventSum)
}

func TestReconciler_StopsOnCanceledContext(t *testing.T) {
	s := store.NewMemory()
	_, err := ledger.NewLedger(s).Award(context.Background(), award(1, ledger.SourceTaskCompletion))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ledger.NewReconciler(s, s).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

type failingCounter struct {
	*store.Memory
	err error
}

func (f failingCounter) CountEvents(context.Context, ledger.FamilyID, ledger.UserID) (int, error) {
	return 0, f.err
}

func TestReconciler_CountFailureIsReturned(t *testing.T) {
	// GIVEN: A scope whose events cancel out, so the reconciler must count them
	// WHEN: Counting fails
	// THEN: Run returns the error instead of guessing

	s := store.NewMemory()
	l := ledger.NewLedger(s)
	ctx := context.Background()

	_, err := l.Award(ctx, award(5, ledger.SourceTaskCompletion))
	require.NoError(t, err)
	_, err = l.Award(ctx, award(-5, ledger.SourceTaskUncomplete))
	require.NoError(t, err)

	boom := errors.New("disk i/o error")
	_, err = ledger.NewReconciler(failingCounter{Memory: s, err: boom}, s).Run(ctx)
	require.ErrorIs(t, err, boom)
}
