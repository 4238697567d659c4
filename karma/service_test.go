package karma_test

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/karma-ledger/karma"
	"github.com/warp/karma-ledger/ledger"
	"github.com/warp/karma-ledger/ledger/store"
)

const (
	fam      ledger.FamilyID = "fam-A"
	mom      ledger.UserID   = "mom"
	kid      ledger.UserID   = "kid"
	sibling  ledger.UserID   = "sibling"
	stranger ledger.UserID   = "stranger"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func directory() *karma.Directory {
	return karma.NewDirectory(
		karma.Membership{FamilyID: fam, UserID: mom, Role: karma.RoleParent},
		karma.Membership{FamilyID: fam, UserID: kid, Role: karma.RoleChild},
		karma.Membership{FamilyID: fam, UserID: sibling, Role: karma.RoleChild},
		karma.Membership{FamilyID: "fam-B", UserID: stranger, Role: karma.RoleParent},
	)
}

type recorder struct {
	mu       sync.Mutex
	awards   map[string]int
	orphans  int
	failures int
}

func newRecorder() *recorder { return &recorder{awards: make(map[string]int)} }

func (r *recorder) RecordAward(source ledger.Source, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awards[string(source)+"/"+outcome]++
}

func (r *recorder) RecordOrphan() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphans++
}

func (r *recorder) RecordNotifyFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

type captured struct {
	mu    sync.Mutex
	notes []karma.Notification
}

func (c *captured) Notify(_ context.Context, n karma.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
	return nil
}

func (c *captured) all() []karma.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]karma.Notification{}, c.notes...)
}

func newService(opts ...karma.Option) (*karma.Service, *store.TxMemory) {
	s := store.NewTxMemory()
	return karma.NewService(s, directory(), quietLogger(), opts...), s
}

// =============================================================================
// READS
// =============================================================================

func TestGetMemberKarma_ZeroForNewMember(t *testing.T) {
	svc, s := newService()
	ctx := context.Background()

	mk, err := svc.GetMemberKarma(ctx, kid, fam, kid)
	require.NoError(t, err)
	assert.Zero(t, mk.TotalKarma)
	assert.False(t, mk.Materialized())

	row, err := s.FindBalance(ctx, fam, kid)
	require.NoError(t, err)
	assert.Nil(t, row, "read must not create an aggregate")
}

func TestReads_Authorization(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	tests := []struct {
		name   string
		caller ledger.UserID
		target ledger.UserID
		check  func(t *testing.T, err error)
	}{
		{"self", kid, kid, func(t *testing.T, err error) { require.NoError(t, err) }},
		{"parent reads child", mom, kid, func(t *testing.T, err error) { require.NoError(t, err) }},
		{"child reads sibling", kid, sibling, func(t *testing.T, err error) { require.NoError(t, err) }},
		{"outsider", stranger, kid, func(t *testing.T, err error) {
			require.ErrorIs(t, err, karma.ErrNotMember)
			assert.True(t, karma.IsAuthorizationError(err))
		}},
		{"target not member", mom, stranger, func(t *testing.T, err error) {
			require.ErrorIs(t, err, karma.ErrNotMember)
		}},
		{"no caller", "", kid, func(t *testing.T, err error) {
			require.ErrorIs(t, err, karma.ErrUnauthenticated)
		}},
		{"malformed target", mom, "kid/../mom", func(t *testing.T, err error) {
			require.ErrorIs(t, err, ledger.ErrInvalidID)
			assert.True(t, karma.IsInputError(err))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GetMemberKarma(ctx, tt.caller, fam, tt.target)
			tt.check(t, err)
			_, err = svc.GetHistory(ctx, tt.caller, fam, tt.target, 0, "")
			tt.check(t, err)
		})
	}
}

func TestGetHistory_Pages(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordEvent(ctx, mom, karma.EventInput{
			FamilyID: fam, UserID: kid, Amount: 5, Source: ledger.SourceTaskCompletion,
		})
		require.NoError(t, err)
	}

	page, err := svc.GetHistory(ctx, mom, fam, kid, 2, "")
	require.NoError(t, err)
	assert.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)

	page, err = svc.GetHistory(ctx, mom, fam, kid, 2, page.NextCursor)
	require.NoError(t, err)
	assert.Len(t, page.Events, 1)
	assert.False(t, page.HasMore)

	_, err = svc.GetHistory(ctx, mom, fam, kid, 2, "garbage")
	require.ErrorIs(t, err, ledger.ErrInvalidCursor)
}

func TestListFamilyKarma_SortedAndMembersOnly(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.Grant(ctx, mom, karma.GrantInput{FamilyID: fam, UserID: kid, Amount: 10})
	require.NoError(t, err)
	_, err = svc.Grant(ctx, mom, karma.GrantInput{FamilyID: fam, UserID: sibling, Amount: 30})
	require.NoError(t, err)

	list, err := svc.ListFamilyKarma(ctx, kid, fam)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, sibling, list[0].UserID)
	assert.Equal(t, kid, list[1].UserID)

	_, err = svc.ListFamilyKarma(ctx, stranger, fam)
	assert.True(t, karma.IsAuthorizationError(err))

	empty, err := svc.ListFamilyKarma(ctx, stranger, "fam-B")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

// =============================================================================
// GRANTS
// =============================================================================

func TestGrant_ParentGrantsAndNotifies(t *testing.T) {
	// GIVEN: A parent and a child in the same family
	// WHEN: The parent grants 50
	// THEN: Balance is 50, event carries provenance, one notification

	notes := &captured{}
	rec := newRecorder()
	svc, _ := newService(karma.WithNotifier(notes), karma.WithRecorder(rec))
	ctx := context.Background()

	ev, err := svc.Grant(ctx, mom, karma.GrantInput{FamilyID: fam, UserID: kid, Amount: 50, Description: "helped"})
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceManualGrant, ev.Source)
	assert.Equal(t, string(mom), ev.Metadata[ledger.MetaGrantedBy])

	mk, err := svc.GetMemberKarma(ctx, kid, fam, kid)
	require.NoError(t, err)
	assert.Equal(t, int64(50), mk.TotalKarma)

	svc.Wait()
	got := notes.all()
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].EventID)
	assert.Equal(t, int64(50), got[0].Amount)
	assert.Equal(t, "helped", got[0].Description)
	assert.Equal(t, 1, rec.awards["manual_grant/ok"])
}

func TestGrant_Rejections(t *testing.T) {
	notes := &captured{}
	svc, s := newService(karma.WithNotifier(notes))
	ctx := context.Background()

	tests := []struct {
		name   string
		caller ledger.UserID
		in     karma.GrantInput
		want   error
	}{
		{"child cannot grant", kid, karma.GrantInput{FamilyID: fam, UserID: sibling, Amount: 5}, karma.ErrForbidden},
		{"outsider", stranger, karma.GrantInput{FamilyID: fam, UserID: kid, Amount: 5}, karma.ErrNotMember},
		{"recipient not member", mom, karma.GrantInput{FamilyID: fam, UserID: stranger, Amount: 5}, karma.ErrNotMember},
		{"zero", mom, karma.GrantInput{FamilyID: fam, UserID: kid}, ledger.ErrZeroAmount},
		{"too large", mom, karma.GrantInput{FamilyID: fam, UserID: kid, Amount: karma.MaxGrantAmount + 1}, karma.ErrAmountOutOfRange},
		{"too small", mom, karma.GrantInput{FamilyID: fam, UserID: kid, Amount: -karma.MaxGrantAmount - 1}, karma.ErrAmountOutOfRange},
		{"no caller", "", karma.GrantInput{FamilyID: fam, UserID: kid, Amount: 5}, karma.ErrUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Grant(ctx, tt.caller, tt.in)
			require.ErrorIs(t, err, tt.want)
		})
	}

	svc.Wait()
	assert.Empty(t, notes.all())
	n, err := s.CountEvents(ctx, fam, kid)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected grants must not reach storage")
}

func TestGrant_BoundaryAmountsAccepted(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	for _, amt := range []int64{karma.MaxGrantAmount, -karma.MaxGrantAmount} {
		_, err := svc.Grant(ctx, mom, karma.GrantInput{FamilyID: fam, UserID: kid, Amount: amt})
		require.NoError(t, err)
	}
	mk, err := svc.GetMemberKarma(ctx, mom, fam, kid)
	require.NoError(t, err)
	assert.Zero(t, mk.TotalKarma)
	assert.True(t, mk.Materialized())
}

// =============================================================================
// SYSTEM EVENTS
// =============================================================================

func TestRecordEvent_SignAndSourceRules(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	tests := []struct {
		source ledger.Source
		amount int64
		want   error
	}{
		{ledger.SourceTaskCompletion, 10, nil},
		{ledger.SourceTaskCompletion, -10, karma.ErrSignMismatch},
		{ledger.SourceContributionGoalWeekly, 25, nil},
		{ledger.SourceTaskUncomplete, -10, nil},
		{ledger.SourceTaskUncomplete, 10, karma.ErrSignMismatch},
		{ledger.SourceRewardRedemption, -40, nil},
		{ledger.SourceRewardRedemption, 40, karma.ErrSignMismatch},
		{ledger.SourceManualGrant, 5, karma.ErrSourceNotAllowed},
		{"bribe", 5, ledger.ErrUnknownSource},
		{ledger.SourceTaskCompletion, 0, ledger.ErrZeroAmount},
	}

	for _, tt := range tests {
		t.Run(string(tt.source), func(t *testing.T) {
			_, err := svc.RecordEvent(ctx, mom, karma.EventInput{
				FamilyID: fam, UserID: kid, Amount: tt.amount, Source: tt.source,
			})
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
			assert.True(t, karma.IsInputError(err))
		})
	}

	mk, err := svc.GetMemberKarma(ctx, kid, fam, kid)
	require.NoError(t, err)
	assert.Equal(t, int64(10+25-10-40), mk.TotalKarma)
}

func TestRecordEvent_ActorRules(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	credit := karma.EventInput{FamilyID: fam, UserID: kid, Amount: 3, Source: ledger.SourceTaskCompletion,
		Metadata: ledger.Metadata{ledger.MetaTaskID: "dishes"}}
	debit := karma.EventInput{FamilyID: fam, UserID: kid, Amount: -2, Source: ledger.SourceRewardRedemption}

	ev, err := svc.RecordEvent(ctx, mom, credit)
	require.NoError(t, err)
	assert.Equal(t, "dishes", ev.Metadata[ledger.MetaTaskID])

	_, err = svc.RecordEvent(ctx, kid, debit)
	require.NoError(t, err, "members record their own debits")

	_, err = svc.RecordEvent(ctx, kid, credit)
	require.ErrorIs(t, err, karma.ErrForbidden, "members cannot credit themselves")

	_, err = svc.RecordEvent(ctx, sibling, debit)
	require.ErrorIs(t, err, karma.ErrForbidden)

	_, err = svc.RecordEvent(ctx, stranger, debit)
	require.ErrorIs(t, err, karma.ErrNotMember)

	mk, err := svc.GetMemberKarma(ctx, kid, fam, kid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mk.TotalKarma)
}

func TestRecordEvent_AmountBounds(t *testing.T) {
	// GIVEN: A parent recording events
	// WHEN: The amount is past MaxGrantAmount either way
	// THEN: It is refused as input before anything is written

	svc, mem := newService()
	ctx := context.Background()

	for _, in := range []karma.EventInput{
		{FamilyID: fam, UserID: kid, Amount: karma.MaxGrantAmount + 1, Source: ledger.SourceTaskCompletion},
		{FamilyID: fam, UserID: kid, Amount: math.MaxInt64, Source: ledger.SourceContributionGoalWeekly},
		{FamilyID: fam, UserID: kid, Amount: -karma.MaxGrantAmount - 1, Source: ledger.SourceRewardRedemption},
	} {
		_, err := svc.RecordEvent(ctx, mom, in)
		require.ErrorIs(t, err, karma.ErrAmountOutOfRange)
		assert.True(t, karma.IsInputError(err))
	}

	_, err := svc.RecordEvent(ctx, mom, karma.EventInput{
		FamilyID: fam, UserID: kid, Amount: karma.MaxGrantAmount, Source: ledger.SourceTaskCompletion,
	})
	require.NoError(t, err)

	n, err := mem.CountEvents(ctx, fam, kid)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =============================================================================
// FAILURE HANDLING
// =============================================================================

func TestNotificationFailureIsSwallowed(t *testing.T) {
	rec := newRecorder()
	failing := karma.NotifierFunc(func(context.Context, karma.Notification) error {
		return errors.New("broker down")
	})
	svc, _ := newService(karma.WithNotifier(failing), karma.WithRecorder(rec))

	_, err := svc.Grant(context.Background(), mom, karma.GrantInput{FamilyID: fam, UserID: kid, Amount: 7})
	require.NoError(t, err)

	svc.Wait()
	assert.Equal(t, 1, rec.failures)
}

func TestNotificationOutlivesRequestContext(t *testing.T) {
	// GIVEN: A notifier slower than the request
	// WHEN: The request context is canceled right after the write
	// THEN: The notification still runs to completion under its own timeout

	started := make(chan struct{})
	release := make(chan struct{})
	var delivered error
	slow := karma.NotifierFunc(func(ctx context.Context, _ karma.Notification) error {
		close(started)
		<-release
		delivered = ctx.Err()
		return nil
	})
	svc, _ := newService(karma.WithNotifier(slow), karma.WithNotifyTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := svc.Grant(ctx, mom, karma.GrantInput{FamilyID: fam, UserID: kid, Amount: 1})
	require.NoError(t, err)
	cancel()

	<-started
	close(release)
	svc.Wait()
	assert.NoError(t, delivered)
}

type brokenBalances struct {
	ledger.BalanceStore
}

func (brokenBalances) IncrementAndGet(context.Context, ledger.FamilyID, ledger.UserID, int64) (ledger.MemberKarma, error) {
	return ledger.MemberKarma{}, errors.New("disk full")
}

func TestGrant_OrphanIsReportedAndNotNotified(t *testing.T) {
	notes := &captured{}
	rec := newRecorder()
	mem := store.NewMemory()
	split := ledger.NewSplitLedger(mem, brokenBalances{BalanceStore: mem})
	svc := karma.NewService(mem, directory(), quietLogger(),
		karma.WithLedger(split), karma.WithNotifier(notes), karma.WithRecorder(rec))

	_, err := svc.Grant(context.Background(), mom, karma.GrantInput{FamilyID: fam, UserID: kid, Amount: 9})
	require.Error(t, err)
	assert.True(t, ledger.IsOrphanedEvent(err))

	svc.Wait()
	assert.Empty(t, notes.all())
	assert.Equal(t, 1, rec.orphans)
	assert.Equal(t, 1, rec.awards["manual_grant/orphaned"])
}

func TestAuthorizerErrorIsNotAuthorizationError(t *testing.T) {
	broken := karma.AuthorizerFunc(func(context.Context, ledger.FamilyID, ledger.UserID) (karma.Membership, error) {
		return karma.Membership{}, errors.New("directory unavailable")
	})
	svc := karma.NewService(store.NewMemory(), broken, quietLogger())

	_, err := svc.GetMemberKarma(context.Background(), kid, fam, kid)
	require.Error(t, err)
	assert.False(t, karma.IsAuthorizationError(err))
	assert.False(t, karma.IsInputError(err))
}
