/*
service.go - Request-scoped karma operations with authorization

PURPOSE:
  The Service is what transports (HTTP handlers, task hooks) call. For
  each operation it:

    1. validates identifiers
    2. resolves caller and target through the Authorizer
    3. calls the ledger engine or a read path
    4. on a successful write, publishes a Notification in the background

  Notification errors are logged and dropped; they never fail the write.

AUTHORIZATION RULES:
  Reads (balance, history, leaderboard): caller and target must both be
  members of the family. Any member may read any other member.

  Grant: caller must be a parent, target must be a member.
  |amount| <= MaxGrantAmount, amount != 0.

  RecordEvent: parents record anything for any member; other members
  may only record their own debits. |amount| <= MaxGrantAmount.
  task_completion, contribution_goal_weekly: amount > 0
  task_uncomplete, reward_redemption:        amount < 0
  manual_grant is refused, it goes through Grant.

SEE ALSO:
  - ledger/ledger.go: the award engine
  - api/handlers.go: HTTP mapping of these operations
*/
package karma

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/karma-ledger/ledger"
)

// MaxGrantAmount bounds the absolute value of a single grant or event.
const MaxGrantAmount = 100000

// DefaultNotifyTimeout bounds one background notification.
const DefaultNotifyTimeout = 5 * time.Second

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ErrListingUnsupported is returned by ListFamilyKarma when the backing
// store cannot enumerate a family.
var ErrListingUnsupported = errors.New("family listing not supported by store")

// Recorder receives write outcomes. metrics.Metrics implements it.
type Recorder interface {
	RecordAward(source ledger.Source, outcome string)
	RecordOrphan()
	RecordNotifyFailure()
}

// Award outcomes passed to Recorder.RecordAward.
const (
	OutcomeOK       = "ok"
	OutcomeOrphaned = "orphaned"
	OutcomeFailed   = "failed"
)

type nopRecorder struct{}

func (nopRecorder) RecordAward(ledger.Source, string) {}
func (nopRecorder) RecordOrphan()                     {}
func (nopRecorder) RecordNotifyFailure()              {}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	ledger   *ledger.Ledger
	pager    *ledger.Pager
	families ledger.FamilyLister
	authz    Authorizer
	members  MemberDirectory
	notifier Notifier
	recorder Recorder
	log      logrus.FieldLogger

	notifyTimeout time.Duration
	pending       sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

func WithNotifyTimeout(d time.Duration) Option { return func(s *Service) { s.notifyTimeout = d } }

// WithLedger replaces the ledger built from the store, e.g. with a
// split ledger over separate event and balance stores.
func WithLedger(l *ledger.Ledger) Option { return func(s *Service) { s.ledger = l } }

// NewService builds a service over one store. The store is also used for
// the leaderboard when it implements ledger.FamilyLister.
func NewService(store ledger.Store, authz Authorizer, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		ledger:        ledger.NewLedger(store),
		pager:         ledger.NewPager(store),
		authz:         authz,
		notifier:      NopNotifier{},
		recorder:      nopRecorder{},
		log:           log,
		notifyTimeout: DefaultNotifyTimeout,
	}
	if fl, ok := store.(ledger.FamilyLister); ok {
		s.families = fl
	}
	if md, ok := authz.(MemberDirectory); ok {
		s.members = md
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until all background notifications have finished.
func (s *Service) Wait() { s.pending.Wait() }

// =============================================================================
// READS
// =============================================================================

// GetMemberKarma returns the target's aggregate, or a zero view when the
// target never transacted.
func (s *Service) GetMemberKarma(ctx context.Context, caller ledger.UserID, familyID ledger.FamilyID, userID ledger.UserID) (ledger.MemberKarma, error) {
	if err := s.authorizeRead(ctx, caller, familyID, userID, "read balance"); err != nil {
		return ledger.MemberKarma{}, err
	}
	return s.ledger.Balance(ctx, familyID, userID)
}

// GetHistory returns one newest-first page of the target's events.
func (s *Service) GetHistory(ctx context.Context, caller ledger.UserID, familyID ledger.FamilyID, userID ledger.UserID, limit int, cursor string) (ledger.Page, error) {
	if err := s.authorizeRead(ctx, caller, familyID, userID, "read history"); err != nil {
		return ledger.Page{}, err
	}
	return s.pager.Page(ctx, familyID, userID, limit, cursor)
}

// ListFamilyKarma returns every materialized aggregate of the family,
// highest total first.
func (s *Service) ListFamilyKarma(ctx context.Context, caller ledger.UserID, familyID ledger.FamilyID) ([]ledger.MemberKarma, error) {
	if err := validateCaller(caller); err != nil {
		return nil, err
	}
	if err := validateID("familyId", string(familyID)); err != nil {
		return nil, err
	}
	if _, err := s.member(ctx, familyID, caller, "list family karma"); err != nil {
		return nil, err
	}
	if s.families == nil {
		return nil, ErrListingUnsupported
	}
	list, err := s.families.ListBalances(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("list balances of %s: %w", familyID, err)
	}
	if list == nil {
		list = []ledger.MemberKarma{}
	}
	return list, nil
}

func (s *Service) authorizeRead(ctx context.Context, caller ledger.UserID, familyID ledger.FamilyID, userID ledger.UserID, action string) error {
	if err := validateCaller(caller); err != nil {
		return err
	}
	if err := validateScope(familyID, userID); err != nil {
		return err
	}
	if _, err := s.member(ctx, familyID, caller, action); err != nil {
		return err
	}
	if caller != userID {
		if _, err := s.member(ctx, familyID, userID, action); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// WRITES
// =============================================================================

type GrantInput struct {
	FamilyID    ledger.FamilyID
	UserID      ledger.UserID
	Amount      int64
	Description string
}

// Grant credits or deducts karma by hand. Only parents may grant.
func (s *Service) Grant(ctx context.Context, caller ledger.UserID, in GrantInput) (ledger.KarmaEvent, error) {
	if err := validateCaller(caller); err != nil {
		return ledger.KarmaEvent{}, err
	}
	if err := validateScope(in.FamilyID, in.UserID); err != nil {
		return ledger.KarmaEvent{}, err
	}
	if in.Amount == 0 {
		return ledger.KarmaEvent{}, &ledger.ValidationError{Field: "amount", Err: ledger.ErrZeroAmount}
	}
	if err := checkBounds(in.Amount); err != nil {
		return ledger.KarmaEvent{}, err
	}

	m, err := s.member(ctx, in.FamilyID, caller, "grant")
	if err != nil {
		return ledger.KarmaEvent{}, err
	}
	if !m.Role.Elevated() {
		return ledger.KarmaEvent{}, &AuthorizationError{FamilyID: in.FamilyID, UserID: caller, Action: "grant", Err: ErrForbidden}
	}
	if _, err := s.member(ctx, in.FamilyID, in.UserID, "grant"); err != nil {
		return ledger.KarmaEvent{}, err
	}

	ev, err := s.ledger.Grant(ctx, ledger.GrantRequest{
		FamilyID:    in.FamilyID,
		UserID:      in.UserID,
		Amount:      in.Amount,
		Description: in.Description,
		GrantedBy:   caller,
	})
	return s.afterWrite(ctx, ledger.SourceManualGrant, ev, err)
}

type EventInput struct {
	FamilyID    ledger.FamilyID
	UserID      ledger.UserID
	Amount      int64
	Source      ledger.Source
	Description string
	Metadata    ledger.Metadata
}

// RecordEvent records a system-originated karma movement such as a task
// completion or a reward redemption.
func (s *Service) RecordEvent(ctx context.Context, caller ledger.UserID, in EventInput) (ledger.KarmaEvent, error) {
	if err := validateCaller(caller); err != nil {
		return ledger.KarmaEvent{}, err
	}
	if err := validateScope(in.FamilyID, in.UserID); err != nil {
		return ledger.KarmaEvent{}, err
	}
	if err := checkSign(in.Source, in.Amount); err != nil {
		return ledger.KarmaEvent{}, err
	}
	if err := checkBounds(in.Amount); err != nil {
		return ledger.KarmaEvent{}, err
	}

	m, err := s.member(ctx, in.FamilyID, caller, "record event")
	if err != nil {
		return ledger.KarmaEvent{}, err
	}
	// Members may record their own debits; credits and events for
	// someone else need a parent.
	if (caller != in.UserID || in.Amount > 0) && !m.Role.Elevated() {
		return ledger.KarmaEvent{}, &AuthorizationError{FamilyID: in.FamilyID, UserID: caller, Action: "record event", Err: ErrForbidden}
	}
	if caller != in.UserID {
		if _, err := s.member(ctx, in.FamilyID, in.UserID, "record event"); err != nil {
			return ledger.KarmaEvent{}, err
		}
	}

	ev, err := s.ledger.Award(ctx, ledger.AwardRequest{
		FamilyID:    in.FamilyID,
		UserID:      in.UserID,
		Amount:      in.Amount,
		Source:      in.Source,
		Description: in.Description,
		Metadata:    in.Metadata,
	})
	return s.afterWrite(ctx, in.Source, ev, err)
}

// checkBounds applies MaxGrantAmount to every single movement.
func checkBounds(amount int64) error {
	if amount > MaxGrantAmount || amount < -MaxGrantAmount {
		return &ledger.ValidationError{Field: "amount", Value: fmt.Sprint(amount), Err: ErrAmountOutOfRange}
	}
	return nil
}

func checkSign(source ledger.Source, amount int64) error {
	if amount == 0 {
		return &ledger.ValidationError{Field: "amount", Err: ledger.ErrZeroAmount}
	}
	switch source {
	case ledger.SourceTaskCompletion, ledger.SourceContributionGoalWeekly:
		if amount < 0 {
			return &ledger.ValidationError{Field: "amount", Value: fmt.Sprint(amount), Err: ErrSignMismatch}
		}
	case ledger.SourceTaskUncomplete, ledger.SourceRewardRedemption:
		if amount > 0 {
			return &ledger.ValidationError{Field: "amount", Value: fmt.Sprint(amount), Err: ErrSignMismatch}
		}
	case ledger.SourceManualGrant:
		return &ledger.ValidationError{Field: "source", Value: string(source), Err: ErrSourceNotAllowed}
	default:
		return &ledger.ValidationError{Field: "source", Value: string(source), Err: ledger.ErrUnknownSource}
	}
	return nil
}

func (s *Service) afterWrite(ctx context.Context, source ledger.Source, ev ledger.KarmaEvent, err error) (ledger.KarmaEvent, error) {
	if err != nil {
		var orphan *ledger.OrphanedEventError
		switch {
		case errors.As(err, &orphan):
			s.recorder.RecordAward(source, OutcomeOrphaned)
			s.recorder.RecordOrphan()
			s.log.WithFields(logrus.Fields{
				"event_id":  orphan.Event.ID,
				"family_id": orphan.Event.FamilyID,
				"user_id":   orphan.Event.UserID,
				"amount":    orphan.Event.Amount,
				"source":    orphan.Event.Source,
			}).WithError(err).Error("karma event orphaned")
		case ledger.IsInputError(err):
		default:
			s.recorder.RecordAward(source, OutcomeFailed)
		}
		return ledger.KarmaEvent{}, err
	}

	s.recorder.RecordAward(source, OutcomeOK)
	s.notify(ctx, ev)
	return ev, nil
}

// notify publishes in the background. The request context's values are
// kept but its cancellation is not.
func (s *Service) notify(ctx context.Context, ev ledger.KarmaEvent) {
	note := notificationFor(ev)
	base := context.WithoutCancel(ctx)

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		nctx, cancel := context.WithTimeout(base, s.notifyTimeout)
		defer cancel()

		if err := s.notifier.Notify(nctx, note); err != nil {
			s.recorder.RecordNotifyFailure()
			s.log.WithFields(logrus.Fields{
				"event_id":  note.EventID,
				"family_id": note.FamilyID,
				"user_id":   note.UserID,
			}).WithError(err).Warn("karma notification failed")
		}
	}()
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) member(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID, action string) (Membership, error) {
	m, err := s.authz.Membership(ctx, familyID, userID)
	if errors.Is(err, ErrNotMember) {
		return Membership{}, &AuthorizationError{FamilyID: familyID, UserID: userID, Action: action, Err: ErrNotMember}
	}
	if err != nil {
		return Membership{}, fmt.Errorf("resolve membership of %s in %s: %w", userID, familyID, err)
	}
	return m, nil
}

func validateCaller(caller ledger.UserID) error {
	if caller == "" {
		return ErrUnauthenticated
	}
	return validateID("caller", string(caller))
}

func validateScope(familyID ledger.FamilyID, userID ledger.UserID) error {
	if err := validateID("familyId", string(familyID)); err != nil {
		return err
	}
	return validateID("userId", string(userID))
}

func validateID(field, v string) error {
	if !identifierPattern.MatchString(v) {
		return &ledger.ValidationError{Field: field, Value: v, Err: ledger.ErrInvalidID}
	}
	return nil
}
