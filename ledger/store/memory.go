// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/karma-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps events per scope in ascending id order and one aggregate
// per scope. A single RWMutex makes IncrementAndGet indivisible.
type Memory struct {
	mu       sync.RWMutex
	events   map[ledger.Scope][]ledger.KarmaEvent
	balances map[ledger.Scope]ledger.MemberKarma
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		events:   make(map[ledger.Scope][]ledger.KarmaEvent),
		balances: make(map[ledger.Scope]ledger.MemberKarma),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ ledger.Store        = (*Memory)(nil)
	_ ledger.AuditStore   = (*Memory)(nil)
	_ ledger.FamilyLister = (*Memory)(nil)
)

// AppendEvent adds an event. Append-only.
func (m *Memory) AppendEvent(_ context.Context, ev ledger.KarmaEvent) (ledger.KarmaEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(ev)
}

func (m *Memory) appendLocked(ev ledger.KarmaEvent) (ledger.KarmaEvent, error) {
	if err := ledger.ValidateEvent(ev); err != nil {
		return ledger.KarmaEvent{}, err
	}
	if ev.ID == "" {
		id, err := ledger.NewEventID()
		if err != nil {
			return ledger.KarmaEvent{}, err
		}
		ev.ID = id
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	ev = ev.Clone()

	k := ev.Scope()
	evs := m.events[k]

	// Ids are normally increasing, so this is an append; caller-supplied
	// ids still land in order.
	i := sort.Search(len(evs), func(i int) bool { return evs[i].ID > ev.ID })
	evs = append(evs, ledger.KarmaEvent{})
	copy(evs[i+1:], evs[i:])
	evs[i] = ev
	m.events[k] = evs

	return ev.Clone(), nil
}

func (m *Memory) QueryEvents(_ context.Context, familyID ledger.FamilyID, userID ledger.UserID, limit int, before ledger.EventID) ([]ledger.KarmaEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryLocked(familyID, userID, limit, before), nil
}

func (m *Memory) queryLocked(familyID ledger.FamilyID, userID ledger.UserID, limit int, before ledger.EventID) []ledger.KarmaEvent {
	evs := m.events[ledger.Scope{FamilyID: familyID, UserID: userID}]

	end := len(evs)
	if before != "" {
		end = sort.Search(len(evs), func(i int) bool { return evs[i].ID >= before })
	}

	var result []ledger.KarmaEvent
	for i := end - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, evs[i].Clone())
	}
	return result
}

func (m *Memory) CountEvents(_ context.Context, familyID ledger.FamilyID, userID ledger.UserID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events[ledger.Scope{FamilyID: familyID, UserID: userID}]), nil
}

func (m *Memory) FindBalance(_ context.Context, familyID ledger.FamilyID, userID ledger.UserID) (*ledger.MemberKarma, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mk, ok := m.balances[ledger.Scope{FamilyID: familyID, UserID: userID}]
	if !ok {
		return nil, nil
	}
	return &mk, nil
}

func (m *Memory) IncrementAndGet(_ context.Context, familyID ledger.FamilyID, userID ledger.UserID, delta int64) (ledger.MemberKarma, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrementLocked(familyID, userID, delta)
}

func (m *Memory) incrementLocked(familyID ledger.FamilyID, userID ledger.UserID, delta int64) (ledger.MemberKarma, error) {
	k := ledger.Scope{FamilyID: familyID, UserID: userID}
	now := m.now()

	mk, ok := m.balances[k]
	if !ok {
		mk = ledger.MemberKarma{
			ID:        ledger.NewAggregateID(),
			FamilyID:  familyID,
			UserID:    userID,
			CreatedAt: now,
		}
	}
	total, err := ledger.AddKarma(mk.TotalKarma, delta)
	if err != nil {
		return ledger.MemberKarma{}, fmt.Errorf("increment %s by %d: %w", k, delta, err)
	}
	mk.TotalKarma = total
	mk.UpdatedAt = now
	m.balances[k] = mk
	return mk, nil
}

// =============================================================================
// AUDIT / READ SIDE
// =============================================================================

func (m *Memory) Scopes(_ context.Context) ([]ledger.Scope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[ledger.Scope]bool)
	for k := range m.events {
		seen[k] = true
	}
	for k := range m.balances {
		seen[k] = true
	}
	scopes := make([]ledger.Scope, 0, len(seen))
	for k := range seen {
		scopes = append(scopes, k)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].String() < scopes[j].String() })
	return scopes, nil
}

func (m *Memory) SumEvents(_ context.Context, familyID ledger.FamilyID, userID ledger.UserID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum int64
	for _, ev := range m.events[ledger.Scope{FamilyID: familyID, UserID: userID}] {
		sum += ev.Amount
	}
	return sum, nil
}

func (m *Memory) ListBalances(_ context.Context, familyID ledger.FamilyID) ([]ledger.MemberKarma, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.MemberKarma
	for k, mk := range m.balances {
		if k.FamilyID == familyID {
			out = append(out, mk)
		}
	}
	sortBalances(out)
	return out, nil
}

func sortBalances(mks []ledger.MemberKarma) {
	sort.Slice(mks, func(i, j int) bool {
		if mks[i].TotalKarma != mks[j].TotalKarma {
			return mks[i].TotalKarma > mks[j].TotalKarma
		}
		return mks[i].UserID < mks[j].UserID
	})
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

var _ ledger.TxStore = (*TxMemory)(nil)

// WithTx executes fn while holding the write lock. On error the state is
// restored from a snapshot taken before fn ran.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	events   map[ledger.Scope][]ledger.KarmaEvent
	balances map[ledger.Scope]ledger.MemberKarma
}

func (tm *TxMemory) snapshot() memorySnapshot {
	evCopy := make(map[ledger.Scope][]ledger.KarmaEvent, len(tm.events))
	for k, v := range tm.events {
		evCopy[k] = append([]ledger.KarmaEvent{}, v...)
	}
	balCopy := make(map[ledger.Scope]ledger.MemberKarma, len(tm.balances))
	for k, v := range tm.balances {
		balCopy[k] = v
	}
	return memorySnapshot{events: evCopy, balances: balCopy}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.events = s.events
	tm.balances = s.balances
}

// txMemoryView runs against the already-locked parent.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) AppendEvent(_ context.Context, ev ledger.KarmaEvent) (ledger.KarmaEvent, error) {
	return tv.parent.appendLocked(ev)
}

func (tv *txMemoryView) QueryEvents(_ context.Context, familyID ledger.FamilyID, userID ledger.UserID, limit int, before ledger.EventID) ([]ledger.KarmaEvent, error) {
	return tv.parent.queryLocked(familyID, userID, limit, before), nil
}

func (tv *txMemoryView) CountEvents(_ context.Context, familyID ledger.FamilyID, userID ledger.UserID) (int, error) {
	return len(tv.parent.events[ledger.Scope{FamilyID: familyID, UserID: userID}]), nil
}

func (tv *txMemoryView) FindBalance(_ context.Context, familyID ledger.FamilyID, userID ledger.UserID) (*ledger.MemberKarma, error) {
	mk, ok := tv.parent.balances[ledger.Scope{FamilyID: familyID, UserID: userID}]
	if !ok {
		return nil, nil
	}
	return &mk, nil
}

func (tv *txMemoryView) IncrementAndGet(_ context.Context, familyID ledger.FamilyID, userID ledger.UserID, delta int64) (ledger.MemberKarma, error) {
	return tv.parent.incrementLocked(familyID, userID, delta)
}
