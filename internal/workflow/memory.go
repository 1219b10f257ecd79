package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. It backs the
// unit tests and dev mode; production uses the Postgres store.
type InMemory struct {
	mu sync.RWMutex

	statuses    map[int64]ContentStatus
	states      map[stateKey]WorkflowState
	transitions map[int64]Transition
	userRoles   map[string][]string
	roleUsers   map[int64][]string
	communities map[int64]map[int64]struct{} // content id -> allowed role ids; absent = allow all
	fields      map[int64]map[SystemField]time.Time
	adhoc       map[int64]AdhocRecord
	approvals   map[int64][]Approval

	itemMu map[int64]*sync.Mutex
}

type stateKey struct {
	workflowID int64
	stateID    int64
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		statuses:    make(map[int64]ContentStatus),
		states:      make(map[stateKey]WorkflowState),
		transitions: make(map[int64]Transition),
		userRoles:   make(map[string][]string),
		roleUsers:   make(map[int64][]string),
		communities: make(map[int64]map[int64]struct{}),
		fields:      make(map[int64]map[SystemField]time.Time),
		adhoc:       make(map[int64]AdhocRecord),
		approvals:   make(map[int64][]Approval),
		itemMu:      make(map[int64]*sync.Mutex),
	}
}

var _ Store = (*InMemory)(nil)

// PutContentStatus installs or replaces an item's status record.
func (s *InMemory) PutContentStatus(cs ContentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[cs.ContentID] = cs
}

// PutWorkflowState installs a state snapshot with its role roster.
func (s *InMemory) PutWorkflowState(ws WorkflowState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey{ws.WorkflowID, ws.ID}] = ws
}

// PutTransition installs a transition.
func (s *InMemory) PutTransition(t Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[t.ID] = t
}

// SetUserRoles installs a user's role-name membership and the reverse index
// used for notification.
func (s *InMemory) SetUserRoles(userName string, roleNames []string, roleIDs []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userRoles[userName] = append([]string(nil), roleNames...)
	for _, id := range roleIDs {
		if !containsStr(s.roleUsers[id], userName) {
			s.roleUsers[id] = append(s.roleUsers[id], userName)
		}
	}
}

// SetCommunityRoles restricts an item to the given role ids; a nil list
// removes the restriction.
func (s *InMemory) SetCommunityRoles(contentID int64, roleIDs []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if roleIDs == nil {
		delete(s.communities, contentID)
		return
	}
	set := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		set[id] = struct{}{}
	}
	s.communities[contentID] = set
}

// SetContentField sets a date-valued content field; a zero time clears it.
func (s *InMemory) SetContentField(contentID int64, field SystemField, v time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.fields[contentID]
	if !ok {
		m = make(map[SystemField]time.Time)
		s.fields[contentID] = m
	}
	if v.IsZero() {
		delete(m, field)
		return
	}
	m[field] = v
}

// PutAdhoc installs an ad-hoc record (presence counts as a stored row set).
func (s *InMemory) PutAdhoc(contentID int64, rec AdhocRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adhoc[contentID] = rec.Clone()
}

func (s *InMemory) LoadContentStatus(ctx context.Context, contentID int64) (ContentStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.statuses[contentID]
	if !ok {
		return ContentStatus{}, fmt.Errorf("%w: content %d", ErrNotFound, contentID)
	}
	return cs, nil
}

func (s *InMemory) LoadWorkflowState(ctx context.Context, workflowID, stateID int64) (WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.states[stateKey{workflowID, stateID}]
	if !ok {
		return WorkflowState{}, fmt.Errorf("%w: state %d in workflow %d", ErrNotFound, stateID, workflowID)
	}
	return ws, nil
}

func (s *InMemory) LoadTransition(ctx context.Context, transitionID int64) (Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transitions[transitionID]
	if !ok {
		return Transition{}, fmt.Errorf("%w: transition %d", ErrNotFound, transitionID)
	}
	return t, nil
}

func (s *InMemory) FindTransition(ctx context.Context, workflowID, fromStateID int64, trigger string) (Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range sortedTransitions(s.transitions) {
		if t.WorkflowID == workflowID && t.FromStateID == fromStateID && t.Trigger == trigger {
			return t, nil
		}
	}
	return Transition{}, fmt.Errorf("%w: transition %q from state %d in workflow %d", ErrNotFound, trigger, fromStateID, workflowID)
}

func (s *InMemory) ListTransitionsFrom(ctx context.Context, workflowID, stateID int64) ([]Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transition
	for _, t := range sortedTransitions(s.transitions) {
		if t.WorkflowID == workflowID && t.FromStateID == stateID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *InMemory) LoadStateRoles(ctx context.Context, workflowID, stateID int64, minLevel AssignmentLevel) ([]StateRoleAssignment, error) {
	ws, err := s.LoadWorkflowState(ctx, workflowID, stateID)
	if err != nil {
		return nil, err
	}
	var out []StateRoleAssignment
	for _, sr := range ws.Roles {
		if sr.MinLevel >= minLevel {
			out = append(out, sr)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no roles at level %s for state %d", ErrNotFound, minLevel, stateID)
	}
	return out, nil
}

func (s *InMemory) LookupUserRoleNames(ctx context.Context, userName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.userRoles[userName]...), nil
}

func (s *InMemory) UsersInRoles(ctx context.Context, roleIDs []int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, id := range roleIDs {
		for _, u := range s.roleUsers[id] {
			set[u] = struct{}{}
		}
	}
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (s *InMemory) FilterRolesByCommunity(ctx context.Context, contentID int64, roleIDs []int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed, restricted := s.communities[contentID]
	if !restricted {
		return append([]int64(nil), roleIDs...), nil
	}
	var out []int64
	for _, id := range roleIDs {
		if _, ok := allowed[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *InMemory) ContentDateField(ctx context.Context, contentID int64, field SystemField) (*time.Time, error) {
	if !KnownSystemField(field) {
		return nil, fmt.Errorf("%w: unsupported field %q", ErrInvalidInput, field)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.fields[contentID][field]; ok {
		out := v
		return &out, nil
	}
	return nil, nil
}

func (s *InMemory) LoadAdhoc(ctx context.Context, contentID int64) (AdhocRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.adhoc[contentID]
	if !ok {
		return AdhocRecord{}, fmt.Errorf("%w: adhoc grants for content %d", ErrNotFound, contentID)
	}
	return rec.Clone(), nil
}

func (s *InMemory) LoadApprovals(ctx context.Context, contentID int64) ([]Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Approval(nil), s.approvals[contentID]...), nil
}

func (s *InMemory) ListDueAging(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type due struct {
		id int64
		at time.Time
	}
	var items []due
	for id, cs := range s.statuses {
		if cs.NextAgingDate != nil && cs.NextAgingTransID != 0 && !cs.NextAgingDate.After(before) {
			items = append(items, due{id, *cs.NextAgingDate})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].at.Equal(items[j].at) {
			return items[i].id < items[j].id
		}
		return items[i].at.Before(items[j].at)
	})
	var out []int64
	for _, d := range items {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, d.id)
	}
	return out, nil
}

// WithinAction serializes concurrent actions against the same item with a
// per-item mutex and applies the staged mutations only if fn succeeds,
// mirroring the transactional boundary of the Postgres store.
func (s *InMemory) WithinAction(ctx context.Context, contentID int64, fn func(ctx context.Context, tx ActionTx) error) error {
	lock := s.itemLock(contentID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	tx := &memTx{
		store:     s,
		contentID: contentID,
		approvals: append([]Approval(nil), s.approvals[contentID]...),
	}
	if rec, ok := s.adhoc[contentID]; ok {
		cloned := rec.Clone()
		tx.adhoc = &cloned
	}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.status != nil {
		s.statuses[tx.status.ContentID] = *tx.status
	}
	s.approvals[contentID] = tx.approvals
	if tx.adhocDeleted && tx.adhoc == nil {
		delete(s.adhoc, contentID)
	} else if tx.adhoc != nil {
		s.adhoc[contentID] = *tx.adhoc
	}
	return nil
}

func (s *InMemory) itemLock(contentID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.itemMu[contentID]
	if !ok {
		lock = &sync.Mutex{}
		s.itemMu[contentID] = lock
	}
	return lock
}

// memTx stages one action's writes; nothing is visible until WithinAction
// applies it.
type memTx struct {
	store        *InMemory
	contentID    int64
	status       *ContentStatus
	approvals    []Approval
	adhoc        *AdhocRecord
	adhocDeleted bool
}

var _ ActionTx = (*memTx)(nil)

func (tx *memTx) LockContentStatus(ctx context.Context, contentID int64) (ContentStatus, error) {
	// The per-item mutex is already held by WithinAction.
	return tx.store.LoadContentStatus(ctx, contentID)
}

func (tx *memTx) UpdateContentStatus(ctx context.Context, cs ContentStatus) error {
	copied := cs
	tx.status = &copied
	return nil
}

func (tx *memTx) InsertApproval(ctx context.Context, a Approval) error {
	tx.approvals = append(tx.approvals, a)
	return nil
}

func (tx *memTx) ClearApprovals(ctx context.Context, contentID int64) error {
	tx.approvals = nil
	return nil
}

func (tx *memTx) ReplaceAdhoc(ctx context.Context, contentID int64, rec AdhocRecord) error {
	cloned := rec.Clone()
	tx.adhoc = &cloned
	tx.adhocDeleted = false
	return nil
}

func (tx *memTx) DeleteAdhoc(ctx context.Context, contentID int64) error {
	tx.adhoc = nil
	tx.adhocDeleted = true
	return nil
}

func sortedTransitions(m map[int64]Transition) []Transition {
	out := make([]Transition, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
