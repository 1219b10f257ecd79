package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Action selects what PerformAction does with the item.
type Action string

const (
	ActionCheckout   Action = "checkout"
	ActionCheckin    Action = "checkin"
	ActionTransition Action = "transition"
)

// SystemActor is the user name aging-driven transitions run under.
const SystemActor = "system"

// ActionRequest carries one inbound action. It is immutable for the
// duration of the request; computed values travel in ActionResult.
type ActionRequest struct {
	ContentID int64
	UserName  string
	RoleNames []string
	Action    Action

	// Trigger names the transition for ActionTransition.
	Trigger string

	// Revision is the revision a check-out asks for; 0 means the current
	// edit revision. SameRevision suppresses tip-revision allocation.
	Revision     int64
	SameRevision bool

	Administrator bool
	AdhocUsers    []string
	Comment       string
}

// ActionResult reports the outcome of one action. Performed false with a
// nil error means the action was valid but did not complete (pending
// quorum, or an idempotent re-check-out).
type ActionResult struct {
	Performed    bool     `json:"performed"`
	NewStateID   int64    `json:"new_state_id"`
	NewRevision  int64    `json:"new_revision"`
	CheckoutUser string   `json:"checkout_user,omitempty"`
	CheckedOut   bool     `json:"checked_out"`
	TransitionID int64    `json:"transition_id,omitempty"`
	FromUsers    []string `json:"from_state_users,omitempty"`
	ToUsers      []string `json:"to_state_users,omitempty"`
}

// SweepResult reports one aging sweep run.
type SweepResult struct {
	Fired  []int64 `json:"fired"`
	Failed []int64 `json:"failed,omitempty"`
}

// Engine is the transition state machine. It is invoked synchronously per
// request and holds no mutable state of its own; per-item serialization
// happens inside Store.WithinAction, where every read-modify-write runs.
type Engine struct {
	store     Store
	resolver  *Resolver
	scheduler *Scheduler
	notifier  Notifier
	now       func() time.Time
}

// NewEngine wires an engine over the store. A nil notifier discards
// notifications.
func NewEngine(store Store, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		store:     store,
		resolver:  NewResolver(store),
		scheduler: NewScheduler(store),
		notifier:  notifier,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PerformAction authorizes and executes one check-out, check-in or
// transition against the item's current workflow state. The whole
// decide-and-commit sequence runs with the item locked; notification fires
// after a successful commit.
func (e *Engine) PerformAction(ctx context.Context, req ActionRequest) (ActionResult, error) {
	if err := validateRequest(req); err != nil {
		return ActionResult{}, err
	}

	var (
		res  ActionResult
		note *Notification
	)
	err := e.store.WithinAction(ctx, req.ContentID, func(ctx context.Context, tx ActionTx) error {
		status, err := tx.LockContentStatus(ctx, req.ContentID)
		if err != nil {
			return err
		}
		switch req.Action {
		case ActionCheckout:
			res, err = e.checkout(ctx, tx, req, status)
		case ActionCheckin:
			res, err = e.checkin(ctx, tx, req, status)
		case ActionTransition:
			var t Transition
			t, err = e.store.FindTransition(ctx, status.WorkflowID, status.StateID, req.Trigger)
			if err != nil {
				return err
			}
			res, note, err = e.transition(ctx, tx, req, status, t)
		default:
			err = fmt.Errorf("%w: unknown action %q", ErrInvalidInput, req.Action)
		}
		return err
	})
	if err != nil {
		return ActionResult{}, err
	}
	if note != nil {
		e.notifier.TransitionPerformed(ctx, *note)
	}
	return res, nil
}

// ResolveAssignmentType computes the caller's assignment level for the
// item's current state. A missing role roster is treated as "no roles".
func (e *Engine) ResolveAssignmentType(ctx context.Context, contentID int64, userName string, roleNames []string) (AssignmentLevel, error) {
	status, err := e.store.LoadContentStatus(ctx, contentID)
	if err != nil {
		return LevelNotInWorkflow, err
	}
	state, err := e.store.LoadWorkflowState(ctx, status.WorkflowID, status.StateID)
	if errors.Is(err, ErrNotFound) {
		return LevelNotInWorkflow, nil
	}
	if err != nil {
		return LevelNotInWorkflow, err
	}
	adhoc, err := loadOrEmptyAdhoc(ctx, e.store, contentID)
	if err != nil {
		return LevelNotInWorkflow, err
	}
	acting, err := e.resolver.ActingRoles(ctx, contentID, userName, roleNames, state.Roles, adhoc, false)
	if err != nil {
		return LevelNotInWorkflow, err
	}
	return AssignmentType(state.Roles, acting), nil
}

func (e *Engine) checkout(ctx context.Context, tx ActionTx, req ActionRequest, status ContentStatus) (ActionResult, error) {
	state, err := e.store.LoadWorkflowState(ctx, status.WorkflowID, status.StateID)
	if err != nil {
		return ActionResult{}, err
	}
	if state.Publishable {
		return ActionResult{}, fmt.Errorf("%w: content is in a publishable state", ErrNotAuthorized)
	}
	if !req.Administrator {
		if err := e.requireInWorkflow(ctx, req, state.Roles); err != nil {
			return ActionResult{}, err
		}
	}

	if status.CheckedOut() {
		if status.CheckedOutBy != req.UserName {
			return ActionResult{}, fmt.Errorf("%w: checked out by %s", ErrNotAuthorized, status.CheckedOutBy)
		}
		if req.Revision != 0 && req.Revision != status.EditRevision {
			return ActionResult{}, fmt.Errorf("%w: checked out at revision %d", ErrConflict, status.EditRevision)
		}
		// Idempotent re-check-out by the same user at the same revision.
		res := resultFromStatus(status, false, 0)
		res.NewRevision = status.EditRevision
		return res, nil
	}

	if req.SameRevision || (status.CurrentRevision == 1 && !status.RevisionLock) {
		status.EditRevision = status.CurrentRevision
	} else {
		status.TipRevision++
		status.EditRevision = status.TipRevision
	}
	status.CheckedOutBy = req.UserName

	if err := tx.UpdateContentStatus(ctx, status); err != nil {
		return ActionResult{}, err
	}
	res := resultFromStatus(status, true, 0)
	res.NewRevision = status.EditRevision
	return res, nil
}

func (e *Engine) checkin(ctx context.Context, tx ActionTx, req ActionRequest, status ContentStatus) (ActionResult, error) {
	if !status.CheckedOut() {
		return ActionResult{}, fmt.Errorf("%w: content is not checked out", ErrConflict)
	}
	if status.EditRevision == 0 {
		return ActionResult{}, fmt.Errorf("%w: no edit revision", ErrConflict)
	}
	if status.CheckedOutBy != req.UserName && !req.Administrator {
		return ActionResult{}, fmt.Errorf("%w: checked out by %s", ErrNotAuthorized, status.CheckedOutBy)
	}

	status.CurrentRevision = status.EditRevision
	status.CheckedOutBy = ""
	status.EditRevision = 0

	// First-ever aging computation happens on check-in.
	if status.NextAgingDate == nil && status.NextAgingTransID == 0 {
		if err := e.recomputeAging(ctx, &status, 0); err != nil {
			return ActionResult{}, err
		}
	}

	if err := tx.UpdateContentStatus(ctx, status); err != nil {
		return ActionResult{}, err
	}
	return resultFromStatus(status, true, 0), nil
}

func (e *Engine) transition(ctx context.Context, tx ActionTx, req ActionRequest, status ContentStatus, t Transition) (ActionResult, *Notification, error) {
	if t.FromStateID != status.StateID {
		return ActionResult{}, nil, fmt.Errorf("%w: transition %q starts from state %d, content is in state %d", ErrConflict, t.Trigger, t.FromStateID, status.StateID)
	}
	if status.CheckedOut() && !req.Administrator {
		return ActionResult{}, nil, fmt.Errorf("%w: checked out by %s", ErrNotAuthorized, status.CheckedOutBy)
	}
	if t.CommentRequired && strings.TrimSpace(req.Comment) == "" {
		return ActionResult{}, nil, fmt.Errorf("%w: transition %q requires a comment", ErrInvalidInput, t.Trigger)
	}

	state, err := e.store.LoadWorkflowState(ctx, status.WorkflowID, status.StateID)
	if err != nil {
		return ActionResult{}, nil, err
	}
	outgoing, err := loadOrEmptyAdhoc(ctx, e.store, req.ContentID)
	if err != nil {
		return ActionResult{}, nil, err
	}

	var eligible []int64
	if !req.Administrator {
		eligible, err = e.resolver.ActingRoles(ctx, req.ContentID, req.UserName, req.RoleNames, state.Roles, outgoing, true)
		if err != nil {
			return ActionResult{}, nil, err
		}
		if len(eligible) == 0 {
			return ActionResult{}, nil, fmt.Errorf("%w: user %s is not in the workflow", ErrNotAuthorized, req.UserName)
		}
	}

	dest, err := e.store.LoadWorkflowState(ctx, status.WorkflowID, t.ToStateID)
	if err != nil {
		return ActionResult{}, nil, err
	}

	// Classify ad-hoc proposals for the destination before any mutation; a
	// stranding failure aborts the whole transition.
	incoming := NewAdhocContext(req.ContentID)
	if t.SelfTransition() {
		incoming = cloneAdhoc(outgoing)
	}
	if err := incoming.Classify(ctx, e.resolver, req.AdhocUsers, dest.Roles); err != nil {
		return ActionResult{}, nil, err
	}

	ledger, err := LoadApprovalLedger(ctx, e.store, req.ContentID, t.ID)
	if err != nil {
		return ActionResult{}, nil, err
	}

	if !req.Administrator && t.RequiredApprovals != 0 {
		proceed, voteRole, err := e.evaluateQuorum(req.UserName, eligible, t, state.Roles, ledger)
		if err != nil {
			return ActionResult{}, nil, err
		}
		if !proceed {
			err := ledger.Record(ctx, tx, Approval{
				ContentID:    req.ContentID,
				TransitionID: t.ID,
				UserName:     req.UserName,
				RoleID:       voteRole,
				At:           e.now(),
			})
			if err != nil {
				return ActionResult{}, nil, err
			}
			return resultFromStatus(status, false, t.ID), nil, nil
		}
	}

	// Commit: status mutation, ledger clear and ad-hoc exchange share the
	// enclosing transactional boundary.
	now := e.now()
	if status.CheckedOut() && t.ToStateID != status.StateID {
		// Implicit forced check-in before leaving the state.
		if status.EditRevision != 0 {
			status.CurrentRevision = status.EditRevision
		}
		status.CheckedOutBy = ""
		status.EditRevision = 0
	}

	stateChanged := t.ToStateID != status.StateID
	hadSchedule := status.NextAgingDate != nil
	status.StateID = t.ToStateID
	status.LastTransition = now
	if stateChanged {
		status.StateEntered = now
		status.RepeatedAgingStart = now
		status.NextAgingDate = nil
		status.NextAgingTransID = 0
		if err := e.recomputeAging(ctx, &status, t.ID); err != nil {
			return ActionResult{}, nil, err
		}
	} else if t.Aging != AgingNone && hadSchedule {
		if t.Aging == AgingRepeated {
			status.RepeatedAgingStart = now
		}
		if err := e.recomputeAging(ctx, &status, t.ID); err != nil {
			return ActionResult{}, nil, err
		}
	}
	if dest.Publishable {
		status.RevisionLock = true
	}

	if err := tx.UpdateContentStatus(ctx, status); err != nil {
		return ActionResult{}, nil, err
	}
	if err := ledger.Clear(ctx, tx); err != nil {
		return ActionResult{}, nil, err
	}
	// Exchange contexts: the outgoing rows are removed but the memory copy
	// survives for notification; the incoming grants are written.
	if err := outgoing.EmptyEntries(ctx, tx, false); err != nil {
		return ActionResult{}, nil, err
	}
	if err := incoming.Commit(ctx, tx); err != nil {
		return ActionResult{}, nil, err
	}

	fromUsers, err := e.notificationUsers(ctx, state.Roles, outgoing)
	if err != nil {
		return ActionResult{}, nil, err
	}
	toUsers, err := e.notificationUsers(ctx, dest.Roles, incoming)
	if err != nil {
		return ActionResult{}, nil, err
	}

	res := resultFromStatus(status, true, t.ID)
	res.FromUsers = fromUsers
	res.ToUsers = toUsers
	note := &Notification{
		ContentID:      req.ContentID,
		TransitionID:   t.ID,
		Actor:          req.UserName,
		FromStateUsers: fromUsers,
		ToStateUsers:   toUsers,
		OccurredAt:     now,
	}
	return res, note, nil
}

// evaluateQuorum applies the non-administrator quorum arithmetic. It
// returns whether the transition may proceed now and, when it may not, the
// role to record this caller's vote under.
func (e *Engine) evaluateQuorum(userName string, eligible []int64, t Transition, roster []StateRoleAssignment, ledger *ApprovalLedger) (bool, int64, error) {
	if ledger.HasUserActed(userName) {
		return false, 0, fmt.Errorf("%w: %s already approved transition %q", ErrDuplicateApproval, userName, t.Trigger)
	}

	var candidates []int64
	for _, id := range eligible {
		if t.SpecifiedRolesOnly && !t.AllowsRole(id) {
			continue
		}
		if !ledger.HasRoleActed(id) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		for _, id := range eligible {
			if ledger.HasRoleActed(id) {
				return false, 0, fmt.Errorf("%w: every acting role already approved %q", ErrDuplicateApproval, t.Trigger)
			}
		}
		return false, 0, fmt.Errorf("%w: no acting role may approve %q", ErrInvalidRole, t.Trigger)
	}

	if t.RequiredApprovals == RequiredEveryRole {
		required := t.RequiredRoleIDs
		if len(required) == 0 {
			for _, sr := range roster {
				required = append(required, sr.RoleID)
			}
		}
		for _, id := range required {
			if ledger.HasRoleActed(id) || containsID(candidates, id) {
				continue
			}
			return false, candidates[0], nil
		}
		return true, 0, nil
	}

	needed := t.RequiredApprovals - ledger.ApprovedCount() - 1
	if needed > 0 {
		return false, candidates[0], nil
	}
	return true, 0, nil
}

// FireAging performs the scheduled aging transition for one item as the
// system actor.
func (e *Engine) FireAging(ctx context.Context, contentID int64) (ActionResult, error) {
	var (
		res  ActionResult
		note *Notification
	)
	err := e.store.WithinAction(ctx, contentID, func(ctx context.Context, tx ActionTx) error {
		status, err := tx.LockContentStatus(ctx, contentID)
		if err != nil {
			return err
		}
		if status.NextAgingTransID == 0 {
			return fmt.Errorf("%w: no aging transition scheduled for content %d", ErrConflict, contentID)
		}
		t, err := e.store.LoadTransition(ctx, status.NextAgingTransID)
		if err != nil {
			return err
		}
		req := ActionRequest{
			ContentID:     contentID,
			UserName:      SystemActor,
			RoleNames:     []string{SystemActor},
			Action:        ActionTransition,
			Trigger:       t.Trigger,
			Administrator: true,
		}
		res, note, err = e.transition(ctx, tx, req, status, t)
		return err
	})
	if err != nil {
		return ActionResult{}, err
	}
	if note != nil {
		e.notifier.TransitionPerformed(ctx, *note)
	}
	return res, nil
}

// RunAgingSweep fires every aging transition due at the given instant.
// Per-item failures do not stop the sweep.
func (e *Engine) RunAgingSweep(ctx context.Context, now time.Time, limit int) (SweepResult, error) {
	ids, err := e.store.ListDueAging(ctx, now, limit)
	if err != nil {
		return SweepResult{}, err
	}
	var res SweepResult
	for _, id := range ids {
		if _, err := e.FireAging(ctx, id); err != nil {
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Fired = append(res.Fired, id)
	}
	return res, nil
}

func (e *Engine) recomputeAging(ctx context.Context, status *ContentStatus, firedTransitionID int64) error {
	cand, ok, err := e.scheduler.NextAging(ctx, *status, firedTransitionID)
	if err != nil {
		return err
	}
	if ok {
		d := cand.Date
		status.NextAgingDate = &d
		status.NextAgingTransID = cand.TransitionID
	} else {
		status.NextAgingDate = nil
		status.NextAgingTransID = 0
	}
	return nil
}

// requireInWorkflow rejects callers whose acting-role set is empty.
func (e *Engine) requireInWorkflow(ctx context.Context, req ActionRequest, roles []StateRoleAssignment) error {
	adhoc, err := loadOrEmptyAdhoc(ctx, e.store, req.ContentID)
	if err != nil {
		return err
	}
	acting, err := e.resolver.ActingRoles(ctx, req.ContentID, req.UserName, req.RoleNames, roles, adhoc, true)
	if err != nil {
		return err
	}
	if len(acting) == 0 {
		return fmt.Errorf("%w: user %s is not in the workflow", ErrNotAuthorized, req.UserName)
	}
	return nil
}

// notificationUsers resolves the user set behind the notify-enabled roles of
// a state roster, combining fixed role membership with the item's ad-hoc
// grants.
func (e *Engine) notificationUsers(ctx context.Context, roles []StateRoleAssignment, adhoc *AdhocContext) ([]string, error) {
	var fixedIDs, notifyIDs []int64
	for _, sr := range roles {
		if !sr.NotifyOn {
			continue
		}
		notifyIDs = append(notifyIDs, sr.RoleID)
		if sr.Adhoc == AdhocDisabled {
			fixedIDs = append(fixedIDs, sr.RoleID)
		}
	}
	if len(notifyIDs) == 0 {
		return nil, nil
	}

	set := make(map[string]struct{})
	if len(fixedIDs) > 0 {
		users, err := e.store.UsersInRoles(ctx, fixedIDs)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			set[u] = struct{}{}
		}
	}
	if adhoc != nil {
		for _, u := range adhoc.NormalUsers() {
			for _, id := range adhoc.NormalRoles(u) {
				if containsID(notifyIDs, id) {
					set[u] = struct{}{}
					break
				}
			}
		}
		anonMatches := false
		for _, id := range adhoc.AnonymousRoles() {
			if containsID(notifyIDs, id) {
				anonMatches = true
				break
			}
		}
		if anonMatches {
			for _, u := range adhoc.AnonymousUsers() {
				set[u] = struct{}{}
			}
		}
	}

	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func validateRequest(req ActionRequest) error {
	if req.ContentID <= 0 {
		return fmt.Errorf("%w: content id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.UserName) == "" {
		return fmt.Errorf("%w: user name is required", ErrInvalidInput)
	}
	if len(req.RoleNames) == 0 {
		return fmt.Errorf("%w: role list is required", ErrInvalidInput)
	}
	if req.Action == ActionTransition && strings.TrimSpace(req.Trigger) == "" {
		return fmt.Errorf("%w: trigger is required", ErrInvalidInput)
	}
	return nil
}

func cloneAdhoc(src *AdhocContext) *AdhocContext {
	dst := NewAdhocContext(src.contentID)
	for u, roles := range src.normal {
		dst.normal[u] = append([]int64(nil), roles...)
	}
	dst.anonUsers = append([]string(nil), src.anonUsers...)
	dst.anonRoles = append([]int64(nil), src.anonRoles...)
	return dst
}

func resultFromStatus(status ContentStatus, performed bool, transitionID int64) ActionResult {
	return ActionResult{
		Performed:    performed,
		NewStateID:   status.StateID,
		NewRevision:  status.CurrentRevision,
		CheckoutUser: status.CheckedOutBy,
		CheckedOut:   status.CheckedOut(),
		TransitionID: transitionID,
	}
}
