package workflow

import (
	"context"
	"time"
)

// Store is the persistence collaborator the engine reads through. All
// lookups return fresh snapshots; nothing here is cached across requests.
type Store interface {
	LoadContentStatus(ctx context.Context, contentID int64) (ContentStatus, error)
	LoadWorkflowState(ctx context.Context, workflowID, stateID int64) (WorkflowState, error)
	LoadTransition(ctx context.Context, transitionID int64) (Transition, error)
	FindTransition(ctx context.Context, workflowID, fromStateID int64, trigger string) (Transition, error)
	ListTransitionsFrom(ctx context.Context, workflowID, stateID int64) ([]Transition, error)
	LoadStateRoles(ctx context.Context, workflowID, stateID int64, minLevel AssignmentLevel) ([]StateRoleAssignment, error)

	LookupUserRoleNames(ctx context.Context, userName string) ([]string, error)
	UsersInRoles(ctx context.Context, roleIDs []int64) ([]string, error)
	FilterRolesByCommunity(ctx context.Context, contentID int64, roleIDs []int64) ([]int64, error)
	ContentDateField(ctx context.Context, contentID int64, field SystemField) (*time.Time, error)

	LoadAdhoc(ctx context.Context, contentID int64) (AdhocRecord, error)
	LoadApprovals(ctx context.Context, contentID int64) ([]Approval, error)

	// ListDueAging returns content ids whose scheduled aging date is at or
	// before the given instant, oldest first.
	ListDueAging(ctx context.Context, before time.Time, limit int) ([]int64, error)

	// WithinAction runs fn inside one transactional boundary with the
	// content-status row locked for the duration. The engine's
	// read-modify-write of status, ledger and ad-hoc rows all happen
	// through the ActionTx so a failure leaves no partial state.
	WithinAction(ctx context.Context, contentID int64, fn func(ctx context.Context, tx ActionTx) error) error
}

// ActionTx is one action's transactional view. Implementations must apply
// all mutations atomically with the enclosing WithinAction.
type ActionTx interface {
	// LockContentStatus reads the status row with the item lock held, so
	// the engine's read-modify-write cannot interleave with a concurrent
	// action on the same item.
	LockContentStatus(ctx context.Context, contentID int64) (ContentStatus, error)

	UpdateContentStatus(ctx context.Context, cs ContentStatus) error
	InsertApproval(ctx context.Context, a Approval) error
	ClearApprovals(ctx context.Context, contentID int64) error
	ReplaceAdhoc(ctx context.Context, contentID int64, rec AdhocRecord) error
	DeleteAdhoc(ctx context.Context, contentID int64) error
}

// Notifier receives the role/user sets to notify after a performed
// transition. Delivery (mail, UI, queue) is a downstream concern.
type Notifier interface {
	TransitionPerformed(ctx context.Context, n Notification)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) TransitionPerformed(context.Context, Notification) {}
