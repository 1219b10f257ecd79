package workflow

import (
	"context"
)

// ApprovalLedger is the per-item record of which users and roles have
// already approved the pending transition. Rows for a different transition
// indicate an abandoned attempt and are cleared by the engine before quorum
// is evaluated.
type ApprovalLedger struct {
	contentID    int64
	transitionID int64
	entries      []Approval

	// stale holds rows recorded against a different transition.
	stale []Approval
}

// LoadApprovalLedger reads the item's approval rows and partitions them by
// the transition being attempted.
func LoadApprovalLedger(ctx context.Context, store Store, contentID, transitionID int64) (*ApprovalLedger, error) {
	rows, err := store.LoadApprovals(ctx, contentID)
	if err != nil {
		return nil, err
	}
	l := &ApprovalLedger{contentID: contentID, transitionID: transitionID}
	for _, a := range rows {
		if a.TransitionID == transitionID {
			l.entries = append(l.entries, a)
		} else {
			l.stale = append(l.stale, a)
		}
	}
	return l, nil
}

// HasUserActed reports whether the user already voted for this transition.
func (l *ApprovalLedger) HasUserActed(userName string) bool {
	for _, a := range l.entries {
		if a.UserName == userName {
			return true
		}
	}
	return false
}

// HasRoleActed reports whether the role already has a vote on record.
func (l *ApprovalLedger) HasRoleActed(roleID int64) bool {
	for _, a := range l.entries {
		if a.RoleID == roleID {
			return true
		}
	}
	return false
}

// ApprovedCount returns the number of votes recorded for this transition.
func (l *ApprovalLedger) ApprovedCount() int { return len(l.entries) }

// HasStale reports whether rows for a different transition exist.
func (l *ApprovalLedger) HasStale() bool { return len(l.stale) > 0 }

// Record appends one vote in memory and persists it through the action
// transaction. Stale rows for other transitions are dropped first so the
// ledger only ever describes the currently pending transition.
func (l *ApprovalLedger) Record(ctx context.Context, tx ActionTx, a Approval) error {
	if l.HasStale() {
		if err := l.clearStale(ctx, tx); err != nil {
			return err
		}
	}
	if err := tx.InsertApproval(ctx, a); err != nil {
		return err
	}
	l.entries = append(l.entries, a)
	return nil
}

// Clear removes every approval row for the item.
func (l *ApprovalLedger) Clear(ctx context.Context, tx ActionTx) error {
	if err := tx.ClearApprovals(ctx, l.contentID); err != nil {
		return err
	}
	l.entries = nil
	l.stale = nil
	return nil
}

// clearStale rewrites the row set to just this transition's votes.
func (l *ApprovalLedger) clearStale(ctx context.Context, tx ActionTx) error {
	if err := tx.ClearApprovals(ctx, l.contentID); err != nil {
		return err
	}
	for _, a := range l.entries {
		if err := tx.InsertApproval(ctx, a); err != nil {
			return err
		}
	}
	l.stale = nil
	return nil
}
