package workflow

import (
	"time"
)

// AssignmentLevel is the ordinal authorization tier a role grants within a
// workflow state.
type AssignmentLevel int

const (
	// LevelNotInWorkflow means the user holds no role in the state at all.
	LevelNotInWorkflow AssignmentLevel = -1

	LevelNone     AssignmentLevel = 0
	LevelReader   AssignmentLevel = 1
	LevelAssignee AssignmentLevel = 2
	LevelAdmin    AssignmentLevel = 3
)

func (l AssignmentLevel) String() string {
	switch l {
	case LevelNotInWorkflow:
		return "not_in_workflow"
	case LevelNone:
		return "none"
	case LevelReader:
		return "reader"
	case LevelAssignee:
		return "assignee"
	case LevelAdmin:
		return "admin"
	}
	return "unknown"
}

// AdhocCategory classifies how a state role may be granted ad hoc.
type AdhocCategory int

const (
	AdhocDisabled  AdhocCategory = 0
	AdhocNormal    AdhocCategory = 1
	AdhocAnonymous AdhocCategory = 2
)

// AgingKind classifies how an automatic transition computes its firing date.
type AgingKind int

const (
	AgingNone     AgingKind = 0
	AgingAbsolute AgingKind = 1 // fixed interval from state entry
	AgingRepeated AgingKind = 2 // repeating interval
	AgingField    AgingKind = 3 // date-valued content field
)

// SystemField names a date-valued content field usable by field-driven aging.
type SystemField string

const (
	FieldContentStart  SystemField = "CONTENTSTARTDATE"
	FieldContentExpiry SystemField = "CONTENTEXPIRYDATE"
	FieldReminder      SystemField = "REMINDERDATE"
)

// KnownSystemField reports whether the field name is one aging supports.
func KnownSystemField(f SystemField) bool {
	switch f {
	case FieldContentStart, FieldContentExpiry, FieldReminder:
		return true
	}
	return false
}

// ObjectType distinguishes plain content items from folders.
type ObjectType int

const (
	ObjectItem   ObjectType = 0
	ObjectFolder ObjectType = 1
)

// RequiredEveryRole is the sentinel value of Transition.RequiredApprovals
// meaning every role in the roster must approve before the transition fires.
const RequiredEveryRole = -1

// ContentStatus is the mutable per-item workflow record. Every field after
// the identifiers is mutated exclusively by the Engine during an authorized
// action.
type ContentStatus struct {
	ContentID   int64      `json:"content_id"`
	WorkflowID  int64      `json:"workflow_id"`
	StateID     int64      `json:"state_id"`
	CommunityID int64      `json:"community_id"`
	ObjectType  ObjectType `json:"object_type"`

	CheckedOutBy    string `json:"checked_out_by,omitempty"`
	TipRevision     int64  `json:"tip_revision"`
	EditRevision    int64  `json:"edit_revision,omitempty"` // 0 = no edit revision
	CurrentRevision int64  `json:"current_revision"`
	RevisionLock    bool   `json:"revision_lock"`

	LastTransition     time.Time  `json:"last_transition"`
	StateEntered       time.Time  `json:"state_entered"`
	RepeatedAgingStart time.Time  `json:"repeated_aging_start"`
	NextAgingDate      *time.Time `json:"next_aging_date,omitempty"`
	NextAgingTransID   int64      `json:"next_aging_transition_id,omitempty"`
}

// CheckedOut reports whether the item currently has an editor.
func (cs ContentStatus) CheckedOut() bool { return cs.CheckedOutBy != "" }

// WorkflowState is an immutable-per-query snapshot of one state and its role
// roster.
type WorkflowState struct {
	ID          int64                 `json:"id"`
	WorkflowID  int64                 `json:"workflow_id"`
	Name        string                `json:"name"`
	Publishable bool                  `json:"publishable"`
	Unpublish   bool                  `json:"unpublish"`
	Roles       []StateRoleAssignment `json:"roles"`
}

// StateRoleAssignment declares one role's participation in a state. Loaded
// per (workflow, state) query and never mutated.
type StateRoleAssignment struct {
	RoleID   int64           `json:"role_id"`
	RoleName string          `json:"role_name"`
	MinLevel AssignmentLevel `json:"min_level"`
	Adhoc    AdhocCategory   `json:"adhoc"`
	NotifyOn bool            `json:"notify_on"`
}

// Transition describes one edge of the workflow graph. Read-only per
// workflow; several states may share a self-transition.
type Transition struct {
	ID          int64  `json:"id"`
	WorkflowID  int64  `json:"workflow_id"`
	FromStateID int64  `json:"from_state_id"`
	ToStateID   int64  `json:"to_state_id"`
	Trigger     string `json:"trigger"`

	// RequiredApprovals is a positive quorum, or RequiredEveryRole.
	RequiredApprovals  int     `json:"required_approvals"`
	RequiredRoleIDs    []int64 `json:"required_role_ids,omitempty"`
	SpecifiedRolesOnly bool    `json:"specified_roles_only"`
	CommentRequired    bool    `json:"comment_required"`

	Aging         AgingKind     `json:"aging"`
	AgingInterval time.Duration `json:"aging_interval,omitempty"`
	AgingField    SystemField   `json:"aging_field,omitempty"`
}

// SelfTransition reports whether the transition stays in its from-state.
func (t Transition) SelfTransition() bool { return t.FromStateID == t.ToStateID }

// AllowsRole reports whether the role id is in the transition's required
// role list; an empty list allows every role.
func (t Transition) AllowsRole(roleID int64) bool {
	if len(t.RequiredRoleIDs) == 0 {
		return true
	}
	for _, id := range t.RequiredRoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// Approval is one recorded vote for the transition currently pending on a
// content item. At most one row exists per (user, role).
type Approval struct {
	ContentID    int64     `json:"content_id"`
	TransitionID int64     `json:"transition_id"`
	UserName     string    `json:"user_name"`
	RoleID       int64     `json:"role_id"`
	At           time.Time `json:"at"`
}

// AdhocRecord is the persisted shape of a content item's ad-hoc grants:
// normal (user -> explicitly granted role ids) and anonymous (shared user
// list, shared role list). A user appears in at most one of the two sets.
type AdhocRecord struct {
	Normal         map[string][]int64 `json:"normal,omitempty"`
	AnonymousUsers []string           `json:"anonymous_users,omitempty"`
	AnonymousRoles []int64            `json:"anonymous_roles,omitempty"`
}

// Empty reports whether the record carries no grant at all.
func (r AdhocRecord) Empty() bool {
	return len(r.Normal) == 0 && len(r.AnonymousUsers) == 0 && len(r.AnonymousRoles) == 0
}

// Clone deep-copies the record.
func (r AdhocRecord) Clone() AdhocRecord {
	out := AdhocRecord{}
	if len(r.Normal) > 0 {
		out.Normal = make(map[string][]int64, len(r.Normal))
		for user, roles := range r.Normal {
			out.Normal[user] = append([]int64(nil), roles...)
		}
	}
	out.AnonymousUsers = append([]string(nil), r.AnonymousUsers...)
	out.AnonymousRoles = append([]int64(nil), r.AnonymousRoles...)
	return out
}

// Notification is handed to the notification sink after a performed
// transition. User sets are computed from notify-enabled state roles of the
// source and destination states.
type Notification struct {
	ContentID      int64     `json:"content_id"`
	TransitionID   int64     `json:"transition_id"`
	Actor          string    `json:"actor"`
	FromStateUsers []string  `json:"from_state_users"`
	ToStateUsers   []string  `json:"to_state_users"`
	OccurredAt     time.Time `json:"occurred_at"`
}
