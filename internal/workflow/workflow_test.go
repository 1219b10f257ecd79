package workflow

import (
	"time"
)

// Shared fixture: a three-state editorial workflow.
//
//	Draft(1) --submit--> Review(2) --publish--> Public(3) --unpublish--> Draft
//
// Draft knows Author (fixed) and Editor (fixed). Review adds Reviewer (ad-hoc
// normal) and Guest (ad-hoc anonymous).
const (
	wfID     = int64(1)
	stDraft  = int64(1)
	stReview = int64(2)
	stPublic = int64(3)

	roleAuthor   = int64(10)
	roleEditor   = int64(11)
	roleReviewer = int64(12)
	roleGuest    = int64(13)

	trSubmit    = int64(100)
	trPublish   = int64(101)
	trUnpublish = int64(102)

	itemID = int64(500)
)

var fixtureEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func draftRoles() []StateRoleAssignment {
	return []StateRoleAssignment{
		{RoleID: roleAuthor, RoleName: "Author", MinLevel: LevelAssignee, Adhoc: AdhocDisabled, NotifyOn: true},
		{RoleID: roleEditor, RoleName: "Editor", MinLevel: LevelAdmin, Adhoc: AdhocDisabled},
	}
}

func reviewRoles() []StateRoleAssignment {
	return []StateRoleAssignment{
		{RoleID: roleEditor, RoleName: "Editor", MinLevel: LevelAssignee, Adhoc: AdhocDisabled, NotifyOn: true},
		{RoleID: roleReviewer, RoleName: "Reviewer", MinLevel: LevelAssignee, Adhoc: AdhocNormal, NotifyOn: true},
		{RoleID: roleGuest, RoleName: "Guest", MinLevel: LevelReader, Adhoc: AdhocAnonymous},
	}
}

func publicRoles() []StateRoleAssignment {
	return []StateRoleAssignment{
		{RoleID: roleEditor, RoleName: "Editor", MinLevel: LevelAdmin, Adhoc: AdhocDisabled, NotifyOn: true},
	}
}

func newFixture() *InMemory {
	s := NewInMemory()
	s.PutWorkflowState(WorkflowState{ID: stDraft, WorkflowID: wfID, Name: "Draft", Roles: draftRoles()})
	s.PutWorkflowState(WorkflowState{ID: stReview, WorkflowID: wfID, Name: "Review", Roles: reviewRoles()})
	s.PutWorkflowState(WorkflowState{ID: stPublic, WorkflowID: wfID, Name: "Public", Publishable: true, Roles: publicRoles()})

	s.PutTransition(Transition{
		ID: trSubmit, WorkflowID: wfID, FromStateID: stDraft, ToStateID: stReview,
		Trigger: "submit", RequiredApprovals: 1, RequiredRoleIDs: []int64{roleAuthor},
	})
	s.PutTransition(Transition{
		ID: trPublish, WorkflowID: wfID, FromStateID: stReview, ToStateID: stPublic,
		Trigger: "publish", RequiredApprovals: 1, RequiredRoleIDs: []int64{roleEditor, roleReviewer},
	})
	s.PutTransition(Transition{
		ID: trUnpublish, WorkflowID: wfID, FromStateID: stPublic, ToStateID: stDraft,
		Trigger: "unpublish", RequiredApprovals: 1, RequiredRoleIDs: []int64{roleEditor},
	})

	s.SetUserRoles("ursula", []string{"Author"}, []int64{roleAuthor})
	s.SetUserRoles("ed", []string{"Editor"}, []int64{roleEditor})
	s.SetUserRoles("rita", []string{"Reviewer"}, []int64{roleReviewer})

	s.PutContentStatus(ContentStatus{
		ContentID:          itemID,
		WorkflowID:         wfID,
		StateID:            stDraft,
		TipRevision:        1,
		CurrentRevision:    1,
		StateEntered:       fixtureEpoch,
		RepeatedAgingStart: fixtureEpoch,
		LastTransition:     fixtureEpoch,
	})
	return s
}

// fixedClock swaps the engine clock for deterministic aging assertions.
func fixedClock(e *Engine, at time.Time) {
	e.now = func() time.Time { return at }
}
