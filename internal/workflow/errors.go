package workflow

import "errors"

var (
	// ErrInvalidInput marks malformed or missing request input. Fatal to
	// the single request, never retried.
	ErrInvalidInput = errors.New("workflow: invalid input")

	// ErrNotFound marks a missing workflow, state, transition, content or
	// ad-hoc row. Usually configuration drift; not retryable.
	ErrNotFound = errors.New("workflow: not found")

	// ErrNotAuthorized marks a role, community or checkout-ownership
	// violation. Surfaced to the user as "not allowed".
	ErrNotAuthorized = errors.New("workflow: not authorized")

	// ErrDuplicateApproval marks a user or role voting twice for the same
	// pending transition.
	ErrDuplicateApproval = errors.New("workflow: duplicate approval")

	// ErrInvalidRole marks an acting-role set that was filtered to empty
	// by the transition's role requirements rather than by prior votes.
	ErrInvalidRole = errors.New("workflow: role not eligible")

	// ErrRoleAssignment marks an ad-hoc classification failure: proposed
	// users for whom no destination role could be resolved.
	ErrRoleAssignment = errors.New("workflow: role assignment failed")

	// ErrConflict marks a state conflict such as checking in an item that
	// is not checked out, or a transition whose from-state no longer
	// matches the item.
	ErrConflict = errors.New("workflow: state conflict")

	// ErrContextOutOfSync marks use of an ad-hoc context whose backing
	// rows were already cleared; further persistence calls must fail fast.
	ErrContextOutOfSync = errors.New("workflow: adhoc context out of sync")
)
