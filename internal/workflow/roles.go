package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Resolver computes the set of roles a user is currently acting in for a
// workflow state, combining fixed assignment, ad-hoc normal assignment and
// ad-hoc anonymous assignment, each filtered by the item's community.
type Resolver struct {
	store Store
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// ActingRoles returns the sorted role ids the user acts in for the given
// state roster. authPhase additionally re-intersects ad-hoc normal grants
// with the user's own role membership, closing a privilege-escalation gap
// on the authorization path.
//
// An empty result is valid and means "not in workflow"; callers decide what
// that implies for authorization.
func (r *Resolver) ActingRoles(ctx context.Context, contentID int64, userName string, userRoleNames []string, stateRoles []StateRoleAssignment, adhoc *AdhocContext, authPhase bool) ([]int64, error) {
	userName = strings.TrimSpace(userName)
	if userName == "" {
		return nil, fmt.Errorf("%w: user name is required", ErrInvalidInput)
	}
	if len(userRoleNames) == 0 {
		return nil, fmt.Errorf("%w: user role list is required", ErrInvalidInput)
	}

	names := make(map[string]struct{}, len(userRoleNames))
	for _, n := range userRoleNames {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, fmt.Errorf("%w: blank role name", ErrInvalidInput)
		}
		names[n] = struct{}{}
	}

	// Role ids the user holds by name, over the whole roster. Used for the
	// fixed step, the auth-phase re-intersection and the orphan fold-back.
	member := make(map[int64]struct{})
	for _, sr := range stateRoles {
		if _, ok := names[sr.RoleName]; ok {
			member[sr.RoleID] = struct{}{}
		}
	}

	acting := make(map[int64]struct{})

	// Fixed roles: roster entries not open to ad-hoc grants.
	for _, sr := range stateRoles {
		if sr.Adhoc != AdhocDisabled {
			continue
		}
		if _, ok := member[sr.RoleID]; ok {
			acting[sr.RoleID] = struct{}{}
		}
	}

	if adhoc != nil {
		// Ad-hoc normal grant for this user.
		for _, id := range adhoc.NormalRoles(userName) {
			if authPhase {
				if _, ok := member[id]; !ok {
					continue
				}
			}
			acting[id] = struct{}{}
		}

		// Ad-hoc anonymous set membership.
		if adhoc.IsAnonymousUser(userName) {
			for _, id := range adhoc.AnonymousRoles() {
				acting[id] = struct{}{}
			}
		}
	}

	// Orphan ad-hoc roles: roster entries open to ad-hoc grants that have
	// no grantee at all behave as open. The normal variant still requires
	// role membership; the anonymous variant does not.
	for _, sr := range stateRoles {
		switch sr.Adhoc {
		case AdhocNormal:
			if adhoc != nil && adhoc.HasNormalGrant(sr.RoleID) {
				continue
			}
			if _, ok := member[sr.RoleID]; ok {
				acting[sr.RoleID] = struct{}{}
			}
		case AdhocAnonymous:
			if adhoc != nil && adhoc.HasAnonymousGrant(sr.RoleID) {
				continue
			}
			acting[sr.RoleID] = struct{}{}
		}
	}

	if len(acting) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(acting))
	for id := range acting {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	filtered, err := r.store.FilterRolesByCommunity(ctx, contentID, ids)
	if err != nil {
		return nil, err
	}
	return filtered, nil
}

// AdhocNormalEligible resolves the destination-state roles a proposed user
// could be granted ad hoc: roster entries in the normal ad-hoc category the
// user is a member of, filtered by the item's community. Used by ad-hoc
// classification; the proposed user is usually not the acting user, so role
// membership is looked up here.
func (r *Resolver) AdhocNormalEligible(ctx context.Context, contentID int64, userName string, stateRoles []StateRoleAssignment) ([]int64, error) {
	userName = strings.TrimSpace(userName)
	if userName == "" {
		return nil, fmt.Errorf("%w: user name is required", ErrInvalidInput)
	}
	roleNames, err := r.store.LookupUserRoleNames(ctx, userName)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(roleNames))
	for _, n := range roleNames {
		names[n] = struct{}{}
	}

	var ids []int64
	for _, sr := range stateRoles {
		if sr.Adhoc != AdhocNormal {
			continue
		}
		if _, ok := names[sr.RoleName]; ok {
			ids = append(ids, sr.RoleID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return r.store.FilterRolesByCommunity(ctx, contentID, ids)
}

// AssignmentType reduces the acting-role set to the maximum assignment level
// declared in the roster, or LevelNotInWorkflow for an empty set.
func AssignmentType(stateRoles []StateRoleAssignment, actingRoles []int64) AssignmentLevel {
	if len(actingRoles) == 0 {
		return LevelNotInWorkflow
	}
	levels := make(map[int64]AssignmentLevel, len(stateRoles))
	for _, sr := range stateRoles {
		levels[sr.RoleID] = sr.MinLevel
	}
	max := LevelNotInWorkflow
	for _, id := range actingRoles {
		if lvl, ok := levels[id]; ok && lvl > max {
			max = lvl
		}
	}
	if max == LevelNotInWorkflow {
		return LevelNotInWorkflow
	}
	return max
}
