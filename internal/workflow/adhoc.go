package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// AdhocContext is the per-item, in-memory view of ad-hoc role grants. It is
// loaded at the start of an action, mutated while the action decides, and
// either committed (delete + reinsert) or cleared inside the same
// transaction as the content-status update.
//
// Clearing with keepMemory semantics (EmptyEntries(false)) preserves the
// in-memory copy so notification can still see who was ad-hoc before the
// rows were deleted, and marks the context stale: any further Commit or
// EmptyEntries fails with ErrContextOutOfSync.
type AdhocContext struct {
	contentID int64

	normal    map[string][]int64
	anonUsers []string
	anonRoles []int64

	dataOutOfSync bool
}

// NewAdhocContext returns an empty context for the given item.
func NewAdhocContext(contentID int64) *AdhocContext {
	return &AdhocContext{
		contentID: contentID,
		normal:    make(map[string][]int64),
	}
}

// LoadAdhocContext reads the persisted grants for the item. A missing row
// set is ErrNotFound; an existing but empty record is a valid empty context.
func LoadAdhocContext(ctx context.Context, store Store, contentID int64) (*AdhocContext, error) {
	rec, err := store.LoadAdhoc(ctx, contentID)
	if err != nil {
		return nil, err
	}
	ac := NewAdhocContext(contentID)
	for user, roles := range rec.Normal {
		ac.normal[user] = append([]int64(nil), roles...)
	}
	ac.anonUsers = append([]string(nil), rec.AnonymousUsers...)
	ac.anonRoles = append([]int64(nil), rec.AnonymousRoles...)
	return ac, nil
}

// loadOrEmptyAdhoc is the best-effort variant used on read paths: a missing
// row set degrades to an empty context.
func loadOrEmptyAdhoc(ctx context.Context, store Store, contentID int64) (*AdhocContext, error) {
	ac, err := LoadAdhocContext(ctx, store, contentID)
	if errors.Is(err, ErrNotFound) {
		return NewAdhocContext(contentID), nil
	}
	if err != nil {
		return nil, err
	}
	return ac, nil
}

// ContentID returns the item the context belongs to.
func (ac *AdhocContext) ContentID() int64 { return ac.contentID }

// AddNormal merges role ids into the user's normal grant, creating the grant
// if needed. The user is removed from the anonymous set to keep the two
// sets disjoint.
func (ac *AdhocContext) AddNormal(userName string, roleIDs []int64) error {
	userName = strings.TrimSpace(userName)
	if userName == "" {
		return fmt.Errorf("%w: user name is required", ErrInvalidInput)
	}
	if len(roleIDs) == 0 {
		return fmt.Errorf("%w: role ids are required", ErrInvalidInput)
	}
	existing := ac.normal[userName]
	for _, id := range roleIDs {
		if !containsID(existing, id) {
			existing = append(existing, id)
		}
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i] < existing[j] })
	ac.normal[userName] = existing
	ac.anonUsers = removeString(ac.anonUsers, userName)
	return nil
}

// SetAnonymous replaces the anonymous set atomically. Both lists must be nil
// together or non-nil together.
func (ac *AdhocContext) SetAnonymous(userNames []string, roleIDs []int64) error {
	if (userNames == nil) != (roleIDs == nil) {
		return fmt.Errorf("%w: anonymous user and role lists must be set together", ErrInvalidInput)
	}
	ac.anonUsers = append([]string(nil), userNames...)
	ac.anonRoles = append([]int64(nil), roleIDs...)
	// Keep the sets disjoint: a user with a normal grant never appears in
	// the anonymous list.
	kept := ac.anonUsers[:0]
	for _, u := range ac.anonUsers {
		if _, ok := ac.normal[u]; !ok {
			kept = append(kept, u)
		}
	}
	ac.anonUsers = kept
	return nil
}

// NormalRoles returns the role ids granted to the user, or nil.
func (ac *AdhocContext) NormalRoles(userName string) []int64 {
	return append([]int64(nil), ac.normal[userName]...)
}

// NormalUsers returns the users holding a normal grant, sorted.
func (ac *AdhocContext) NormalUsers() []string {
	users := make([]string, 0, len(ac.normal))
	for u := range ac.normal {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// IsAnonymousUser reports whether the user is in the anonymous set.
func (ac *AdhocContext) IsAnonymousUser(userName string) bool {
	for _, u := range ac.anonUsers {
		if u == userName {
			return true
		}
	}
	return false
}

// AnonymousUsers returns a copy of the anonymous user list.
func (ac *AdhocContext) AnonymousUsers() []string {
	return append([]string(nil), ac.anonUsers...)
}

// AnonymousRoles returns a copy of the shared anonymous role list.
func (ac *AdhocContext) AnonymousRoles() []int64 {
	return append([]int64(nil), ac.anonRoles...)
}

// HasNormalGrant reports whether any user holds a normal grant for the role.
func (ac *AdhocContext) HasNormalGrant(roleID int64) bool {
	for _, roles := range ac.normal {
		if containsID(roles, roleID) {
			return true
		}
	}
	return false
}

// HasAnonymousGrant reports whether the role is anonymously granted to a
// non-empty user set.
func (ac *AdhocContext) HasAnonymousGrant(roleID int64) bool {
	return len(ac.anonUsers) > 0 && containsID(ac.anonRoles, roleID)
}

// Record snapshots the in-memory state for persistence.
func (ac *AdhocContext) Record() AdhocRecord {
	rec := AdhocRecord{
		AnonymousUsers: append([]string(nil), ac.anonUsers...),
		AnonymousRoles: append([]int64(nil), ac.anonRoles...),
	}
	if len(ac.normal) > 0 {
		rec.Normal = make(map[string][]int64, len(ac.normal))
		for u, roles := range ac.normal {
			rec.Normal[u] = append([]int64(nil), roles...)
		}
	}
	return rec
}

// Classify resolves the proposed users' ad-hoc grants against the
// destination state's roster. Users with at least one eligible normal role
// get a normal grant; the rest are folded into the anonymous set if the
// destination has an anonymous ad-hoc role. If it does not, the whole call
// fails with ErrRoleAssignment naming the stranded users and nothing is
// mutated.
func (ac *AdhocContext) Classify(ctx context.Context, resolver *Resolver, proposedUsers []string, destRoles []StateRoleAssignment) error {
	if len(proposedUsers) == 0 {
		return nil
	}

	var anonRoleIDs []int64
	for _, sr := range destRoles {
		if sr.Adhoc == AdhocAnonymous {
			anonRoleIDs = append(anonRoleIDs, sr.RoleID)
		}
	}

	grants := make(map[string][]int64)
	var stranded []string
	for _, user := range proposedUsers {
		user = strings.TrimSpace(user)
		if user == "" {
			return fmt.Errorf("%w: blank proposed user", ErrInvalidInput)
		}
		eligible, err := resolver.AdhocNormalEligible(ctx, ac.contentID, user, destRoles)
		if err != nil {
			return err
		}
		if len(eligible) == 0 {
			stranded = append(stranded, user)
			continue
		}
		grants[user] = eligible
	}

	if len(stranded) > 0 && len(anonRoleIDs) == 0 {
		return fmt.Errorf("%w: no destination role for users %s", ErrRoleAssignment, strings.Join(stranded, ", "))
	}

	for user, roles := range grants {
		if err := ac.AddNormal(user, roles); err != nil {
			return err
		}
	}
	if len(stranded) > 0 {
		users := ac.AnonymousUsers()
		for _, u := range stranded {
			if !ac.IsAnonymousUser(u) {
				users = append(users, u)
			}
		}
		if err := ac.SetAnonymous(users, anonRoleIDs); err != nil {
			return err
		}
	}
	return nil
}

// Commit persists the in-memory grants as a delete + reinsert.
func (ac *AdhocContext) Commit(ctx context.Context, tx ActionTx) error {
	if ac.dataOutOfSync {
		return ErrContextOutOfSync
	}
	return tx.ReplaceAdhoc(ctx, ac.contentID, ac.Record())
}

// EmptyEntries clears the backing rows. With clearState the in-memory copy
// is dropped too; without it the copy survives for notification and the
// context becomes stale.
func (ac *AdhocContext) EmptyEntries(ctx context.Context, tx ActionTx, clearState bool) error {
	if ac.dataOutOfSync {
		return ErrContextOutOfSync
	}
	if err := tx.DeleteAdhoc(ctx, ac.contentID); err != nil {
		return err
	}
	if clearState {
		ac.normal = make(map[string][]int64)
		ac.anonUsers = nil
		ac.anonRoles = nil
	} else {
		ac.dataOutOfSync = true
	}
	return nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
