package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"contentflow.org/internal/workflow"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

func (s *Store) LookupUserRoleNames(ctx context.Context, userName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.name
		from user_role ur
		join role r on r.id = ur.role_id
		where ur.user_name=$1
		order by r.name
	`, userName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Store) UsersInRoles(ctx context.Context, roleIDs []int64) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	placeholders, args := int64Args(roleIDs)
	rows, err := s.db.QueryContext(ctx, `
		select distinct user_name from user_role
		where role_id in (`+placeholders+`)
		order by user_name
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// FilterRolesByCommunity intersects the role ids with the item's community
// restriction. An item with no restriction rows admits every role.
func (s *Store) FilterRolesByCommunity(ctx context.Context, contentID int64, roleIDs []int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		select role_id from community_role where content_id=$1
	`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	allowed := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		allowed[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(allowed) == 0 {
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

func (s *Store) LoadAdhoc(ctx context.Context, contentID int64) (workflow.AdhocRecord, error) {
	var marker int64
	err := s.db.QueryRowContext(ctx, `
		select content_id from adhoc_context where content_id=$1
	`, contentID).Scan(&marker)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.AdhocRecord{}, fmt.Errorf("%w: adhoc grants for content %d", workflow.ErrNotFound, contentID)
	}
	if err != nil {
		return workflow.AdhocRecord{}, err
	}

	rec := workflow.AdhocRecord{}
	rows, err := s.db.QueryContext(ctx, `
		select user_name, role_id from adhoc_normal where content_id=$1 order by user_name, role_id
	`, contentID)
	if err != nil {
		return workflow.AdhocRecord{}, err
	}
	for rows.Next() {
		var user string
		var roleID int64
		if err := rows.Scan(&user, &roleID); err != nil {
			rows.Close()
			return workflow.AdhocRecord{}, err
		}
		if rec.Normal == nil {
			rec.Normal = make(map[string][]int64)
		}
		rec.Normal[user] = append(rec.Normal[user], roleID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return workflow.AdhocRecord{}, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		select user_name from adhoc_anonymous_user where content_id=$1 order by user_name
	`, contentID)
	if err != nil {
		return workflow.AdhocRecord{}, err
	}
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			rows.Close()
			return workflow.AdhocRecord{}, err
		}
		rec.AnonymousUsers = append(rec.AnonymousUsers, user)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return workflow.AdhocRecord{}, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		select role_id from adhoc_anonymous_role where content_id=$1 order by role_id
	`, contentID)
	if err != nil {
		return workflow.AdhocRecord{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var roleID int64
		if err := rows.Scan(&roleID); err != nil {
			return workflow.AdhocRecord{}, err
		}
		rec.AnonymousRoles = append(rec.AnonymousRoles, roleID)
	}
	return rec, rows.Err()
}

func (s *Store) LoadApprovals(ctx context.Context, contentID int64) ([]workflow.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		select content_id, transition_id, user_name, role_id, approved_at
		from approval where content_id=$1
		order by approved_at, user_name
	`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.Approval
	for rows.Next() {
		var a workflow.Approval
		if err := rows.Scan(&a.ContentID, &a.TransitionID, &a.UserName, &a.RoleID, &a.At); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// mapWriteError translates constraint violations to domain sentinels.
func mapWriteError(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", workflow.ErrConflict, pgErr.ConstraintName)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", workflow.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func int64Args(ids []int64) (string, []any) {
	parts := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return strings.Join(parts, ","), args
}
