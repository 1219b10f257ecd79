package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"contentflow.org/internal/workflow"
)

type Store struct {
	db *sql.DB
}

var _ workflow.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const statusColumns = `content_id, workflow_id, state_id, community_id, object_type,
	coalesce(checked_out_by,''), tip_revision, edit_revision, current_revision, revision_lock,
	last_transition, state_entered, repeated_aging_start, next_aging_date, next_aging_transition_id`

func scanStatus(row *sql.Row) (workflow.ContentStatus, error) {
	var cs workflow.ContentStatus
	var next sql.NullTime
	err := row.Scan(
		&cs.ContentID, &cs.WorkflowID, &cs.StateID, &cs.CommunityID, &cs.ObjectType,
		&cs.CheckedOutBy, &cs.TipRevision, &cs.EditRevision, &cs.CurrentRevision, &cs.RevisionLock,
		&cs.LastTransition, &cs.StateEntered, &cs.RepeatedAgingStart, &next, &cs.NextAgingTransID,
	)
	if err != nil {
		return workflow.ContentStatus{}, err
	}
	if next.Valid {
		t := next.Time
		cs.NextAgingDate = &t
	}
	return cs, nil
}

func (s *Store) LoadContentStatus(ctx context.Context, contentID int64) (workflow.ContentStatus, error) {
	cs, err := scanStatus(s.db.QueryRowContext(ctx, `select `+statusColumns+` from content_status where content_id=$1`, contentID))
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.ContentStatus{}, fmt.Errorf("%w: content %d", workflow.ErrNotFound, contentID)
	}
	return cs, err
}

func (s *Store) LoadWorkflowState(ctx context.Context, workflowID, stateID int64) (workflow.WorkflowState, error) {
	var ws workflow.WorkflowState
	err := s.db.QueryRowContext(ctx, `
		select id, workflow_id, name, publishable, unpublish
		from workflow_state where workflow_id=$1 and id=$2
	`, workflowID, stateID).Scan(&ws.ID, &ws.WorkflowID, &ws.Name, &ws.Publishable, &ws.Unpublish)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.WorkflowState{}, fmt.Errorf("%w: state %d in workflow %d", workflow.ErrNotFound, stateID, workflowID)
	}
	if err != nil {
		return workflow.WorkflowState{}, err
	}
	roles, err := s.stateRoles(ctx, workflowID, stateID)
	if err != nil {
		return workflow.WorkflowState{}, err
	}
	ws.Roles = roles
	return ws, nil
}

func (s *Store) stateRoles(ctx context.Context, workflowID, stateID int64) ([]workflow.StateRoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select sr.role_id, r.name, sr.min_level, sr.adhoc, sr.notify_on
		from state_role sr
		join role r on r.id = sr.role_id
		where sr.workflow_id=$1 and sr.state_id=$2
		order by sr.role_id
	`, workflowID, stateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.StateRoleAssignment
	for rows.Next() {
		var sr workflow.StateRoleAssignment
		if err := rows.Scan(&sr.RoleID, &sr.RoleName, &sr.MinLevel, &sr.Adhoc, &sr.NotifyOn); err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *Store) LoadStateRoles(ctx context.Context, workflowID, stateID int64, minLevel workflow.AssignmentLevel) ([]workflow.StateRoleAssignment, error) {
	roles, err := s.stateRoles(ctx, workflowID, stateID)
	if err != nil {
		return nil, err
	}
	var out []workflow.StateRoleAssignment
	for _, sr := range roles {
		if sr.MinLevel >= minLevel {
			out = append(out, sr)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no roles at level %s for state %d", workflow.ErrNotFound, minLevel, stateID)
	}
	return out, nil
}

const transitionColumns = `id, workflow_id, from_state_id, to_state_id, trigger,
	required_approvals, specified_roles_only, comment_required,
	aging, aging_interval_seconds, aging_field`

func (s *Store) scanTransition(ctx context.Context, row *sql.Row) (workflow.Transition, error) {
	var t workflow.Transition
	var intervalSec int64
	var field sql.NullString
	err := row.Scan(
		&t.ID, &t.WorkflowID, &t.FromStateID, &t.ToStateID, &t.Trigger,
		&t.RequiredApprovals, &t.SpecifiedRolesOnly, &t.CommentRequired,
		&t.Aging, &intervalSec, &field,
	)
	if err != nil {
		return workflow.Transition{}, err
	}
	t.AgingInterval = time.Duration(intervalSec) * time.Second
	if field.Valid {
		t.AgingField = workflow.SystemField(field.String)
	}
	t.RequiredRoleIDs, err = s.transitionRoles(ctx, t.ID)
	return t, err
}

func (s *Store) transitionRoles(ctx context.Context, transitionID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		select role_id from transition_role where transition_id=$1 order by role_id
	`, transitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) LoadTransition(ctx context.Context, transitionID int64) (workflow.Transition, error) {
	t, err := s.scanTransition(ctx, s.db.QueryRowContext(ctx,
		`select `+transitionColumns+` from transition where id=$1`, transitionID))
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Transition{}, fmt.Errorf("%w: transition %d", workflow.ErrNotFound, transitionID)
	}
	return t, err
}

func (s *Store) FindTransition(ctx context.Context, workflowID, fromStateID int64, trigger string) (workflow.Transition, error) {
	t, err := s.scanTransition(ctx, s.db.QueryRowContext(ctx, `
		select `+transitionColumns+` from transition
		where workflow_id=$1 and from_state_id=$2 and trigger=$3
		order by id limit 1
	`, workflowID, fromStateID, trigger))
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Transition{}, fmt.Errorf("%w: transition %q from state %d in workflow %d", workflow.ErrNotFound, trigger, fromStateID, workflowID)
	}
	return t, err
}

func (s *Store) ListTransitionsFrom(ctx context.Context, workflowID, stateID int64) ([]workflow.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id from transition
		where workflow_id=$1 and from_state_id=$2
		order by id
	`, workflowID, stateID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, 4)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]workflow.Transition, 0, len(ids))
	for _, id := range ids {
		t, err := s.LoadTransition(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) ContentDateField(ctx context.Context, contentID int64, field workflow.SystemField) (*time.Time, error) {
	if !workflow.KnownSystemField(field) {
		return nil, fmt.Errorf("%w: unsupported field %q", workflow.ErrInvalidInput, field)
	}
	var v time.Time
	err := s.db.QueryRowContext(ctx, `
		select value from content_field where content_id=$1 and field=$2
	`, contentID, string(field)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) ListDueAging(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select content_id from content_status
		where next_aging_date is not null
		  and next_aging_transition_id <> 0
		  and next_aging_date <= $1
		order by next_aging_date asc, content_id asc
		limit $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// WithinAction runs fn inside one database transaction. The content row is
// locked by ActionTx.LockContentStatus, which serializes concurrent actions
// against the same item across processes.
func (s *Store) WithinAction(ctx context.Context, contentID int64, fn func(ctx context.Context, tx workflow.ActionTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &actionTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type actionTx struct {
	tx *sql.Tx
}

var _ workflow.ActionTx = (*actionTx)(nil)

func (a *actionTx) LockContentStatus(ctx context.Context, contentID int64) (workflow.ContentStatus, error) {
	cs, err := scanStatus(a.tx.QueryRowContext(ctx,
		`select `+statusColumns+` from content_status where content_id=$1 for update`, contentID))
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.ContentStatus{}, fmt.Errorf("%w: content %d", workflow.ErrNotFound, contentID)
	}
	return cs, err
}

func (a *actionTx) UpdateContentStatus(ctx context.Context, cs workflow.ContentStatus) error {
	var next sql.NullTime
	if cs.NextAgingDate != nil {
		next = sql.NullTime{Time: *cs.NextAgingDate, Valid: true}
	}
	res, err := a.tx.ExecContext(ctx, `
		update content_status set
			state_id=$2, checked_out_by=nullif($3,''), tip_revision=$4, edit_revision=$5,
			current_revision=$6, revision_lock=$7, last_transition=$8, state_entered=$9,
			repeated_aging_start=$10, next_aging_date=$11, next_aging_transition_id=$12
		where content_id=$1
	`, cs.ContentID, cs.StateID, cs.CheckedOutBy, cs.TipRevision, cs.EditRevision,
		cs.CurrentRevision, cs.RevisionLock, cs.LastTransition, cs.StateEntered,
		cs.RepeatedAgingStart, next, cs.NextAgingTransID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: content %d", workflow.ErrNotFound, cs.ContentID)
	}
	return nil
}

func (a *actionTx) InsertApproval(ctx context.Context, ap workflow.Approval) error {
	_, err := a.tx.ExecContext(ctx, `
		insert into approval(content_id, transition_id, user_name, role_id, approved_at)
		values ($1,$2,$3,$4,$5)
	`, ap.ContentID, ap.TransitionID, ap.UserName, ap.RoleID, ap.At)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (a *actionTx) ClearApprovals(ctx context.Context, contentID int64) error {
	_, err := a.tx.ExecContext(ctx, `delete from approval where content_id=$1`, contentID)
	return err
}

func (a *actionTx) ReplaceAdhoc(ctx context.Context, contentID int64, rec workflow.AdhocRecord) error {
	if err := a.DeleteAdhoc(ctx, contentID); err != nil {
		return err
	}
	if _, err := a.tx.ExecContext(ctx,
		`insert into adhoc_context(content_id, updated_at) values ($1, now())`, contentID); err != nil {
		return mapWriteError(err)
	}
	for user, roles := range rec.Normal {
		for _, roleID := range roles {
			if _, err := a.tx.ExecContext(ctx,
				`insert into adhoc_normal(content_id, user_name, role_id) values ($1,$2,$3)`,
				contentID, user, roleID); err != nil {
				return err
			}
		}
	}
	for _, user := range rec.AnonymousUsers {
		if _, err := a.tx.ExecContext(ctx,
			`insert into adhoc_anonymous_user(content_id, user_name) values ($1,$2)`,
			contentID, user); err != nil {
			return err
		}
	}
	for _, roleID := range rec.AnonymousRoles {
		if _, err := a.tx.ExecContext(ctx,
			`insert into adhoc_anonymous_role(content_id, role_id) values ($1,$2)`,
			contentID, roleID); err != nil {
			return err
		}
	}
	return nil
}

func (a *actionTx) DeleteAdhoc(ctx context.Context, contentID int64) error {
	for _, q := range []string{
		`delete from adhoc_normal where content_id=$1`,
		`delete from adhoc_anonymous_user where content_id=$1`,
		`delete from adhoc_anonymous_role where content_id=$1`,
		`delete from adhoc_context where content_id=$1`,
	} {
		if _, err := a.tx.ExecContext(ctx, q, contentID); err != nil {
			return err
		}
	}
	return nil
}
