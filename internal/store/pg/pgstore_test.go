package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"contentflow.org/internal/workflow"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func statusRow(next any) *sqlmock.Rows {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"content_id", "workflow_id", "state_id", "community_id", "object_type",
		"checked_out_by", "tip_revision", "edit_revision", "current_revision", "revision_lock",
		"last_transition", "state_entered", "repeated_aging_start", "next_aging_date", "next_aging_transition_id",
	}).AddRow(int64(500), int64(1), int64(1), int64(0), int64(0),
		"", int64(1), int64(0), int64(1), false,
		now, now, now, next, int64(0))
}

func TestLoadContentStatus(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("select (.+) from content_status where content_id=").
		WithArgs(int64(500)).
		WillReturnRows(statusRow(nil))

	cs, err := s.LoadContentStatus(context.Background(), 500)
	if err != nil {
		t.Fatalf("LoadContentStatus: %v", err)
	}
	if cs.ContentID != 500 || cs.StateID != 1 || cs.CheckedOut() {
		t.Fatalf("unexpected status %+v", cs)
	}
	if cs.NextAgingDate != nil {
		t.Fatalf("expected no aging schedule, got %v", cs.NextAgingDate)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadContentStatusMissing(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("select (.+) from content_status where content_id=").
		WithArgs(int64(999)).
		WillReturnRows(sqlmock.NewRows([]string{"content_id"}))

	_, err := s.LoadContentStatus(context.Background(), 999)
	if !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindTransition(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("select (.+) from transition where workflow_id=(.+) and from_state_id=").
		WithArgs(int64(1), int64(1), "submit").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workflow_id", "from_state_id", "to_state_id", "trigger",
			"required_approvals", "specified_roles_only", "comment_required",
			"aging", "aging_interval_seconds", "aging_field",
		}).AddRow(int64(100), int64(1), int64(1), int64(2), "submit",
			1, false, false, int64(1), int64(86400), nil))
	mock.ExpectQuery("select role_id from transition_role").
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"role_id"}).AddRow(int64(10)))

	tr, err := s.FindTransition(context.Background(), 1, 1, "submit")
	if err != nil {
		t.Fatalf("FindTransition: %v", err)
	}
	if tr.ID != 100 || tr.AgingInterval != 24*time.Hour {
		t.Fatalf("unexpected transition %+v", tr)
	}
	if len(tr.RequiredRoleIDs) != 1 || tr.RequiredRoleIDs[0] != 10 {
		t.Fatalf("unexpected role list %v", tr.RequiredRoleIDs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWithinActionCommits(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from content_status where content_id=(.+) for update").
		WithArgs(int64(500)).
		WillReturnRows(statusRow(nil))
	mock.ExpectExec("update content_status set").
		WithArgs(int64(500), int64(2), "", int64(1), int64(0), int64(1), false,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), nil, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithinAction(context.Background(), 500, func(ctx context.Context, tx workflow.ActionTx) error {
		cs, err := tx.LockContentStatus(ctx, 500)
		if err != nil {
			return err
		}
		cs.StateID = 2
		return tx.UpdateContentStatus(ctx, cs)
	})
	if err != nil {
		t.Fatalf("WithinAction: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWithinActionRollsBackOnError(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from content_status where content_id=(.+) for update").
		WithArgs(int64(500)).
		WillReturnRows(statusRow(nil))
	mock.ExpectRollback()

	wantErr := errors.New("boom")
	err := s.WithinAction(context.Background(), 500, func(ctx context.Context, tx workflow.ActionTx) error {
		if _, err := tx.LockContentStatus(ctx, 500); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error to surface, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestReplaceAdhocRewritesRows(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from adhoc_normal").WithArgs(int64(500)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from adhoc_anonymous_user").WithArgs(int64(500)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from adhoc_anonymous_role").WithArgs(int64(500)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from adhoc_context").WithArgs(int64(500)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into adhoc_context").WithArgs(int64(500)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into adhoc_normal").WithArgs(int64(500), "rita", int64(12)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into adhoc_anonymous_user").WithArgs(int64(500), "gus").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into adhoc_anonymous_role").WithArgs(int64(500), int64(13)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.WithinAction(context.Background(), 500, func(ctx context.Context, tx workflow.ActionTx) error {
		return tx.ReplaceAdhoc(ctx, 500, workflow.AdhocRecord{
			Normal:         map[string][]int64{"rita": {12}},
			AnonymousUsers: []string{"gus"},
			AnonymousRoles: []int64{13},
		})
	})
	if err != nil {
		t.Fatalf("ReplaceAdhoc: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAdhocMissing(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("select content_id from adhoc_context").
		WithArgs(int64(500)).
		WillReturnRows(sqlmock.NewRows([]string{"content_id"}))

	_, err := s.LoadAdhoc(context.Background(), 500)
	if !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadAdhocPresent(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("select content_id from adhoc_context").
		WithArgs(int64(500)).
		WillReturnRows(sqlmock.NewRows([]string{"content_id"}).AddRow(int64(500)))
	mock.ExpectQuery("select user_name, role_id from adhoc_normal").
		WithArgs(int64(500)).
		WillReturnRows(sqlmock.NewRows([]string{"user_name", "role_id"}).AddRow("rita", int64(12)))
	mock.ExpectQuery("select user_name from adhoc_anonymous_user").
		WithArgs(int64(500)).
		WillReturnRows(sqlmock.NewRows([]string{"user_name"}).AddRow("gus"))
	mock.ExpectQuery("select role_id from adhoc_anonymous_role").
		WithArgs(int64(500)).
		WillReturnRows(sqlmock.NewRows([]string{"role_id"}).AddRow(int64(13)))

	rec, err := s.LoadAdhoc(context.Background(), 500)
	if err != nil {
		t.Fatalf("LoadAdhoc: %v", err)
	}
	if roles := rec.Normal["rita"]; len(roles) != 1 || roles[0] != 12 {
		t.Fatalf("unexpected normal grants %+v", rec.Normal)
	}
	if len(rec.AnonymousUsers) != 1 || rec.AnonymousUsers[0] != "gus" {
		t.Fatalf("unexpected anonymous users %v", rec.AnonymousUsers)
	}
}

func TestFilterRolesByCommunity(t *testing.T) {
	s, mock := newMock(t)

	// No restriction rows: every role passes.
	mock.ExpectQuery("select role_id from community_role").
		WithArgs(int64(500)).
		WillReturnRows(sqlmock.NewRows([]string{"role_id"}))
	out, err := s.FilterRolesByCommunity(context.Background(), 500, []int64{10, 11})
	if err != nil {
		t.Fatalf("FilterRolesByCommunity: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected passthrough, got %v", out)
	}

	mock.ExpectQuery("select role_id from community_role").
		WithArgs(int64(500)).
		WillReturnRows(sqlmock.NewRows([]string{"role_id"}).AddRow(int64(11)))
	out, err = s.FilterRolesByCommunity(context.Background(), 500, []int64{10, 11})
	if err != nil {
		t.Fatalf("FilterRolesByCommunity: %v", err)
	}
	if len(out) != 1 || out[0] != 11 {
		t.Fatalf("expected [11], got %v", out)
	}
}

func TestUsersInRoles(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("select distinct user_name from user_role").
		WithArgs(int64(10), int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"user_name"}).AddRow("ed").AddRow("ursula"))

	users, err := s.UsersInRoles(context.Background(), []int64{10, 11})
	if err != nil {
		t.Fatalf("UsersInRoles: %v", err)
	}
	if len(users) != 2 || users[0] != "ed" {
		t.Fatalf("unexpected users %v", users)
	}

	users, err = s.UsersInRoles(context.Background(), nil)
	if err != nil || users != nil {
		t.Fatalf("empty input should short-circuit, got %v %v", users, err)
	}
}

func TestListDueAging(t *testing.T) {
	s, mock := newMock(t)

	due := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select content_id from content_status").
		WithArgs(due, 100).
		WillReturnRows(sqlmock.NewRows([]string{"content_id"}).AddRow(int64(500)).AddRow(int64(501)))

	ids, err := s.ListDueAging(context.Background(), due, 0)
	if err != nil {
		t.Fatalf("ListDueAging: %v", err)
	}
	if len(ids) != 2 || ids[0] != 500 {
		t.Fatalf("unexpected ids %v", ids)
	}
}
