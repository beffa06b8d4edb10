package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"gatehouse.dev/internal/auth"
)

var userCols = []string{
	"id", "tenant_id", "org_id", "email", "username", "password_hash",
	"status", "tenant_status", "failed_attempts", "locked_until", "row_version",
}

func expectRolesAndPermissions(mock sqlmock.Sqlmock, userID string) {
	mock.ExpectQuery("from roles r").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("admin"))
	mock.ExpectQuery("select distinct p.code").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"code"}).
			AddRow("identity.token.revoke").
			AddRow("report.view"))
}

func TestFindByCredentialKey(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectQuery("(?s)from users u.+join tenants t").
		WithArgs("kai@example.com").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("user-1", "tenant-1", "org-1", "kai@example.com", "kai",
				"$argon2id$...", "active", "active", 0, nil, int64(3)))
	expectRolesAndPermissions(mock, "user-1")

	u, err := store.FindByCredentialKey(context.Background(), "kai@example.com")
	if err != nil {
		t.Fatalf("FindByCredentialKey: %v", err)
	}
	if u.ID != "user-1" || u.TenantStatus != "active" || u.RowVersion != 3 {
		t.Fatalf("unexpected record: %+v", u)
	}
	if len(u.Roles) != 1 || u.Roles[0] != "admin" {
		t.Fatalf("roles not loaded: %v", u.Roles)
	}
	if len(u.Permissions) != 2 {
		t.Fatalf("permission closure not loaded: %v", u.Permissions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByIDNotFound(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectQuery("(?s)from users u.+join tenants t").
		WithArgs("user-x").
		WillReturnRows(sqlmock.NewRows(userCols))

	if _, err := store.FindByID(context.Background(), "user-x"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestRecordLoginFailureBelowThreshold(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	until := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
	mock.ExpectQuery("update users").
		WithArgs("user-1", 5, until).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).
			AddRow(3, nil))

	locked, err := store.RecordLoginFailure(context.Background(), "user-1", 5, until)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if locked {
		t.Fatalf("must not report locked below threshold")
	}
}

func TestRecordLoginFailureLocksAtThreshold(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	until := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
	mock.ExpectQuery("update users").
		WithArgs("user-1", 5, until).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).
			AddRow(5, until))

	locked, err := store.RecordLoginFailure(context.Background(), "user-1", 5, until)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if !locked {
		t.Fatalf("expected locked at threshold")
	}
}

func TestUpdatePasswordHashMissingUser(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("update users set password_hash").
		WithArgs("user-x", "$argon2id$new").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.UpdatePasswordHash(context.Background(), "user-x", "$argon2id$new"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestResetLoginFailures(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("update users set failed_attempts = 0").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.ResetLoginFailures(context.Background(), "user-1"); err != nil {
		t.Fatalf("ResetLoginFailures: %v", err)
	}
}
