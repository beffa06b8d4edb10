package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gatehouse.dev/internal/auth"
)

var _ auth.UserDirectory = (*Store)(nil)

const userColumns = `
	u.id, u.tenant_id, coalesce(u.org_id,''), u.email, u.username,
	u.password_hash, u.status, t.status, u.failed_attempts, u.locked_until,
	u.row_version`

func (s *Store) FindByCredentialKey(ctx context.Context, key string) (*auth.UserRecord, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users u
		join tenants t on t.id = u.tenant_id
		where lower(u.email) = lower($1) or lower(u.username) = lower($1)
	`, key)
	return s.scanUser(ctx, row)
}

func (s *Store) FindByID(ctx context.Context, userID string) (*auth.UserRecord, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users u
		join tenants t on t.id = u.tenant_id
		where u.id = $1
	`, userID)
	return s.scanUser(ctx, row)
}

// RecordLoginFailure increments the consecutive-failure counter and sets the
// lock in the same statement, so two racing failed logins cannot both read
// threshold-1 and skip the lock.
func (s *Store) RecordLoginFailure(ctx context.Context, userID string, threshold int, lockUntil time.Time) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var (
		attempts int
		locked   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update users
		set failed_attempts = failed_attempts + 1,
		    locked_until = case when failed_attempts + 1 >= $2 then $3 else locked_until end
		where id = $1
		returning failed_attempts, locked_until
	`, userID, threshold, lockUntil).Scan(&attempts, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, auth.ErrUserNotFound
	}
	if err != nil {
		return false, err
	}
	return attempts >= threshold && locked.Valid, nil
}

func (s *Store) ResetLoginFailures(ctx context.Context, userID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		update users set failed_attempts = 0, locked_until = null where id = $1
	`, userID)
	return err
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash = $2, row_version = row_version + 1 where id = $1
	`, userID, passwordHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}

func (s *Store) scanUser(ctx context.Context, row rowScanner) (*auth.UserRecord, error) {
	var (
		user   auth.UserRecord
		locked sql.NullTime
	)
	err := row.Scan(
		&user.ID, &user.TenantID, &user.OrgID, &user.Email, &user.Username,
		&user.PasswordHash, &user.Status, &user.TenantStatus,
		&user.FailedAttempts, &locked, &user.RowVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if locked.Valid {
		t := locked.Time
		user.LockedUntil = &t
	}

	roles, err := s.userRoles(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Roles = roles

	perms, err := s.userPermissions(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Permissions = perms
	return &user, nil
}

func (s *Store) userRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.name
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.name
	`, userID)
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

// userPermissions resolves the flattened role-to-permission closure.
func (s *Store) userPermissions(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.code
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		join user_roles ur on ur.role_id = rp.role_id
		where ur.user_id = $1
		order by p.code
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}
