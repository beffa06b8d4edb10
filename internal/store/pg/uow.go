package pg

import (
	"context"
	"database/sql"
	"errors"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/obs"
)

// UnitOfWork is one transactional batch of business mutations with automatic
// audit capture. Handlers execute statements through Tx, declare what they
// changed via Track, and Commit turns the tracked change set into audit
// entries inserted in the same transaction: the trail and the change commit
// atomically or not at all.
type UnitOfWork struct {
	tx      *sql.Tx
	capture *audit.Capture
	changes audit.ChangeSet
	done    bool
}

// Begin opens a unit of work.
func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &UnitOfWork{tx: tx, capture: s.capture}, nil
}

// Tx exposes the underlying transaction for business statements.
func (u *UnitOfWork) Tx() *sql.Tx { return u.tx }

// Track records one entity mutation for audit capture at commit time.
func (u *UnitOfWork) Track(change audit.Change) {
	u.changes = append(u.changes, change)
}

// Changes returns the tracked change set (exposed for the audit observer).
func (u *UnitOfWork) Changes() audit.ChangeSet {
	return append(audit.ChangeSet(nil), u.changes...)
}

// Commit builds audit entries from the tracked changes and commits them
// together with the business statements. A failed commit therefore produces
// zero audit entries for this attempt. Cancellation mid-commit rolls the
// whole transaction back through database/sql's context handling.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return sql.ErrTxDone
	}
	u.done = true

	entries := u.capture.Entries(ctx, u.changes)
	for _, entry := range entries {
		if err := appendAuditTx(ctx, u.tx, entry); err != nil {
			_ = u.tx.Rollback()
			return err
		}
	}
	if err := u.tx.Commit(); err != nil {
		return err
	}
	obs.AuditEntries(len(entries))
	return nil
}

// Rollback abandons the unit of work. Safe to defer after Commit.
func (u *UnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback()
}

// UpdateUserProfile is the versioned business mutation the rest of the
// platform goes through: the row-version guard surfaces concurrent writes
// as ErrConcurrencyConflict instead of silently overwriting, and the change
// is tracked for audit capture.
func (s *Store) UpdateUserProfile(ctx context.Context, uow *UnitOfWork, user *auth.UserRecord, email, username string) error {
	if uow == nil || uow.tx == nil {
		return errors.New("unit of work required")
	}
	res, err := uow.tx.ExecContext(ctx, `
		update users
		set email = $2, username = $3, row_version = row_version + 1
		where id = $1 and row_version = $4
	`, user.ID, email, username, user.RowVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrConcurrencyConflict
	}

	uow.Track(audit.Change{
		Op:         audit.OpUpdate,
		EntityType: "user",
		EntityID:   user.ID,
		TenantID:   user.TenantID,
		Before: map[string]any{
			"email":    user.Email,
			"username": user.Username,
		},
		After: map[string]any{
			"email":    email,
			"username": username,
		},
	})
	return nil
}
