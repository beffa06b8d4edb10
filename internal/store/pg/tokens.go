package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gatehouse.dev/internal/auth"
)

var _ auth.RefreshTokenStore = (*Store)(nil)

const refreshTokenColumns = `
	id, user_id, tenant_id, secret_hash, issued_at, expires_at,
	coalesce(created_by_ip,''), revoked_at, coalesce(revoked_by_ip,''),
	coalesce(revoke_reason,''), coalesce(replaced_by,''), coalesce(device,'')`

func (s *Store) Create(ctx context.Context, tok *auth.RefreshToken) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens
			(id, user_id, tenant_id, secret_hash, issued_at, expires_at, created_by_ip, device)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''),nullif($8,''))
	`, tok.ID, tok.UserID, tok.TenantID, tok.SecretHash, tok.IssuedAt, tok.ExpiresAt, tok.CreatedByIP, tok.Device)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		// Secret hashes are 256-bit random; a collision here means the same
		// secret was inserted twice.
		return auth.ErrConcurrencyConflict
	}
	return err
}

func (s *Store) Find(ctx context.Context, secretHash string) (*auth.RefreshToken, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+refreshTokenColumns+`
		from refresh_tokens where secret_hash = $1
	`, secretHash)
	return scanRefreshToken(row)
}

// Rotate performs the read-then-mark-then-insert sequence inside a single
// transaction with the presented row locked, so two concurrent rotation
// attempts against the same secret serialize: one transitions the row to
// Rotated, the other observes the terminal state and gets ErrTokenReused.
func (s *Store) Rotate(ctx context.Context, secretHash string, next *auth.RefreshToken, now time.Time, clientIP string) (*auth.RefreshToken, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		select `+refreshTokenColumns+`
		from refresh_tokens where secret_hash = $1
		for update
	`, secretHash)
	prev, err := scanRefreshToken(row)
	if err != nil {
		return nil, err
	}
	if prev.Terminal() {
		return prev, auth.ErrTokenReused
	}
	if !now.Before(prev.ExpiresAt) {
		// Expired rows are left untouched: still Active=false by expiry,
		// never marked Rotated.
		return prev, auth.ErrTokenExpired
	}

	if _, err := tx.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2, revoked_by_ip = nullif($3,''), revoke_reason = 'rotated', replaced_by = $4
		where id = $1
	`, prev.ID, now, clientIP, next.ID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens
			(id, user_id, tenant_id, secret_hash, issued_at, expires_at, created_by_ip, device)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''),nullif($8,''))
	`, next.ID, next.UserID, next.TenantID, next.SecretHash, next.IssuedAt, next.ExpiresAt, next.CreatedByIP, next.Device); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *Store) Revoke(ctx context.Context, secretHash, clientIP, reason string, now time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	// revoked_at is write-once: the null guard keeps terminal rows immutable
	// and makes revocation idempotent.
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2, revoked_by_ip = nullif($3,''), revoke_reason = $4
		where secret_hash = $1 and revoked_at is null
	`, secretHash, now, clientIP, reason)
	return err
}

func (s *Store) RevokeAllForUser(ctx context.Context, userID, clientIP, reason string, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2, revoked_by_ip = nullif($3,''), revoke_reason = $4
		where user_id = $1 and revoked_at is null and expires_at > $2
	`, userID, now, clientIP, reason)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) EnforceUserCap(ctx context.Context, userID string, max int, now time.Time, clientIP string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	if max <= 0 {
		return nil
	}
	// Evict the oldest active rows beyond the cap. Newest tokens survive.
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $3, revoked_by_ip = nullif($4,''), revoke_reason = 'token_cap'
		where id in (
			select id from refresh_tokens
			where user_id = $1 and revoked_at is null and expires_at > $3
			order by issued_at desc
			offset $2
		)
	`, userID, max, now, clientIP)
	return err
}

func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		delete from refresh_tokens where expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRefreshToken(row rowScanner) (*auth.RefreshToken, error) {
	var (
		tok       auth.RefreshToken
		revokedAt sql.NullTime
	)
	err := row.Scan(
		&tok.ID, &tok.UserID, &tok.TenantID, &tok.SecretHash,
		&tok.IssuedAt, &tok.ExpiresAt, &tok.CreatedByIP,
		&revokedAt, &tok.RevokedByIP, &tok.RevokeReason,
		&tok.ReplacedBy, &tok.Device,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		tok.RevokedAt = &t
	}
	return &tok, nil
}
