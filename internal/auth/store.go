package auth

import (
	"context"
	"time"
)

// UserDirectory is the narrow read/write view of the user catalog the auth
// service depends on. Business-entity CRUD lives elsewhere; the directory
// exposes only what login, lockout and password change need.
type UserDirectory interface {
	// FindByCredentialKey resolves a user by email or username, including
	// the flattened role-to-permission closure and tenant status.
	// Returns ErrUserNotFound when no user matches.
	FindByCredentialKey(ctx context.Context, key string) (*UserRecord, error)

	// FindByID resolves a user by id. Returns ErrUserNotFound when absent.
	FindByID(ctx context.Context, userID string) (*UserRecord, error)

	// RecordLoginFailure increments the consecutive-failure counter and, when
	// the counter reaches threshold, sets the lock-until timestamp. The
	// increment and the conditional lock happen in one statement so
	// concurrent failures cannot skip the threshold. Reports whether this
	// call locked the account.
	RecordLoginFailure(ctx context.Context, userID string, threshold int, lockUntil time.Time) (bool, error)

	// ResetLoginFailures zeroes the counter and clears any lock.
	ResetLoginFailures(ctx context.Context, userID string) error

	// UpdatePasswordHash replaces the stored credential hash.
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
}

// RefreshTokenStore persists refresh-token records keyed by secret hash.
// All state transitions are protected by the backing store's transaction
// isolation; the service holds no locks of its own.
type RefreshTokenStore interface {
	// Create inserts a new Active row.
	Create(ctx context.Context, tok *RefreshToken) error

	// Find returns the row for the secret hash regardless of state.
	// Returns ErrTokenNotFound when no row matches.
	Find(ctx context.Context, secretHash string) (*RefreshToken, error)

	// Rotate atomically marks the presented row Rotated (revoked with a
	// replaced-by pointer at next) and inserts next, inside one transaction
	// with the row locked. Typed failures:
	//   ErrTokenNotFound - no row for the hash
	//   ErrTokenExpired  - row past expiry; left untouched
	//   ErrTokenReused   - row already terminal; prev is returned so the
	//                      caller can revoke the token family
	// Two concurrent rotations of the same secret serialize on the row lock:
	// exactly one succeeds, the other observes the terminal state and gets
	// ErrTokenReused.
	Rotate(ctx context.Context, secretHash string, next *RefreshToken, now time.Time, clientIP string) (prev *RefreshToken, err error)

	// Revoke marks the row revoked. Revoking an already-terminal or missing
	// row is a no-op, not an error.
	Revoke(ctx context.Context, secretHash, clientIP, reason string, now time.Time) error

	// RevokeAllForUser bulk-revokes every currently-Active row for the user
	// and reports how many rows transitioned.
	RevokeAllForUser(ctx context.Context, userID, clientIP, reason string, now time.Time) (int64, error)

	// EnforceUserCap revokes the oldest Active rows beyond max so a single
	// account cannot accumulate unbounded live tokens.
	EnforceUserCap(ctx context.Context, userID string, max int, now time.Time, clientIP string) error

	// Sweep deletes rows whose expiry is older than cutoff. Terminal and
	// long-expired rows only; safe to run concurrently with everything else.
	Sweep(ctx context.Context, cutoff time.Time) (int64, error)
}
