package auth

import (
	"sort"
	"strings"
	"time"
)

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Principal is the authenticated identity for the lifetime of one request.
// It is reconstructed from access-token claims and never persisted.
type Principal struct {
	UserID      string
	TenantID    string
	Email       string
	Username    string
	OrgID       string
	Roles       []string
	Permissions map[string]struct{}
}

// HasPermission reports whether the principal holds the permission code.
// Comparison is case-insensitive exact match.
func (p Principal) HasPermission(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return false
	}
	_, ok := p.Permissions[code]
	return ok
}

// PermissionList returns the held permission codes as a sorted slice.
func (p Principal) PermissionList() []string {
	return sortedSet(p.Permissions)
}

// UserRecord is the directory view of a user consumed by the auth service:
// identity, credential hash, account state and the flattened
// role-to-permission closure.
type UserRecord struct {
	ID             string
	TenantID       string
	OrgID          string
	Email          string
	Username       string
	PasswordHash   string
	Status         string
	TenantStatus   string
	FailedAttempts int
	LockedUntil    *time.Time
	RowVersion     int64
	Roles          []string
	Permissions    []string
}

// Principal builds the request principal for the record.
func (u *UserRecord) Principal() Principal {
	perms := make(map[string]struct{}, len(u.Permissions))
	for _, code := range u.Permissions {
		code = strings.ToLower(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		perms[code] = struct{}{}
	}
	return Principal{
		UserID:      u.ID,
		TenantID:    u.TenantID,
		Email:       u.Email,
		Username:    u.Username,
		OrgID:       u.OrgID,
		Roles:       append([]string(nil), u.Roles...),
		Permissions: perms,
	}
}

// Locked reports whether the account is locked out at the given instant.
func (u *UserRecord) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// RefreshToken is a persisted refresh-token record. The raw secret is never
// stored; rows are keyed by the sha256 of the secret.
type RefreshToken struct {
	ID           string
	UserID       string
	TenantID     string
	SecretHash   string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	CreatedByIP  string
	RevokedAt    *time.Time
	RevokedByIP  string
	RevokeReason string
	ReplacedBy   string
	Device       string
}

// Terminal reports whether the row has left the Active state. Rotation sets
// RevokedAt together with ReplacedBy, so a single check covers both
// terminal states.
func (t *RefreshToken) Terminal() bool {
	return t.RevokedAt != nil
}

// Active reports whether the token can still be exchanged at the given instant.
func (t *RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// TokenPair is the result of a successful login or refresh. RefreshSecret is
// returned to the caller exactly once.
type TokenPair struct {
	AccessToken      string
	RefreshSecret    string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
