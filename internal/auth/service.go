package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gatehouse.dev/internal/obs"
)

const (
	defaultAccessTTL        = 15 * time.Minute
	defaultRefreshTTL       = 24 * time.Hour * 14
	defaultMaxTokensPerUser = 10
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 15 * time.Minute
	defaultRetentionWindow  = 30 * 24 * time.Hour

	reasonRotated        = "rotated"
	reasonLogout         = "logout"
	reasonPasswordChange = "password_change"
	reasonReplayDefense  = "replay_defense"
	reasonCapEvicted     = "token_cap"
)

// Config carries the externally supplied knobs of the token lifecycle.
// Nothing here is hardcoded; cmd/api populates it from the environment.
type Config struct {
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	MaxTokensPerUser int
	LockoutThreshold int
	LockoutDuration  time.Duration
	RetentionWindow  time.Duration
}

func (c *Config) applyDefaults() {
	if c.AccessTTL <= 0 {
		c.AccessTTL = defaultAccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = defaultRefreshTTL
	}
	if c.MaxTokensPerUser <= 0 {
		c.MaxTokensPerUser = defaultMaxTokensPerUser
	}
	if c.LockoutThreshold <= 0 {
		c.LockoutThreshold = defaultLockoutThreshold
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = defaultLockoutDuration
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = defaultRetentionWindow
	}
}

// Service orchestrates login-time issuance, refresh-time rotation and
// revocation of token pairs. All expiry and lockout arithmetic flows through
// one injected clock.
type Service struct {
	tokens RefreshTokenStore
	users  UserDirectory
	codec  *TokenCodec
	cfg    Config
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the token lifecycle service.
func NewService(tokens RefreshTokenStore, users UserDirectory, codec *TokenCodec, cfg Config, opts ...ServiceOption) (*Service, error) {
	if tokens == nil {
		return nil, errors.New("auth: refresh token store is required")
	}
	if users == nil {
		return nil, errors.New("auth: user directory is required")
	}
	if codec == nil {
		return nil, errors.New("auth: token codec is required")
	}
	cfg.applyDefaults()
	s := &Service{
		tokens: tokens,
		users:  users,
		codec:  codec,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration after defaults.
func (s *Service) Config() Config { return s.cfg }

// Login verifies credentials and issues a fresh access/refresh pair.
// The lock state is checked before password verification, so a locked
// account never burns KDF time and never leaks whether the password was
// right.
func (s *Service) Login(ctx context.Context, credentialKey, password, clientIP string) (TokenPair, Principal, error) {
	credentialKey = strings.TrimSpace(credentialKey)
	if credentialKey == "" || password == "" {
		obs.ObserveLogin("invalid")
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}

	user, err := s.users.FindByCredentialKey(ctx, credentialKey)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			obs.ObserveLogin("invalid")
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
		return TokenPair{}, Principal{}, err
	}

	now := s.now().UTC()
	if user.TenantStatus != StatusActive {
		obs.ObserveLogin("tenant_inactive")
		return TokenPair{}, Principal{}, ErrTenantInactive
	}
	if user.Status != StatusActive {
		obs.ObserveLogin("inactive")
		return TokenPair{}, Principal{}, ErrAccountInactive
	}
	if user.Locked(now) {
		obs.ObserveLogin("locked")
		return TokenPair{}, Principal{}, ErrAccountLocked
	}

	if !VerifyPassword(password, user.PasswordHash) {
		locked, recErr := s.users.RecordLoginFailure(ctx, user.ID, s.cfg.LockoutThreshold, now.Add(s.cfg.LockoutDuration))
		if recErr != nil {
			obs.Log(map[string]any{
				"level": "error",
				"msg":   "login failure tracking failed",
				"user":  user.ID,
				"error": recErr.Error(),
			})
		}
		if locked {
			obs.LockoutTriggered()
		}
		obs.ObserveLogin("invalid")
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}

	if user.FailedAttempts > 0 || user.LockedUntil != nil {
		if err := s.users.ResetLoginFailures(ctx, user.ID); err != nil {
			return TokenPair{}, Principal{}, fmt.Errorf("reset login failures: %w", err)
		}
	}

	principal := user.Principal()
	pair, err := s.issuePair(ctx, principal, clientIP, "")
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	obs.ObserveLogin("success")
	return pair, principal, nil
}

// Refresh exchanges a still-valid refresh secret for a new pair, rotating
// the presented token. Presenting an already-rotated or revoked secret is a
// replay signal: no tokens are issued and the user's whole active family is
// revoked, fail-safe over fail-open.
func (s *Service) Refresh(ctx context.Context, refreshSecret, clientIP string) (TokenPair, Principal, error) {
	refreshSecret = strings.TrimSpace(refreshSecret)
	if refreshSecret == "" {
		obs.ObserveRotation("not_found")
		return TokenPair{}, Principal{}, ErrTokenNotFound
	}
	secretHash := HashSecret(refreshSecret)

	rec, err := s.tokens.Find(ctx, secretHash)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			obs.ObserveRotation("not_found")
		}
		return TokenPair{}, Principal{}, err
	}

	now := s.now().UTC()
	if rec.Terminal() {
		return TokenPair{}, Principal{}, s.replayDefense(ctx, rec, clientIP)
	}
	if !rec.Active(now) {
		// Expired rows stay merely expired; no state transition.
		obs.ObserveRotation("expired")
		return TokenPair{}, Principal{}, ErrTokenExpired
	}

	user, err := s.users.FindByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_ = s.tokens.Revoke(ctx, secretHash, clientIP, "user_missing", now)
			obs.ObserveRotation("not_found")
			return TokenPair{}, Principal{}, ErrTokenNotFound
		}
		return TokenPair{}, Principal{}, err
	}
	if user.TenantStatus != StatusActive {
		_ = s.tokens.Revoke(ctx, secretHash, clientIP, "tenant_inactive", now)
		obs.ObserveRotation("tenant_inactive")
		return TokenPair{}, Principal{}, ErrTenantInactive
	}
	if user.Status != StatusActive {
		_ = s.tokens.Revoke(ctx, secretHash, clientIP, "account_inactive", now)
		obs.ObserveRotation("inactive")
		return TokenPair{}, Principal{}, ErrAccountInactive
	}

	// Sign before rotating: issuance is pure, so a signing failure cannot
	// leave a successor row behind.
	principal := user.Principal()
	access, accessExp, err := s.codec.Issue(principal)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}

	nextSecret, err := newRefreshSecret()
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	next := s.newTokenRecord(rec.UserID, rec.TenantID, nextSecret, clientIP, rec.Device, now)

	if _, err := s.tokens.Rotate(ctx, secretHash, next, now, clientIP); err != nil {
		switch {
		case errors.Is(err, ErrTokenReused):
			// Lost the race against a concurrent rotation of the same
			// secret; same replay treatment as the cold path.
			return TokenPair{}, Principal{}, s.replayDefense(ctx, rec, clientIP)
		case errors.Is(err, ErrTokenExpired):
			obs.ObserveRotation("expired")
			return TokenPair{}, Principal{}, err
		case errors.Is(err, ErrTokenNotFound):
			obs.ObserveRotation("not_found")
			return TokenPair{}, Principal{}, err
		default:
			return TokenPair{}, Principal{}, fmt.Errorf("rotate refresh token: %w", err)
		}
	}

	obs.ObserveRotation("success")
	return TokenPair{
		AccessToken:      access,
		RefreshSecret:    nextSecret,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: next.ExpiresAt,
	}, principal, nil
}

// Logout revokes the presented refresh token. Revoking an already-revoked,
// rotated or unknown secret is a no-op.
func (s *Service) Logout(ctx context.Context, refreshSecret, clientIP string) error {
	refreshSecret = strings.TrimSpace(refreshSecret)
	if refreshSecret == "" {
		return nil
	}
	return s.tokens.Revoke(ctx, HashSecret(refreshSecret), clientIP, reasonLogout, s.now().UTC())
}

// RevokeAllForUser bulk-revokes every active token for the user. Used on
// password change, administrative reset and explicit "log out everywhere".
func (s *Service) RevokeAllForUser(ctx context.Context, userID, clientIP, reason string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if reason == "" {
		reason = "revoked"
	}
	return s.tokens.RevokeAllForUser(ctx, userID, clientIP, reason, s.now().UTC())
}

// ChangePassword verifies the current credential, installs the new hash and
// invalidates every outstanding refresh token for the user.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword, clientIP string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || oldPassword == "" || newPassword == "" {
		return fmt.Errorf("%w: user id and both passwords are required", ErrInvalidInput)
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Status != StatusActive {
		return ErrAccountInactive
	}
	if !VerifyPassword(oldPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if VerifyPassword(newPassword, user.PasswordHash) {
		return ErrPasswordReuse
	}
	if PasswordStrength(newPassword) < Medium {
		return ErrWeakPassword
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if _, err := s.RevokeAllForUser(ctx, userID, clientIP, reasonPasswordChange); err != nil {
		return fmt.Errorf("revoke sessions after password change: %w", err)
	}
	return nil
}

// Sweep deletes token rows expired longer than the retention window.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.RetentionWindow)
	n, err := s.tokens.Sweep(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	obs.SweptTokens(n)
	return n, nil
}

// replayDefense handles presentation of a terminal refresh secret. The bulk
// revoke is best-effort: if it fails the rotation attempt still fails with
// ErrTokenReused, and the sweep plus administrative tooling remain the
// backstop.
func (s *Service) replayDefense(ctx context.Context, rec *RefreshToken, clientIP string) error {
	obs.ReplayDetected()
	obs.ObserveRotation("reused")
	if n, err := s.tokens.RevokeAllForUser(ctx, rec.UserID, clientIP, reasonReplayDefense, s.now().UTC()); err != nil {
		obs.Log(map[string]any{
			"level":  "error",
			"msg":    "replay defense bulk revoke failed",
			"user":   rec.UserID,
			"tenant": rec.TenantID,
			"error":  err.Error(),
		})
	} else {
		obs.Log(map[string]any{
			"level":   "warn",
			"msg":     "refresh token reuse detected, token family revoked",
			"user":    rec.UserID,
			"tenant":  rec.TenantID,
			"revoked": n,
		})
	}
	return ErrTokenReused
}

func (s *Service) issuePair(ctx context.Context, principal Principal, clientIP, device string) (TokenPair, error) {
	access, accessExp, err := s.codec.Issue(principal)
	if err != nil {
		return TokenPair{}, err
	}
	secret, err := newRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}
	now := s.now().UTC()
	rec := s.newTokenRecord(principal.UserID, principal.TenantID, secret, clientIP, device, now)
	if err := s.tokens.Create(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("persist refresh token: %w", err)
	}
	if err := s.tokens.EnforceUserCap(ctx, principal.UserID, s.cfg.MaxTokensPerUser, now, clientIP); err != nil {
		return TokenPair{}, fmt.Errorf("enforce token cap: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshSecret:    secret,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

func (s *Service) newTokenRecord(userID, tenantID, secret, clientIP, device string, now time.Time) *RefreshToken {
	return &RefreshToken{
		ID:          uuid.NewString(),
		UserID:      userID,
		TenantID:    tenantID,
		SecretHash:  HashSecret(secret),
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.cfg.RefreshTTL),
		CreatedByIP: clientIP,
		Device:      device,
	}
}

// HashSecret derives the storage key for a refresh secret. One-way: the raw
// secret is never persisted.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func newRefreshSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
