package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenTypeAccess = "access"

// Claims carries the self-contained principal snapshot inside an access
// token. Permission codes are embedded at issuance so request authorization
// needs no database round-trip; staleness is bounded by the access TTL.
type Claims struct {
	TenantID    string   `json:"tid"`
	OrgID       string   `json:"org,omitempty"`
	Email       string   `json:"email,omitempty"`
	Username    string   `json:"name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Principal reconstructs the request principal from validated claims.
func (c *Claims) Principal() Principal {
	perms := make(map[string]struct{}, len(c.Permissions))
	for _, code := range c.Permissions {
		code = strings.ToLower(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		perms[code] = struct{}{}
	}
	return Principal{
		UserID:      c.Subject,
		TenantID:    c.TenantID,
		Email:       c.Email,
		Username:    c.Username,
		OrgID:       c.OrgID,
		Roles:       append([]string(nil), c.Roles...),
		Permissions: perms,
	}
}

// TokenCodec issues and parses signed access tokens (HS256).
type TokenCodec struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// CodecOption configures TokenCodec behavior.
type CodecOption func(*TokenCodec)

// WithCodecClock overrides the time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithCodecTTL configures the access token lifetime.
func WithCodecTTL(ttl time.Duration) CodecOption {
	return func(c *TokenCodec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// NewTokenCodec constructs a codec for the given signing secret and issuer.
func NewTokenCodec(secret []byte, issuer string, opts ...CodecOption) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	c := &TokenCodec{
		secret: secret,
		issuer: issuer,
		ttl:    15 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the configured access token lifetime.
func (c *TokenCodec) TTL() time.Duration { return c.ttl }

// Issue signs an access token for the principal and returns it with its
// expiry instant.
func (c *TokenCodec) Issue(p Principal) (string, time.Time, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := c.now().UTC()
	exp := now.Add(c.ttl)
	claims := Claims{
		TenantID:    p.TenantID,
		OrgID:       p.OrgID,
		Email:       p.Email,
		Username:    p.Username,
		Roles:       dedupeLower(p.Roles),
		Permissions: p.PermissionList(),
		TokenType:   tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies the token signature and required claims. Every validation
// failure surfaces as ErrUnauthenticated so callers cannot leak detail.
func (c *TokenCodec) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return c.now().UTC() }),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, ErrUnauthenticated
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrUnauthenticated
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrUnauthenticated
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

func dedupeLower(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
