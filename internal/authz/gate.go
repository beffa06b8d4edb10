package authz

import (
	"context"
	"errors"

	"gatehouse.dev/internal/auth"
)

// Gate validates inbound access tokens and enforces declared requirements
// before any handler runs. Tokens are self-contained: the permission
// snapshot embedded at issuance is trusted without a database round-trip,
// with staleness bounded by the access TTL.
type Gate struct {
	codec *auth.TokenCodec
}

// NewGate constructs a gate over the given codec.
func NewGate(codec *auth.TokenCodec) (*Gate, error) {
	if codec == nil {
		return nil, errors.New("authz: token codec is required")
	}
	return &Gate{codec: codec}, nil
}

// Authorize validates the raw token and evaluates the requirement.
// Invalid signature or expiry is ErrUnauthenticated; a valid principal
// lacking the required codes is ErrForbidden. On success the caller is
// expected to publish the principal via auth.ContextWithPrincipal.
func (g *Gate) Authorize(ctx context.Context, rawToken string, req Requirement) (auth.Principal, error) {
	if err := ctx.Err(); err != nil {
		return auth.Principal{}, err
	}
	claims, err := g.codec.Parse(rawToken)
	if err != nil {
		return auth.Principal{}, auth.ErrUnauthenticated
	}
	principal := claims.Principal()
	if !req.Satisfied(principal.Permissions) {
		return auth.Principal{}, auth.ErrForbidden
	}
	return principal, nil
}
