package auth

import "errors"

// Failure taxonomy for the identity core. The HTTP layer is responsible for
// collapsing credential and token failures into a single generic message so
// callers cannot distinguish "wrong password" from "unknown account".
var (
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrAccountLocked       = errors.New("auth: account locked")
	ErrAccountInactive     = errors.New("auth: account inactive")
	ErrTenantInactive      = errors.New("auth: tenant inactive")
	ErrUserNotFound        = errors.New("auth: user not found")
	ErrTokenNotFound       = errors.New("auth: refresh token not found")
	ErrTokenExpired        = errors.New("auth: refresh token expired")
	ErrTokenReused         = errors.New("auth: refresh token reused")
	ErrUnauthenticated     = errors.New("auth: unauthenticated")
	ErrForbidden           = errors.New("auth: forbidden")
	ErrPasswordReuse       = errors.New("auth: new password matches current password")
	ErrWeakPassword        = errors.New("auth: password too weak")
	ErrConcurrencyConflict = errors.New("auth: concurrency conflict")
	ErrInvalidInput        = errors.New("auth: invalid input")
)
