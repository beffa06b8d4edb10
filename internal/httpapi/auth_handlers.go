package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
)

type loginRequest struct {
	CredentialKey string `json:"credential_key"`
	Password      string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type adminRevokeRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	ip := auth.ClientIPFromContext(ctx)
	pair, principal, err := a.svc.Login(ctx, req.CredentialKey, req.Password, ip)
	if err != nil {
		a.auditEvent(ctx, "", audit.OpLogin, "session", "", false, err.Error())
		authError(w, r, err)
		return
	}

	ctx = auth.ContextWithPrincipal(ctx, principal)
	a.auditEvent(ctx, principal.TenantID, audit.OpLogin, "session", principal.UserID, true, "")

	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshSecret,
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	pair, principal, err := a.svc.Refresh(ctx, req.RefreshToken, auth.ClientIPFromContext(ctx))
	if err != nil {
		a.auditEvent(ctx, "", audit.OpRefresh, "session", "", false, err.Error())
		authError(w, r, err)
		return
	}

	ctx = auth.ContextWithPrincipal(ctx, principal)
	a.auditEvent(ctx, principal.TenantID, audit.OpRefresh, "session", principal.UserID, true, "")

	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshSecret,
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if err := a.svc.Logout(ctx, req.RefreshToken, auth.ClientIPFromContext(ctx)); err != nil {
		a.auditEvent(ctx, "", audit.OpLogout, "session", "", false, err.Error())
		authError(w, r, err)
		return
	}
	a.auditEvent(ctx, "", audit.OpLogout, "session", "", true, "")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ctx := r.Context()
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
		return
	}

	n, err := a.svc.RevokeAllForUser(ctx, principal.UserID, auth.ClientIPFromContext(ctx), "logout_all")
	if err != nil {
		a.auditEvent(ctx, principal.TenantID, audit.OpRevoke, "session", principal.UserID, false, err.Error())
		authError(w, r, err)
		return
	}
	a.auditEvent(ctx, principal.TenantID, audit.OpRevoke, "session", principal.UserID, true, "")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "revoked": n})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
		return
	}

	err := a.svc.ChangePassword(ctx, principal.UserID, req.OldPassword, req.NewPassword, auth.ClientIPFromContext(ctx))
	if err != nil {
		a.auditEvent(ctx, principal.TenantID, audit.OpUpdate, "user_credential", principal.UserID, false, err.Error())
		switch {
		case errors.Is(err, auth.ErrPasswordReuse), errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			authError(w, r, err)
		}
		return
	}
	a.auditEvent(ctx, principal.TenantID, audit.OpUpdate, "user_credential", principal.UserID, true, "")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req adminRevokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "admin_reset"
	}

	ctx := r.Context()
	principal, _ := auth.PrincipalFromContext(ctx)

	n, err := a.svc.RevokeAllForUser(ctx, req.UserID, auth.ClientIPFromContext(ctx), reason)
	if err != nil {
		a.auditEvent(ctx, principal.TenantID, audit.OpRevoke, "session", req.UserID, false, err.Error())
		authError(w, r, err)
		return
	}
	a.auditEvent(ctx, principal.TenantID, audit.OpRevoke, "session", req.UserID, true, "")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "revoked": n})
}

// authError maps the failure taxonomy to HTTP statuses. All credential and
// token failures collapse into one generic 401 so the response cannot help
// an attacker distinguish a wrong password from an unknown account or a
// replayed token. Forbidden stays distinguishable: the caller is already
// authenticated.
func authError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrAccountLocked),
		errors.Is(err, auth.ErrAccountInactive),
		errors.Is(err, auth.ErrTenantInactive),
		errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, auth.ErrTokenNotFound),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenReused),
		errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrConcurrencyConflict):
		writeError(w, r, http.StatusConflict, "concurrency conflict")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
