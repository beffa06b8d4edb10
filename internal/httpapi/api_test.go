package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/authz"
)

// tokenStore is an in-memory auth.RefreshTokenStore sufficient for the
// handler flows under test.
type tokenStore struct {
	mu   sync.Mutex
	rows map[string]*auth.RefreshToken
}

func newTokenStore() *tokenStore {
	return &tokenStore{rows: make(map[string]*auth.RefreshToken)}
}

func (m *tokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.rows[tok.SecretHash] = &cp
	return nil
}

func (m *tokenStore) Find(ctx context.Context, secretHash string) (*auth.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[secretHash]
	if !ok {
		return nil, auth.ErrTokenNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *tokenStore) Rotate(ctx context.Context, secretHash string, next *auth.RefreshToken, now time.Time, clientIP string) (*auth.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[secretHash]
	if !ok {
		return nil, auth.ErrTokenNotFound
	}
	if row.RevokedAt != nil {
		cp := *row
		return &cp, auth.ErrTokenReused
	}
	if !now.Before(row.ExpiresAt) {
		cp := *row
		return &cp, auth.ErrTokenExpired
	}
	at := now
	row.RevokedAt = &at
	row.ReplacedBy = next.ID
	cp := *next
	m.rows[next.SecretHash] = &cp
	prev := *row
	return &prev, nil
}

func (m *tokenStore) Revoke(ctx context.Context, secretHash, clientIP, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[secretHash]; ok && row.RevokedAt == nil {
		at := now
		row.RevokedAt = &at
		row.RevokeReason = reason
	}
	return nil
}

func (m *tokenStore) RevokeAllForUser(ctx context.Context, userID, clientIP, reason string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if row.UserID == userID && row.RevokedAt == nil {
			at := now
			row.RevokedAt = &at
			row.RevokeReason = reason
			n++
		}
	}
	return n, nil
}

func (m *tokenStore) EnforceUserCap(ctx context.Context, userID string, max int, now time.Time, clientIP string) error {
	return nil
}

func (m *tokenStore) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// userDirectory serves fixed records.
type userDirectory struct {
	mu    sync.Mutex
	users map[string]*auth.UserRecord
}

func (m *userDirectory) FindByCredentialKey(ctx context.Context, key string) (*auth.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == key || u.Username == key {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrUserNotFound
}

func (m *userDirectory) FindByID(ctx context.Context, userID string) (*auth.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *userDirectory) RecordLoginFailure(ctx context.Context, userID string, threshold int, lockUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.FailedAttempts++
	}
	return false, nil
}

func (m *userDirectory) ResetLoginFailures(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.FailedAttempts = 0
		u.LockedUntil = nil
	}
	return nil
}

func (m *userDirectory) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.PasswordHash = passwordHash
	}
	return nil
}

// memAuditStore collects appended entries.
type memAuditStore struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (m *memAuditStore) Append(ctx context.Context, entries ...*audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memAuditStore) byAction(action audit.Op) []*audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*audit.Entry
	for _, e := range m.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

const testPassword = "Sufficient1Pass!"

func newTestAPI(t *testing.T, perms ...string) (*API, *memAuditStore, *tokenStore) {
	t.Helper()
	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	users := &userDirectory{users: map[string]*auth.UserRecord{
		"user-1": {
			ID: "user-1", TenantID: "tenant-1", Email: "kai@example.com",
			Username: "kai", PasswordHash: hash,
			Status: auth.StatusActive, TenantStatus: auth.StatusActive,
			Roles: []string{"admin"}, Permissions: perms,
		},
	}}

	codec, err := auth.NewTokenCodec([]byte("api-test-secret"), "gatehouse-test")
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	tokens := newTokenStore()
	svc, err := auth.NewService(tokens, users, codec, auth.Config{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	gate, err := authz.NewGate(codec)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	trail := &memAuditStore{}
	return New(ReadyProbe{}, "test", svc, gate, trail, audit.NewCapture()), trail, tokens
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	api, _, _ := newTestAPI(t)
	rec := do(t, api.Handler(), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("missing security headers, got %q", got)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestLoginFlow(t *testing.T) {
	api, trail, _ := newTestAPI(t, "report.view")
	h := api.Handler()

	rec := do(t, h, http.MethodPost, "/v1/auth/login", "",
		`{"credential_key":"kai@example.com","password":"`+testPassword+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", rec.Code, rec.Body.String())
	}
	var pair tokenPairResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("incomplete pair: %+v", pair)
	}

	logins := trail.byAction(audit.OpLogin)
	if len(logins) != 1 || !logins[0].Success || logins[0].ActorID != "user-1" {
		t.Fatalf("login not audited: %+v", logins)
	}

	// the refresh secret rotates
	rec = do(t, h, http.MethodPost, "/v1/auth/refresh", "",
		`{"refresh_token":"`+pair.RefreshToken+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status %d: %s", rec.Code, rec.Body.String())
	}
	var next tokenPairResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &next); err != nil {
		t.Fatalf("decode refresh response: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatalf("refresh did not rotate the secret")
	}

	// replaying the consumed secret fails with the generic message
	rec = do(t, h, http.MethodPost, "/v1/auth/refresh", "",
		`{"refresh_token":"`+pair.RefreshToken+`"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "authentication failed") {
		t.Fatalf("replay leaked detail: %s", rec.Body.String())
	}
}

func TestLoginFailureIsGeneric(t *testing.T) {
	api, trail, _ := newTestAPI(t)
	h := api.Handler()

	for _, body := range []string{
		`{"credential_key":"kai@example.com","password":"wrong"}`,
		`{"credential_key":"ghost@example.com","password":"` + testPassword + `"}`,
	} {
		rec := do(t, h, http.MethodPost, "/v1/auth/login", "", body)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status %d for %s", rec.Code, body)
		}
		var payload map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode error payload: %v", err)
		}
		if payload["error"] != "authentication failed" {
			t.Fatalf("distinguishable failure: %v", payload["error"])
		}
	}
	failures := trail.byAction(audit.OpLogin)
	if len(failures) != 2 || failures[0].Success {
		t.Fatalf("failed logins not audited: %+v", failures)
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	api, _, _ := newTestAPI(t)
	h := api.Handler()

	rec := do(t, h, http.MethodPost, "/v1/auth/logout-all", "", `{}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/auth/logout-all", "not-a-jwt", `{}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}
}

func TestAdminRevokeRequiresPermission(t *testing.T) {
	// principal without the revoke permission
	api, _, _ := newTestAPI(t, "report.view")
	h := api.Handler()

	rec := do(t, h, http.MethodPost, "/v1/auth/login", "",
		`{"credential_key":"kai@example.com","password":"`+testPassword+`"}`)
	var pair tokenPairResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode login: %v", err)
	}

	rec = do(t, h, http.MethodPost, "/v1/admin/tokens/revoke", pair.AccessToken,
		`{"user_id":"user-1"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without permission, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminRevokeWithPermission(t *testing.T) {
	api, trail, _ := newTestAPI(t, "identity.token.revoke")
	h := api.Handler()

	rec := do(t, h, http.MethodPost, "/v1/auth/login", "",
		`{"credential_key":"kai@example.com","password":"`+testPassword+`"}`)
	var pair tokenPairResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode login: %v", err)
	}

	rec = do(t, h, http.MethodPost, "/v1/admin/tokens/revoke", pair.AccessToken,
		`{"user_id":"user-1","reason":"admin_reset"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode revoke response: %v", err)
	}
	if resp["revoked"].(float64) != 1 {
		t.Fatalf("expected one revoked token, got %v", resp["revoked"])
	}
	revokes := trail.byAction(audit.OpRevoke)
	if len(revokes) != 1 || revokes[0].ActorID != "user-1" {
		t.Fatalf("revoke not audited with actor: %+v", revokes)
	}
}

func TestLoginRejectsBadRequests(t *testing.T) {
	api, _, _ := newTestAPI(t)
	h := api.Handler()

	if rec := do(t, h, http.MethodGet, "/v1/auth/login", "", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/auth/login", "", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/auth/login", "", `{"unknown_field":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestLogoutIsPublicAndIdempotent(t *testing.T) {
	api, _, _ := newTestAPI(t)
	h := api.Handler()

	rec := do(t, h, http.MethodPost, "/v1/auth/logout", "", `{"refresh_token":"never-issued"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout of unknown secret should be a no-op, got %d", rec.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer   abc  ", "abc", true},
		{"", "", false},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"abc", "", false},
	}
	for _, tc := range cases {
		token, err := extractBearerToken(tc.header)
		if tc.ok && (err != nil || token != tc.token) {
			t.Fatalf("extractBearerToken(%q) = %q, %v", tc.header, token, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("extractBearerToken(%q): expected error", tc.header)
		}
	}
}

func TestLoginRecordsForwardedClientIP(t *testing.T) {
	api, _, tokens := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login",
		strings.NewReader(`{"credential_key":"kai@example.com","password":"`+testPassword+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 192.0.2.1")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", rec.Code, rec.Body.String())
	}

	// the address published into the request context is the one persisted
	// with the issued refresh token
	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	if len(tokens.rows) != 1 {
		t.Fatalf("expected one stored token, got %d", len(tokens.rows))
	}
	for _, row := range tokens.rows {
		if row.CreatedByIP != "203.0.113.7" {
			t.Fatalf("stored token ip = %q", row.CreatedByIP)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4242"
	if got := clientIP(req); got != "192.0.2.10" {
		t.Fatalf("clientIP = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 192.0.2.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("clientIP with XFF = %q", got)
	}
}
