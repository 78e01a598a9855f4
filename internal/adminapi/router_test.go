package adminapi

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eyrie-systems/remctld/internal/policy"
)

func generateRouterTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

func validBearerToken(t *testing.T, priv *rsa.PrivateKey, scopes ...string) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   "test",
		},
		Scopes: scopes,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func TestRouter_HealthzNoAuth(t *testing.T) {
	_, pub := generateRouterTestKey(t)
	srv := NewServer(&mockHistory{}, func() *policy.Table { return &policy.Table{} }, &mockSpool{})
	h := NewRouter(srv, pub)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRouter_APIRoutesRequireJWT(t *testing.T) {
	_, pub := generateRouterTestKey(t)
	srv := NewServer(&mockHistory{}, func() *policy.Table { return &policy.Table{} }, &mockSpool{})
	h := NewRouter(srv, pub)

	routes := []string{
		"/api/v1/policy",
		"/api/v1/history?from=2026-07-01T00:00:00Z&to=2026-07-30T00:00:00Z",
		"/api/v1/spool",
	}

	for _, route := range routes {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("route %s: expected 401 without JWT, got %d", route, rec.Code)
		}
	}
}

func TestRouter_APIRoutesAccessibleWithJWT(t *testing.T) {
	priv, pub := generateRouterTestKey(t)
	srv := NewServer(&mockHistory{}, func() *policy.Table { return &policy.Table{} }, &mockSpool{})
	h := NewRouter(srv, pub)

	bearer := validBearerToken(t, priv, "policy:read")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/policy", nil)
	req.Header.Set("Authorization", bearer)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid JWT, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestRouter_MissingScope_Returns403(t *testing.T) {
	priv, pub := generateRouterTestKey(t)
	srv := NewServer(&mockHistory{}, func() *policy.Table { return &policy.Table{} }, &mockSpool{})
	h := NewRouter(srv, pub)

	// Token is valid but only carries the history scope; the policy route
	// requires "policy:read".
	bearer := validBearerToken(t, priv, "history:read")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/policy", nil)
	req.Header.Set("Authorization", bearer)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestRouter_AdminScope_GrantsEveryRoute(t *testing.T) {
	priv, pub := generateRouterTestKey(t)
	srv := NewServer(&mockHistory{}, func() *policy.Table { return &policy.Table{} }, &mockSpool{})
	h := NewRouter(srv, pub)

	bearer := validBearerToken(t, priv, "admin")

	routes := []string{
		"/api/v1/policy",
		"/api/v1/history?from=2026-07-01T00:00:00Z&to=2026-07-30T00:00:00Z",
		"/api/v1/spool",
	}
	for _, route := range routes {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		req.Header.Set("Authorization", bearer)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("route %s: expected 200 with admin scope, got %d; body: %s", route, rec.Code, rec.Body)
		}
	}
}

func TestRouter_NilPubKeyDisablesAuth(t *testing.T) {
	srv := NewServer(&mockHistory{}, func() *policy.Table { return &policy.Table{} }, &mockSpool{})
	h := NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/spool", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", rec.Code)
	}
}
