package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := SignToken("u1", "a@b.c", true, time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}

	var got *Claims
	handler := WithAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClaimsFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil || got.UID != "u1" || got.Email != "a@b.c" || !got.Admin {
		t.Fatalf("unexpected claims: %+v", got)
	}
}

func TestWithAuthIgnoresBadToken(t *testing.T) {
	called := false
	handler := WithAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := ClaimsFromContext(r.Context()); ok {
			t.Fatalf("claims must not be set for a bad token")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !called {
		t.Fatalf("next handler must still run without auth")
	}
}

func TestRequireAdmin(t *testing.T) {
	protected := WithAuth(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	userToken, _ := SignToken("u1", "a@b.c", false, time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}

	adminToken, _ := SignToken("u2", "admin@b.c", true, time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}
}
