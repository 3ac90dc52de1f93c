package middleware

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type authCtxKey int

const authKey authCtxKey = 7

type Claims struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Admin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

func secret() []byte {
	s := os.Getenv("AIVP_JWT_SECRET")
	if s == "" {
		s = "aivp-dev-secret"
	}
	return []byte(s)
}

func SignToken(uid, email string, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{UID: uid, Email: email, Admin: admin, RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(ttl))}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret())
}

func parseToken(tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(token *jwt.Token) (interface{}, error) { return secret(), nil })
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*Claims); ok && t.Valid {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

// Attach auth claims to context if Authorization header present and valid.
func WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			if c, err := parseToken(tok); err == nil {
				ctx := context.WithValue(r.Context(), authKey, c)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(authKey).(*Claims); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := r.Context().Value(authKey).(*Claims)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !c.Admin {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(authKey).(*Claims)
	return c, ok
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	if c, ok := ctx.Value(authKey).(*Claims); ok && c.UID != "" {
		return c.UID, true
	}
	return "", false
}
