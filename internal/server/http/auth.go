package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
)

// IssueToken signs an HS256 bearer token for userID. The API only verifies tokens;
// issuing lives here so the CLI and tests mint tokens the same way.
func IssueToken(key []byte, userID uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	return signed, exp, err
}

// verifyToken checks an HS256 token and returns its subject.
func verifyToken(key []byte, tok string) (uuid.UUID, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithLeeway(30*time.Second), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return uuid.Nil, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	return id, nil
}

func bearerToken(r *http.Request) (string, error) {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		if t := strings.TrimSpace(v[7:]); t != "" {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: no bearer token", errs.ErrUnauthorized)
}

// requireAuth rejects requests without a valid bearer token and stores the user ID in the context.
func requireAuth(key []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := bearerToken(r)
		if err == nil {
			var id uuid.UUID
			if id, err = verifyToken(key, tok); err == nil {
				next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="g2e"`)
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}
