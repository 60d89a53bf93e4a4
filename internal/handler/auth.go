package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gameshop-ledger/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userIDKey contextKey = "user_id"

// authMiddleware resolves the caller's user ID from a Bearer token (HS256,
// subject claim) or the X-User-ID header. Requests without either are
// rejected.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.resolveUserID(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, domain.ErrUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveUserID extracts and validates the caller's identity
func (h *Handler) resolveUserID(r *http.Request) (int64, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return h.parseToken(strings.TrimPrefix(auth, "Bearer "))
	}

	if raw := r.Header.Get("X-User-ID"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			return 0, domain.ErrUnauthorized
		}
		return userID, nil
	}

	return 0, domain.ErrUnauthorized
}

// parseToken validates an HS256 JWT and returns the subject as a user ID
func (h *Handler) parseToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrUnauthorized
		}
		return []byte(h.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return 0, domain.ErrUnauthorized
	}

	subject, err := token.Claims.GetSubject()
	if err != nil {
		return 0, domain.ErrUnauthorized
	}

	userID, err := strconv.ParseInt(subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, domain.ErrUnauthorized
	}
	return userID, nil
}

// userIDFromContext returns the authenticated user ID set by authMiddleware
func userIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userIDKey).(int64)
	return userID, ok
}
