package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, subject string, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestResolveUserID(t *testing.T) {
	h := newTestHandler(&fakeShop{}, &fakeStats{})

	validToken := signToken(t, "test-secret", "42", time.Now().Add(time.Hour))
	expiredToken := signToken(t, "test-secret", "42", time.Now().Add(-time.Hour))
	wrongKeyToken := signToken(t, "other-secret", "42", time.Now().Add(time.Hour))
	badSubjectToken := signToken(t, "test-secret", "not-a-number", time.Now().Add(time.Hour))

	tests := []struct {
		name    string
		headers map[string]string
		want    int64
		wantErr bool
	}{
		{"valid bearer token", map[string]string{"Authorization": "Bearer " + validToken}, 42, false},
		{"expired token", map[string]string{"Authorization": "Bearer " + expiredToken}, 0, true},
		{"wrong signing key", map[string]string{"Authorization": "Bearer " + wrongKeyToken}, 0, true},
		{"non-numeric subject", map[string]string{"Authorization": "Bearer " + badSubjectToken}, 0, true},
		{"garbage token", map[string]string{"Authorization": "Bearer abc.def.ghi"}, 0, true},
		{"x-user-id fallback", map[string]string{"X-User-ID": "7"}, 7, false},
		{"x-user-id non-numeric", map[string]string{"X-User-ID": "seven"}, 0, true},
		{"x-user-id zero", map[string]string{"X-User-ID": "0"}, 0, true},
		{"no credentials", nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			got, err := h.resolveUserID(req)
			if tt.wantErr {
				if err == nil {
					t.Errorf("resolveUserID() = %d, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveUserID() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("resolveUserID() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBearerTokenPreferredOverHeader(t *testing.T) {
	h := newTestHandler(&fakeShop{}, &fakeStats{})

	token := signToken(t, "test-secret", "42", time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-User-ID", "7")

	got, err := h.resolveUserID(req)
	if err != nil {
		t.Fatalf("resolveUserID() error = %v", err)
	}
	if got != 42 {
		t.Errorf("resolveUserID() = %d, want 42 (token wins)", got)
	}
}

func TestAuthMiddlewareSetsContext(t *testing.T) {
	h := newTestHandler(&fakeShop{}, &fakeStats{})

	var seen int64
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDFromContext(r.Context())
		if !ok {
			t.Error("user ID missing from context")
		}
		seen = userID
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "13")
	rec := httptest.NewRecorder()
	h.authMiddleware(inner).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if seen != 13 {
		t.Errorf("user ID in context = %d, want 13", seen)
	}
}
