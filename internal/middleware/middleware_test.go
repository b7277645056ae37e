package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/classhub/media/internal/identity"
)

const secret = "test-secret"

func sign(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":         "student-1",
		"accountType": "personal",
		"roles":       []string{"staff"},
		"exp":         time.Now().Add(time.Hour).Unix(),
	}
}

// capture records the principal seen by the wrapped handler.
func capture(seen **identity.Principal, called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		*seen = identity.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRequireAuth(t *testing.T) {
	token := sign(t, secret, validClaims())

	for _, tt := range []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"bad signature", "Bearer " + sign(t, "other", validClaims()), http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusNoContent},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var (
				seen   *identity.Principal
				called bool
			)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/media", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			RequireAuth(secret)(capture(&seen, &called)).ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.status == http.StatusNoContent, called)
		})
	}
}

func TestRequireAuthPrincipal(t *testing.T) {
	var (
		seen   *identity.Principal
		called bool
	)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, validClaims()))
	RequireAuth(secret)(capture(&seen, &called)).ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, seen)
	assert.Equal(t, "student-1", seen.ID)
	assert.True(t, seen.HasRole("staff"))
	assert.True(t, seen.HasRole("personal"))
	assert.False(t, seen.HasRole("admin"))
}

func TestOptionalAuth(t *testing.T) {
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	noSubject := validClaims()
	delete(noSubject, "sub")
	stringRoles := validClaims()
	stringRoles["roles"] = "admin, staff"

	for _, tt := range []struct {
		name   string
		target string
		header string
		wantID string
		roles  []string
	}{
		{name: "anonymous", target: "/objects/private/a.pdf"},
		{name: "header", target: "/objects/private/a.pdf", header: "Bearer " + sign(t, secret, validClaims()), wantID: "student-1", roles: []string{"staff", "personal"}},
		{name: "query", target: "/objects/private/a.pdf?access_token=" + sign(t, secret, validClaims()), wantID: "student-1"},
		{name: "string roles", target: "/", header: "Bearer " + sign(t, secret, stringRoles), wantID: "student-1", roles: []string{"admin", "staff"}},
		{name: "expired", target: "/", header: "Bearer " + sign(t, secret, expired)},
		{name: "no subject", target: "/", header: "Bearer " + sign(t, secret, noSubject)},
		{name: "garbage", target: "/", header: "Bearer not-a-jwt"},
		{name: "malformed header", target: "/", header: "Token abc"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var (
				seen   *identity.Principal
				called bool
			)
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			OptionalAuth(secret, zaptest.NewLogger(t))(capture(&seen, &called)).ServeHTTP(w, req)

			require.True(t, called)
			assert.Equal(t, http.StatusNoContent, w.Code)
			if tt.wantID == "" {
				assert.Nil(t, seen)
				return
			}
			require.NotNil(t, seen)
			assert.Equal(t, tt.wantID, seen.ID)
			for _, role := range tt.roles {
				assert.True(t, seen.HasRole(role), role)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := Logger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("hello"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/objects/public/a.png", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	ok := entries[0].ContextMap()
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "GET", ok["method"])
	assert.Equal(t, "/objects/public/a.png", ok["path"])
	assert.EqualValues(t, 200, ok["status"])
	assert.EqualValues(t, 5, ok["bytes"])

	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.EqualValues(t, 404, entries[1].ContextMap()["status"])
}
