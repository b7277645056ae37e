package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/classhub/media/internal/identity"
	"github.com/classhub/media/internal/response"
)

var (
	errNoToken       = errors.New("no bearer token")
	errBadAuthHeader = errors.New("invalid authorization header format")
	errBadClaims     = errors.New("invalid token claims")
)

// RequireAuth returns middleware that validates a Bearer JWT and injects the
// caller's principal into the request context. Requests without a valid token
// are rejected with 401.
func RequireAuth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authenticate(r, jwtSecret)
			switch {
			case errors.Is(err, errNoToken):
				response.Unauthorized(w, "authorization header required")
				return
			case errors.Is(err, errBadAuthHeader):
				response.Unauthorized(w, err.Error())
				return
			case err != nil:
				response.Unauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithPrincipal(r.Context(), principal)))
		})
	}
}

// OptionalAuth is like RequireAuth but lets anonymous requests through. A
// token may also arrive in the access_token query parameter so that plain
// links (img src, video src) can carry it. Invalid tokens are treated as
// absent.
func OptionalAuth(jwtSecret string, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authenticate(r, jwtSecret)
			if err != nil {
				if !errors.Is(err, errNoToken) {
					log.Debug("ignoring invalid credential", zap.String("path", r.URL.Path), zap.Error(err))
				}
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithPrincipal(r.Context(), principal)))
		})
	}
}

func authenticate(r *http.Request, jwtSecret string) (*identity.Principal, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errBadClaims
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errBadClaims
	}
	return identity.NewPrincipal(sub, roles(claims)...), nil
}

func bearerToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", errBadAuthHeader
		}
		return parts[1], nil
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", errNoToken
}

// roles collects role names from the roles claim, which may be a list or a
// comma separated string, and from accountType.
func roles(claims jwt.MapClaims) []string {
	var out []string
	switch v := claims["roles"].(type) {
	case []interface{}:
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			out = append(out, strings.TrimSpace(s))
		}
	}
	if accountType, _ := claims["accountType"].(string); accountType != "" {
		out = append(out, accountType)
	}
	return out
}
