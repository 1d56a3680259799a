package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"coldchain-cloud/internal/audit"
)

const streamPath = "/api/v1/alerts/stream"

// Middleware authenticates bearer tokens and enforces the role a route needs.
type Middleware struct {
	Secret []byte
	Policy Policy
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(secret []byte, policy Policy) *Middleware {
	return &Middleware{Secret: secret, Policy: policy}
}

// Wrap gates next behind the policy. Admitted requests carry the caller
// identity and audit metadata in their context.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		required, guarded := m.guard(r)
		if !guarded {
			next.ServeHTTP(w, r)
			return
		}
		claims, role, err := m.authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="coldchain"`)
			deny(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}
		if !role.Allows(required) {
			deny(w, http.StatusForbidden, ErrForbidden)
			return
		}
		ctx := WithIdentity(r.Context(), claims.OrganizationID, role, claims.Subject)
		ctx = audit.WithRequestMeta(ctx, audit.MetaFromRequest(r, string(role)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) guard(r *http.Request) (Role, bool) {
	if m.Policy.IsExempt(r) {
		return "", false
	}
	return m.Policy.RequiredRole(r)
}

func (m *Middleware) authenticate(r *http.Request) (*Claims, Role, error) {
	claims, err := ParseJWT(bearerToken(r), m.Secret)
	if err != nil {
		return nil, "", err
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return nil, "", err
	}
	return claims, role, nil
}

func deny(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// bearerToken reads the Authorization header. The alert stream also accepts
// an access_token query parameter since EventSource cannot set headers.
func bearerToken(r *http.Request) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if found && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if r.URL.Path == streamPath {
		return r.URL.Query().Get("access_token")
	}
	return ""
}
