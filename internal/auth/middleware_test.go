package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"coldchain-cloud/internal/audit"
	alerts "coldchain-cloud/internal/alerts/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	mw := NewMiddleware(testSecret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAuthMiddleware_RoleMatrix(t *testing.T) {
	tests := []struct {
		role   string
		method string
		path   string
		want   int
	}{
		{"viewer", http.MethodGet, "/api/v1/alerts", http.StatusOK},
		{"viewer", http.MethodPost, "/api/v1/alerts/a-1/ack", http.StatusForbidden},
		{"operator", http.MethodPost, "/api/v1/alerts/a-1/ack", http.StatusOK},
		{"viewer", http.MethodPost, "/api/v1/readings", http.StatusForbidden},
		{"operator", http.MethodPost, "/api/v1/units/u-1/manual-logs", http.StatusOK},
		{"operator", http.MethodPost, "/api/v1/units/u-1/reset", http.StatusForbidden},
		{"admin", http.MethodPost, "/api/v1/units/u-1/reset", http.StatusOK},
		{"viewer", http.MethodGet, "/api/v1/units/u-1/state", http.StatusOK},
		{"operator", http.MethodGet, "/api/v1/alerts/export.xlsx", http.StatusForbidden},
		{"admin", http.MethodGet, "/api/v1/alerts/export.pdf", http.StatusOK},
	}
	mw := NewMiddleware(testSecret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler())
	for _, tt := range tests {
		t.Run(tt.role+" "+tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("Authorization", "Bearer "+mustToken(t, testSecret, "org-a", tt.role))
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, req)
			assert.Equal(t, tt.want, resp.Code)
		})
	}
}

func TestAuthMiddleware_IdentityAndAuditMeta(t *testing.T) {
	var (
		orgID string
		role  Role
		meta  audit.RequestMeta
	)
	mw := NewMiddleware(testSecret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID = OrganizationIDFromContext(r.Context())
		role = RoleFromContext(r.Context())
		meta = audit.RequestMetaFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts/stream?access_token="+mustToken(t, testSecret, "org-a", "viewer"), nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.7, 10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "org-a", orgID)
	assert.Equal(t, RoleViewer, role)
	assert.Equal(t, "10.0.0.7", meta.IP)
	assert.Equal(t, "viewer", meta.Role)
}

func TestAuthMiddleware_ExemptPaths(t *testing.T) {
	mw := NewMiddleware(testSecret, NewDefaultPolicy([]string{"/healthz"}, []string{"/api/v1/ingest/"}))
	handler := mw.Wrap(okHandler())
	for _, path := range []string{"/healthz", "/api/v1/ingest/readings"} {
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusOK, resp.Code, path)
	}
}

func TestParseJWT_Rejects(t *testing.T) {
	_, err := ParseJWT(mustToken(t, []byte("other"), "org-a", "viewer"), testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseJWT(mustToken(t, testSecret, "", "viewer"), testSecret)
	assert.Error(t, err)

	_, err = ParseJWT(mustToken(t, testSecret, "org-a", "root"), testSecret)
	assert.Error(t, err)

	token, err := IssueJWT(testSecret, "org-a", RoleOperator, "svc-gateway", time.Hour)
	require.NoError(t, err)
	claims, err := ParseJWT(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "svc-gateway", claims.Subject)
}

func TestIngestAuth(t *testing.T) {
	now := time.Unix(1_772_438_400, 0)
	mw := NewIngestAuthMiddleware([]byte("ingest"), 5*time.Minute)
	mw.now = func() time.Time { return now }
	handler := mw.Wrap(okHandler())
	body := `{"unit_id":"u-1"}`

	send := func(ts int64, signature string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/readings", strings.NewReader(body))
		stamp := strconv.FormatInt(ts, 10)
		req.Header.Set(HeaderIngestTimestamp, stamp)
		if signature == "" {
			signature = SignIngest([]byte("ingest"), stamp, []byte(body))
		}
		req.Header.Set(HeaderIngestSignature, signature)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp.Code
	}

	assert.Equal(t, http.StatusOK, send(now.Unix(), ""))
	assert.Equal(t, http.StatusUnauthorized, send(now.Unix(), "deadbeef"))
	assert.Equal(t, http.StatusUnauthorized, send(now.Add(-10*time.Minute).Unix(), ""))
}

type unitMap map[string]alerts.Unit

func (m unitMap) GetUnit(_ context.Context, id string) (alerts.Unit, error) {
	unit, ok := m[id]
	if !ok {
		return alerts.Unit{}, alerts.ErrNotFound
	}
	return unit, nil
}

func TestUnitChecker(t *testing.T) {
	checker := NewUnitChecker(unitMap{"u-1": {ID: "u-1", OrganizationID: "org-a"}})
	ctx := context.Background()
	assert.NoError(t, checker.EnsureUnitTenant(ctx, "org-a", "u-1"))
	assert.ErrorIs(t, checker.EnsureUnitTenant(ctx, "org-b", "u-1"), ErrTenantMismatch)
	assert.ErrorIs(t, checker.EnsureUnitTenant(ctx, "org-a", "u-2"), ErrNotFound)
}

func mustToken(t *testing.T, secret []byte, organizationID, role string) string {
	t.Helper()
	claims := Claims{
		OrganizationID: organizationID,
		Role:           role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestRoleAllows(t *testing.T) {
	role, err := ParseRole(" Operator ")
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, role)
	assert.True(t, role.Allows(RoleViewer))
	assert.False(t, role.Allows(RoleAdmin))

	_, err = ParseRole("root")
	assert.ErrorIs(t, err, ErrInvalidRole)
	assert.False(t, Role("root").Allows(RoleViewer))
}
