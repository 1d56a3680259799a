package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"coldchain-cloud/internal/alerts/application"
	alerts "coldchain-cloud/internal/alerts/domain"
	"coldchain-cloud/internal/alerts/infrastructure/memory"
	"coldchain-cloud/internal/alerts/notify"
	"coldchain-cloud/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

type testAPI struct {
	clock  *fakeClock
	units  *memory.UnitDirectory
	rules  *memory.RuleStore
	alerts *memory.AlertStore
	broker *notify.Broker
	router http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	api := &testAPI{
		clock:  &fakeClock{now: t0},
		units:  memory.NewUnitDirectory(),
		rules:  memory.NewRuleStore(),
		alerts: memory.NewAlertStore(),
		broker: notify.NewBroker(8),
	}
	ctx := context.Background()
	for _, unit := range []alerts.Unit{
		{ID: "unit-1", SiteID: "site-1", OrganizationID: "org-1", Active: true, CreatedAt: t0.Add(-time.Hour)},
		{ID: "unit-9", SiteID: "site-9", OrganizationID: "org-2", Active: true, CreatedAt: t0.Add(-time.Hour)},
	} {
		require.NoError(t, api.units.PutUnit(ctx, unit))
	}
	lo, hi := alerts.Centi(0), alerts.Centi(4000)
	confirm := 5
	require.NoError(t, api.rules.PutRules(ctx, alerts.RuleFragment{
		Scope: alerts.ScopeOrganization, ScopeID: "org-1", TempMin: &lo, TempMax: &hi, ConfirmDelayMinutes: &confirm,
	}))

	resolver, err := application.NewRuleResolver(api.rules, api.units, zap.NewNop())
	require.NoError(t, err)
	lifecycle, err := application.NewLifecycle(api.alerts,
		application.WithDispatcher(api.broker),
		application.WithLifecycleClock(api.clock),
		application.WithRetryPolicy(application.RetryPolicy{Attempts: 1}),
	)
	require.NoError(t, err)
	rejections := memory.NewRejectionLog(50)
	engine, err := application.NewEngine(api.units, memory.NewStateStore(), resolver, lifecycle,
		application.WithEngineClock(api.clock),
		application.WithRejectionLog(rejections),
		application.WithStatusListener(api.broker),
	)
	require.NoError(t, err)

	handler, err := NewHandler(engine, lifecycle, api.alerts,
		WithResolver(resolver),
		WithRejections(rejections),
		WithBroker(api.broker),
		WithTenantChecker(auth.NewUnitChecker(api.units)),
		WithNow(api.clock.Now),
		WithStreamHeartbeat(50*time.Millisecond),
	)
	require.NoError(t, err)
	router := chi.NewRouter()
	handler.Register(router)
	api.router = router
	return api
}

func (api *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), "org-1", auth.RoleAdmin, "alice"))
	resp := httptest.NewRecorder()
	api.router.ServeHTTP(resp, req)
	return resp
}

func (api *testAPI) reading(t *testing.T, at time.Time, temp float64) *httptest.ResponseRecorder {
	t.Helper()
	api.clock.Set(at)
	body, err := json.Marshal(map[string]any{"temperature": temp, "recorded_at": at})
	require.NoError(t, err)
	return api.do(t, http.MethodPost, "/api/v1/units/unit-1/readings", string(body))
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out), resp.Body.String())
	return out
}

func TestReadingsDriveStateAndAlerts(t *testing.T) {
	api := newTestAPI(t)

	require.Equal(t, http.StatusAccepted, api.reading(t, t0, 50).Code)
	require.Equal(t, http.StatusAccepted, api.reading(t, t0.Add(6*time.Minute), 52).Code)

	state := decode[alerts.UnitRuntimeState](t, api.do(t, http.MethodGet, "/api/v1/units/unit-1/state", ""))
	assert.Equal(t, alerts.StatusExcursion, state.Status)

	list := decode[[]alerts.Alert](t, api.do(t, http.MethodGet, "/api/v1/alerts?status=active", ""))
	require.Len(t, list, 1)
	assert.Equal(t, alerts.AlertTemperature, list[0].Type)

	resp := api.do(t, http.MethodPost, "/api/v1/alerts/"+list[0].ID+"/ack", "")
	require.Equal(t, http.StatusOK, resp.Code)
	outcome := decode[alerts.AlertOutcome](t, resp)
	assert.Equal(t, alerts.OutcomeAcknowledged, outcome.Action)
	assert.Equal(t, "alice", outcome.Alert.AcknowledgedBy)

	resp = api.do(t, http.MethodPost, "/api/v1/alerts/"+list[0].ID+"/escalate", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, decode[alerts.AlertOutcome](t, resp).Alert.EscalationLevel)

	resp = api.do(t, http.MethodPost, "/api/v1/alerts/"+list[0].ID+"/ack", "")
	assert.Equal(t, http.StatusConflict, resp.Code, "escalated alerts cannot be acknowledged")

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, "/api/v1/alerts/missing/ack", "").Code)
}

func TestRejectedReadingsReturn422(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusAccepted, api.reading(t, t0.Add(5*time.Minute), 3).Code)

	resp := api.reading(t, t0.Add(2*time.Minute), 3)
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	rejection := decode[application.Rejection](t, resp)
	assert.Equal(t, application.RejectOutOfOrder, rejection.Reason)

	list := decode[[]application.Rejection](t, api.do(t, http.MethodGet, "/api/v1/rejections?unit_id=unit-1", ""))
	require.Len(t, list, 1)
	assert.Equal(t, "unit-1", list[0].UnitID)

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/api/v1/rejections", "").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/api/v1/units/unit-1/readings", "{").Code)
}

func TestBatchReadings(t *testing.T) {
	api := newTestAPI(t)
	api.clock.Set(t0.Add(10 * time.Minute))
	body := `[
		{"unit_id":"unit-1","temperature":3.1,"recorded_at":"2026-03-02T08:06:00Z"},
		{"unit_id":"unit-1","temperature":3.0,"recorded_at":"2026-03-02T08:00:00Z"},
		{"unit_id":"unit-1","recorded_at":"2026-03-02T08:07:00Z"}
	]`
	resp := api.do(t, http.MethodPost, "/api/v1/readings", body)
	require.Equal(t, http.StatusAccepted, resp.Code)
	result := decode[application.BatchResult](t, resp)
	assert.Equal(t, 2, result.Accepted)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, application.RejectInvalidReading, result.Rejected[0].Reason)
}

func TestTenantIsolation(t *testing.T) {
	api := newTestAPI(t)
	api.clock.Set(t0)

	assert.Equal(t, http.StatusForbidden, api.do(t, http.MethodGet, "/api/v1/units/unit-9/state", "").Code)
	assert.Equal(t, http.StatusForbidden, api.do(t, http.MethodPost, "/api/v1/readings",
		`{"unit_id":"unit-9","temperature":3,"recorded_at":"2026-03-02T08:00:00Z"}`).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/v1/units/unit-404/state", "").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/api/v1/alerts?organization_id=org-2", "").Code)

	foreign := alerts.Alert{ID: "foreign", UnitID: "unit-9", OrganizationID: "org-2", Type: alerts.AlertOffline,
		Severity: alerts.SeverityCritical, Status: alerts.AlertActive, TriggeredAt: t0}
	require.NoError(t, api.alerts.CreateAlert(context.Background(), foreign))
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/v1/alerts/foreign", "").Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, "/api/v1/alerts/foreign/escalate", "").Code)
}

func TestManualLogResetAndRules(t *testing.T) {
	api := newTestAPI(t)
	api.clock.Set(t0.Add(time.Minute))

	resp := api.do(t, http.MethodPost, "/api/v1/units/unit-1/manual-logs", `{"logged_at":"2026-03-02T08:00:30Z"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	state := decode[alerts.UnitRuntimeState](t, resp)
	assert.Equal(t, t0.Add(30*time.Second), state.LastManualLogAt.UTC())

	resp = api.do(t, http.MethodPost, "/api/v1/units/unit-1/reset", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, alerts.StatusOK, decode[alerts.UnitRuntimeState](t, resp).Status)

	rule := decode[ruleView](t, api.do(t, http.MethodGet, "/api/v1/units/unit-1/rules", ""))
	assert.Equal(t, 40.0, rule.TempMax)
	assert.Equal(t, int64(300), rule.ConfirmDelaySeconds)
	assert.Equal(t, alerts.RuleSourceMerged, rule.Source)
}

func TestExports(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusAccepted, api.reading(t, t0, 50).Code)
	require.Equal(t, http.StatusAccepted, api.reading(t, t0.Add(6*time.Minute), 52).Code)

	resp := api.do(t, http.MethodGet, "/api/v1/alerts/export.pdf", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/pdf", resp.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(resp.Body.String(), "%PDF-"))

	resp = api.do(t, http.MethodGet, "/api/v1/alerts/export.xlsx?from=2026-03-02T00:00:00Z&to=2026-03-03T00:00:00Z", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Header().Get("Content-Disposition"), "alerts.xlsx")
	assert.NotZero(t, resp.Body.Len())

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/api/v1/alerts/export.pdf?from=yesterday", "").Code)
}

func TestStreamDeliversOrganizationEvents(t *testing.T) {
	api := newTestAPI(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(auth.WithIdentity(r.Context(), "org-1", auth.RoleViewer, "viewer"))
		api.router.ServeHTTP(w, r)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/alerts/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: ready\n", line)

	require.Eventually(t, func() bool { return api.broker.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	api.broker.UnitStatusChanged(context.Background(), alerts.Unit{ID: "unit-9", OrganizationID: "org-2"}, alerts.StatusOK, alerts.StatusOffline, t0)
	api.broker.UnitStatusChanged(context.Background(), alerts.Unit{ID: "unit-1", OrganizationID: "org-1"}, alerts.StatusOK, alerts.StatusOffline, t0)

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"kind":"status"`) {
			break
		}
	}
	assert.Contains(t, line, `"unit_id":"unit-1"`)
	assert.NotContains(t, line, "unit-9")
}
