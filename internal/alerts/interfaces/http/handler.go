// Package http exposes the alert engine over a chi REST API and an SSE stream.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"coldchain-cloud/internal/alerts/application"
	alerts "coldchain-cloud/internal/alerts/domain"
	"coldchain-cloud/internal/alerts/notify"
	"coldchain-cloud/internal/auth"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	timeLayout       = time.RFC3339
	defaultListLimit = 100
	maxListLimit     = 1000
	maxExportRows    = 10000
	maxBodyBytes     = 1 << 20
)

// AlertQueries reads alert records.
type AlertQueries interface {
	GetAlert(ctx context.Context, alertID string) (alerts.Alert, error)
	ListAlerts(ctx context.Context, filter application.AlertFilter) ([]alerts.Alert, error)
}

// Handler provides the alert HTTP endpoints.
type Handler struct {
	engine     *application.Engine
	lifecycle  *application.Lifecycle
	queries    AlertQueries
	resolver   *application.RuleResolver
	rejections application.RejectionLog
	broker     *notify.Broker
	checker    auth.UnitTenantChecker
	ingest     *auth.IngestAuthMiddleware
	heartbeat  time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// Option customizes the handler.
type Option func(*Handler)

// WithResolver exposes effective rules per unit.
func WithResolver(resolver *application.RuleResolver) Option {
	return func(h *Handler) { h.resolver = resolver }
}

// WithRejections exposes the reading rejection log.
func WithRejections(log application.RejectionLog) Option {
	return func(h *Handler) { h.rejections = log }
}

// WithBroker enables the live alert stream.
func WithBroker(broker *notify.Broker) Option {
	return func(h *Handler) { h.broker = broker }
}

// WithTenantChecker restricts unit access to the caller's organization.
func WithTenantChecker(checker auth.UnitTenantChecker) Option {
	return func(h *Handler) { h.checker = checker }
}

// WithIngestAuth mounts the signed gateway ingest route.
func WithIngestAuth(ingest *auth.IngestAuthMiddleware) Option {
	return func(h *Handler) { h.ingest = ingest }
}

// WithStreamHeartbeat sets the SSE keep-alive interval.
func WithStreamHeartbeat(interval time.Duration) Option {
	return func(h *Handler) {
		if interval > 0 {
			h.heartbeat = interval
		}
	}
}

// WithNow overrides the time source used for defaults.
func WithNow(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler constructs a handler.
func NewHandler(engine *application.Engine, lifecycle *application.Lifecycle, queries AlertQueries, opts ...Option) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("alerts handler: nil engine")
	}
	if lifecycle == nil {
		return nil, errors.New("alerts handler: nil lifecycle")
	}
	if queries == nil {
		return nil, errors.New("alerts handler: nil alert queries")
	}
	h := &Handler{
		engine:    engine,
		lifecycle: lifecycle,
		queries:   queries,
		heartbeat: 25 * time.Second,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.logger = h.logger.Named("alerts_http")
	return h, nil
}

// Register mounts the routes under /api/v1.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/readings", h.handleReadings)
		if h.ingest != nil {
			r.With(h.ingest.Wrap).Post("/ingest/readings", h.handleReadings)
		}
		r.Route("/units/{unitID}", func(r chi.Router) {
			r.Post("/readings", h.handleUnitReading)
			r.Post("/manual-logs", h.handleManualLog)
			r.Get("/state", h.handleState)
			r.Get("/rules", h.handleRules)
			r.Post("/reset", h.handleReset)
		})
		r.Get("/alerts", h.handleListAlerts)
		r.Get("/alerts/stream", h.handleStream)
		r.Get("/alerts/export.xlsx", h.handleExportXLSX)
		r.Get("/alerts/export.pdf", h.handleExportPDF)
		r.Get("/alerts/{alertID}", h.handleGetAlert)
		r.Post("/alerts/{alertID}/ack", h.handleAck)
		r.Post("/alerts/{alertID}/escalate", h.handleEscalate)
		r.Get("/rejections", h.handleRejections)
	})
}

func (h *Handler) handleReadings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []application.ReadingInput
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		for _, in := range batch {
			if err := h.ensureUnit(r, in.UnitID); err != nil {
				h.respondError(w, err)
				return
			}
		}
		result := h.engine.SubmitReadings(r.Context(), batch)
		writeJSON(w, http.StatusAccepted, result)
		return
	}
	var in application.ReadingInput
	if err := json.Unmarshal(trimmed, &in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	h.submitOne(w, r, in)
}

func (h *Handler) handleUnitReading(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitID")
	var in application.ReadingInput
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if in.UnitID != "" && in.UnitID != unitID {
		http.Error(w, "unit_id does not match path", http.StatusBadRequest)
		return
	}
	in.UnitID = unitID
	h.submitOne(w, r, in)
}

func (h *Handler) submitOne(w http.ResponseWriter, r *http.Request, in application.ReadingInput) {
	if err := h.ensureUnit(r, in.UnitID); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.engine.SubmitReading(r.Context(), in); err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, application.BatchResult{Accepted: 1})
}

func (h *Handler) handleManualLog(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitID")
	var req struct {
		LoggedAt *time.Time `json:"logged_at"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	loggedAt := h.now()
	if req.LoggedAt != nil {
		loggedAt = req.LoggedAt.UTC()
	}
	if err := h.ensureUnit(r, unitID); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.engine.RecordManualLog(r.Context(), unitID, loggedAt); err != nil {
		h.respondError(w, err)
		return
	}
	state, err := h.engine.State(r.Context(), unitID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitID")
	if err := h.ensureUnit(r, unitID); err != nil {
		h.respondError(w, err)
		return
	}
	state, err := h.engine.State(r.Context(), unitID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleRules(w http.ResponseWriter, r *http.Request) {
	if h.resolver == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	unitID := chi.URLParam(r, "unitID")
	if err := h.ensureUnit(r, unitID); err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRuleView(h.resolver.Resolve(r.Context(), unitID)))
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitID")
	if err := h.ensureUnit(r, unitID); err != nil {
		h.respondError(w, err)
		return
	}
	state, err := h.engine.ResetUnit(r.Context(), unitID, actorFrom(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := h.alertFilter(r, defaultListLimit, maxListLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ensureUnit(r, filter.UnitID); err != nil {
		h.respondError(w, err)
		return
	}
	list, err := h.queries.ListAlerts(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if list == nil {
		list = []alerts.Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.ownedAlert(r, chi.URLParam(r, "alertID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	h.alertAction(w, r, h.lifecycle.Acknowledge)
}

func (h *Handler) handleEscalate(w http.ResponseWriter, r *http.Request) {
	h.alertAction(w, r, h.lifecycle.Escalate)
}

func (h *Handler) alertAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, alertID, actor string) (alerts.AlertOutcome, error)) {
	alertID := chi.URLParam(r, "alertID")
	if _, err := h.ownedAlert(r, alertID); err != nil {
		h.respondError(w, err)
		return
	}
	outcome, err := action(r.Context(), alertID, actorFrom(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) handleRejections(w http.ResponseWriter, r *http.Request) {
	if h.rejections == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	unitID := r.URL.Query().Get("unit_id")
	if unitID == "" && auth.OrganizationIDFromContext(r.Context()) != "" {
		http.Error(w, "unit_id is required", http.StatusBadRequest)
		return
	}
	if err := h.ensureUnit(r, unitID); err != nil {
		h.respondError(w, err)
		return
	}
	limit, err := parseLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := h.rejections.ListRejections(r.Context(), unitID, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if list == nil {
		list = []application.Rejection{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) ownedAlert(r *http.Request, alertID string) (alerts.Alert, error) {
	alert, err := h.queries.GetAlert(r.Context(), alertID)
	if err != nil {
		return alerts.Alert{}, err
	}
	orgID := auth.OrganizationIDFromContext(r.Context())
	if orgID != "" && alert.OrganizationID != orgID {
		// do not reveal alerts of other organizations
		return alerts.Alert{}, alerts.ErrNotFound
	}
	return alert, nil
}

func (h *Handler) ensureUnit(r *http.Request, unitID string) error {
	orgID := auth.OrganizationIDFromContext(r.Context())
	if h.checker == nil || orgID == "" || unitID == "" {
		return nil
	}
	return h.checker.EnsureUnitTenant(r.Context(), orgID, unitID)
}

func (h *Handler) alertFilter(r *http.Request, defaultLimit, maxLimit int) (application.AlertFilter, error) {
	q := r.URL.Query()
	filter := application.AlertFilter{
		OrganizationID: q.Get("organization_id"),
		UnitID:         q.Get("unit_id"),
		Type:           alerts.AlertType(q.Get("type")),
		Status:         alerts.AlertStatus(q.Get("status")),
	}
	if orgID := auth.OrganizationIDFromContext(r.Context()); orgID != "" {
		if filter.OrganizationID != "" && filter.OrganizationID != orgID {
			return application.AlertFilter{}, errors.New("organization_id does not match token")
		}
		filter.OrganizationID = orgID
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return application.AlertFilter{}, errors.New("unknown alert type")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return application.AlertFilter{}, errors.New("unknown alert status")
	}
	var err error
	if filter.From, err = parseOptionalTime(r, "from"); err != nil {
		return application.AlertFilter{}, err
	}
	if filter.To, err = parseOptionalTime(r, "to"); err != nil {
		return application.AlertFilter{}, err
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return application.AlertFilter{}, errors.New("to must be after from")
	}
	if filter.Limit, err = parseLimit(r, defaultLimit, maxLimit); err != nil {
		return application.AlertFilter{}, err
	}
	return filter, nil
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var rej *application.RejectionError
	switch {
	case errors.As(err, &rej):
		writeJSON(w, http.StatusUnprocessableEntity, rej.Rejection)
	case errors.Is(err, alerts.ErrNotFound), errors.Is(err, auth.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, auth.ErrTenantMismatch):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, alerts.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.Canceled):
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func actorFrom(r *http.Request) string {
	if subject := auth.SubjectFromContext(r.Context()); subject != "" {
		return subject
	}
	return "anonymous"
}

func parseOptionalTime(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func parseLimit(r *http.Request, def, max int) (int, error) {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > max {
		limit = max
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type ruleView struct {
	TempMin                 float64                `json:"temp_min"`
	TempMax                 float64                `json:"temp_max"`
	ConfirmDelaySeconds     int64                  `json:"confirm_delay_seconds"`
	MaxExcursionSeconds     int64                  `json:"max_excursion_seconds"`
	ManualIntervalSeconds   int64                  `json:"manual_interval_seconds"`
	ManualGraceSeconds      int64                  `json:"manual_grace_seconds"`
	ExpectedIntervalSeconds int64                  `json:"expected_interval_seconds"`
	OfflineTriggerSeconds   int64                  `json:"offline_trigger_seconds"`
	OfflineWarningMissed    int                    `json:"offline_warning_missed_checkins"`
	OfflineCriticalMissed   int                    `json:"offline_critical_missed_checkins"`
	DoorWarningSeconds      int64                  `json:"door_open_warning_seconds"`
	DoorCriticalSeconds     int64                  `json:"door_open_critical_seconds"`
	DoorMaskPerDaySeconds   int64                  `json:"door_open_max_mask_seconds_per_day"`
	RestoreConfirmReadings  int                    `json:"restore_confirm_readings"`
	Severity                alerts.Severity        `json:"severity"`
	Enabled                 bool                   `json:"enabled"`
	Schedule                *alerts.ActiveSchedule `json:"schedule,omitempty"`
	Timezone                string                 `json:"timezone"`
	Source                  alerts.RuleSource      `json:"source"`
}

func newRuleView(rule alerts.EffectiveRule) ruleView {
	seconds := func(d time.Duration) int64 { return int64(d / time.Second) }
	return ruleView{
		TempMin:                 rule.TempMin.Float(),
		TempMax:                 rule.TempMax.Float(),
		ConfirmDelaySeconds:     seconds(rule.ConfirmDelay),
		MaxExcursionSeconds:     seconds(rule.MaxExcursion),
		ManualIntervalSeconds:   seconds(rule.ManualInterval),
		ManualGraceSeconds:      seconds(rule.ManualGrace),
		ExpectedIntervalSeconds: seconds(rule.ExpectedInterval),
		OfflineTriggerSeconds:   seconds(rule.OfflineTrigger()),
		OfflineWarningMissed:    rule.OfflineWarningMissed,
		OfflineCriticalMissed:   rule.OfflineCriticalMissed,
		DoorWarningSeconds:      seconds(rule.DoorWarning),
		DoorCriticalSeconds:     seconds(rule.DoorCritical),
		DoorMaskPerDaySeconds:   seconds(rule.DoorMaskPerDay),
		RestoreConfirmReadings:  rule.RestoreConfirmReadings,
		Severity:                rule.Severity,
		Enabled:                 rule.Enabled,
		Schedule:                rule.Schedule,
		Timezone:                rule.Timezone,
		Source:                  rule.Source,
	}
}
