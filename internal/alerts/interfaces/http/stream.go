package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"coldchain-cloud/internal/alerts/interfaces/export"
	"coldchain-cloud/internal/auth"
	"coldchain-cloud/internal/observability/metrics"

	"go.uber.org/zap"
)

// handleStream serves GET /api/v1/alerts/stream as server-sent events scoped
// to the caller's organization.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := h.broker.Subscribe(auth.OrganizationIDFromContext(r.Context()))
	defer cancel()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("encode stream event failed", zap.Error(err))
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload)
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	report, ok := h.exportReport(w, r)
	if !ok {
		return
	}
	started := time.Now()
	data, err := export.BuildXLSX(report)
	metrics.ObserveExport("xlsx", resultLabel(err), time.Since(started))
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeAttachment(w, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "alerts.xlsx", data)
}

func (h *Handler) handleExportPDF(w http.ResponseWriter, r *http.Request) {
	report, ok := h.exportReport(w, r)
	if !ok {
		return
	}
	started := time.Now()
	data, err := export.BuildPDF(report)
	metrics.ObserveExport("pdf", resultLabel(err), time.Since(started))
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeAttachment(w, "application/pdf", "alerts.pdf", data)
}

func (h *Handler) exportReport(w http.ResponseWriter, r *http.Request) (export.Report, bool) {
	filter, err := h.alertFilter(r, maxExportRows, maxExportRows)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return export.Report{}, false
	}
	if err := h.ensureUnit(r, filter.UnitID); err != nil {
		h.respondError(w, err)
		return export.Report{}, false
	}
	list, err := h.queries.ListAlerts(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return export.Report{}, false
	}
	return export.Report{
		OrganizationID: filter.OrganizationID,
		UnitID:         filter.UnitID,
		From:           filter.From,
		To:             filter.To,
		GeneratedAt:    h.now(),
		Alerts:         list,
	}, true
}

func writeAttachment(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
