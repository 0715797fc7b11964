// Package api exposes the read-only query interface over the aggregation
// store: alert, report, finding and attribute lookup by alert ID. The
// pipeline's mutation surface is queue-driven; this API is a passthrough
// for external consumers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/argus-systems/argus/internal/archive"
	"github.com/argus-systems/argus/internal/logging"
	"github.com/argus-systems/argus/internal/models"
	"github.com/argus-systems/argus/internal/store"
)

// Handler serves the query endpoints.
type Handler struct {
	store   store.Store
	archive archive.Archive
	log     *logging.Logger
}

// NewHandler creates a handler. archive may be nil; report lookups then
// serve only alerts still inside the store's retention window.
func NewHandler(st store.Store, arc archive.Archive, log *logging.Logger) *Handler {
	return &Handler{store: st, archive: arc, log: log}
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetAlert returns the alert record.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alertID := r.PathValue("id")

	rec, err := h.getJSON(r.Context(), alertID, models.KindAlert, models.SingletonID)
	if err != nil {
		h.serverError(w, "get alert", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetReport returns the report for an alert, falling back to the archive
// when the store footprint has expired.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	alertID := r.PathValue("id")

	rec, err := h.getJSON(r.Context(), alertID, models.KindReport, models.SingletonID)
	if err != nil {
		h.serverError(w, "get report", err)
		return
	}
	if rec != nil {
		writeJSON(w, http.StatusOK, rec)
		return
	}

	if h.archive != nil {
		report, err := h.archive.GetReportByAlert(r.Context(), alertID)
		if err == nil {
			writeJSON(w, http.StatusOK, report)
			return
		}
		if !errors.Is(err, archive.ErrReportNotFound) {
			h.serverError(w, "get archived report", err)
			return
		}
	}
	writeError(w, http.StatusNotFound, "report not found")
}

// ListFindings returns every finding aggregated for an alert.
func (h *Handler) ListFindings(w http.ResponseWriter, r *http.Request) {
	h.listRecords(w, r, models.KindFinding)
}

// ListAttributes returns every attribute aggregated for an alert.
func (h *Handler) ListAttributes(w http.ResponseWriter, r *http.Request) {
	h.listRecords(w, r, models.KindAttribute)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request, kind models.RecordKind) {
	alertID := r.PathValue("id")

	records, err := h.store.Query(r.Context(), models.AlertPartition(alertID), kind)
	if err != nil {
		h.serverError(w, "query "+string(kind), err)
		return
	}

	items := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		items = append(items, json.RawMessage(rec.Payload))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) getJSON(ctx context.Context, alertID string, kind models.RecordKind, id string) (json.RawMessage, error) {
	rec, err := h.store.Get(ctx, store.Key{
		Partition: models.AlertPartition(alertID),
		Kind:      kind,
		ID:        id,
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return json.RawMessage(rec.Payload), nil
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.log.Error("query failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
