package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aurswift/aureposweb/internal/apierr"
	"github.com/aurswift/aureposweb/internal/middleware"
	"github.com/aurswift/aureposweb/internal/patterns"
	"github.com/aurswift/aureposweb/internal/retry"
)

// AdminFabricHandler exposes the operator-facing side of the event fabric:
// the DLQ console actions on C5's dead-letter entries and the triage view
// on C9's failure patterns. Every route here sits behind the dashboard's
// existing admin auth group, same as LicenseHandler.AdminRevoke.
type AdminFabricHandler struct {
	retries  *retry.Engine
	patterns *patterns.Analyzer
}

func NewAdminFabricHandler(retries *retry.Engine, patterns *patterns.Analyzer) *AdminFabricHandler {
	return &AdminFabricHandler{retries: retries, patterns: patterns}
}

func (h *AdminFabricHandler) operatorID(r *http.Request) string {
	claims := middleware.GetUserFromContext(r.Context())
	if claims == nil {
		return "unknown"
	}
	return claims.UserID
}

// RetryDLQEvent re-queues a dead-lettered event for redelivery.
func (h *AdminFabricHandler) RetryDLQEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	if err := h.retries.RetryDLQEvent(r.Context(), eventID); err != nil {
		respondError(w, apierr.HTTPStatus(err), err.Error())
		return
	}
	respondSuccess(w, map[string]string{"message": "dead letter event requeued"})
}

// ResolveDLQEvent marks a dead-lettered event as handled without redelivery.
func (h *AdminFabricHandler) ResolveDLQEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	var req struct {
		Notes string `json:"notes"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	if err := h.retries.ResolveDLQEvent(r.Context(), eventID, h.operatorID(r), req.Notes); err != nil {
		respondError(w, apierr.HTTPStatus(err), err.Error())
		return
	}
	respondSuccess(w, map[string]string{"message": "dead letter event resolved"})
}

// AbandonDLQEvent marks a dead-lettered event as permanently abandoned.
func (h *AdminFabricHandler) AbandonDLQEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	var req struct {
		Notes string `json:"notes"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	if err := h.retries.AbandonDLQEvent(r.Context(), eventID, h.operatorID(r), req.Notes); err != nil {
		respondError(w, apierr.HTTPStatus(err), err.Error())
		return
	}
	respondSuccess(w, map[string]string{"message": "dead letter event abandoned"})
}

// ListOpenPatterns returns unresolved failure patterns, optionally scoped to
// one license, for the operator triage view.
func (h *AdminFabricHandler) ListOpenPatterns(w http.ResponseWriter, r *http.Request) {
	licenseKey := r.URL.Query().Get("license_key")

	open, err := h.patterns.ListOpen(r.Context(), licenseKey)
	if err != nil {
		respondError(w, apierr.HTTPStatus(err), err.Error())
		return
	}
	respondSuccess(w, map[string]interface{}{"patterns": open})
}

// ResolvePattern marks a failure pattern as handled by an operator.
func (h *AdminFabricHandler) ResolvePattern(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pattern id")
		return
	}

	var req struct {
		Notes string `json:"notes"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	if err := h.patterns.Resolve(r.Context(), id, req.Notes); err != nil {
		respondError(w, apierr.HTTPStatus(err), err.Error())
		return
	}
	respondSuccess(w, map[string]string{"message": "failure pattern resolved"})
}
