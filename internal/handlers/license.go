package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aurswift/aureposweb/internal/apierr"
	"github.com/aurswift/aureposweb/internal/licensing"
	"github.com/aurswift/aureposweb/internal/middleware"
	"github.com/aurswift/aureposweb/internal/storage"
)

// LicenseHandler exposes the license state machine (C7) over HTTP: terminal
// activation/heartbeat/deactivation, and dashboard license management.
type LicenseHandler struct {
	licenses *licensing.Engine
	db       storage.DB
}

// NewLicenseHandler creates a new license handler.
func NewLicenseHandler(licenses *licensing.Engine, db storage.DB) *LicenseHandler {
	return &LicenseHandler{licenses: licenses, db: db}
}

func (h *LicenseHandler) customerIDForUser(r *http.Request, userID uuid.UUID) (uuid.UUID, error) {
	var customerID uuid.UUID
	err := h.db.QueryRow(r.Context(), `SELECT id FROM customers WHERE user_id = $1`, userID).Scan(&customerID)
	return customerID, err
}

func requestIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}

// Activate handles terminal license activation.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LicenseKey    string `json:"license_key"`
		MachineIDHash string `json:"machine_id_hash"`
		TerminalName  string `json:"terminal_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LicenseKey == "" || req.MachineIDHash == "" {
		respondError(w, http.StatusBadRequest, "license_key and machine_id_hash are required")
		return
	}

	activation, err := h.licenses.Activate(r.Context(), req.LicenseKey, req.MachineIDHash, req.TerminalName, requestIP(r))
	if err != nil {
		respondError(w, apierr.HTTPStatus(err), err.Error())
		return
	}

	respondSuccess(w, map[string]interface{}{"activation": activation})
}

// Heartbeat handles a terminal's periodic liveness ping.
func (h *LicenseHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LicenseKey    string `json:"license_key"`
		MachineIDHash string `json:"machine_id_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.licenses.Heartbeat(r.Context(), req.LicenseKey, req.MachineIDHash)
	if err != nil {
		respondError(w, apierr.HTTPStatus(err), err.Error())
		return
	}

	respondSuccess(w, map[string]interface{}{
		"valid":                      result.IsValid,
		"grace_period_remaining_ms":  result.GracePeriodRemainingMs,
	})
}

// Deactivate handles a terminal releasing its activation slot.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LicenseKey    string `json:"license_key"`
		MachineIDHash string `json:"machine_id_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.licenses.Deactivate(r.Context(), req.LicenseKey, req.MachineIDHash); err != nil {
		respondError(w, apierr.HTTPStatus(err), err.Error())
		return
	}

	respondSuccess(w, map[string]string{"message": "license deactivated"})
}

// List returns the authenticated user's licenses.
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r.Context())
	if claims == nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID, err := claims.GetUserUUID()
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid user id")
		return
	}

	customerID, err := h.customerIDForUser(r, userID)
	if err != nil {
		respondSuccess(w, map[string]interface{}{"licenses": []interface{}{}})
		return
	}

	licenses, err := h.licenses.ListForCustomer(r.Context(), customerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get licenses")
		return
	}

	respondSuccess(w, map[string]interface{}{"licenses": licenses})
}

// Get returns a specific license, if it belongs to the caller.
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r.Context())
	if claims == nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID, err := claims.GetUserUUID()
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid user id")
		return
	}

	key := chi.URLParam(r, "key")
	license, err := h.licenses.GetByKey(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusNotFound, "license not found")
		return
	}

	customerID, err := h.customerIDForUser(r, userID)
	if err != nil || (license.CustomerID != customerID && claims.Role != "admin") {
		respondError(w, http.StatusForbidden, "access denied")
		return
	}

	respondSuccess(w, license)
}

// Revoke revokes one of the caller's licenses (or any license, for admins).
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r.Context())
	if claims == nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID, err := claims.GetUserUUID()
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid user id")
		return
	}

	key := chi.URLParam(r, "key")
	license, err := h.licenses.GetByKey(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusNotFound, "license not found")
		return
	}

	customerID, err := h.customerIDForUser(r, userID)
	if err != nil || (license.CustomerID != customerID && claims.Role != "admin") {
		respondError(w, http.StatusForbidden, "access denied")
		return
	}

	if err := h.licenses.Revoke(r.Context(), key, "revoked by owner"); err != nil {
		respondError(w, apierr.HTTPStatus(err), err.Error())
		return
	}

	respondSuccess(w, map[string]string{"message": "license revoked"})
}

// GetActivations returns the terminal activation history for a license.
func (h *LicenseHandler) GetActivations(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r.Context())
	if claims == nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	key := chi.URLParam(r, "key")
	activations, err := h.licenses.ListActivations(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get activations")
		return
	}

	respondSuccess(w, map[string]interface{}{"activations": activations})
}

// ListAll returns every license across every customer (admin only).
func (h *LicenseHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r.Context())
	if claims == nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if claims.Role != "admin" {
		respondError(w, http.StatusForbidden, "admin access required")
		return
	}

	page := 1
	limit := 20
	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := parseInt(pageStr); err == nil && p > 0 {
			page = p
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := parseInt(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	status := r.URL.Query().Get("status")

	licenses, total, err := h.licenses.ListAllPaginated(r.Context(), page, limit, status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get licenses")
		return
	}

	respondSuccess(w, map[string]interface{}{
		"licenses": licenses,
		"pagination": map[string]interface{}{
			"page":        page,
			"limit":       limit,
			"total":       total,
			"total_pages": (total + limit - 1) / limit,
		},
	})
}

// AdminRevoke revokes any license by key (admin only).
func (h *LicenseHandler) AdminRevoke(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r.Context())
	if claims == nil || claims.Role != "admin" {
		respondError(w, http.StatusForbidden, "admin access required")
		return
	}

	var req struct {
		LicenseKey string `json:"license_key"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "revoked by admin"
	}

	if err := h.licenses.Revoke(r.Context(), req.LicenseKey, req.Reason); err != nil {
		respondError(w, apierr.HTTPStatus(err), err.Error())
		return
	}

	respondSuccess(w, map[string]string{"message": "license revoked"})
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
