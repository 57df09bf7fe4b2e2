package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRetryDLQEvent_InvalidEventID(t *testing.T) {
	h := &AdminFabricHandler{}

	r := chi.NewRouter()
	r.Post("/dlq/{eventID}/retry", h.RetryDLQEvent)

	req := httptest.NewRequest("POST", "/dlq/not-a-uuid/retry", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected %d for a malformed event id, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestResolvePattern_InvalidPatternID(t *testing.T) {
	h := &AdminFabricHandler{}

	r := chi.NewRouter()
	r.Post("/patterns/{id}/resolve", h.ResolvePattern)

	req := httptest.NewRequest("POST", "/patterns/not-a-uuid/resolve", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected %d for a malformed pattern id, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestOperatorID_NoAuthContext(t *testing.T) {
	h := &AdminFabricHandler{}
	req := httptest.NewRequest("POST", "/dlq/x/resolve", nil)

	if got := h.operatorID(req); got != "unknown" {
		t.Errorf("expected %q for a request with no auth context, got %q", "unknown", got)
	}
}
