package handlers

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestCurrentUser_UnauthenticatedRequest(t *testing.T) {
	h := &BillingHandler{}
	req := httptest.NewRequest("GET", "/billing/subscription", nil)

	_, err := h.currentUser(req)
	if !errors.Is(err, errUnauthorized) {
		t.Errorf("expected errUnauthorized for a request with no auth context, got %v", err)
	}
}
