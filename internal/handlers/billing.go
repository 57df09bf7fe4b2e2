package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/aurswift/aureposweb/internal/apierr"
	"github.com/aurswift/aureposweb/internal/licensing"
	"github.com/aurswift/aureposweb/internal/middleware"
	"github.com/aurswift/aureposweb/internal/models"
	"github.com/aurswift/aureposweb/internal/services"
	"github.com/aurswift/aureposweb/internal/storage"
	"github.com/aurswift/aureposweb/internal/webhook"
)

// BillingHandler serves the dashboard's billing surface: checkout, the
// Stripe customer portal, payment methods, and plan changes. Processor
// webhook delivery itself is internal/webhook.Ingress's job; this handler
// only forwards to it.
type BillingHandler struct {
	billing  *services.BillingService
	users    *services.UserService
	ingress  *webhook.Ingress
	licenses *licensing.Engine
	db       storage.DB
}

// NewBillingHandler creates a new billing handler.
func NewBillingHandler(billing *services.BillingService, users *services.UserService, ingress *webhook.Ingress, licenses *licensing.Engine, db storage.DB) *BillingHandler {
	return &BillingHandler{billing: billing, users: users, ingress: ingress, licenses: licenses, db: db}
}

// HandleWebhook forwards Stripe webhook deliveries to the event ingress.
func (h *BillingHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	h.ingress.ServeHTTP(w, r)
}

var errUnauthorized = errors.New("no authenticated user")

func (h *BillingHandler) currentUser(r *http.Request) (*models.User, error) {
	claims := middleware.GetUserFromContext(r.Context())
	if claims == nil {
		return nil, errUnauthorized
	}
	userID, err := claims.GetUserUUID()
	if err != nil {
		return nil, errUnauthorized
	}
	return h.users.GetByID(r.Context(), userID)
}

// GetSubscription returns the caller's current subscription.
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var sub models.Subscription
	err = h.db.QueryRow(r.Context(), `
		SELECT s.id, s.customer_id, s.plan_id, s.billing_cycle, s.status, s.current_period_start,
		       s.current_period_end, s.cancel_at_period_end, s.canceled_at, s.trial_start, s.trial_end,
		       s.external_subscription_id
		FROM subscriptions s JOIN customers c ON c.id = s.customer_id
		WHERE c.user_id = $1
		ORDER BY s.created_at DESC LIMIT 1
	`, user.ID).Scan(&sub.ID, &sub.CustomerID, &sub.PlanID, &sub.BillingCycle, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.CanceledAt,
		&sub.TrialStart, &sub.TrialEnd, &sub.ExternalSubscriptionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "no subscription found")
		return
	}

	respondSuccess(w, sub)
}

// CreateCheckoutSession starts a new subscription via Stripe Checkout.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Plan       string `json:"plan"`
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if user.StripeCustomerID == "" {
		customerID, err := h.billing.CreateCustomer(r.Context(), user)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to create customer")
			return
		}
		if _, err := h.db.Exec(r.Context(), `UPDATE users SET stripe_customer_id = $1 WHERE id = $2`, customerID, user.ID); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to save customer id")
			return
		}
		user.StripeCustomerID = customerID
	}

	url, err := h.billing.CreateCheckoutSession(r.Context(), user.StripeCustomerID, req.Plan, req.SuccessURL, req.CancelURL)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondSuccess(w, map[string]string{"url": url})
}

func (h *BillingHandler) currentExternalSubscriptionID(r *http.Request, userID uuid.UUID) (string, error) {
	var externalID string
	err := h.db.QueryRow(r.Context(), `
		SELECT s.external_subscription_id FROM subscriptions s JOIN customers c ON c.id = s.customer_id
		WHERE c.user_id = $1 ORDER BY s.created_at DESC LIMIT 1
	`, userID).Scan(&externalID)
	return externalID, err
}

// ChangePlan moves the caller's subscription to a new plan: the Stripe side
// updates immediately with proration, then the old license is revoked and a
// replacement is issued so terminals pick up the new edition's terminal cap
// on their next heartbeat. Activations migrate across automatically while
// the subscription is still inside its trial plan-change allowance.
func (h *BillingHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Plan         string `json:"plan"`
		MaxTerminals int    `json:"max_terminals"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Plan == "" {
		respondError(w, http.StatusBadRequest, "plan is required")
		return
	}
	if req.MaxTerminals <= 0 {
		req.MaxTerminals = 1
	}

	var sub models.Subscription
	err = h.db.QueryRow(r.Context(), `
		SELECT s.id, s.customer_id, s.external_subscription_id
		FROM subscriptions s JOIN customers c ON c.id = s.customer_id
		WHERE c.user_id = $1 ORDER BY s.created_at DESC LIMIT 1
	`, user.ID).Scan(&sub.ID, &sub.CustomerID, &sub.ExternalSubscriptionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "no subscription found")
		return
	}

	if err := h.billing.ChangePlan(r.Context(), sub.ExternalSubscriptionID, req.Plan); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var oldKey string
	_ = h.db.QueryRow(r.Context(), `
		SELECT key FROM licenses WHERE subscription_id = $1 AND is_active = true ORDER BY issued_at DESC LIMIT 1
	`, sub.ID).Scan(&oldKey)

	if _, err := h.licenses.RevokeForSubscription(r.Context(), sub.ID, "plan changed to "+req.Plan); err != nil {
		respondError(w, apierr.HTTPStatus(err), err.Error())
		return
	}

	newLic, err := h.licenses.IssueForSubscription(r.Context(), sub.ID, sub.CustomerID, req.MaxTerminals)
	if err != nil {
		respondError(w, apierr.HTTPStatus(err), err.Error())
		return
	}

	if oldKey != "" {
		if err := h.licenses.MigrateActivations(r.Context(), oldKey, newLic.Key, 0); err != nil {
			// Outside the trial allowance or no migration possible: terminals
			// re-activate against the new key on their next check-in instead.
		}
	}

	respondSuccess(w, map[string]interface{}{"license_key": newLic.Key})
}

// CancelSubscription flags the caller's subscription to cancel at period end.
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	externalID, err := h.currentExternalSubscriptionID(r, user.ID)
	if err != nil {
		respondError(w, http.StatusNotFound, "no subscription found")
		return
	}

	if err := h.billing.CancelAtPeriodEnd(r.Context(), externalID, true); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondSuccess(w, map[string]string{"message": "subscription will cancel at period end"})
}

// ReactivateSubscription undoes a pending cancel-at-period-end.
func (h *BillingHandler) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	externalID, err := h.currentExternalSubscriptionID(r, user.ID)
	if err != nil {
		respondError(w, http.StatusNotFound, "no subscription found")
		return
	}

	if err := h.billing.CancelAtPeriodEnd(r.Context(), externalID, false); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondSuccess(w, map[string]string{"message": "subscription reactivated"})
}

// CreatePortalSession hands the caller a link to the Stripe-hosted billing portal.
func (h *BillingHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if user.StripeCustomerID == "" {
		respondError(w, http.StatusBadRequest, "no billing account on file")
		return
	}

	var req struct {
		ReturnURL string `json:"return_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	url, err := h.billing.CreatePortalSession(r.Context(), user.StripeCustomerID, req.ReturnURL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondSuccess(w, map[string]string{"url": url})
}

// ListPaymentMethods returns the caller's saved cards.
func (h *BillingHandler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if user.StripeCustomerID == "" {
		respondSuccess(w, map[string]interface{}{"payment_methods": []interface{}{}})
		return
	}

	methods, err := h.billing.ListPaymentMethods(r.Context(), user.StripeCustomerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list payment methods")
		return
	}

	respondSuccess(w, map[string]interface{}{"payment_methods": methods})
}

// AddPaymentMethod creates a SetupIntent the client completes with Stripe.js.
func (h *BillingHandler) AddPaymentMethod(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if user.StripeCustomerID == "" {
		respondError(w, http.StatusBadRequest, "no billing account on file")
		return
	}

	secret, err := h.billing.CreateSetupIntent(r.Context(), user.StripeCustomerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondSuccess(w, map[string]string{"client_secret": secret})
}

// RemovePaymentMethod detaches a saved card.
func (h *BillingHandler) RemovePaymentMethod(w http.ResponseWriter, r *http.Request) {
	if _, err := h.currentUser(r); err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		PaymentMethodID string `json:"payment_method_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.billing.DetachPaymentMethod(r.Context(), req.PaymentMethodID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondSuccess(w, map[string]string{"message": "payment method removed"})
}

// SetDefaultPaymentMethod marks a saved card as the default for invoicing.
func (h *BillingHandler) SetDefaultPaymentMethod(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		PaymentMethodID string `json:"payment_method_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.billing.SetDefaultPaymentMethod(r.Context(), user.StripeCustomerID, req.PaymentMethodID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondSuccess(w, map[string]string{"message": "default payment method updated"})
}
