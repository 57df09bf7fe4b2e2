// Package webhook implements the Webhook Ingress & Idempotency Pipeline
// (C6): verify the payment processor's signature, record an idempotency
// receipt, run the per-event-type projection update inside one transaction,
// and only publish outbound fabric events after that transaction commits.
// This replaces the dashboard's earlier non-transactional per-handler-func
// webhook flow, which updated the database and fired notifications with no
// atomicity guarantee between them.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/aurswift/aureposweb/internal/apierr"
	"github.com/aurswift/aureposweb/internal/eventbus"
	"github.com/aurswift/aureposweb/internal/eventstore"
	"github.com/aurswift/aureposweb/internal/models"
	"github.com/aurswift/aureposweb/internal/storage"
)

// LicenseManager is the narrow slice of the license state machine (C7) the
// webhook pipeline needs. Depending on an interface here instead of
// internal/licensing directly keeps the two packages from importing each
// other; main.go wires the concrete *licensing.Engine in.
type LicenseManager interface {
	RevokeForSubscription(ctx context.Context, subscriptionID uuid.UUID, reason string) ([]models.License, error)
	IssueForSubscription(ctx context.Context, subscriptionID, customerID uuid.UUID, maxTerminals int) (models.License, error)
	MigrateActivations(ctx context.Context, fromLicenseKey, toLicenseKey string, maxTrialPlanChanges int) error
}

// Ingress is the HTTP entry point for the payment processor's webhook feed.
type Ingress struct {
	db       storage.DB
	bus      eventbus.Bus
	store    *eventstore.Store
	licenses LicenseManager
	log      *zap.Logger
	secret   string
}

func NewIngress(db storage.DB, bus eventbus.Bus, store *eventstore.Store, licenses LicenseManager, log *zap.Logger, signingSecret string) *Ingress {
	return &Ingress{db: db, bus: bus, store: store, licenses: licenses, log: log, secret: signingSecret}
}

// outcome is the result of a transactional handler: the projection/audit
// writes to make inside the transaction, plus the events to publish only
// after it commits.
type outcome struct {
	events []models.Event
}

// ServeHTTP verifies the signature, applies the idempotency guard, and
// dispatches to a typed handler. Retryable failures answer 5xx so the
// processor's own redelivery retries it; malformed payloads and signature
// failures answer 4xx so it does not.
func (in *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), in.secret)
	if err != nil {
		http.Error(w, "invalid webhook signature", http.StatusBadRequest)
		return
	}

	if err := in.Process(r.Context(), event); err != nil {
		status := apierr.HTTPStatus(err)
		http.Error(w, err.Error(), status)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}

// Process is the testable core of ServeHTTP: idempotency guard, transactional
// dispatch, post-commit publish.
func (in *Ingress) Process(ctx context.Context, event stripe.Event) error {
	tx, err := in.db.Begin(ctx)
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "begin webhook transaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO webhook_receipts (external_event_id, type, payload, processed, created_at)
		VALUES ($1, $2, $3, false, $4)
		ON CONFLICT (external_event_id) DO NOTHING
	`, event.ID, string(event.Type), []byte(event.Data.Raw), time.Now().UTC())
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "insert webhook receipt", err)
	}
	if tag.RowsAffected() == 0 {
		// Already seen. Idempotency hit is a success, not an error, the
		// processor should stop retrying, regardless of how the original
		// delivery resolved.
		in.log.Info("webhook receipt already processed", zap.String("external_event_id", event.ID))
		return nil
	}

	result, err := in.dispatch(ctx, tx, event)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE webhook_receipts SET processed = true WHERE external_event_id = $1`, event.ID); err != nil {
		return apierr.Wrap(apierr.TransientStore, "mark webhook receipt processed", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apierr.Wrap(apierr.TransientStore, "commit webhook transaction", err)
	}

	// Publish happens strictly after commit. Dispatch appends nothing to the
	// event store; each event is appended here, just before its publish, so a
	// crash between commit and this loop loses those events. An event that
	// was appended but whose publish failed is still picked up by the retry
	// engine from the store.
	for _, evt := range result.events {
		// Best-effort persist through C1 before fan-out; Store.Append already
		// logs and degrades gracefully on failure.
		if in.store != nil {
			_ = in.store.Append(ctx, evt)
		}
		if err := in.bus.Publish(ctx, evt); err != nil {
			in.log.Warn("webhook post-commit publish failed", zap.String("event_type", string(evt.Type)), zap.Error(err))
		}
	}
	return nil
}

func (in *Ingress) dispatch(ctx context.Context, tx pgx.Tx, event stripe.Event) (outcome, error) {
	switch event.Type {
	case "checkout.session.completed":
		return in.handleCheckoutCompleted(ctx, tx, event)
	case "customer.subscription.created":
		return in.handleSubscriptionCreated(ctx, tx, event)
	case "customer.subscription.updated":
		return in.handleSubscriptionUpdated(ctx, tx, event)
	case "customer.subscription.deleted":
		return in.handleSubscriptionDeleted(ctx, tx, event)
	case "invoice.payment_succeeded":
		return in.handleInvoicePaymentSucceeded(ctx, tx, event)
	case "invoice.payment_failed":
		return in.handleInvoicePaymentFailed(ctx, tx, event)
	case "customer.updated":
		return in.handleCustomerUpdated(ctx, tx, event)
	case "customer.deleted":
		return in.handleCustomerDeleted(ctx, tx, event)
	default:
		// Unknown event types are acknowledged, not retried, the processor
		// sends many event types this fabric has no projection for.
		return outcome{}, nil
	}
}

func (in *Ingress) handleCheckoutCompleted(ctx context.Context, tx pgx.Tx, event stripe.Event) (outcome, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return outcome{}, apierr.New(apierr.Validation, "malformed checkout.session.completed payload")
	}
	if session.Subscription == nil || session.Customer == nil {
		return outcome{}, apierr.New(apierr.Validation, "checkout session missing subscription or customer")
	}

	var email string
	if session.CustomerDetails != nil {
		email = session.CustomerDetails.Email
	}
	customerID, err := in.upsertCustomer(ctx, tx, session.Customer.ID, email, "")
	if err != nil {
		return outcome{}, err
	}

	subID, err := in.upsertSubscription(ctx, tx, customerID, session.Subscription)
	if err != nil {
		return outcome{}, err
	}

	if err := in.recordChange(ctx, tx, subID, "", "checkout_completed", "", "active", "stripe checkout completed"); err != nil {
		return outcome{}, err
	}

	return outcome{}, nil
}

func (in *Ingress) handleSubscriptionCreated(ctx context.Context, tx pgx.Tx, event stripe.Event) (outcome, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return outcome{}, apierr.New(apierr.Validation, "malformed customer.subscription.created payload")
	}
	if sub.Customer == nil {
		return outcome{}, apierr.New(apierr.Validation, "subscription missing customer")
	}

	customerID, err := in.upsertCustomer(ctx, tx, sub.Customer.ID, "", "")
	if err != nil {
		return outcome{}, err
	}

	if _, err := in.upsertSubscription(ctx, tx, customerID, &sub); err != nil {
		return outcome{}, err
	}

	return outcome{}, nil
}

func (in *Ingress) handleSubscriptionUpdated(ctx context.Context, tx pgx.Tx, event stripe.Event) (outcome, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return outcome{}, apierr.New(apierr.Validation, "malformed customer.subscription.updated payload")
	}

	var subID uuid.UUID
	var oldStatus string
	var licenseKey string
	err := tx.QueryRow(ctx, `
		SELECT s.id, s.status, COALESCE(l.key, '')
		FROM subscriptions s
		LEFT JOIN licenses l ON l.subscription_id = s.id AND l.is_active = true
		WHERE s.external_subscription_id = $1
	`, sub.ID).Scan(&subID, &oldStatus, &licenseKey)
	if err != nil {
		return outcome{}, apierr.Wrap(apierr.NotFound, "subscription not found for update", err)
	}

	newStatus := string(sub.Status)
	_, err = tx.Exec(ctx, `
		UPDATE subscriptions
		SET status = $1, current_period_start = $2, current_period_end = $3,
		    cancel_at_period_end = $4, updated_at = $5
		WHERE id = $6
	`, newStatus, time.Unix(sub.CurrentPeriodStart, 0).UTC(), time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		sub.CancelAtPeriodEnd, time.Now().UTC(), subID)
	if err != nil {
		return outcome{}, apierr.Wrap(apierr.TransientStore, "update subscription status", err)
	}

	if err := in.recordChange(ctx, tx, subID, licenseKey, "status", oldStatus, newStatus, "stripe subscription updated"); err != nil {
		return outcome{}, err
	}

	var events []models.Event
	if licenseKey != "" && newStatus != oldStatus {
		if newStatus == "past_due" {
			events = append(events, newFabricEvent(licenseKey, models.EventSubscriptionPastDue, nil))
		}
		if newStatus == "active" && (oldStatus == "past_due" || oldStatus == "trialing") {
			events = append(events, newFabricEvent(licenseKey, models.EventSubscriptionReactivated, nil))
		}
	}

	return outcome{events: events}, nil
}

func (in *Ingress) handleSubscriptionDeleted(ctx context.Context, tx pgx.Tx, event stripe.Event) (outcome, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return outcome{}, apierr.New(apierr.Validation, "malformed customer.subscription.deleted payload")
	}

	var subID uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM subscriptions WHERE external_subscription_id = $1`, sub.ID).Scan(&subID)
	if err != nil {
		return outcome{}, apierr.Wrap(apierr.NotFound, "subscription not found for deletion", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `UPDATE subscriptions SET status = 'cancelled', canceled_at = $1, updated_at = $1 WHERE id = $2`, now, subID)
	if err != nil {
		return outcome{}, apierr.Wrap(apierr.TransientStore, "mark subscription cancelled", err)
	}

	revoked, err := in.licenses.RevokeForSubscription(ctx, subID, "subscription cancelled")
	if err != nil {
		return outcome{}, err
	}

	if err := in.recordChange(ctx, tx, subID, "", "status", "active", "cancelled", "stripe subscription deleted"); err != nil {
		return outcome{}, err
	}

	events := make([]models.Event, 0, len(revoked))
	for _, lic := range revoked {
		events = append(events, newFabricEvent(lic.Key, models.EventLicenseRevoked, map[string]string{"reason": "subscription_cancelled"}))
	}
	return outcome{events: events}, nil
}

func (in *Ingress) handleInvoicePaymentSucceeded(ctx context.Context, tx pgx.Tx, event stripe.Event) (outcome, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return outcome{}, apierr.New(apierr.Validation, "malformed invoice.payment_succeeded payload")
	}
	if invoice.Subscription == nil {
		return outcome{}, nil
	}

	var subID uuid.UUID
	var licenseKey string
	err := tx.QueryRow(ctx, `
		SELECT s.id, COALESCE(l.key, '')
		FROM subscriptions s
		LEFT JOIN licenses l ON l.subscription_id = s.id AND l.is_active = true
		WHERE s.external_subscription_id = $1
	`, invoice.Subscription.ID).Scan(&subID, &licenseKey)
	if err != nil {
		return outcome{}, apierr.Wrap(apierr.NotFound, "subscription not found for invoice", err)
	}

	if err := in.recordPayment(ctx, tx, subID, invoice.ID, invoice.AmountPaid, string(invoice.Currency), "succeeded"); err != nil {
		return outcome{}, err
	}

	var events []models.Event
	if licenseKey != "" {
		events = append(events, newFabricEvent(licenseKey, models.EventSubscriptionPaymentSucceeded, nil))
	}
	return outcome{events: events}, nil
}

func (in *Ingress) handleInvoicePaymentFailed(ctx context.Context, tx pgx.Tx, event stripe.Event) (outcome, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return outcome{}, apierr.New(apierr.Validation, "malformed invoice.payment_failed payload")
	}
	if invoice.Subscription == nil {
		return outcome{}, nil
	}

	var subID uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM subscriptions WHERE external_subscription_id = $1`, invoice.Subscription.ID).Scan(&subID)
	if err != nil {
		return outcome{}, apierr.Wrap(apierr.NotFound, "subscription not found for invoice", err)
	}

	if err := in.recordPayment(ctx, tx, subID, invoice.ID, invoice.AmountDue, string(invoice.Currency), "failed"); err != nil {
		return outcome{}, err
	}
	return outcome{}, nil
}

func (in *Ingress) handleCustomerUpdated(ctx context.Context, tx pgx.Tx, event stripe.Event) (outcome, error) {
	var cust stripe.Customer
	if err := json.Unmarshal(event.Data.Raw, &cust); err != nil {
		return outcome{}, apierr.New(apierr.Validation, "malformed customer.updated payload")
	}
	_, err := tx.Exec(ctx, `
		UPDATE customers SET email = $1, name = $2, updated_at = $3 WHERE stripe_customer_id = $4
	`, cust.Email, cust.Name, time.Now().UTC(), cust.ID)
	if err != nil {
		return outcome{}, apierr.Wrap(apierr.TransientStore, "update customer projection", err)
	}
	return outcome{}, nil
}

func (in *Ingress) handleCustomerDeleted(ctx context.Context, tx pgx.Tx, event stripe.Event) (outcome, error) {
	var cust stripe.Customer
	if err := json.Unmarshal(event.Data.Raw, &cust); err != nil {
		return outcome{}, apierr.New(apierr.Validation, "malformed customer.deleted payload")
	}
	now := time.Now().UTC()
	_, err := tx.Exec(ctx, `UPDATE customers SET deleted_at = $1 WHERE stripe_customer_id = $2`, now, cust.ID)
	if err != nil {
		return outcome{}, apierr.Wrap(apierr.TransientStore, "mark customer deleted", err)
	}
	return outcome{}, nil
}

func (in *Ingress) upsertCustomer(ctx context.Context, tx pgx.Tx, stripeCustomerID, email, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM customers WHERE stripe_customer_id = $1`, stripeCustomerID).Scan(&id)
	if err == nil {
		return id, nil
	}

	id = uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO customers (id, stripe_customer_id, email, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (stripe_customer_id) DO NOTHING
	`, id, stripeCustomerID, email, name, time.Now().UTC())
	if err != nil {
		return uuid.Nil, apierr.Wrap(apierr.TransientStore, "insert customer projection", err)
	}
	return id, nil
}

func (in *Ingress) upsertSubscription(ctx context.Context, tx pgx.Tx, customerID uuid.UUID, sub *stripe.Subscription) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM subscriptions WHERE external_subscription_id = $1`, sub.ID).Scan(&id)
	if err == nil {
		_, err = tx.Exec(ctx, `
			UPDATE subscriptions SET status = $1, current_period_start = $2, current_period_end = $3, updated_at = $4
			WHERE id = $5
		`, string(sub.Status), time.Unix(sub.CurrentPeriodStart, 0).UTC(), time.Unix(sub.CurrentPeriodEnd, 0).UTC(), time.Now().UTC(), id)
		if err != nil {
			return uuid.Nil, apierr.Wrap(apierr.TransientStore, "update subscription projection", err)
		}
		return id, nil
	}

	id = uuid.New()
	planID := "basic"
	if len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		planID = sub.Items.Data[0].Price.ID
	}

	var trialStart, trialEnd *time.Time
	if sub.TrialStart > 0 {
		t := time.Unix(sub.TrialStart, 0).UTC()
		trialStart = &t
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		trialEnd = &t
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO subscriptions (id, customer_id, plan_id, status, current_period_start, current_period_end,
			cancel_at_period_end, trial_start, trial_end, external_subscription_id, trial_plan_changes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $11)
		ON CONFLICT (external_subscription_id) DO NOTHING
	`, id, customerID, planID, string(sub.Status), time.Unix(sub.CurrentPeriodStart, 0).UTC(), time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		sub.CancelAtPeriodEnd, trialStart, trialEnd, sub.ID, time.Now().UTC())
	if err != nil {
		return uuid.Nil, apierr.Wrap(apierr.TransientStore, "insert subscription projection", err)
	}

	lic, err := in.licenses.IssueForSubscription(ctx, id, customerID, maxTerminalsForPlan(planID))
	if err != nil {
		return uuid.Nil, err
	}
	_ = lic

	return id, nil
}

func (in *Ingress) recordChange(ctx context.Context, tx pgx.Tx, subID uuid.UUID, licenseKey, changeType, from, to, reason string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO subscription_changes (id, subscription_id, license_key, change_type, from_value, to_value, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New(), subID, licenseKey, changeType, from, to, reason, time.Now().UTC())
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "record subscription change", err)
	}
	return nil
}

func (in *Ingress) recordPayment(ctx context.Context, tx pgx.Tx, subID uuid.UUID, externalPaymentID string, amountCents int64, currency, status string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payments (id, subscription_id, external_payment_id, amount_cents, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_payment_id) DO NOTHING
	`, uuid.New(), subID, externalPaymentID, amountCents, currency, status, time.Now().UTC())
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "record payment", err)
	}
	return nil
}

func newFabricEvent(licenseKey string, eventType models.EventType, payload map[string]string) models.Event {
	body, _ := json.Marshal(payload)
	if payload == nil {
		body = []byte(`{}`)
	}
	now := time.Now().UTC()
	return models.Event{
		EventID:    uuid.New(),
		LicenseKey: licenseKey,
		Type:       eventType,
		Payload:    body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
}

func maxTerminalsForPlan(planID string) int {
	switch planID {
	case "enterprise":
		return 10
	case "pro":
		return 3
	default:
		return 1
	}
}
