// Package licensing implements the License State Machine (C7): key
// issuance and verification, terminal activation with a capacity-limited
// grace window, heartbeat-driven grace-period computation, rate-limited
// deactivation, and revocation. This supersedes the dashboard's older
// Ed25519-keypair license service (pkg/license, since removed) with an
// HMAC-signed, transactional scheme scoped to the subscription fabric.
package licensing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/aurswift/aureposweb/internal/apierr"
	"github.com/aurswift/aureposweb/internal/eventbus"
	"github.com/aurswift/aureposweb/internal/eventstore"
	"github.com/aurswift/aureposweb/internal/models"
	"github.com/aurswift/aureposweb/internal/storage"
)

const graceWindowAfterIssue = 24 * time.Hour

var (
	ErrMaxTerminals    = apierr.New(apierr.PermanentBusinessRule, "maximum terminal activations reached for this license")
	ErrLicenseInactive = apierr.New(apierr.PermanentBusinessRule, "license is not active")
	ErrRateLimited     = apierr.New(apierr.PermanentBusinessRule, "deactivation limit reached for this calendar year")
)

type Engine struct {
	db     storage.DB
	bus    eventbus.Bus
	store  *eventstore.Store
	log    *zap.Logger
	secret []byte

	maxDeactivationsPerYear int
	maxTrialPlanChanges     int
}

func New(db storage.DB, bus eventbus.Bus, store *eventstore.Store, log *zap.Logger, hmacSecret string, maxDeactivationsPerYear, maxTrialPlanChanges int) *Engine {
	if maxDeactivationsPerYear <= 0 {
		maxDeactivationsPerYear = 3
	}
	if maxTrialPlanChanges <= 0 {
		maxTrialPlanChanges = 4
	}
	return &Engine{
		db: db, bus: bus, store: store, log: log, secret: []byte(hmacSecret),
		maxDeactivationsPerYear: maxDeactivationsPerYear,
		maxTrialPlanChanges:     maxTrialPlanChanges,
	}
}

// IssueForSubscription mints a new license for a freshly created or
// plan-changed subscription. Both the webhook ingress and the plan-change
// endpoint call this to mint a replacement license.
func (e *Engine) IssueForSubscription(ctx context.Context, subscriptionID, customerID uuid.UUID, maxTerminals int) (models.License, error) {
	var planID string
	if err := e.db.QueryRow(ctx, `SELECT plan_id FROM subscriptions WHERE id = $1`, subscriptionID).Scan(&planID); err != nil {
		return models.License{}, apierr.Wrap(apierr.NotFound, "subscription not found for license issuance", err)
	}

	key, err := GenerateKey(e.secret, planID, customerID.String())
	if err != nil {
		return models.License{}, apierr.Wrap(apierr.TransientStore, "generate license key", err)
	}

	now := time.Now().UTC()
	lic := models.License{
		ID:              uuid.New(),
		Key:             key,
		CustomerID:      customerID,
		SubscriptionID:  subscriptionID,
		MaxTerminals:    maxTerminals,
		ActivationCount: 0,
		IsActive:        true,
		IssuedAt:        now,
	}

	_, err = e.db.Exec(ctx, `
		INSERT INTO licenses (id, key, customer_id, subscription_id, max_terminals, activation_count, is_active, issued_at)
		VALUES ($1, $2, $3, $4, $5, 0, true, $6)
	`, lic.ID, lic.Key, lic.CustomerID, lic.SubscriptionID, lic.MaxTerminals, lic.IssuedAt)
	if err != nil {
		return models.License{}, apierr.Wrap(apierr.TransientStore, "insert license", err)
	}
	return lic, nil
}

// RevokeForSubscription revokes every active license tied to a subscription,
// used when the subscription is cancelled or deleted upstream.
func (e *Engine) RevokeForSubscription(ctx context.Context, subscriptionID uuid.UUID, reason string) ([]models.License, error) {
	rows, err := e.db.Query(ctx, `
		SELECT id, key, customer_id, subscription_id, max_terminals, activation_count, issued_at
		FROM licenses WHERE subscription_id = $1 AND is_active = true
	`, subscriptionID)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientStore, "list active licenses for subscription", err)
	}
	var licenses []models.License
	for rows.Next() {
		var l models.License
		if err := rows.Scan(&l.ID, &l.Key, &l.CustomerID, &l.SubscriptionID, &l.MaxTerminals, &l.ActivationCount, &l.IssuedAt); err != nil {
			rows.Close()
			return nil, apierr.Wrap(apierr.TransientStore, "scan license row", err)
		}
		licenses = append(licenses, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apierr.Wrap(apierr.TransientStore, "iterate license rows", err)
	}

	now := time.Now().UTC()
	for i := range licenses {
		_, err := e.db.Exec(ctx, `
			UPDATE licenses SET is_active = false, revoked_at = $1, revocation_reason = $2 WHERE id = $3
		`, now, reason, licenses[i].ID)
		if err != nil {
			return nil, apierr.Wrap(apierr.TransientStore, "revoke license", err)
		}
		licenses[i].IsActive = false
		licenses[i].RevokedAt = &now
		licenses[i].RevocationReason = reason
	}
	return licenses, nil
}

// MigrateActivations carries activations from an old license to its
// plan-changed replacement while still inside the trial period, capped at
// maxTrialPlanChanges switches for the lifetime of the subscription.
func (e *Engine) MigrateActivations(ctx context.Context, fromLicenseKey, toLicenseKey string, maxTrialPlanChanges int) error {
	if fromLicenseKey == "" {
		return nil
	}
	if maxTrialPlanChanges <= 0 {
		maxTrialPlanChanges = e.maxTrialPlanChanges
	}

	var subID uuid.UUID
	var subStatus string
	var trialPlanChanges int
	err := e.db.QueryRow(ctx, `
		SELECT s.id, s.status, s.trial_plan_changes
		FROM subscriptions s JOIN licenses l ON l.subscription_id = s.id
		WHERE l.key = $1
	`, fromLicenseKey).Scan(&subID, &subStatus, &trialPlanChanges)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, "subscription not found for plan change migration", err)
	}
	if subStatus != "trialing" {
		return apierr.New(apierr.PermanentBusinessRule, "activations migrate only while the subscription is trialing")
	}
	if trialPlanChanges >= maxTrialPlanChanges {
		return apierr.New(apierr.PermanentBusinessRule, "maximum trial plan changes reached")
	}

	_, err = e.db.Exec(ctx, `
		UPDATE activations SET license_key = $1 WHERE license_key = $2 AND is_active = true
	`, toLicenseKey, fromLicenseKey)
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "migrate activations to new license", err)
	}

	_, err = e.db.Exec(ctx, `UPDATE subscriptions SET trial_plan_changes = trial_plan_changes + 1 WHERE id = $1`, subID)
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "increment trial plan change counter", err)
	}
	return nil
}

// Activate binds a license to a machine, stealing an expired grace-window
// slot if the terminal cap is otherwise full. Runs under a row lock on the
// license so concurrent activations against the same license serialize.
func (e *Engine) Activate(ctx context.Context, key, machineIDHash, terminalName, ipAddress string) (models.Activation, error) {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return models.Activation{}, apierr.Wrap(apierr.TransientStore, "begin activation transaction", err)
	}
	defer tx.Rollback(ctx)

	var lic models.License
	var subStatus string
	err = tx.QueryRow(ctx, `
		SELECT l.id, l.key, l.customer_id, l.subscription_id, l.max_terminals, l.activation_count,
		       l.is_active, l.issued_at, s.status
		FROM licenses l JOIN subscriptions s ON s.id = l.subscription_id
		WHERE l.key = $1
		FOR UPDATE
	`, key).Scan(&lic.ID, &lic.Key, &lic.CustomerID, &lic.SubscriptionID, &lic.MaxTerminals,
		&lic.ActivationCount, &lic.IsActive, &lic.IssuedAt, &subStatus)
	if err != nil {
		return models.Activation{}, apierr.Wrap(apierr.NotFound, "license not found", err)
	}

	if !lic.IsActive {
		return models.Activation{}, ErrLicenseInactive
	}
	if subStatus == "cancelled" || subStatus == "past_due" {
		return models.Activation{}, ErrLicenseInactive
	}

	now := time.Now().UTC()

	var existing models.Activation
	err = tx.QueryRow(ctx, `
		SELECT id, license_key, machine_id_hash, terminal_name, first_activation, last_heartbeat, is_active
		FROM activations WHERE license_key = $1 AND machine_id_hash = $2
	`, key, machineIDHash).Scan(&existing.ID, &existing.LicenseKey, &existing.MachineIDHash,
		&existing.TerminalName, &existing.FirstActivation, &existing.LastHeartbeat, &existing.IsActive)
	if err == nil {
		_, err = tx.Exec(ctx, `
			UPDATE activations SET last_heartbeat = $1, is_active = true, ip_address = $2 WHERE id = $3
		`, now, ipAddress, existing.ID)
		if err != nil {
			return models.Activation{}, apierr.Wrap(apierr.TransientStore, "refresh existing activation", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return models.Activation{}, apierr.Wrap(apierr.TransientStore, "commit activation transaction", err)
		}
		existing.LastHeartbeat = &now
		existing.IsActive = true
		return existing, nil
	}

	if lic.ActivationCount >= lic.MaxTerminals {
		if _, stealErr := e.stealGraceWindowSlot(ctx, tx, key, lic.IssuedAt, now); stealErr != nil {
			return models.Activation{}, ErrMaxTerminals
		}
	}

	activation := models.Activation{
		ID:              uuid.New(),
		LicenseKey:      key,
		MachineIDHash:   machineIDHash,
		TerminalName:    terminalName,
		FirstActivation: now,
		LastHeartbeat:   &now,
		IsActive:        true,
		IPAddress:       ipAddress,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO activations (id, license_key, machine_id_hash, terminal_name, first_activation, last_heartbeat, is_active, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7)
	`, activation.ID, activation.LicenseKey, activation.MachineIDHash, activation.TerminalName,
		activation.FirstActivation, activation.LastHeartbeat, activation.IPAddress)
	if err != nil {
		return models.Activation{}, apierr.Wrap(apierr.TransientStore, "insert activation", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE licenses SET activation_count = activation_count + 1 WHERE id = $1`, lic.ID); err != nil {
		return models.Activation{}, apierr.Wrap(apierr.TransientStore, "increment activation count", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Activation{}, apierr.Wrap(apierr.TransientStore, "commit activation transaction", err)
	}

	e.publish(ctx, key, models.EventTerminalAdded, map[string]string{"terminal_id": activation.ID.String()})
	return activation, nil
}

// stealGraceWindowSlot reclaims an activation slot for a terminal that has
// never sent a heartbeat within 24h of the license's issue time, the "grace
// window" a forgotten or failed first-run activation leaves behind.
func (e *Engine) stealGraceWindowSlot(ctx context.Context, tx pgx.Tx, key string, issuedAt, now time.Time) (uuid.UUID, error) {
	if now.Sub(issuedAt) > graceWindowAfterIssue {
		return uuid.Nil, errors.New("grace window has elapsed, no slot to steal")
	}

	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT id FROM activations
		WHERE license_key = $1 AND is_active = true AND last_heartbeat IS NULL
		ORDER BY first_activation ASC LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, key).Scan(&id)
	if err != nil {
		return uuid.Nil, errors.New("no stealable grace-window slot")
	}

	now = time.Now().UTC()
	_, err = tx.Exec(ctx, `UPDATE activations SET is_active = false, deactivated_at = $1 WHERE id = $2`, now, id)
	if err != nil {
		return uuid.Nil, err
	}

	// The caller unconditionally increments activation_count by one for the
	// new activation it is about to insert; decrement here for the slot just
	// vacated so the column still equals the count of is_active=true rows.
	if _, err := tx.Exec(ctx, `UPDATE licenses SET activation_count = activation_count - 1 WHERE key = $1`, key); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// HeartbeatResult reports whether a terminal's activation still counts as
// valid and, if it's inside a grace period, how long remains.
type HeartbeatResult struct {
	IsValid               bool
	GracePeriodRemainingMs int64
}

// Heartbeat refreshes an activation's last-seen time and evaluates the
// grace-period table: subscriptions past their trial or billing period get
// a bounded window before the terminal is treated as expired rather than
// failing closed immediately on the processor's own eventual-consistency lag.
func (e *Engine) Heartbeat(ctx context.Context, key, machineIDHash string) (HeartbeatResult, error) {
	var sub models.Subscription
	var activationID uuid.UUID
	now := time.Now().UTC()

	err := e.db.QueryRow(ctx, `
		SELECT s.status, s.current_period_end, s.trial_end, s.canceled_at, a.id
		FROM activations a
		JOIN licenses l ON l.key = a.license_key
		JOIN subscriptions s ON s.id = l.subscription_id
		WHERE a.license_key = $1 AND a.machine_id_hash = $2 AND a.is_active = true
	`, key, machineIDHash).Scan(&sub.Status, &sub.CurrentPeriodEnd, &sub.TrialEnd, &sub.CanceledAt, &activationID)
	if err != nil {
		return HeartbeatResult{}, apierr.Wrap(apierr.NotFound, "no active activation for heartbeat", err)
	}

	result := gracePeriod(sub, now)

	if _, err := e.db.Exec(ctx, `UPDATE activations SET last_heartbeat = $1 WHERE id = $2`, now, activationID); err != nil {
		return HeartbeatResult{}, apierr.Wrap(apierr.TransientStore, "record heartbeat", err)
	}

	if !result.IsValid {
		if _, err := e.db.Exec(ctx, `UPDATE activations SET is_active = false, deactivated_at = $1 WHERE id = $2`, now, activationID); err != nil {
			e.log.Warn("failed to deactivate expired-grace activation", zap.Error(err))
		}
	}

	return result, nil
}

// gracePeriod implements the per-status grace table: active subscriptions
// never disable on heartbeat; every other status gets a bounded window past
// a status-specific anchor time.
func gracePeriod(sub models.Subscription, now time.Time) HeartbeatResult {
	const (
		trialGrace   = 7 * 24 * time.Hour
		pastDueGrace = 3 * 24 * time.Hour
	)

	switch sub.Status {
	case "active":
		return HeartbeatResult{IsValid: true}
	case "trialing":
		if sub.TrialEnd == nil {
			return HeartbeatResult{IsValid: true}
		}
		deadline := sub.TrialEnd.Add(trialGrace)
		return evaluateDeadline(now, deadline)
	case "cancelled":
		if sub.TrialEnd != nil && sub.CanceledAt != nil && sub.CanceledAt.Before(*sub.TrialEnd) {
			deadline := sub.TrialEnd.Add(trialGrace)
			return evaluateDeadline(now, deadline)
		}
		if sub.CanceledAt != nil {
			deadline := sub.CanceledAt.Add(trialGrace)
			return evaluateDeadline(now, deadline)
		}
		return HeartbeatResult{IsValid: false}
	case "past_due":
		deadline := sub.CurrentPeriodEnd.Add(pastDueGrace)
		return evaluateDeadline(now, deadline)
	default:
		return HeartbeatResult{IsValid: false}
	}
}

func evaluateDeadline(now, deadline time.Time) HeartbeatResult {
	if now.Before(deadline) {
		return HeartbeatResult{IsValid: true, GracePeriodRemainingMs: deadline.Sub(now).Milliseconds()}
	}
	return HeartbeatResult{IsValid: false}
}

// Deactivate releases a terminal's slot, rate-limited to
// maxDeactivationsPerYear per calendar year to stop a license being used as
// a revolving pool of terminals.
func (e *Engine) Deactivate(ctx context.Context, key, machineIDHash string) error {
	yearStart := time.Date(time.Now().UTC().Year(), 1, 1, 0, 0, 0, 0, time.UTC)

	var count int
	err := e.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM activations
		WHERE license_key = $1 AND is_active = false AND deactivated_at >= $2
	`, key, yearStart).Scan(&count)
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "count deactivations this year", err)
	}
	if count >= e.maxDeactivationsPerYear {
		return ErrRateLimited
	}

	now := time.Now().UTC()
	tag, err := e.db.Exec(ctx, `
		UPDATE activations SET is_active = false, deactivated_at = $1
		WHERE license_key = $2 AND machine_id_hash = $3 AND is_active = true
	`, now, key, machineIDHash)
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "deactivate activation", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "no active activation for this machine")
	}

	if _, err := e.db.Exec(ctx, `UPDATE licenses SET activation_count = activation_count - 1 WHERE key = $1 AND activation_count > 0`, key); err != nil {
		return apierr.Wrap(apierr.TransientStore, "decrement activation count", err)
	}
	return nil
}

// Revoke permanently disables a license (operator action or downstream
// subscription cancellation) and publishes license_revoked after commit.
func (e *Engine) Revoke(ctx context.Context, key, reason string) error {
	now := time.Now().UTC()
	tag, err := e.db.Exec(ctx, `
		UPDATE licenses SET is_active = false, revoked_at = $1, revocation_reason = $2
		WHERE key = $3 AND is_active = true
	`, now, reason, key)
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "revoke license", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "license not found or already revoked")
	}

	e.publish(ctx, key, models.EventLicenseRevoked, map[string]string{"reason": reason})
	return nil
}

// GetByKey looks up a single license by its key.
func (e *Engine) GetByKey(ctx context.Context, key string) (models.License, error) {
	var l models.License
	err := e.db.QueryRow(ctx, `
		SELECT id, key, customer_id, subscription_id, max_terminals, activation_count, is_active,
		       revoked_at, revocation_reason, issued_at, expires_at
		FROM licenses WHERE key = $1
	`, key).Scan(&l.ID, &l.Key, &l.CustomerID, &l.SubscriptionID, &l.MaxTerminals, &l.ActivationCount,
		&l.IsActive, &l.RevokedAt, &l.RevocationReason, &l.IssuedAt, &l.ExpiresAt)
	if err != nil {
		return models.License{}, apierr.Wrap(apierr.NotFound, "license not found", err)
	}
	return l, nil
}

// ListForCustomer returns every license belonging to a customer, most
// recently issued first.
func (e *Engine) ListForCustomer(ctx context.Context, customerID uuid.UUID) ([]models.License, error) {
	rows, err := e.db.Query(ctx, `
		SELECT id, key, customer_id, subscription_id, max_terminals, activation_count, is_active,
		       revoked_at, revocation_reason, issued_at, expires_at
		FROM licenses WHERE customer_id = $1 ORDER BY issued_at DESC
	`, customerID)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientStore, "list licenses for customer", err)
	}
	defer rows.Close()

	var out []models.License
	for rows.Next() {
		var l models.License
		if err := rows.Scan(&l.ID, &l.Key, &l.CustomerID, &l.SubscriptionID, &l.MaxTerminals, &l.ActivationCount,
			&l.IsActive, &l.RevokedAt, &l.RevocationReason, &l.IssuedAt, &l.ExpiresAt); err != nil {
			return nil, apierr.Wrap(apierr.TransientStore, "scan license row", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListActivations returns every activation ever recorded for a license,
// most recent first activation first.
func (e *Engine) ListActivations(ctx context.Context, key string) ([]models.Activation, error) {
	rows, err := e.db.Query(ctx, `
		SELECT id, license_key, machine_id_hash, terminal_name, first_activation, last_heartbeat,
		       is_active, COALESCE(ip_address, ''), COALESCE(location, ''), deactivated_at
		FROM activations WHERE license_key = $1 ORDER BY first_activation DESC
	`, key)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientStore, "list activations", err)
	}
	defer rows.Close()

	var out []models.Activation
	for rows.Next() {
		var a models.Activation
		if err := rows.Scan(&a.ID, &a.LicenseKey, &a.MachineIDHash, &a.TerminalName, &a.FirstActivation,
			&a.LastHeartbeat, &a.IsActive, &a.IPAddress, &a.Location, &a.DeactivatedAt); err != nil {
			return nil, apierr.Wrap(apierr.TransientStore, "scan activation row", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAllPaginated is the admin view across every customer, optionally
// filtered by status: "active" (is_active = true) or "revoked"
// (is_active = false); any other value lists every license.
func (e *Engine) ListAllPaginated(ctx context.Context, page, limit int, status string) ([]models.License, int, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := (page - 1) * limit

	where := ""
	args := []interface{}{}
	switch status {
	case "active":
		where = "WHERE is_active = true"
	case "revoked":
		where = "WHERE is_active = false"
	}

	var total int
	countSQL := "SELECT COUNT(*) FROM licenses " + where
	if err := e.db.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, apierr.Wrap(apierr.TransientStore, "count licenses", err)
	}

	args = append(args, limit, offset)
	listSQL := fmt.Sprintf(`
		SELECT id, key, customer_id, subscription_id, max_terminals, activation_count, is_active,
		       revoked_at, revocation_reason, issued_at, expires_at
		FROM licenses %s ORDER BY issued_at DESC LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))
	rows, err := e.db.Query(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, apierr.Wrap(apierr.TransientStore, "list licenses", err)
	}
	defer rows.Close()

	var out []models.License
	for rows.Next() {
		var l models.License
		if err := rows.Scan(&l.ID, &l.Key, &l.CustomerID, &l.SubscriptionID, &l.MaxTerminals, &l.ActivationCount,
			&l.IsActive, &l.RevokedAt, &l.RevocationReason, &l.IssuedAt, &l.ExpiresAt); err != nil {
			return nil, 0, apierr.Wrap(apierr.TransientStore, "scan license row", err)
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}

func (e *Engine) publish(ctx context.Context, licenseKey string, eventType models.EventType, payload map[string]string) {
	body, _ := json.Marshal(payload)
	now := time.Now().UTC()
	event := models.Event{
		EventID:    uuid.New(),
		LicenseKey: licenseKey,
		Type:       eventType,
		Payload:    body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
	// Best-effort persist through C1 before fan-out: a failed append degrades
	// to in-process delivery only and is already logged by the store itself.
	if e.store != nil {
		_ = e.store.Append(ctx, event)
	}
	if err := e.bus.Publish(ctx, event); err != nil {
		e.log.Warn("licensing event publish failed", zap.String("license_key", licenseKey), zap.Error(err))
	}
}
