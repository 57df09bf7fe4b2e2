// Package sweep implements the Scheduled Sweeps (C8): the periodic jobs
// that turn the passage of time into fabric state changes no single request
// would otherwise trigger — trial and grace-period expiry, event TTL
// cleanup, and driving the Retry Engine's tick. Each sweep method is called
// on its own ticker from cmd/api/main.go; a failure in one sweep is logged
// and never blocks the others.
package sweep

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aurswift/aureposweb/internal/apierr"
	"github.com/aurswift/aureposweb/internal/eventbus"
	"github.com/aurswift/aureposweb/internal/eventstore"
	"github.com/aurswift/aureposweb/internal/licensing"
	"github.com/aurswift/aureposweb/internal/models"
	"github.com/aurswift/aureposweb/internal/retry"
	"github.com/aurswift/aureposweb/internal/services"
	"github.com/aurswift/aureposweb/internal/storage"
)

// warningBucket is how wide a window around a 3-day/1-day warning mark
// counts as "now", sized to the trial sweep's own run interval so each mark
// is hit by exactly one run regardless of which 6-hour boundary it falls on.
const warningBucket = 6 * time.Hour

type Sweeper struct {
	db       storage.DB
	bus      eventbus.Bus
	licenses *licensing.Engine
	store    *eventstore.Store
	retry    *retry.Engine
	email    *services.EmailService
	log      *zap.Logger

	trialGrace   time.Duration
	pastDueGrace time.Duration
}

func New(db storage.DB, bus eventbus.Bus, licenses *licensing.Engine, store *eventstore.Store, retryEngine *retry.Engine, email *services.EmailService, log *zap.Logger, gracePeriodDaysPaid, gracePeriodDaysPastDue int) *Sweeper {
	if gracePeriodDaysPaid <= 0 {
		gracePeriodDaysPaid = 7
	}
	if gracePeriodDaysPastDue <= 0 {
		gracePeriodDaysPastDue = 3
	}
	return &Sweeper{
		db: db, bus: bus, licenses: licenses, store: store, retry: retryEngine, email: email, log: log,
		trialGrace:   time.Duration(gracePeriodDaysPaid) * 24 * time.Hour,
		pastDueGrace: time.Duration(gracePeriodDaysPastDue) * 24 * time.Hour,
	}
}

type subscriber struct {
	subscriptionID uuid.UUID
	customerID     uuid.UUID
	email          string
	name           string
}

// TrialSweepResult reports one trial-sweep run.
type TrialSweepResult struct {
	Warned   int
	Canceled int
}

// RunTrialSweep warns trialing subscriptions 3 days and 1 day before their
// trial ends and cancels + revokes the ones whose post-trial grace window
// has passed, every 6h per cmd/api's ticker.
func (s *Sweeper) RunTrialSweep(ctx context.Context) (TrialSweepResult, error) {
	now := time.Now().UTC()
	rows, err := s.db.Query(ctx, `
		SELECT s.id, s.customer_id, u.email, u.name, s.trial_end
		FROM subscriptions s
		JOIN customers c ON c.id = s.customer_id
		JOIN users u ON u.id = c.user_id
		WHERE s.status = 'trialing' AND s.trial_end IS NOT NULL
	`)
	if err != nil {
		return TrialSweepResult{}, apierr.Wrap(apierr.TransientStore, "list trialing subscriptions", err)
	}

	type row struct {
		sub      subscriber
		trialEnd time.Time
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.sub.subscriptionID, &r.sub.customerID, &r.sub.email, &r.sub.name, &r.trialEnd); err != nil {
			rows.Close()
			return TrialSweepResult{}, apierr.Wrap(apierr.TransientStore, "scan trialing subscription row", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return TrialSweepResult{}, apierr.Wrap(apierr.TransientStore, "iterate trialing subscriptions", err)
	}

	var result TrialSweepResult
	for _, c := range candidates {
		deadline := c.trialEnd.Add(s.trialGrace)

		if days, warn := warningDue(now, c.trialEnd); warn {
			if err := s.email.SendTrialEndingEmail(ctx, c.sub.email, c.sub.name, days); err != nil {
				s.log.Warn("trial ending email failed", zap.String("subscription_id", c.sub.subscriptionID.String()), zap.Error(err))
			} else {
				result.Warned++
			}
			continue
		}

		if now.Before(deadline) {
			continue
		}

		if err := s.expireSubscription(ctx, c.sub.subscriptionID, "trial ended without payment"); err != nil {
			s.log.Warn("trial expiry failed", zap.String("subscription_id", c.sub.subscriptionID.String()), zap.Error(err))
			continue
		}
		result.Canceled++
	}
	return result, nil
}

// GracePeriodSweepResult reports one grace-period-sweep run.
type GracePeriodSweepResult struct {
	Warned       int
	Deactivated  int
}

// RunGracePeriodSweep does the same warn-then-expire cycle for past_due
// subscriptions past their billing period, every 12h per cmd/api's ticker.
func (s *Sweeper) RunGracePeriodSweep(ctx context.Context) (GracePeriodSweepResult, error) {
	now := time.Now().UTC()
	rows, err := s.db.Query(ctx, `
		SELECT s.id, s.customer_id, u.email, u.name, s.current_period_end
		FROM subscriptions s
		JOIN customers c ON c.id = s.customer_id
		JOIN users u ON u.id = c.user_id
		WHERE s.status = 'past_due'
	`)
	if err != nil {
		return GracePeriodSweepResult{}, apierr.Wrap(apierr.TransientStore, "list past-due subscriptions", err)
	}

	type row struct {
		sub        subscriber
		periodEnd time.Time
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.sub.subscriptionID, &r.sub.customerID, &r.sub.email, &r.sub.name, &r.periodEnd); err != nil {
			rows.Close()
			return GracePeriodSweepResult{}, apierr.Wrap(apierr.TransientStore, "scan past-due subscription row", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return GracePeriodSweepResult{}, apierr.Wrap(apierr.TransientStore, "iterate past-due subscriptions", err)
	}

	var result GracePeriodSweepResult
	for _, c := range candidates {
		deadline := c.periodEnd.Add(s.pastDueGrace)

		if days, warn := warningDue(now, deadline); warn {
			if err := s.email.SendGracePeriodEndingEmail(ctx, c.sub.email, c.sub.name, days); err != nil {
				s.log.Warn("grace period ending email failed", zap.String("subscription_id", c.sub.subscriptionID.String()), zap.Error(err))
			} else {
				result.Warned++
			}
			continue
		}

		if now.Before(deadline) {
			continue
		}

		if err := s.deactivateSubscription(ctx, c.sub.subscriptionID, "past due grace period elapsed"); err != nil {
			s.log.Warn("grace period deactivation failed", zap.String("subscription_id", c.sub.subscriptionID.String()), zap.Error(err))
			continue
		}
		result.Deactivated++
	}
	return result, nil
}

// warningDue reports whether now falls in the 3-day-before or 1-day-before
// warning bucket ahead of deadline, and which one.
func warningDue(now, deadline time.Time) (daysRemaining int, due bool) {
	for _, days := range []int{3, 1} {
		mark := deadline.Add(-time.Duration(days) * 24 * time.Hour)
		if !now.Before(mark) && now.Before(mark.Add(warningBucket)) {
			return days, true
		}
	}
	return 0, false
}

func (s *Sweeper) expireSubscription(ctx context.Context, subscriptionID uuid.UUID, reason string) error {
	now := time.Now().UTC()
	if _, err := s.db.Exec(ctx, `
		UPDATE subscriptions SET status = 'cancelled', canceled_at = $1 WHERE id = $2
	`, now, subscriptionID); err != nil {
		return apierr.Wrap(apierr.TransientStore, "mark subscription cancelled", err)
	}

	licenses, err := s.licenses.RevokeForSubscription(ctx, subscriptionID, reason)
	if err != nil {
		return err
	}

	for _, lic := range licenses {
		s.publish(ctx, lic.Key, models.EventSubscriptionCancelled, map[string]string{"reason": reason})
	}
	return nil
}

// deactivateSubscription revokes every license on a subscription whose
// grace period has elapsed and deactivates every activation under those
// licenses, broadcasting a deactivation event per license so connected
// terminals drop out immediately instead of waiting for their next
// heartbeat to notice the license went inactive.
func (s *Sweeper) deactivateSubscription(ctx context.Context, subscriptionID uuid.UUID, reason string) error {
	licenses, err := s.licenses.RevokeForSubscription(ctx, subscriptionID, reason)
	if err != nil {
		return err
	}

	for _, lic := range licenses {
		now := time.Now().UTC()
		if _, err := s.db.Exec(ctx, `
			UPDATE activations SET is_active = false, deactivated_at = $1 WHERE license_key = $2 AND is_active = true
		`, now, lic.Key); err != nil {
			return apierr.Wrap(apierr.TransientStore, "deactivate activations for expired license", err)
		}
		s.publish(ctx, lic.Key, models.EventDeactivationBroadcast, map[string]string{"reason": reason})
	}
	return nil
}

func (s *Sweeper) publish(ctx context.Context, licenseKey string, eventType models.EventType, payload map[string]string) {
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
	// Best-effort persist through C1 before fan-out; Store.Append already
	// logs and degrades gracefully on failure.
	if s.store != nil {
		_ = s.store.Append(ctx, event)
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.log.Warn("sweep event publish failed", zap.String("license_key", licenseKey), zap.Error(err))
	}
}

// EventTTLSweepResult reports one TTL sweep run.
type EventTTLSweepResult struct {
	Deleted int64
}

// RunEventTTLSweep deletes events past their TTL from the event store.
func (s *Sweeper) RunEventTTLSweep(ctx context.Context) (EventTTLSweepResult, error) {
	deleted, err := s.store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return EventTTLSweepResult{}, err
	}
	return EventTTLSweepResult{Deleted: deleted}, nil
}

// RunRetryTick drives one Retry Engine cycle.
func (s *Sweeper) RunRetryTick(ctx context.Context) (retry.TickResult, error) {
	return s.retry.Tick(ctx)
}
