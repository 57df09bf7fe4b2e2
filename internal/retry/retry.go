// Package retry implements the Retry Engine & DLQ (C5): a periodic scan that
// re-emits unacknowledged events with exponential backoff and escalates to
// a dead-letter queue after MAX_RETRY_ATTEMPTS, grounded on the
// claim/backoff worker shape mattermost-cloud's event deliverer uses, scaled
// down to this fabric's single-cycle-per-tick model instead of dedicated
// worker goroutines per subscription.
package retry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aurswift/aureposweb/internal/apierr"
	"github.com/aurswift/aureposweb/internal/eventbus"
	"github.com/aurswift/aureposweb/internal/eventstore"
	"github.com/aurswift/aureposweb/internal/ledger"
	"github.com/aurswift/aureposweb/internal/models"
	"github.com/aurswift/aureposweb/internal/storage"
)

const (
	backoffBase       = time.Second
	backoffMultiplier = 2
	ackLag            = 30 * time.Second
	reinjectHorizon   = time.Hour
)

type Engine struct {
	db         storage.DB
	store      *eventstore.Store
	ledger     *ledger.Ledger
	bus        eventbus.Bus
	log        *zap.Logger
	maxRetries int
}

func New(db storage.DB, store *eventstore.Store, ledger *ledger.Ledger, bus eventbus.Bus, log *zap.Logger, maxRetries int) *Engine {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Engine{db: db, store: store, ledger: ledger, bus: bus, log: log, maxRetries: maxRetries}
}

// TickResult is the structured summary every sweep emits for operators.
type TickResult struct {
	Scanned   int
	Republished int
	Escalated int
	Failed    int
}

// Tick runs one retry cycle: fetch candidate events, escalate exhausted
// ones to the DLQ, republish the rest with backoff. The engine never blocks
// on one bad event, a republish failure just records a failed attempt and
// defers to the next cycle.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	now := time.Now().UTC()
	events, err := e.store.ListUnacknowledged(ctx, ackLag, now)
	if err != nil {
		return TickResult{}, err
	}

	var result TickResult
	result.Scanned = len(events)

	for _, event := range events {
		// No ack loss: an event with a successful ack never gets a retry,
		// even if it raced into the unacknowledged scan.
		acked, err := e.ledger.HasSuccess(ctx, event.EventID)
		if err != nil {
			e.log.Warn("retry tick: failed to check ack status", zap.Error(err))
			result.Failed++
			continue
		}
		if acked {
			continue
		}

		count, err := e.attemptCount(ctx, event.EventID)
		if err != nil {
			e.log.Warn("retry tick: failed to count attempts", zap.Error(err))
			result.Failed++
			continue
		}

		if count >= e.maxRetries {
			if err := e.escalate(ctx, event, count, now); err != nil {
				e.log.Warn("retry tick: escalation failed", zap.String("event_id", event.EventID.String()), zap.Error(err))
				result.Failed++
				continue
			}
			result.Escalated++
			continue
		}

		if err := e.republish(ctx, event, count, now); err != nil {
			result.Failed++
			continue
		}
		result.Republished++
	}

	e.log.Info("retry tick complete",
		zap.Int("scanned", result.Scanned),
		zap.Int("republished", result.Republished),
		zap.Int("escalated", result.Escalated),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (e *Engine) attemptCount(ctx context.Context, eventID uuid.UUID) (int, error) {
	var count int
	err := e.db.QueryRow(ctx, `SELECT COUNT(*) FROM retry_attempts WHERE event_id = $1`, eventID).Scan(&count)
	if err != nil {
		return 0, apierr.Wrap(apierr.TransientStore, "count retry attempts", err)
	}
	return count, nil
}

// republish reuses the event's original event_id so downstream
// acknowledgement remains idempotent, and schedules the next attempt at
// now + base × multiplier^(n-1): 1s, 2s, 4s, 8s, 16s for attempts 1..5.
func (e *Engine) republish(ctx context.Context, event models.Event, priorAttempts int, now time.Time) error {
	attemptNumber := priorAttempts + 1
	delay := backoffBase
	for i := 1; i < attemptNumber; i++ {
		delay *= backoffMultiplier
	}
	nextRetryAt := now.Add(delay)

	if err := e.bus.Publish(ctx, event); err != nil {
		e.recordAttempt(ctx, event.EventID, attemptNumber, models.RetryResultFailed, err.Error(), nil, 0)
		return err
	}

	e.recordAttempt(ctx, event.EventID, attemptNumber, models.RetryResultSuccess, "", &nextRetryAt, delay.Milliseconds())
	return nil
}

func (e *Engine) recordAttempt(ctx context.Context, eventID uuid.UUID, attemptNumber int, result models.RetryAttemptResult, errMsg string, nextRetryAt *time.Time, backoffMs int64) {
	_, err := e.db.Exec(ctx, `
		INSERT INTO retry_attempts (id, event_id, attempt_number, result, error_message, next_retry_at, attempted_at, backoff_delay_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New(), eventID, attemptNumber, result, errMsg, nextRetryAt, time.Now().UTC(), backoffMs)
	if err != nil {
		e.log.Warn("failed to record retry attempt", zap.String("event_id", eventID.String()), zap.Error(err))
	}
}

func (e *Engine) escalate(ctx context.Context, event models.Event, retryCount int, now time.Time) error {
	var lastError string
	_ = e.db.QueryRow(ctx, `
		SELECT COALESCE(error_message, '') FROM retry_attempts
		WHERE event_id = $1 ORDER BY attempt_number DESC LIMIT 1
	`, event.EventID).Scan(&lastError)

	_, err := e.db.Exec(ctx, `
		INSERT INTO dead_letter_entries (event_id, license_key, type, payload, original_created_at, retry_count, last_error_message, last_error_at, status, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.LicenseKey, string(event.Type), []byte(event.Payload), event.CreatedAt, retryCount, lastError, now, models.DLQPendingReview, now)
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "escalate to dead letter queue", err)
	}
	return nil
}

// RetryDLQEvent re-injects a dead-lettered event into the store with a
// fresh short-horizon expiry and flips its status to retrying (operator
// action).
func (e *Engine) RetryDLQEvent(ctx context.Context, eventID uuid.UUID) error {
	var entry models.DeadLetterEntry
	err := e.db.QueryRow(ctx, `
		SELECT event_id, license_key, type, payload, original_created_at, retry_count, status
		FROM dead_letter_entries WHERE event_id = $1
	`, eventID).Scan(&entry.EventID, &entry.LicenseKey, &entry.Type, &entry.Payload, &entry.OriginalCreatedAt, &entry.RetryCount, &entry.Status)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, "dead letter entry not found", err)
	}

	now := time.Now().UTC()
	if err := e.store.Reinject(ctx, models.Event{
		EventID:    entry.EventID,
		LicenseKey: entry.LicenseKey,
		Type:       entry.Type,
		Payload:    entry.Payload,
	}, reinjectHorizon, now); err != nil {
		return err
	}

	_, err = e.db.Exec(ctx, `UPDATE dead_letter_entries SET status = $1 WHERE event_id = $2`, models.DLQRetrying, eventID)
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "flip dead letter entry to retrying", err)
	}
	return nil
}

// ResolveDLQEvent and AbandonDLQEvent move a dead-letter entry to a terminal
// state with operator notes.
func (e *Engine) ResolveDLQEvent(ctx context.Context, eventID uuid.UUID, resolvedBy, notes string) error {
	return e.setTerminalStatus(ctx, eventID, models.DLQResolved, resolvedBy, notes)
}

func (e *Engine) AbandonDLQEvent(ctx context.Context, eventID uuid.UUID, resolvedBy, notes string) error {
	return e.setTerminalStatus(ctx, eventID, models.DLQAbandoned, resolvedBy, notes)
}

func (e *Engine) setTerminalStatus(ctx context.Context, eventID uuid.UUID, status models.DLQStatus, resolvedBy, notes string) error {
	now := time.Now().UTC()
	_, err := e.db.Exec(ctx, `
		UPDATE dead_letter_entries
		SET status = $1, resolved_by = $2, resolved_at = $3, resolution_notes = $4
		WHERE event_id = $5
	`, status, resolvedBy, now, notes, eventID)
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "update dead letter entry status", err)
	}
	return nil
}
