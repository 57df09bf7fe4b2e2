// Package eventstore implements the Event Store (C1): a durable,
// append-only record of subscription events bounded by a TTL. Persistence
// here is best-effort for producers, a failed append degrades the fabric
// to in-memory delivery only, logged as a warning, because the hot path
// must never stall on the store.
package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/aurswift/aureposweb/internal/apierr"
	"github.com/aurswift/aureposweb/internal/models"
	"github.com/aurswift/aureposweb/internal/storage"
)

type Store struct {
	db  storage.DB
	log *zap.Logger
}

func New(db storage.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

// Append inserts an event. A conflicting event_id is a silent success, the
// Event entity's invariant is that duplicate inserts are a no-op.
func (s *Store) Append(ctx context.Context, event models.Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO events (event_id, license_key, type, payload, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.LicenseKey, string(event.Type), []byte(event.Payload), event.CreatedAt, event.ExpiresAt)
	if err != nil {
		s.log.Warn("event store append failed, fabric degrades to in-process delivery only",
			zap.String("event_id", event.EventID.String()),
			zap.Error(err),
		)
		return apierr.Wrap(apierr.TransientStore, "append event", err)
	}
	return nil
}

// ReplayAfter returns every non-expired event for a license created after
// the given cursor time, in creation order, the data C3's replay phase
// streams before switching to the live tail.
func (s *Store) ReplayAfter(ctx context.Context, licenseKey string, afterCreatedAt time.Time, now time.Time) ([]models.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT event_id, license_key, type, payload, created_at, expires_at
		FROM events
		WHERE license_key = $1 AND created_at > $2 AND expires_at > $3
		ORDER BY created_at ASC
	`, licenseKey, afterCreatedAt, now)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientStore, "replay events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListUnacknowledged joins against the acknowledgement ledger to return
// events older than `lag` with no successful ack and no pending future
// retry, for C5 to consider on each cycle.
func (s *Store) ListUnacknowledged(ctx context.Context, lag time.Duration, now time.Time) ([]models.Event, error) {
	cutoff := now.Add(-lag)
	rows, err := s.db.Query(ctx, `
		SELECT e.event_id, e.license_key, e.type, e.payload, e.created_at, e.expires_at
		FROM events e
		WHERE e.created_at < $1
		  AND e.expires_at > $2
		  AND NOT EXISTS (
		      SELECT 1 FROM acknowledgements a
		      WHERE a.event_id = e.event_id AND a.status = 'success'
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM retry_attempts r
		      WHERE r.event_id = e.event_id AND r.next_retry_at > $2
		  )
		ORDER BY e.created_at ASC
	`, cutoff, now)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientStore, "list unacknowledged events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteExpired removes events whose expires_at has passed, returning the
// count removed so the C8 TTL sweep can report it.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM events WHERE expires_at < $1`, now)
	if err != nil {
		return 0, apierr.Wrap(apierr.TransientStore, "delete expired events", err)
	}
	return tag.RowsAffected(), nil
}

// Reinject re-inserts an event with a fresh short-horizon expiry, used by the
// DLQ's retryDLQEvent operator action. Unlike Append, a conflicting
// event_id is updated rather than ignored: the row may already exist
// (expired and awaiting the TTL sweep, or never deleted) and still needs
// its expires_at pushed out so the retry engine picks it up again.
func (s *Store) Reinject(ctx context.Context, event models.Event, horizon time.Duration, now time.Time) error {
	event.CreatedAt = now
	event.ExpiresAt = now.Add(horizon)
	_, err := s.db.Exec(ctx, `
		INSERT INTO events (event_id, license_key, type, payload, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO UPDATE SET created_at = $5, expires_at = $6
	`, event.EventID, event.LicenseKey, string(event.Type), []byte(event.Payload), event.CreatedAt, event.ExpiresAt)
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "reinject event", err)
	}
	return nil
}

func scanEvents(rows pgx.Rows) ([]models.Event, error) {
	events := make([]models.Event, 0)
	for rows.Next() {
		var e models.Event
		var typ string
		var payload []byte
		if err := rows.Scan(&e.EventID, &e.LicenseKey, &typ, &payload, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, apierr.Wrap(apierr.TransientStore, "scan event row", err)
		}
		e.Type = models.EventType(typ)
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
