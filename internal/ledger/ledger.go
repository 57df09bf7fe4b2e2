// Package ledger implements the Acknowledgement Ledger (C4): a write-only
// record of per-event, per-terminal delivery outcomes. Only the Delivery
// Endpoint (C3) writes here; the Retry Engine (C5) and Pattern Analyzer (C9)
// read from it.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aurswift/aureposweb/internal/apierr"
	"github.com/aurswift/aureposweb/internal/models"
	"github.com/aurswift/aureposweb/internal/storage"
)

type Ledger struct {
	db storage.DB
}

func New(db storage.DB) *Ledger {
	return &Ledger{db: db}
}

// Record appends an acknowledgement. A duplicate (event_id, terminal_id,
// success) is idempotent and silently ignored, per the Acknowledgement
// entity's invariant.
func (l *Ledger) Record(ctx context.Context, ack models.Acknowledgement) error {
	if ack.AcknowledgedAt.IsZero() {
		ack.AcknowledgedAt = time.Now().UTC()
	}
	if ack.ID == uuid.Nil {
		ack.ID = uuid.New()
	}

	if ack.Status == models.AckSuccess {
		_, err := l.db.Exec(ctx, `
			INSERT INTO acknowledgements (id, event_id, license_key, terminal_id, status, error_message, processing_time_ms, acknowledged_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_id, terminal_id) WHERE status = 'success' DO NOTHING
		`, ack.ID, ack.EventID, ack.LicenseKey, ack.TerminalID, ack.Status, ack.ErrorMessage, ack.ProcessingTimeMs, ack.AcknowledgedAt)
		if err != nil {
			return apierr.Wrap(apierr.TransientStore, "record success acknowledgement", err)
		}
		return nil
	}

	// Failed acks are not unique, every attempt is recorded for C9.
	_, err := l.db.Exec(ctx, `
		INSERT INTO acknowledgements (id, event_id, license_key, terminal_id, status, error_message, processing_time_ms, acknowledged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ack.ID, ack.EventID, ack.LicenseKey, ack.TerminalID, ack.Status, ack.ErrorMessage, ack.ProcessingTimeMs, ack.AcknowledgedAt)
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "record failed acknowledgement", err)
	}
	return nil
}

// HasSuccess reports whether an event already has a successful ack, used by
// the Retry Engine's "no ack loss" guarantee.
func (l *Ledger) HasSuccess(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var exists bool
	err := l.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM acknowledgements WHERE event_id = $1 AND status = 'success')
	`, eventID).Scan(&exists)
	if err != nil {
		return false, apierr.Wrap(apierr.TransientStore, "check acknowledgement success", err)
	}
	return exists, nil
}

// HasTerminalAck reports whether a specific terminal has already
// successfully acknowledged an event. Nothing in this repository calls it;
// the delivery endpoint does not consult it before waiting on an ack.
func (l *Ledger) HasTerminalAck(ctx context.Context, eventID uuid.UUID, terminalID string) (bool, error) {
	var exists bool
	err := l.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM acknowledgements WHERE event_id = $1 AND terminal_id = $2 AND status = 'success')
	`, eventID, terminalID).Scan(&exists)
	if err != nil {
		return false, apierr.Wrap(apierr.TransientStore, "check terminal acknowledgement", err)
	}
	return exists, nil
}

// FailuresInWindow returns failed acknowledgements in [start, end) grouped
// implicitly by license key, the raw material for the Pattern Analyzer (C9).
func (l *Ledger) FailuresInWindow(ctx context.Context, start, end time.Time) ([]models.Acknowledgement, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, event_id, license_key, terminal_id, status, COALESCE(error_message, ''), processing_time_ms, acknowledged_at
		FROM acknowledgements
		WHERE status = 'failed' AND acknowledged_at >= $1 AND acknowledged_at < $2
		ORDER BY license_key, acknowledged_at ASC
	`, start, end)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientStore, "list failures in window", err)
	}
	defer rows.Close()

	acks := make([]models.Acknowledgement, 0)
	for rows.Next() {
		var a models.Acknowledgement
		if err := rows.Scan(&a.ID, &a.EventID, &a.LicenseKey, &a.TerminalID, &a.Status, &a.ErrorMessage, &a.ProcessingTimeMs, &a.AcknowledgedAt); err != nil {
			return nil, apierr.Wrap(apierr.TransientStore, "scan acknowledgement row", err)
		}
		acks = append(acks, a)
	}
	return acks, rows.Err()
}
