// Package patterns implements the Pattern Analyzer (C9): an offline
// classifier that walks the Acknowledgement Ledger's (C4) failure rows for
// an analysis window, groups them by license and failure shape, and
// upserts a FailurePattern row operators triage from. It never touches the
// live delivery path, a slow or wrong classification here can't affect
// whether an event gets delivered.
package patterns

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aurswift/aureposweb/internal/apierr"
	"github.com/aurswift/aureposweb/internal/ledger"
	"github.com/aurswift/aureposweb/internal/models"
	"github.com/aurswift/aureposweb/internal/storage"
)

const burstWindow = 5 * time.Minute
const burstThreshold = 5

type Analyzer struct {
	db     storage.DB
	ledger *ledger.Ledger
	log    *zap.Logger
}

func New(db storage.DB, ledger *ledger.Ledger, log *zap.Logger) *Analyzer {
	return &Analyzer{db: db, ledger: ledger, log: log}
}

// Result summarizes one analysis run for operator-facing logging.
type Result struct {
	FailuresExamined int
	PatternsUpserted int
}

// Analyze classifies every failed acknowledgement in [start, end) and
// upserts one FailurePattern per (license_key, kind) it finds.
func (a *Analyzer) Analyze(ctx context.Context, start, end time.Time) (Result, error) {
	failures, err := a.ledger.FailuresInWindow(ctx, start, end)
	if err != nil {
		return Result{}, err
	}

	byLicense := make(map[string][]models.Acknowledgement)
	for _, f := range failures {
		byLicense[f.LicenseKey] = append(byLicense[f.LicenseKey], f)
	}

	result := Result{FailuresExamined: len(failures)}
	for licenseKey, acks := range byLicense {
		counts := classify(acks)
		for kind, count := range counts {
			if count == 0 {
				continue
			}
			if err := a.upsert(ctx, licenseKey, kind, count, start, end); err != nil {
				a.log.Warn("failed to upsert failure pattern",
					zap.String("license_key", licenseKey), zap.String("kind", string(kind)), zap.Error(err))
				continue
			}
			result.PatternsUpserted++
		}
	}
	return result, nil
}

// classify buckets one license's failures by shape. A single acknowledgement
// can count toward both a content-based kind (timeout, network, parsing,
// rate_limit) and burst, burst is a volume signal independent of message text.
func classify(acks []models.Acknowledgement) map[models.FailurePatternKind]int {
	counts := make(map[models.FailurePatternKind]int)

	sorted := make([]models.Acknowledgement, len(acks))
	copy(sorted, acks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AcknowledgedAt.Before(sorted[j].AcknowledgedAt) })

	if hasBurst(sorted) {
		counts[models.PatternBurst] = len(sorted)
	}

	for _, ack := range sorted {
		if kind, ok := classifyMessage(ack.ErrorMessage); ok {
			counts[kind]++
		}
	}
	return counts
}

// hasBurst reports whether any burstWindow-wide sliding window contains at
// least burstThreshold failures.
func hasBurst(sorted []models.Acknowledgement) bool {
	left := 0
	for right := range sorted {
		for sorted[right].AcknowledgedAt.Sub(sorted[left].AcknowledgedAt) > burstWindow {
			left++
		}
		if right-left+1 >= burstThreshold {
			return true
		}
	}
	return false
}

func classifyMessage(msg string) (models.FailurePatternKind, bool) {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "timeout", "deadline exceeded", "context canceled"):
		return models.PatternTimeout, true
	case containsAny(lower, "dns", "connection refused", "unreachable", "no route to host", "network"):
		return models.PatternNetwork, true
	case containsAny(lower, "429", "too many requests", "rate limit"):
		return models.PatternRateLimit, true
	case containsAny(lower, "invalid", "parse", "unmarshal", "validation"):
		return models.PatternParsing, true
	default:
		return "", false
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// severityFor tiers occurrence count into the three bands operators triage
// by: a handful of failures is low, a sustained run is medium, a flood is high.
func severityFor(count int) string {
	switch {
	case count >= 15:
		return "high"
	case count >= 5:
		return "medium"
	default:
		return "low"
	}
}

func (a *Analyzer) upsert(ctx context.Context, licenseKey string, kind models.FailurePatternKind, count int, start, end time.Time) error {
	now := time.Now().UTC()
	_, err := a.db.Exec(ctx, `
		INSERT INTO failure_patterns (id, license_key, kind, severity, occurrence_count, window_start, window_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (license_key, kind, window_start) DO UPDATE SET
			occurrence_count = EXCLUDED.occurrence_count,
			severity = EXCLUDED.severity,
			window_end = EXCLUDED.window_end,
			updated_at = EXCLUDED.updated_at
	`, uuid.New(), licenseKey, string(kind), severityFor(count), count, start, end, now)
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "upsert failure pattern", err)
	}
	return nil
}

// Resolve marks a failure pattern as handled by an operator.
func (a *Analyzer) Resolve(ctx context.Context, id uuid.UUID, notes string) error {
	now := time.Now().UTC()
	tag, err := a.db.Exec(ctx, `
		UPDATE failure_patterns SET resolved_at = $1, resolution_notes = $2, updated_at = $1 WHERE id = $3
	`, now, notes, id)
	if err != nil {
		return apierr.Wrap(apierr.TransientStore, "resolve failure pattern", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "failure pattern not found")
	}
	return nil
}

// ListOpen returns unresolved patterns, most severe/most recent first, for
// the operator triage view.
func (a *Analyzer) ListOpen(ctx context.Context, licenseKey string) ([]models.FailurePattern, error) {
	rows, err := a.db.Query(ctx, `
		SELECT id, license_key, kind, severity, occurrence_count, window_start, window_end, created_at, updated_at
		FROM failure_patterns
		WHERE resolved_at IS NULL AND ($1 = '' OR license_key = $1)
		ORDER BY occurrence_count DESC, window_start DESC
	`, licenseKey)
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientStore, "list open failure patterns", err)
	}
	defer rows.Close()

	var out []models.FailurePattern
	for rows.Next() {
		var p models.FailurePattern
		if err := rows.Scan(&p.ID, &p.LicenseKey, &p.Kind, &p.Severity, &p.OccurrenceCount,
			&p.WindowStart, &p.WindowEnd, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, apierr.Wrap(apierr.TransientStore, "scan failure pattern row", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
