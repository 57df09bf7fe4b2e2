package patterns

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/aurswift/aureposweb/internal/models"
)

func ackAt(t time.Time, msg string) models.Acknowledgement {
	return models.Acknowledgement{
		EventID:        uuid.New(),
		Status:         models.AckFailed,
		ErrorMessage:   msg,
		AcknowledgedAt: t,
	}
}

func TestClassifyMessage(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		kind models.FailurePatternKind
		ok   bool
	}{
		{"timeout", "request timeout after 30s", models.PatternTimeout, true},
		{"deadline", "context deadline exceeded", models.PatternTimeout, true},
		{"dns", "dial tcp: lookup failed: dns error", models.PatternNetwork, true},
		{"refused", "connection refused", models.PatternNetwork, true},
		{"rate limit", "429 too many requests", models.PatternRateLimit, true},
		{"parsing", "invalid payload: could not parse", models.PatternParsing, true},
		{"unmatched", "terminal is powered off", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			kind, ok := classifyMessage(c.msg)
			assert.Equal(t, c.ok, ok)
			if c.ok {
				assert.Equal(t, c.kind, kind)
			}
		})
	}
}

func TestHasBurst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("five within five minutes is a burst", func(t *testing.T) {
		acks := []models.Acknowledgement{
			ackAt(base, "x"),
			ackAt(base.Add(time.Minute), "x"),
			ackAt(base.Add(2*time.Minute), "x"),
			ackAt(base.Add(3*time.Minute), "x"),
			ackAt(base.Add(4*time.Minute), "x"),
		}
		assert.True(t, hasBurst(acks))
	})

	t.Run("four within five minutes is not a burst", func(t *testing.T) {
		acks := []models.Acknowledgement{
			ackAt(base, "x"),
			ackAt(base.Add(time.Minute), "x"),
			ackAt(base.Add(2*time.Minute), "x"),
			ackAt(base.Add(3*time.Minute), "x"),
		}
		assert.False(t, hasBurst(acks))
	})

	t.Run("five spread across an hour is not a burst", func(t *testing.T) {
		acks := []models.Acknowledgement{
			ackAt(base, "x"),
			ackAt(base.Add(15*time.Minute), "x"),
			ackAt(base.Add(30*time.Minute), "x"),
			ackAt(base.Add(45*time.Minute), "x"),
			ackAt(base.Add(60*time.Minute), "x"),
		}
		assert.False(t, hasBurst(acks))
	})
}

func TestClassify(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	acks := []models.Acknowledgement{
		ackAt(base, "connection timeout"),
		ackAt(base.Add(time.Minute), "connection timeout"),
		ackAt(base.Add(2*time.Minute), "429 too many requests"),
	}
	counts := classify(acks)
	assert.Equal(t, 2, counts[models.PatternTimeout])
	assert.Equal(t, 1, counts[models.PatternRateLimit])
	assert.NotContains(t, counts, models.PatternBurst)
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, "low", severityFor(1))
	assert.Equal(t, "low", severityFor(4))
	assert.Equal(t, "medium", severityFor(5))
	assert.Equal(t, "medium", severityFor(14))
	assert.Equal(t, "high", severityFor(15))
	assert.Equal(t, "high", severityFor(100))
}
