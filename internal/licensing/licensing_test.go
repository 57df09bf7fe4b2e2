package licensing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aurswift/aureposweb/internal/models"
)

func TestGracePeriod_ActiveNeverDisables(t *testing.T) {
	sub := models.Subscription{Status: "active"}
	result := gracePeriod(sub, time.Now())
	assert.True(t, result.IsValid)
}

func TestGracePeriod_TrialingWithinSevenDaysAfterTrialEnd(t *testing.T) {
	trialEnd := time.Now().Add(-6 * 24 * time.Hour)
	sub := models.Subscription{Status: "trialing", TrialEnd: &trialEnd}

	result := gracePeriod(sub, time.Now())
	assert.True(t, result.IsValid)
	assert.Greater(t, result.GracePeriodRemainingMs, int64(0))
}

func TestGracePeriod_TrialingPastGraceWindow(t *testing.T) {
	trialEnd := time.Now().Add(-8 * 24 * time.Hour)
	sub := models.Subscription{Status: "trialing", TrialEnd: &trialEnd}

	result := gracePeriod(sub, time.Now())
	assert.False(t, result.IsValid)
}

func TestGracePeriod_CancelledWhileTrialingUsesTrialEndAnchor(t *testing.T) {
	trialEnd := time.Now().Add(-3 * 24 * time.Hour)
	canceledAt := trialEnd.Add(-time.Hour)
	sub := models.Subscription{Status: "cancelled", TrialEnd: &trialEnd, CanceledAt: &canceledAt}

	result := gracePeriod(sub, time.Now())
	assert.True(t, result.IsValid)
}

func TestGracePeriod_CancelledPaidUsesCanceledAtAnchor(t *testing.T) {
	canceledAt := time.Now().Add(-6 * 24 * time.Hour)
	sub := models.Subscription{Status: "cancelled", CanceledAt: &canceledAt}

	result := gracePeriod(sub, time.Now())
	assert.True(t, result.IsValid)
}

func TestGracePeriod_CancelledPastGrace(t *testing.T) {
	canceledAt := time.Now().Add(-8 * 24 * time.Hour)
	sub := models.Subscription{Status: "cancelled", CanceledAt: &canceledAt}

	result := gracePeriod(sub, time.Now())
	assert.False(t, result.IsValid)
}

func TestGracePeriod_PastDueWithinThreeDaysOfPeriodEnd(t *testing.T) {
	sub := models.Subscription{Status: "past_due", CurrentPeriodEnd: time.Now().Add(-2 * 24 * time.Hour)}

	result := gracePeriod(sub, time.Now())
	assert.True(t, result.IsValid)
}

func TestGracePeriod_PastDuePastGrace(t *testing.T) {
	sub := models.Subscription{Status: "past_due", CurrentPeriodEnd: time.Now().Add(-4 * 24 * time.Hour)}

	result := gracePeriod(sub, time.Now())
	assert.False(t, result.IsValid)
}

func TestGracePeriod_UnknownStatusIsInvalid(t *testing.T) {
	sub := models.Subscription{Status: "incomplete"}
	result := gracePeriod(sub, time.Now())
	assert.False(t, result.IsValid)
}
