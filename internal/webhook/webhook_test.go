package webhook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurswift/aureposweb/internal/models"
)

func TestMaxTerminalsForPlan(t *testing.T) {
	assert.Equal(t, 10, maxTerminalsForPlan("enterprise"))
	assert.Equal(t, 3, maxTerminalsForPlan("pro"))
	assert.Equal(t, 1, maxTerminalsForPlan("basic"))
	assert.Equal(t, 1, maxTerminalsForPlan("unknown-plan"))
}

func TestNewFabricEventNilPayloadMarshalsToEmptyObject(t *testing.T) {
	event := newFabricEvent("AUR-PRO-V1-abc", models.EventLicenseRevoked, nil)
	assert.Equal(t, "AUR-PRO-V1-abc", event.LicenseKey)
	assert.Equal(t, models.EventLicenseRevoked, event.Type)
	assert.JSONEq(t, `{}`, string(event.Payload))
	assert.True(t, event.ExpiresAt.After(event.CreatedAt))
}

func TestNewFabricEventEncodesPayload(t *testing.T) {
	event := newFabricEvent("AUR-PRO-V1-abc", models.EventSubscriptionPastDue, map[string]string{"reason": "card_declined"})

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	assert.Equal(t, "card_declined", decoded["reason"])
}
