package licensing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey_FormatAndVerify(t *testing.T) {
	secret := []byte("test-hmac-secret")
	key, err := GenerateKey(secret, "pro", "00000000-0000-0000-0000-000000000001")
	require.NoError(t, err)

	parts := strings.Split(key, "-")
	require.Len(t, parts, 5)
	assert.Equal(t, "AUR", parts[0])
	assert.Equal(t, "PRO", parts[1])
	assert.Equal(t, "V1", parts[2])
	assert.Len(t, parts[3], 8)
	assert.Len(t, parts[4], 8)

	assert.True(t, Verify(secret, key, "00000000-0000-0000-0000-000000000001"))
}

func TestVerify_RejectsWrongCustomer(t *testing.T) {
	secret := []byte("test-hmac-secret")
	key, err := GenerateKey(secret, "enterprise", "customer-a")
	require.NoError(t, err)

	assert.False(t, Verify(secret, key, "customer-b"))
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	secret := []byte("test-hmac-secret")
	key, err := GenerateKey(secret, "basic", "customer-a")
	require.NoError(t, err)

	parts := strings.Split(key, "-")
	parts[3] = "DEADBEEF"
	tampered := strings.Join(parts, "-")

	assert.False(t, Verify(secret, tampered, "customer-a"))
}

func TestVerify_RejectsMalformedKey(t *testing.T) {
	assert.False(t, Verify([]byte("secret"), "not-a-license-key", "customer-a"))
}

func TestPlanCode(t *testing.T) {
	assert.Equal(t, "ENT", planCode("enterprise"))
	assert.Equal(t, "PRO", planCode("pro"))
	assert.Equal(t, "BAS", planCode("basic"))
	assert.Equal(t, "BAS", planCode("unknown"))
}
