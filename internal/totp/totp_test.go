package totp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 6238 Appendix B test vectors (SHA-1, truncated to 6 digits).
func TestGenerateRFCVectors(t *testing.T) {
	cfg := &Config{Secret: []byte("12345678901234567890")}

	cases := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1234567890, "005924"},
		{2000000000, "279037"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Generate(cfg, time.Unix(tc.unix, 0)), "T=%d", tc.unix)
	}
}

func TestValidateSkewWindow(t *testing.T) {
	cfg := &Config{Secret: []byte("12345678901234567890")}
	now := time.Unix(1111111109, 0)

	code := Generate(cfg, now)
	assert.True(t, Validate(cfg, code, now, 0))

	// The previous period's code passes only with skew.
	prev := Generate(cfg, now.Add(-30*time.Second))
	assert.False(t, Validate(cfg, prev, now, 0))
	assert.True(t, Validate(cfg, prev, now, 1))

	assert.False(t, Validate(cfg, "000000", now, 1))
}

func TestNewSecretLength(t *testing.T) {
	secret, err := NewSecret(20)
	require.NoError(t, err)
	assert.Len(t, secret, 20)

	// Too-short requests are raised to the RFC-recommended minimum.
	secret, err = NewSecret(4)
	require.NoError(t, err)
	assert.Len(t, secret, 20)
}

func TestFormatProvisioningURI(t *testing.T) {
	uri := FormatProvisioningURI([]byte("12345678901234567890"), "profileserver", "network-key")
	assert.Contains(t, uri, "otpauth://totp/profileserver:network-key")
	assert.Contains(t, uri, "issuer=profileserver")
	assert.Contains(t, uri, "secret=")
}
