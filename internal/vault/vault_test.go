package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/totp"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	data, uri, err := Seal(kp.Private, "correct horse battery staple", false)
	require.NoError(t, err)
	assert.Empty(t, uri, "no provisioning URI without TOTP")

	opened, err := Unseal(data, "correct horse battery staple", "")
	require.NoError(t, err)
	assert.Equal(t, kp.Public, opened.Public)
	assert.Equal(t, kp.ID, opened.ID)

	// The unsealed key must actually sign.
	sig := opened.Sign([]byte("hello"))
	assert.True(t, identity.Verify(opened.Public, []byte("hello"), sig))
}

func TestWrongPassphrase(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	data, _, err := Seal(kp.Private, "right", false)
	require.NoError(t, err)

	_, err = Unseal(data, "wrong", "")
	assert.ErrorIs(t, err, ErrInvalidPassphrase)
}

func TestTOTPRequiredWhenEnabled(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	data, uri, err := Seal(kp.Private, "pass", true)
	require.NoError(t, err)
	require.Contains(t, uri, "otpauth://totp/")

	_, err = Unseal(data, "pass", "000000")
	assert.ErrorIs(t, err, ErrInvalidTOTP)

	// Recover the secret the same way Unseal does, to produce a valid code.
	sk, err := parse(data)
	require.NoError(t, err)
	encKey := deriveKey("pass", sk.Salt)
	secret, err := decrypt(encKey, sk.TOTPSecret, sk.TOTPNonce)
	require.NoError(t, err)

	code := totp.Generate(&totp.Config{Secret: secret}, time.Now())
	opened, err := Unseal(data, "pass", code)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, opened.Public)
}

func TestIsSealed(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	data, _, err := Seal(kp.Private, "pass", false)
	require.NoError(t, err)
	assert.True(t, IsSealed(data))

	assert.False(t, IsSealed(kp.Private))
	assert.False(t, IsSealed([]byte("{}")))
	assert.False(t, IsSealed(nil))
}
