package identity

import (
	"crypto/sha1" //nolint:gosec
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDFromPublicKeyMatchesSHA1(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	want := sha1.Sum(kp.Public) //nolint:gosec
	got := IDFromPublicKey(kp.Public)
	require.Equal(t, want[:], got[:])
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("StartConversationRequest-bytes-minus-signature")
	sig := kp.Sign(msg)
	require.True(t, Verify(kp.Public, msg, sig))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	require.False(t, Verify(other.Public, msg, sig))

	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0xFF
	require.False(t, Verify(kp.Public, tampered, sig))
}

func TestKeyPairFromPrivateRoundTrip(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)

	kp2, err := KeyPairFromPrivate(kp1.Private)
	require.NoError(t, err)
	require.Equal(t, kp1.ID, kp2.ID)
	require.Equal(t, kp1.Public, kp2.Public)

	_, err = KeyPairFromPrivate([]byte("short"))
	require.Error(t, err)
}

func TestCheckKeyFilePermissionsRejectsLoose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loose.key")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	err := CheckKeyFilePermissions(path)
	require.Error(t, err)
}
