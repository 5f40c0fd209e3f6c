package kernel

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/imagestore"
	"github.com/shurlinet/profileserver/internal/storage"
	"github.com/shurlinet/profileserver/internal/vault"
)

func openTestSettings(t *testing.T) *storage.SettingsRepository {
	t.Helper()
	db, err := storage.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	return storage.NewSettingsRepository(db)
}

func TestNetworkIdentityPersistsAcrossLoads(t *testing.T) {
	settings := openTestSettings(t)

	kp1, err := LoadOrCreateNetworkIdentity(settings, "", "")
	require.NoError(t, err)

	kp2, err := LoadOrCreateNetworkIdentity(settings, "", "")
	require.NoError(t, err)
	assert.Equal(t, kp1.ID, kp2.ID)
	assert.Equal(t, kp1.Public, kp2.Public)
}

func TestNetworkIdentitySealedAtRest(t *testing.T) {
	settings := openTestSettings(t)

	kp1, err := LoadOrCreateNetworkIdentity(settings, "hunter2", "")
	require.NoError(t, err)

	// The stored value must be a sealed blob, not recoverable without the
	// passphrase.
	stored, err := settings.Get(SettingNetworkIdentityKey)
	require.NoError(t, err)
	assert.True(t, vault.IsSealed([]byte(stored)))

	_, err = LoadOrCreateNetworkIdentity(settings, "wrong", "")
	assert.ErrorIs(t, err, vault.ErrInvalidPassphrase)

	_, err = LoadOrCreateNetworkIdentity(settings, "", "")
	assert.Error(t, err, "sealed key must not open without a passphrase")

	kp2, err := LoadOrCreateNetworkIdentity(settings, "hunter2", "")
	require.NoError(t, err)
	assert.Equal(t, kp1.ID, kp2.ID)
}

func TestRunVacuumOncePurgesExpiredAndOrphans(t *testing.T) {
	db, err := storage.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	home := storage.NewHomeIdentityRepository(db, 10)
	images, err := imagestore.New(t.TempDir())
	require.NoError(t, err)

	k := &Kernel{db: db, home: home, images: images, log: slog.Default()}

	// A live profile keeps its blob; an expired one past retention loses
	// row and blob.
	liveHandle, err := images.SaveProfileImage([]byte("live"))
	require.NoError(t, err)
	deadHandle, err := images.SaveProfileImage([]byte("dead"))
	require.NoError(t, err)
	orphanHandle, err := images.SaveProfileImage([]byte("orphan"))
	require.NoError(t, err)

	liveKP, _ := identity.GenerateKeyPair()
	live := &storage.IdentityRow{
		IdentityID: liveKP.ID[:], PublicKey: liveKP.Public,
		Kind: storage.KindHosted, ProfileImageHandle: liveHandle[:],
	}
	require.NoError(t, db.Create(live).Error)

	deadKP, _ := identity.GenerateKeyPair()
	expired := time.Now().Add(-HostingRetention - time.Hour)
	dead := &storage.IdentityRow{
		IdentityID: deadKP.ID[:], PublicKey: deadKP.Public,
		Kind: storage.KindHosted, ProfileImageHandle: deadHandle[:],
		ExpiresAt: &expired,
	}
	require.NoError(t, db.Create(dead).Error)

	k.RunVacuumOnce()

	assert.True(t, images.Exists(liveHandle))
	assert.False(t, images.Exists(deadHandle))
	assert.False(t, images.Exists(orphanHandle), "unreferenced blob must be collected")

	_, err = home.Get(deadKP.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
