package kernel

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/storage"
	"github.com/shurlinet/profileserver/internal/vault"
)

// SettingNetworkIdentityKey is the settings-table key holding the server's
// persistent Ed25519 network private key: hex-encoded when stored plain,
// a sealed blob when a key passphrase is configured.
const SettingNetworkIdentityKey = "network_identity_key"

// LoadOrCreateNetworkIdentity returns the server's long-term network
// keypair from the settings table, generating and persisting one on first
// start. With a non-empty passphrase a fresh key is sealed at rest and an
// existing sealed key is unsealed; totpCode unlocks a TOTP-enrolled seal.
func LoadOrCreateNetworkIdentity(settings *storage.SettingsRepository, passphrase, totpCode string) (*identity.KeyPair, error) {
	value, err := settings.Get(SettingNetworkIdentityKey)
	switch {
	case err == nil:
		return decodeStoredKey([]byte(value), passphrase, totpCode)
	case errors.Is(err, storage.ErrNotFound):
		return createNetworkIdentity(settings, passphrase)
	default:
		return nil, err
	}
}

func decodeStoredKey(value []byte, passphrase, totpCode string) (*identity.KeyPair, error) {
	if vault.IsSealed(value) {
		if passphrase == "" {
			return nil, fmt.Errorf("network identity key is sealed but no passphrase was provided")
		}
		return vault.Unseal(value, passphrase, totpCode)
	}
	raw, err := hex.DecodeString(string(value))
	if err != nil {
		return nil, fmt.Errorf("stored network identity key is neither sealed nor hex: %w", err)
	}
	return identity.KeyPairFromPrivate(raw)
}

func createNetworkIdentity(settings *storage.SettingsRepository, passphrase string) (*identity.KeyPair, error) {
	kp, err := identity.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	var stored string
	if passphrase != "" {
		sealed, _, err := vault.Seal(kp.Private, passphrase, false)
		if err != nil {
			return nil, err
		}
		stored = string(sealed)
	} else {
		stored = hex.EncodeToString(kp.Private)
	}
	if err := settings.Set(SettingNetworkIdentityKey, stored); err != nil {
		return nil, err
	}
	return kp, nil
}
