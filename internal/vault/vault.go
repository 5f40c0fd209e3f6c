// Package vault seals the server's long-term network identity key at
// rest. The sealed blob holds the Ed25519 private key encrypted with a
// passphrase-derived key and lives in the settings table next to the
// plaintext variant it replaces; operators who enable sealing get an
// at-rest encrypted node identity, optionally second-factored with a
// TOTP code.
//
// Crypto: Argon2id for the passphrase KDF, XChaCha20-Poly1305 for the key
// encryption.
package vault

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/totp"
)

var (
	ErrInvalidPassphrase = errors.New("invalid passphrase")
	ErrInvalidTOTP       = errors.New("invalid TOTP code")
	ErrNotSealedKey      = errors.New("data is not a sealed key")
)

// Argon2id parameters tuned for a server that unseals once at startup.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// sealedKey is the serialized representation of a sealed network key.
type sealedKey struct {
	Version      int    `json:"version"`
	Salt         []byte `json:"salt"`
	EncryptedKey []byte `json:"encrypted_key"`
	Nonce        []byte `json:"nonce"`
	TOTPEnabled  bool   `json:"totp_enabled"`
	TOTPSecret   []byte `json:"totp_secret,omitempty"`
	TOTPNonce    []byte `json:"totp_nonce,omitempty"`
}

// Seal encrypts priv under passphrase and returns the sealed blob. When
// enableTOTP is set, unsealing additionally requires a TOTP code; the
// returned provisioning URI enrolls an authenticator app and is empty
// otherwise.
func Seal(priv ed25519.PrivateKey, passphrase string, enableTOTP bool) (data []byte, uri string, err error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, "", fmt.Errorf("private key has unexpected length %d", len(priv))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", fmt.Errorf("failed to generate salt: %w", err)
	}
	encKey := deriveKey(passphrase, salt)

	encrypted, nonce, err := encrypt(encKey, priv)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encrypt network key: %w", err)
	}

	sk := &sealedKey{
		Version:      1,
		Salt:         salt,
		EncryptedKey: encrypted,
		Nonce:        nonce,
	}

	if enableTOTP {
		secret, err := totp.NewSecret(20)
		if err != nil {
			return nil, "", fmt.Errorf("failed to generate TOTP secret: %w", err)
		}
		encTOTP, totpNonce, err := encrypt(encKey, secret)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encrypt TOTP secret: %w", err)
		}
		sk.TOTPEnabled = true
		sk.TOTPSecret = encTOTP
		sk.TOTPNonce = totpNonce
		uri = totp.FormatProvisioningURI(secret, "profileserver", "network-key")
		zeroBytes(secret)
	}

	data, err = json.Marshal(sk)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal sealed key: %w", err)
	}
	return data, uri, nil
}

// Unseal decrypts a sealed blob and returns the key as a ready KeyPair.
// totpCode may be empty when the blob was sealed without TOTP.
func Unseal(data []byte, passphrase, totpCode string) (*identity.KeyPair, error) {
	sk, err := parse(data)
	if err != nil {
		return nil, err
	}

	encKey := deriveKey(passphrase, sk.Salt)
	raw, err := decrypt(encKey, sk.EncryptedKey, sk.Nonce)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}

	if sk.TOTPEnabled {
		secret, err := decrypt(encKey, sk.TOTPSecret, sk.TOTPNonce)
		if err != nil {
			zeroBytes(raw)
			return nil, ErrInvalidPassphrase
		}
		ok := totp.Validate(&totp.Config{Secret: secret}, totpCode, time.Now(), 1)
		zeroBytes(secret)
		if !ok {
			zeroBytes(raw)
			return nil, ErrInvalidTOTP
		}
	}

	if len(raw) != ed25519.PrivateKeySize {
		zeroBytes(raw)
		return nil, fmt.Errorf("sealed key has unexpected length %d", len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	return &identity.KeyPair{Public: pub, Private: priv, ID: identity.IDFromPublicKey(pub)}, nil
}

// IsSealed reports whether data holds a sealed key blob rather than a raw
// private key.
func IsSealed(data []byte) bool {
	_, err := parse(data)
	return err == nil
}

func parse(data []byte) (*sealedKey, error) {
	var sk sealedKey
	if err := json.Unmarshal(data, &sk); err != nil || sk.Version == 0 || len(sk.EncryptedKey) == 0 {
		return nil, ErrNotSealedKey
	}
	return &sk, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func encrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func decrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
