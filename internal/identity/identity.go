// Package identity implements the crypto primitives adapter: Ed25519
// keypair generation and signing, and the SHA-1/SHA-256 hashes used to
// derive identity IDs and the LOC service tag.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SHA-1 is the wire-mandated identity ID hash, not a security boundary.
	"crypto/sha256"
	"fmt"
	"os"
	"runtime"
	"sync"
)

// PublicKeySize, PrivateKeySize and IDSize mirror the wire-format sizes so
// callers don't need to import crypto/ed25519 or crypto/sha1 directly.
const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	IDSize         = sha1.Size
)

// ID is a 20-byte SHA-1 digest of an Ed25519 public key.
type ID [IDSize]byte

func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// sha1Pool hands each goroutine its own hasher instance: the SHA-1
// engine is stateful and must not be shared, and a pool avoids a global
// mutex bottleneck.
var sha1Pool = sync.Pool{
	New: func() any { return sha1.New() }, //nolint:gosec
}

// IDFromPublicKey computes the identity ID for a public key: SHA-1(pubkey).
func IDFromPublicKey(pub ed25519.PublicKey) ID {
	h := sha1Pool.Get().(interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
		Reset()
	})
	defer sha1Pool.Put(h)
	h.Reset()
	_, _ = h.Write(pub)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// ServiceTag returns SHA-256(pubkey), the serviceData value sent to LOC
// on RegisterService.
func ServiceTag(pub ed25519.PublicKey) [sha256.Size]byte {
	return sha256.Sum256(pub)
}

// KeyPair holds an Ed25519 keypair and its derived identity ID.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
	ID      ID
}

// GenerateKeyPair creates a fresh Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv, ID: IDFromPublicKey(pub)}, nil
}

// Sign signs message with the private key.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.Private, message)
}

// Verify checks a signature over message against pub. Stateless and
// parallel-safe.
func Verify(pub ed25519.PublicKey, message, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}

// CheckKeyFilePermissions verifies that a key-bearing file (the TLS PFX
// bundle) is not readable by group or others.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil // Windows file permissions work differently
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// KeyPairFromPrivate rebuilds a KeyPair from a raw Ed25519 private key,
// as loaded from the settings table.
func KeyPairFromPrivate(raw []byte) (*KeyPair, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has unexpected length %d", len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{Public: pub, Private: priv, ID: IDFromPublicKey(pub)}, nil
}
