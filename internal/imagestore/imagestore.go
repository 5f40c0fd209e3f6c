// Package imagestore implements the content-addressed blob store for
// profile and thumbnail images: each image is written
// under images/<first-2-hex>/<handle>.dat atomically (temp file + fsync +
// rename), with size caps enforced before any bytes touch disk.
package imagestore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Hard size caps enforced before any write.
const (
	MaxProfileImageBytes   = 20 * 1024
	MaxThumbnailImageBytes = 5 * 1024
)

// HandleSize is the opaque 128-bit handle size.
const HandleSize = 16

// Handle identifies one stored blob.
type Handle [HandleSize]byte

func (h Handle) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero handle (no image set).
func (h Handle) IsZero() bool { return h == Handle{} }

// NewHandle generates a fresh random handle (a v4 UUID).
func NewHandle() (Handle, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return Handle{}, fmt.Errorf("generate image handle: %w", err)
	}
	return Handle(u), nil
}

// Store persists images under a root directory, content-addressed by
// handle.
type Store struct {
	root string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create image store root %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) pathFor(h Handle) string {
	hexStr := hex.EncodeToString(h[:])
	return filepath.Join(s.root, hexStr[:2], hexStr+".dat")
}

// SaveProfileImage validates size against the profile-image cap and writes
// it atomically under a fresh handle. Oversized bodies are rejected before
// any byte touches disk.
func (s *Store) SaveProfileImage(data []byte) (Handle, error) {
	return s.save(data, MaxProfileImageBytes)
}

// SaveThumbnailImage is SaveProfileImage with the thumbnail cap.
func (s *Store) SaveThumbnailImage(data []byte) (Handle, error) {
	return s.save(data, MaxThumbnailImageBytes)
}

var ErrTooLarge = fmt.Errorf("image exceeds size cap")

func (s *Store) save(data []byte, cap int) (Handle, error) {
	if len(data) > cap {
		return Handle{}, fmt.Errorf("%w: %d bytes > %d byte cap", ErrTooLarge, len(data), cap)
	}
	h, err := NewHandle()
	if err != nil {
		return Handle{}, err
	}
	if err := s.writeAtomic(h, data); err != nil {
		return Handle{}, err
	}
	return h, nil
}

// writeAtomic writes to a temp file in the target shard directory, fsyncs
// it, then renames it into place — the same temp-file-then-rename
// idiom used elsewhere in this codebase for crash-safe persistence.
func (s *Store) writeAtomic(h Handle, data []byte) error {
	finalPath := s.pathFor(h)
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create image shard dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp image file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp image file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp image file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp image file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename image into place: %w", err)
	}
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync() // best-effort: ensure the rename is durable too
		dirFile.Close()
	}
	return nil
}

// Read loads the blob for h.
func (s *Store) Read(h Handle) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(h))
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", h, err)
	}
	return data, nil
}

// Delete removes the blob for h, then fsyncs its parent directory so the
// unlink is durable.
func (s *Store) Delete(h Handle) error {
	path := s.pathFor(h)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete image %s: %w", h, err)
	}
	dir := filepath.Dir(path)
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		dirFile.Close()
	}
	return nil
}

// Exists reports whether a blob is present for h.
func (s *Store) Exists(h Handle) bool {
	_, err := os.Stat(s.pathFor(h))
	return err == nil
}

// GCOrphans deletes every stored blob whose handle is not present in
// referenced, for the hourly vacuum task.
func (s *Store) GCOrphans(referenced map[Handle]bool) (int, error) {
	removed := 0
	shards, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("list image store root: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.root, shard.Name())
		entries, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if filepath.Ext(name) != ".dat" {
				continue
			}
			hexStr := name[:len(name)-len(".dat")]
			raw, err := hex.DecodeString(hexStr)
			if err != nil || len(raw) != HandleSize {
				continue
			}
			var h Handle
			copy(h[:], raw)
			if referenced[h] {
				continue
			}
			if err := s.Delete(h); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
