package imagestore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveReadRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0xAB}, 1024)
	h, err := store.SaveProfileImage(data)
	require.NoError(t, err)
	require.True(t, store.Exists(h))

	got, err := store.Read(h)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestSaveProfileImageRejectsOversize(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x01}, MaxProfileImageBytes+1)
	_, err = store.SaveProfileImage(data)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestSaveThumbnailImageRejectsOversize(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x01}, MaxThumbnailImageBytes+1)
	_, err = store.SaveThumbnailImage(data)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDeleteRemovesBlob(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	h, err := store.SaveThumbnailImage([]byte("thumb"))
	require.NoError(t, err)
	require.NoError(t, store.Delete(h))
	require.False(t, store.Exists(h))
}

func TestGCOrphansRemovesUnreferenced(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	kept, err := store.SaveProfileImage([]byte("kept"))
	require.NoError(t, err)
	orphan, err := store.SaveProfileImage([]byte("orphan"))
	require.NoError(t, err)

	removed, err := store.GCOrphans(map[Handle]bool{kept: true})
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.True(t, store.Exists(kept))
	require.False(t, store.Exists(orphan))
}
