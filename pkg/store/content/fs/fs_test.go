package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/store/content"
	contenttesting "github.com/tarnfs/tarnfs/pkg/store/content/testing"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

func TestContentStoreSuite(t *testing.T) {
	contenttesting.RunStoreSuite(t, func(t *testing.T) content.Store {
		store, err := NewContentStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, store.Close()) })
		return store
	})
}

func TestSweepStaging(t *testing.T) {
	base := t.TempDir()

	// A staging file left behind by a crashed writer.
	require.NoError(t, os.MkdirAll(filepath.Join(base, stagingDir), 0o755))
	stale := filepath.Join(base, stagingDir, "deadbeef")
	require.NoError(t, os.WriteFile(stale, []byte("orphaned"), 0o644))

	_, err := NewContentStore(base)
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCommitPublishesAtomically(t *testing.T) {
	base := t.TempDir()
	store, err := NewContentStore(base)
	require.NoError(t, err)

	ctx := context.Background()
	id := metadata.NodeID(77)

	payload := []byte("payload")
	expected := store.versionPath(id, hash.Sum(payload))

	sink, err := store.OpenWrite(ctx, id)
	require.NoError(t, err)
	_, err = sink.Write(payload)
	require.NoError(t, err)

	// Before commit the version file does not exist and staging holds
	// exactly one file.
	_, statErr := os.Stat(expected)
	assert.ErrorIs(t, statErr, os.ErrNotExist)

	staged, err := os.ReadDir(filepath.Join(base, stagingDir))
	require.NoError(t, err)
	assert.Len(t, staged, 1)

	_, digest, err := sink.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, hash.Sum(payload), digest)

	// After commit the staging directory is empty again.
	staged, err = os.ReadDir(filepath.Join(base, stagingDir))
	require.NoError(t, err)
	assert.Empty(t, staged)

	data, err := os.ReadFile(expected)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}
