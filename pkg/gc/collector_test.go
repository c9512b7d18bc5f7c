package gc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/store/content"
	contentmem "github.com/tarnfs/tarnfs/pkg/store/content/memory"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
	metasqlite "github.com/tarnfs/tarnfs/pkg/store/metadata/sqlite"
)

func newStores(t *testing.T) (metadata.Store, *contentmem.ContentStore) {
	t.Helper()

	meta, err := metasqlite.NewMetadataStore(metasqlite.Config{
		Path:     filepath.Join(t.TempDir(), "meta.db"),
		PoolSize: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, meta.Close()) })

	return meta, contentmem.NewContentStore()
}

func createFileWithContent(t *testing.T, meta metadata.Store, blobs content.Store, name string, data []byte) (metadata.NodeID, hash.Hash) {
	t.Helper()
	ctx := context.Background()

	id, initial, err := meta.CreateFile(ctx, metadata.RootID, name)
	require.NoError(t, err)

	sink, err := blobs.OpenWrite(ctx, id)
	require.NoError(t, err)
	_, err = sink.Write(data)
	require.NoError(t, err)
	size, digest, err := sink.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, meta.UpdateContent(ctx, id, initial, digest, size))
	return id, digest
}

func TestRunNowReleasesRemovedBlobs(t *testing.T) {
	meta, blobs := newStores(t)
	ctx := context.Background()

	var ids []metadata.NodeID
	var digests []hash.Hash
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("f%d", i)
		id, digest := createFileWithContent(t, meta, blobs, name, []byte(name))
		ids = append(ids, id)
		digests = append(digests, digest)
		require.NoError(t, meta.Remove(ctx, metadata.RootID, name))
	}

	// Small batch forces multiple passes through the queue.
	collector := NewCollector(meta, blobs, Config{BatchSize: 2})

	stats, err := collector.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Released)
	assert.Equal(t, 0, stats.Failed)

	for i, id := range ids {
		_, err := blobs.OpenRead(ctx, id, digests[i], 0, content.ReadToEnd)
		assert.ErrorIs(t, err, content.ErrNotFound)
	}

	queued, err := meta.TakePendingDeletions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestRunNowKeepsFailedReleasesQueued(t *testing.T) {
	meta, blobs := newStores(t)
	ctx := context.Background()

	id, _ := createFileWithContent(t, meta, blobs, "sticky", []byte("x"))
	require.NoError(t, meta.Remove(ctx, metadata.RootID, "sticky"))

	failing := &failingDeletes{Store: blobs}
	collector := NewCollector(meta, failing, Config{BatchSize: 8})

	stats, err := collector.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Released)
	assert.Equal(t, 1, stats.Failed)

	// The id survives for the next sweep.
	queued, err := meta.TakePendingDeletions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []metadata.NodeID{id}, queued)

	// Once the backend recovers, the retry succeeds.
	collector = NewCollector(meta, blobs, Config{BatchSize: 8})
	stats, err = collector.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Released)
}

func TestStartStopLifecycle(t *testing.T) {
	meta, blobs := newStores(t)

	collector := NewCollector(meta, blobs, Config{Enabled: true, BatchSize: 4})
	collector.Start()
	collector.Stop()

	disabled := NewCollector(meta, blobs, Config{Enabled: false})
	disabled.Start()
	disabled.Stop()
}

// failingDeletes wraps a content store and fails every Delete.
type failingDeletes struct {
	content.Store
}

func (f *failingDeletes) Delete(context.Context, metadata.NodeID) error {
	return errors.New("backend down")
}
