// Package testing provides a conformance suite run against every
// content store backend. Backend packages call RunStoreSuite from
// their own tests, so all implementations are held to the same
// contract.
package testing

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/store/content"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// Factory builds a fresh, empty store for one subtest. Cleanup goes
// through t.Cleanup.
type Factory func(t *testing.T) content.Store

// RunStoreSuite runs the content store conformance tests against the
// backend produced by newStore.
func RunStoreSuite(t *testing.T, newStore Factory) {
	t.Run("WriteReadRoundTrip", func(t *testing.T) { testWriteReadRoundTrip(t, newStore(t)) })
	t.Run("EmptyBlob", func(t *testing.T) { testEmptyBlob(t, newStore(t)) })
	t.Run("ReadWindow", func(t *testing.T) { testReadWindow(t, newStore(t)) })
	t.Run("VersionsCoexist", func(t *testing.T) { testVersionsCoexist(t, newStore(t)) })
	t.Run("DeleteVersionLeavesOthers", func(t *testing.T) { testDeleteVersionLeavesOthers(t, newStore(t)) })
	t.Run("AbortLeavesNoTrace", func(t *testing.T) { testAbortLeavesNoTrace(t, newStore(t)) })
	t.Run("UncommittedInvisible", func(t *testing.T) { testUncommittedInvisible(t, newStore(t)) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDeleteIdempotent(t, newStore(t)) })
	t.Run("SinkClosedAfterCommit", func(t *testing.T) { testSinkClosedAfterCommit(t, newStore(t)) })
}

func writeBlob(t *testing.T, store content.Store, id metadata.NodeID, data []byte) (uint64, hash.Hash) {
	t.Helper()

	ctx := context.Background()
	sink, err := store.OpenWrite(ctx, id)
	require.NoError(t, err)

	// Write in two chunks to exercise incremental hashing.
	half := len(data) / 2
	_, err = sink.Write(data[:half])
	require.NoError(t, err)
	_, err = sink.Write(data[half:])
	require.NoError(t, err)

	size, digest, err := sink.Commit(ctx)
	require.NoError(t, err)
	return size, digest
}

func readBlob(t *testing.T, store content.Store, id metadata.NodeID, digest hash.Hash, offset uint64, length int64) []byte {
	t.Helper()

	r, err := store.OpenRead(context.Background(), id, digest, offset, length)
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func testWriteReadRoundTrip(t *testing.T, store content.Store) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	id := metadata.NodeID(42)
	size, digest := writeBlob(t, store, id, data)

	assert.Equal(t, uint64(len(data)), size)
	assert.Equal(t, hash.Sum(data), digest)
	assert.Equal(t, data, readBlob(t, store, id, digest, 0, content.ReadToEnd))
}

func testEmptyBlob(t *testing.T, store content.Store) {
	id := metadata.NodeID(7)
	size, digest := writeBlob(t, store, id, nil)

	assert.Equal(t, uint64(0), size)
	assert.Equal(t, hash.Empty(), digest)
	assert.Empty(t, readBlob(t, store, id, digest, 0, content.ReadToEnd))
}

func testReadWindow(t *testing.T, store content.Store) {
	id := metadata.NodeID(9)
	data := []byte("0123456789")
	_, digest := writeBlob(t, store, id, data)

	assert.Equal(t, []byte("234"), readBlob(t, store, id, digest, 2, 3))
	assert.Equal(t, []byte("789"), readBlob(t, store, id, digest, 7, content.ReadToEnd))

	// A window reaching past the end is clipped, not an error.
	assert.Equal(t, []byte("89"), readBlob(t, store, id, digest, 8, 100))

	// An offset past the end yields an empty read.
	assert.Empty(t, readBlob(t, store, id, digest, 10, content.ReadToEnd))
	assert.Empty(t, readBlob(t, store, id, digest, 500, 10))
}

// Two committed versions of the same node are distinct and both
// readable; a later write never clobbers an earlier digest.
func testVersionsCoexist(t *testing.T, store content.Store) {
	id := metadata.NodeID(3)
	first := []byte("first version")
	second := []byte("second")

	_, firstDigest := writeBlob(t, store, id, first)
	_, secondDigest := writeBlob(t, store, id, second)

	require.NotEqual(t, firstDigest, secondDigest)
	assert.Equal(t, first, readBlob(t, store, id, firstDigest, 0, content.ReadToEnd))
	assert.Equal(t, second, readBlob(t, store, id, secondDigest, 0, content.ReadToEnd))

	// The same digest under another node id is a different version.
	_, err := store.OpenRead(context.Background(), metadata.NodeID(4), firstDigest, 0, content.ReadToEnd)
	assert.ErrorIs(t, err, content.ErrNotFound)
}

func testDeleteVersionLeavesOthers(t *testing.T, store content.Store) {
	ctx := context.Background()
	id := metadata.NodeID(8)

	_, stale := writeBlob(t, store, id, []byte("replaced"))
	_, current := writeBlob(t, store, id, []byte("current"))

	require.NoError(t, store.DeleteVersion(ctx, id, stale))

	_, err := store.OpenRead(ctx, id, stale, 0, content.ReadToEnd)
	assert.ErrorIs(t, err, content.ErrNotFound)
	assert.Equal(t, []byte("current"), readBlob(t, store, id, current, 0, content.ReadToEnd))

	// Deleting again, and deleting a version that never existed,
	// succeed.
	assert.NoError(t, store.DeleteVersion(ctx, id, stale))
	assert.NoError(t, store.DeleteVersion(ctx, id, hash.Sum([]byte("never written"))))
}

func testAbortLeavesNoTrace(t *testing.T, store content.Store) {
	ctx := context.Background()
	id := metadata.NodeID(5)
	data := []byte("never committed")

	sink, err := store.OpenWrite(ctx, id)
	require.NoError(t, err)
	_, err = sink.Write(data)
	require.NoError(t, err)
	require.NoError(t, sink.Abort())

	_, err = store.OpenRead(ctx, id, hash.Sum(data), 0, content.ReadToEnd)
	assert.ErrorIs(t, err, content.ErrNotFound)

	// Abort is idempotent.
	assert.NoError(t, sink.Abort())
}

func testUncommittedInvisible(t *testing.T, store content.Store) {
	ctx := context.Background()
	id := metadata.NodeID(6)
	staged := []byte("staged but not committed")
	_, digest := writeBlob(t, store, id, []byte("published"))

	sink, err := store.OpenWrite(ctx, id)
	require.NoError(t, err)
	_, err = sink.Write(staged)
	require.NoError(t, err)

	// Readers see the committed version only.
	assert.Equal(t, []byte("published"), readBlob(t, store, id, digest, 0, content.ReadToEnd))
	_, err = store.OpenRead(ctx, id, hash.Sum(staged), 0, content.ReadToEnd)
	assert.ErrorIs(t, err, content.ErrNotFound)
	require.NoError(t, sink.Abort())
}

func testDeleteIdempotent(t *testing.T, store content.Store) {
	ctx := context.Background()
	id := metadata.NodeID(11)
	_, old := writeBlob(t, store, id, []byte("short lived"))
	_, cur := writeBlob(t, store, id, []byte("also short lived"))

	require.NoError(t, store.Delete(ctx, id))

	// Delete removes every version of the node.
	_, err := store.OpenRead(ctx, id, old, 0, content.ReadToEnd)
	assert.ErrorIs(t, err, content.ErrNotFound)
	_, err = store.OpenRead(ctx, id, cur, 0, content.ReadToEnd)
	assert.ErrorIs(t, err, content.ErrNotFound)

	// Deleting again, and deleting a node that never had content,
	// succeed.
	assert.NoError(t, store.Delete(ctx, id))
	assert.NoError(t, store.Delete(ctx, metadata.NodeID(404)))
}

func testSinkClosedAfterCommit(t *testing.T, store content.Store) {
	ctx := context.Background()

	sink, err := store.OpenWrite(ctx, metadata.NodeID(12))
	require.NoError(t, err)
	_, _, err = sink.Commit(ctx)
	require.NoError(t, err)

	_, err = sink.Write([]byte("late"))
	assert.ErrorIs(t, err, content.ErrSinkClosed)

	_, _, err = sink.Commit(ctx)
	assert.ErrorIs(t, err, content.ErrSinkClosed)
}
