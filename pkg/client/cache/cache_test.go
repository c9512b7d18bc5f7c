package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

func newTestCache(t *testing.T, ttl time.Duration) *NodeCache {
	t.Helper()

	c, err := Open(Config{TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func fileNode(size uint64, data []byte) metadata.NodeInfo {
	return metadata.NodeInfo{
		Kind: metadata.KindFile,
		File: &metadata.FileInfo{Size: size, Hash: hash.Sum(data)},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newTestCache(t, time.Minute)

	id := metadata.NodeID(42)
	info := fileNode(5, []byte("hello"))

	_, ok := c.Get(id)
	assert.False(t, ok)

	c.Put(id, info)

	got, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, info.Kind, got.Kind)
	require.NotNil(t, got.File)
	assert.Equal(t, info.File.Size, got.File.Size)
	assert.Equal(t, info.File.Hash, got.File.Hash)
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(t, time.Minute)

	id := metadata.NodeID(7)
	c.Put(id, fileNode(1, []byte("x")))

	c.Invalidate(id)

	_, ok := c.Get(id)
	assert.False(t, ok)

	// Invalidating an absent entry is fine.
	c.Invalidate(metadata.NodeID(999))
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, 50*time.Millisecond)

	id := metadata.NodeID(3)
	c.Put(id, fileNode(1, []byte("y")))

	_, ok := c.Get(id)
	require.True(t, ok)

	time.Sleep(120 * time.Millisecond)

	_, ok = c.Get(id)
	assert.False(t, ok)
}

func TestDirectoryEntries(t *testing.T) {
	c := newTestCache(t, time.Minute)

	id := metadata.NodeID(10)
	info := metadata.NodeInfo{
		Kind: metadata.KindDirectory,
		Directory: &metadata.DirectoryInfo{
			Parent: metadata.RootID,
			Entries: []metadata.Entry{
				{Name: "a", Target: metadata.EntryRef{Kind: metadata.KindFile, ID: 11}},
				{Name: "b", Target: metadata.EntryRef{Kind: metadata.KindDirectory, ID: 12}},
			},
		},
	}
	c.Put(id, info)

	got, ok := c.Get(id)
	require.True(t, ok)
	require.NotNil(t, got.Directory)
	assert.Equal(t, info.Directory.Entries, got.Directory.Entries)
}
