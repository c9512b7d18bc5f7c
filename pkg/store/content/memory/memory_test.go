package memory

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarnfs/tarnfs/pkg/store/content"
	contenttesting "github.com/tarnfs/tarnfs/pkg/store/content/testing"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

func TestContentStoreSuite(t *testing.T) {
	contenttesting.RunStoreSuite(t, func(t *testing.T) content.Store {
		return NewContentStore()
	})
}

func TestReaderUnaffectedByOverwrite(t *testing.T) {
	store := NewContentStore()
	ctx := context.Background()
	id := metadata.NodeID(1)

	sink, err := store.OpenWrite(ctx, id)
	require.NoError(t, err)
	_, err = sink.Write([]byte("original"))
	require.NoError(t, err)
	_, digest, err := sink.Commit(ctx)
	require.NoError(t, err)

	r, err := store.OpenRead(ctx, id, digest, 0, content.ReadToEnd)
	require.NoError(t, err)
	defer r.Close()

	// Overwrite while the reader is open.
	sink, err = store.OpenWrite(ctx, id)
	require.NoError(t, err)
	_, err = sink.Write([]byte("replacement"))
	require.NoError(t, err)
	_, _, err = sink.Commit(ctx)
	require.NoError(t, err)

	// The open reader still sees the blob it was opened against.
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data)
}
