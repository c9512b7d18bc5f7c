package httpapi_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarnfs/tarnfs/pkg/adapter/httpapi"
	"github.com/tarnfs/tarnfs/pkg/client"
	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/protocol"
	"github.com/tarnfs/tarnfs/pkg/store/content"
	contentfs "github.com/tarnfs/tarnfs/pkg/store/content/fs"
	contentmem "github.com/tarnfs/tarnfs/pkg/store/content/memory"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
	metasqlite "github.com/tarnfs/tarnfs/pkg/store/metadata/sqlite"
)

// startServer brings up a full server stack on an ephemeral port and
// returns a protocol client bound to it.
func startServer(t *testing.T) *client.Remote {
	return startServerWithConfig(t, httpapi.Config{ListenAddr: "127.0.0.1:0"})
}

func startServerWithConfig(t *testing.T, cfg httpapi.Config) *client.Remote {
	t.Helper()

	blobs, err := contentfs.NewContentStore(filepath.Join(t.TempDir(), "content"))
	require.NoError(t, err)
	return startServerWithStores(t, cfg, blobs)
}

func startServerWithStores(t *testing.T, cfg httpapi.Config, blobs content.Store) *client.Remote {
	t.Helper()

	meta, err := metasqlite.NewMetadataStore(metasqlite.Config{
		Path:     filepath.Join(t.TempDir(), "meta.db"),
		PoolSize: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, meta.Close()) })

	api := httpapi.New(cfg)
	api.SetStores(meta, blobs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = api.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Wait for the listener to bind.
	deadline := time.Now().Add(5 * time.Second)
	for api.Addr() == "127.0.0.1:0" {
		if time.Now().After(deadline) {
			t.Fatal("adapter did not bind in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	remote, err := client.New(client.Config{BaseURL: "http://" + api.Addr()})
	require.NoError(t, err)
	return remote
}

func TestCreateWriteReadScenario(t *testing.T) {
	remote := startServer(t)
	ctx := context.Background()

	// Build /a/b.txt containing "hello".
	dirA, err := remote.CreateDirectory(ctx, metadata.RootID, "a")
	require.NoError(t, err)

	fileB, initial, err := remote.CreateFile(ctx, dirA, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, hash.Empty(), initial)

	digest, err := remote.Write(ctx, fileB, []byte("hello"), &initial)
	require.NoError(t, err)
	assert.Equal(t, hash.Sum([]byte("hello")), digest)

	// Resolve the path from the root and read it back.
	ref, err := remote.Lookup(ctx, metadata.RootID, "a")
	require.NoError(t, err)
	require.Equal(t, metadata.KindDirectory, ref.Kind)

	ref, err = remote.Lookup(ctx, ref.ID, "b.txt")
	require.NoError(t, err)
	require.Equal(t, metadata.KindFile, ref.Kind)
	assert.Equal(t, fileB, ref.ID)

	data, gotDigest, err := remote.ReadAll(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, digest, gotDigest)

	info, err := remote.FileInfo(ctx, fileB)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), info.Size)
	assert.Equal(t, digest, info.Hash)
}

func TestReadRange(t *testing.T) {
	remote := startServer(t)
	ctx := context.Background()

	id, initial, err := remote.CreateFile(ctx, metadata.RootID, "window.bin")
	require.NoError(t, err)
	_, err = remote.Write(ctx, id, []byte("0123456789"), &initial)
	require.NoError(t, err)

	rc, err := remote.ReadRange(ctx, id, 3, 4)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("3456"), data)
}

func TestReadEmptyFile(t *testing.T) {
	remote := startServer(t)
	ctx := context.Background()

	id, _, err := remote.CreateFile(ctx, metadata.RootID, "empty")
	require.NoError(t, err)

	data, digest, err := remote.ReadAll(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, hash.Empty(), digest)
}

func TestStaleIfMatchRejected(t *testing.T) {
	remote := startServer(t)
	ctx := context.Background()

	id, initial, err := remote.CreateFile(ctx, metadata.RootID, "contended")
	require.NoError(t, err)

	_, err = remote.Write(ctx, id, []byte("first"), &initial)
	require.NoError(t, err)

	// Second write against the already-consumed digest.
	_, err = remote.Write(ctx, id, []byte("second"), &initial)
	assert.ErrorIs(t, err, metadata.ErrModified)

	// The losing write left the content untouched.
	data, _, err := remote.ReadAll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)

	// Unconditional write succeeds regardless.
	_, err = remote.Write(ctx, id, []byte("third"), nil)
	require.NoError(t, err)
}

func TestErrorTaxonomyRoundTrip(t *testing.T) {
	remote := startServer(t)
	ctx := context.Background()

	_, err := remote.Lookup(ctx, metadata.RootID, "ghost")
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	_, err = remote.CreateDirectory(ctx, metadata.RootID, "dup")
	require.NoError(t, err)
	_, err = remote.CreateDirectory(ctx, metadata.RootID, "dup")
	assert.ErrorIs(t, err, metadata.ErrAlreadyExists)

	_, _, err = remote.CreateFile(ctx, metadata.RootID, "")
	assert.ErrorIs(t, err, metadata.ErrInvalidName)

	// Removing a populated directory.
	dirID, err := remote.CreateDirectory(ctx, metadata.RootID, "full")
	require.NoError(t, err)
	_, _, err = remote.CreateFile(ctx, dirID, "occupant")
	require.NoError(t, err)
	err = remote.Remove(ctx, metadata.RootID, "full")
	assert.ErrorIs(t, err, metadata.ErrNotEmpty)

	// Moving a directory under its own descendant.
	inner, err := remote.CreateDirectory(ctx, dirID, "inner")
	require.NoError(t, err)
	err = remote.Rename(ctx, metadata.RootID, "full", inner, "full")
	assert.ErrorIs(t, err, metadata.ErrWouldCreateCycle)

	// Writing content to a directory.
	_, err = remote.Write(ctx, dirID, []byte("x"), nil)
	assert.ErrorIs(t, err, metadata.ErrNotAFile)
}

func TestRenamePreservesIdentity(t *testing.T) {
	remote := startServer(t)
	ctx := context.Background()

	id, initial, err := remote.CreateFile(ctx, metadata.RootID, "before")
	require.NoError(t, err)
	digest, err := remote.Write(ctx, id, []byte("payload"), &initial)
	require.NoError(t, err)

	require.NoError(t, remote.Rename(ctx, metadata.RootID, "before", metadata.RootID, "after"))

	ref, err := remote.Lookup(ctx, metadata.RootID, "after")
	require.NoError(t, err)
	assert.Equal(t, id, ref.ID)

	// Content rides along with the node.
	data, gotDigest, err := remote.ReadAll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, digest, gotDigest)
}

// TestIntegrityMismatchRejected bypasses the client (which always
// announces the right digest) and sends a stream whose bytes disagree
// with the Tarn-Hash header.
func TestIntegrityMismatchRejected(t *testing.T) {
	remote := startServer(t)
	ctx := context.Background()

	id, initial, err := remote.CreateFile(ctx, metadata.RootID, "tampered")
	require.NoError(t, err)
	_, err = remote.Write(ctx, id, []byte("good"), &initial)
	require.NoError(t, err)

	wrong := hash.Sum([]byte("something else"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		remote.BaseURL()+protocol.FileDataPath(id), bytes.NewReader([]byte("evil bytes")))
	require.NoError(t, err)
	req.Header.Set(protocol.HeaderHash, wrong.Hex())

	resp, err := client.NewH2CClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Prior content is untouched.
	data, _, err := remote.ReadAll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), data)
}

func TestRateLimitRejectsExcessRequests(t *testing.T) {
	remote := startServerWithConfig(t, httpapi.Config{
		ListenAddr:        "127.0.0.1:0",
		RequestsPerSecond: 1,
		Burst:             1,
	})
	ctx := context.Background()

	// The single burst token admits one request; the follow-ups fire
	// before the bucket refills.
	limited := false
	for i := 0; i < 5; i++ {
		_, err := remote.NodeInfo(ctx, metadata.RootID)
		if err != nil {
			assert.ErrorIs(t, err, metadata.ErrUnavailable)
			limited = true
			break
		}
	}
	assert.True(t, limited, "no request was rate limited")
}

// stalledPublishStore wraps a content store and parks the first
// write's publish step until released, holding that writer between
// receiving its bytes and committing them.
type stalledPublishStore struct {
	content.Store
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	armed bool
	once  sync.Once
}

func newStalledPublishStore(inner content.Store) *stalledPublishStore {
	return &stalledPublishStore{
		Store:   inner,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *stalledPublishStore) OpenWrite(ctx context.Context, id metadata.NodeID) (content.WriteSink, error) {
	sink, err := s.Store.OpenWrite(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return sink, nil
	}
	s.armed = true
	return &stalledSink{WriteSink: sink, store: s}, nil
}

type stalledSink struct {
	content.WriteSink
	store *stalledPublishStore
}

func (w *stalledSink) Commit(ctx context.Context) (uint64, hash.Hash, error) {
	w.store.once.Do(func() { close(w.store.entered) })
	<-w.store.release
	return w.WriteSink.Commit(ctx)
}

// TestRacingWritersConverge holds one writer between upload and
// commit while a second writer completes, then lets the first finish.
// The slow writer must lose cleanly: the surviving digest and the
// surviving bytes both belong to the fast writer.
func TestRacingWritersConverge(t *testing.T) {
	inner := contentmem.NewContentStore()
	gated := newStalledPublishStore(inner)
	remote := startServerWithStores(t, httpapi.Config{ListenAddr: "127.0.0.1:0"}, gated)
	ctx := context.Background()

	id, initial, err := remote.CreateFile(ctx, metadata.RootID, "contended.bin")
	require.NoError(t, err)

	slowErr := make(chan error, 1)
	go func() {
		_, err := remote.Write(ctx, id, []byte("AAAA"), &initial)
		slowErr <- err
	}()

	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first writer never reached its commit")
	}

	winner, err := remote.Write(ctx, id, []byte("BBBB"), &initial)
	require.NoError(t, err)

	close(gated.release)
	assert.ErrorIs(t, <-slowErr, metadata.ErrModified)

	// Digest and bytes agree, and both are the fast writer's.
	data, digest, err := remote.ReadAll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("BBBB"), data)
	assert.Equal(t, winner, digest)

	info, err := remote.FileInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, winner, info.Hash)

	// The loser's version was cleaned out of the backend.
	_, err = inner.OpenRead(ctx, id, hash.Sum([]byte("AAAA")), 0, content.ReadToEnd)
	assert.ErrorIs(t, err, content.ErrNotFound)
}

// vanishingBody feeds a few bytes and then simulates the sender going
// away by canceling its own request context.
type vanishingBody struct {
	ctx    context.Context
	cancel context.CancelFunc
	sent   bool
}

func (b *vanishingBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, "partial"), nil
	}
	b.cancel()
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func TestDisconnectMidUploadKeepsPriorContent(t *testing.T) {
	remote := startServer(t)
	ctx := context.Background()

	id, initial, err := remote.CreateFile(ctx, metadata.RootID, "interrupted")
	require.NoError(t, err)
	digest, err := remote.Write(ctx, id, []byte("stable"), &initial)
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	body := &vanishingBody{ctx: reqCtx, cancel: cancel}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut,
		remote.BaseURL()+protocol.FileDataPath(id), body)
	require.NoError(t, err)
	req.Header.Set(protocol.HeaderHash, hash.Sum([]byte("never arrives")).Hex())

	resp, err := client.NewH2CClient().Do(req)
	if err == nil {
		resp.Body.Close()
	}
	require.Error(t, err)

	// The aborted upload left digest and bytes untouched.
	data, got, err := remote.ReadAll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("stable"), data)
	assert.Equal(t, digest, got)
}

func TestReadAllIfChanged(t *testing.T) {
	remote := startServer(t)
	ctx := context.Background()

	id, initial, err := remote.CreateFile(ctx, metadata.RootID, "cached.txt")
	require.NoError(t, err)
	digest, err := remote.Write(ctx, id, []byte("v1"), &initial)
	require.NoError(t, err)

	// A reader holding the current digest skips the transfer.
	data, got, changed, err := remote.ReadAllIfChanged(ctx, id, digest)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, data)
	assert.Equal(t, digest, got)

	// Once the file moves on, the same call fetches the new bytes.
	next, err := remote.Write(ctx, id, []byte("v2"), &digest)
	require.NoError(t, err)

	data, got, changed, err = remote.ReadAllIfChanged(ctx, id, digest)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []byte("v2"), data)
	assert.Equal(t, next, got)
}

// TestReadStaleIfMatchRejected sends a raw content GET pinned to a
// digest the file no longer carries.
func TestReadStaleIfMatchRejected(t *testing.T) {
	remote := startServer(t)
	ctx := context.Background()

	id, initial, err := remote.CreateFile(ctx, metadata.RootID, "pinned")
	require.NoError(t, err)
	stale, err := remote.Write(ctx, id, []byte("v1"), &initial)
	require.NoError(t, err)
	_, err = remote.Write(ctx, id, []byte("v2"), &stale)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		remote.BaseURL()+protocol.FileDataPath(id), nil)
	require.NoError(t, err)
	req.Header.Set(protocol.HeaderIfMatch, stale.Hex())

	resp, err := client.NewH2CClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestNodeInfoBothKinds(t *testing.T) {
	remote := startServer(t)
	ctx := context.Background()

	dirID, err := remote.CreateDirectory(ctx, metadata.RootID, "d")
	require.NoError(t, err)
	fileID, _, err := remote.CreateFile(ctx, dirID, "f")
	require.NoError(t, err)

	info, err := remote.NodeInfo(ctx, dirID)
	require.NoError(t, err)
	assert.Equal(t, metadata.KindDirectory, info.Kind)
	require.NotNil(t, info.Directory)
	assert.Equal(t, metadata.RootID, info.Directory.Parent)

	info, err = remote.NodeInfo(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, metadata.KindFile, info.Kind)
	require.NotNil(t, info.File)
	assert.Equal(t, hash.Empty(), info.File.Hash)

	entries, err := remote.List(ctx, dirID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "f", entries[0].Name)
}
