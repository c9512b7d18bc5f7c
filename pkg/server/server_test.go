package server

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarnfs/tarnfs/pkg/store/content"
	contentmem "github.com/tarnfs/tarnfs/pkg/store/content/memory"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
	metasqlite "github.com/tarnfs/tarnfs/pkg/store/metadata/sqlite"
)

// stubAdapter blocks in Serve until its context is cancelled or Stop
// is called, recording both.
type stubAdapter struct {
	protocol string
	serveErr error

	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
}

func newStubAdapter(protocol string) *stubAdapter {
	return &stubAdapter{protocol: protocol, done: make(chan struct{})}
}

func (s *stubAdapter) Serve(ctx context.Context) error {
	s.started.Store(true)
	if s.serveErr != nil {
		return s.serveErr
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

func (s *stubAdapter) Stop(ctx context.Context) error {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.done)
	}
	return nil
}

func (s *stubAdapter) SetStores(meta metadata.Store, blobs content.Store) {}

func (s *stubAdapter) Protocol() string { return s.protocol }
func (s *stubAdapter) Addr() string     { return "stub" }

func newTestServer(t *testing.T) *TarnServer {
	t.Helper()

	meta, err := metasqlite.NewMetadataStore(metasqlite.Config{
		Path: filepath.Join(t.TempDir(), "metadata.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	blobs := contentmem.NewContentStore()
	t.Cleanup(func() { blobs.Close() })

	return New(meta, blobs)
}

func TestServeStopsAdaptersOnCancel(t *testing.T) {
	srv := newTestServer(t)
	a := newStubAdapter("stub")
	require.NoError(t, srv.AddAdapter(a))

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(ctx)
	}()

	require.Eventually(t, a.started.Load, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-serveDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	assert.True(t, a.stopped.Load())
}

func TestServeFailsWhenAdapterFails(t *testing.T) {
	srv := newTestServer(t)

	failing := newStubAdapter("broken")
	failing.serveErr = errors.New("bind refused")
	healthy := newStubAdapter("healthy")

	require.NoError(t, srv.AddAdapter(failing))
	require.NoError(t, srv.AddAdapter(healthy))

	err := srv.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken adapter")
	assert.True(t, healthy.stopped.Load())
}

func TestServeRequiresAdapters(t *testing.T) {
	srv := newTestServer(t)
	assert.Error(t, srv.Serve(context.Background()))
}

func TestAddAdapterRejectsDuplicateProtocol(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.AddAdapter(newStubAdapter("stub")))
	assert.Error(t, srv.AddAdapter(newStubAdapter("stub")))
}

func TestNewPanicsOnNilStores(t *testing.T) {
	assert.Panics(t, func() { New(nil, contentmem.NewContentStore()) })
}
