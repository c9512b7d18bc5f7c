// Package memory implements the content store in process memory.
//
// Intended for tests and ephemeral servers: blobs vanish when the
// process exits. The commit semantics are identical to the durable
// backends, so the adapter and client test against this store and run
// unchanged against fs or s3.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/store/content"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// versionKey names one stored content version.
type versionKey struct {
	id     metadata.NodeID
	digest hash.Hash
}

// ContentStore implements content.Store on a map guarded by a RWMutex.
type ContentStore struct {
	mu    sync.RWMutex
	blobs map[versionKey][]byte
}

var _ content.Store = (*ContentStore)(nil)

// NewContentStore returns an empty in-memory store.
func NewContentStore() *ContentStore {
	return &ContentStore{blobs: make(map[versionKey][]byte)}
}

// OpenWrite stages a version write in a private buffer.
func (s *ContentStore) OpenWrite(ctx context.Context, id metadata.NodeID) (content.WriteSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memorySink{store: s, id: id, hasher: hash.NewHasher()}, nil
}

// OpenRead serves a byte-range view of the committed version. The
// slice under a committed version is never mutated in place (Commit
// installs a fresh buffer), so reading from it without copying is
// safe.
func (s *ContentStore) OpenRead(ctx context.Context, id metadata.NodeID, digest hash.Hash, offset uint64, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	blob, ok := s.blobs[versionKey{id: id, digest: digest}]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %d@%s: %w", id, digest, content.ErrNotFound)
	}

	if offset >= uint64(len(blob)) {
		blob = nil
	} else {
		blob = blob[offset:]
	}
	if length >= 0 && int64(len(blob)) > length {
		blob = blob[:length]
	}

	return io.NopCloser(bytes.NewReader(blob)), nil
}

// DeleteVersion removes one version; missing versions are ignored.
func (s *ContentStore) DeleteVersion(ctx context.Context, id metadata.NodeID, digest hash.Hash) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.blobs, versionKey{id: id, digest: digest})
	s.mu.Unlock()
	return nil
}

// Delete removes every version for id; an id with none is ignored.
func (s *ContentStore) Delete(ctx context.Context, id metadata.NodeID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	for key := range s.blobs {
		if key.id == id {
			delete(s.blobs, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// Close drops all blobs.
func (s *ContentStore) Close() error {
	s.mu.Lock()
	s.blobs = make(map[versionKey][]byte)
	s.mu.Unlock()
	return nil
}

type memorySink struct {
	store  *ContentStore
	id     metadata.NodeID
	buf    bytes.Buffer
	hasher *hash.Hasher
	closed bool
}

func (w *memorySink) Write(p []byte) (int, error) {
	if w.closed {
		return 0, content.ErrSinkClosed
	}
	w.hasher.Write(p)
	return w.buf.Write(p)
}

func (w *memorySink) Commit(ctx context.Context) (uint64, hash.Hash, error) {
	if w.closed {
		return 0, hash.Hash{}, content.ErrSinkClosed
	}
	w.closed = true

	if err := ctx.Err(); err != nil {
		return 0, hash.Hash{}, err
	}

	blob := make([]byte, w.buf.Len())
	copy(blob, w.buf.Bytes())
	digest := w.hasher.Sum()

	w.store.mu.Lock()
	w.store.blobs[versionKey{id: w.id, digest: digest}] = blob
	w.store.mu.Unlock()

	return w.hasher.Count(), digest, nil
}

func (w *memorySink) Abort() error {
	w.closed = true
	return nil
}
