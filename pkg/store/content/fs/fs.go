// Package fs implements the content store on a local filesystem.
//
// Layout under the base directory:
//
//	blobs/<id>-<digest>   committed versions, named by node id and hex digest
//	staging/<uuid>        in-flight writes, renamed into blobs/ on commit
//
// Staging and blobs live on the same filesystem, so publishing a
// version is a single rename: a version file either does not exist or
// holds exactly the bytes its name hashes, never a partial write. The
// digest is part of the name, so two racing writers publish two
// distinct files and neither can clobber the other's bytes. Stale
// staging files left by a crash are swept on startup.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tarnfs/tarnfs/internal/logger"
	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/store/content"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

const (
	blobsDir   = "blobs"
	stagingDir = "staging"
)

// ContentStore implements content.Store on a local directory.
//
// Thread safety: the struct is immutable after New; all mutable state
// is in the filesystem, where rename atomicity provides the publish
// semantics.
type ContentStore struct {
	basePath string
}

var _ content.Store = (*ContentStore)(nil)

// NewContentStore prepares the directory layout under basePath,
// creating it if absent, and sweeps staging files abandoned by a
// previous crash.
func NewContentStore(basePath string) (*ContentStore, error) {
	for _, dir := range []string{blobsDir, stagingDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating content directory: %w", err)
		}
	}

	store := &ContentStore{basePath: basePath}
	store.sweepStaging()
	return store, nil
}

// sweepStaging removes leftover staging files. Anything here belongs
// to a writer that no longer exists: live sinks are process-local, so
// at startup every staging file is garbage.
func (s *ContentStore) sweepStaging() {
	dir := filepath.Join(s.basePath, stagingDir)
	names, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("content: cannot sweep staging directory %s: %v", dir, err)
		return
	}
	for _, entry := range names {
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("content: cannot remove stale staging file %s: %v", path, err)
			continue
		}
		logger.Debug("content: removed stale staging file %s", path)
	}
}

// versionPrefix is the file name prefix shared by all versions of id.
func versionPrefix(id metadata.NodeID) string {
	return strconv.FormatUint(uint64(id), 10) + "-"
}

func (s *ContentStore) versionPath(id metadata.NodeID, digest hash.Hash) string {
	return filepath.Join(s.basePath, blobsDir, versionPrefix(id)+digest.Hex())
}

// OpenWrite stages a version write in a uniquely named staging file.
// The final name is chosen at Commit, once the digest is known.
func (s *ContentStore) OpenWrite(ctx context.Context, id metadata.NodeID) (content.WriteSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stagingPath := filepath.Join(s.basePath, stagingDir, uuid.NewString())
	f, err := os.OpenFile(stagingPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}

	return &fileSink{
		file:        f,
		stagingPath: stagingPath,
		store:       s,
		id:          id,
		hasher:      hash.NewHasher(),
	}, nil
}

// OpenRead opens the committed version (id, digest) at the given
// offset.
func (s *ContentStore) OpenRead(ctx context.Context, id metadata.NodeID, digest hash.Hash, offset uint64, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.versionPath(id, digest))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob %d@%s: %w", id, digest, content.ErrNotFound)
		}
		return nil, fmt.Errorf("opening blob %d: %w", id, err)
	}

	// Seeking past EOF is legal; subsequent reads just return EOF,
	// which matches the empty-reader contract.
	if offset > 0 {
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seeking blob %d to %d: %w", id, offset, err)
		}
	}

	if length < 0 {
		return f, nil
	}
	return &limitedFile{Reader: io.LimitReader(f, length), file: f}, nil
}

// DeleteVersion removes one committed version. A missing version is
// not an error. Readers that already opened the file keep their
// descriptor and finish undisturbed.
func (s *ContentStore) DeleteVersion(ctx context.Context, id metadata.NodeID, digest hash.Hash) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(s.versionPath(id, digest))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting blob %d@%s: %w", id, digest, err)
	}
	return nil
}

// Delete removes every committed version for id. An id with no
// versions is not an error.
func (s *ContentStore) Delete(ctx context.Context, id metadata.NodeID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(s.basePath, blobsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing blobs for %d: %w", id, err)
	}

	prefix := versionPrefix(id)
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("deleting blob %d: %w", id, err)
		}
	}
	return nil
}

// Close is a no-op: the store holds no open resources between calls.
func (s *ContentStore) Close() error {
	return nil
}

// limitedFile couples a LimitReader with the file it wraps so Close
// reaches the file.
type limitedFile struct {
	io.Reader
	file *os.File
}

func (l *limitedFile) Close() error {
	return l.file.Close()
}

// fileSink stages bytes in a temp file and hashes them as they arrive.
type fileSink struct {
	file        *os.File
	stagingPath string
	store       *ContentStore
	id          metadata.NodeID
	hasher      *hash.Hasher
	closed      bool
}

func (w *fileSink) Write(p []byte) (int, error) {
	if w.closed {
		return 0, content.ErrSinkClosed
	}
	n, err := w.file.Write(p)
	if n > 0 {
		// Hasher writes never fail.
		w.hasher.Write(p[:n])
	}
	if err != nil {
		return n, fmt.Errorf("writing staging file: %w", err)
	}
	return n, nil
}

// Commit makes the staged bytes durable, then publishes them with a
// rename to the name their digest dictates. Sync before rename: a
// crash after the rename must not leave a published version with
// unflushed bytes.
func (w *fileSink) Commit(ctx context.Context) (uint64, hash.Hash, error) {
	if w.closed {
		return 0, hash.Hash{}, content.ErrSinkClosed
	}
	w.closed = true

	if err := ctx.Err(); err != nil {
		w.discard()
		return 0, hash.Hash{}, err
	}

	if err := w.file.Sync(); err != nil {
		w.discard()
		return 0, hash.Hash{}, fmt.Errorf("syncing staging file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.stagingPath)
		return 0, hash.Hash{}, fmt.Errorf("closing staging file: %w", err)
	}

	digest := w.hasher.Sum()
	if err := os.Rename(w.stagingPath, w.store.versionPath(w.id, digest)); err != nil {
		os.Remove(w.stagingPath)
		return 0, hash.Hash{}, fmt.Errorf("publishing blob: %w", err)
	}

	return w.hasher.Count(), digest, nil
}

func (w *fileSink) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.discard()
	return nil
}

func (w *fileSink) discard() {
	w.file.Close()
	os.Remove(w.stagingPath)
}
