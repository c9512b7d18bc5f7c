// Package content defines the content store: durable byte storage for
// file bodies, addressed by node id and content digest.
//
// The content store is deliberately dumb. It knows nothing about the
// namespace; the metadata store decides which digest a file points at
// and when a blob may be released. Every write goes through a
// WriteSink that stages the incoming bytes and hashes them on the way
// in; Commit publishes the bytes under the digest the sink computed,
// so a stored version can only ever contain the bytes its key names.
// Readers resolve a version through the digest recorded in metadata,
// which is what keeps racing writers from interleaving: whichever
// digest wins the metadata compare-and-swap, it names a complete blob
// written by exactly one writer.
package content

import (
	"context"
	"io"

	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// ReadToEnd requests the rest of the blob from OpenRead.
const ReadToEnd int64 = -1

// Store is the interface all content backends implement.
//
// Implementations must be safe for concurrent use. Concurrent writers
// to the same id are permitted at this layer: each publishes its own
// (id, digest) version, and the metadata compare-and-swap decides
// which one readers resolve. A version that loses the swap is garbage,
// removed by DeleteVersion at commit time or by Delete when the node
// goes away.
type Store interface {
	// OpenWrite starts a staged write of a content version for id.
	// Bytes written to the sink are not visible to readers until
	// Commit, which publishes them under the digest it returns.
	OpenWrite(ctx context.Context, id metadata.NodeID) (WriteSink, error)

	// OpenRead streams the stored version (id, digest) starting at
	// offset. A length of ReadToEnd reads through the end of the blob;
	// otherwise at most length bytes are returned. An offset at or past
	// the end of the blob yields an empty reader, not an error. Returns
	// ErrNotFound if the version does not exist.
	OpenRead(ctx context.Context, id metadata.NodeID, digest hash.Hash, offset uint64, length int64) (io.ReadCloser, error)

	// DeleteVersion releases one stored version, leaving any others for
	// the same id intact. Deleting an absent version is a no-op.
	DeleteVersion(ctx context.Context, id metadata.NodeID, digest hash.Hash) error

	// Delete releases every stored version for id. Deleting an id with
	// no versions is a no-op: the collector retries deletions and must
	// be able to re-run one that already succeeded.
	Delete(ctx context.Context, id metadata.NodeID) error

	// Close releases backend resources. In-flight sinks are invalid
	// after Close.
	Close() error
}

// WriteSink accumulates one staged content write.
//
// Exactly one of Commit or Abort must be called; Write after either
// returns an error. Sinks are not safe for concurrent use.
type WriteSink interface {
	io.Writer

	// Commit publishes the staged bytes as the version named by their
	// digest and returns their count and that digest.
	Commit(ctx context.Context) (size uint64, digest hash.Hash, err error)

	// Abort discards the staged bytes. Safe to call after a failed
	// Commit; idempotent.
	Abort() error
}
