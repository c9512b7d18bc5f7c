package metadata

import (
	"context"

	"github.com/tarnfs/tarnfs/pkg/hash"
)

// Store is the transactional Metadata Tree Store.
//
// Every method executes as one atomic transaction: a crash or a
// concurrent conflicting transaction leaves the tree in either the
// pre- or post-state, never partially applied. Concurrent
// transactions are serializable: the final tree is always consistent
// with some serial order of the operations.
//
// Node identifiers come from a single strictly-increasing allocator
// shared by files and directories. Allocation happens inside the same
// transaction that first persists the node, so an aborted create
// never leaks a duplicate id (gaps from rollback are fine, duplicates
// are not).
//
// Error contract: business failures are the sentinels in errors.go,
// matched with errors.Is. Transient serialization conflicts are
// retried internally a bounded number of times before surfacing as
// ErrConflict.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Lookup resolves name within the parent directory.
	//
	// Fails ErrNotFound if the entry or the parent is absent, and
	// ErrNotADirectory if parent addresses a file.
	Lookup(ctx context.Context, parent NodeID, name string) (EntryRef, error)

	// List returns the parent directory's entries ordered by name
	// (byte order). Fails like Lookup for a bad parent.
	List(ctx context.Context, parent NodeID) ([]Entry, error)

	// CreateFile allocates a node id and inserts a file node plus its
	// directory entry as one atomic unit. The new file has size 0 and
	// the empty-content digest, which is returned for the caller's
	// first optimistic write.
	//
	// Fails ErrAlreadyExists if (parent, name) is taken, ErrNotFound
	// if the parent is absent, ErrNotADirectory if it is a file.
	CreateFile(ctx context.Context, parent NodeID, name string) (NodeID, hash.Hash, error)

	// CreateDirectory is CreateFile for directories.
	CreateDirectory(ctx context.Context, parent NodeID, name string) (NodeID, error)

	// Remove deletes the entry (parent, name) and cascades to the node
	// it references. Removing a populated directory fails ErrNotEmpty.
	// Removing a file enqueues its content blob for deferred release
	// in the same transaction; the blob is garbage collected after
	// commit (see pkg/gc) and is never visible to readers again.
	Remove(ctx context.Context, parent NodeID, name string) error

	// Rename atomically moves an entry to (dstParent, dstName) without
	// changing the node's identity. There is no silent overwrite: an
	// occupied destination fails ErrAlreadyExists. Moving a directory
	// under one of its own descendants fails ErrWouldCreateCycle and
	// leaves the tree unchanged. The root cannot be moved.
	Rename(ctx context.Context, srcParent NodeID, srcName string, dstParent NodeID, dstName string) error

	// UpdateContent records a committed content write: the single
	// point of truth for a file's size. The update is a
	// compare-and-swap on the file's previous digest; a stale prevHash
	// fails ErrModified and changes nothing, which is how concurrent
	// writers to one file are serialized (last committed wins, losers
	// are rejected, never interleaved).
	UpdateContent(ctx context.Context, id NodeID, prevHash, newHash hash.Hash, size uint64) error

	// NodeInfo describes a node of either kind.
	NodeInfo(ctx context.Context, id NodeID) (NodeInfo, error)

	// DirectoryInfo describes a directory, failing ErrNotAFile's dual
	// ErrNotADirectory when id addresses a file.
	DirectoryInfo(ctx context.Context, id NodeID) (DirectoryInfo, error)

	// FileInfo describes a file, failing ErrNotAFile when id addresses
	// a directory.
	FileInfo(ctx context.Context, id NodeID) (FileInfo, error)

	// TakePendingDeletions returns up to limit file ids whose content
	// blobs await release. Ids stay queued until resolved, so the
	// collector can crash and retry without losing track of a blob.
	TakePendingDeletions(ctx context.Context, limit int) ([]NodeID, error)

	// ResolvePendingDeletion acknowledges that a blob was released.
	ResolvePendingDeletion(ctx context.Context, id NodeID) error

	// Close releases the store's resources.
	Close() error
}
