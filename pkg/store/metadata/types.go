// Package metadata defines the Metadata Tree Store: the transactional
// directory/file namespace that a TarnFS server is the sole authority
// over.
//
// The store manages filesystem structure only (node identities, the
// directory hierarchy, file sizes and content digests). File bytes
// live in a content store (pkg/store/content); the two are coordinated
// through node ids and the content digest recorded here.
package metadata

import (
	"github.com/tarnfs/tarnfs/pkg/hash"
)

// NodeID identifies a directory or file. Ids are issued by the
// store's allocator, strictly increasing, unique across both node
// kinds, and immutable for the life of the node.
type NodeID uint64

// RootID is the distinguished root directory. The root is pre-seeded,
// is its own parent, and can never be removed, renamed, or re-parented.
const RootID NodeID = 1

// NodeKind discriminates the two node types.
type NodeKind uint8

const (
	KindDirectory NodeKind = iota + 1
	KindFile
)

func (k NodeKind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// EntryRef is the target of a directory entry: exactly one node,
// either a directory or a file. It is the Go rendering of the
// mutually-exclusive directory/file reference pair in the durable
// schema.
type EntryRef struct {
	Kind NodeKind `cbor:"1,keyasint"`
	ID   NodeID   `cbor:"2,keyasint"`
}

// Entry is one name within a directory. Names are compared by exact
// byte equality; the store performs no case folding or Unicode
// normalization.
type Entry struct {
	Name   string   `cbor:"1,keyasint"`
	Target EntryRef `cbor:"2,keyasint"`
}

// DirectoryInfo describes a directory: its parent and its entries
// ordered by name. The root directory reports itself as parent.
type DirectoryInfo struct {
	Parent  NodeID  `cbor:"1,keyasint"`
	Entries []Entry `cbor:"2,keyasint"`
}

// FileInfo describes a file: the authoritative content length and the
// digest of the currently committed content. A freshly created file
// has size 0 and the empty-content digest.
type FileInfo struct {
	Size uint64    `cbor:"1,keyasint"`
	Hash hash.Hash `cbor:"2,keyasint"`
}

// NodeInfo describes a node of either kind. Exactly one of Directory
// and File is set, matching Kind.
type NodeInfo struct {
	Kind      NodeKind       `cbor:"1,keyasint"`
	Directory *DirectoryInfo `cbor:"2,keyasint,omitempty"`
	File      *FileInfo      `cbor:"3,keyasint,omitempty"`
}
