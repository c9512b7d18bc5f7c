package protocol

import (
	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// Directory reads and metadata lookups reuse the store types
// (metadata.NodeInfo, DirectoryInfo, FileInfo, EntryRef) directly as
// response bodies; they carry CBOR field tags for exactly that reason.
// The types below are the request bodies and the responses that have
// no store counterpart.

// LookupRequest resolves a name within a directory.
type LookupRequest struct {
	Name string `cbor:"1,keyasint"`
}

// CreateRequest creates a file or directory (route decides which)
// under the addressed directory.
type CreateRequest struct {
	Name string `cbor:"1,keyasint"`
}

// RemoveRequest removes the named entry and its node.
type RemoveRequest struct {
	Name string `cbor:"1,keyasint"`
}

// RenameRequest moves an entry between directories and/or names.
type RenameRequest struct {
	SrcParent metadata.NodeID `cbor:"1,keyasint"`
	SrcName   string          `cbor:"2,keyasint"`
	DstParent metadata.NodeID `cbor:"3,keyasint"`
	DstName   string          `cbor:"4,keyasint"`
}

// CreatedResponse reports a newly created node. Hash is the initial
// content digest for files and the zero value for directories.
type CreatedResponse struct {
	ID   metadata.NodeID `cbor:"1,keyasint"`
	Hash hash.Hash       `cbor:"2,keyasint,omitempty"`
}

// ErrorBody is the CBOR payload of every non-2xx response.
type ErrorBody struct {
	Code    Code   `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
}
