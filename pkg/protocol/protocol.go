// Package protocol defines the TarnFS wire protocol: routes, headers,
// message types, and the error code vocabulary shared by the server
// adapter (pkg/adapter/httpapi) and the client (pkg/client).
//
// Messages are CBOR (core deterministic encoding, see internal/codec)
// carried over HTTP/2. File content travels as raw streams, not CBOR,
// with the digest in the Tarn-Hash header for end-to-end integrity.
package protocol

import (
	"strconv"

	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// Headers.
const (
	// HeaderHash carries a content digest (lowercase hex BLAKE3).
	// On content GET responses: the stored digest of the streamed
	// bytes. On content PUT requests: the digest the client computed
	// while producing the stream, verified server-side at stream end.
	HeaderHash = "Tarn-Hash"

	// HeaderIfMatch carries the digest the caller believes the file
	// currently has. A stale value fails the request with
	// CodeModified.
	HeaderIfMatch = "If-Match"

	// HeaderIfNoneMatch carries the digest of the reader's cached
	// copy. A content GET whose file still has that digest answers
	// 304 with no body.
	HeaderIfNoneMatch = "If-None-Match"

	// ContentTypeCBOR is the media type of protocol messages.
	ContentTypeCBOR = "application/cbor"

	// ContentTypeRaw is the media type of content streams.
	ContentTypeRaw = "application/octet-stream"
)

// Route patterns in httprouter syntax. The adapter registers these;
// the client builds concrete paths with the *Path helpers.
const (
	RouteNode       = "/v1/node/:id"
	RouteDirectory  = "/v1/dir/:id"
	RouteDirLookup  = "/v1/dir/:id/lookup"
	RouteDirMkdir   = "/v1/dir/:id/mkdir"
	RouteDirCreate  = "/v1/dir/:id/create"
	RouteDirRemove  = "/v1/dir/:id/remove"
	RouteRename     = "/v1/rename"
	RouteFile       = "/v1/file/:id"
	RouteFileData   = "/v1/file/:id/data"
	RouteHealth     = "/v1/health"
)

func idString(id metadata.NodeID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseNodeID parses the :id path segment.
func ParseNodeID(s string) (metadata.NodeID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return metadata.NodeID(v), nil
}

func NodePath(id metadata.NodeID) string      { return "/v1/node/" + idString(id) }
func DirectoryPath(id metadata.NodeID) string { return "/v1/dir/" + idString(id) }
func DirLookupPath(id metadata.NodeID) string { return "/v1/dir/" + idString(id) + "/lookup" }
func DirMkdirPath(id metadata.NodeID) string  { return "/v1/dir/" + idString(id) + "/mkdir" }
func DirCreatePath(id metadata.NodeID) string { return "/v1/dir/" + idString(id) + "/create" }
func DirRemovePath(id metadata.NodeID) string { return "/v1/dir/" + idString(id) + "/remove" }
func FilePath(id metadata.NodeID) string      { return "/v1/file/" + idString(id) }
func FileDataPath(id metadata.NodeID) string  { return "/v1/file/" + idString(id) + "/data" }
