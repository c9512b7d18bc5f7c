package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/tarnfs/tarnfs/internal/logger"
	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/protocol"
	"github.com/tarnfs/tarnfs/pkg/store/content"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// casRetries bounds the re-read loop for unconditional writes racing
// other writers on the digest compare-and-swap.
const casRetries = 4

func paramID(ps httprouter.Params) (metadata.NodeID, error) {
	return protocol.ParseNodeID(ps.ByName("id"))
}

// ============================================================================
// Metadata handlers
// ============================================================================

func (a *API) handleNodeInfo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := paramID(ps)
	if err != nil {
		a.writeBadRequest(w, "invalid node id")
		return
	}

	info, err := a.meta.NodeInfo(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeCBOR(w, http.StatusOK, info)
}

func (a *API) handleDirectoryInfo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := paramID(ps)
	if err != nil {
		a.writeBadRequest(w, "invalid node id")
		return
	}

	info, err := a.meta.DirectoryInfo(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeCBOR(w, http.StatusOK, info)
}

func (a *API) handleLookup(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := paramID(ps)
	if err != nil {
		a.writeBadRequest(w, "invalid node id")
		return
	}

	var req protocol.LookupRequest
	if err := decodeRequest(r, &req); err != nil {
		a.writeBadRequest(w, err.Error())
		return
	}

	ref, err := a.meta.Lookup(r.Context(), id, req.Name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeCBOR(w, http.StatusOK, ref)
}

func (a *API) handleMkdir(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	parent, err := paramID(ps)
	if err != nil {
		a.writeBadRequest(w, "invalid node id")
		return
	}

	var req protocol.CreateRequest
	if err := decodeRequest(r, &req); err != nil {
		a.writeBadRequest(w, err.Error())
		return
	}

	id, err := a.meta.CreateDirectory(r.Context(), parent, req.Name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeCBOR(w, http.StatusCreated, protocol.CreatedResponse{ID: id})
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	parent, err := paramID(ps)
	if err != nil {
		a.writeBadRequest(w, "invalid node id")
		return
	}

	var req protocol.CreateRequest
	if err := decodeRequest(r, &req); err != nil {
		a.writeBadRequest(w, err.Error())
		return
	}

	id, digest, err := a.meta.CreateFile(r.Context(), parent, req.Name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeCBOR(w, http.StatusCreated, protocol.CreatedResponse{ID: id, Hash: digest})
}

func (a *API) handleRemove(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	parent, err := paramID(ps)
	if err != nil {
		a.writeBadRequest(w, "invalid node id")
		return
	}

	var req protocol.RemoveRequest
	if err := decodeRequest(r, &req); err != nil {
		a.writeBadRequest(w, err.Error())
		return
	}

	if err := a.meta.Remove(r.Context(), parent, req.Name); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRename(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req protocol.RenameRequest
	if err := decodeRequest(r, &req); err != nil {
		a.writeBadRequest(w, err.Error())
		return
	}

	err := a.meta.Rename(r.Context(), req.SrcParent, req.SrcName, req.DstParent, req.DstName)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleFileInfo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := paramID(ps)
	if err != nil {
		a.writeBadRequest(w, "invalid node id")
		return
	}

	info, err := a.meta.FileInfo(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeCBOR(w, http.StatusOK, info)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	a.writeCBOR(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// Content handlers
// ============================================================================

// handleReadData streams file content. The Tarn-Hash response header
// always carries the digest of the full content, so a client reading
// the whole file verifies it incrementally; ranged reads skip
// verification. If-Match pins the read to a known digest and fails
// with Modified when the file moved on; If-None-Match answers
// NotModified when the client's copy is already current.
func (a *API) handleReadData(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := paramID(ps)
	if err != nil {
		a.writeBadRequest(w, "invalid node id")
		return
	}

	offset, length, err := parseWindow(r)
	if err != nil {
		a.writeBadRequest(w, err.Error())
		return
	}

	// Metadata first: existence, kind check, and the digest that names
	// the version to stream.
	info, err := a.meta.FileInfo(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	if v := r.Header.Get(protocol.HeaderIfMatch); v != "" {
		h, err := hash.ParseHex(v)
		if err != nil {
			a.writeBadRequest(w, fmt.Sprintf("invalid %s header", protocol.HeaderIfMatch))
			return
		}
		if h != info.Hash {
			a.writeError(w, r, fmt.Errorf("file %d is at %s: %w", id, info.Hash, metadata.ErrModified))
			return
		}
	}
	if v := r.Header.Get(protocol.HeaderIfNoneMatch); v != "" {
		h, err := hash.ParseHex(v)
		if err != nil {
			a.writeBadRequest(w, fmt.Sprintf("invalid %s header", protocol.HeaderIfNoneMatch))
			return
		}
		if h == info.Hash {
			w.Header().Set(protocol.HeaderHash, info.Hash.Hex())
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	rc, err := a.blobs.OpenRead(r.Context(), id, info.Hash, offset, length)
	if err != nil {
		switch {
		case errors.Is(err, content.ErrNotFound) && info.Hash == hash.Empty():
			// A file that never had a content commit has no blob.
			rc = io.NopCloser(bytes.NewReader(nil))
		case errors.Is(err, content.ErrNotFound):
			// Versions publish before the metadata swap records them,
			// so a recorded digest without its version means a writer
			// replaced it between our FileInfo read and here. The
			// condition is transient; the client retries and resolves
			// the new digest.
			a.writeError(w, r, fmt.Errorf("blob %d@%s was replaced: %w", id, info.Hash, content.ErrUnavailable))
			return
		default:
			a.writeError(w, r, err)
			return
		}
	}
	defer rc.Close()

	w.Header().Set("Content-Type", protocol.ContentTypeRaw)
	w.Header().Set(protocol.HeaderHash, info.Hash.Hex())
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, rc)
	a.metrics.RecordBytesTransferred("read", n)
	if err != nil {
		// The status is already on the wire; the cut stream fails the
		// client's integrity check.
		logger.Debug("content stream for %d aborted after %d bytes: %v", id, n, err)
	}
}

// handleWriteData streams the request body into a staged blob write.
//
// The commit sequence is: verify the client's announced digest against
// the received bytes, publish the version under that digest, then
// compare-and-swap the metadata digest. Versions are keyed by digest,
// so concurrent writers publish disjoint versions and whichever digest
// wins the swap names a complete blob from exactly one writer. A
// writer that loses the swap removes its now-unreferenced version.
func (a *API) handleWriteData(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := paramID(ps)
	if err != nil {
		a.writeBadRequest(w, "invalid node id")
		return
	}

	announced, err := hash.ParseHex(r.Header.Get(protocol.HeaderHash))
	if err != nil {
		a.writeBadRequest(w, fmt.Sprintf("missing or invalid %s header", protocol.HeaderHash))
		return
	}

	var ifMatch *hash.Hash
	if v := r.Header.Get(protocol.HeaderIfMatch); v != "" {
		h, err := hash.ParseHex(v)
		if err != nil {
			a.writeBadRequest(w, fmt.Sprintf("invalid %s header", protocol.HeaderIfMatch))
			return
		}
		ifMatch = &h
	}

	// Reject before reading the body when the target is not a file.
	if _, err := a.meta.FileInfo(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}

	sink, err := a.blobs.OpenWrite(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	hasher := hash.NewHasher()
	n, err := io.Copy(io.MultiWriter(sink, hasher), r.Body)
	a.metrics.RecordBytesTransferred("write", n)
	if err != nil {
		sink.Abort()
		if r.Context().Err() != nil {
			// Client went away mid-stream; prior content stands.
			logger.Debug("content upload for %d aborted after %d bytes", id, n)
			return
		}
		a.writeError(w, r, err)
		return
	}

	digest := hasher.Sum()
	if digest != announced {
		sink.Abort()
		a.writeError(w, r, fmt.Errorf("announced %s, received %s: %w",
			announced, digest, protocol.ErrIntegrityMismatch))
		return
	}

	size, _, err := sink.Commit(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	prev, err := a.commitWrite(r.Context(), id, ifMatch, digest, size)
	if err != nil {
		a.discardVersion(id, digest)
		a.writeError(w, r, err)
		return
	}

	// The replaced version is unreferenced now. Best effort: a
	// leftover is swept with the rest of the file's versions when the
	// node is removed.
	if prev != digest && prev != hash.Empty() {
		if derr := a.blobs.DeleteVersion(context.Background(), id, prev); derr != nil {
			logger.Warn("content: cannot remove replaced blob %d@%s: %v", id, prev, derr)
		}
	}

	w.Header().Set(protocol.HeaderHash, digest.Hex())
	w.WriteHeader(http.StatusNoContent)
}

// commitWrite performs the metadata digest compare-and-swap and
// returns the digest it replaced. With an If-Match digest the swap is
// attempted exactly once. Without one the write is unconditional: the
// current digest is re-read and the swap retried when a concurrent
// writer moved it.
func (a *API) commitWrite(ctx context.Context, id metadata.NodeID, ifMatch *hash.Hash, digest hash.Hash, size uint64) (hash.Hash, error) {
	if ifMatch != nil {
		return *ifMatch, a.meta.UpdateContent(ctx, id, *ifMatch, digest, size)
	}

	var err error
	for attempt := 0; attempt < casRetries; attempt++ {
		var info metadata.FileInfo
		info, err = a.meta.FileInfo(ctx, id)
		if err != nil {
			return hash.Hash{}, err
		}

		err = a.meta.UpdateContent(ctx, id, info.Hash, digest, size)
		if err == nil || !errors.Is(err, metadata.ErrModified) {
			return info.Hash, err
		}
	}
	return hash.Hash{}, err
}

// discardVersion removes a published version whose metadata swap
// failed. When the file's current digest equals the version's digest,
// the losing writer carried the same bytes as the winner and the two
// share a version key, so the version stays.
func (a *API) discardVersion(id metadata.NodeID, digest hash.Hash) {
	ctx := context.Background()
	info, err := a.meta.FileInfo(ctx, id)
	if err == nil && info.Hash == digest {
		return
	}
	if err := a.blobs.DeleteVersion(ctx, id, digest); err != nil {
		logger.Warn("content: cannot remove unreferenced blob %d@%s: %v", id, digest, err)
	}
}

// parseWindow extracts the optional offset/length query parameters.
func parseWindow(r *http.Request) (uint64, int64, error) {
	offset := uint64(0)
	length := content.ReadToEnd

	q := r.URL.Query()
	if v := q.Get("offset"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid offset %q", v)
		}
		offset = parsed
	}
	if v := q.Get("length"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			return 0, 0, fmt.Errorf("invalid length %q", v)
		}
		length = parsed
	}
	return offset, length, nil
}
