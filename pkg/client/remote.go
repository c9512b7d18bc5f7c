// Package client implements the TarnFS protocol client: a typed
// remote data service over the HTTP/2 request protocol, with an
// optional local node cache (pkg/client/cache).
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"golang.org/x/net/http2"

	"github.com/tarnfs/tarnfs/internal/codec"
	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/protocol"
	"github.com/tarnfs/tarnfs/pkg/store/content"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// Remote speaks the wire protocol against one server. Methods mirror
// the store operations; errors decode back into the shared sentinels,
// so callers use the same errors.Is checks as server-side code.
//
// Thread safety: Remote is immutable after New and the underlying
// http.Client multiplexes, so it is safe for concurrent use.
type Remote struct {
	baseURL string
	http    *http.Client
}

// Config holds the client parameters.
type Config struct {
	// BaseURL is the server root, e.g. "http://127.0.0.1:7530".
	BaseURL string

	// HTTPClient overrides the transport. Nil means an h2c-capable
	// client (NewH2CClient).
	HTTPClient *http.Client
}

// New creates a Remote for the given server.
func New(cfg Config) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewH2CClient()
	}

	return &Remote{
		baseURL: cfg.BaseURL,
		http:    httpClient,
	}, nil
}

// BaseURL returns the server root this client talks to.
func (r *Remote) BaseURL() string {
	return r.baseURL
}

// NewH2CClient returns an http.Client speaking HTTP/2 over cleartext
// TCP, matching the server adapter's h2c listener.
func NewH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// ============================================================================
// Metadata operations
// ============================================================================

// NodeInfo fetches a node of either kind.
func (r *Remote) NodeInfo(ctx context.Context, id metadata.NodeID) (metadata.NodeInfo, error) {
	var info metadata.NodeInfo
	err := r.call(ctx, http.MethodGet, protocol.NodePath(id), nil, &info)
	return info, err
}

// DirectoryInfo fetches a directory and its entries.
func (r *Remote) DirectoryInfo(ctx context.Context, id metadata.NodeID) (metadata.DirectoryInfo, error) {
	var info metadata.DirectoryInfo
	err := r.call(ctx, http.MethodGet, protocol.DirectoryPath(id), nil, &info)
	return info, err
}

// FileInfo fetches a file's size and digest.
func (r *Remote) FileInfo(ctx context.Context, id metadata.NodeID) (metadata.FileInfo, error) {
	var info metadata.FileInfo
	err := r.call(ctx, http.MethodGet, protocol.FilePath(id), nil, &info)
	return info, err
}

// Lookup resolves name within the parent directory.
func (r *Remote) Lookup(ctx context.Context, parent metadata.NodeID, name string) (metadata.EntryRef, error) {
	var ref metadata.EntryRef
	err := r.call(ctx, http.MethodPost, protocol.DirLookupPath(parent),
		protocol.LookupRequest{Name: name}, &ref)
	return ref, err
}

// List returns the parent directory's entries.
func (r *Remote) List(ctx context.Context, parent metadata.NodeID) ([]metadata.Entry, error) {
	info, err := r.DirectoryInfo(ctx, parent)
	if err != nil {
		return nil, err
	}
	return info.Entries, nil
}

// CreateFile creates an empty file and returns its id and initial
// digest.
func (r *Remote) CreateFile(ctx context.Context, parent metadata.NodeID, name string) (metadata.NodeID, hash.Hash, error) {
	var resp protocol.CreatedResponse
	err := r.call(ctx, http.MethodPost, protocol.DirCreatePath(parent),
		protocol.CreateRequest{Name: name}, &resp)
	if err != nil {
		return 0, hash.Hash{}, err
	}
	return resp.ID, resp.Hash, nil
}

// CreateDirectory creates an empty directory and returns its id.
func (r *Remote) CreateDirectory(ctx context.Context, parent metadata.NodeID, name string) (metadata.NodeID, error) {
	var resp protocol.CreatedResponse
	err := r.call(ctx, http.MethodPost, protocol.DirMkdirPath(parent),
		protocol.CreateRequest{Name: name}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Remove deletes the named entry and its node.
func (r *Remote) Remove(ctx context.Context, parent metadata.NodeID, name string) error {
	return r.call(ctx, http.MethodPost, protocol.DirRemovePath(parent),
		protocol.RemoveRequest{Name: name}, nil)
}

// Rename moves an entry between directories and/or names.
func (r *Remote) Rename(ctx context.Context, srcParent metadata.NodeID, srcName string, dstParent metadata.NodeID, dstName string) error {
	return r.call(ctx, http.MethodPost, protocol.RouteRename, protocol.RenameRequest{
		SrcParent: srcParent,
		SrcName:   srcName,
		DstParent: dstParent,
		DstName:   dstName,
	}, nil)
}

// ============================================================================
// Content operations
// ============================================================================

// ReadRange streams a window of the file's content without integrity
// verification (the digest covers the whole file, not windows).
func (r *Remote) ReadRange(ctx context.Context, id metadata.NodeID, offset uint64, length int64) (io.ReadCloser, error) {
	resp, err := r.contentGet(ctx, id, offset, length)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// ReadAll fetches the complete content, hashing it while it streams
// and failing with an integrity error if the bytes do not match the
// digest the server announced.
func (r *Remote) ReadAll(ctx context.Context, id metadata.NodeID) ([]byte, hash.Hash, error) {
	resp, err := r.contentGet(ctx, id, 0, content.ReadToEnd)
	if err != nil {
		return nil, hash.Hash{}, err
	}
	defer resp.Body.Close()
	return readVerified(resp)
}

// ReadAllIfChanged fetches the complete content unless the file still
// carries the known digest, in which case the server answers with no
// body and the call returns changed == false with the known digest.
// When the file moved on the behavior matches ReadAll.
func (r *Remote) ReadAllIfChanged(ctx context.Context, id metadata.NodeID, known hash.Hash) (data []byte, digest hash.Hash, changed bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+protocol.FileDataPath(id), nil)
	if err != nil {
		return nil, hash.Hash{}, false, fmt.Errorf("client: building request: %w", err)
	}
	req.Header.Set(protocol.HeaderIfNoneMatch, known.Hex())

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, hash.Hash{}, false, fmt.Errorf("client: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return nil, known, false, nil
	case http.StatusOK:
		data, digest, err = readVerified(resp)
		return data, digest, err == nil, err
	default:
		return nil, hash.Hash{}, false, decodeError(resp)
	}
}

// readVerified drains a content response, hashing the stream and
// checking it against the digest the server announced.
func readVerified(resp *http.Response) ([]byte, hash.Hash, error) {
	announced, err := hash.ParseHex(resp.Header.Get(protocol.HeaderHash))
	if err != nil {
		return nil, hash.Hash{}, fmt.Errorf("client: missing %s header: %w", protocol.HeaderHash, err)
	}

	hasher := hash.NewHasher()
	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(&buf, hasher), resp.Body); err != nil {
		return nil, hash.Hash{}, fmt.Errorf("client: reading content stream: %w", err)
	}

	if digest := hasher.Sum(); digest != announced {
		return nil, hash.Hash{}, fmt.Errorf("client: server announced %s, stream hashed to %s: %w",
			announced, digest, protocol.ErrIntegrityMismatch)
	}

	return buf.Bytes(), announced, nil
}

// Write uploads data as the file's new content. A non-nil ifMatch
// makes the write conditional on the file still carrying that digest
// (metadata.ErrModified when stale); nil writes unconditionally.
// Returns the digest the content now carries.
func (r *Remote) Write(ctx context.Context, id metadata.NodeID, data []byte, ifMatch *hash.Hash) (hash.Hash, error) {
	digest := hash.Sum(data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		r.baseURL+protocol.FileDataPath(id), bytes.NewReader(data))
	if err != nil {
		return hash.Hash{}, fmt.Errorf("client: building request: %w", err)
	}
	req.Header.Set("Content-Type", protocol.ContentTypeRaw)
	req.Header.Set(protocol.HeaderHash, digest.Hex())
	if ifMatch != nil {
		req.Header.Set(protocol.HeaderIfMatch, ifMatch.Hex())
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("client: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return hash.Hash{}, decodeError(resp)
	}
	return digest, nil
}

// ============================================================================
// Transport plumbing
// ============================================================================

func (r *Remote) contentGet(ctx context.Context, id metadata.NodeID, offset uint64, length int64) (*http.Response, error) {
	url := r.baseURL + protocol.FileDataPath(id)
	sep := "?"
	if offset > 0 {
		url += sep + "offset=" + strconv.FormatUint(offset, 10)
		sep = "&"
	}
	if length >= 0 {
		url += sep + "length=" + strconv.FormatInt(length, 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: building request: %w", err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

// call performs one CBOR request/response exchange. in and out may be
// nil for bodyless requests and 204 responses.
func (r *Remote) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := codec.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", protocol.ContentTypeCBOR)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: reading response: %w", err)
	}
	if err := codec.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decoding response: %w", err)
	}
	return nil
}

// decodeError turns a non-2xx response into an error wrapping the
// shared sentinel for its protocol code.
func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("client: server returned %d", resp.StatusCode)
	}

	var body protocol.ErrorBody
	if err := codec.Unmarshal(data, &body); err != nil || body.Code == "" {
		return fmt.Errorf("client: server returned %d", resp.StatusCode)
	}
	return body.Error()
}
