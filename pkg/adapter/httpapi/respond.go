package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tarnfs/tarnfs/internal/codec"
	"github.com/tarnfs/tarnfs/internal/logger"
	"github.com/tarnfs/tarnfs/pkg/protocol"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// maxMessageSize bounds CBOR request bodies. Protocol messages are a
// name or a handful of ids; anything larger is hostile or broken.
const maxMessageSize = 1 << 20

// decodeRequest reads and decodes a CBOR request body into v.
func decodeRequest(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize+1))
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}
	if len(body) > maxMessageSize {
		return errors.New("request body exceeds message size limit")
	}
	if err := codec.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// writeCBOR encodes v as the response body with the given status.
func (a *API) writeCBOR(w http.ResponseWriter, status int, v any) {
	data, err := codec.Marshal(v)
	if err != nil {
		logger.Error("encoding response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", protocol.ContentTypeCBOR)
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Debug("writing response: %v", err)
	}
}

// writeError maps err onto the protocol error vocabulary and sends
// the CBOR error body. Unclassified errors answer CodeInternal with
// an opaque message; the details go to the log, not the wire.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	sw, _ := w.(*statusWriter)
	if sw != nil && sw.wrote {
		// Headers are gone; the best we can do is cut the stream so
		// the client's integrity check fails.
		logger.Error("%s %s failed mid-response: %v", r.Method, r.URL.Path, err)
		return
	}

	code := protocol.CodeFromError(err)
	msg := err.Error()
	if code == protocol.CodeInternal {
		logger.Error("%s %s: %v", r.Method, r.URL.Path, err)
		msg = "internal error"
		if errors.Is(err, metadata.ErrCorrupt) {
			logger.Error("metadata corruption detected serving %s", r.URL.Path)
		}
	}

	a.writeCBOR(w, code.HTTPStatus(), protocol.ErrorBody{Code: code, Message: msg})
}

// writeBadRequest answers a malformed request that never reached a
// store.
func (a *API) writeBadRequest(w http.ResponseWriter, msg string) {
	a.writeCBOR(w, protocol.CodeBadRequest.HTTPStatus(),
		protocol.ErrorBody{Code: protocol.CodeBadRequest, Message: msg})
}
