package protocol

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tarnfs/tarnfs/pkg/store/content"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// Code is a stable machine-readable error identifier. Codes, not HTTP
// statuses, are the protocol's error contract: statuses are derived
// for transport, codes survive the round trip and map back to the
// store sentinels on the client.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeAlreadyExists      Code = "already_exists"
	CodeNotADirectory      Code = "not_a_directory"
	CodeNotAFile           Code = "not_a_file"
	CodeNotEmpty           Code = "not_empty"
	CodeWouldCreateCycle   Code = "would_create_cycle"
	CodeModified           Code = "modified"
	CodeInvalidName        Code = "invalid_name"
	CodeConflict           Code = "conflict"
	CodeUnavailable        Code = "unavailable"
	CodeIntegrityMismatch  Code = "integrity_mismatch"
	CodeBadRequest         Code = "bad_request"
	CodeInternal           Code = "internal"
)

// ErrIntegrityMismatch is the server-side sentinel for a content
// stream whose bytes do not match the digest announced for them.
var ErrIntegrityMismatch = errors.New("content integrity mismatch")

// codeTable drives both directions of the error mapping. Order
// matters: the first sentinel that matches wins, and more specific
// sentinels precede broader ones.
var codeTable = []struct {
	sentinel error
	code     Code
	status   int
}{
	{metadata.ErrNotFound, CodeNotFound, http.StatusNotFound},
	{content.ErrNotFound, CodeNotFound, http.StatusNotFound},
	{metadata.ErrAlreadyExists, CodeAlreadyExists, http.StatusConflict},
	{metadata.ErrNotADirectory, CodeNotADirectory, http.StatusBadRequest},
	{metadata.ErrNotAFile, CodeNotAFile, http.StatusBadRequest},
	{metadata.ErrNotEmpty, CodeNotEmpty, http.StatusConflict},
	{metadata.ErrWouldCreateCycle, CodeWouldCreateCycle, http.StatusBadRequest},
	{metadata.ErrModified, CodeModified, http.StatusPreconditionFailed},
	{metadata.ErrInvalidName, CodeInvalidName, http.StatusBadRequest},
	{metadata.ErrConflict, CodeConflict, http.StatusServiceUnavailable},
	{metadata.ErrUnavailable, CodeUnavailable, http.StatusServiceUnavailable},
	{content.ErrUnavailable, CodeUnavailable, http.StatusServiceUnavailable},
	{ErrIntegrityMismatch, CodeIntegrityMismatch, http.StatusUnprocessableEntity},
}

// CodeFromError classifies a server-side error. Unrecognized errors
// (including metadata.ErrCorrupt) come back as CodeInternal so
// internals never leak to the wire.
func CodeFromError(err error) Code {
	for _, row := range codeTable {
		if errors.Is(err, row.sentinel) {
			return row.code
		}
	}
	return CodeInternal
}

// HTTPStatus returns the transport status for a code.
func (c Code) HTTPStatus() int {
	for _, row := range codeTable {
		if row.code == c {
			return row.status
		}
	}
	switch c {
	case CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// SentinelFromCode maps a received code back to the shared sentinel,
// so client callers run the same errors.Is checks as server-side
// callers of the stores. Unknown codes map to nil.
func SentinelFromCode(c Code) error {
	for _, row := range codeTable {
		if row.code == c {
			return row.sentinel
		}
	}
	return nil
}

// Error converts a received ErrorBody into a Go error wrapping the
// matching sentinel.
func (b ErrorBody) Error() error {
	if sentinel := SentinelFromCode(b.Code); sentinel != nil {
		return fmt.Errorf("%s: %w", b.Message, sentinel)
	}
	return fmt.Errorf("server error %s: %s", b.Code, b.Message)
}
