package content

import "errors"

var (
	// ErrNotFound indicates that no blob exists for the requested id.
	ErrNotFound = errors.New("content not found")

	// ErrSinkClosed indicates a Write, Commit, or Abort on a sink
	// that has already been committed or aborted.
	ErrSinkClosed = errors.New("write sink already closed")

	// ErrUnavailable indicates the backend cannot be reached.
	ErrUnavailable = errors.New("content store unavailable")
)
