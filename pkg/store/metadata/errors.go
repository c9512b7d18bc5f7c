package metadata

import "errors"

// Store error taxonomy.
//
// Implementations translate their backend's failures (constraint
// violations, busy timeouts, pool exhaustion) into these sentinels at
// the store boundary; callers match with errors.Is and map them to
// wire error codes. Wrapping with additional context is encouraged:
//
//	return fmt.Errorf("create %q under %d: %w", name, parent, metadata.ErrAlreadyExists)
var (
	// ErrNotFound indicates the addressed node or entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the (parent, name) pair is taken.
	// Creates and renames never overwrite silently.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotADirectory indicates a directory operation addressed a file.
	ErrNotADirectory = errors.New("not a directory")

	// ErrNotAFile indicates a file operation addressed a directory.
	ErrNotAFile = errors.New("not a file")

	// ErrNotEmpty indicates a directory removal was attempted while
	// the directory still has entries.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrWouldCreateCycle indicates a rename would move a directory
	// underneath one of its own descendants (or itself), which would
	// detach a subtree from the root.
	ErrWouldCreateCycle = errors.New("move would create a cycle")

	// ErrModified indicates a content commit lost a race: the file's
	// current digest no longer matches the digest the writer started
	// from. The caller must re-read and retry with fresh state.
	ErrModified = errors.New("file was modified concurrently")

	// ErrInvalidName indicates an entry name the store refuses to
	// record (empty, or containing a NUL byte).
	ErrInvalidName = errors.New("invalid entry name")

	// ErrConflict indicates a transient serialization conflict that
	// survived the store's bounded internal retries. Retryable.
	ErrConflict = errors.New("transaction conflict")

	// ErrUnavailable indicates the store could not service the request
	// at all (pool exhausted, backend closed). Retryable by the caller.
	ErrUnavailable = errors.New("store unavailable")

	// ErrCorrupt indicates the store observed a broken invariant (an
	// entry referencing both node kinds, a parent chain that never
	// reaches the root). Fatal: the store never repairs silently.
	ErrCorrupt = errors.New("store corrupt")
)
