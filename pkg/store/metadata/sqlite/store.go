// Package sqlite implements the Metadata Tree Store on SQLite.
//
// The durable schema (see schema.go) carries the tree invariants as
// database constraints: entry names unique per parent, each node
// referenced by at most one entry, the directory/file reference pair
// mutually exclusive, and parent references that restrict deleting a
// populated directory. Operations run as IMMEDIATE transactions on
// pooled connections, so concurrent mutations serialize through
// SQLite's single-writer discipline; transient SQLITE_BUSY failures
// are retried a bounded number of times before surfacing as
// metadata.ErrConflict.
//
// Constraint violations are translated into the metadata error
// taxonomy at this boundary rather than leaking SQLite result codes
// to callers.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tarnfs/tarnfs/internal/sqlitepool"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// busyRetries is how many times a transaction is re-run after
// SQLITE_BUSY before the operation fails with ErrConflict. Each retry
// already sat through the connection's busy_timeout, so the total
// wait is substantial.
const busyRetries = 3

// Config holds the parameters for opening a metadata store.
type Config struct {
	// Path is the SQLite database file. Created if absent. Use
	// ":memory:" with PoolSize 1 for tests.
	Path string

	// PoolSize bounds the number of concurrent database connections.
	// Zero means the sqlitepool default.
	PoolSize int
}

// MetadataStore implements metadata.Store on a pooled SQLite database.
//
// Thread safety: all state lives in the database; the struct itself
// is immutable after New, so the store is safe for concurrent use.
type MetadataStore struct {
	pool *sqlitepool.Pool
	path string
}

var _ metadata.Store = (*MetadataStore)(nil)

// NewMetadataStore opens (and if necessary creates) the database at
// cfg.Path, applies the schema, and seeds the root directory and the
// node counter.
func NewMetadataStore(cfg Config) (*MetadataStore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      cfg.Path,
		PoolSize:  cfg.PoolSize,
		OnConnect: ensureSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("metadata store: %w", err)
	}

	return &MetadataStore{pool: pool, path: cfg.Path}, nil
}

// Close closes the underlying connection pool.
func (s *MetadataStore) Close() error {
	return s.pool.Close()
}

// ============================================================================
// Transaction plumbing
// ============================================================================

// withTx runs fn inside one transaction on a pooled connection.
//
// The connection is interrupted when ctx is done, and is returned to
// the pool on every exit path. Write transactions begin IMMEDIATE so
// the write lock is taken up front and conflicts surface as
// SQLITE_BUSY at BEGIN rather than as a mid-transaction upgrade
// deadlock. Busy transactions are retried whole: fn must therefore be
// safe to re-run, which holds for every operation in this package
// (each is a pure function of database state).
func (s *MetadataStore) withTx(ctx context.Context, write bool, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", metadata.ErrUnavailable, err)
	}
	defer s.pool.Put(conn)

	prev := conn.SetInterrupt(ctx.Done())
	defer conn.SetInterrupt(prev)

	begin := "BEGIN DEFERRED;"
	if write {
		begin = "BEGIN IMMEDIATE;"
	}

	var lastErr error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
			}
		}

		lastErr = runTx(conn, begin, fn)
		if !isBusy(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w: %v", metadata.ErrConflict, lastErr)
}

func runTx(conn *sqlite.Conn, begin string, fn func(conn *sqlite.Conn) error) error {
	if err := sqlitex.ExecuteTransient(conn, begin, nil); err != nil {
		return err
	}

	if err := fn(conn); err != nil {
		// Rollback failures are unreported: the original error is the
		// interesting one, and an interrupted connection rolls back on
		// reset anyway.
		_ = sqlitex.ExecuteTransient(conn, "ROLLBACK;", nil)
		return err
	}

	if err := sqlitex.ExecuteTransient(conn, "COMMIT;", nil); err != nil {
		_ = sqlitex.ExecuteTransient(conn, "ROLLBACK;", nil)
		return err
	}

	return nil
}

// ============================================================================
// Error translation
// ============================================================================

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return true
	}
	return false
}

func isConstraint(err error, code sqlite.ResultCode) bool {
	return err != nil && sqlite.ErrCode(err) == code
}

// validateName rejects names the schema cannot faithfully record.
// Comparison semantics are exact byte equality, so everything else
// (including weird Unicode) is stored untouched.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name: %w", metadata.ErrInvalidName)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return fmt.Errorf("name contains NUL: %w", metadata.ErrInvalidName)
		}
	}
	return nil
}

// ============================================================================
// Row helpers
// ============================================================================

// directoryExists reports whether id is a directory.
func directoryExists(conn *sqlite.Conn, id metadata.NodeID) (bool, error) {
	found := false
	err := sqlitex.Execute(conn, `SELECT 1 FROM directories WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{int64(id)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

// fileExists reports whether id is a file.
func fileExists(conn *sqlite.Conn, id metadata.NodeID) (bool, error) {
	found := false
	err := sqlitex.Execute(conn, `SELECT 1 FROM files WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{int64(id)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

// classifyMissingDirectory produces the error for an operation that
// required id to be a directory and found no directory row:
// ErrNotADirectory when the id addresses a file, ErrNotFound when it
// addresses nothing.
func classifyMissingDirectory(conn *sqlite.Conn, id metadata.NodeID) error {
	isFile, err := fileExists(conn, id)
	if err != nil {
		return err
	}
	if isFile {
		return fmt.Errorf("node %d: %w", id, metadata.ErrNotADirectory)
	}
	return fmt.Errorf("node %d: %w", id, metadata.ErrNotFound)
}

// entryRef builds the tagged target from the entry's nullable
// directory/file columns. The schema CHECK makes both-set and
// neither-set impossible; seeing one anyway is corruption and is
// reported, not repaired.
func entryRef(stmt *sqlite.Stmt, dirCol, fileCol int) (metadata.EntryRef, error) {
	dirNull := stmt.ColumnType(dirCol) == sqlite.TypeNull
	fileNull := stmt.ColumnType(fileCol) == sqlite.TypeNull

	switch {
	case !dirNull && fileNull:
		return metadata.EntryRef{Kind: metadata.KindDirectory, ID: metadata.NodeID(stmt.ColumnInt64(dirCol))}, nil
	case dirNull && !fileNull:
		return metadata.EntryRef{Kind: metadata.KindFile, ID: metadata.NodeID(stmt.ColumnInt64(fileCol))}, nil
	default:
		return metadata.EntryRef{}, fmt.Errorf("entry references %s: %w",
			map[bool]string{true: "no node", false: "both node kinds"}[dirNull], metadata.ErrCorrupt)
	}
}

// getEntry fetches the entry (parent, name), or ErrNotFound /
// ErrNotADirectory following classifyMissingDirectory semantics.
func getEntry(conn *sqlite.Conn, parent metadata.NodeID, name string) (metadata.EntryRef, error) {
	var (
		ref   metadata.EntryRef
		found bool
		inner error
	)
	err := sqlitex.Execute(conn,
		`SELECT directory, file FROM directory_entries WHERE parent = ? AND name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(parent), name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				ref, inner = entryRef(stmt, 0, 1)
				return inner
			},
		})
	if err != nil {
		return metadata.EntryRef{}, err
	}
	if !found {
		return metadata.EntryRef{}, classifyMissingDirectory(conn, parent)
	}
	return ref, nil
}
