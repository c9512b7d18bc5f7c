package sqlite

import (
	"fmt"
	"math"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// allocateID issues the next node identifier.
//
// The counter row is read-increment-written by a single UPDATE inside
// the caller's transaction, so allocation commits or rolls back
// together with the node that consumes the id: a failed create leaves
// a gap, never a duplicate. Concurrent allocators serialize on the
// transaction's write lock.
//
// When the counter reaches the top of the id space it wraps to just
// above the root and the loop skips ids still in use. A full id space
// would spin here forever; with 63 usable bits that is not a
// practical concern.
func allocateID(conn *sqlite.Conn) (metadata.NodeID, error) {
	for {
		var (
			id    int64
			found bool
		)
		err := sqlitex.Execute(conn, `
			UPDATE node_counter
			SET current_id = CASE
				WHEN current_id >= ? THEN ?
				ELSE current_id + 1
			END
			WHERE id = 0
			RETURNING current_id`,
			&sqlitex.ExecOptions{
				Args: []any{int64(math.MaxInt64), int64(metadata.RootID) + 1},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id = stmt.ColumnInt64(0)
					found = true
					return nil
				},
			})
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, fmt.Errorf("node counter row missing: %w", metadata.ErrCorrupt)
		}

		// Only relevant after wrap-around: an id handed out in a past
		// epoch may still name a live node.
		inUseFile, err := fileExists(conn, metadata.NodeID(id))
		if err != nil {
			return 0, err
		}
		inUseDir, err := directoryExists(conn, metadata.NodeID(id))
		if err != nil {
			return 0, err
		}
		if !inUseFile && !inUseDir {
			return metadata.NodeID(id), nil
		}
	}
}
