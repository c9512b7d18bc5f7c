package sqlite

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Durable schema.
//
// The tree invariants live here as constraints, so a buggy transaction
// cannot commit a broken tree:
//
//   - directory_entries has (parent, name) as primary key: names are
//     unique within a parent.
//   - directory and file are each UNIQUE across the whole table and
//     mutually exclusive via CHECK: every node has at most one entry
//     and an entry targets exactly one node; the namespace is a tree,
//     not a DAG.
//   - entry columns cascade from the node tables: deleting a node row
//     deletes its entry in the same statement, and an id change (never
//     expected; ids are immutable post-creation) would propagate.
//   - directory_entries.parent references directories(id) WITHOUT
//     cascade: deleting a directory that still has children fails with
//     a foreign-key violation, which Remove reports as ErrNotEmpty.
//   - the root directory (id 1, parent 1) and the counter row are
//     seeded idempotently.
//
// pending_deletions is the durable queue feeding pkg/gc: file removal
// enqueues the node id in the removing transaction, and the id stays
// queued until the blob release actually succeeds.
const schema = `
CREATE TABLE IF NOT EXISTS node_counter (
	id         INTEGER PRIMARY KEY CHECK (id = 0),
	current_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS directories (
	id     INTEGER PRIMARY KEY,
	parent INTEGER NOT NULL REFERENCES directories(id) ON UPDATE CASCADE
);

CREATE TABLE IF NOT EXISTS files (
	id   INTEGER PRIMARY KEY,
	size INTEGER NOT NULL DEFAULT 0,
	hash TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS directory_entries (
	parent    INTEGER NOT NULL REFERENCES directories(id),
	name      TEXT    NOT NULL,
	directory INTEGER UNIQUE REFERENCES directories(id) ON DELETE CASCADE ON UPDATE CASCADE,
	file      INTEGER UNIQUE REFERENCES files(id)       ON DELETE CASCADE ON UPDATE CASCADE,
	PRIMARY KEY (parent, name),
	CHECK ((directory IS NULL) <> (file IS NULL))
);

CREATE TABLE IF NOT EXISTS pending_deletions (
	file_id     INTEGER PRIMARY KEY,
	enqueued_at INTEGER NOT NULL
);

INSERT INTO node_counter (id, current_id) VALUES (0, 1)
	ON CONFLICT (id) DO NOTHING;

INSERT INTO directories (id, parent) VALUES (1, 1)
	ON CONFLICT (id) DO NOTHING;
`

// ensureSchema applies the schema on a fresh pooled connection. All
// statements are idempotent, so concurrent pool connections racing
// through here is harmless.
func ensureSchema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("applying metadata schema: %w", err)
	}
	return nil
}
