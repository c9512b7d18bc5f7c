package sqlite

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// maxTreeDepth bounds the ancestor walk in cycle detection. A parent
// chain longer than this without reaching the root means the stored
// tree is already broken.
const maxTreeDepth = 1 << 16

// CreateFile allocates an id and inserts the file node plus its entry
// as one transaction.
func (s *MetadataStore) CreateFile(ctx context.Context, parent metadata.NodeID, name string) (metadata.NodeID, hash.Hash, error) {
	if err := validateName(name); err != nil {
		return 0, hash.Hash{}, err
	}

	empty := hash.Empty()

	var id metadata.NodeID
	err := s.withTx(ctx, true, func(conn *sqlite.Conn) error {
		var err error
		id, err = allocateID(conn)
		if err != nil {
			return err
		}

		err = sqlitex.Execute(conn, `INSERT INTO files (id, size, hash) VALUES (?, 0, ?)`,
			&sqlitex.ExecOptions{Args: []any{int64(id), empty.Hex()}})
		if err != nil {
			return fmt.Errorf("inserting file node: %w", err)
		}

		return insertEntry(conn, parent, name, metadata.EntryRef{Kind: metadata.KindFile, ID: id})
	})
	if err != nil {
		return 0, hash.Hash{}, err
	}
	return id, empty, nil
}

// CreateDirectory allocates an id and inserts the directory node plus
// its entry as one transaction.
func (s *MetadataStore) CreateDirectory(ctx context.Context, parent metadata.NodeID, name string) (metadata.NodeID, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}

	var id metadata.NodeID
	err := s.withTx(ctx, true, func(conn *sqlite.Conn) error {
		var err error
		id, err = allocateID(conn)
		if err != nil {
			return err
		}

		err = sqlitex.Execute(conn, `INSERT INTO directories (id, parent) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{int64(id), int64(parent)}})
		if err != nil {
			// The parent FK fires here already when the parent is absent.
			if isConstraint(err, sqlite.ResultConstraintForeignKey) {
				return classifyMissingDirectory(conn, parent)
			}
			return fmt.Errorf("inserting directory node: %w", err)
		}

		return insertEntry(conn, parent, name, metadata.EntryRef{Kind: metadata.KindDirectory, ID: id})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// insertEntry inserts the directory entry for a freshly created node,
// translating constraint violations:
//
//   - foreign key: the parent directory does not exist (the node
//     columns reference a row inserted earlier in this transaction,
//     so they cannot be the cause)
//   - primary key (parent, name): the name is taken
//   - unique on a node column: a fresh id is already referenced,
//     so the tree is corrupt
func insertEntry(conn *sqlite.Conn, parent metadata.NodeID, name string, ref metadata.EntryRef) error {
	var dirID, fileID any
	switch ref.Kind {
	case metadata.KindDirectory:
		dirID = int64(ref.ID)
	case metadata.KindFile:
		fileID = int64(ref.ID)
	default:
		return fmt.Errorf("entry target has kind %d: %w", ref.Kind, metadata.ErrCorrupt)
	}

	err := sqlitex.Execute(conn,
		`INSERT INTO directory_entries (parent, name, directory, file) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{int64(parent), name, dirID, fileID}})
	if err == nil {
		return nil
	}

	switch {
	case isConstraint(err, sqlite.ResultConstraintForeignKey):
		return classifyMissingDirectory(conn, parent)
	case isConstraint(err, sqlite.ResultConstraintPrimaryKey):
		return fmt.Errorf("entry %q in %d: %w", name, parent, metadata.ErrAlreadyExists)
	case isConstraint(err, sqlite.ResultConstraintUnique):
		return fmt.Errorf("node %d already referenced by another entry: %w", ref.ID, metadata.ErrCorrupt)
	default:
		return fmt.Errorf("inserting directory entry: %w", err)
	}
}

// Remove deletes the entry (parent, name) and its node. Directory
// entry rows cascade from the node tables, so deleting the node row
// removes the entry in the same statement.
func (s *MetadataStore) Remove(ctx context.Context, parent metadata.NodeID, name string) error {
	return s.withTx(ctx, true, func(conn *sqlite.Conn) error {
		ref, err := getEntry(conn, parent, name)
		if err != nil {
			return err
		}

		switch ref.Kind {
		case metadata.KindDirectory:
			err := sqlitex.Execute(conn, `DELETE FROM directories WHERE id = ?`,
				&sqlitex.ExecOptions{Args: []any{int64(ref.ID)}})
			if err != nil {
				// Children still reference this directory as parent.
				if isConstraint(err, sqlite.ResultConstraintForeignKey) {
					return fmt.Errorf("directory %d: %w", ref.ID, metadata.ErrNotEmpty)
				}
				return fmt.Errorf("deleting directory node: %w", err)
			}
			if conn.Changes() == 0 {
				return fmt.Errorf("entry %q references missing directory %d: %w", name, ref.ID, metadata.ErrCorrupt)
			}
			return nil

		case metadata.KindFile:
			err := sqlitex.Execute(conn, `DELETE FROM files WHERE id = ?`,
				&sqlitex.ExecOptions{Args: []any{int64(ref.ID)}})
			if err != nil {
				return fmt.Errorf("deleting file node: %w", err)
			}
			if conn.Changes() == 0 {
				return fmt.Errorf("entry %q references missing file %d: %w", name, ref.ID, metadata.ErrCorrupt)
			}

			// Metadata commit is authoritative; the blob itself is
			// released by the collector after this transaction is
			// durable. Queued in the same transaction so a crash
			// cannot strand the blob.
			err = sqlitex.Execute(conn, `
				INSERT INTO pending_deletions (file_id, enqueued_at) VALUES (?, ?)
				ON CONFLICT (file_id) DO NOTHING`,
				&sqlitex.ExecOptions{Args: []any{int64(ref.ID), time.Now().Unix()}})
			if err != nil {
				return fmt.Errorf("enqueueing blob release: %w", err)
			}
			return nil

		default:
			return fmt.Errorf("entry %q has kind %d: %w", name, ref.Kind, metadata.ErrCorrupt)
		}
	})
}

// Rename atomically moves the entry (srcParent, srcName) to
// (dstParent, dstName).
func (s *MetadataStore) Rename(ctx context.Context, srcParent metadata.NodeID, srcName string, dstParent metadata.NodeID, dstName string) error {
	if err := validateName(dstName); err != nil {
		return err
	}

	return s.withTx(ctx, true, func(conn *sqlite.Conn) error {
		ref, err := getEntry(conn, srcParent, srcName)
		if err != nil {
			return err
		}

		ok, err := directoryExists(conn, dstParent)
		if err != nil {
			return err
		}
		if !ok {
			return classifyMissingDirectory(conn, dstParent)
		}

		if ref.Kind == metadata.KindDirectory {
			if err := checkNoCycle(conn, ref.ID, dstParent); err != nil {
				return err
			}
		}

		err = sqlitex.Execute(conn, `
			UPDATE directory_entries SET parent = ?, name = ?
			WHERE parent = ? AND name = ?`,
			&sqlitex.ExecOptions{Args: []any{int64(dstParent), dstName, int64(srcParent), srcName}})
		if err != nil {
			if isConstraint(err, sqlite.ResultConstraintPrimaryKey) {
				return fmt.Errorf("entry %q in %d: %w", dstName, dstParent, metadata.ErrAlreadyExists)
			}
			return fmt.Errorf("moving directory entry: %w", err)
		}
		if conn.Changes() == 0 {
			// The entry was read moments ago in this same transaction.
			return fmt.Errorf("entry %q vanished mid-transaction: %w", srcName, metadata.ErrCorrupt)
		}

		// A moved directory records its new parent; files track no parent.
		if ref.Kind == metadata.KindDirectory {
			err = sqlitex.Execute(conn, `UPDATE directories SET parent = ? WHERE id = ?`,
				&sqlitex.ExecOptions{Args: []any{int64(dstParent), int64(ref.ID)}})
			if err != nil {
				return fmt.Errorf("reparenting directory: %w", err)
			}
		}

		return nil
	})
}

// checkNoCycle refuses to move directory moved under dstParent when
// dstParent is moved itself or one of its descendants. The walk
// follows parent links from dstParent toward the root; encountering
// the moved directory on the way proves dstParent lives inside it.
func checkNoCycle(conn *sqlite.Conn, moved, dstParent metadata.NodeID) error {
	current := dstParent
	for depth := 0; depth < maxTreeDepth; depth++ {
		if current == moved {
			return fmt.Errorf("directory %d is an ancestor of %d: %w", moved, dstParent, metadata.ErrWouldCreateCycle)
		}
		if current == metadata.RootID {
			return nil
		}

		var (
			parent int64
			found  bool
		)
		err := sqlitex.Execute(conn, `SELECT parent FROM directories WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{int64(current)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parent = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("directory %d has no parent chain to root: %w", dstParent, metadata.ErrCorrupt)
		}
		current = metadata.NodeID(parent)
	}
	return fmt.Errorf("parent chain from %d exceeds depth %d: %w", dstParent, maxTreeDepth, metadata.ErrCorrupt)
}

// UpdateContent is the commit point of a content write: a
// compare-and-swap on the previous digest that records the new digest
// and authoritative size.
func (s *MetadataStore) UpdateContent(ctx context.Context, id metadata.NodeID, prevHash, newHash hash.Hash, size uint64) error {
	return s.withTx(ctx, true, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			UPDATE files SET hash = ?, size = ?
			WHERE id = ? AND hash = ?`,
			&sqlitex.ExecOptions{Args: []any{newHash.Hex(), int64(size), int64(id), prevHash.Hex()}})
		if err != nil {
			return fmt.Errorf("recording content commit: %w", err)
		}
		if conn.Changes() > 0 {
			return nil
		}

		// No row matched: either the digest is stale or the id is not
		// a file at all.
		isFile, err := fileExists(conn, id)
		if err != nil {
			return err
		}
		if isFile {
			return fmt.Errorf("file %d: %w", id, metadata.ErrModified)
		}
		isDir, err := directoryExists(conn, id)
		if err != nil {
			return err
		}
		if isDir {
			return fmt.Errorf("node %d: %w", id, metadata.ErrNotAFile)
		}
		return fmt.Errorf("node %d: %w", id, metadata.ErrNotFound)
	})
}
