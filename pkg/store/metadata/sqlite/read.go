package sqlite

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// Lookup resolves name within the parent directory.
func (s *MetadataStore) Lookup(ctx context.Context, parent metadata.NodeID, name string) (metadata.EntryRef, error) {
	var ref metadata.EntryRef
	err := s.withTx(ctx, false, func(conn *sqlite.Conn) error {
		var err error
		ref, err = getEntry(conn, parent, name)
		return err
	})
	return ref, err
}

// List returns the parent directory's entries in byte order by name.
func (s *MetadataStore) List(ctx context.Context, parent metadata.NodeID) ([]metadata.Entry, error) {
	var entries []metadata.Entry
	err := s.withTx(ctx, false, func(conn *sqlite.Conn) error {
		ok, err := directoryExists(conn, parent)
		if err != nil {
			return err
		}
		if !ok {
			return classifyMissingDirectory(conn, parent)
		}

		entries, err = listEntries(conn, parent)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// listEntries loads a directory's entries ordered by name. SQLite's
// default BLOB/TEXT comparison is bytewise, which is exactly the
// name ordering the store promises.
func listEntries(conn *sqlite.Conn, parent metadata.NodeID) ([]metadata.Entry, error) {
	var (
		entries []metadata.Entry
		inner   error
	)
	err := sqlitex.Execute(conn, `
		SELECT name, directory, file FROM directory_entries
		WHERE parent = ? ORDER BY name`,
		&sqlitex.ExecOptions{
			Args: []any{int64(parent)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ref, err := entryRef(stmt, 1, 2)
				if err != nil {
					inner = err
					return err
				}
				entries = append(entries, metadata.Entry{
					Name:   stmt.ColumnText(0),
					Target: ref,
				})
				return nil
			},
		})
	if inner != nil {
		return nil, inner
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// NodeInfo describes a node of either kind.
func (s *MetadataStore) NodeInfo(ctx context.Context, id metadata.NodeID) (metadata.NodeInfo, error) {
	var info metadata.NodeInfo
	err := s.withTx(ctx, false, func(conn *sqlite.Conn) error {
		file, ok, err := getFileRow(conn, id)
		if err != nil {
			return err
		}
		if ok {
			info = metadata.NodeInfo{Kind: metadata.KindFile, File: &file}
			return nil
		}

		dir, ok, err := getDirectoryRow(conn, id)
		if err != nil {
			return err
		}
		if ok {
			info = metadata.NodeInfo{Kind: metadata.KindDirectory, Directory: &dir}
			return nil
		}

		return fmt.Errorf("node %d: %w", id, metadata.ErrNotFound)
	})
	return info, err
}

// DirectoryInfo describes a directory and its entries.
func (s *MetadataStore) DirectoryInfo(ctx context.Context, id metadata.NodeID) (metadata.DirectoryInfo, error) {
	var info metadata.DirectoryInfo
	err := s.withTx(ctx, false, func(conn *sqlite.Conn) error {
		dir, ok, err := getDirectoryRow(conn, id)
		if err != nil {
			return err
		}
		if !ok {
			return classifyMissingDirectory(conn, id)
		}
		info = dir
		return nil
	})
	return info, err
}

// FileInfo describes a file.
func (s *MetadataStore) FileInfo(ctx context.Context, id metadata.NodeID) (metadata.FileInfo, error) {
	var info metadata.FileInfo
	err := s.withTx(ctx, false, func(conn *sqlite.Conn) error {
		file, ok, err := getFileRow(conn, id)
		if err != nil {
			return err
		}
		if !ok {
			isDir, err := directoryExists(conn, id)
			if err != nil {
				return err
			}
			if isDir {
				return fmt.Errorf("node %d: %w", id, metadata.ErrNotAFile)
			}
			return fmt.Errorf("node %d: %w", id, metadata.ErrNotFound)
		}
		info = file
		return nil
	})
	return info, err
}

// getFileRow loads a file's size and digest.
func getFileRow(conn *sqlite.Conn, id metadata.NodeID) (metadata.FileInfo, bool, error) {
	var (
		info  metadata.FileInfo
		found bool
		inner error
	)
	err := sqlitex.Execute(conn, `SELECT size, hash FROM files WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{int64(id)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			info.Size = uint64(stmt.ColumnInt64(0))
			info.Hash, inner = hash.ParseHex(stmt.ColumnText(1))
			if inner != nil {
				inner = fmt.Errorf("file %d digest unreadable: %w", id, metadata.ErrCorrupt)
			}
			return inner
		},
	})
	if inner != nil {
		return metadata.FileInfo{}, false, inner
	}
	if err != nil {
		return metadata.FileInfo{}, false, err
	}
	return info, found, nil
}

// getDirectoryRow loads a directory's parent and entries.
func getDirectoryRow(conn *sqlite.Conn, id metadata.NodeID) (metadata.DirectoryInfo, bool, error) {
	var (
		parent int64
		found  bool
	)
	err := sqlitex.Execute(conn, `SELECT parent FROM directories WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{int64(id)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			parent = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil || !found {
		return metadata.DirectoryInfo{}, false, err
	}

	entries, err := listEntries(conn, id)
	if err != nil {
		return metadata.DirectoryInfo{}, false, err
	}

	return metadata.DirectoryInfo{
		Parent:  metadata.NodeID(parent),
		Entries: entries,
	}, true, nil
}
