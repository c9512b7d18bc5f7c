package sqlite

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// TakePendingDeletions returns up to limit file ids whose blobs are
// awaiting release, oldest first. Ids stay queued until
// ResolvePendingDeletion confirms the release, so the collector may
// see the same id again after a failed attempt.
func (s *MetadataStore) TakePendingDeletions(ctx context.Context, limit int) ([]metadata.NodeID, error) {
	if limit <= 0 {
		return nil, nil
	}

	var ids []metadata.NodeID
	err := s.withTx(ctx, false, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT file_id FROM pending_deletions
			ORDER BY enqueued_at, file_id
			LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ids = append(ids, metadata.NodeID(stmt.ColumnInt64(0)))
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ResolvePendingDeletion drops id from the deletion queue after its
// blob has been released. Resolving an id that is not queued is a
// no-op: the collector may race a previous resolution.
func (s *MetadataStore) ResolvePendingDeletion(ctx context.Context, id metadata.NodeID) error {
	return s.withTx(ctx, true, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM pending_deletions WHERE file_id = ?`,
			&sqlitex.ExecOptions{Args: []any{int64(id)}})
		if err != nil {
			return fmt.Errorf("resolving pending deletion: %w", err)
		}
		return nil
	})
}
