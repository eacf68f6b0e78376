package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/calyx-cal/calyxcore/internal/model"
)

// EnqueueOffline appends a pending write, applying the FIFO dedup
// rules for the offline queue: a later create/update
// on the same (collectionID, uid) replaces the pending row instead of
// stacking a second one; a delete drops any earlier pending row for
// that uid and queues only the delete.
func (s *Store) EnqueueOffline(ctx context.Context, item model.OfflineQueueItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			DELETE FROM offline_queue_items WHERE collection_id = ? AND uid = ?
		`, item.CollectionID, item.UID); err != nil {
			return err
		}
		if item.Operation == model.PendingNone {
			return nil
		}
		_, err := tx.Exec(`
			INSERT INTO offline_queue_items (operation, uid, collection_id, account_id, href, etag, queued_at)
			VALUES (?,?,?,?,?,?,?)
		`, string(item.Operation), item.UID, item.CollectionID, item.AccountID, item.Href, item.ETag, item.QueuedAt.UTC().Format(time.RFC3339))
		return err
	})
}

// ListOffline returns every queued item in FIFO order.
func (s *Store) ListOffline(ctx context.Context) ([]model.OfflineQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, uid, collection_id, account_id, href, etag, queued_at
		FROM offline_queue_items ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OfflineQueueItem
	for rows.Next() {
		var item model.OfflineQueueItem
		var op, queuedAt string
		if err := rows.Scan(&item.ID, &op, &item.UID, &item.CollectionID, &item.AccountID, &item.Href, &item.ETag, &queuedAt); err != nil {
			return nil, err
		}
		item.Operation = model.PendingSync(op)
		if t, err := time.Parse(time.RFC3339, queuedAt); err == nil {
			item.QueuedAt = t
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// RemoveOffline deletes one drained queue item by id.
func (s *Store) RemoveOffline(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue_items WHERE id = ?`, id)
	return err
}
