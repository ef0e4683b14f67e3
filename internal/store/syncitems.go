package store

import (
	"context"
	"fmt"

	"github.com/supercaly/syncd/internal/models"
)

// AddSyncItem persists a pending operation at the queue tail and returns the
// item with its assigned sequence number.
func (s *Store) AddSyncItem(ctx context.Context, item models.SyncItem) (models.SyncItem, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_items (item_id, item_type, channel) VALUES (?, ?, ?)`,
		item.ItemID, string(item.ItemType), string(item.Channel),
	)
	if err != nil {
		return item, fmt.Errorf("failed to persist sync item: %w", err)
	}
	item.Seq, err = res.LastInsertId()
	if err != nil {
		return item, fmt.Errorf("failed to read sync item seq: %w", err)
	}
	return item, nil
}

// RemoveSyncItem deletes the queued operation matching (itemID, itemType).
func (s *Store) RemoveSyncItem(ctx context.Context, itemID string, itemType models.ItemType) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_items WHERE item_id = ? AND item_type = ?`,
		itemID, string(itemType),
	)
	if err != nil {
		return fmt.Errorf("failed to remove sync item: %w", err)
	}
	return nil
}

// SyncItems returns every pending operation in FIFO order.
func (s *Store) SyncItems(ctx context.Context) ([]models.SyncItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, item_id, item_type, channel FROM sync_items ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync queue: %w", err)
	}
	defer rows.Close()

	var items []models.SyncItem
	for rows.Next() {
		var item models.SyncItem
		var itemType, channel string
		if err := rows.Scan(&item.Seq, &item.ItemID, &itemType, &channel); err != nil {
			return nil, fmt.Errorf("failed to scan sync item: %w", err)
		}
		item.ItemType = models.ItemType(itemType)
		item.Channel = models.Channel(channel)
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountSyncItems returns the persisted queue depth.
func (s *Store) CountSyncItems(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync items: %w", err)
	}
	return n, nil
}
