package store

import (
	"context"
	"database/sql"
	"fmt"
)

// remapStatements lists every column that can hold an entity id. Temporary
// ids live in a value space disjoint from server ids, so rewriting all
// columns in one pass is safe for any entity kind.
var remapStatements = []string{
	`UPDATE conversations SET id = ? WHERE id = ?`,
	`UPDATE conversations SET event_id = ? WHERE event_id = ?`,
	`UPDATE conversations SET creator_id = ? WHERE creator_id = ?`,
	`UPDATE conversation_attendees SET conversation_id = ? WHERE conversation_id = ?`,
	`UPDATE conversation_attendees SET attendee_id = ? WHERE attendee_id = ?`,
	`UPDATE events SET id = ? WHERE id = ?`,
	`UPDATE events SET creator_id = ? WHERE creator_id = ?`,
	`UPDATE event_attendees SET event_id = ? WHERE event_id = ?`,
	`UPDATE event_attendees SET attendee_id = ? WHERE attendee_id = ?`,
	`UPDATE attendees SET id = ? WHERE id = ?`,
	`UPDATE messages SET id = ? WHERE id = ?`,
	`UPDATE messages SET conversation_id = ? WHERE conversation_id = ?`,
	`UPDATE messages SET sender_id = ? WHERE sender_id = ?`,
	`UPDATE sync_items SET item_id = ? WHERE item_id = ?`,
}

// RemapID replaces every stored reference to oldID with newID in a single
// transaction: primary keys, foreign keys and queued sync items. Running it
// again with the same arguments matches nothing and is a no-op.
func (s *Store) RemapID(ctx context.Context, oldID, newID string) error {
	if oldID == newID || oldID == "" {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range remapStatements {
			if _, err := tx.ExecContext(ctx, stmt, newID, oldID); err != nil {
				return fmt.Errorf("id remap %s -> %s failed: %w", oldID, newID, err)
			}
		}
		return nil
	})
}

// TemporaryIDs returns every temporary id still stored, in any entity
// table. Allocating a fresh temporary id excludes these so two unsynced
// entities never share one.
func (s *Store) TemporaryIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE id LIKE '-%'
		 UNION SELECT id FROM events WHERE id LIKE '-%'
		 UNION SELECT id FROM attendees WHERE id LIKE '-%'
		 UNION SELECT id FROM messages WHERE id LIKE '-%'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list temporary ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// ReferenceCount returns how many stored rows still reference id in any
// id-bearing column. Zero after a remap means the rewrite was complete.
func (s *Store) ReferenceCount(ctx context.Context, id string) (int, error) {
	queries := []string{
		`SELECT COUNT(*) FROM conversations WHERE id = ? OR event_id = ? OR creator_id = ?`,
		`SELECT COUNT(*) FROM conversation_attendees WHERE conversation_id = ? OR attendee_id = ? OR attendee_id = ?`,
		`SELECT COUNT(*) FROM events WHERE id = ? OR creator_id = ? OR creator_id = ?`,
		`SELECT COUNT(*) FROM event_attendees WHERE event_id = ? OR attendee_id = ? OR attendee_id = ?`,
		`SELECT COUNT(*) FROM attendees WHERE id = ? OR id = ? OR id = ?`,
		`SELECT COUNT(*) FROM messages WHERE id = ? OR conversation_id = ? OR sender_id = ?`,
		`SELECT COUNT(*) FROM sync_items WHERE item_id = ? OR item_id = ? OR item_id = ?`,
	}
	total := 0
	for _, q := range queries {
		var n int
		if err := s.db.QueryRowContext(ctx, q, id, id, id).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count references: %w", err)
		}
		total += n
	}
	return total, nil
}
