package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/supercaly/syncd/internal/models"
)

// SaveConversation inserts or replaces a conversation and its attendee set.
func (s *Store) SaveConversation(ctx context.Context, c models.Conversation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, event_id, title, creator_id, sync_needed, miss_count)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			 event_id = excluded.event_id, title = excluded.title,
			 creator_id = excluded.creator_id, sync_needed = excluded.sync_needed`,
			c.ID, c.EventID, c.Title, c.CreatorID, c.SyncNeeded, c.MissCount,
		)
		if err != nil {
			return fmt.Errorf("failed to save conversation: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conversation_attendees WHERE conversation_id = ?`, c.ID); err != nil {
			return fmt.Errorf("failed to reset conversation attendees: %w", err)
		}
		for _, id := range c.AttendeeIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO conversation_attendees (conversation_id, attendee_id) VALUES (?, ?)`,
				c.ID, id); err != nil {
				return fmt.Errorf("failed to save conversation attendee: %w", err)
			}
		}
		return nil
	})
}

// Conversation loads a conversation with its attendee ids.
func (s *Store) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, event_id, title, creator_id, sync_needed, miss_count
		 FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.EventID, &c.Title, &c.CreatorID, &c.SyncNeeded, &c.MissCount)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("failed to load conversation: %w", err)
	}

	c.AttendeeIDs, err = s.ConversationAttendeeIDs(ctx, id)
	return c, err
}

// ConversationAttendeeIDs returns the ids of every attendee of a conversation.
func (s *Store) ConversationAttendeeIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attendee_id FROM conversation_attendees WHERE conversation_id = ? ORDER BY attendee_id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation attendees: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Conversations returns all conversations ordered by their most recent
// message, newest first. Conversations without messages sort last.
func (s *Store) Conversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.event_id, c.title, c.creator_id, c.sync_needed, c.miss_count
		 FROM conversations c
		 LEFT JOIN (
			SELECT conversation_id, MAX(timestamp) AS last_ts
			FROM messages GROUP BY conversation_id
		 ) m ON m.conversation_id = c.id
		 ORDER BY m.last_ts DESC NULLS LAST, c.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.EventID, &c.Title, &c.CreatorID, &c.SyncNeeded, &c.MissCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddConversationAttendees adds attendee ids to a conversation membership.
func (s *Store) AddConversationAttendees(ctx context.Context, conversationID string, attendeeIDs []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range attendeeIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO conversation_attendees (conversation_id, attendee_id) VALUES (?, ?)`,
				conversationID, id); err != nil {
				return fmt.Errorf("failed to add conversation attendee: %w", err)
			}
		}
		return nil
	})
}

// DropConversationAttendees removes the given attendee ids from a conversation.
func (s *Store) DropConversationAttendees(ctx context.Context, conversationID string, attendeeIDs []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range attendeeIDs {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM conversation_attendees WHERE conversation_id = ? AND attendee_id = ?`,
				conversationID, id); err != nil {
				return fmt.Errorf("failed to drop conversation attendee: %w", err)
			}
		}
		return nil
	})
}

// ClearConversationAttendees empties a conversation's membership. Used when
// the local account itself is dropped from the conversation.
func (s *Store) ClearConversationAttendees(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_attendees WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to clear conversation attendees: %w", err)
	}
	return nil
}

// SetConversationTitle updates a conversation title.
func (s *Store) SetConversationTitle(ctx context.Context, conversationID, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ?`, title, conversationID)
	if err != nil {
		return fmt.Errorf("failed to update conversation title: %w", err)
	}
	return nil
}

// IncrementMissCount bumps the unseen-message counter of a conversation.
func (s *Store) IncrementMissCount(ctx context.Context, conversationID string) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET miss_count = miss_count + 1 WHERE id = ?`, conversationID); err != nil {
		return 0, fmt.Errorf("failed to increment miss count: %w", err)
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT miss_count FROM conversations WHERE id = ?`, conversationID).Scan(&n)
	return n, err
}

// ResetMissCount clears the unseen-message counter, typically when the
// conversation becomes active.
func (s *Store) ResetMissCount(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET miss_count = 0 WHERE id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to reset miss count: %w", err)
	}
	return nil
}

// RemoveConversation deletes a conversation, its membership and messages.
func (s *Store) RemoveConversation(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM conversation_attendees WHERE conversation_id = ?`,
			`DELETE FROM messages WHERE conversation_id = ?`,
			`DELETE FROM conversations WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("failed to remove conversation: %w", err)
			}
		}
		return nil
	})
}
