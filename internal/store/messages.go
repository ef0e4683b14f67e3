package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/supercaly/syncd/internal/models"
)

// SaveMessage inserts or replaces a chat message.
func (s *Store) SaveMessage(ctx context.Context, m models.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, body, timestamp, acked, attachments)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 body = excluded.body, timestamp = excluded.timestamp,
		 acked = excluded.acked, attachments = excluded.attachments`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.Timestamp, m.Acked,
		strings.Join(m.Attachments, ","),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func scanMessage(row interface{ Scan(...any) error }) (models.Message, error) {
	var m models.Message
	var attachments string
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body,
		&m.Timestamp, &m.Acked, &attachments)
	if err != nil {
		return m, err
	}
	if attachments != "" {
		m.Attachments = strings.Split(attachments, ",")
	}
	return m, nil
}

const messageColumns = `id, conversation_id, sender_id, body, timestamp, acked, attachments`

// Message loads a message by id.
func (s *Store) Message(ctx context.Context, id string) (models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("failed to load message: %w", err)
	}
	return m, nil
}

// Messages returns a conversation's messages in timestamp order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? ORDER BY timestamp, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessageAcked sets the ack flag and the broker-assigned timestamp on a
// message, typically when the sender's own echo comes back.
func (s *Store) MarkMessageAcked(ctx context.Context, messageID string, timestamp int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET acked = 1, timestamp = ? WHERE id = ?`, timestamp, messageID)
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
