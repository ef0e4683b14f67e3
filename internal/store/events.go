package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/supercaly/syncd/internal/models"
)

// SaveEvent inserts or replaces an event and its attendee set.
func (s *Store) SaveEvent(ctx context.Context, e models.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, type, title, location, start_time, end_time, create_time, creator_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			 type = excluded.type, title = excluded.title, location = excluded.location,
			 start_time = excluded.start_time, end_time = excluded.end_time,
			 create_time = excluded.create_time, creator_id = excluded.creator_id`,
			e.ID, e.Type, e.Title, e.Location, e.StartTime, e.EndTime, e.CreateTime, e.CreatorID,
		)
		if err != nil {
			return fmt.Errorf("failed to save event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM event_attendees WHERE event_id = ?`, e.ID); err != nil {
			return fmt.Errorf("failed to reset event attendees: %w", err)
		}
		for _, id := range e.AttendeeIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO event_attendees (event_id, attendee_id) VALUES (?, ?)`,
				e.ID, id); err != nil {
				return fmt.Errorf("failed to save event attendee: %w", err)
			}
		}
		return nil
	})
}

// Event loads an event with its attendee ids.
func (s *Store) Event(ctx context.Context, id string) (models.Event, error) {
	var e models.Event
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, title, location, start_time, end_time, create_time, creator_id
		 FROM events WHERE id = ?`, id,
	).Scan(&e.ID, &e.Type, &e.Title, &e.Location, &e.StartTime, &e.EndTime, &e.CreateTime, &e.CreatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("failed to load event: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT attendee_id FROM event_attendees WHERE event_id = ? ORDER BY attendee_id`, id)
	if err != nil {
		return e, fmt.Errorf("failed to load event attendees: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var aid string
		if err := rows.Scan(&aid); err != nil {
			return e, err
		}
		e.AttendeeIDs = append(e.AttendeeIDs, aid)
	}
	return e, rows.Err()
}

// EventsBetween returns events overlapping [start, end]. Inbound event
// announcements use it to match a server event against local copies by
// time and title.
func (s *Store) EventsBetween(ctx context.Context, start, end int64) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, title, location, start_time, end_time, create_time, creator_id
		 FROM events WHERE start_time <= ? AND end_time >= ? ORDER BY start_time`,
		end, start)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Title, &e.Location, &e.StartTime,
			&e.EndTime, &e.CreateTime, &e.CreatorID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
