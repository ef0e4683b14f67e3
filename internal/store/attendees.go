package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/supercaly/syncd/internal/models"
)

// SaveAttendee inserts or replaces an attendee record.
func (s *Store) SaveAttendee(ctx context.Context, a models.Attendee) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attendees (id, media_id, email, phone, first_name, last_name, user_name, friend, registered)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 media_id = excluded.media_id, email = excluded.email, phone = excluded.phone,
		 first_name = excluded.first_name, last_name = excluded.last_name,
		 user_name = excluded.user_name, friend = excluded.friend, registered = excluded.registered`,
		a.ID, a.MediaID, a.Email, a.Phone, a.FirstName, a.LastName, a.UserName, a.Friend, a.Registered,
	)
	if err != nil {
		return fmt.Errorf("failed to save attendee: %w", err)
	}
	return nil
}

func scanAttendee(row interface{ Scan(...any) error }) (models.Attendee, error) {
	var a models.Attendee
	err := row.Scan(&a.ID, &a.MediaID, &a.Email, &a.Phone, &a.FirstName,
		&a.LastName, &a.UserName, &a.Friend, &a.Registered)
	return a, err
}

const attendeeColumns = `id, media_id, email, phone, first_name, last_name, user_name, friend, registered`

// Attendee loads an attendee by id.
func (s *Store) Attendee(ctx context.Context, id string) (models.Attendee, error) {
	a, err := scanAttendee(s.db.QueryRowContext(ctx,
		`SELECT `+attendeeColumns+` FROM attendees WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("failed to load attendee: %w", err)
	}
	return a, nil
}

// Attendees returns every locally known attendee.
func (s *Store) Attendees(ctx context.Context) ([]models.Attendee, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attendeeColumns+` FROM attendees ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendees: %w", err)
	}
	defer rows.Close()

	var out []models.Attendee
	for rows.Next() {
		a, err := scanAttendee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
