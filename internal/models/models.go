package models

// Attendee is a user known to the client, either a registered account fetched
// from the REST service or a locally invited contact that has not been
// confirmed by the server yet (negative temporary id).
type Attendee struct {
	ID         string `db:"id"`
	MediaID    string `db:"media_id"`
	Email      string `db:"email"`
	Phone      string `db:"phone"`
	FirstName  string `db:"first_name"`
	LastName   string `db:"last_name"`
	UserName   string `db:"user_name"`
	Friend     bool   `db:"friend"`
	Registered bool   `db:"registered"`
}

// DisplayName returns the best human-readable name available.
func (a Attendee) DisplayName() string {
	switch {
	case a.FirstName != "" && a.LastName != "":
		return a.FirstName + " " + a.LastName
	case a.FirstName != "":
		return a.FirstName
	case a.UserName != "":
		return a.UserName
	case a.Email != "":
		return a.Email
	}
	return a.ID
}

// Event is a calendar event a conversation can be attached to.
type Event struct {
	ID          string   `db:"id"`
	Type        string   `db:"type"`
	Title       string   `db:"title"`
	Location    string   `db:"location"`
	StartTime   int64    `db:"start_time"`
	EndTime     int64    `db:"end_time"`
	CreateTime  int64    `db:"create_time"`
	CreatorID   string   `db:"creator_id"`
	AttendeeIDs []string `db:"-"`
}

// Conversation is a chat room, optionally bound to an event.
type Conversation struct {
	ID          string   `db:"id"`
	EventID     string   `db:"event_id"`
	Title       string   `db:"title"`
	CreatorID   string   `db:"creator_id"`
	AttendeeIDs []string `db:"-"`
	SyncNeeded  bool     `db:"sync_needed"`
	// MissCount is the number of messages received while the conversation
	// was not in the foreground.
	MissCount int `db:"miss_count"`
}

// Message is a single chat message. Acked flips to true once the broker
// echoes the sender's own copy back.
type Message struct {
	ID             string `db:"id"`
	ConversationID string `db:"conversation_id"`
	SenderID       string `db:"sender_id"`
	Body           string `db:"body"`
	Timestamp      int64  `db:"timestamp"`
	Acked          bool   `db:"acked"`
	// Attachments are opaque "name:uri" references. Upload and thumbnail
	// handling live outside the sync engine.
	Attachments []string `db:"-"`
}
