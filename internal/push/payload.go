// Package push defines the wire payloads exchanged over the push channel.
// Every payload is a flat action-tagged string map, matching what the chat
// broker relays verbatim to each recipient.
package push

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Action tags an inbound or outbound push payload. The set is closed: the
// dispatcher matches it exhaustively and rejects anything else.
type Action string

const (
	ActionNewMessage           Action = "CONVERSATION_MESSAGE"
	ActionNewConversation      Action = "START_CONVERSATION"
	ActionNewEventConversation Action = "START_EVENT_CONVERSATION"
	ActionAddAttendees         Action = "ADD_CONVERSATION_ATTENDEES"
	ActionDropAttendees        Action = "DROP_CONVERSATION_ATTENDEES"
	ActionUpdateTitle          Action = "UPDATE_CONVERSATION_TITLE"
	ActionLeaveConversation    Action = "LEAVE_CONVERSATION"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionNewMessage, ActionNewConversation, ActionNewEventConversation,
		ActionAddAttendees, ActionDropAttendees, ActionUpdateTitle,
		ActionLeaveConversation:
		return true
	}
	return false
}

// Payload field keys.
const (
	KeyAction         = "action"
	KeySenderID       = "senderId"
	KeyCreatorID      = "creatorId"
	KeyConversationID = "conversationId"
	KeyEventID        = "eventId"
	KeyMessage        = "message"
	KeyMessageID      = "messageId"
	KeyUserIDs        = "userIds"
	KeyTitle          = "conversationTitle"
	KeyTimestamp      = "timestamp"
	KeyAttachments    = "attachments"
)

// Payload is one action-tagged push message.
type Payload struct {
	Action Action
	Fields map[string]string
}

// Get returns a field value, empty if absent.
func (p Payload) Get(key string) string {
	return p.Fields[key]
}

// List splits a comma-separated field into its non-empty elements.
func (p Payload) List(key string) []string {
	raw := p.Fields[key]
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Int64 parses a numeric field, returning 0 when absent or malformed.
func (p Payload) Int64(key string) int64 {
	n, _ := strconv.ParseInt(p.Fields[key], 10, 64)
	return n
}

// SenderID returns the sender field regardless of whether the payload uses
// senderId or creatorId (conversation announcements carry the latter).
func (p Payload) SenderID() string {
	if id := p.Fields[KeySenderID]; id != "" {
		return id
	}
	return p.Fields[KeyCreatorID]
}

// Encode serializes the payload as a flat JSON object.
func (p Payload) Encode() ([]byte, error) {
	m := make(map[string]string, len(p.Fields)+1)
	for k, v := range p.Fields {
		m[k] = v
	}
	m[KeyAction] = string(p.Action)
	return json.Marshal(m)
}

// Decode parses a payload off the wire and validates its action tag.
func Decode(body []byte) (Payload, error) {
	var m map[string]string
	if err := json.Unmarshal(body, &m); err != nil {
		return Payload{}, fmt.Errorf("malformed push payload: %v", err)
	}
	action := Action(m[KeyAction])
	if !action.Valid() {
		return Payload{}, fmt.Errorf("unknown push action %q", m[KeyAction])
	}
	delete(m, KeyAction)
	return Payload{Action: action, Fields: m}, nil
}

func newPayload(action Action, kv ...string) Payload {
	fields := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return Payload{Action: action, Fields: fields}
}

// NewMessage builds a chat message payload.
func NewMessage(senderID, conversationID, messageID, body string, timestamp int64, attachments []string) Payload {
	p := newPayload(ActionNewMessage,
		KeySenderID, senderID,
		KeyConversationID, conversationID,
		KeyMessageID, messageID,
		KeyMessage, body,
		KeyTimestamp, strconv.FormatInt(timestamp, 10),
	)
	if len(attachments) > 0 {
		p.Fields[KeyAttachments] = strings.Join(attachments, ",")
	}
	return p
}

// NewConversation announces a freshly created conversation.
func NewConversation(creatorID, conversationID string) Payload {
	return newPayload(ActionNewConversation,
		KeyCreatorID, creatorID,
		KeyConversationID, conversationID,
	)
}

// NewEventConversation announces a conversation attached to an event. The
// event id is the correlation key: recipients fetch both event and
// conversation details from the REST service.
func NewEventConversation(creatorID, eventID string) Payload {
	return newPayload(ActionNewEventConversation,
		KeyCreatorID, creatorID,
		KeyEventID, eventID,
	)
}

// AddAttendees announces attendees joining a conversation.
func AddAttendees(senderID, conversationID string, userIDs []string) Payload {
	return newPayload(ActionAddAttendees,
		KeySenderID, senderID,
		KeyConversationID, conversationID,
		KeyUserIDs, strings.Join(userIDs, ","),
	)
}

// DropAttendees announces attendees leaving a conversation.
func DropAttendees(senderID, conversationID string, userIDs []string) Payload {
	return newPayload(ActionDropAttendees,
		KeySenderID, senderID,
		KeyConversationID, conversationID,
		KeyUserIDs, strings.Join(userIDs, ","),
	)
}

// UpdateTitle announces a conversation title change.
func UpdateTitle(senderID, conversationID, title string) Payload {
	return newPayload(ActionUpdateTitle,
		KeySenderID, senderID,
		KeyConversationID, conversationID,
		KeyTitle, title,
	)
}

// LeaveConversation announces the sender leaving a conversation.
func LeaveConversation(senderID, conversationID string) Payload {
	return newPayload(ActionLeaveConversation,
		KeySenderID, senderID,
		KeyConversationID, conversationID,
	)
}
