package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/supercaly/syncd/internal/gateway"
	"github.com/supercaly/syncd/internal/models"
	"github.com/supercaly/syncd/internal/push"
	"github.com/supercaly/syncd/internal/service"
	"github.com/supercaly/syncd/internal/store"
)

// Store is the local persistence inbound payloads apply against.
type Store interface {
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	SaveConversation(ctx context.Context, c models.Conversation) error
	SaveEvent(ctx context.Context, e models.Event) error
	SaveMessage(ctx context.Context, m models.Message) error
	AddConversationAttendees(ctx context.Context, conversationID string, attendeeIDs []string) error
	DropConversationAttendees(ctx context.Context, conversationID string, attendeeIDs []string) error
	ClearConversationAttendees(ctx context.Context, conversationID string) error
	SetConversationTitle(ctx context.Context, conversationID, title string) error
	IncrementMissCount(ctx context.Context, conversationID string) (int, error)
	EventsBetween(ctx context.Context, start, end int64) ([]models.Event, error)
	RemapID(ctx context.Context, oldID, newID string) error
}

// Directory fetches authoritative records when a payload references
// something this client has never seen.
type Directory interface {
	Conversation(ctx context.Context, id string) (gateway.ConversationInfo, error)
	Event(ctx context.Context, id string) (models.Event, string, error)
}

// Resolver materializes user records referenced by payloads.
type Resolver interface {
	ResolveUser(ctx context.Context, id string) (models.Attendee, error)
}

// Confirmer closes the loop on outbound operations when their echo returns.
type Confirmer interface {
	ConfirmMessage(ctx context.Context, conversationID, messageID string, timestamp int64) error
	ConfirmConversation(ctx context.Context, conversationID string)
	ConfirmEventChat(ctx context.Context, eventID string)
	ActiveConversation() string
}

// Dispatcher applies inbound push payloads to local state. Payloads sent by
// this account come back as echoes and confirm outbound operations instead
// of applying twice. A payload that references state neither held locally
// nor fetchable from the server is rejected whole; nothing partial is ever
// written.
type Dispatcher struct {
	store     Store
	dir       Directory
	users     Resolver
	confirmer Confirmer
	bus       *service.Bus
	logger    *slog.Logger
	accountID string
}

func NewDispatcher(st Store, dir Directory, users Resolver, confirmer Confirmer, bus *service.Bus, accountID string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     st,
		dir:       dir,
		users:     users,
		confirmer: confirmer,
		bus:       bus,
		logger:    logger,
		accountID: accountID,
	}
}

// Handle applies one payload. It implements the broker consumer's handler.
func (d *Dispatcher) Handle(ctx context.Context, p push.Payload) error {
	echo := p.SenderID() == d.accountID

	switch p.Action {
	case push.ActionNewMessage:
		return d.handleMessage(ctx, p, echo)
	case push.ActionNewConversation:
		return d.handleStartConversation(ctx, p, echo)
	case push.ActionNewEventConversation:
		return d.handleStartEventConversation(ctx, p, echo)
	case push.ActionAddAttendees:
		return d.handleAddAttendees(ctx, p, echo)
	case push.ActionDropAttendees:
		return d.handleDropAttendees(ctx, p, echo)
	case push.ActionUpdateTitle:
		return d.handleUpdateTitle(ctx, p, echo)
	case push.ActionLeaveConversation:
		return d.handleLeave(ctx, p, echo)
	default:
		return fmt.Errorf("unhandled action %q", p.Action)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, p push.Payload, echo bool) error {
	conversationID := p.Get(push.KeyConversationID)
	messageID := p.Get(push.KeyMessageID)

	if echo {
		return d.confirmer.ConfirmMessage(ctx, conversationID, messageID, p.Int64(push.KeyTimestamp))
	}

	conv, err := d.ensureConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if _, err := d.users.ResolveUser(ctx, p.SenderID()); err != nil {
		return fmt.Errorf("unknown sender %q: %w", p.SenderID(), err)
	}

	msg := models.Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       p.SenderID(),
		Body:           p.Get(push.KeyMessage),
		Timestamp:      p.Int64(push.KeyTimestamp),
		Attachments:    p.List(push.KeyAttachments),
		Acked:          true,
	}
	if err := d.store.SaveMessage(ctx, msg); err != nil {
		return err
	}

	d.bus.Publish(service.MessageReceived{ConversationID: conversationID, MessageID: messageID})

	if d.confirmer.ActiveConversation() != conversationID {
		count, err := d.store.IncrementMissCount(ctx, conv.ID)
		if err != nil {
			d.logger.Error("Failed to bump unread counter", "conversation_id", conv.ID, "error", err)
			return nil
		}
		d.bus.Publish(service.MissCountChanged{ConversationID: conv.ID, Count: count})
	}
	return nil
}

func (d *Dispatcher) handleStartConversation(ctx context.Context, p push.Payload, echo bool) error {
	conversationID := p.Get(push.KeyConversationID)
	if echo {
		// The creating side already holds the conversation
		d.confirmer.ConfirmConversation(ctx, conversationID)
		return nil
	}
	if _, err := d.fetchConversation(ctx, conversationID); err != nil {
		return err
	}
	d.bus.Publish(service.ConversationCreated{ConversationID: conversationID})
	return nil
}

func (d *Dispatcher) handleStartEventConversation(ctx context.Context, p push.Payload, echo bool) error {
	eventID := p.Get(push.KeyEventID)
	if echo {
		d.confirmer.ConfirmEventChat(ctx, eventID)
		return nil
	}

	event, conversationID, err := d.dir.Event(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to fetch event %q: %w", eventID, err)
	}
	for _, id := range event.AttendeeIDs {
		if _, err := d.users.ResolveUser(ctx, id); err != nil {
			return fmt.Errorf("unknown attendee %q: %w", id, err)
		}
	}
	localID, err := d.localEventMatch(ctx, event)
	if err != nil {
		return err
	}
	if localID != "" && localID != event.ID {
		// The same event already exists under another id, typically a copy
		// created before the server assigned this one. Fold it in instead
		// of storing a duplicate
		d.logger.Info("Reusing local event for announcement", "local_id", localID, "event_id", event.ID)
		if err := d.store.RemapID(ctx, localID, event.ID); err != nil {
			return err
		}
	}
	if err := d.store.SaveEvent(ctx, event); err != nil {
		return err
	}
	if _, err := d.fetchConversation(ctx, conversationID); err != nil {
		return err
	}
	d.bus.Publish(service.ConversationCreated{ConversationID: conversationID})
	return nil
}

func (d *Dispatcher) handleAddAttendees(ctx context.Context, p push.Payload, echo bool) error {
	if echo {
		return nil
	}
	conversationID := p.Get(push.KeyConversationID)
	userIDs := p.List(push.KeyUserIDs)

	if _, err := d.ensureConversation(ctx, conversationID); err != nil {
		return err
	}
	for _, id := range userIDs {
		if _, err := d.users.ResolveUser(ctx, id); err != nil {
			return fmt.Errorf("unknown attendee %q: %w", id, err)
		}
	}
	if err := d.store.AddConversationAttendees(ctx, conversationID, userIDs); err != nil {
		return err
	}
	d.bus.Publish(service.AttendeesChanged{ConversationID: conversationID})
	return nil
}

func (d *Dispatcher) handleDropAttendees(ctx context.Context, p push.Payload, echo bool) error {
	if echo {
		return nil
	}
	conversationID := p.Get(push.KeyConversationID)
	userIDs := p.List(push.KeyUserIDs)

	for _, id := range userIDs {
		if id == d.accountID {
			// This account was removed. Membership clears but the
			// conversation and its history stay readable
			d.logger.Info("Dropped from conversation", "conversation_id", conversationID)
			if err := d.store.ClearConversationAttendees(ctx, conversationID); err != nil {
				return err
			}
			d.bus.Publish(service.AttendeesChanged{ConversationID: conversationID})
			return nil
		}
	}

	if err := d.store.DropConversationAttendees(ctx, conversationID, userIDs); err != nil {
		return err
	}
	d.bus.Publish(service.AttendeesChanged{ConversationID: conversationID})
	return nil
}

func (d *Dispatcher) handleUpdateTitle(ctx context.Context, p push.Payload, echo bool) error {
	if echo {
		return nil
	}
	conversationID := p.Get(push.KeyConversationID)
	title := p.Get(push.KeyTitle)

	if err := d.store.SetConversationTitle(ctx, conversationID, title); err != nil {
		return err
	}
	d.bus.Publish(service.TitleChanged{ConversationID: conversationID, Title: title})
	return nil
}

func (d *Dispatcher) handleLeave(ctx context.Context, p push.Payload, echo bool) error {
	if echo {
		// This account left; the engine already removed the conversation
		return nil
	}
	conversationID := p.Get(push.KeyConversationID)
	if err := d.store.DropConversationAttendees(ctx, conversationID, []string{p.SenderID()}); err != nil {
		return err
	}
	d.bus.Publish(service.AttendeesChanged{ConversationID: conversationID})
	return nil
}

// localEventMatch looks for a stored event with the same start, end and
// title as the announced one and returns its id, or "" when none matches.
func (d *Dispatcher) localEventMatch(ctx context.Context, event models.Event) (string, error) {
	candidates, err := d.store.EventsBetween(ctx, event.StartTime, event.EndTime)
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		if c.StartTime == event.StartTime && c.EndTime == event.EndTime && c.Title == event.Title {
			return c.ID, nil
		}
	}
	return "", nil
}

// ensureConversation returns the local conversation, fetching it from the
// server first when this client has never seen it. Payloads routinely arrive
// for conversations created while this client was offline.
func (d *Dispatcher) ensureConversation(ctx context.Context, id string) (models.Conversation, error) {
	conv, err := d.store.Conversation(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Conversation{}, err
	}
	return d.fetchConversation(ctx, id)
}

// fetchConversation pulls the authoritative conversation and every attendee
// it references, then persists it. Any failure aborts before the first local
// write.
func (d *Dispatcher) fetchConversation(ctx context.Context, id string) (models.Conversation, error) {
	info, err := d.dir.Conversation(ctx, id)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to fetch conversation %q: %w", id, err)
	}
	for _, attendeeID := range info.AttendeeIDs {
		if _, err := d.users.ResolveUser(ctx, attendeeID); err != nil {
			return models.Conversation{}, fmt.Errorf("unknown attendee %q: %w", attendeeID, err)
		}
	}
	conv := models.Conversation{
		ID:          info.ID,
		EventID:     info.EventID,
		Title:       info.Title,
		CreatorID:   info.CreatorID,
		AttendeeIDs: info.AttendeeIDs,
	}
	if err := d.store.SaveConversation(ctx, conv); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}
