package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/supercaly/syncd/internal/gateway"
	"github.com/supercaly/syncd/internal/identity"
	"github.com/supercaly/syncd/internal/models"
	"github.com/supercaly/syncd/internal/push"
)

// Store is the persistence surface the engine writes through.
type Store interface {
	QueueStore
	SaveConversation(ctx context.Context, c models.Conversation) error
	SaveEvent(ctx context.Context, e models.Event) error
	SaveMessage(ctx context.Context, m models.Message) error
	MarkMessageAcked(ctx context.Context, messageID string, timestamp int64) error
	AddConversationAttendees(ctx context.Context, conversationID string, attendeeIDs []string) error
	DropConversationAttendees(ctx context.Context, conversationID string, attendeeIDs []string) error
	SetConversationTitle(ctx context.Context, conversationID, title string) error
	ResetMissCount(ctx context.Context, conversationID string) error
	RemoveConversation(ctx context.Context, id string) error
	TemporaryIDs(ctx context.Context) (map[string]bool, error)
}

// Gateway is the REST surface the engine calls directly.
type Gateway interface {
	Creator
	AddConversationAttendees(ctx context.Context, conversationID string, attendeeIDs []string) error
	DropConversationAttendees(ctx context.Context, conversationID string, attendeeIDs []string) error
}

// Identity resolves contacts to server users and remaps temporary ids.
type Identity interface {
	EnsureUser(ctx context.Context, contact models.Attendee, password string) (models.Attendee, error)
	Remap(ctx context.Context, oldID, newID string) error
}

// Engine exposes the operations the client performs: starting conversations,
// creating event chats and sending messages. Every operation persists locally
// first, then reaches for the network, and falls back to the sync queue when
// the network is gone.
type Engine struct {
	store     Store
	gw        Gateway
	ids       Identity
	pusher    Pusher
	proc      *Processor
	timers    *AckTimers
	bus       *Bus
	logger    *slog.Logger
	accountID string

	activeMu   sync.Mutex
	activeConv string
}

func NewEngine(store Store, gw Gateway, ids Identity, pusher Pusher, proc *Processor, timers *AckTimers, bus *Bus, accountID string, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		gw:        gw,
		ids:       ids,
		pusher:    pusher,
		proc:      proc,
		timers:    timers,
		bus:       bus,
		logger:    logger,
		accountID: accountID,
	}
}

// StartConversation creates a conversation with the given contacts. Contacts
// unknown to the server are registered on the fly. The conversation gets a
// temporary id that holds until the server assigns the real one.
func (e *Engine) StartConversation(ctx context.Context, title string, contacts []models.Attendee) (models.Conversation, error) {
	attendeeIDs := []string{e.accountID}
	for _, contact := range contacts {
		user, err := e.ids.EnsureUser(ctx, contact, "")
		if err != nil {
			return models.Conversation{}, fmt.Errorf("failed to resolve contact %q: %w", contact.Email, err)
		}
		attendeeIDs = append(attendeeIDs, user.ID)
	}

	tempID, err := e.allocTempID(ctx)
	if err != nil {
		return models.Conversation{}, err
	}
	conv := models.Conversation{
		ID:          tempID,
		Title:       title,
		CreatorID:   e.accountID,
		AttendeeIDs: attendeeIDs,
		SyncNeeded:  true,
	}
	if err := e.store.SaveConversation(ctx, conv); err != nil {
		return models.Conversation{}, err
	}

	serverID, err := e.gw.CreateConversation(ctx, conv.ID, conv.Title, conv.CreatorID, conv.AttendeeIDs)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			if qerr := e.proc.Enqueue(ctx, models.ItemConversation, conv.ID, models.ChannelREST); qerr != nil {
				return models.Conversation{}, qerr
			}
			e.bus.Publish(ConversationCreated{ConversationID: conv.ID})
			return conv, nil
		}
		return models.Conversation{}, err
	}

	if err := e.ids.Remap(ctx, conv.ID, serverID); err != nil {
		return models.Conversation{}, err
	}
	conv.ID = serverID
	conv.SyncNeeded = false
	if err := e.store.SaveConversation(ctx, conv); err != nil {
		return models.Conversation{}, err
	}

	if err := e.pusher.Send(ctx, push.NewConversation(e.accountID, conv.ID), conv.AttendeeIDs); err != nil {
		e.logger.Warn("Conversation created but announcement failed", "conversation_id", conv.ID, "error", err)
	}

	e.bus.Publish(ConversationCreated{ConversationID: conv.ID})
	return conv, nil
}

// CreateEventChat creates an event together with its conversation. The event
// must exist server side before the conversation can reference it, so the two
// creates replay in order through the queue when the server is unreachable.
func (e *Engine) CreateEventChat(ctx context.Context, event models.Event) (models.Event, models.Conversation, error) {
	if event.CreatorID == "" {
		event.CreatorID = e.accountID
	}
	tempEventID, err := e.allocTempID(ctx)
	if err != nil {
		return models.Event{}, models.Conversation{}, err
	}
	event.ID = tempEventID
	event.AttendeeIDs = withSelf(event.AttendeeIDs, e.accountID)
	if err := e.store.SaveEvent(ctx, event); err != nil {
		return models.Event{}, models.Conversation{}, err
	}

	tempConvID, err := e.allocTempID(ctx)
	if err != nil {
		return models.Event{}, models.Conversation{}, err
	}
	conv := models.Conversation{
		ID:          tempConvID,
		EventID:     event.ID,
		Title:       event.Title,
		CreatorID:   event.CreatorID,
		AttendeeIDs: event.AttendeeIDs,
		SyncNeeded:  true,
	}
	if err := e.store.SaveConversation(ctx, conv); err != nil {
		return models.Event{}, models.Conversation{}, err
	}

	serverEventID, err := e.gw.CreateEvent(ctx, event)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			return event, conv, e.queueEventChat(ctx, event.ID, conv.ID, true)
		}
		return models.Event{}, models.Conversation{}, err
	}
	if err := e.ids.Remap(ctx, event.ID, serverEventID); err != nil {
		return models.Event{}, models.Conversation{}, err
	}
	event.ID = serverEventID
	conv.EventID = serverEventID

	serverConvID, err := e.gw.CreateEventConversation(ctx, event.ID, conv.ID, conv.Title, conv.CreatorID, conv.AttendeeIDs)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			return event, conv, e.queueEventChat(ctx, event.ID, conv.ID, false)
		}
		return models.Event{}, models.Conversation{}, err
	}
	if err := e.ids.Remap(ctx, conv.ID, serverConvID); err != nil {
		return models.Event{}, models.Conversation{}, err
	}
	conv.ID = serverConvID

	e.announceEventChat(ctx, event)
	e.bus.Publish(ConversationCreated{ConversationID: conv.ID})
	return event, conv, nil
}

// allocTempID picks a temporary id disjoint from every one still stored.
func (e *Engine) allocTempID(ctx context.Context) (string, error) {
	used, err := e.store.TemporaryIDs(ctx)
	if err != nil {
		return "", err
	}
	return identity.AllocateTemporaryID(used), nil
}

// queueEventChat enqueues whatever part of the event-chat creation is still
// outstanding. withEvent is true when the event create itself never landed.
func (e *Engine) queueEventChat(ctx context.Context, eventID, convID string, withEvent bool) error {
	if withEvent {
		if err := e.proc.Enqueue(ctx, models.ItemEvent, eventID, models.ChannelREST); err != nil {
			return err
		}
	}
	if err := e.proc.Enqueue(ctx, models.ItemEventConversation, convID, models.ChannelREST); err != nil {
		return err
	}
	return e.proc.Enqueue(ctx, models.ItemEventConversation, eventID, models.ChannelPush)
}

// announceEventChat pushes the new event conversation to its attendees and
// arms the confirmation timer keyed by the event id. No echo within the
// window means the announcement goes into the queue for later.
func (e *Engine) announceEventChat(ctx context.Context, event models.Event) {
	eventID := event.ID
	payload := push.NewEventConversation(e.accountID, eventID)
	if err := e.pusher.Send(ctx, payload, withSelf(event.AttendeeIDs, e.accountID)); err != nil {
		e.logger.Warn("Event chat announcement failed, queueing", "event_id", eventID, "error", err)
		e.enqueuePush(models.ItemEventConversation, eventID)
		return
	}
	e.timers.Arm(eventID, func() {
		e.enqueuePush(models.ItemEventConversation, eventID)
	})
}

// SendMessage persists and pushes a message. The broker echo is the delivery
// acknowledgment; until it arrives a confirmation timer guards the send, and
// on expiry the message moves to the durable queue.
func (e *Engine) SendMessage(ctx context.Context, conversationID, body string, attachments []string) (models.Message, error) {
	conv, err := e.store.Conversation(ctx, conversationID)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       e.accountID,
		Body:           body,
		Timestamp:      time.Now().UnixMilli(),
		Attachments:    attachments,
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return models.Message{}, err
	}

	payload := push.NewMessage(e.accountID, conversationID, msg.ID, body, msg.Timestamp, attachments)
	if err := e.pusher.Send(ctx, payload, withSelf(conv.AttendeeIDs, e.accountID)); err != nil {
		e.logger.Info("Message send failed, queueing", "message_id", msg.ID, "error", err)
		if qerr := e.proc.Enqueue(ctx, models.ItemMessage, msg.ID, models.ChannelPush); qerr != nil {
			return models.Message{}, qerr
		}
		return msg, nil
	}

	msgID := msg.ID
	e.timers.Arm(msgID, func() {
		e.enqueuePush(models.ItemMessage, msgID)
	})
	return msg, nil
}

// enqueuePush runs from timer goroutines, so it cannot borrow the caller's
// context.
func (e *Engine) enqueuePush(itemType models.ItemType, itemID string) {
	ctx := context.Background()
	if err := e.proc.Enqueue(ctx, itemType, itemID, models.ChannelPush); err != nil {
		e.logger.Error("Failed to queue unconfirmed push", "item_id", itemID, "error", err)
	}
}

// ConfirmMessage marks a sent message delivered after its echo came back.
// Called by the dispatcher with the echo's authoritative timestamp.
func (e *Engine) ConfirmMessage(ctx context.Context, conversationID, messageID string, timestamp int64) error {
	e.timers.Cancel(messageID)
	if err := e.store.MarkMessageAcked(ctx, messageID, timestamp); err != nil {
		return err
	}
	e.proc.OnAckObserved(ctx, models.ItemMessage, messageID)
	e.bus.Publish(MessageAcked{ConversationID: conversationID, MessageID: messageID, Timestamp: timestamp})
	return nil
}

// ConfirmConversation handles the echo of a conversation announcement. A
// queued conversation item leaves the queue on REST success rather than on
// echo, so this only pokes the processor in case one is somehow still there.
func (e *Engine) ConfirmConversation(ctx context.Context, conversationID string) {
	e.proc.OnAckObserved(ctx, models.ItemConversation, conversationID)
}

// ConfirmEventChat handles the echo of an event chat announcement.
func (e *Engine) ConfirmEventChat(ctx context.Context, eventID string) {
	e.timers.Cancel(eventID)
	e.proc.OnAckObserved(ctx, models.ItemEventConversation, eventID)
}

// AddAttendees adds contacts to a conversation. Membership changes need the
// server, so this fails rather than queues when it is unreachable.
func (e *Engine) AddAttendees(ctx context.Context, conversationID string, contacts []models.Attendee) error {
	conv, err := e.store.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}

	var newIDs []string
	for _, contact := range contacts {
		user, err := e.ids.EnsureUser(ctx, contact, "")
		if err != nil {
			return fmt.Errorf("failed to resolve contact %q: %w", contact.Email, err)
		}
		if identity.IsTemporary(user.ID) {
			return fmt.Errorf("contact %q not registered: %w", contact.Email, gateway.ErrUnavailable)
		}
		newIDs = append(newIDs, user.ID)
	}

	if err := e.gw.AddConversationAttendees(ctx, conversationID, newIDs); err != nil {
		return err
	}
	if err := e.store.AddConversationAttendees(ctx, conversationID, newIDs); err != nil {
		return err
	}

	recipients := withSelf(append(conv.AttendeeIDs, newIDs...), e.accountID)
	payload := push.AddAttendees(e.accountID, conversationID, newIDs)
	if err := e.pusher.Send(ctx, payload, recipients); err != nil {
		e.logger.Warn("Attendees added but announcement failed", "conversation_id", conversationID, "error", err)
	}

	e.bus.Publish(AttendeesChanged{ConversationID: conversationID})
	return nil
}

// DropAttendees removes members from a conversation. The dropped members are
// still notified so their clients clear the membership locally.
func (e *Engine) DropAttendees(ctx context.Context, conversationID string, attendeeIDs []string) error {
	conv, err := e.store.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}

	if err := e.gw.DropConversationAttendees(ctx, conversationID, attendeeIDs); err != nil {
		return err
	}
	if err := e.store.DropConversationAttendees(ctx, conversationID, attendeeIDs); err != nil {
		return err
	}

	payload := push.DropAttendees(e.accountID, conversationID, attendeeIDs)
	if err := e.pusher.Send(ctx, payload, withSelf(conv.AttendeeIDs, e.accountID)); err != nil {
		e.logger.Warn("Attendees dropped but announcement failed", "conversation_id", conversationID, "error", err)
	}

	e.bus.Publish(AttendeesChanged{ConversationID: conversationID})
	return nil
}

// UpdateTitle renames a conversation and announces the new title.
func (e *Engine) UpdateTitle(ctx context.Context, conversationID, title string) error {
	conv, err := e.store.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := e.store.SetConversationTitle(ctx, conversationID, title); err != nil {
		return err
	}

	payload := push.UpdateTitle(e.accountID, conversationID, title)
	if err := e.pusher.Send(ctx, payload, withSelf(conv.AttendeeIDs, e.accountID)); err != nil {
		e.logger.Warn("Title changed but announcement failed", "conversation_id", conversationID, "error", err)
	}

	e.bus.Publish(TitleChanged{ConversationID: conversationID, Title: title})
	return nil
}

// LeaveConversation removes this account from a conversation and drops the
// conversation locally.
func (e *Engine) LeaveConversation(ctx context.Context, conversationID string) error {
	conv, err := e.store.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}

	if err := e.gw.DropConversationAttendees(ctx, conversationID, []string{e.accountID}); err != nil {
		return err
	}

	payload := push.LeaveConversation(e.accountID, conversationID)
	if err := e.pusher.Send(ctx, payload, conv.AttendeeIDs); err != nil {
		e.logger.Warn("Left conversation but announcement failed", "conversation_id", conversationID, "error", err)
	}

	return e.store.RemoveConversation(ctx, conversationID)
}

// SetActiveConversation marks the conversation the user is looking at. Its
// unread counter resets and incoming messages for it stay at zero misses.
// An empty id means no conversation is active.
func (e *Engine) SetActiveConversation(ctx context.Context, conversationID string) error {
	e.activeMu.Lock()
	e.activeConv = conversationID
	e.activeMu.Unlock()

	if conversationID == "" {
		return nil
	}
	if err := e.store.ResetMissCount(ctx, conversationID); err != nil {
		return err
	}
	e.bus.Publish(MissCountChanged{ConversationID: conversationID, Count: 0})
	return nil
}

// ActiveConversation returns the currently viewed conversation id.
func (e *Engine) ActiveConversation() string {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return e.activeConv
}
