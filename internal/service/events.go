package service

import "sync"

// Event is a state-change notification for outer layers. Subscribers switch
// on the concrete type.
type Event interface{ event() }

// ConversationCreated fires when a conversation appears locally, whether
// started here or announced by another member.
type ConversationCreated struct {
	ConversationID string
}

// MessageReceived fires when an incoming message has been persisted.
type MessageReceived struct {
	ConversationID string
	MessageID      string
}

// MessageAcked fires when the broker echo confirms a sent message. Timestamp
// carries the authoritative send time from the echo.
type MessageAcked struct {
	ConversationID string
	MessageID      string
	Timestamp      int64
}

// AttendeesChanged fires after the membership of a conversation changed.
type AttendeesChanged struct {
	ConversationID string
}

// TitleChanged fires after a conversation was renamed.
type TitleChanged struct {
	ConversationID string
	Title          string
}

// MissCountChanged fires when the unread counter of a conversation moved.
type MissCountChanged struct {
	ConversationID string
	Count          int
}

func (ConversationCreated) event() {}
func (MessageReceived) event()     {}
func (MessageAcked) event()        {}
func (AttendeesChanged) event()    {}
func (TitleChanged) event()        {}
func (MissCountChanged) event()    {}

// Bus delivers events to registered subscribers in registration order.
// Delivery is synchronous, so handlers must not call back into the engine.
type Bus struct {
	mu   sync.Mutex
	subs []func(Event)
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish delivers e to every subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	subs := make([]func(Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}
