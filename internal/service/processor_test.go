package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supercaly/syncd/internal/gateway"
	"github.com/supercaly/syncd/internal/models"
	"github.com/supercaly/syncd/internal/push"
)

type fakeQueueStore struct {
	mu     sync.Mutex
	seq    int64
	items  []models.SyncItem
	convs  map[string]models.Conversation
	events map[string]models.Event
	msgs   map[string]models.Message
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{
		convs:  make(map[string]models.Conversation),
		events: make(map[string]models.Event),
		msgs:   make(map[string]models.Message),
	}
}

func (f *fakeQueueStore) AddSyncItem(ctx context.Context, item models.SyncItem) (models.SyncItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	item.Seq = f.seq
	f.items = append(f.items, item)
	return item, nil
}

func (f *fakeQueueStore) RemoveSyncItem(ctx context.Context, itemID string, itemType models.ItemType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, it := range f.items {
		if it.ItemID == itemID && it.ItemType == itemType {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeQueueStore) SyncItems(ctx context.Context) ([]models.SyncItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.SyncItem, len(f.items))
	copy(out, f.items)
	return out, nil
}

func (f *fakeQueueStore) CountSyncItems(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items), nil
}

func (f *fakeQueueStore) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	c, ok := f.convs[id]
	if !ok {
		return models.Conversation{}, errors.New("conversation not found")
	}
	return c, nil
}

func (f *fakeQueueStore) Event(ctx context.Context, id string) (models.Event, error) {
	e, ok := f.events[id]
	if !ok {
		return models.Event{}, errors.New("event not found")
	}
	return e, nil
}

func (f *fakeQueueStore) Message(ctx context.Context, id string) (models.Message, error) {
	m, ok := f.msgs[id]
	if !ok {
		return models.Message{}, errors.New("message not found")
	}
	return m, nil
}

// remap mimics the durable rewrite: every reference to oldID moves to newID.
func (f *fakeQueueStore) remap(oldID, newID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ItemID == oldID {
			f.items[i].ItemID = newID
		}
	}
	if c, ok := f.convs[oldID]; ok {
		delete(f.convs, oldID)
		c.ID = newID
		f.convs[newID] = c
	}
	for id, c := range f.convs {
		if c.EventID == oldID {
			c.EventID = newID
			f.convs[id] = c
		}
	}
	if e, ok := f.events[oldID]; ok {
		delete(f.events, oldID)
		e.ID = newID
		f.events[newID] = e
	}
}

type fakeCreator struct {
	serverIDs map[string]string
	err       error
	calls     []string
}

func (f *fakeCreator) result(localID string) (string, error) {
	f.calls = append(f.calls, localID)
	if f.err != nil {
		return "", f.err
	}
	if id, ok := f.serverIDs[localID]; ok {
		return id, nil
	}
	return localID, nil
}

func (f *fakeCreator) CreateConversation(ctx context.Context, id, title, creatorID string, attendeeIDs []string) (string, error) {
	return f.result(id)
}

func (f *fakeCreator) CreateEvent(ctx context.Context, e models.Event) (string, error) {
	return f.result(e.ID)
}

func (f *fakeCreator) CreateEventConversation(ctx context.Context, eventID, conversationID, title, creatorID string, attendeeIDs []string) (string, error) {
	return f.result(conversationID)
}

type fakeRemapper struct {
	store  *fakeQueueStore
	remaps [][2]string
}

func (f *fakeRemapper) Remap(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	f.remaps = append(f.remaps, [2]string{oldID, newID})
	f.store.remap(oldID, newID)
	return nil
}

type fakePusher struct {
	err   error
	sends []push.Payload
}

func (f *fakePusher) Send(ctx context.Context, p push.Payload, recipients []string) error {
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, p)
	return nil
}

type procFixture struct {
	store   *fakeQueueStore
	creator *fakeCreator
	ids     *fakeRemapper
	pusher  *fakePusher
	conn    *Connectivity
	proc    *Processor
}

func newProcFixture(t *testing.T) *procFixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	st := newFakeQueueStore()
	f := &procFixture{
		store:   st,
		creator: &fakeCreator{serverIDs: make(map[string]string)},
		ids:     &fakeRemapper{store: st},
		pusher:  &fakePusher{},
		conn:    NewConnectivity(logger),
	}
	timers := NewAckTimers(time.Minute, logger)
	t.Cleanup(timers.Stop)
	f.proc = NewProcessor(st, f.creator, f.ids, f.pusher, f.conn, timers, "7", time.Minute, logger)
	f.conn.SetOnline(true)
	return f
}

func (f *procFixture) enqueue(t *testing.T, itemType models.ItemType, itemID string, channel models.Channel) {
	t.Helper()
	require.NoError(t, f.proc.Enqueue(context.Background(), itemType, itemID, channel))
}

func TestDrainRemovesHeadsInOrder(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()

	f.store.convs["-1"] = models.Conversation{ID: "-1", Title: "a", CreatorID: "7"}
	f.store.convs["-2"] = models.Conversation{ID: "-2", Title: "b", CreatorID: "7"}
	f.creator.serverIDs["-1"] = "10"
	f.creator.serverIDs["-2"] = "20"
	f.enqueue(t, models.ItemConversation, "-1", models.ChannelREST)
	f.enqueue(t, models.ItemConversation, "-2", models.ChannelREST)

	f.proc.ProcessQueue(ctx)

	assert.Empty(t, f.store.items)
	assert.Equal(t, []string{"-1", "-2"}, f.creator.calls)
	assert.Equal(t, [][2]string{{"-1", "10"}, {"-2", "20"}}, f.ids.remaps)
	assert.Contains(t, f.store.convs, "10")
	assert.Contains(t, f.store.convs, "20")
}

func TestUnreachableServerKeepsHeadQueued(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()

	f.store.convs["-1"] = models.Conversation{ID: "-1", CreatorID: "7"}
	f.creator.err = gateway.ErrUnavailable
	f.enqueue(t, models.ItemConversation, "-1", models.ChannelREST)

	f.proc.ProcessQueue(ctx)

	require.Len(t, f.store.items, 1)
	assert.Equal(t, "-1", f.store.items[0].ItemID)
	assert.False(t, f.conn.Online(), "a failed replay must flag the link as down")
	assert.Empty(t, f.ids.remaps)
}

func TestOfflineDrainIsNoop(t *testing.T) {
	f := newProcFixture(t)
	f.conn.SetOnline(false)

	f.store.convs["-1"] = models.Conversation{ID: "-1"}
	f.enqueue(t, models.ItemConversation, "-1", models.ChannelREST)

	f.proc.ProcessQueue(context.Background())

	assert.Empty(t, f.creator.calls)
	assert.Len(t, f.store.items, 1)
}

func TestFailedHeadIsDebounced(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()

	f.store.convs["-1"] = models.Conversation{ID: "-1"}
	f.creator.err = errors.New("boom")
	f.enqueue(t, models.ItemConversation, "-1", models.ChannelREST)

	f.proc.ProcessQueue(ctx)
	f.proc.ProcessQueue(ctx)
	f.proc.ProcessQueue(ctx)

	assert.Len(t, f.creator.calls, 1, "retries inside the debounce window must collapse")
}

func TestPushHeadWaitsForEcho(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()

	f.store.convs["12"] = models.Conversation{ID: "12", AttendeeIDs: []string{"7", "3"}}
	f.store.msgs["m1"] = models.Message{ID: "m1", ConversationID: "12", SenderID: "7", Body: "hi"}
	f.enqueue(t, models.ItemMessage, "m1", models.ChannelPush)

	f.proc.ProcessQueue(ctx)

	require.Len(t, f.pusher.sends, 1)
	assert.Equal(t, push.ActionNewMessage, f.pusher.sends[0].Action)
	assert.Len(t, f.store.items, 1, "a push head only leaves on its echo")

	f.proc.OnAckObserved(ctx, models.ItemMessage, "m1")
	assert.Empty(t, f.store.items)
}

func TestAckForNonHeadIsIgnored(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()

	f.enqueue(t, models.ItemConversation, "-1", models.ChannelREST)
	f.enqueue(t, models.ItemMessage, "m1", models.ChannelPush)

	f.proc.OnAckObserved(ctx, models.ItemMessage, "m1")

	assert.Len(t, f.store.items, 2, "only the head may be acknowledged")
}

func TestEventChatReplayKeepsDependencyOrder(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()

	f.store.events["-1"] = models.Event{ID: "-1", Title: "party", CreatorID: "7", AttendeeIDs: []string{"7", "3"}}
	f.store.convs["-2"] = models.Conversation{ID: "-2", EventID: "-1", Title: "party", CreatorID: "7", AttendeeIDs: []string{"7", "3"}}
	f.creator.serverIDs["-1"] = "50"
	f.creator.serverIDs["-2"] = "60"

	// The offline event-chat creation queues these three in order
	f.enqueue(t, models.ItemEvent, "-1", models.ChannelREST)
	f.enqueue(t, models.ItemEventConversation, "-2", models.ChannelREST)
	f.enqueue(t, models.ItemEventConversation, "-1", models.ChannelPush)

	f.proc.ProcessQueue(ctx)

	// Both REST creates landed and the announcement went out with the
	// server-assigned event id
	assert.Equal(t, [][2]string{{"-1", "50"}, {"-2", "60"}}, f.ids.remaps)
	require.Len(t, f.pusher.sends, 1)
	assert.Equal(t, push.ActionNewEventConversation, f.pusher.sends[0].Action)
	assert.Equal(t, "50", f.pusher.sends[0].Get(push.KeyEventID))

	// The announcement still waits for its echo
	require.Len(t, f.store.items, 1)
	assert.Equal(t, "50", f.store.items[0].ItemID)

	f.proc.OnAckObserved(ctx, models.ItemEventConversation, "50")
	assert.Empty(t, f.store.items)

	conv := f.store.convs["60"]
	assert.Equal(t, "50", conv.EventID, "conversation must reference the remapped event")
}

func TestPushSendFailureKeepsHead(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()

	f.store.convs["12"] = models.Conversation{ID: "12", AttendeeIDs: []string{"7"}}
	f.store.msgs["m1"] = models.Message{ID: "m1", ConversationID: "12"}
	f.pusher.err = errors.New("broker connection is closed")
	f.enqueue(t, models.ItemMessage, "m1", models.ChannelPush)

	f.proc.ProcessQueue(ctx)

	assert.Len(t, f.store.items, 1)
}
