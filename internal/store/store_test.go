package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supercaly/syncd/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSyncQueueIsFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.AddSyncItem(ctx, models.SyncItem{ItemID: "-10", ItemType: models.ItemConversation, Channel: models.ChannelREST})
	require.NoError(t, err)
	second, err := s.AddSyncItem(ctx, models.SyncItem{ItemID: "msg-1", ItemType: models.ItemMessage, Channel: models.ChannelPush})
	require.NoError(t, err)
	assert.Less(t, first.Seq, second.Seq)

	items, err := s.SyncItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "-10", items[0].ItemID)
	assert.Equal(t, "msg-1", items[1].ItemID)

	n, err := s.CountSyncItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.RemoveSyncItem(ctx, "-10", models.ItemConversation))
	items, err = s.SyncItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "msg-1", items[0].ItemID)
}

func TestConversationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"7", "3"} {
		require.NoError(t, s.SaveAttendee(ctx, models.Attendee{ID: id, Email: id + "@example.com"}))
	}
	conv := models.Conversation{
		ID:          "12",
		Title:       "lunch",
		CreatorID:   "7",
		AttendeeIDs: []string{"7", "3"},
	}
	require.NoError(t, s.SaveConversation(ctx, conv))

	got, err := s.Conversation(ctx, "12")
	require.NoError(t, err)
	assert.Equal(t, "lunch", got.Title)
	assert.Equal(t, "7", got.CreatorID)
	assert.ElementsMatch(t, []string{"7", "3"}, got.AttendeeIDs)

	_, err = s.Conversation(ctx, "999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveConversationKeepsMissCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := models.Conversation{ID: "12", Title: "lunch", CreatorID: "7"}
	require.NoError(t, s.SaveConversation(ctx, conv))

	count, err := s.IncrementMissCount(ctx, "12")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	conv.Title = "dinner"
	require.NoError(t, s.SaveConversation(ctx, conv))

	got, err := s.Conversation(ctx, "12")
	require.NoError(t, err)
	assert.Equal(t, "dinner", got.Title)
	assert.Equal(t, 1, got.MissCount)

	require.NoError(t, s.ResetMissCount(ctx, "12"))
	got, err = s.Conversation(ctx, "12")
	require.NoError(t, err)
	assert.Equal(t, 0, got.MissCount)
}

func TestMessagesOrderAndAck(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConversation(ctx, models.Conversation{ID: "12", CreatorID: "7"}))
	require.NoError(t, s.SaveMessage(ctx, models.Message{ID: "b", ConversationID: "12", SenderID: "7", Body: "second", Timestamp: 200}))
	require.NoError(t, s.SaveMessage(ctx, models.Message{ID: "a", ConversationID: "12", SenderID: "7", Body: "first", Timestamp: 100}))

	msgs, err := s.Messages(ctx, "12")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Body)
	assert.Equal(t, "second", msgs[1].Body)

	require.NoError(t, s.MarkMessageAcked(ctx, "a", 150))
	got, err := s.Message(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.Acked)
	assert.Equal(t, int64(150), got.Timestamp)

	assert.ErrorIs(t, s.MarkMessageAcked(ctx, "nope", 1), ErrNotFound)
}

func TestRemapIDRewritesEveryReference(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAttendee(ctx, models.Attendee{ID: "7"}))
	conv := models.Conversation{
		ID:          "-42",
		Title:       "offline chat",
		CreatorID:   "7",
		AttendeeIDs: []string{"7"},
	}
	require.NoError(t, s.SaveConversation(ctx, conv))
	require.NoError(t, s.SaveMessage(ctx, models.Message{ID: "m1", ConversationID: "-42", SenderID: "7", Body: "hi", Timestamp: 1}))
	_, err := s.AddSyncItem(ctx, models.SyncItem{ItemID: "-42", ItemType: models.ItemConversation, Channel: models.ChannelREST})
	require.NoError(t, err)

	before, err := s.ReferenceCount(ctx, "-42")
	require.NoError(t, err)
	require.Greater(t, before, 0)

	require.NoError(t, s.RemapID(ctx, "-42", "100"))

	stale, err := s.ReferenceCount(ctx, "-42")
	require.NoError(t, err)
	assert.Zero(t, stale, "no reference to the temporary id may survive")

	after, err := s.ReferenceCount(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := s.Conversation(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "offline chat", got.Title)

	msgs, err := s.Messages(ctx, "100")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	items, err := s.SyncItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "100", items[0].ItemID)
}

func TestRemapIDIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConversation(ctx, models.Conversation{ID: "-42", CreatorID: "7"}))
	require.NoError(t, s.RemapID(ctx, "-42", "100"))
	require.NoError(t, s.RemapID(ctx, "-42", "100"))
	require.NoError(t, s.RemapID(ctx, "100", "100"))

	_, err := s.Conversation(ctx, "100")
	assert.NoError(t, err)
}

func TestEventsBetween(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveEvent(ctx, models.Event{ID: "e1", Title: "inside", StartTime: 100, EndTime: 200, CreatorID: "7"}))
	require.NoError(t, s.SaveEvent(ctx, models.Event{ID: "e2", Title: "outside", StartTime: 500, EndTime: 600, CreatorID: "7"}))
	require.NoError(t, s.SaveEvent(ctx, models.Event{ID: "e3", Title: "overlapping", StartTime: 150, EndTime: 550, CreatorID: "7"}))

	events, err := s.EventsBetween(ctx, 120, 300)
	require.NoError(t, err)
	var titles []string
	for _, e := range events {
		titles = append(titles, e.Title)
	}
	assert.ElementsMatch(t, []string{"inside", "overlapping"}, titles)
}

func TestTemporaryIDsListsOnlyUnsyncedEntities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAttendee(ctx, models.Attendee{ID: "7"}))
	require.NoError(t, s.SaveConversation(ctx, models.Conversation{ID: "-11", CreatorID: "7"}))
	require.NoError(t, s.SaveEvent(ctx, models.Event{ID: "-12", Title: "party", CreatorID: "7"}))
	require.NoError(t, s.SaveConversation(ctx, models.Conversation{ID: "12", CreatorID: "7"}))

	ids, err := s.TemporaryIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"-11": true, "-12": true}, ids)
}

func TestConversationsOrderedByLatestMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAttendee(ctx, models.Attendee{ID: "7"}))
	for _, id := range []string{"a", "b", "quiet"} {
		require.NoError(t, s.SaveConversation(ctx, models.Conversation{ID: id, CreatorID: "7"}))
	}
	require.NoError(t, s.SaveMessage(ctx, models.Message{ID: "m1", ConversationID: "a", SenderID: "7", Timestamp: 100}))
	require.NoError(t, s.SaveMessage(ctx, models.Message{ID: "m2", ConversationID: "b", SenderID: "7", Timestamp: 300}))
	require.NoError(t, s.SaveMessage(ctx, models.Message{ID: "m3", ConversationID: "a", SenderID: "7", Timestamp: 200}))

	convs, err := s.Conversations(ctx)
	require.NoError(t, err)
	var order []string
	for _, c := range convs {
		order = append(order, c.ID)
	}
	assert.Equal(t, []string{"b", "a", "quiet"}, order, "newest activity first, idle conversations last")
}

func TestAttendeeMembershipChanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"7", "3", "4"} {
		require.NoError(t, s.SaveAttendee(ctx, models.Attendee{ID: id}))
	}
	require.NoError(t, s.SaveConversation(ctx, models.Conversation{ID: "12", CreatorID: "7", AttendeeIDs: []string{"7"}}))

	require.NoError(t, s.AddConversationAttendees(ctx, "12", []string{"3", "4"}))
	ids, err := s.ConversationAttendeeIDs(ctx, "12")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"7", "3", "4"}, ids)

	require.NoError(t, s.DropConversationAttendees(ctx, "12", []string{"3"}))
	ids, err = s.ConversationAttendeeIDs(ctx, "12")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"7", "4"}, ids)
}
