package identity

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supercaly/syncd/internal/gateway"
	"github.com/supercaly/syncd/internal/models"
)

type fakeStore struct {
	attendees map[string]models.Attendee
	remapErr  error
	remaps    [][2]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{attendees: make(map[string]models.Attendee)}
}

func (f *fakeStore) RemapID(ctx context.Context, oldID, newID string) error {
	if f.remapErr != nil {
		return f.remapErr
	}
	f.remaps = append(f.remaps, [2]string{oldID, newID})
	if a, ok := f.attendees[oldID]; ok {
		delete(f.attendees, oldID)
		a.ID = newID
		f.attendees[newID] = a
	}
	return nil
}

func (f *fakeStore) SaveAttendee(ctx context.Context, a models.Attendee) error {
	f.attendees[a.ID] = a
	return nil
}

func (f *fakeStore) Attendees(ctx context.Context) ([]models.Attendee, error) {
	var out []models.Attendee
	for _, a := range f.attendees {
		out = append(out, a)
	}
	return out, nil
}

type fakeDirectory struct {
	createID  string
	createErr error
	users     map[string]models.Attendee
	userErr   error
	creates   int
}

func (f *fakeDirectory) CreateUser(ctx context.Context, a models.Attendee, password string) (string, error) {
	f.creates++
	return f.createID, f.createErr
}

func (f *fakeDirectory) User(ctx context.Context, id string) (models.Attendee, error) {
	if f.userErr != nil {
		return models.Attendee{}, f.userErr
	}
	a, ok := f.users[id]
	if !ok {
		return models.Attendee{}, gateway.ErrNotFound
	}
	return a, nil
}

func newResolver(st *fakeStore, dir *fakeDirectory) *Resolver {
	return NewResolver(st, dir, slog.New(slog.DiscardHandler))
}

func TestAllocateTemporaryIDAvoidsCollisions(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := AllocateTemporaryID(seen)
		require.True(t, IsTemporary(id))
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestIsTemporary(t *testing.T) {
	assert.True(t, IsTemporary("-42"))
	assert.False(t, IsTemporary("42"))
	assert.False(t, IsTemporary(""))
	assert.False(t, IsTemporary("-"))
}

func TestRemapRewritesStoreThenCache(t *testing.T) {
	st := newFakeStore()
	st.attendees["-5"] = models.Attendee{ID: "-5", Email: "new@example.com"}
	r := newResolver(st, &fakeDirectory{})
	ctx := context.Background()

	require.True(t, r.HasUser(ctx, "-5"))
	require.NoError(t, r.Remap(ctx, "-5", "77"))

	assert.False(t, r.HasUser(ctx, "-5"))
	got, ok := r.UserByID(ctx, "77")
	require.True(t, ok)
	assert.Equal(t, "77", got.ID)
	assert.True(t, got.Registered)
	assert.Equal(t, [][2]string{{"-5", "77"}}, st.remaps)
}

func TestRemapFailureLeavesCacheUntouched(t *testing.T) {
	st := newFakeStore()
	st.attendees["-5"] = models.Attendee{ID: "-5"}
	st.remapErr = errors.New("disk full")
	r := newResolver(st, &fakeDirectory{})
	ctx := context.Background()

	require.True(t, r.HasUser(ctx, "-5"))
	err := r.Remap(ctx, "-5", "77")
	require.Error(t, err)

	assert.True(t, r.HasUser(ctx, "-5"), "old id must survive a failed remap")
	assert.False(t, r.HasUser(ctx, "77"))
}

func TestRemapNoopCases(t *testing.T) {
	st := newFakeStore()
	r := newResolver(st, &fakeDirectory{})
	ctx := context.Background()

	require.NoError(t, r.Remap(ctx, "5", "5"))
	require.NoError(t, r.Remap(ctx, "", "5"))
	require.NoError(t, r.Remap(ctx, "5", ""))
	assert.Empty(t, st.remaps)
}

func TestResolveUserFetchesAndCaches(t *testing.T) {
	st := newFakeStore()
	dir := &fakeDirectory{users: map[string]models.Attendee{
		"9": {Email: "nine@example.com", Registered: true},
	}}
	r := newResolver(st, dir)
	ctx := context.Background()

	got, err := r.ResolveUser(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, "9", got.ID)
	assert.Equal(t, "nine@example.com", got.Email)

	// Second resolve hits the cache, and the fetched user is durable
	_, err = r.ResolveUser(ctx, "9")
	require.NoError(t, err)
	assert.Contains(t, st.attendees, "9")
}

func TestResolveUserUnknownIsAnError(t *testing.T) {
	r := newResolver(newFakeStore(), &fakeDirectory{users: map[string]models.Attendee{}})
	_, err := r.ResolveUser(context.Background(), "404")
	assert.Error(t, err)
}

func TestEnsureUserRegistersContact(t *testing.T) {
	st := newFakeStore()
	dir := &fakeDirectory{createID: "55"}
	r := newResolver(st, dir)

	got, err := r.EnsureUser(context.Background(), models.Attendee{Email: "x@example.com"}, "")
	require.NoError(t, err)
	assert.Equal(t, "55", got.ID)
	assert.True(t, got.Registered)
	assert.Contains(t, st.attendees, "55")
}

func TestEnsureUserOfflineFallsBackToTemporaryID(t *testing.T) {
	st := newFakeStore()
	dir := &fakeDirectory{createErr: gateway.ErrUnavailable}
	r := newResolver(st, dir)

	got, err := r.EnsureUser(context.Background(), models.Attendee{Email: "x@example.com"}, "")
	require.NoError(t, err)
	assert.True(t, IsTemporary(got.ID))
	assert.False(t, got.Registered)
}

func TestEnsureUserSkipsKnownPermanentID(t *testing.T) {
	st := newFakeStore()
	st.attendees["7"] = models.Attendee{ID: "7", Registered: true}
	dir := &fakeDirectory{}
	r := newResolver(st, dir)

	got, err := r.EnsureUser(context.Background(), models.Attendee{ID: "7"}, "")
	require.NoError(t, err)
	assert.Equal(t, "7", got.ID)
	assert.Zero(t, dir.creates)
}
