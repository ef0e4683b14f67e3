// Package identity issues temporary ids for entities the server has not
// acknowledged yet, and remaps every reference once a permanent id arrives.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/supercaly/syncd/internal/gateway"
	"github.com/supercaly/syncd/internal/models"
	"github.com/supercaly/syncd/pkg/metrics"
)

// Store is the durable side of the resolver.
type Store interface {
	RemapID(ctx context.Context, oldID, newID string) error
	SaveAttendee(ctx context.Context, a models.Attendee) error
	Attendees(ctx context.Context) ([]models.Attendee, error)
}

// Directory is the subset of the REST gateway the resolver needs to turn a
// local contact into a registered user.
type Directory interface {
	CreateUser(ctx context.Context, a models.Attendee, password string) (string, error)
	User(ctx context.Context, id string) (models.Attendee, error)
}

// Resolver allocates temporary ids and performs atomic remaps. It also keeps
// the in-memory user directory (id -> attendee) that the dispatcher consults
// on every inbound payload.
type Resolver struct {
	store     Store
	directory Directory
	logger    *slog.Logger

	mu     sync.Mutex
	users  map[string]models.Attendee
	loaded bool
}

func NewResolver(store Store, directory Directory, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:     store,
		directory: directory,
		logger:    logger,
		users:     make(map[string]models.Attendee),
	}
}

// AllocateTemporaryID returns a fresh negative-space id distinct from every
// id in the exclusion set. Temporary ids never collide with server ids,
// which are non-negative.
func AllocateTemporaryID(existing map[string]bool) string {
	for {
		id := "-" + strconv.FormatInt(rand.Int64N(1<<62)+1, 10)
		if !existing[id] {
			return id
		}
	}
}

// IsTemporary reports whether id belongs to the client-generated negative
// value space.
func IsTemporary(id string) bool {
	return len(id) > 1 && id[0] == '-'
}

// Remap rewrites every reference to oldID, durable side first. The
// in-memory directory is only touched after the store transaction commits,
// so a failed rewrite leaves both sides on the old id.
func (r *Resolver) Remap(ctx context.Context, oldID, newID string) error {
	if oldID == newID || oldID == "" || newID == "" {
		return nil
	}
	if err := r.store.RemapID(ctx, oldID, newID); err != nil {
		metrics.RemapFailures.Inc()
		return fmt.Errorf("identity remap failed: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.users[oldID]; ok {
		delete(r.users, oldID)
		a.ID = newID
		a.Registered = true
		r.users[newID] = a
	}
	return nil
}

func (r *Resolver) loadLocked(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	all, err := r.store.Attendees(ctx)
	if err != nil {
		return err
	}
	for _, a := range all {
		r.users[a.ID] = a
	}
	r.loaded = true
	return nil
}

// HasUser reports whether the id is known locally.
func (r *Resolver) HasUser(ctx context.Context, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(ctx); err != nil {
		r.logger.Error("Failed to load user directory", "error", err)
		return false
	}
	_, ok := r.users[id]
	return ok
}

// UserByID returns a locally known attendee.
func (r *Resolver) UserByID(ctx context.Context, id string) (models.Attendee, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(ctx); err != nil {
		r.logger.Error("Failed to load user directory", "error", err)
		return models.Attendee{}, false
	}
	a, ok := r.users[id]
	return a, ok
}

// CacheUser persists an attendee and adds it to the directory.
func (r *Resolver) CacheUser(ctx context.Context, a models.Attendee) error {
	if err := r.store.SaveAttendee(ctx, a); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[a.ID] = a
	return nil
}

// ResolveUser returns the attendee for id, fetching it from the REST service
// and caching it when it is not known locally. An unresolvable reference is
// a protocol desync: the caller must abort its mutation.
func (r *Resolver) ResolveUser(ctx context.Context, id string) (models.Attendee, error) {
	if a, ok := r.UserByID(ctx, id); ok {
		return a, nil
	}
	a, err := r.directory.User(ctx, id)
	if err != nil {
		return models.Attendee{}, fmt.Errorf("cannot resolve attendee %s: %w", id, err)
	}
	a.ID = id
	if err := r.CacheUser(ctx, a); err != nil {
		return models.Attendee{}, err
	}
	return a, nil
}

// EnsureUser makes sure a contact exists as a registered server user. An
// already-registered email is recovered via lookup inside the gateway; when
// the service is unreachable the contact keeps a temporary id so dependent
// operations can proceed and reconcile later.
func (r *Resolver) EnsureUser(ctx context.Context, contact models.Attendee, password string) (models.Attendee, error) {
	if contact.ID != "" && !IsTemporary(contact.ID) {
		if known, ok := r.UserByID(ctx, contact.ID); ok {
			return known, nil
		}
	}

	serverID, err := r.directory.CreateUser(ctx, contact, password)
	switch {
	case err == nil:
		contact.ID = serverID
		contact.Registered = true
	case errors.Is(err, gateway.ErrUnavailable):
		if contact.ID == "" {
			contact.ID = AllocateTemporaryID(r.knownIDs(ctx))
		}
		contact.Registered = false
	default:
		return models.Attendee{}, err
	}

	if err := r.CacheUser(ctx, contact); err != nil {
		return models.Attendee{}, err
	}
	return contact, nil
}

func (r *Resolver) knownIDs(ctx context.Context) map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(ctx); err != nil {
		r.logger.Error("Failed to load user directory", "error", err)
	}
	ids := make(map[string]bool, len(r.users))
	for id := range r.users {
		ids[id] = true
	}
	return ids
}
