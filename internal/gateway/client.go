// Package gateway is the synchronous REST client for the backing service.
// Every create-style call returns the server-assigned permanent id on
// success; failures are classified into the transient/rejected taxonomy the
// sync queue depends on.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/supercaly/syncd/internal/models"
)

// Server status codes carried in the response envelope.
const (
	statusOK             = 0
	statusNoUser         = 1
	statusWrongPassword  = 2
	statusError          = 3
	statusNoConversation = 4
	statusNoEvent        = 5
)

var (
	// ErrUnavailable marks transport-level failures: no response from the
	// service. Callers recover by enqueueing a sync item.
	ErrUnavailable = errors.New("gateway: service unavailable")
	// ErrRejected marks an explicit server rejection, e.g. a duplicate
	// resource. Resolved by a compensating lookup, never a blind retry.
	ErrRejected = errors.New("gateway: request rejected")
	// ErrNotFound marks lookups for entities the server does not know.
	ErrNotFound = errors.New("gateway: not found")
)

// ConversationInfo is the server's view of a conversation.
type ConversationInfo struct {
	ID          string
	EventID     string
	Title       string
	CreatorID   string
	AttendeeIDs []string
}

// Client talks to the REST service. Safe for concurrent use.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type envelope struct {
	Status         *int          `json:"status"`
	UID            json.Number   `json:"uId"`
	EventID        string        `json:"eventId"`
	ConversationID string        `json:"cId"`
	Title          string        `json:"title"`
	CreatorID      json.Number   `json:"creatorId"`
	StartTime      int64         `json:"startTime"`
	EndTime        int64         `json:"endTime"`
	AttendeeIDs    []json.Number `json:"attendeesId"`
	Email          string        `json:"email"`
	Phone          string        `json:"phoneNumber"`
	FirstName      string        `json:"firstName"`
	LastName       string        `json:"lastName"`
	UserName       string        `json:"userName"`
	MediaID        string        `json:"mediaId"`
}

func (e *envelope) attendeeIDs() []string {
	if len(e.AttendeeIDs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(e.AttendeeIDs))
	for _, n := range e.AttendeeIDs {
		ids = append(ids, n.String())
	}
	return ids
}

// do performs one request and decodes the response envelope. Transport
// failures and non-200 responses map to ErrUnavailable; a status field other
// than OK maps to ErrRejected/ErrNotFound.
func (c *Client) do(ctx context.Context, method, path string, body any) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}

	if env.Status != nil {
		switch *env.Status {
		case statusOK:
		case statusNoUser, statusNoConversation, statusNoEvent:
			return &env, ErrNotFound
		default:
			return &env, ErrRejected
		}
	}
	return &env, nil
}

// CreateConversation registers a locally created conversation and returns
// its permanent id. A duplicate rejection is resolved by looking the
// conversation up and returning the canonical id.
func (c *Client) CreateConversation(ctx context.Context, id, title, creatorID string, attendeeIDs []string) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/conversation/createConversation", map[string]any{
		"cId":         id,
		"title":       title,
		"creatorId":   creatorID,
		"attendeesId": attendeeIDs,
	})
	if errors.Is(err, ErrRejected) {
		info, lookupErr := c.Conversation(ctx, id)
		if lookupErr != nil {
			return "", fmt.Errorf("duplicate conversation lookup failed: %w", lookupErr)
		}
		return info.ID, nil
	}
	if err != nil {
		return "", err
	}
	if env.ConversationID == "" {
		return "", fmt.Errorf("%w: no conversation id in response", ErrUnavailable)
	}
	return env.ConversationID, nil
}

// CreateEvent registers an event and returns the server-assigned id.
func (c *Client) CreateEvent(ctx context.Context, e models.Event) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/event/createEvent", map[string]any{
		"eventId":     e.ID,
		"eventType":   e.Type,
		"title":       e.Title,
		"location":    e.Location,
		"startTime":   e.StartTime,
		"endTime":     e.EndTime,
		"creatorId":   e.CreatorID,
		"createTime":  e.CreateTime,
		"attendeesId": e.AttendeeIDs,
	})
	if err != nil {
		return "", err
	}
	if env.EventID == "" {
		return "", fmt.Errorf("%w: no event id in response", ErrUnavailable)
	}
	return env.EventID, nil
}

// CreateEventConversation links a conversation to an event on the server and
// returns the confirmation id.
func (c *Client) CreateEventConversation(ctx context.Context, eventID, conversationID, title, creatorID string, attendeeIDs []string) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/conversation/createEventConversation", map[string]any{
		"eventId":     eventID,
		"cId":         conversationID,
		"title":       title,
		"creatorId":   creatorID,
		"attendeesId": attendeeIDs,
	})
	if err != nil {
		return "", err
	}
	if env.ConversationID != "" {
		return env.ConversationID, nil
	}
	return conversationID, nil
}

// CreateUser registers a user and returns the permanent id. A duplicate
// rejection (the address is already registered) is resolved by looking the
// user up by email and returning the existing id.
func (c *Client) CreateUser(ctx context.Context, a models.Attendee, password string) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/user/createUser", map[string]any{
		"email":       a.Email,
		"firstName":   a.FirstName,
		"lastName":    a.LastName,
		"mediaId":     a.MediaID,
		"phoneNumber": a.Phone,
		"userName":    a.UserName,
		"password":    password,
	})
	if errors.Is(err, ErrRejected) {
		existing, lookupErr := c.UserByEmail(ctx, a.Email)
		if lookupErr != nil {
			return "", fmt.Errorf("duplicate user lookup failed: %w", lookupErr)
		}
		return existing.ID, nil
	}
	if err != nil {
		return "", err
	}
	if env.UID.String() == "" {
		return "", fmt.Errorf("%w: no user id in response", ErrUnavailable)
	}
	return env.UID.String(), nil
}

func (c *Client) userFrom(env *envelope) models.Attendee {
	return models.Attendee{
		ID:         env.UID.String(),
		MediaID:    env.MediaID,
		Email:      env.Email,
		Phone:      env.Phone,
		FirstName:  env.FirstName,
		LastName:   env.LastName,
		UserName:   env.UserName,
		Registered: true,
	}
}

// User fetches a user record by id.
func (c *Client) User(ctx context.Context, id string) (models.Attendee, error) {
	env, err := c.do(ctx, http.MethodGet, "/user/basicInfo/"+url.PathEscape(id), nil)
	if err != nil {
		return models.Attendee{}, err
	}
	u := c.userFrom(env)
	if u.ID == "" {
		u.ID = id
	}
	return u, nil
}

// UserByEmail fetches a user record by email address.
func (c *Client) UserByEmail(ctx context.Context, email string) (models.Attendee, error) {
	env, err := c.do(ctx, http.MethodGet, "/user/getUserByEmail/"+url.PathEscape(email), nil)
	if err != nil {
		return models.Attendee{}, err
	}
	return c.userFrom(env), nil
}

// UserByPhone fetches a user record by phone number.
func (c *Client) UserByPhone(ctx context.Context, phone string) (models.Attendee, error) {
	env, err := c.do(ctx, http.MethodGet, "/user/getUserByPhoneNumber/"+url.PathEscape(phone), nil)
	if err != nil {
		return models.Attendee{}, err
	}
	return c.userFrom(env), nil
}

// Conversation fetches the server's record of a conversation.
func (c *Client) Conversation(ctx context.Context, id string) (ConversationInfo, error) {
	env, err := c.do(ctx, http.MethodGet, "/conversation/"+url.PathEscape(id), nil)
	if err != nil {
		return ConversationInfo{}, err
	}
	info := ConversationInfo{
		ID:          id,
		EventID:     env.EventID,
		Title:       env.Title,
		CreatorID:   env.CreatorID.String(),
		AttendeeIDs: env.attendeeIDs(),
	}
	if env.ConversationID != "" {
		info.ID = env.ConversationID
	}
	return info, nil
}

// Event fetches the server's record of an event, along with the id of the
// conversation attached to it (empty if none).
func (c *Client) Event(ctx context.Context, id string) (models.Event, string, error) {
	env, err := c.do(ctx, http.MethodGet, "/event/"+url.PathEscape(id), nil)
	if err != nil {
		return models.Event{}, "", err
	}
	e := models.Event{
		ID:          id,
		Title:       env.Title,
		StartTime:   env.StartTime,
		EndTime:     env.EndTime,
		CreatorID:   env.CreatorID.String(),
		AttendeeIDs: env.attendeeIDs(),
	}
	if env.EventID != "" {
		e.ID = env.EventID
	}
	return e, env.ConversationID, nil
}

// AddConversationAttendees registers new conversation members on the server.
func (c *Client) AddConversationAttendees(ctx context.Context, conversationID string, attendeeIDs []string) error {
	_, err := c.do(ctx, http.MethodPost, "/conversation/addAttendees", map[string]any{
		"cId":         conversationID,
		"attendeesId": attendeeIDs,
	})
	return err
}

// DropConversationAttendees removes conversation members on the server.
func (c *Client) DropConversationAttendees(ctx context.Context, conversationID string, attendeeIDs []string) error {
	_, err := c.do(ctx, http.MethodPost, "/conversation/dropAttendees", map[string]any{
		"cId":         conversationID,
		"attendeesId": attendeeIDs,
	})
	return err
}
