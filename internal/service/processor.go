package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/supercaly/syncd/internal/gateway"
	"github.com/supercaly/syncd/internal/models"
	"github.com/supercaly/syncd/internal/push"
	"github.com/supercaly/syncd/pkg/metrics"
)

// QueueStore is the persistence the processor needs: the durable queue plus
// read access to the records queued items point at.
type QueueStore interface {
	AddSyncItem(ctx context.Context, item models.SyncItem) (models.SyncItem, error)
	RemoveSyncItem(ctx context.Context, itemID string, itemType models.ItemType) error
	SyncItems(ctx context.Context) ([]models.SyncItem, error)
	CountSyncItems(ctx context.Context) (int, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	Event(ctx context.Context, id string) (models.Event, error)
	Message(ctx context.Context, id string) (models.Message, error)
}

// Creator is the gateway surface queued REST operations replay against.
type Creator interface {
	CreateConversation(ctx context.Context, id, title, creatorID string, attendeeIDs []string) (string, error)
	CreateEvent(ctx context.Context, e models.Event) (string, error)
	CreateEventConversation(ctx context.Context, eventID, conversationID, title, creatorID string, attendeeIDs []string) (string, error)
}

// Remapper swaps a temporary id for its server-assigned one everywhere.
type Remapper interface {
	Remap(ctx context.Context, oldID, newID string) error
}

// Pusher resends queued payloads over the broker.
type Pusher interface {
	Send(ctx context.Context, p push.Payload, recipients []string) error
}

// Processor drains the durable sync queue strictly head first. The head only
// leaves the queue when its operation verifiably reached the server: a REST
// create returning an id, or a broker echo for a push resend. Everything
// behind the head waits, which is what keeps temporary ids from escaping.
type Processor struct {
	store     QueueStore
	creator   Creator
	ids       Remapper
	pusher    Pusher
	conn      *Connectivity
	timers    *AckTimers
	logger    *slog.Logger
	accountID string
	debounce  time.Duration

	// mu is the single-writer guard: every queue mutation and every drain
	// pass runs under it
	mu      sync.Mutex
	lastSeq int64
	lastTry time.Time
}

func NewProcessor(store QueueStore, creator Creator, ids Remapper, pusher Pusher, conn *Connectivity, timers *AckTimers, accountID string, debounce time.Duration, logger *slog.Logger) *Processor {
	return &Processor{
		store:     store,
		creator:   creator,
		ids:       ids,
		pusher:    pusher,
		conn:      conn,
		timers:    timers,
		logger:    logger,
		accountID: accountID,
		debounce:  debounce,
		lastSeq:   -1,
	}
}

// Enqueue appends an operation to the durable queue.
func (p *Processor) Enqueue(ctx context.Context, itemType models.ItemType, itemID string, channel models.Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item, err := p.store.AddSyncItem(ctx, models.SyncItem{
		ItemID:   itemID,
		ItemType: itemType,
		Channel:  channel,
	})
	if err != nil {
		return err
	}
	p.logger.Info("Operation queued for sync", "item", item.String())
	p.observeDepth(ctx)
	return nil
}

// ProcessQueue attempts to drain the queue from the head. Safe to call from
// any goroutine; concurrent calls serialize.
func (p *Processor) ProcessQueue(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processHead(ctx)
}

// OnAckObserved removes the head if it matches the acknowledged operation,
// then keeps draining. Acks for non-head items are ignored; the queue only
// ever shrinks from the front.
func (p *Processor) OnAckObserved(ctx context.Context, itemType models.ItemType, itemID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	items, err := p.store.SyncItems(ctx)
	if err != nil || len(items) == 0 {
		return
	}
	head := items[0]
	if !head.Matches(itemType, itemID) {
		return
	}
	if err := p.store.RemoveSyncItem(ctx, head.ItemID, head.ItemType); err != nil {
		p.logger.Error("Failed to remove acknowledged head", "item", head.String(), "error", err)
		return
	}
	p.logger.Info("Queued operation acknowledged", "item", head.String())
	metrics.ItemsSynced.WithLabelValues(string(head.ItemType), "acked").Inc()
	p.observeDepth(ctx)
	p.processHead(ctx)
}

func (p *Processor) processHead(ctx context.Context) {
	if !p.conn.Online() {
		return
	}

	items, err := p.store.SyncItems(ctx)
	if err != nil {
		p.logger.Error("Failed to load sync queue", "error", err)
		return
	}
	if len(items) == 0 {
		metrics.QueueDepth.Set(0)
		return
	}

	head := items[0]
	if head.Seq == p.lastSeq && time.Since(p.lastTry) < p.debounce {
		return
	}
	p.lastSeq = head.Seq
	p.lastTry = time.Now()

	switch head.Channel {
	case models.ChannelREST:
		finalID, err := p.replayREST(ctx, head)
		if err != nil {
			if errors.Is(err, gateway.ErrUnavailable) {
				p.logger.Info("Server unreachable, head stays queued", "item", head.String())
				p.conn.SetOnline(false)
				return
			}
			p.logger.Error("Queued operation failed", "item", head.String(), "error", err)
			return
		}
		// The remap already rewrote the queued item id, so removal goes by
		// the server-assigned one
		if err := p.store.RemoveSyncItem(ctx, finalID, head.ItemType); err != nil {
			p.logger.Error("Synced but failed to remove head", "item", head.String(), "error", err)
			return
		}
		metrics.ItemsSynced.WithLabelValues(string(head.ItemType), "synced").Inc()
		p.observeDepth(ctx)
		p.processHead(ctx)

	case models.ChannelPush:
		if err := p.resendPush(ctx, head); err != nil {
			p.logger.Info("Push resend failed, head stays queued", "item", head.String(), "error", err)
			return
		}
		// Removal happens in OnAckObserved when the echo arrives
	}
}

// replayREST re-issues the create call for the head, remaps the temporary id
// to the server-assigned one and returns the final id. The remap must land
// before the item is removed, otherwise items behind the head would replay
// with a dead id.
func (p *Processor) replayREST(ctx context.Context, head models.SyncItem) (string, error) {
	switch head.ItemType {
	case models.ItemConversation:
		conv, err := p.store.Conversation(ctx, head.ItemID)
		if err != nil {
			return "", fmt.Errorf("conversation vanished from store: %w", err)
		}
		serverID, err := p.creator.CreateConversation(ctx, conv.ID, conv.Title, conv.CreatorID, conv.AttendeeIDs)
		if err != nil {
			return "", err
		}
		return serverID, p.remap(ctx, conv.ID, serverID)

	case models.ItemEvent:
		ev, err := p.store.Event(ctx, head.ItemID)
		if err != nil {
			return "", fmt.Errorf("event vanished from store: %w", err)
		}
		serverID, err := p.creator.CreateEvent(ctx, ev)
		if err != nil {
			return "", err
		}
		return serverID, p.remap(ctx, ev.ID, serverID)

	case models.ItemEventConversation:
		conv, err := p.store.Conversation(ctx, head.ItemID)
		if err != nil {
			return "", fmt.Errorf("conversation vanished from store: %w", err)
		}
		serverID, err := p.creator.CreateEventConversation(ctx, conv.EventID, conv.ID, conv.Title, conv.CreatorID, conv.AttendeeIDs)
		if err != nil {
			return "", err
		}
		return serverID, p.remap(ctx, conv.ID, serverID)

	default:
		return "", fmt.Errorf("item type %q cannot replay over REST", head.ItemType)
	}
}

// resendPush republishes the head's payload and arms its confirmation timer.
func (p *Processor) resendPush(ctx context.Context, head models.SyncItem) error {
	switch head.ItemType {
	case models.ItemMessage:
		msg, err := p.store.Message(ctx, head.ItemID)
		if err != nil {
			return fmt.Errorf("message vanished from store: %w", err)
		}
		conv, err := p.store.Conversation(ctx, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("conversation vanished from store: %w", err)
		}
		payload := push.NewMessage(p.accountID, msg.ConversationID, msg.ID, msg.Body, msg.Timestamp, msg.Attachments)
		if err := p.pusher.Send(ctx, payload, withSelf(conv.AttendeeIDs, p.accountID)); err != nil {
			return err
		}
		p.armRetry(head)
		return nil

	case models.ItemEventConversation:
		// The item id is the event id here; the announcement replays to the
		// event's attendees
		ev, err := p.store.Event(ctx, head.ItemID)
		if err != nil {
			return fmt.Errorf("event vanished from store: %w", err)
		}
		payload := push.NewEventConversation(p.accountID, ev.ID)
		if err := p.pusher.Send(ctx, payload, withSelf(ev.AttendeeIDs, p.accountID)); err != nil {
			return err
		}
		p.armRetry(head)
		return nil

	default:
		return fmt.Errorf("item type %q cannot replay over push", head.ItemType)
	}
}

// armRetry schedules another drain pass if the echo never shows up. The
// debounce window still applies, so expiry never causes a tight resend loop.
func (p *Processor) armRetry(head models.SyncItem) {
	p.timers.Arm(head.ItemID, func() {
		p.ProcessQueue(context.Background())
	})
}

func (p *Processor) remap(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	if err := p.ids.Remap(ctx, oldID, newID); err != nil {
		return fmt.Errorf("id remap failed: %w", err)
	}
	p.lastSeq = -1 // head identity changed, drop the debounce
	return nil
}

func (p *Processor) observeDepth(ctx context.Context) {
	if n, err := p.store.CountSyncItems(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
}

// withSelf guarantees the sender is among the recipients so the broker
// echoes the payload back as the delivery acknowledgment.
func withSelf(recipients []string, self string) []string {
	for _, r := range recipients {
		if r == self {
			return recipients
		}
	}
	out := make([]string, 0, len(recipients)+1)
	out = append(out, recipients...)
	return append(out, self)
}
