package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/supercaly/syncd/internal/push"
	"github.com/supercaly/syncd/pkg/metrics"
)

// Exchange carries every push payload. Each user has a routing key under it;
// a payload fans out to all listed recipients, including the sender itself,
// which is how echoes come back.
const Exchange = "supercaly.push"

// RoutingKey returns the per-user routing key payloads are published under.
func RoutingKey(userID string) string {
	return "user." + userID
}

// Client handles the low-level communication with the push broker.
type Client struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	onDown     func()
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewClient connects to the broker, declares the push exchange and enables
// publisher confirms. onDown, if non-nil, fires once when the link drops.
func NewClient(url string, onDown func(), l *slog.Logger) (*Client, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %v", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open broker channel: %v", err)
	}

	if err := ch.ExchangeDeclare(
		Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare push exchange: %v", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate publisher confirms: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		conn:       c,
		channel:    ch,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		onDown:     onDown,
		ctx:        ctx,
		cancel:     cancel,
	}

	client.healthy.Store(true)
	metrics.PushConnected.Set(1)

	client.conn.NotifyClose(client.connClosed)
	client.channel.NotifyClose(client.chanClosed)

	go func() {
		select {
		case err := <-client.connClosed:
			client.markDown("connection closed", err)
		case err := <-client.chanClosed:
			client.markDown("channel closed", err)
		case <-client.ctx.Done():
			return
		}
	}()

	l.Info("Connected to push broker", "url", url)
	return client, nil
}

func (c *Client) markDown(reason string, err *amqp.Error) {
	c.healthy.Store(false)
	metrics.PushConnected.Set(0)
	c.logger.Warn("Push broker link lost", "reason", reason, "error", err)
	if c.onDown != nil {
		c.onDown()
	}
}

// Send publishes one action-tagged payload to every recipient and blocks
// until the broker confirms each copy. Reliability beyond the confirm comes
// from the sync queue on top, not from retries here.
func (c *Client) Send(ctx context.Context, p push.Payload, recipients []string) error {
	if !c.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	body, err := p.Encode()
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %v", err)
	}

	correlationID := uuid.NewString()
	l := c.logger.With(
		"action", p.Action,
		"correlation_id", correlationID,
	)

	for _, recipient := range recipients {
		deferred, err := c.channel.PublishWithDeferredConfirmWithContext(
			ctx,
			Exchange,
			RoutingKey(recipient),
			false,
			false,
			amqp.Publishing{
				CorrelationId: correlationID,
				ContentType:   "application/json",
				DeliveryMode:  amqp.Persistent,
				Body:          body,
			},
		)
		if err != nil {
			l.Error("Failed to publish push payload", "recipient", recipient, "error", err)
			return fmt.Errorf("publish call failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deferred.Done():
			if !deferred.Acked() {
				return fmt.Errorf("broker NACK: payload not persisted")
			}
		case <-time.After(10 * time.Second):
			return fmt.Errorf("publisher confirm timeout")
		}
	}

	metrics.PushMessages.WithLabelValues("out", string(p.Action)).Inc()
	return nil
}

// Close gracefully shuts down the broker resources.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("Terminating push broker client")
		c.cancel()
		if c.channel != nil {
			c.channel.Close()
		}
		if c.conn != nil {
			c.conn.Close()
		}
	})
	return nil
}

// IsHealthy returns true if the connection and channel are active.
func (c *Client) IsHealthy() bool {
	return c.healthy.Load()
}
