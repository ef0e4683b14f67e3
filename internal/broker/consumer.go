package broker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/supercaly/syncd/internal/push"
	"github.com/supercaly/syncd/pkg/metrics"
)

// Handler consumes one decoded push payload. A returned error means the
// payload could not be applied; the consumer drops it either way, because a
// payload that failed once will fail on every redelivery.
type Handler interface {
	Handle(ctx context.Context, p push.Payload) error
}

// Consumer manages the connection and message flow from the broker for one
// account's push queue.
type Consumer struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	handler   Handler
	logger    *slog.Logger
	accountID string
}

// NewConsumer initializes the consumer bound to a specific account's routing key.
func NewConsumer(url, accountID string, handler Handler, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %v", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %v", err)
	}

	// QoS: Prefetch 1 ensures payloads apply one by one, maintaining strict order
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %v", err)
	}

	return &Consumer{
		conn:      conn,
		channel:   ch,
		handler:   handler,
		logger:    logger,
		accountID: accountID,
	}, nil
}

// Listen starts the consumption loop and handles the queue/exchange binding.
func (c *Consumer) Listen(ctx context.Context) error {
	queueName := fmt.Sprintf("supercaly.push.user.%s", c.accountID)
	routingKey := RoutingKey(c.accountID)

	// Durable queue so payloads published while the client is offline are
	// delivered on the next connect
	q, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %v", err)
	}

	if err := c.channel.QueueBind(q.Name, routingKey, Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %v", err)
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %v", err)
	}

	c.logger.Info("Push consumer is online and waiting for payloads", "queue", q.Name, "routing_key", routingKey)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			p, err := push.Decode(d.Body)
			if err != nil {
				c.logger.Error("Failed to decode push payload", "error", err)
				d.Nack(false, false) // Drop malformed payloads
				continue
			}

			metrics.PushMessages.WithLabelValues("in", string(p.Action)).Inc()

			if err := c.handler.Handle(ctx, p); err != nil {
				// Payloads that cannot be applied are dropped rather than
				// requeued; local state stays as it was before the payload
				c.logger.Error("Push payload dropped", "action", p.Action, "error", err)
			}

			if err := d.Ack(false); err != nil {
				c.logger.Error("Failed to Ack payload", "action", p.Action, "error", err)
			}
		}
	}
}

// Close gracefully terminates broker resources.
func (c *Consumer) Close() {
	c.logger.Info("Shutting down push consumer")
	c.channel.Close()
	c.conn.Close()
}
