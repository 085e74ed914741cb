// Package broker wraps the RabbitMQ connection used by the gateway and the
// workers: durable queue topology, JSON publishing, prefetch-bounded
// consumption, and passive depth inspection.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/euglena-ai/euglena/pkg/config"
)

// ErrClosed indicates the client was closed.
var ErrClosed = errors.New("broker: client closed")

// Client is a RabbitMQ connection shared by publishers and consumers of one
// process. Channel operations reopen the connection with exponential backoff
// after a broker restart.
type Client struct {
	cfg *config.BrokerConfig
	log *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool

	stopOnce sync.Once
}

// Dial connects to the broker, retrying with exponential backoff until the
// context is cancelled or the configured elapsed budget runs out.
func Dial(ctx context.Context, cfg *config.BrokerConfig) (*Client, error) {
	c := &Client{
		cfg: cfg,
		log: slog.With("component", "broker"),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	if err := c.declareQueues(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = c.cfg.ReconnectMaxElapsed

	return backoff.Retry(func() error {
		conn, err := amqp.Dial(c.cfg.URL)
		if err != nil {
			c.log.Warn("Broker dial failed, retrying", "error", err)
			return err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.ch = ch
		c.mu.Unlock()
		return nil
	}, backoff.WithContext(expo, ctx))
}

// declareQueues ensures the durable queue topology exists.
func (c *Client) declareQueues() error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	for _, q := range []string{c.cfg.MandateQueue, c.cfg.StatusQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring queue %q: %w", q, err)
		}
	}
	return nil
}

// channel returns the live channel, reconnecting if the connection dropped.
func (c *Client) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	conn, ch := c.conn, c.ch
	c.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return ch, nil
	}
	if err := c.connect(context.Background()); err != nil {
		return nil, err
	}
	c.mu.Lock()
	ch = c.ch
	c.mu.Unlock()
	return ch, nil
}

// Publish marshals v as JSON and publishes it persistently to queue.
func (c *Client) Publish(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message for %q: %w", queue, err)
	}
	ch, err := c.channel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// QueueDepth returns the number of ready messages in queue. Unacked messages
// held by consumers are not counted, which is why workers run prefetch 1.
func (c *Client) QueueDepth(queue string) (int, error) {
	ch, err := c.channel()
	if err != nil {
		return 0, err
	}
	state, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspecting queue %q: %w", queue, err)
	}
	return state.Messages, nil
}

// Delivery is one consumed message with manual acknowledgement.
type Delivery struct {
	Body []byte

	tag uint64
	ack amqp.Acknowledger
}

// NewDelivery builds a Delivery around an acknowledger; used by tests.
func NewDelivery(body []byte, tag uint64, ack amqp.Acknowledger) Delivery {
	return Delivery{Body: body, tag: tag, ack: ack}
}

// Ack acknowledges the message.
func (d Delivery) Ack() error {
	return d.ack.Ack(d.tag, false)
}

// Reject negatively acknowledges the message, optionally re-queueing it.
func (d Delivery) Reject(requeue bool) error {
	return d.ack.Nack(d.tag, false, requeue)
}

// Decode unmarshals the message body into v.
func (d Delivery) Decode(v any) error {
	return json.Unmarshal(d.Body, v)
}

// Consume delivers messages from queue to handler until the context is
// cancelled. The prefetch window bounds unacked messages per consumer; the
// handler owns acknowledgement. A dropped channel is reopened with backoff.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int, handler func(context.Context, Delivery)) error {
	for {
		ch, err := c.channel()
		if err != nil {
			return err
		}
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("setting prefetch on %q: %w", queue, err)
		}
		deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consuming %q: %w", queue, err)
		}

		open := true
		for open {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case d, ok := <-deliveries:
				if !ok {
					open = false
					break
				}
				handler(ctx, Delivery{Body: d.Body, tag: d.DeliveryTag, ack: d.Acknowledger})
			}
		}

		// Channel dropped: reconnect unless we are shutting down.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("Consumer channel closed, reconnecting", "queue", queue)
		if err := c.connect(ctx); err != nil {
			return err
		}
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}
