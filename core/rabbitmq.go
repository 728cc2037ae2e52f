package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// transientError marks handler failures that should requeue the delivery
// instead of acking it (broker/db connectivity, not bad input).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the consumer loop requeues the message.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was wrapped by Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// RabbitMQClient owns the single process-wide AMQP connection. Consumers
// multiplex channels over it; publishing goes through one dedicated channel
// guarded by a mutex (amqp091 channels are not safe for concurrent use).
type RabbitMQClient struct {
	url string

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

func NewRabbitMQClient(url string) *RabbitMQClient {
	return &RabbitMQClient{url: url}
}

// reconnectPolicy is exponential backoff base 1s, cap 30s, with jitter.
func reconnectPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.WithContext(bo, ctx)
}

// Connect dials the broker, retrying until ctx is canceled.
func (c *RabbitMQClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *RabbitMQClient) connectLocked(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}
	c.pubCh = nil
	return backoff.Retry(func() error {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			log.Printf("[rabbitmq] dial failed, retrying: %v", err)
			return err
		}
		c.conn = conn
		return nil
	}, reconnectPolicy(ctx))
}

// Close shuts down the connection and all channels on it.
func (c *RabbitMQClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubCh = nil
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// channel opens a fresh channel, reconnecting the underlying connection
// first when needed.
func (c *RabbitMQClient) channel(ctx context.Context) (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c.conn.Channel()
}

func declareDurable(ch *amqp.Channel, queue string) (amqp.Queue, error) {
	return ch.QueueDeclare(queue, true, false, false, false, nil)
}

// Publish sends one message to queue with persistent delivery mode, routing
// key equal to the queue name, declaring the queue durable first.
func (c *RabbitMQClient) Publish(ctx context.Context, queue string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	if c.pubCh == nil || c.pubCh.IsClosed() {
		ch, err := c.conn.Channel()
		if err != nil {
			return err
		}
		c.pubCh = ch
	}
	if _, err := declareDurable(c.pubCh, queue); err != nil {
		c.pubCh = nil
		return err
	}
	err := c.pubCh.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		c.pubCh = nil
	}
	return err
}

// Consume pulls messages from queue one at a time (prefetch 1) and feeds
// their bodies to handler. The delivery is acked after handler returns;
// transient handler errors requeue instead. The loop reconnects with backoff
// when the channel dies and only returns once ctx is canceled.
func (c *RabbitMQClient) Consume(ctx context.Context, queue string, handler func(context.Context, []byte) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ch, err := c.channel(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if err := c.consumeChannel(ctx, ch, queue, handler); err != nil {
			return err
		}
		// Channel died underneath us: reconnect and resume.
		log.Printf("[rabbitmq] consumer channel closed for %s, reconnecting", queue)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// consumeChannel drains one channel. Returns nil when the channel closed
// (caller reconnects) and ctx.Err() on shutdown.
func (c *RabbitMQClient) consumeChannel(ctx context.Context, ch *amqp.Channel, queue string, handler func(context.Context, []byte) error) error {
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return nil
	}
	if _, err := declareDurable(ch, queue); err != nil {
		return nil
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			err := handler(ctx, msg.Body)
			if err != nil && IsTransient(err) {
				log.Printf("[rabbitmq] transient handler error, requeueing: %v", err)
				_ = msg.Nack(false, true)
				continue
			}
			if err != nil {
				log.Printf("[rabbitmq] handler error (acked, not retriable): %v", err)
			}
			_ = msg.Ack(false)
		}
	}
}

// RPCCall publishes body to queue with a correlation id and waits on an
// exclusive reply queue for the matching response. On timeout the reply
// consumer is torn down and the call fails.
func (c *RabbitMQClient) RPCCall(ctx context.Context, queue string, body []byte, timeout time.Duration) ([]byte, error) {
	ch, err := c.channel(ctx)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies, err := ch.ConsumeWithContext(callCtx, replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	err = ch.PublishWithContext(callCtx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	})
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-callCtx.Done():
			return nil, fmt.Errorf("rpc call to %s timed out after %s", queue, timeout)
		case msg, ok := <-replies:
			if !ok {
				return nil, errors.New("reply channel closed before response")
			}
			if msg.CorrelationId != correlationID {
				continue
			}
			return msg.Body, nil
		}
	}
}
