package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome tells the consumer how to settle a delivery once its handler returns.
type Outcome int

const (
	// Ack settles a processed delivery.
	Ack Outcome = iota
	// Retry puts the delivery back on its queue until the subscription's attempt budget
	// runs out, then dead-letters it.
	Retry
	// Reject dead-letters a delivery that can never succeed.
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Handler processes one delivery body.
type Handler func(ctx context.Context, body []byte) Outcome

// Subscription binds one routing key of a topic exchange to a durable queue. Deliveries
// that are rejected or run out of attempts land on <queue>.dead.
type Subscription struct {
	Exchange    string
	Queue       string
	RoutingKey  string
	MaxAttempts int
	Handler     Handler
}

const (
	attemptsHeader     = "x-attempts"
	defaultMaxAttempts = 5
	prefetch           = 16
)

func (s Subscription) deadLetterExchange() string { return s.Queue + ".dlx" }
func (s Subscription) deadLetterQueue() string    { return s.Queue + ".dead" }

func (s Subscription) maxAttempts() int {
	if s.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return s.MaxAttempts
}

func (s Subscription) validate() error {
	switch {
	case strings.TrimSpace(s.Exchange) == "":
		return fmt.Errorf("subscription exchange is required")
	case strings.TrimSpace(s.Queue) == "":
		return fmt.Errorf("subscription queue is required")
	case strings.TrimSpace(s.RoutingKey) == "":
		return fmt.Errorf("subscription routing key is required")
	case s.Handler == nil:
		return fmt.Errorf("subscription %s has no handler", s.RoutingKey)
	}
	return nil
}

type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

// settle maps a handler outcome to what happens to the delivery. attempt counts the
// current delivery, starting at one.
func settle(outcome Outcome, attempt, maxAttempts int) settlement {
	switch outcome {
	case Ack:
		return settleAck
	case Retry:
		if attempt < maxAttempts {
			return settleRequeue
		}
	}
	return settleDeadLetter
}

// attemptOf returns the attempt number of a delivery from the header the consumer
// stamps when it re-queues.
func attemptOf(headers amqp.Table) int {
	previous := 0
	switch v := headers[attemptsHeader].(type) {
	case int:
		previous = v
	case int16:
		previous = int(v)
	case int32:
		previous = int(v)
	case int64:
		previous = int(v)
	}
	if previous < 0 {
		previous = 0
	}
	return previous + 1
}

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger.With("component", "rabbitmq_consumer")}, nil
}

// Subscribe declares the subscription's topology and dispatches deliveries to its
// handler in a background goroutine until ctx is cancelled.
func (c *Consumer) Subscribe(ctx context.Context, sub Subscription) error {
	if err := sub.validate(); err != nil {
		return err
	}
	if err := c.declare(sub); err != nil {
		return fmt.Errorf("declare %s: %w", sub.Queue, err)
	}

	msgs, err := c.ch.Consume(sub.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	logger := c.logger.With("queue", sub.Queue, "routing_key", sub.RoutingKey)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					logger.Warn("delivery channel closed")
					return
				}
				c.dispatch(ctx, sub, d)
			}
		}
	}()
	logger.Info("subscription started", "max_attempts", sub.maxAttempts())
	return nil
}

func (c *Consumer) declare(sub Subscription) error {
	if err := c.ch.ExchangeDeclare(sub.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(sub.deadLetterExchange(), "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := c.ch.QueueDeclare(sub.deadLetterQueue(), true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(sub.deadLetterQueue(), "", sub.deadLetterExchange(), false, nil); err != nil {
		return err
	}
	if _, err := c.ch.QueueDeclare(sub.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": sub.deadLetterExchange(),
	}); err != nil {
		return err
	}
	return c.ch.QueueBind(sub.Queue, sub.RoutingKey, sub.Exchange, false, nil)
}

func (c *Consumer) dispatch(ctx context.Context, sub Subscription, d amqp.Delivery) {
	attempt := attemptOf(d.Headers)
	outcome := c.handle(ctx, sub.Handler, d)

	switch settle(outcome, attempt, sub.maxAttempts()) {
	case settleAck:
		_ = d.Ack(false)
	case settleRequeue:
		if err := c.requeue(ctx, sub.Queue, d, attempt); err != nil {
			c.logger.Error("requeue failed; returning delivery to broker", "queue", sub.Queue, "error", err)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	case settleDeadLetter:
		c.logger.Warn("dead-lettering delivery", "queue", sub.Queue, "message_id", d.MessageId, "attempt", attempt, "outcome", outcome.String())
		_ = d.Nack(false, false)
	}
}

// handle runs the handler and turns a panic into Reject.
func (c *Consumer) handle(ctx context.Context, h Handler, d amqp.Delivery) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "routing_key", d.RoutingKey, "message_id", d.MessageId, "panic", r)
			outcome = Reject
		}
	}()
	return h(ctx, d.Body)
}

// requeue republishes the delivery to the back of its queue with the attempt stamped.
func (c *Consumer) requeue(ctx context.Context, queue string, d amqp.Delivery, attempt int) error {
	return c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		Headers:      retryHeaders(d.Headers, attempt),
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Type:         d.Type,
		Body:         d.Body,
	})
}

func retryHeaders(headers amqp.Table, attempt int) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[attemptsHeader] = int32(attempt)
	return out
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
