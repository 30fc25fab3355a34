package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

// RetrySuffix names the delay queue paired with a work queue. Messages parked
// there expire after their per-message TTL and dead-letter back to the work queue.
const RetrySuffix = ".retry"

// RetryQueueName returns the delay queue for a work queue.
func RetryQueueName(queue string) string { return queue + RetrySuffix }

type confirmPublisher interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// RabbitClient publishes with confirms on one channel and consumes on another.
type RabbitClient struct {
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	consCh  *amqp.Channel
	pub     confirmPublisher
	pubLock sync.Mutex
}

// DialRabbit connects and puts the publishing channel in confirm mode.
func DialRabbit(url string) (*RabbitClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		_ = pubCh.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	consCh, err := conn.Channel()
	if err != nil {
		_ = pubCh.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	return &RabbitClient{conn: conn, pubCh: pubCh, consCh: consCh, pub: pubCh}, nil
}

// DeclareQueue declares a durable queue.
func (r *RabbitClient) DeclareQueue(name string) error {
	if _, err := r.pubCh.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// DeclareWorkQueue declares a durable queue and its delay queue.
func (r *RabbitClient) DeclareWorkQueue(name string) error {
	if err := r.DeclareQueue(name); err != nil {
		return err
	}
	if _, err := r.pubCh.QueueDeclare(RetryQueueName(name), true, false, false, false, retryQueueArgs(name)); err != nil {
		return fmt.Errorf("declare retry queue %s: %w", RetryQueueName(name), err)
	}
	return nil
}

func retryQueueArgs(target string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": target,
	}
}

// Send publishes to the default exchange and waits for the broker confirm.
// Delayed messages go to the destination's delay queue.
func (r *RabbitClient) Send(ctx context.Context, msg Message) error {
	routingKey, pub := publishing(msg)

	r.pubLock.Lock()
	conf, err := r.pub.PublishWithDeferredConfirmWithContext(ctx, "", routingKey, false, false, pub)
	r.pubLock.Unlock()
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w: %w", routingKey, models.ErrTransientPublish, err)
	}
	if conf == nil {
		return nil
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq confirm %s: %w: %w", routingKey, models.ErrTransientPublish, err)
	}
	if !acked {
		return fmt.Errorf("rabbitmq publish %s: %w: broker nacked", routingKey, models.ErrTransientPublish)
	}
	return nil
}

func publishing(msg Message) (string, amqp.Publishing) {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         msg.Body,
	}
	if msg.Key != "" {
		pub.Headers = amqp.Table{"key": msg.Key}
	}
	if msg.Delay <= 0 {
		return msg.Destination, pub
	}
	d := msg.Delay
	if d > MaxDelay {
		d = MaxDelay
	}
	pub.Expiration = strconv.FormatInt(d.Milliseconds(), 10)
	return RetryQueueName(msg.Destination), pub
}

// Consume starts manual-ack delivery from queue with the given prefetch.
func (r *RabbitClient) Consume(ctx context.Context, queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch <= 0 {
		prefetch = 8
	}
	if err := r.consCh.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	msgs, err := r.consCh.ConsumeWithContext(ctx, queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return msgs, nil
}

// NotifyClose reports connection loss.
func (r *RabbitClient) NotifyClose() <-chan *amqp.Error {
	return r.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close closes both channels and the connection.
func (r *RabbitClient) Close() error {
	if r.consCh != nil {
		_ = r.consCh.Close()
	}
	if r.pubCh != nil {
		_ = r.pubCh.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
