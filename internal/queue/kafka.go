package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

// Writer defines the subset of segmentio kafka.Writer we need.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes to Kafka topics, keyed for per-invoice ordering.
type KafkaSender struct {
	writer Writer
}

// NewKafkaSender creates a sender writing to the given brokers. Topics come from each message.
func NewKafkaSender(brokers []string) (*KafkaSender, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sender requires at least one broker")
	}
	return &KafkaSender{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}}, nil
}

// NewKafkaSenderWithWriter allows injecting a test writer.
func NewKafkaSenderWithWriter(w Writer) *KafkaSender {
	return &KafkaSender{writer: w}
}

// Send writes msg to the topic named by its destination. Delays are rejected.
func (k *KafkaSender) Send(ctx context.Context, msg Message) error {
	if msg.Delay > 0 {
		return fmt.Errorf("kafka send %s: delayed delivery not supported", msg.Destination)
	}
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: msg.Destination,
		Key:   []byte(msg.Key),
		Value: msg.Body,
		Time:  time.Now().UTC(),
	})
	if err == nil {
		return nil
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) && !kerr.Temporary() {
		return fmt.Errorf("kafka send %s: %w", msg.Destination, err)
	}
	return fmt.Errorf("kafka send %s: %w: %w", msg.Destination, models.ErrTransientPublish, err)
}

// Close flushes and closes the writer.
func (k *KafkaSender) Close() error {
	return k.writer.Close()
}
