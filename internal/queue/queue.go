// Package queue carries pipeline messages over SQS, RabbitMQ or Kafka.
package queue

import (
	"context"
	"time"
)

// Message is one outbound message.
type Message struct {
	// Destination is a queue URL (SQS), queue name (RabbitMQ) or topic (Kafka).
	Destination string
	// Key orders or partitions related messages where the transport supports it.
	Key   string
	Body  []byte
	Delay time.Duration
}

// Sender delivers messages to a transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// MaxDelay is the longest delay every transport can honor (the SQS limit).
const MaxDelay = 15 * time.Minute
