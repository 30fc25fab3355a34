package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

const module = "invoicing/invoice-worker"

type messageHandler interface {
	HandleMessage(ctx context.Context, body []byte) error
}

// worker acks a delivery once the pipeline has recorded its outcome and
// requeues it otherwise.
type worker struct {
	consumer    messageHandler
	logger      *slog.Logger
	concurrency int
}

// run dispatches deliveries until ctx ends or the broker goes away, then waits
// for in-flight messages. Handling is detached from ctx so a shutdown never
// interrupts a message between steps.
func (w *worker) run(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) error {
	limit := w.concurrency
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	handleCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case amqpErr := <-closed:
			_ = g.Wait()
			if amqpErr == nil {
				return errors.New("rabbitmq connection closed")
			}
			return fmt.Errorf("rabbitmq connection closed: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				_ = g.Wait()
				if err := ctx.Err(); err != nil {
					return err
				}
				return errors.New("rabbitmq delivery channel closed")
			}
			g.Go(func() error {
				w.process(handleCtx, d)
				return nil
			})
		}
	}
}

func (w *worker) process(ctx context.Context, d amqp.Delivery) {
	if err := w.consumer.HandleMessage(ctx, d.Body); err != nil {
		w.logger.Error("delivery requeued",
			"event", "invoice_delivery_nacked",
			"module", module,
			"layer", "worker",
			"delivery_tag", d.DeliveryTag,
			"error", err.Error(),
		)
		if nerr := d.Nack(false, true); nerr != nil {
			w.logger.Error("nack failed", "event", "invoice_delivery_nack_failed", "module", module, "layer", "worker", "error", nerr.Error())
		}
		return
	}
	if err := d.Ack(false); err != nil {
		w.logger.Error("ack failed", "event", "invoice_delivery_ack_failed", "module", module, "layer", "worker", "error", err.Error())
	}
}
