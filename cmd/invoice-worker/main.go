// Package main consumes generate-invoice messages from RabbitMQ until it is signalled to stop.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/app"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/config"
)

func main() {
	env := config.MustLoad()
	logger := env.Logger("invoice-worker")
	slog.SetDefault(logger)

	if env.QueueBackend != config.BackendRabbitMQ {
		logger.Error("invoice-worker requires the rabbitmq queue backend", "queue_backend", env.QueueBackend)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, env, logger)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, env config.Env, logger *slog.Logger) error {
	rt, err := app.Build(ctx, env, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	closed := rt.Rabbit.NotifyClose()
	deliveries, err := rt.Rabbit.Consume(ctx, env.GenerateQueue, "invoice-worker", env.RabbitPrefetch)
	if err != nil {
		return err
	}

	logger.Info("worker started",
		"event", "invoice_worker_started",
		"module", module,
		"layer", "worker",
		"queue", env.GenerateQueue,
		"prefetch", env.RabbitPrefetch,
	)
	w := &worker{consumer: rt.Consumer, logger: logger, concurrency: env.RabbitPrefetch}
	return w.run(ctx, deliveries, closed)
}
