// Package main generates invoices from generate-invoice messages delivered by SQS.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/app"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/config"
)

// messageHandler handles one raw billing event.
type messageHandler interface {
	HandleMessage(ctx context.Context, body []byte) error
}

// App holds the consumer the Lambda handler feeds.
type App struct {
	consumer messageHandler
	logger   *slog.Logger
}

// main wires the pipeline and starts the Lambda handler.
func main() {
	env := config.MustLoad()
	logger := env.Logger("invoicer")
	slog.SetDefault(logger)

	if env.QueueBackend != config.BackendSQS {
		logger.Error("invoicer requires the sqs queue backend", "queue_backend", env.QueueBackend)
		os.Exit(1)
	}
	rt, err := app.Build(context.Background(), env, logger)
	if err != nil {
		logger.Error("startup failed", "error", err.Error())
		os.Exit(1)
	}

	a := &App{consumer: rt.Consumer, logger: logger}
	lambda.Start(a.handler)
}

// ---- Handler ----

// handler processes a batch and reports the records SQS must redeliver.
func (a *App) handler(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := a.consumer.HandleMessage(ctx, []byte(rec.Body)); err != nil {
			a.logger.Error("record left for redelivery",
				"event", "invoice_record_failed",
				"module", "invoicing/invoicer",
				"layer", "handler",
				"message_id", rec.MessageId,
				"error", err.Error(),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}
