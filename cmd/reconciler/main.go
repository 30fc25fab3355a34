// Package main runs one reconciliation sweep per scheduled invocation.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/app"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/config"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/pipeline"
)

// sweeper runs one sweep.
type sweeper interface {
	RunOnce(ctx context.Context) (pipeline.SweepReport, error)
}

// App holds the reconciler the schedule triggers.
type App struct {
	reconciler sweeper
	logger     *slog.Logger
}

// main wires the pipeline and starts the Lambda handler.
func main() {
	env := config.MustLoad()
	logger := env.Logger("reconciler")
	slog.SetDefault(logger)

	rt, err := app.Build(context.Background(), env, logger)
	if err != nil {
		logger.Error("startup failed", "error", err.Error())
		os.Exit(1)
	}

	a := &App{reconciler: rt.Reconciler, logger: logger}
	lambda.Start(a.handler)
}

// ---- Handler ----

// handler runs a sweep for an EventBridge schedule tick.
func (a *App) handler(ctx context.Context, ev events.CloudWatchEvent) (pipeline.SweepReport, error) {
	report, err := a.reconciler.RunOnce(ctx)
	if err != nil {
		a.logger.Error("sweep aborted",
			"event", "invoice_reconcile_aborted",
			"module", "invoicing/reconciler",
			"layer", "handler",
			"schedule_event_id", ev.ID,
			"error", err.Error(),
		)
		return report, err
	}
	return report, nil
}
