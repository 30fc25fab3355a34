// Package app wires configuration into the pipeline's storage, transports and workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/awsutil"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/config"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/ddb"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/pg"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/pipeline"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/queue"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/retry"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/s3io"
)

// Runtime is everything a process needs to handle billing events or sweep.
type Runtime struct {
	Env        config.Env
	Logger     *slog.Logger
	Consumer   *pipeline.Consumer
	Reconciler pipeline.Reconciler
	// Rabbit is set when either transport runs on RabbitMQ.
	Rabbit *queue.RabbitClient

	closers []func() error
}

// Build connects every backend the environment selects.
func Build(ctx context.Context, env config.Env, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Env: env, Logger: logger}
	if err := rt.build(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(ctx context.Context) error {
	env, logger := rt.Env, rt.Logger

	cfg, endpoint, err := awsutil.Load(ctx, env.Region)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	clients := awsutil.NewClients(cfg, endpoint)

	db, err := pg.Connect(env.PostgresDSN)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, db.Close)

	var invoices pipeline.InvoiceRepository
	switch env.InvoiceBackend {
	case config.BackendPostgres:
		repo := pg.NewInvoiceRepo(db.DB, logger)
		if err := repo.Migrate(); err != nil {
			return err
		}
		invoices = repo
	default:
		invoices = &ddb.Repo{DB: clients.DynamoDB, Table: env.InvoiceTable}
	}

	work, err := rt.sender(env.QueueBackend, clients)
	if err != nil {
		return err
	}
	notify, err := rt.sender(env.NotifyBackend, clients)
	if err != nil {
		return err
	}
	if rt.Rabbit != nil {
		if err := declareTopology(rt.Rabbit, env); err != nil {
			return err
		}
	}

	notifier := &pipeline.Notifier{Sender: notify, Destination: NotifyDestination(env)}
	requeue := &pipeline.Requeuer{Sender: work, Destination: env.GenerateQueue}

	docs := &s3io.Store{S3: clients.S3, Bucket: env.DocumentBucket, KMSKeyID: env.DocumentKMSKey}

	rt.Consumer = &pipeline.Consumer{
		Policies:    pg.NewPolicyStore(db.DB, logger),
		Invoices:    invoices,
		Documents:   docs,
		Notifier:    notifier,
		Requeue:     requeue,
		DeadLetters: &pipeline.DeadLetterSink{Sender: work, Destination: env.DeadLetterQueue},
		Retry:       retry.NewPolicy(env.MaxAttempts, env.BackoffCap),
		Currency:    env.Currency,
		TemplateID:  env.EmailTemplateID,
		Logger:      logger,
	}
	rt.Reconciler = pipeline.Reconciler{
		Invoices:   invoices,
		Requeue:    requeue,
		Notifier:   notifier,
		TemplateID: env.EmailTemplateID,
		Threshold:  env.PendingThreshold,
		BatchSize:  env.SweepBatchSize,
		Workers:    env.SweepWorkers,
		Logger:     logger,
	}
	return nil
}

// sender returns the transport for backend, dialing RabbitMQ and Kafka at most once.
func (rt *Runtime) sender(backend string, clients awsutil.Clients) (queue.Sender, error) {
	switch backend {
	case config.BackendSQS:
		return queue.NewSQSSender(clients.SQS), nil
	case config.BackendRabbitMQ:
		if rt.Rabbit == nil {
			rc, err := queue.DialRabbit(rt.Env.RabbitURL)
			if err != nil {
				return nil, err
			}
			rt.Rabbit = rc
			rt.closers = append(rt.closers, rc.Close)
		}
		return rt.Rabbit, nil
	case config.BackendKafka:
		ks, err := queue.NewKafkaSender(rt.Env.KafkaBrokers)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, ks.Close)
		return ks, nil
	default:
		return nil, fmt.Errorf("unknown transport backend %q", backend)
	}
}

// NotifyDestination is the queue or topic notifications go to.
func NotifyDestination(env config.Env) string {
	if env.NotifyBackend == config.BackendKafka {
		return env.KafkaEmailTopic
	}
	return env.EmailQueue
}

func declareTopology(rc *queue.RabbitClient, env config.Env) error {
	if env.QueueBackend == config.BackendRabbitMQ {
		if err := rc.DeclareWorkQueue(env.GenerateQueue); err != nil {
			return err
		}
		if err := rc.DeclareQueue(env.DeadLetterQueue); err != nil {
			return err
		}
	}
	if env.NotifyBackend == config.BackendRabbitMQ {
		if err := rc.DeclareQueue(env.EmailQueue); err != nil {
			return err
		}
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
