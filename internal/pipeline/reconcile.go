package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

// Reconciler finds invoices a crashed or abandoned attempt left behind and
// drives them forward: stale PENDING rows are re-enqueued under their own id,
// GENERATED rows with no recorded notification are republished.
type Reconciler struct {
	Invoices   InvoiceRepository
	Requeue    *Requeuer
	Notifier   *Notifier
	TemplateID string
	Threshold  time.Duration
	BatchSize  int
	Workers    int
	Clock      Clock
	Logger     *slog.Logger
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	StalePending int
	Requeued     int
	Unnotified   int
	Republished  int
	Errors       int
}

// RunOnce performs one sweep. Per-invoice failures are logged and counted; the
// next sweep picks them up again.
func (r Reconciler) RunOnce(ctx context.Context) (SweepReport, error) {
	logger := ResolveLogger(r.Logger)
	clock := resolveClock(r.Clock)
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = time.Hour
	}
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}
	workers := r.Workers
	if workers <= 0 {
		workers = 5
	}
	cutoff := clock.Now().Add(-threshold)

	pending, err := r.Invoices.ListStale(ctx, models.InvoicePending, cutoff, limit)
	if err != nil {
		logger.Error("reconcile list pending failed",
			"event", "invoice_reconcile_list_failed",
			"module", module,
			"layer", "worker",
			"status", string(models.InvoicePending),
			"error", err.Error(),
		)
		return SweepReport{}, err
	}
	unnotified, err := r.Invoices.ListUnnotified(ctx, cutoff, limit)
	if err != nil {
		logger.Error("reconcile list unnotified failed",
			"event", "invoice_reconcile_list_failed",
			"module", module,
			"layer", "worker",
			"status", string(models.InvoiceGenerated),
			"error", err.Error(),
		)
		return SweepReport{}, err
	}

	var requeued, republished, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, inv := range pending {
		inv := inv
		g.Go(func() error {
			ev := ResumeEvent(inv)
			if err := r.Requeue.Requeue(gctx, ev, 0); err != nil {
				failed.Add(1)
				logger.Error("reconcile requeue failed",
					"event", "invoice_reconcile_requeue_failed",
					"module", module,
					"layer", "worker",
					"invoice_id", inv.ID,
					"error", err.Error(),
				)
				return nil
			}
			requeued.Add(1)
			return nil
		})
	}
	for _, inv := range unnotified {
		inv := inv
		g.Go(func() error {
			if err := deliverNotification(gctx, r.Notifier, r.Invoices, clock, inv, r.TemplateID); err != nil {
				failed.Add(1)
				logger.Error("reconcile republish failed",
					"event", "invoice_reconcile_republish_failed",
					"module", module,
					"layer", "worker",
					"invoice_id", inv.ID,
					"error", err.Error(),
				)
				return nil
			}
			republished.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report := SweepReport{
		StalePending: len(pending),
		Requeued:     int(requeued.Load()),
		Unnotified:   len(unnotified),
		Republished:  int(republished.Load()),
		Errors:       int(failed.Load()),
	}
	logger.Info("reconcile sweep finished",
		"event", "invoice_reconcile_finished",
		"module", module,
		"layer", "worker",
		"stale_pending", report.StalePending,
		"requeued", report.Requeued,
		"unnotified", report.Unnotified,
		"republished", report.Republished,
		"errors", report.Errors,
	)
	return report, ctx.Err()
}

// ResumeEvent builds the billing event that lets the owner of a pending invoice continue it.
func ResumeEvent(inv models.Invoice) models.BillingEvent {
	return models.BillingEvent{
		PolicyID:        inv.PolicyID,
		PeriodStart:     inv.PeriodStart,
		PeriodEnd:       inv.PeriodEnd,
		IdempotencyKey:  inv.Key().String(),
		DeliveryAttempt: 1,
		InvoiceID:       inv.ID,
	}
}
