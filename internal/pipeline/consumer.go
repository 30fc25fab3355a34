// Package pipeline turns billing events into invoices, documents and
// notifications, and reconciles work left unfinished by crashes.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/billing"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/render"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/retry"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/s3io"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/validate"
)

// Consumer handles generate-invoice events.
//
// Steps run in a fixed order: reserve the natural key with a PENDING row, write
// the document, mark GENERATED, publish the notification, record it. Each step
// is idempotent, so a redelivered or requeued event resumes where the last
// attempt stopped.
type Consumer struct {
	Policies    PolicyReader
	Invoices    InvoiceRepository
	Documents   DocumentStore
	Notifier    *Notifier
	Requeue     *Requeuer
	DeadLetters *DeadLetterSink
	Retry       retry.Policy
	Currency    string
	TemplateID  string
	Clock       Clock
	NewID       func() string
	Logger      *slog.Logger
}

// HandleMessage decodes a queue message body and handles it. Bodies that do not
// decode are dead-lettered as they are.
func (c *Consumer) HandleMessage(ctx context.Context, body []byte) error {
	var ev models.BillingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		cause := fmt.Errorf("%w: decode: %w", models.ErrInvalidEvent, err)
		ResolveLogger(c.Logger).Error("billing event undecodable",
			"event", "invoice_event_undecodable",
			"module", module,
			"layer", "worker",
			"error", cause.Error(),
		)
		return c.deadLetter(ctx, models.DeadLetter{
			ID:        DeadLetterID(ev, "raw:"+s3io.Checksum(body)),
			ErrorKind: models.ErrorKind(cause),
			Error:     cause.Error(),
			Attempt:   1,
			FailedAt:  resolveClock(c.Clock).Now(),
			Raw:       string(body),
		})
	}
	return c.Handle(ctx, ev)
}

// Handle processes one billing event. It returns an error only when the outcome
// could not be recorded (requeue or dead-letter write failed); the transport
// must then redeliver the message.
func (c *Consumer) Handle(ctx context.Context, ev models.BillingEvent) error {
	logger := ResolveLogger(c.Logger).With(
		"policy_id", ev.PolicyID,
		"natural_key", ev.Key().String(),
		"attempt", attemptOf(ev),
	)
	invoiceID, err := c.process(ctx, ev, logger)
	if err == nil {
		return nil
	}
	return c.handleFailure(ctx, ev, invoiceID, err, logger)
}

// process returns the id of the invoice this attempt owns, if any, with the
// first error encountered.
func (c *Consumer) process(ctx context.Context, ev models.BillingEvent, logger *slog.Logger) (string, error) {
	if err := validate.BillingEvent(ev); err != nil {
		return "", err
	}

	if ev.InvoiceID != "" {
		existing, err := c.Invoices.GetByNaturalKey(ctx, ev.Key())
		switch {
		case err == nil:
			return c.settleExisting(ctx, ev, existing, logger)
		case !errors.Is(err, models.ErrNotFound):
			return "", err
		}
		logger.Warn("resume token has no invoice; starting over",
			"event", "invoice_resume_token_stale",
			"module", module,
			"layer", "worker",
			"invoice_id", ev.InvoiceID,
		)
	}

	inv, err := c.prepare(ctx, ev)
	if err != nil {
		return "", err
	}
	if _, err := c.Invoices.InsertPending(ctx, inv); err != nil {
		if !errors.Is(err, models.ErrAlreadyExists) {
			return "", err
		}
		existing, err := c.Invoices.GetByNaturalKey(ctx, ev.Key())
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return "", fmt.Errorf("%w: invoice vanished after key collision: %w", models.ErrTransientDB, err)
			}
			return "", err
		}
		return c.settleExisting(ctx, ev, existing, logger)
	}

	logger.Info("invoice created",
		"event", "invoice_created",
		"module", module,
		"layer", "worker",
		"invoice_id", inv.ID,
		"total", inv.TotalAmount.StringFixedBank(billing.MinorUnits),
	)
	return inv.ID, c.advance(ctx, inv, logger)
}

// settleExisting decides what to do when the natural key is already taken. Only
// the attempt that owns the row (its id travels in the event) may continue it.
func (c *Consumer) settleExisting(ctx context.Context, ev models.BillingEvent, existing models.Invoice, logger *slog.Logger) (string, error) {
	if ev.InvoiceID == "" || ev.InvoiceID != existing.ID {
		logger.Info("invoice already exists; duplicate event dropped",
			"event", "invoice_duplicate_event",
			"module", module,
			"layer", "worker",
			"invoice_id", existing.ID,
			"status", string(existing.Status),
		)
		return "", nil
	}
	if existing.Status == models.InvoiceFailed {
		// Whoever moved it to FAILED already dead-lettered it.
		logger.Info("invoice already failed; event dropped",
			"event", "invoice_already_failed",
			"module", module,
			"layer", "worker",
			"invoice_id", existing.ID,
			"failure_reason", existing.FailureReason,
		)
		return "", nil
	}
	logger.Info("resuming invoice",
		"event", "invoice_resumed",
		"module", module,
		"layer", "worker",
		"invoice_id", existing.ID,
		"status", string(existing.Status),
	)
	return existing.ID, c.advance(ctx, existing, logger)
}

// prepare checks eligibility and prices the policy into a PENDING invoice.
func (c *Consumer) prepare(ctx context.Context, ev models.BillingEvent) (models.Invoice, error) {
	policy, err := c.Policies.GetPolicy(ctx, ev.PolicyID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Invoice{}, fmt.Errorf("%w: policy %s does not exist", models.ErrPolicyNotEligible, ev.PolicyID)
		}
		return models.Invoice{}, err
	}
	if !policy.Covers(ev.PeriodStart, ev.PeriodEnd) {
		return models.Invoice{}, fmt.Errorf("%w: policy %s is %s with term %s to %s",
			models.ErrPolicyNotEligible, policy.ID, policy.Status,
			policy.TermStart.Format("2006-01-02"), policy.TermEnd.Format("2006-01-02"))
	}

	coverages, err := c.Policies.GetCoverages(ctx, policy.ID)
	if err != nil {
		return models.Invoice{}, err
	}
	quote, err := billing.Price(coverages)
	if err != nil {
		return models.Invoice{}, fmt.Errorf("policy %s: %w", policy.ID, err)
	}

	return models.Invoice{
		ID:          c.newID(),
		PolicyID:    policy.ID,
		UserID:      policy.UserID,
		PeriodStart: ev.PeriodStart.UTC(),
		PeriodEnd:   ev.PeriodEnd.UTC(),
		TotalAmount: quote.Total,
		Currency:    c.Currency,
		Lines:       quote.Lines,
		Status:      models.InvoicePending,
		CreatedAt:   resolveClock(c.Clock).Now(),
	}, nil
}

// advance runs the remaining steps for an invoice this attempt owns.
func (c *Consumer) advance(ctx context.Context, inv models.Invoice, logger *slog.Logger) error {
	if inv.Status == models.InvoicePending {
		content, err := render.Invoice(inv)
		if err != nil {
			return fmt.Errorf("render invoice %s: %w", inv.ID, err)
		}
		ref, err := c.Documents.Put(ctx, s3io.BuildKey(inv.PolicyID, inv.ID), content)
		if err != nil {
			return fmt.Errorf("store document %s: %w", inv.ID, err)
		}
		if err := c.Invoices.MarkGenerated(ctx, inv.ID, ref); err != nil {
			return fmt.Errorf("mark generated %s: %w", inv.ID, err)
		}
		now := resolveClock(c.Clock).Now()
		inv.Status = models.InvoiceGenerated
		inv.DocumentRef = ref
		inv.GeneratedAt = &now
		logger.Info("invoice generated",
			"event", "invoice_generated",
			"module", module,
			"layer", "worker",
			"invoice_id", inv.ID,
			"document_ref", ref,
		)
	}

	if inv.Status != models.InvoiceGenerated || inv.NotifiedAt != nil {
		return nil
	}
	if err := deliverNotification(ctx, c.Notifier, c.Invoices, resolveClock(c.Clock), inv, c.TemplateID); err != nil {
		return err
	}
	logger.Info("invoice notification published",
		"event", "invoice_notified",
		"module", module,
		"layer", "worker",
		"invoice_id", inv.ID,
	)
	return nil
}

// deliverNotification publishes the invoice's notification and records it.
func deliverNotification(ctx context.Context, n *Notifier, repo InvoiceRepository, clock Clock, inv models.Invoice, templateID string) error {
	if err := n.Publish(ctx, NotificationFor(inv, templateID)); err != nil {
		return err
	}
	if err := repo.MarkNotified(ctx, inv.ID, clock.Now()); err != nil {
		return fmt.Errorf("mark notified %s: %w", inv.ID, err)
	}
	return nil
}

// handleFailure requeues retriable failures and dead-letters the rest. On
// exhaustion only the caller that moves the invoice to FAILED dead-letters it,
// except for a generated invoice whose notification never went out, which is
// dead-lettered and left GENERATED.
func (c *Consumer) handleFailure(ctx context.Context, ev models.BillingEvent, invoiceID string, cause error, logger *slog.Logger) error {
	attempt := attemptOf(ev)
	kind := models.ErrorKind(cause)
	class := retry.Classify(cause)
	logger = logger.With("invoice_id", invoiceID, "error_kind", kind, "error_class", class.String())

	if errors.Is(cause, models.ErrContentMismatch) {
		logger.Error("invoice document differs from stored copy",
			"event", "invoice_content_mismatch",
			"module", module,
			"layer", "worker",
			"alert", true,
			"error", cause.Error(),
		)
	}

	if class == retry.Retriable && !c.Retry.Exhausted(attempt) {
		next := ev
		next.DeliveryAttempt = attempt + 1
		if invoiceID != "" {
			next.InvoiceID = invoiceID
		}
		delay := c.Retry.Backoff(attempt)
		if err := c.Requeue.Requeue(ctx, next, delay); err != nil {
			logger.Error("invoice requeue failed",
				"event", "invoice_requeue_failed",
				"module", module,
				"layer", "worker",
				"error", err.Error(),
			)
			return fmt.Errorf("requeue %s: %w", ev.Key(), err)
		}
		logger.Warn("invoice attempt failed; requeued",
			"event", "invoice_requeued",
			"module", module,
			"layer", "worker",
			"next_attempt", next.DeliveryAttempt,
			"delay", delay.String(),
			"error", cause.Error(),
		)
		return nil
	}

	if invoiceID != "" {
		err := c.Invoices.MarkFailed(ctx, invoiceID, kind+": "+cause.Error())
		switch {
		case err == nil, errors.Is(err, models.ErrNotFound):
		case errors.Is(err, models.ErrInvalidTransition):
			current, gerr := c.Invoices.Get(ctx, invoiceID)
			if gerr != nil {
				return fmt.Errorf("load settled invoice %s: %w", invoiceID, gerr)
			}
			if current.Status != models.InvoiceGenerated || current.NotifiedAt != nil {
				logger.Info("invoice already settled; not dead-lettering",
					"event", "invoice_fail_transition_lost",
					"module", module,
					"layer", "worker",
					"status", string(current.Status),
					"error", cause.Error(),
				)
				return nil
			}
			// The document exists but the notification never went out. The row
			// stays GENERATED so the sweep can still republish it.
			logger.Error("invoice notification retries exhausted",
				"event", "invoice_notify_exhausted",
				"module", module,
				"layer", "worker",
				"alert", true,
				"error", cause.Error(),
			)
		default:
			logger.Error("invoice mark failed errored",
				"event", "invoice_mark_failed_failed",
				"module", module,
				"layer", "worker",
				"error", err.Error(),
			)
			return fmt.Errorf("mark failed %s: %w", invoiceID, err)
		}
	}

	dlEvent := ev
	if invoiceID != "" {
		dlEvent.InvoiceID = invoiceID
	}
	if err := c.deadLetter(ctx, models.DeadLetter{
		ID:        DeadLetterID(ev, invoiceID),
		Event:     dlEvent,
		ErrorKind: kind,
		Error:     cause.Error(),
		Attempt:   attempt,
		FailedAt:  resolveClock(c.Clock).Now(),
	}); err != nil {
		return err
	}
	logger.Error("invoice dead-lettered",
		"event", "invoice_dead_lettered",
		"module", module,
		"layer", "worker",
		"error", cause.Error(),
	)
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, dl models.DeadLetter) error {
	if err := c.DeadLetters.Write(ctx, dl); err != nil {
		ResolveLogger(c.Logger).Error("dead letter write failed",
			"event", "invoice_dead_letter_failed",
			"module", module,
			"layer", "worker",
			"dead_letter_id", dl.ID,
			"error", err.Error(),
		)
		return err
	}
	return nil
}

func (c *Consumer) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return ulid.Make().String()
}

func attemptOf(ev models.BillingEvent) int {
	if ev.DeliveryAttempt < 1 {
		return 1
	}
	return ev.DeliveryAttempt
}
