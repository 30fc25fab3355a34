package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/queue"
)

// Namespaces for deterministic ids, so repeated publishes of the same fact
// carry the same id and downstream consumers can dedupe.
var (
	notificationNamespace = uuid.MustParse("6f2c7f0e-3b1a-5d8e-9a44-1c0b7e9d2f31")
	deadLetterNamespace   = uuid.MustParse("b8e1d3a2-7c54-5f06-8e19-4a2d6c3b9e70")
)

// NotificationFor builds the send-invoice-email event of a generated invoice.
func NotificationFor(inv models.Invoice, templateID string) models.NotificationEvent {
	return models.NotificationEvent{
		EventID:     uuid.NewSHA1(notificationNamespace, []byte(inv.ID)).String(),
		InvoiceID:   inv.ID,
		UserID:      inv.UserID,
		PolicyID:    inv.PolicyID,
		DocumentRef: inv.DocumentRef,
		TemplateID:  templateID,
	}
}

// Notifier publishes NotificationEvents to the send-invoice-email destination.
type Notifier struct {
	Sender      queue.Sender
	Destination string
}

// Publish sends ev keyed by its invoice id.
func (n *Notifier) Publish(ctx context.Context, ev models.NotificationEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.Sender.Send(ctx, queue.Message{Destination: n.Destination, Key: ev.InvoiceID, Body: body}); err != nil {
		return fmt.Errorf("publish notification %s: %w", ev.InvoiceID, err)
	}
	return nil
}

// Requeuer sends a billing event back to the generate-invoice destination.
type Requeuer struct {
	Sender      queue.Sender
	Destination string
}

// Requeue sends ev back for another attempt after delay.
func (r *Requeuer) Requeue(ctx context.Context, ev models.BillingEvent, delay time.Duration) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal billing event: %w", err)
	}
	return r.Sender.Send(ctx, queue.Message{
		Destination: r.Destination,
		Key:         ev.Key().String(),
		Body:        body,
		Delay:       delay,
	})
}

// DeadLetterSink records events the pipeline gave up on.
type DeadLetterSink struct {
	Sender      queue.Sender
	Destination string
}

// DeadLetterID is stable per natural key and owning invoice, so a re-sent
// dead letter for the same failure carries the same id.
func DeadLetterID(ev models.BillingEvent, invoiceID string) string {
	return uuid.NewSHA1(deadLetterNamespace, []byte(ev.Key().String()+"|"+invoiceID)).String()
}

// Write sends dl to the dead-letter destination.
func (d *DeadLetterSink) Write(ctx context.Context, dl models.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := d.Sender.Send(ctx, queue.Message{Destination: d.Destination, Key: dl.ID, Body: body}); err != nil {
		return fmt.Errorf("write dead letter %s: %w", dl.ID, err)
	}
	return nil
}
