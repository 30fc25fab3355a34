package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

// PolicyReader is the read-only policy and coverage store.
type PolicyReader interface {
	GetPolicy(ctx context.Context, policyID string) (models.VehicleInsurance, error)
	GetCoverages(ctx context.Context, policyID string) ([]models.VehicleInsuranceCoverage, error)
}

// InvoiceRepository persists invoices. Uniqueness of the natural key and every
// status transition are enforced by the store, never by the caller.
type InvoiceRepository interface {
	InsertPending(ctx context.Context, inv models.Invoice) (string, error)
	MarkGenerated(ctx context.Context, id, ref string) error
	MarkFailed(ctx context.Context, id, reason string) error
	MarkNotified(ctx context.Context, id string, at time.Time) error
	Get(ctx context.Context, id string) (models.Invoice, error)
	GetByNaturalKey(ctx context.Context, key models.NaturalKey) (models.Invoice, error)
	ListStale(ctx context.Context, status models.InvoiceStatus, olderThan time.Time, limit int) ([]models.Invoice, error)
	ListUnnotified(ctx context.Context, olderThan time.Time, limit int) ([]models.Invoice, error)
}

// DocumentStore writes immutable documents and returns a durable reference.
type DocumentStore interface {
	Put(ctx context.Context, key string, content []byte) (string, error)
}

// Clock supplies timestamps for invoices and dead letters.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current time in UTC.
func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall clock in UTC.
var SystemClock Clock = systemClock{}

func resolveClock(c Clock) Clock {
	if c == nil {
		return SystemClock
	}
	return c
}

// ResolveLogger falls back to slog.Default when no logger is injected.
func ResolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

const module = "invoicing/pipeline"
