package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

// InvoiceRepo stores invoices in Postgres. The unique index
// invoices_natural_key_uq is the idempotency gate.
type InvoiceRepo struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewInvoiceRepo returns a repository writing invoices through db.
func NewInvoiceRepo(db *gorm.DB, logger *slog.Logger) *InvoiceRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceRepo{db: db, logger: logger, now: time.Now}
}

// Migrate creates the invoices table and its indexes.
func (r *InvoiceRepo) Migrate() error {
	return r.db.AutoMigrate(&invoiceModel{})
}

// InsertPending creates the pending row. A natural key collision is models.ErrAlreadyExists.
func (r *InvoiceRepo) InsertPending(ctx context.Context, inv models.Invoice) (string, error) {
	if inv.Status == "" {
		inv.Status = models.InvoicePending
	}
	row := invoiceModelFromEntity(inv)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s", models.ErrAlreadyExists, inv.Key())
		}
		return "", r.logError("invoice_repo_insert_pending_failed", dbErr("insert pending invoice", err),
			"invoice_id", inv.ID,
			"natural_key", inv.Key().String(),
		)
	}
	return inv.ID, nil
}

// Get loads an invoice by id. It returns models.ErrNotFound when it does not exist.
func (r *InvoiceRepo) Get(ctx context.Context, id string) (models.Invoice, error) {
	var row invoiceModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Invoice{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
		}
		return models.Invoice{}, r.logError("invoice_repo_get_failed", dbErr("get invoice", err), "invoice_id", id)
	}
	return row.toEntity(), nil
}

// GetByNaturalKey loads the invoice holding key. It returns models.ErrNotFound when the key is free.
func (r *InvoiceRepo) GetByNaturalKey(ctx context.Context, key models.NaturalKey) (models.Invoice, error) {
	var row invoiceModel
	err := r.db.WithContext(ctx).
		Where("policy_id = ? AND period_start = ? AND period_end = ?", key.PolicyID, key.PeriodStart.UTC(), key.PeriodEnd.UTC()).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Invoice{}, fmt.Errorf("%w: %s", models.ErrNotFound, key)
		}
		return models.Invoice{}, r.logError("invoice_repo_get_by_key_failed", dbErr("get invoice by key", err), "natural_key", key.String())
	}
	return row.toEntity(), nil
}

// MarkGenerated moves a pending invoice to GENERATED. Repeating it with the same
// reference is a no-op.
func (r *InvoiceRepo) MarkGenerated(ctx context.Context, id, ref string) error {
	now := r.now().UTC()
	res := r.db.WithContext(ctx).Model(&invoiceModel{}).
		Where("id = ? AND status = ?", id, string(models.InvoicePending)).
		Updates(map[string]any{
			"status":       string(models.InvoiceGenerated),
			"document_ref": ref,
			"generated_at": now,
		})
	if res.Error != nil {
		return r.logError("invoice_repo_mark_generated_failed", dbErr("mark generated", res.Error), "invoice_id", id)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	cur, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return generatedOutcome(cur, ref)
}

// MarkFailed moves a pending invoice to FAILED. Only one caller wins.
func (r *InvoiceRepo) MarkFailed(ctx context.Context, id, reason string) error {
	res := r.db.WithContext(ctx).Model(&invoiceModel{}).
		Where("id = ? AND status = ?", id, string(models.InvoicePending)).
		Updates(map[string]any{
			"status":         string(models.InvoiceFailed),
			"failure_reason": reason,
		})
	if res.Error != nil {
		return r.logError("invoice_repo_mark_failed_failed", dbErr("mark failed", res.Error), "invoice_id", id)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	cur, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s %s -> %s", models.ErrInvalidTransition, id, cur.Status, models.InvoiceFailed)
}

// MarkNotified records the notification publish time once.
func (r *InvoiceRepo) MarkNotified(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&invoiceModel{}).
		Where("id = ? AND status = ? AND notified_at IS NULL", id, string(models.InvoiceGenerated)).
		Update("notified_at", at.UTC())
	if res.Error != nil {
		return r.logError("invoice_repo_mark_notified_failed", dbErr("mark notified", res.Error), "invoice_id", id)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	cur, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return notifiedOutcome(cur)
}

// ListStale returns up to limit invoices in status created before olderThan, oldest first.
func (r *InvoiceRepo) ListStale(ctx context.Context, status models.InvoiceStatus, olderThan time.Time, limit int) ([]models.Invoice, error) {
	tx := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(status), olderThan.UTC())
	return r.list(tx, limit, "invoice_repo_list_stale_failed")
}

// ListUnnotified returns generated invoices created before olderThan with no recorded notification.
func (r *InvoiceRepo) ListUnnotified(ctx context.Context, olderThan time.Time, limit int) ([]models.Invoice, error) {
	tx := r.db.WithContext(ctx).
		Where("status = ? AND notified_at IS NULL AND created_at < ?", string(models.InvoiceGenerated), olderThan.UTC())
	return r.list(tx, limit, "invoice_repo_list_unnotified_failed")
}

func (r *InvoiceRepo) list(tx *gorm.DB, limit int, event string) ([]models.Invoice, error) {
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var rows []invoiceModel
	if err := tx.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, r.logError(event, dbErr("list invoices", err))
	}
	out := make([]models.Invoice, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// generatedOutcome decides a MarkGenerated that matched no pending row.
func generatedOutcome(cur models.Invoice, ref string) error {
	if cur.Status == models.InvoiceGenerated && cur.DocumentRef == ref {
		return nil
	}
	return fmt.Errorf("%w: %s %s -> %s", models.ErrInvalidTransition, cur.ID, cur.Status, models.InvoiceGenerated)
}

// notifiedOutcome decides a MarkNotified that matched no un-notified generated row.
func notifiedOutcome(cur models.Invoice) error {
	if cur.Status == models.InvoiceGenerated && cur.NotifiedAt != nil {
		return nil
	}
	return fmt.Errorf("%w: %s is %s, not notifiable", models.ErrInvalidTransition, cur.ID, cur.Status)
}

func (r *InvoiceRepo) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "invoicing/invoice-repo",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	r.logger.Error("invoice repository operation failed", fields...)
	return err
}
