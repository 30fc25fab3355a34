package pg

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(fmt.Errorf("create: %w", &pgconn.PgError{Code: "23505", ConstraintName: "invoices_natural_key_uq"})) {
		t.Error("23505 should be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("23503 is a foreign key violation")
	}
	if isUniqueViolation(errors.New("duplicate")) {
		t.Error("plain errors are not unique violations")
	}
}

func TestDBErr(t *testing.T) {
	if err := dbErr("op", errors.New("dial tcp: connection refused")); !errors.Is(err, models.ErrTransientDB) {
		t.Errorf("driver errors should be transient, got %v", err)
	}
	pgErr := &pgconn.PgError{Code: "42P01"}
	err := dbErr("op", pgErr)
	if errors.Is(err, models.ErrTransientDB) {
		t.Errorf("server SQL errors should keep their SQLSTATE, got %v", err)
	}
	var got *pgconn.PgError
	if !errors.As(err, &got) || got.Code != "42P01" {
		t.Errorf("PgError not preserved in %v", err)
	}
}

func TestInvoiceModelConversion(t *testing.T) {
	gen := time.Date(2024, 2, 1, 4, 0, 0, 0, time.UTC)
	inv := models.Invoice{
		ID:          "01HQINV",
		PolicyID:    "P1",
		UserID:      "U1",
		PeriodStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("EST", -5*3600)),
		PeriodEnd:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		TotalAmount: decimal.RequireFromString("75.00"),
		Currency:    "USD",
		Lines:       []models.InvoiceLine{{CoverageID: "C1", CoverageName: "Liability", Amount: decimal.RequireFromString("75.00")}},
		Status:      models.InvoiceGenerated,
		DocumentRef: "s3://b/k",
		GeneratedAt: &gen,
	}

	row := invoiceModelFromEntity(inv)
	if row.PeriodStart.Location() != time.UTC {
		t.Error("period bounds must be stored in UTC")
	}
	if row.FailureReason != nil {
		t.Error("empty failure reason should be NULL")
	}
	if row.DocumentRef == nil || *row.DocumentRef != "s3://b/k" {
		t.Error("document ref not stored")
	}

	back := row.toEntity()
	if !back.PeriodStart.Equal(inv.PeriodStart) || back.DocumentRef != inv.DocumentRef || back.FailureReason != "" {
		t.Errorf("unexpected round trip %+v", back)
	}
	if len(back.Lines) != 1 || !back.Lines[0].Amount.Equal(inv.Lines[0].Amount) {
		t.Errorf("lines not preserved: %+v", back.Lines)
	}
}

func TestInvoiceModelScannedInLocalZone(t *testing.T) {
	local := time.FixedZone("EST", -5*3600)
	gen := time.Date(2024, 1, 31, 23, 0, 0, 0, local)
	row := invoiceModel{
		ID:          "01HQINV",
		PeriodStart: time.Date(2023, 12, 31, 19, 0, 0, 0, local),
		PeriodEnd:   time.Date(2024, 1, 31, 19, 0, 0, 0, local),
		CreatedAt:   time.Date(2024, 1, 31, 22, 0, 0, 0, local),
		GeneratedAt: &gen,
	}

	inv := row.toEntity()
	for name, ts := range map[string]time.Time{
		"period_start": inv.PeriodStart,
		"period_end":   inv.PeriodEnd,
		"created_at":   inv.CreatedAt,
		"generated_at": *inv.GeneratedAt,
	} {
		if ts.Location() != time.UTC {
			t.Errorf("%s not normalised to UTC: %s", name, ts)
		}
	}
	if got := inv.PeriodStart.Format("2006-01-02"); got != "2024-01-01" {
		t.Errorf("expected period start 2024-01-01, got %s", got)
	}
	if inv.NotifiedAt != nil {
		t.Error("NULL notified_at must stay nil")
	}
}

func TestTransitionOutcomes(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		outcome error
		want    error
	}{
		{"generated same ref", generatedOutcome(models.Invoice{Status: models.InvoiceGenerated, DocumentRef: "r"}, "r"), nil},
		{"generated other ref", generatedOutcome(models.Invoice{Status: models.InvoiceGenerated, DocumentRef: "r"}, "x"), models.ErrInvalidTransition},
		{"generate failed", generatedOutcome(models.Invoice{Status: models.InvoiceFailed}, "r"), models.ErrInvalidTransition},
		{"already notified", notifiedOutcome(models.Invoice{Status: models.InvoiceGenerated, NotifiedAt: &now}), nil},
		{"notify pending", notifiedOutcome(models.Invoice{Status: models.InvoicePending}), models.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.want == nil && tt.outcome != nil {
				t.Fatalf("unexpected error %v", tt.outcome)
			}
			if tt.want != nil && !errors.Is(tt.outcome, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, tt.outcome)
			}
		})
	}
}
