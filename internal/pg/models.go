package pg

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

type policyModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	UserID    string    `gorm:"column:user_id"`
	VehicleID string    `gorm:"column:vehicle_id"`
	TermStart time.Time `gorm:"column:term_start"`
	TermEnd   time.Time `gorm:"column:term_end"`
	Status    string    `gorm:"column:status"`
}

// TableName maps policies onto the vehicle_insurances table.
func (policyModel) TableName() string {
	return "vehicle_insurances"
}

func (m policyModel) toEntity() models.VehicleInsurance {
	return models.VehicleInsurance{
		ID:        m.ID,
		UserID:    m.UserID,
		VehicleID: m.VehicleID,
		TermStart: m.TermStart,
		TermEnd:   m.TermEnd,
		Status:    models.PolicyStatus(m.Status),
	}
}

// policyCoverageRow is the join of vehicle_insurance_coverages and coverages.
type policyCoverageRow struct {
	ID            string          `gorm:"column:id"`
	PolicyID      string          `gorm:"column:policy_id"`
	CoverageID    string          `gorm:"column:coverage_id"`
	CoverageName  string          `gorm:"column:coverage_name"`
	PremiumAmount decimal.Decimal `gorm:"column:premium_amount"`
}

func (r policyCoverageRow) toEntity() models.VehicleInsuranceCoverage {
	return models.VehicleInsuranceCoverage{
		ID:            r.ID,
		PolicyID:      r.PolicyID,
		CoverageID:    r.CoverageID,
		CoverageName:  r.CoverageName,
		PremiumAmount: r.PremiumAmount,
	}
}

type invoiceModel struct {
	ID            string                                  `gorm:"column:id;primaryKey"`
	PolicyID      string                                  `gorm:"column:policy_id;not null;uniqueIndex:invoices_natural_key_uq"`
	PeriodStart   time.Time                               `gorm:"column:period_start;not null;uniqueIndex:invoices_natural_key_uq"`
	PeriodEnd     time.Time                               `gorm:"column:period_end;not null;uniqueIndex:invoices_natural_key_uq"`
	UserID        string                                  `gorm:"column:user_id;not null"`
	TotalAmount   decimal.Decimal                         `gorm:"column:total_amount;type:numeric(14,2);not null"`
	Currency      string                                  `gorm:"column:currency;not null"`
	Lines         datatypes.JSONSlice[models.InvoiceLine] `gorm:"column:lines;type:jsonb;not null"`
	Status        string                                  `gorm:"column:status;not null;index:invoices_status_created_idx,priority:1"`
	DocumentRef   *string                                 `gorm:"column:document_ref"`
	FailureReason *string                                 `gorm:"column:failure_reason"`
	CreatedAt     time.Time                               `gorm:"column:created_at;not null;index:invoices_status_created_idx,priority:2"`
	GeneratedAt   *time.Time                              `gorm:"column:generated_at"`
	NotifiedAt    *time.Time                              `gorm:"column:notified_at"`
}

// TableName maps invoices onto the invoices table.
func (invoiceModel) TableName() string {
	return "invoices"
}

func invoiceModelFromEntity(inv models.Invoice) invoiceModel {
	return invoiceModel{
		ID:            inv.ID,
		PolicyID:      inv.PolicyID,
		PeriodStart:   inv.PeriodStart.UTC(),
		PeriodEnd:     inv.PeriodEnd.UTC(),
		UserID:        inv.UserID,
		TotalAmount:   inv.TotalAmount,
		Currency:      inv.Currency,
		Lines:         datatypes.JSONSlice[models.InvoiceLine](inv.Lines),
		Status:        string(inv.Status),
		DocumentRef:   optString(inv.DocumentRef),
		FailureReason: optString(inv.FailureReason),
		CreatedAt:     inv.CreatedAt.UTC(),
		GeneratedAt:   inv.GeneratedAt,
		NotifiedAt:    inv.NotifiedAt,
	}
}

func (m invoiceModel) toEntity() models.Invoice {
	return models.Invoice{
		ID:            m.ID,
		PolicyID:      m.PolicyID,
		UserID:        m.UserID,
		PeriodStart:   m.PeriodStart.UTC(),
		PeriodEnd:     m.PeriodEnd.UTC(),
		TotalAmount:   m.TotalAmount,
		Currency:      m.Currency,
		Lines:         []models.InvoiceLine(m.Lines),
		Status:        models.InvoiceStatus(m.Status),
		DocumentRef:   deref(m.DocumentRef),
		FailureReason: deref(m.FailureReason),
		CreatedAt:     m.CreatedAt.UTC(),
		GeneratedAt:   utcPtr(m.GeneratedAt),
		NotifiedAt:    utcPtr(m.NotifiedAt),
	}
}

// utcPtr normalises a scanned timestamptz, which the driver returns in the host's zone.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
