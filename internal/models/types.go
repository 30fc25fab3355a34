// Package models defines the data models used in the application.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PolicyStatus represents the lifecycle status of a vehicle insurance policy.
type PolicyStatus string

// Possible values for PolicyStatus
const (
	PolicyActive    PolicyStatus = "ACTIVE"
	PolicyLapsed    PolicyStatus = "LAPSED"
	PolicyCancelled PolicyStatus = "CANCELLED"
)

// InvoiceStatus represents the status of an invoice in the generation pipeline.
type InvoiceStatus string

// Possible values for InvoiceStatus
const (
	InvoicePending   InvoiceStatus = "PENDING"
	InvoiceGenerated InvoiceStatus = "GENERATED"
	InvoiceFailed    InvoiceStatus = "FAILED"
)

// User is the policyholder. Owned by the identity service.
type User struct {
	ID    string
	Email string
}

// Coverage is a catalog entry for one insurable peril or benefit.
type Coverage struct {
	ID       string
	Name     string
	BaseRate decimal.Decimal
}

// VehicleInsurance binds a user to an insured vehicle for a term.
type VehicleInsurance struct {
	ID        string
	UserID    string
	VehicleID string
	TermStart time.Time
	TermEnd   time.Time
	Status    PolicyStatus
}

// Covers reports whether the policy is active for the whole billing period.
func (p VehicleInsurance) Covers(start, end time.Time) bool {
	if p.Status != PolicyActive {
		return false
	}
	return !start.Before(p.TermStart) && !end.After(p.TermEnd)
}

// VehicleInsuranceCoverage is one coverage selected on a policy, with its effective premium.
type VehicleInsuranceCoverage struct {
	ID            string
	PolicyID      string
	CoverageID    string
	CoverageName  string
	PremiumAmount decimal.Decimal
}

// InvoiceLine is the priced snapshot of one coverage at invoice creation time.
type InvoiceLine struct {
	CoverageID   string          `json:"coverage_id"`
	CoverageName string          `json:"coverage_name"`
	Amount       decimal.Decimal `json:"amount"`
}

// Invoice is the billing record owned by the generation pipeline.
type Invoice struct {
	ID            string
	PolicyID      string
	UserID        string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	TotalAmount   decimal.Decimal
	Currency      string
	Lines         []InvoiceLine
	Status        InvoiceStatus
	DocumentRef   string // empty until the document is written
	FailureReason string
	CreatedAt     time.Time
	GeneratedAt   *time.Time
	NotifiedAt    *time.Time
}

// Key returns the invoice's natural key.
func (i Invoice) Key() NaturalKey {
	return NaturalKey{PolicyID: i.PolicyID, PeriodStart: i.PeriodStart, PeriodEnd: i.PeriodEnd}
}

// NaturalKey uniquely identifies one invoice independent of its generated id.
type NaturalKey struct {
	PolicyID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

const keyDateLayout = "2006-01-02"

// String renders the key as <policy>#<start>#<end> using UTC dates.
func (k NaturalKey) String() string {
	return fmt.Sprintf("%s#%s#%s", k.PolicyID,
		k.PeriodStart.UTC().Format(keyDateLayout), k.PeriodEnd.UTC().Format(keyDateLayout))
}

// BillingEvent is the generate-invoice queue message.
type BillingEvent struct {
	PolicyID        string    `json:"policy_id"`
	PeriodStart     time.Time `json:"billing_period_start"`
	PeriodEnd       time.Time `json:"billing_period_end"`
	IdempotencyKey  string    `json:"idempotency_key"`
	DeliveryAttempt int       `json:"delivery_attempt"`
	// InvoiceID is stamped on requeued and reconciliation events; it names the
	// attempt that owns the pending row.
	InvoiceID string `json:"invoice_id,omitempty"`
}

// Key returns the natural key the event targets.
func (e BillingEvent) Key() NaturalKey {
	return NaturalKey{PolicyID: e.PolicyID, PeriodStart: e.PeriodStart, PeriodEnd: e.PeriodEnd}
}

// NotificationEvent is the send-invoice-email queue message.
type NotificationEvent struct {
	EventID     string `json:"event_id"`
	InvoiceID   string `json:"invoice_id"`
	UserID      string `json:"user_id"`
	PolicyID    string `json:"policy_id"`
	DocumentRef string `json:"document_reference"`
	TemplateID  string `json:"template_id"`
}

// DeadLetter is what lands in the dead-letter destination for operator triage.
type DeadLetter struct {
	ID        string       `json:"id"`
	Event     BillingEvent `json:"event"`
	ErrorKind string       `json:"error_kind"`
	Error     string       `json:"error"`
	Attempt   int          `json:"attempt"`
	FailedAt  time.Time    `json:"failed_at"`
	// Raw holds the message body when it could not be decoded into Event.
	Raw string `json:"raw,omitempty"`
}
