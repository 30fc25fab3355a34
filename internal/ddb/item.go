package ddb

import (
	"fmt"
	"time"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
	"github.com/shopspring/decimal"
)

// Key prefixes and index names of the invoices table.
const (
	invoicePrefix = "INVOICE#"
	gatePrefix    = "INVOICEKEY#"
	sortKey       = "INVOICE"

	StatusIndex = "gsi_status"
)

// Fixed-width so created_at sorts lexicographically on the status index.
const timeLayout = "2006-01-02T15:04:05.000000Z"

type invoiceItem struct {
	PK            string     `dynamodbav:"PK"`
	SK            string     `dynamodbav:"SK"`
	InvoiceID     string     `dynamodbav:"invoice_id"`
	NaturalKey    string     `dynamodbav:"natural_key"`
	PolicyID      string     `dynamodbav:"policy_id"`
	UserID        string     `dynamodbav:"user_id"`
	PeriodStart   string     `dynamodbav:"period_start"`
	PeriodEnd     string     `dynamodbav:"period_end"`
	TotalAmount   string     `dynamodbav:"total_amount"`
	Currency      string     `dynamodbav:"currency"`
	Lines         []lineItem `dynamodbav:"lines"`
	Status        string     `dynamodbav:"status"`
	DocumentRef   string     `dynamodbav:"document_ref,omitempty"`
	FailureReason string     `dynamodbav:"failure_reason,omitempty"`
	CreatedAt     string     `dynamodbav:"created_at"`
	GeneratedAt   string     `dynamodbav:"generated_at,omitempty"`
	NotifiedAt    string     `dynamodbav:"notified_at,omitempty"`
}

type lineItem struct {
	CoverageID   string `dynamodbav:"coverage_id"`
	CoverageName string `dynamodbav:"coverage_name"`
	Amount       string `dynamodbav:"amount"`
}

// gateItem reserves a natural key and points at the invoice that owns it.
type gateItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	InvoiceID string `dynamodbav:"invoice_id"`
}

// MakeKeys constructs the partition and sort key of an invoice record.
func MakeKeys(invoiceID string) (pk, sk string) {
	return invoicePrefix + invoiceID, sortKey
}

// MakeGateKeys constructs the keys of the natural-key reservation item.
func MakeGateKeys(k models.NaturalKey) (pk, sk string) {
	return gatePrefix + k.String(), sortKey
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatOptTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toItem(inv models.Invoice) invoiceItem {
	pk, sk := MakeKeys(inv.ID)
	lines := make([]lineItem, 0, len(inv.Lines))
	for _, l := range inv.Lines {
		lines = append(lines, lineItem{CoverageID: l.CoverageID, CoverageName: l.CoverageName, Amount: l.Amount.String()})
	}
	return invoiceItem{
		PK:            pk,
		SK:            sk,
		InvoiceID:     inv.ID,
		NaturalKey:    inv.Key().String(),
		PolicyID:      inv.PolicyID,
		UserID:        inv.UserID,
		PeriodStart:   formatTime(inv.PeriodStart),
		PeriodEnd:     formatTime(inv.PeriodEnd),
		TotalAmount:   inv.TotalAmount.String(),
		Currency:      inv.Currency,
		Lines:         lines,
		Status:        string(inv.Status),
		DocumentRef:   inv.DocumentRef,
		FailureReason: inv.FailureReason,
		CreatedAt:     formatTime(inv.CreatedAt),
		GeneratedAt:   formatOptTime(inv.GeneratedAt),
		NotifiedAt:    formatOptTime(inv.NotifiedAt),
	}
}

func (it invoiceItem) invoice() (models.Invoice, error) {
	var (
		inv models.Invoice
		err error
	)
	inv.ID = it.InvoiceID
	inv.PolicyID = it.PolicyID
	inv.UserID = it.UserID
	inv.Currency = it.Currency
	inv.Status = models.InvoiceStatus(it.Status)
	inv.DocumentRef = it.DocumentRef
	inv.FailureReason = it.FailureReason

	if inv.PeriodStart, err = time.Parse(timeLayout, it.PeriodStart); err != nil {
		return models.Invoice{}, fmt.Errorf("period_start: %w", err)
	}
	if inv.PeriodEnd, err = time.Parse(timeLayout, it.PeriodEnd); err != nil {
		return models.Invoice{}, fmt.Errorf("period_end: %w", err)
	}
	if inv.CreatedAt, err = time.Parse(timeLayout, it.CreatedAt); err != nil {
		return models.Invoice{}, fmt.Errorf("created_at: %w", err)
	}
	if inv.GeneratedAt, err = parseOptTime(it.GeneratedAt); err != nil {
		return models.Invoice{}, fmt.Errorf("generated_at: %w", err)
	}
	if inv.NotifiedAt, err = parseOptTime(it.NotifiedAt); err != nil {
		return models.Invoice{}, fmt.Errorf("notified_at: %w", err)
	}
	if inv.TotalAmount, err = decimal.NewFromString(it.TotalAmount); err != nil {
		return models.Invoice{}, fmt.Errorf("total_amount: %w", err)
	}
	for _, l := range it.Lines {
		amt, err := decimal.NewFromString(l.Amount)
		if err != nil {
			return models.Invoice{}, fmt.Errorf("line %s amount: %w", l.CoverageID, err)
		}
		inv.Lines = append(inv.Lines, models.InvoiceLine{CoverageID: l.CoverageID, CoverageName: l.CoverageName, Amount: amt})
	}
	return inv, nil
}

func parseOptTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
