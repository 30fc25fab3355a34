package validate

import (
	"errors"
	"testing"
	"time"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

func TestBillingEvent(t *testing.T) {
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	noon := 12 * time.Hour
	newYork := time.FixedZone("EST", -5*60*60)

	tests := []struct {
		name    string
		ev      models.BillingEvent
		wantErr bool
	}{
		{"valid with key", models.BillingEvent{PolicyID: "P1", PeriodStart: jan, PeriodEnd: feb, IdempotencyKey: "P1#2024-01-01#2024-02-01", DeliveryAttempt: 1}, false},
		{"valid without key", models.BillingEvent{PolicyID: "P1", PeriodStart: jan, PeriodEnd: feb}, false},
		{"missing policy", models.BillingEvent{PeriodStart: jan, PeriodEnd: feb}, true},
		{"inverted period", models.BillingEvent{PolicyID: "P1", PeriodStart: feb, PeriodEnd: jan}, true},
		{"empty period", models.BillingEvent{PolicyID: "P1", PeriodStart: jan, PeriodEnd: jan}, true},
		{"zero bounds", models.BillingEvent{PolicyID: "P1"}, true},
		{"mismatched key", models.BillingEvent{PolicyID: "P1", PeriodStart: jan, PeriodEnd: feb, IdempotencyKey: "P2#2024-01-01#2024-02-01"}, true},
		{"start with time of day", models.BillingEvent{PolicyID: "P1", PeriodStart: jan.Add(noon), PeriodEnd: feb}, true},
		{"end with time of day", models.BillingEvent{PolicyID: "P1", PeriodStart: jan, PeriodEnd: feb.Add(noon)}, true},
		{"same day", models.BillingEvent{PolicyID: "P1", PeriodStart: jan, PeriodEnd: jan.Add(noon)}, true},
		{"local midnight", models.BillingEvent{PolicyID: "P1", PeriodStart: time.Date(2024, 1, 1, 0, 0, 0, 0, newYork), PeriodEnd: feb}, true},
		{"utc midnight in another zone", models.BillingEvent{PolicyID: "P1", PeriodStart: jan.In(newYork), PeriodEnd: feb.In(newYork)}, false},
		{"negative attempt", models.BillingEvent{PolicyID: "P1", PeriodStart: jan, PeriodEnd: feb, DeliveryAttempt: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := BillingEvent(tt.ev)
			if tt.wantErr {
				if !errors.Is(err, models.ErrInvalidEvent) {
					t.Fatalf("expected ErrInvalidEvent, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// Periods that differ only by time of day share a natural key, so only the
// whole-day form may pass.
func TestPeriodsDifferingByTimeOfDay(t *testing.T) {
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	shifted := models.BillingEvent{PolicyID: "P1", PeriodStart: jan.Add(12 * time.Hour), PeriodEnd: feb.Add(12 * time.Hour)}
	whole := models.BillingEvent{PolicyID: "P1", PeriodStart: jan, PeriodEnd: feb}

	if shifted.Key().String() != whole.Key().String() {
		t.Fatal("expected both periods to render the same key")
	}
	if err := BillingEvent(whole); err != nil {
		t.Fatalf("whole-day period rejected: %v", err)
	}
	if err := BillingEvent(shifted); !errors.Is(err, models.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for shifted period, got %v", err)
	}
}
