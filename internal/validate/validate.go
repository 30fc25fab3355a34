// Package validate checks inbound billing events before any storage is touched.
package validate

import (
	"fmt"
	"strings"
	"time"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

// PolicyID checks that the policy id is present.
func PolicyID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: policy_id required", models.ErrInvalidEvent)
	}
	return nil
}

// Period checks that the billing period is non-empty, ordered and made of whole
// UTC days. The natural key only carries dates, so a time of day would collide.
func Period(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("%w: billing period bounds required", models.ErrInvalidEvent)
	}
	for _, b := range []struct {
		name string
		t    time.Time
	}{{"billing_period_start", start}, {"billing_period_end", end}} {
		if !isUTCMidnight(b.t) {
			return fmt.Errorf("%w: %s %s is not midnight UTC",
				models.ErrInvalidEvent, b.name, b.t.Format(time.RFC3339Nano))
		}
	}
	if !start.Before(end) {
		return fmt.Errorf("%w: billing_period_start %s not before billing_period_end %s",
			models.ErrInvalidEvent, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return nil
}

func isUTCMidnight(t time.Time) bool {
	u := t.UTC()
	return u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0
}

// IdempotencyKey checks that a caller-supplied key matches the natural key it claims to be.
// An empty key is accepted and derived.
func IdempotencyKey(key string, natural models.NaturalKey) error {
	if key == "" || key == natural.String() {
		return nil
	}
	return fmt.Errorf("%w: idempotency_key %q does not match %q", models.ErrInvalidEvent, key, natural.String())
}

// Attempt checks the delivery counter.
func Attempt(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative delivery_attempt", models.ErrInvalidEvent)
	}
	return nil
}

// BillingEvent runs every validator against the event.
func BillingEvent(ev models.BillingEvent) error {
	validators := []func() error{
		func() error { return PolicyID(ev.PolicyID) },
		func() error { return Period(ev.PeriodStart, ev.PeriodEnd) },
		func() error { return IdempotencyKey(ev.IdempotencyKey, ev.Key()) },
		func() error { return Attempt(ev.DeliveryAttempt) },
	}

	for _, validator := range validators {
		if err := validator(); err != nil {
			return err
		}
	}

	return nil
}
