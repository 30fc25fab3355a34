package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/queue"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/retry"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/s3io"
)

const (
	generateQueue = "generate-invoice"
	emailQueue    = "send-invoice-email"
	deadQueue     = "generate-invoice-dlq"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2024, 2, 1, 3, 0, 0, 0, time.UTC)

// ---- Policy store ----

type fakePolicies struct {
	policies  map[string]models.VehicleInsurance
	coverages map[string][]models.VehicleInsuranceCoverage
	err       error
}

func (f *fakePolicies) GetPolicy(_ context.Context, id string) (models.VehicleInsurance, error) {
	if f.err != nil {
		return models.VehicleInsurance{}, f.err
	}
	p, ok := f.policies[id]
	if !ok {
		return models.VehicleInsurance{}, fmt.Errorf("%w: policy %s", models.ErrNotFound, id)
	}
	return p, nil
}

func (f *fakePolicies) GetCoverages(_ context.Context, id string) ([]models.VehicleInsuranceCoverage, error) {
	return f.coverages[id], nil
}

// ---- Invoice repository ----

// memRepo mirrors the storage guarantees: unique natural key, conditional transitions.
type memRepo struct {
	mu      sync.Mutex
	byID    map[string]models.Invoice
	byKey   map[string]string
	inserts int
	writes  int

	failMarkGenerated error
}

func newMemRepo() *memRepo {
	return &memRepo{byID: map[string]models.Invoice{}, byKey: map[string]string{}}
}

func (r *memRepo) InsertPending(_ context.Context, inv models.Invoice) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	k := inv.Key().String()
	if _, ok := r.byKey[k]; ok {
		return "", fmt.Errorf("%w: %s", models.ErrAlreadyExists, k)
	}
	r.writes++
	r.byKey[k] = inv.ID
	r.byID[inv.ID] = inv
	return inv.ID, nil
}

func (r *memRepo) MarkGenerated(_ context.Context, id, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failMarkGenerated != nil {
		err := r.failMarkGenerated
		r.failMarkGenerated = nil
		return err
	}
	inv, ok := r.byID[id]
	if !ok {
		return models.ErrNotFound
	}
	switch {
	case inv.Status == models.InvoicePending:
	case inv.Status == models.InvoiceGenerated && inv.DocumentRef == ref:
		return nil
	default:
		return models.ErrInvalidTransition
	}
	r.writes++
	now := testNow
	inv.Status, inv.DocumentRef, inv.GeneratedAt = models.InvoiceGenerated, ref, &now
	r.byID[id] = inv
	return nil
}

func (r *memRepo) MarkFailed(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.byID[id]
	if !ok {
		return models.ErrNotFound
	}
	if inv.Status != models.InvoicePending {
		return models.ErrInvalidTransition
	}
	r.writes++
	inv.Status, inv.FailureReason = models.InvoiceFailed, reason
	r.byID[id] = inv
	return nil
}

func (r *memRepo) MarkNotified(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.byID[id]
	if !ok {
		return models.ErrNotFound
	}
	if inv.Status != models.InvoiceGenerated {
		return models.ErrInvalidTransition
	}
	if inv.NotifiedAt != nil {
		return nil
	}
	r.writes++
	inv.NotifiedAt = &at
	r.byID[id] = inv
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (models.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.byID[id]
	if !ok {
		return models.Invoice{}, models.ErrNotFound
	}
	return inv, nil
}

func (r *memRepo) GetByNaturalKey(ctx context.Context, key models.NaturalKey) (models.Invoice, error) {
	r.mu.Lock()
	id, ok := r.byKey[key.String()]
	r.mu.Unlock()
	if !ok {
		return models.Invoice{}, models.ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *memRepo) ListStale(_ context.Context, status models.InvoiceStatus, olderThan time.Time, limit int) ([]models.Invoice, error) {
	return r.list(limit, func(inv models.Invoice) bool {
		return inv.Status == status && inv.CreatedAt.Before(olderThan)
	}), nil
}

func (r *memRepo) ListUnnotified(_ context.Context, olderThan time.Time, limit int) ([]models.Invoice, error) {
	return r.list(limit, func(inv models.Invoice) bool {
		return inv.Status == models.InvoiceGenerated && inv.NotifiedAt == nil && inv.CreatedAt.Before(olderThan)
	}), nil
}

func (r *memRepo) list(limit int, keep func(models.Invoice) bool) []models.Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Invoice
	for _, inv := range r.byID {
		if keep(inv) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memRepo) all() []models.Invoice {
	return r.list(0, func(models.Invoice) bool { return true })
}

// ---- Document store ----

// memStore is write-once per key like the S3 store.
type memStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	attempts int
	// failures holds errors returned by the next Put calls, in order.
	failures []error
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (s *memStore) Put(_ context.Context, key string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return "", err
	}
	if existing, ok := s.objects[key]; ok {
		if !bytes.Equal(existing, content) {
			return "", fmt.Errorf("%w: %s", models.ErrContentMismatch, key)
		}
		return s3io.Ref("invoices", key), nil
	}
	s.objects[key] = append([]byte(nil), content...)
	return s3io.Ref("invoices", key), nil
}

// ---- Transport ----

type memSender struct {
	mu   sync.Mutex
	sent map[string][]queue.Message
	// errs fails sends to a destination while non-empty, popping one per send.
	errs map[string][]error
}

func newMemSender() *memSender {
	return &memSender{sent: map[string][]queue.Message{}, errs: map[string][]error{}}
}

func (s *memSender) Send(_ context.Context, msg queue.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errs := s.errs[msg.Destination]; len(errs) > 0 {
		s.errs[msg.Destination] = errs[1:]
		return errs[0]
	}
	s.sent[msg.Destination] = append(s.sent[msg.Destination], msg)
	return nil
}

func (s *memSender) Close() error { return nil }

func (s *memSender) messages(dest string) []queue.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]queue.Message(nil), s.sent[dest]...)
}

// take removes and returns everything sent to dest.
func (s *memSender) take(dest string) []queue.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent[dest]
	delete(s.sent, dest)
	return out
}

func (s *memSender) notifications(t *testing.T) []models.NotificationEvent {
	t.Helper()
	var out []models.NotificationEvent
	for _, m := range s.messages(emailQueue) {
		var ev models.NotificationEvent
		if err := json.Unmarshal(m.Body, &ev); err != nil {
			t.Fatalf("decode notification: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func (s *memSender) deadLetters(t *testing.T) []models.DeadLetter {
	t.Helper()
	var out []models.DeadLetter
	for _, m := range s.messages(deadQueue) {
		var dl models.DeadLetter
		if err := json.Unmarshal(m.Body, &dl); err != nil {
			t.Fatalf("decode dead letter: %v", err)
		}
		out = append(out, dl)
	}
	return out
}

// ---- Harness ----

type harness struct {
	policies *fakePolicies
	repo     *memRepo
	store    *memStore
	sender   *memSender
	logs     *bytes.Buffer
	consumer *Consumer
	ids      int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		policies: &fakePolicies{
			policies: map[string]models.VehicleInsurance{
				"P1": {
					ID:        "P1",
					UserID:    "U1",
					VehicleID: "V1",
					TermStart: time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC),
					TermEnd:   time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
					Status:    models.PolicyActive,
				},
			},
			coverages: map[string][]models.VehicleInsuranceCoverage{
				"P1": {
					{ID: "VIC1", PolicyID: "P1", CoverageID: "liability", CoverageName: "Liability", PremiumAmount: decimal.RequireFromString("45.00")},
					{ID: "VIC2", PolicyID: "P1", CoverageID: "collision", CoverageName: "Collision", PremiumAmount: decimal.RequireFromString("30.00")},
				},
			},
		},
		repo:   newMemRepo(),
		store:  newMemStore(),
		sender: newMemSender(),
		logs:   &bytes.Buffer{},
	}
	logger := slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	var idMu sync.Mutex
	h.consumer = &Consumer{
		Policies:    h.policies,
		Invoices:    h.repo,
		Documents:   h.store,
		Notifier:    &Notifier{Sender: h.sender, Destination: emailQueue},
		Requeue:     &Requeuer{Sender: h.sender, Destination: generateQueue},
		DeadLetters: &DeadLetterSink{Sender: h.sender, Destination: deadQueue},
		Retry:       retry.NewPolicy(5, time.Minute),
		Currency:    "USD",
		TemplateID:  "invoice-ready-v1",
		Clock:       fixedClock{t: testNow},
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			h.ids++
			return fmt.Sprintf("INV%03d", h.ids)
		},
		Logger: logger,
	}
	return h
}

func billingEvent() models.BillingEvent {
	ev := models.BillingEvent{
		PolicyID:        "P1",
		PeriodStart:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:       time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		DeliveryAttempt: 1,
	}
	ev.IdempotencyKey = ev.Key().String()
	return ev
}

// drain delivers requeued billing events until none are left and returns
// the events it delivered.
func (h *harness) drain(t *testing.T) []models.BillingEvent {
	t.Helper()
	var delivered []models.BillingEvent
	for i := 0; i < 50; i++ {
		msgs := h.sender.take(generateQueue)
		if len(msgs) == 0 {
			return delivered
		}
		for _, m := range msgs {
			var ev models.BillingEvent
			if err := json.Unmarshal(m.Body, &ev); err != nil {
				t.Fatalf("decode requeued event: %v", err)
			}
			delivered = append(delivered, ev)
			if err := h.consumer.HandleMessage(context.Background(), m.Body); err != nil {
				t.Fatalf("handle requeued event: %v", err)
			}
		}
	}
	t.Fatal("requeue loop did not settle")
	return nil
}
