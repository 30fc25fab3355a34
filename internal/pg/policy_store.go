package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

// PolicyStore reads policies and their coverages. It never writes.
type PolicyStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewPolicyStore returns a store reading policies through db.
func NewPolicyStore(db *gorm.DB, logger *slog.Logger) *PolicyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyStore{db: db, logger: logger}
}

// GetPolicy loads a policy by id. A missing policy is models.ErrNotFound.
func (s *PolicyStore) GetPolicy(ctx context.Context, policyID string) (models.VehicleInsurance, error) {
	var row policyModel
	err := s.db.WithContext(ctx).
		Where("id = ?", strings.TrimSpace(policyID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.VehicleInsurance{}, fmt.Errorf("%w: policy %s", models.ErrNotFound, policyID)
		}
		return models.VehicleInsurance{}, s.logError("policy_store_get_policy_failed", dbErr("get policy", err), "policy_id", policyID)
	}
	return row.toEntity(), nil
}

// GetCoverages returns the coverages selected on a policy with their premiums.
func (s *PolicyStore) GetCoverages(ctx context.Context, policyID string) ([]models.VehicleInsuranceCoverage, error) {
	var rows []policyCoverageRow
	err := s.db.WithContext(ctx).
		Table("vehicle_insurance_coverages AS vic").
		Select("vic.id, vic.policy_id, vic.coverage_id, c.name AS coverage_name, vic.premium_amount").
		Joins("JOIN coverages c ON c.id = vic.coverage_id").
		Where("vic.policy_id = ?", strings.TrimSpace(policyID)).
		Order("vic.coverage_id ASC").
		Scan(&rows).
		Error
	if err != nil {
		return nil, s.logError("policy_store_get_coverages_failed", dbErr("get coverages", err), "policy_id", policyID)
	}
	out := make([]models.VehicleInsuranceCoverage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntity())
	}
	return out, nil
}

func (s *PolicyStore) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "invoicing/policy-store",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	s.logger.Error("policy store operation failed", fields...)
	return err
}
