// Package billing prices an invoice from a policy's selected coverages.
package billing

import (
	"fmt"
	"sort"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
	"github.com/shopspring/decimal"
)

// MinorUnits is the currency precision invoices are rounded to.
const MinorUnits = 2

// Quote is the priced result for one billing period.
type Quote struct {
	Lines []models.InvoiceLine
	Total decimal.Decimal
}

// Price sums the coverage premiums and rounds the total half-to-even.
// Lines are ordered by coverage id so the same input always yields the same quote.
func Price(coverages []models.VehicleInsuranceCoverage) (Quote, error) {
	if len(coverages) == 0 {
		return Quote{}, models.ErrNoCoverageFound
	}

	lines := make([]models.InvoiceLine, 0, len(coverages))
	sum := decimal.Zero
	for _, c := range coverages {
		if c.PremiumAmount.IsNegative() {
			return Quote{}, fmt.Errorf("coverage %s: negative premium %s", c.CoverageID, c.PremiumAmount)
		}
		sum = sum.Add(c.PremiumAmount)
		lines = append(lines, models.InvoiceLine{
			CoverageID:   c.CoverageID,
			CoverageName: c.CoverageName,
			Amount:       c.PremiumAmount.RoundBank(MinorUnits),
		})
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].CoverageID < lines[j].CoverageID })

	// Round once on the exact sum, not per line, so rounding error does not accumulate.
	return Quote{Lines: lines, Total: sum.RoundBank(MinorUnits)}, nil
}
