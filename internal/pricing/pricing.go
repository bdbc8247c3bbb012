// Package pricing computes the credit cost of an analysis from repository
// metrics. The formula is the billing source of truth: same inputs must yield
// the same integer cost on every node.
package pricing

import (
	"math"

	"repo-analysis-engine/internal/models"
)

const baseCost = 1.0

// Cost maps repository metrics to a credit cost. Complexity is clamped to
// [1,10]; the result is rounded up so partial credits always bill as whole ones.
func Cost(m models.RepositoryMetrics) int {
	complexity := m.Complexity
	if complexity < 1 {
		complexity = 1
	}
	if complexity > 10 {
		complexity = 10
	}

	cost := baseCost + float64(m.FileCount)*0.1 + float64(m.SizeKB)*0.01
	multiplier := 1 + float64(complexity-1)*0.1
	return int(math.Ceil(cost * multiplier))
}
