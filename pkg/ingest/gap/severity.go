package gap

import (
	"math"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
)

// Classify returns the severity of a run of units missing data. A run with any empty
// unit is critical; partial runs are graded by length.
func Classify(units int, anyEmpty bool) model.Severity {
	switch {
	case anyEmpty:
		return model.SeverityCritical
	case units >= 7:
		return model.SeverityHigh
	case units >= 3:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// Priority scores a run: ceil(min(units*10, 100) * weight(severity)).
func Priority(units int, severity model.Severity) int {
	base := units * 10
	if base > 100 {
		base = 100
	}
	pct := int(math.Round(severity.Weight() * 100))
	return (base*pct + 99) / 100
}
