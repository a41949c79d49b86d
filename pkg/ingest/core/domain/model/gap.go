package model

import (
	"fmt"
	"time"
)

// GapType is the data category a gap belongs to.
type GapType string

const (
	GapTypeNews   GapType = "news"
	GapTypePrices GapType = "prices"
	GapTypeMacro  GapType = "macro"
)

// ParseGapType validates a category name.
func ParseGapType(s string) (GapType, error) {
	switch t := GapType(s); t {
	case GapTypeNews, GapTypePrices, GapTypeMacro:
		return t, nil
	default:
		return "", fmt.Errorf("unknown gap type '%s'", s)
	}
}

// Severity is the qualitative classification of a gap.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ParseSeverity validates a severity name.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(s); sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity '%s'", s)
	}
}

// Weight scales priority by severity.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.8
	case SeverityMedium:
		return 0.6
	default:
		return 0.4
	}
}

// Gap is a contiguous range of missing calendar units for one entity.
// After creation only FilledAt and FillExecutionID change.
type Gap struct {
	ID              string     `json:"id"`
	Type            GapType    `json:"type"`
	EntityKey       string     `json:"entity_key"`
	FromDate        time.Time  `json:"from_date"`
	ToDate          time.Time  `json:"to_date"`
	Units           int        `json:"units"`
	Severity        Severity   `json:"severity"`
	Priority        int        `json:"priority"`
	DetectedAt      time.Time  `json:"detected_at"`
	FilledAt        *time.Time `json:"filled_at,omitempty"`
	FillExecutionID *string    `json:"fill_execution_id,omitempty"`
}

// NewGap creates an open gap over [from, to] covering units expected calendar units.
func NewGap(gapType GapType, entityKey string, from, to time.Time, units int, severity Severity, priority int) *Gap {
	return &Gap{
		ID:         NewID(),
		Type:       gapType,
		EntityKey:  entityKey,
		FromDate:   TruncateDay(from),
		ToDate:     TruncateDay(to),
		Units:      units,
		Severity:   severity,
		Priority:   priority,
		DetectedAt: time.Now().UTC(),
	}
}

// IsFilled reports whether the gap has been closed.
func (g *Gap) IsFilled() bool {
	return g.FilledAt != nil
}

// Contains reports whether day lies inside [FromDate, ToDate].
func (g *Gap) Contains(day time.Time) bool {
	d := TruncateDay(day)
	return !d.Before(g.FromDate) && !d.After(g.ToDate)
}

// Overlaps reports whether two gaps share at least one calendar day.
func (g *Gap) Overlaps(other *Gap) bool {
	return !g.ToDate.Before(other.FromDate) && !other.ToDate.Before(g.FromDate)
}

// MarkFilled closes the gap on behalf of executionID.
func (g *Gap) MarkFilled(at time.Time, executionID string) {
	t := at.UTC()
	id := executionID
	g.FilledAt = &t
	g.FillExecutionID = &id
}

// GapFilter narrows a gap inventory query. Nil/zero values mean "no filter".
// EntityKeys matches a gap whose key equals any of them.
type GapFilter struct {
	Type       GapType
	Severity   Severity
	EntityKeys []string
	Filled     *bool
	Limit      int
}

// InvalidEntity marks an entity that a source can never serve (e.g. an unknown ticker).
// History is kept; refresh cycles skip the entity.
type InvalidEntity struct {
	Source    string    `json:"source"`
	EntityKey string    `json:"entity_key"`
	Reason    string    `json:"reason"`
	MarkedAt  time.Time `json:"marked_at"`
}
