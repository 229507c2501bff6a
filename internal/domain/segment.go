package domain

import "time"

// Segment is a named partition of the canonical table defined by a CEL
// predicate over the canonical columns, exposed to expressions as `row`.
// Example: row.CONTRACT == "Month-to-month" && row.TENURE_MONTHS <= 12
type Segment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Expression  string `json:"expression"`
	Enabled     bool   `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// SegmentCritical is the id of the fixed critical-segment rule.
const SegmentCritical = "segment-critical"

// Partition group names.
const (
	GroupRetained     = "retained"
	GroupOtherChurned = "other-churned"
	GroupCritical     = "critical-segment"
)
