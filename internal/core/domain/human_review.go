package domain

import "time"

// Reasons an item lands in the human review queue.
const (
	HumanReasonNoProvider    = "no provider succeeded"
	HumanReasonValidation    = "validation failed"
	HumanReasonLowConfidence = "low confidence"
)

// HumanReviewItem is a review routed to manual labeling.
type HumanReviewItem struct {
	ReviewID int64        `json:"review_id"`
	BatchID  int64        `json:"batch_id"`
	Reason   string       `json:"reason"`
	Reasons  []string     `json:"reasons,omitempty"`
	Label    *LabelResult `json:"label,omitempty"`
	QueuedAt time.Time    `json:"queued_at"`
}
