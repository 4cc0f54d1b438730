package domain

import "time"

// Review is a single social-media review that needs an aspect label.
type Review struct {
	ID           int64       `json:"id"            db:"id"`
	BatchID      int64       `json:"batch_id"      db:"batch_id"`
	Text         string      `json:"text"          db:"text"`
	Platform     string      `json:"platform"      db:"platform"`
	ReviewDate   time.Time   `json:"review_date"   db:"review_date"`
	Status       LabelStatus `json:"status"        db:"status"`
	LabelVersion int         `json:"label_version" db:"label_version"`
	UpdatedAt    time.Time   `json:"updated_at"    db:"updated_at"`
}

type LabelStatus string

const (
	LabelStatusUnlabeled  LabelStatus = "unlabeled"
	LabelStatusLabeled    LabelStatus = "labeled"
	LabelStatusNeedsHuman LabelStatus = "needs_human"
	LabelStatusDeferred   LabelStatus = "deferred"
)

// Valid reports whether s is one of the known label statuses.
func (s LabelStatus) Valid() bool {
	switch s {
	case LabelStatusUnlabeled, LabelStatusLabeled, LabelStatusNeedsHuman, LabelStatusDeferred:
		return true
	}
	return false
}

// Pending reports whether a review in this status is still waiting for a machine label.
func (s LabelStatus) Pending() bool {
	return s == LabelStatusUnlabeled || s == LabelStatusDeferred
}
