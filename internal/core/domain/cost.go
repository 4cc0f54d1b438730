package domain

import "time"

// CostRecord is one entry of the append-only provider cost ledger.
type CostRecord struct {
	Provider  string    `json:"provider"`
	Units     int       `json:"units"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
	ReviewID  int64     `json:"review_id,omitempty"`
	Success   bool      `json:"success"`
}
