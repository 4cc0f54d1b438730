package domain

import "time"

// Batch is a customer-submitted collection of reviews sharing consent and lifecycle.
type Batch struct {
	ID            int64     `json:"id"`
	CustomerID    string    `json:"customer_id"`
	Status        string    `json:"status"`
	ConsentReport bool      `json:"consent_report"`
	ConsentTrain  bool      `json:"consent_train"`
	Aspects       []string  `json:"aspects"`
	CreatedAt     time.Time `json:"created_at"`
}
