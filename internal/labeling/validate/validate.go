// Package validate checks machine labels before they are persisted.
package validate

import (
	"fmt"
	"math"
	"sort"

	"github.com/vietddude/reviewradar/internal/core/domain"
)

const DefaultConfidenceThreshold = 0.70

// Report is the outcome of validating one label. Hard failures are structural;
// soft failures are low confidence. Both keep a label out of storage.
type Report struct {
	Passed bool
	Hard   []string
	Soft   []string
}

// Reasons returns hard then soft failures.
func (r Report) Reasons() []string {
	return append(append([]string{}, r.Hard...), r.Soft...)
}

// Err returns nil for a passing report and a domain.ErrValidation otherwise.
func (r Report) Err() error {
	if r.Passed {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrValidation, r.Reasons())
}

// Validator checks labels against the requested aspects.
type Validator struct {
	threshold float64
}

// New returns a validator flagging confidences below threshold.
func New(threshold float64) *Validator {
	return &Validator{threshold: threshold}
}

// Validate checks label against aspects. Aspects are reported in sorted order so
// reports are deterministic.
func (v *Validator) Validate(label *domain.LabelResult, aspects []string) Report {
	var r Report
	if label == nil {
		r.Hard = append(r.Hard, "label is missing")
		return r
	}

	sorted := append([]string(nil), aspects...)
	sort.Strings(sorted)

	for _, name := range sorted {
		a, ok := label.Aspects[name]
		if !ok {
			r.Hard = append(r.Hard, fmt.Sprintf("aspect %s: missing", name))
			continue
		}
		switch {
		case a.Sentiment != nil && !a.Sentiment.Valid():
			r.Hard = append(r.Hard, fmt.Sprintf("aspect %s: invalid sentiment %q", name, *a.Sentiment))
		case a.Mentioned && a.Sentiment == nil:
			r.Hard = append(r.Hard, fmt.Sprintf("aspect %s: mentioned without sentiment", name))
		}
		if a.Confidence != nil {
			c := *a.Confidence
			switch {
			case math.IsNaN(c) || c < 0 || c > 1:
				r.Hard = append(r.Hard, fmt.Sprintf("aspect %s: confidence %v out of range", name, c))
			case c < v.threshold:
				r.Soft = append(r.Soft, fmt.Sprintf("aspect %s: low confidence %.2f", name, c))
			}
		}
	}

	if !label.OverallSentiment.Valid() {
		r.Hard = append(r.Hard, fmt.Sprintf("overall sentiment %q invalid", label.OverallSentiment))
	}

	r.Passed = len(r.Hard) == 0 && len(r.Soft) == 0
	return r
}
