package domain

import "time"

// Sentiment is the polarity attached to an aspect or to a whole review.
type Sentiment string

const (
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
	SentimentPositive Sentiment = "positive"
)

// Valid reports whether s is one of the three enumerated sentiments.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentNegative, SentimentNeutral, SentimentPositive:
		return true
	}
	return false
}

// AspectLabel is the per-aspect part of a label.
type AspectLabel struct {
	Mentioned  bool       `json:"mentioned"`
	Sentiment  *Sentiment `json:"sentiment"`
	Confidence *float64   `json:"confidence"`
	Snippet    *string    `json:"snippet"`
}

// LabelMetadata describes how a label was produced.
type LabelMetadata struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Cost             float64   `json:"cost"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	ValidationPassed bool      `json:"validation_passed"`
	InputTokens      int       `json:"input_tokens,omitempty"`
	OutputTokens     int       `json:"output_tokens,omitempty"`
}

// LabelResult is one immutable version of a review's machine label.
// Re-labeling a review inserts a new version instead of editing an old one.
type LabelResult struct {
	ID               string                 `json:"id,omitempty"`
	ReviewID         int64                  `json:"review_id"`
	Version          int                    `json:"version"`
	Aspects          map[string]AspectLabel `json:"aspects"`
	OverallSentiment Sentiment              `json:"overall_sentiment"`
	Metadata         LabelMetadata          `json:"metadata"`
}

// Clone returns a deep copy so stored versions cannot be mutated through shared pointers.
func (l *LabelResult) Clone() *LabelResult {
	if l == nil {
		return nil
	}
	out := *l
	out.Aspects = make(map[string]AspectLabel, len(l.Aspects))
	for k, a := range l.Aspects {
		c := AspectLabel{Mentioned: a.Mentioned}
		if a.Sentiment != nil {
			s := *a.Sentiment
			c.Sentiment = &s
		}
		if a.Confidence != nil {
			f := *a.Confidence
			c.Confidence = &f
		}
		if a.Snippet != nil {
			s := *a.Snippet
			c.Snippet = &s
		}
		out.Aspects[k] = c
	}
	return &out
}
