package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/vietddude/reviewradar/internal/core/domain"
)

// BuildInstructions is the system prompt asking for one JSON label over aspects.
func BuildInstructions(aspects []string) string {
	var b strings.Builder
	b.WriteString("Role: high-precision review aspect sentiment annotator.\n")
	b.WriteString("Aspects: ")
	b.WriteString(strings.Join(aspects, ", "))
	b.WriteString("\n\nFor every aspect report:\n")
	b.WriteString("- mentioned: true if the review talks about the aspect.\n")
	b.WriteString("- sentiment: negative, neutral or positive when mentioned, otherwise null.\n")
	b.WriteString("- confidence: 0.0 to 1.0, how sure you are of this aspect's label.\n")
	b.WriteString("- snippet: the shortest quote supporting the label, or null.\n")
	b.WriteString("Mixed feedback gets a balanced sentiment and a lower confidence.\n\n")
	b.WriteString("Output strict JSON only:\n")
	b.WriteString(`{"aspects": {"<aspect>": {"mentioned": bool, "sentiment": string|null, "confidence": number, "snippet": string|null}}, "overall_sentiment": "negative"|"neutral"|"positive"}`)
	return b.String()
}

// stripFences removes a surrounding ```json ... ``` block.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseLabel decodes model output into a label over aspects.
//
// Two shapes are accepted: the JSON object described by BuildInstructions, and the
// compact [[scores...], [confidences...]] matrix where scores run from -1 to 1 and a
// null score means the aspect was not mentioned. The result is not validated; a
// decodable but incomplete object is returned as is.
func ParseLabel(raw string, aspects []string) (*domain.LabelResult, error) {
	s := stripFences(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: empty response", ErrUnparseable)
	}
	if strings.HasPrefix(s, "[") {
		return parseMatrix(s, aspects)
	}

	var body struct {
		Aspects          map[string]domain.AspectLabel `json:"aspects"`
		OverallSentiment domain.Sentiment              `json:"overall_sentiment"`
	}
	if err := json.Unmarshal([]byte(s), &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if body.Aspects == nil {
		body.Aspects = map[string]domain.AspectLabel{}
	}
	return &domain.LabelResult{
		Aspects:          body.Aspects,
		OverallSentiment: body.OverallSentiment,
	}, nil
}

func parseMatrix(s string, aspects []string) (*domain.LabelResult, error) {
	var m [][]*float64
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if len(m) != 2 || len(m[0]) != len(aspects) || len(m[1]) != len(aspects) {
		return nil, fmt.Errorf("%w: expected 2 rows of %d values", ErrUnparseable, len(aspects))
	}

	label := &domain.LabelResult{Aspects: make(map[string]domain.AspectLabel, len(aspects))}
	var sum float64
	var n int
	for i, aspect := range aspects {
		a := domain.AspectLabel{Confidence: m[1][i]}
		if score := m[0][i]; score != nil {
			if *score < -1 || *score > 1 || math.IsNaN(*score) {
				return nil, fmt.Errorf("%w: score %v out of range", ErrUnparseable, *score)
			}
			sentiment := sentimentFromScore(*score)
			a.Mentioned = true
			a.Sentiment = &sentiment
			sum += *score
			n++
		}
		label.Aspects[aspect] = a
	}
	label.OverallSentiment = domain.SentimentNeutral
	if n > 0 {
		label.OverallSentiment = sentimentFromScore(sum / float64(n))
	}
	return label, nil
}

func sentimentFromScore(score float64) domain.Sentiment {
	switch {
	case score <= -1.0/3:
		return domain.SentimentNegative
	case score >= 1.0/3:
		return domain.SentimentPositive
	}
	return domain.SentimentNeutral
}
