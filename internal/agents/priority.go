package agents

import (
	"context"
	"fmt"
	"strings"

	"mailpilot/internal/domain"
	"mailpilot/internal/pipeline"
)

// Priority scores a record from its classification and keyword signals.
// Deterministic: no model call, no settings dependency.
type Priority struct{}

func (Priority) Stage() string { return domain.StagePriority }

// categoryBase anchors the score; signal bumps move it up from there.
var categoryBase = map[string]float64{
	"spam":            0.1,
	"promotional":     0.2,
	"notifications":   0.3,
	"personal":        0.35,
	"other":           0.4,
	"work":            0.55,
	"support":         0.6,
	"meetings":        0.6,
	"financial":       0.65,
	"action_required": 0.7,
}

func (Priority) Process(ctx context.Context, rec domain.EmailRecord, upstream map[string]domain.StageResult) (pipeline.Output, error) {
	var ing domain.Ingestion
	if err := upstreamPayload(upstream, domain.StageIngest, &ing); err != nil {
		return pipeline.Output{}, err
	}
	var cls domain.Classification
	if err := upstreamPayload(upstream, domain.StageClassify, &cls); err != nil {
		return pipeline.Output{}, err
	}

	score, ok := categoryBase[cls.Label]
	if !ok {
		score = 0.4
	}
	var bumps []string
	kws := bareKeywords(ing.Keywords)
	if hasPrefixKeyword(ing.Keywords, "urgency:") {
		score += 0.25
		bumps = append(bumps, "urgency keywords")
	}
	if kws["question"] {
		score += 0.05
		bumps = append(bumps, "direct question")
	}
	if kws["has_time_reference"] {
		score += 0.05
		bumps = append(bumps, "time reference")
	}
	if score > 1 {
		score = 1
	}

	level := "low"
	switch {
	case score >= 0.7:
		level = "high"
	case score >= 0.4:
		level = "medium"
	}

	rationale := fmt.Sprintf("base %.2f for %s", categoryBaseOr(cls.Label), cls.Label)
	if len(bumps) > 0 {
		rationale += "; raised by " + strings.Join(bumps, ", ")
	}
	payloadJSON, err := marshalPayload(domain.PriorityScore{Score: score, Level: level})
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{
		Kind:        domain.KindPriorityScore,
		PayloadJSON: payloadJSON,
		Confidence:  floatPtr(cls.Confidence),
		Rationale:   rationale,
	}, nil
}

func categoryBaseOr(label string) float64 {
	if v, ok := categoryBase[label]; ok {
		return v
	}
	return 0.4
}
