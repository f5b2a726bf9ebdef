package agents

import (
	"context"
	"strings"

	"mailpilot/internal/backend"
	"mailpilot/internal/domain"
	"mailpilot/internal/pipeline"
	"mailpilot/internal/store"
)

// Classify labels a record. Local rules run first; the cloud backend is
// consulted only when they are not confident enough and settings allow
// it, and only ever sees redacted content.
type Classify struct {
	Store      store.Store
	Backend    backend.Backend
	Categories []string
}

func (Classify) Stage() string { return domain.StageClassify }

const localConfidenceFloor = 0.7

func (a Classify) Process(ctx context.Context, rec domain.EmailRecord, upstream map[string]domain.StageResult) (pipeline.Output, error) {
	var ing domain.Ingestion
	if err := upstreamPayload(upstream, domain.StageIngest, &ing); err != nil {
		return pipeline.Output{}, err
	}
	settings, err := a.Store.GetSettings(ctx)
	if err != nil {
		return pipeline.Output{}, err
	}

	local := classifyLocally(ing.Keywords, rec.SenderEmail, rec.Subject)
	if local != nil && local.Confidence >= localConfidenceFloor {
		return a.output(domain.Classification{
			Label:      local.Label,
			Confidence: local.Confidence,
			Method:     "local_rules",
		}, local.Reason)
	}

	if settings.CloudLLM && a.Backend != nil {
		cls, rationale, err := a.Backend.Classify(ctx, redactedContent(rec), ing.Keywords, a.Categories)
		if err != nil {
			return pipeline.Output{}, backendErr(err)
		}
		if local != nil && local.Label == cls.Label {
			cls.Confidence = min(1.0, cls.Confidence+0.1)
			rationale += " (confirmed by local rules)"
		}
		return a.output(cls, rationale)
	}

	// Local-only mode with no confident rule: keep the best local guess
	// rather than guessing remotely.
	if local != nil {
		return a.output(domain.Classification{
			Label:      local.Label,
			Confidence: local.Confidence,
			Method:     "local_rules",
		}, local.Reason)
	}
	return a.output(domain.Classification{
		Label:      "other",
		Confidence: 0.5,
		Method:     "local_rules",
	}, "no local rule matched")
}

func (a Classify) output(cls domain.Classification, rationale string) (pipeline.Output, error) {
	payloadJSON, err := marshalPayload(cls)
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{
		Kind:        domain.KindClassification,
		PayloadJSON: payloadJSON,
		Confidence:  floatPtr(cls.Confidence),
		Rationale:   rationale,
	}, nil
}

type localResult struct {
	Label      string
	Priority   string
	Confidence float64
	Reason     string
}

// classifyLocally applies keyword rules in fixed order, most specific
// first. Returns nil when no rule fires with useful confidence.
func classifyLocally(keywords []string, sender, subject string) *localResult {
	kws := bareKeywords(keywords)

	spamIndicators := []string{"urgent", "limited time", "act now", "free", "winner", "congratulations", "claim", "prize", "offer", "discount", "sale", "deal"}
	if countMatches(kws, spamIndicators) >= 2 {
		return &localResult{Label: "spam", Priority: "low", Confidence: 0.9, Reason: "multiple spam indicators detected"}
	}

	financialIndicators := []string{"invoice", "payment", "bill", "receipt", "transaction", "refund"}
	if countMatches(kws, financialIndicators) > 0 {
		pr := "medium"
		if kws["urgent"] {
			pr = "high"
		}
		return &localResult{Label: "financial", Priority: pr, Confidence: 0.85, Reason: "financial keywords detected"}
	}

	meetingIndicators := []string{"meeting", "call", "appointment", "schedule", "calendar", "conference"}
	if countMatches(kws, meetingIndicators) > 0 {
		pr := "medium"
		if hasPrefixKeyword(keywords, "urgency:") || kws["has_time_reference"] {
			pr = "high"
		}
		return &localResult{Label: "meetings", Priority: pr, Confidence: 0.8, Reason: "meeting keywords detected"}
	}

	supportIndicators := []string{"support", "help", "issue", "problem", "error", "bug", "ticket"}
	if countMatches(kws, supportIndicators) > 0 {
		pr := "medium"
		if kws["urgent"] {
			pr = "high"
		}
		return &localResult{Label: "support", Priority: pr, Confidence: 0.8, Reason: "support keywords detected"}
	}

	workIndicators := []string{"project", "task", "deliverable", "milestone", "report", "proposal"}
	if countMatches(kws, workIndicators) > 0 {
		pr := "medium"
		if hasPrefixKeyword(keywords, "urgency:") {
			pr = "high"
		}
		return &localResult{Label: "work", Priority: pr, Confidence: 0.75, Reason: "work keywords detected"}
	}

	personalIndicators := []string{"family", "friend", "personal", "vacation", "birthday", "party"}
	if countMatches(kws, personalIndicators) > 0 {
		return &localResult{Label: "personal", Priority: "low", Confidence: 0.7, Reason: "personal keywords detected"}
	}

	senderLower := strings.ToLower(sender)
	if containsAny(senderLower, []string{"noreply", "no-reply", "notification", "support"}) {
		if countMatches(kws, financialIndicators) > 0 {
			return &localResult{Label: "financial", Priority: "medium", Confidence: 0.8, Reason: "service notification with financial content"}
		}
		return &localResult{Label: "notifications", Priority: "low", Confidence: 0.75, Reason: "automated service notification"}
	}

	subjectLower := strings.ToLower(subject)
	if containsAny(subjectLower, []string{"unsubscribe", "newsletter", "promotion"}) {
		return &localResult{Label: "promotional", Priority: "low", Confidence: 0.85, Reason: "promotional content in subject"}
	}
	if containsAny(subjectLower, []string{"urgent", "asap", "immediate"}) {
		return &localResult{Label: "action_required", Priority: "high", Confidence: 0.8, Reason: "urgent markers in subject"}
	}

	actionCount := 0
	for _, kw := range keywords {
		if strings.HasPrefix(kw, "action:") {
			actionCount++
		}
	}
	if actionCount >= 2 || kws["question"] {
		return &localResult{Label: "action_required", Priority: "medium", Confidence: 0.75, Reason: "multiple action items or questions detected"}
	}
	return nil
}

func countMatches(kws map[string]bool, indicators []string) int {
	n := 0
	for _, ind := range indicators {
		if kws[ind] {
			n++
		}
	}
	return n
}

func hasPrefixKeyword(keywords []string, prefix string) bool {
	for _, kw := range keywords {
		if strings.HasPrefix(kw, prefix) {
			return true
		}
	}
	return false
}
