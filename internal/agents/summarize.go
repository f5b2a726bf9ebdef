package agents

import (
	"context"
	"regexp"
	"strings"

	"mailpilot/internal/backend"
	"mailpilot/internal/domain"
	"mailpilot/internal/pipeline"
	"mailpilot/internal/store"
)

// Summarize condenses the record into bullets plus a one-line tldr.
// Cloud summaries only when settings allow, always from redacted text;
// otherwise a sentence-extraction fallback runs locally.
type Summarize struct {
	Store   store.Store
	Backend backend.Backend
}

func (Summarize) Stage() string { return domain.StageSummarize }

func (a Summarize) Process(ctx context.Context, rec domain.EmailRecord, upstream map[string]domain.StageResult) (pipeline.Output, error) {
	settings, err := a.Store.GetSettings(ctx)
	if err != nil {
		return pipeline.Output{}, err
	}
	content := redactedContent(rec)

	var sum domain.Summary
	if settings.CloudLLM && a.Backend != nil {
		sum, err = a.Backend.Summarize(ctx, content)
		if err != nil {
			return pipeline.Output{}, backendErr(err)
		}
	} else {
		sum = localSummary(rec.Subject, plainBody(rec))
	}
	if sum.TLDR == "" && len(sum.Bullets) > 0 {
		sum.TLDR = sum.Bullets[0]
	}
	payloadJSON, err := marshalPayload(sum)
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{
		Kind:        domain.KindSummary,
		PayloadJSON: payloadJSON,
	}, nil
}

var sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?]?`)

// localSummary takes the first few sentences as bullets. Crude but
// private: nothing leaves the process.
func localSummary(subject, body string) domain.Summary {
	text := strings.TrimSpace(whitespaceRe.ReplaceAllString(htmlTagRe.ReplaceAllString(body, " "), " "))
	var bullets []string
	for _, m := range sentenceRe.FindAllString(text, -1) {
		s := strings.TrimSpace(m)
		if len(s) < 10 {
			continue
		}
		if len(s) > 200 {
			s = s[:200]
		}
		bullets = append(bullets, s)
		if len(bullets) == 3 {
			break
		}
	}
	tldr := subject
	if len(bullets) > 0 {
		tldr = bullets[0]
	}
	return domain.Summary{Bullets: bullets, TLDR: tldr}
}
