package agents

import (
	"context"
	"errors"
	"strings"

	"mailpilot/internal/domain"
	"mailpilot/internal/pipeline"
	"mailpilot/internal/store"
)

// Ingest normalizes a raw record: extracts a plain body, tags keywords,
// and scans for PII. Detection always runs; the redaction setting only
// controls whether a PII-free body is materialized for later stages.
type Ingest struct {
	Store store.Store
}

func (Ingest) Stage() string { return domain.StageIngest }

func (a Ingest) Process(ctx context.Context, rec domain.EmailRecord, upstream map[string]domain.StageResult) (pipeline.Output, error) {
	if rec.SenderEmail == "" {
		return pipeline.Output{}, pipeline.Permanent(errors.New("record has no sender"))
	}
	settings, err := a.Store.GetSettings(ctx)
	if err != nil {
		return pipeline.Output{}, err
	}
	body := plainBody(rec)
	content := rec.Subject + "\n" + body
	payload := domain.Ingestion{
		Snippet:  snippet(rec, body),
		Keywords: extractKeywords(content),
	}
	red, flags := Redact(content)
	payload.PIIFlags = flags
	var redactedBody *string
	if settings.RedactionEnabled {
		payload.Redacted = true
		redactedBody = &red
	}
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{
		Kind:         domain.KindIngestion,
		PayloadJSON:  payloadJSON,
		RedactedBody: redactedBody,
	}, nil
}

func snippet(rec domain.EmailRecord, body string) string {
	if rec.Snippet != "" {
		return rec.Snippet
	}
	s := strings.TrimSpace(whitespaceRe.ReplaceAllString(body, " "))
	if r := []rune(s); len(r) > 140 {
		s = string(r[:140])
	}
	return s
}
