// Package agents holds the per-stage workers of the pipeline. Each
// agent is stateless between calls; all persistence goes through the
// coordinator that invokes it.
package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mailpilot/internal/backend"
	"mailpilot/internal/domain"
	"mailpilot/internal/pipeline"
)

// upstreamPayload decodes an earlier stage's result into v. A missing
// upstream result means the stage chain invariant broke; that is never
// worth retrying.
func upstreamPayload(upstream map[string]domain.StageResult, stage string, v any) error {
	res, ok := upstream[stage]
	if !ok {
		return pipeline.Permanent(fmt.Errorf("missing %s result", stage))
	}
	if err := json.Unmarshal([]byte(res.PayloadJSON), v); err != nil {
		return pipeline.Permanent(fmt.Errorf("decode %s result: %w", stage, err))
	}
	return nil
}

func marshalPayload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", pipeline.Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	return string(data), nil
}

// backendErr maps model API failures onto retry semantics: rate limits
// and server errors retry, everything else in a 4xx is final.
func backendErr(err error) error {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		return pipeline.Permanent(err)
	}
	return pipeline.Transient(err)
}

// redactedContent returns the text safe to leave the process: the
// materialized redacted body when the ingest stage produced one,
// otherwise a fresh redaction pass.
func redactedContent(rec domain.EmailRecord) string {
	if rec.RedactedBody != nil {
		return *rec.RedactedBody
	}
	red, _ := Redact(rec.Subject + "\n" + plainBody(rec))
	return red
}

func plainBody(rec domain.EmailRecord) string {
	if rec.BodyPlain != "" {
		return rec.BodyPlain
	}
	return strings.TrimSpace(htmlTagRe.ReplaceAllString(rec.BodyHTML, " "))
}

func floatPtr(f float64) *float64 { return &f }
