// Package backend abstracts the cloud model used by the classify,
// summarize and draft agents. Callers only ever pass redacted or
// already-public content; the privacy boundary is enforced upstream.
package backend

import (
	"context"
	"fmt"

	"mailpilot/internal/domain"
)

type Backend interface {
	// Classify labels redacted content with one of the given categories.
	// The string return is the model's rationale.
	Classify(ctx context.Context, content string, keywords, categories []string) (domain.Classification, string, error)
	// Summarize condenses redacted content into bullets plus a one-line tldr.
	Summarize(ctx context.Context, content string) (domain.Summary, error)
	// DraftReply writes a reply body for the given subject and summary.
	DraftReply(ctx context.Context, subject, summary string) (string, error)
}

// APIError is a non-2xx response from the model API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend API status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed on a later attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
