package backend

import (
	"context"
	"errors"

	"mailpilot/internal/domain"
)

// Mock is a Backend for tests. Unset funcs return an error so tests
// fail loudly on unexpected calls.
type Mock struct {
	ClassifyFunc   func(ctx context.Context, content string, keywords, categories []string) (domain.Classification, string, error)
	SummarizeFunc  func(ctx context.Context, content string) (domain.Summary, error)
	DraftReplyFunc func(ctx context.Context, subject, summary string) (string, error)
}

func (m *Mock) Classify(ctx context.Context, content string, keywords, categories []string) (domain.Classification, string, error) {
	if m.ClassifyFunc == nil {
		return domain.Classification{}, "", errors.New("unexpected Classify call")
	}
	return m.ClassifyFunc(ctx, content, keywords, categories)
}

func (m *Mock) Summarize(ctx context.Context, content string) (domain.Summary, error) {
	if m.SummarizeFunc == nil {
		return domain.Summary{}, errors.New("unexpected Summarize call")
	}
	return m.SummarizeFunc(ctx, content)
}

func (m *Mock) DraftReply(ctx context.Context, subject, summary string) (string, error) {
	if m.DraftReplyFunc == nil {
		return "", errors.New("unexpected DraftReply call")
	}
	return m.DraftReplyFunc(ctx, subject, summary)
}
