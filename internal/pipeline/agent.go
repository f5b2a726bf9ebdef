package pipeline

import (
	"context"

	"mailpilot/internal/domain"
)

// Agent performs the work of a single stage. Implementations must be
// safe for concurrent use; the coordinator never runs two stages of the
// same record at once, but different records run in parallel.
type Agent interface {
	Stage() string
	Process(ctx context.Context, rec domain.EmailRecord, upstream map[string]domain.StageResult) (Output, error)
}

// Output is what an agent hands back on success. PayloadJSON carries
// the stage result; RedactedBody, when set, is materialized onto the
// record row in the same transaction that persists the result.
type Output struct {
	Kind         string
	PayloadJSON  string
	Confidence   *float64
	Rationale    string
	RedactedBody *string
}
