package pipeline

import "errors"

// Failure kinds decide what the coordinator does with a stage error:
// transient failures are retried with backoff until the attempt budget
// runs out, permanent failures park the record in the review queue
// immediately.
const (
	FailureTransient = "transient"
	FailurePermanent = "permanent"
)

// StageError wraps an agent error with its failure kind.
type StageError struct {
	Kind string
	Err  error
}

func (e *StageError) Error() string { return e.Kind + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// Transient marks an error as retryable (timeouts, 5xx, rate limits).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Kind: FailureTransient, Err: err}
}

// Permanent marks an error as not worth retrying (malformed input,
// invalid credentials, 4xx responses).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Kind: FailurePermanent, Err: err}
}

// failureKind classifies an error. Unwrapped errors default to
// transient: an agent that forgot to classify should not burn a record.
func failureKind(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return FailureTransient
}
