package pipeline

import (
	"errors"
	"testing"
	"time"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base := 2 * time.Second
	cap := 30 * time.Second
	prevMin := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := backoffDelay(base, cap, attempt)
		if d > cap {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, cap)
		}
		if d < prevMin {
			t.Fatalf("attempt %d: delay %v below previous floor %v", attempt, d, prevMin)
		}
		// the un-jittered floor doubles until the cap
		floor := base << (attempt - 1)
		if floor > cap {
			floor = cap
		}
		if d < floor {
			t.Fatalf("attempt %d: delay %v below floor %v", attempt, d, floor)
		}
		prevMin = floor
	}
}

func TestFailureKindDefaultsToTransient(t *testing.T) {
	if failureKind(errors.New("plain")) != FailureTransient {
		t.Fatal("unwrapped errors should be treated as transient")
	}
	if failureKind(Permanent(errors.New("bad"))) != FailurePermanent {
		t.Fatal("permanent wrapper lost")
	}
	if failureKind(Transient(errors.New("flaky"))) != FailureTransient {
		t.Fatal("transient wrapper lost")
	}
}
