package pipeline

import (
	"math/rand"
	"time"
)

// backoffDelay returns the wait before the next attempt: exponential in
// the number of attempts already made, with up to 25% jitter, capped.
// attempt is 1-based (the attempt that just failed).
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	d += jitter
	if d > cap {
		d = cap
	}
	return d
}
