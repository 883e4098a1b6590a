package recovery

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy builds the per-step backoff schedule: "fixed", "linear"
// or "exponential", with the configured base delay.
func newBackOff(policy string, base time.Duration) backoff.BackOff {
	switch policy {
	case "fixed":
		return backoff.NewConstantBackOff(base)
	case "linear":
		return &linearBackOff{base: base}
	default:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = base
		return b
	}
}

// linearBackOff grows the delay by base on every attempt.
type linearBackOff struct {
	base time.Duration
	next time.Duration
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.next += l.base
	return l.next
}

func (l *linearBackOff) Reset() {
	l.next = 0
}
