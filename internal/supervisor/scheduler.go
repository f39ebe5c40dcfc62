package supervisor

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Timer is a pending reconnect attempt.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d on its own goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// NewBackoff yields the waits before reconnect attempts: base, then doubled
// for every later attempt, stopping after maxAttempts.
func NewBackoff(base time.Duration, maxAttempts int) retry.Backoff {
	if base <= 0 {
		base = time.Second
	}
	return retry.WithMaxRetries(uint64(max(maxAttempts, 0)), retry.NewExponential(base))
}
