package limiter

import (
	"sync"
	"time"
)

// DurationLimiter allows an operation to run only limit times within a
// rolling duration window. Lock blocks until a slot is available.
type DurationLimiter struct {
	mu sync.Mutex

	limit    int32
	duration time.Duration

	resetsAt  time.Time
	available int32
}

func NewDurationLimiter(limit int32, duration time.Duration) *DurationLimiter {
	return &DurationLimiter{
		limit:    limit,
		duration: duration,
	}
}

// Lock waits until there is an available slot in the limiter.
func (l *DurationLimiter) Lock() {
	for {
		l.mu.Lock()

		now := time.Now()

		if !now.Before(l.resetsAt) {
			l.resetsAt = now.Add(l.duration)
			l.available = l.limit
		}

		if l.available > 0 {
			l.available--
			l.mu.Unlock()

			return
		}

		sleepDuration := l.resetsAt.Sub(now)
		l.mu.Unlock()

		time.Sleep(sleepDuration)
	}
}

// Reset starts a new window with no slots consumed.
func (l *DurationLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetsAt = time.Now().Add(l.duration)
	l.available = l.limit
}
