package gateway

import (
	"testing"
	"time"
)

func TestBackoffFirstDelayBase(t *testing.T) {
	backoff := NewBackoff(time.Second, time.Minute)

	if delay := backoff.Next(); delay < time.Second || delay >= 2*time.Second {
		t.Errorf("Expected first delay in [1s, 2s), but got %v", delay)
	}
}

func TestBackoffMonotonic(t *testing.T) {
	backoff := NewBackoff(time.Second, time.Minute)

	var previous time.Duration

	// Deterministic portion must never decrease between consecutive
	// failed attempts.
	for attempt := int32(1); attempt < 16; attempt++ {
		delay := backoff.delay(attempt)

		if delay < previous {
			t.Errorf("Delay decreased from %v to %v at attempt %d", previous, delay, attempt)
		}

		previous = delay
	}
}

func TestBackoffCeiling(t *testing.T) {
	backoff := NewBackoff(time.Second, 8*time.Second)

	if delay := backoff.delay(30); delay != 8*time.Second {
		t.Errorf("Expected delay capped at 8s, but got %v", delay)
	}
}

func TestBackoffReset(t *testing.T) {
	backoff := NewBackoff(time.Second, time.Minute)

	for i := 0; i < 5; i++ {
		backoff.Next()
	}

	if backoff.Attempts() != 5 {
		t.Errorf("Expected 5 attempts, but got %d", backoff.Attempts())
	}

	backoff.Reset()

	if backoff.Attempts() != 0 {
		t.Errorf("Expected 0 attempts after reset, but got %d", backoff.Attempts())
	}

	if delay := backoff.Next(); delay >= 2*time.Second {
		t.Errorf("Expected delay back at baseline after reset, but got %v", delay)
	}
}

func TestBackoffJitterBounded(t *testing.T) {
	backoff := NewBackoff(time.Second, time.Minute)

	for i := 0; i < 32; i++ {
		delay := backoff.Next()
		floor := backoff.delay(backoff.Attempts())

		if delay < floor || delay >= floor+time.Second {
			t.Errorf("Expected delay in [%v, %v), but got %v", floor, floor+time.Second, delay)
		}
	}
}
