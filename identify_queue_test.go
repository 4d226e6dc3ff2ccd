package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestIdentifyQueueGrantOrderAndInterval(t *testing.T) {
	interval := 100 * time.Millisecond

	queue := NewIdentifyQueue(testLogger(), 1, interval)
	defer queue.Shutdown()

	type grant struct {
		shardID int32
		at      time.Time
	}

	grants := make(chan grant, 3)

	wg := sync.WaitGroup{}

	// Enqueue sequentially so FIFO order is deterministic.
	for shardID := int32(0); shardID < 3; shardID++ {
		wg.Add(1)

		go func(shardID int32) {
			defer wg.Done()

			permit, err := queue.Acquire(context.Background(), shardID)
			if err != nil {
				t.Errorf("Unexpected error: %v", err)

				return
			}

			grants <- grant{shardID: shardID, at: time.Now()}

			permit.Complete()
		}(shardID)

		time.Sleep(10 * time.Millisecond)
	}

	wg.Wait()
	close(grants)

	var previous *grant

	index := int32(0)

	for g := range grants {
		if g.shardID != index {
			t.Errorf("Expected grant %d to go to shard %d, but got shard %d", index, index, g.shardID)
		}

		if previous != nil {
			if separation := g.at.Sub(previous.at); separation < interval-20*time.Millisecond {
				t.Errorf("Expected grants separated by at least %v, but got %v", interval, separation)
			}
		}

		g := g
		previous = &g
		index++
	}

	if index != 3 {
		t.Errorf("Expected 3 grants, but got %d", index)
	}
}

func TestIdentifyQueueConcurrencyBound(t *testing.T) {
	maxConcurrency := int32(2)

	queue := NewIdentifyQueue(testLogger(), maxConcurrency, 0)
	defer queue.Shutdown()

	var outstanding, peak atomic.Int32

	wg := sync.WaitGroup{}

	for shardID := int32(0); shardID < 8; shardID++ {
		wg.Add(1)

		go func(shardID int32) {
			defer wg.Done()

			permit, err := queue.Acquire(context.Background(), shardID)
			if err != nil {
				t.Errorf("Unexpected error: %v", err)

				return
			}

			current := outstanding.Add(1)

			for {
				observed := peak.Load()
				if current <= observed || peak.CompareAndSwap(observed, current) {
					break
				}
			}

			time.Sleep(20 * time.Millisecond)

			outstanding.Add(-1)
			permit.Complete()
		}(shardID)
	}

	wg.Wait()

	if peak.Load() > maxConcurrency {
		t.Errorf("Expected at most %d outstanding permits, but observed %d", maxConcurrency, peak.Load())
	}

	if queue.Outstanding() != 0 {
		t.Errorf("Expected 0 outstanding after completion, but got %d", queue.Outstanding())
	}

	if queue.Granted() != 8 {
		t.Errorf("Expected 8 grants, but got %d", queue.Granted())
	}
}

func TestIdentifyQueueShutdownFailsPending(t *testing.T) {
	queue := NewIdentifyQueue(testLogger(), 1, time.Hour)

	first, err := queue.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	pending := make(chan error, 1)

	go func() {
		_, err := queue.Acquire(context.Background(), 1)
		pending <- err
	}()

	time.Sleep(20 * time.Millisecond)
	queue.Shutdown()

	if err := <-pending; !errors.Is(err, ErrIdentifyQueueClosed) {
		t.Errorf("Expected ErrIdentifyQueueClosed, but got %v", err)
	}

	if _, err := queue.Acquire(context.Background(), 2); !errors.Is(err, ErrIdentifyQueueClosed) {
		t.Errorf("Expected ErrIdentifyQueueClosed after shutdown, but got %v", err)
	}

	// A granted permit must still be completable after shutdown.
	first.Complete()
}

func TestIdentifyQueueAcquireCancelled(t *testing.T) {
	queue := NewIdentifyQueue(testLogger(), 1, 0)
	defer queue.Shutdown()

	held, err := queue.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	pending := make(chan error, 1)

	go func() {
		_, err := queue.Acquire(ctx, 1)
		pending <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-pending; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, but got %v", err)
	}

	held.Complete()

	// The queue must still serve later acquires.
	permit, err := queue.Acquire(context.Background(), 2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	permit.Complete()
}

func TestIdentifyPermitCompleteIdempotent(t *testing.T) {
	queue := NewIdentifyQueue(testLogger(), 1, 0)
	defer queue.Shutdown()

	permit, err := queue.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	permit.Complete()
	permit.Complete()

	if queue.Outstanding() != 0 {
		t.Errorf("Expected 0 outstanding, but got %d", queue.Outstanding())
	}

	next, err := queue.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	next.Complete()
}
