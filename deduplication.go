package gateway

import (
	"context"
	"sync"
	"time"
)

// DedupeProvider suppresses duplicate event delivery. A resume can replay
// dispatches the sink already saw; Deduplicate returns false when the key
// was observed within the TTL.
type DedupeProvider interface {
	Deduplicate(ctx context.Context, key string, ttl time.Duration) bool
	Release(ctx context.Context, key string)
}

// noopDedupeProvider always allows delivery.
type noopDedupeProvider struct{}

func NewNoopDedupeProvider() *noopDedupeProvider {
	return &noopDedupeProvider{}
}

func (n *noopDedupeProvider) Deduplicate(_ context.Context, _ string, _ time.Duration) bool {
	return true
}

func (n *noopDedupeProvider) Release(_ context.Context, _ string) {}

// inMemoryDedupeProvider tracks keys and expiry in a map, sweeping
// expired entries periodically so the map stays bounded.
type inMemoryDedupeProvider struct {
	keys map[string]time.Time
	mu   sync.Mutex
}

func NewInMemoryDedupeProvider() *inMemoryDedupeProvider {
	p := &inMemoryDedupeProvider{
		keys: make(map[string]time.Time),
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			p.cleanup()
		}
	}()

	return p
}

func (d *inMemoryDedupeProvider) Deduplicate(_ context.Context, key string, ttl time.Duration) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, ok := d.keys[key]; ok && expiry.After(now) {
		return false
	}

	d.keys[key] = now.Add(ttl)

	return true
}

func (d *inMemoryDedupeProvider) Release(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.keys, key)
}

func (d *inMemoryDedupeProvider) cleanup() {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, expiry := range d.keys {
		if expiry.Before(now) {
			delete(d.keys, key)
		}
	}
}
