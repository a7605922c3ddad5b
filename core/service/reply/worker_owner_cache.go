package reply

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ownerLookupTimeout bounds a shared lookup, which outlives the caller that started it.
const ownerLookupTimeout = 30 * time.Second

// OwnerNameSource resolves the mailbox owner's display name.
type OwnerNameSource interface {
	OwnerDisplayName(ctx context.Context) (string, error)
}

// OwnerDirectory caches the owner's display name. A zero TTL disables caching
// and resolves the name on every reply. Concurrent misses share one lookup.
type OwnerDirectory struct {
	source OwnerNameSource
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	name      string
	fetchedAt time.Time

	group singleflight.Group
}

// NewOwnerDirectory creates a display-name cache in front of source.
func NewOwnerDirectory(source OwnerNameSource, ttl time.Duration) *OwnerDirectory {
	return &OwnerDirectory{
		source: source,
		ttl:    ttl,
		now:    time.Now,
	}
}

// DisplayName returns the cached name or resolves it.
func (d *OwnerDirectory) DisplayName(ctx context.Context) (string, error) {
	if d.ttl > 0 {
		d.mu.RLock()
		name, fetchedAt := d.name, d.fetchedAt
		d.mu.RUnlock()
		if !fetchedAt.IsZero() && d.now().Sub(fetchedAt) < d.ttl {
			return name, nil
		}
	}

	// The lookup is shared, so one caller's cancellation must not fail the
	// others. Each caller still stops waiting when its own ctx ends.
	ch := d.group.DoChan("owner", func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ownerLookupTimeout)
		defer cancel()

		name, err := d.source.OwnerDisplayName(lctx)
		if err != nil {
			return "", err
		}
		d.mu.Lock()
		d.name = name
		d.fetchedAt = d.now()
		d.mu.Unlock()
		return name, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate forces the next DisplayName call to resolve the name again.
func (d *OwnerDirectory) Invalidate() {
	d.mu.Lock()
	d.name = ""
	d.fetchedAt = time.Time{}
	d.mu.Unlock()
}
