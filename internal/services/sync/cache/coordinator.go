package cache

import (
	"context"
	"sync"
	"time"

	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
)

const defaultEntryTTL = 5 * time.Minute

// Invalidation announces that an aggregate's cached representation changed.
// Delivery is best effort; consumers that miss one fall back to TTL expiry.
type Invalidation struct {
	TenantID      string
	AggregateType event.AggregateType
	AggregateID   string
	EventType     event.Type
}

// Broadcaster fans invalidations out to subscribers without blocking the
// projection loop. A subscriber with a full buffer misses the notification.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Invalidation
	next int
}

// NewBroadcaster builds an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Invalidation)}
}

// Subscribe registers a buffered subscription. The returned cancel func must
// be called to release it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Invalidation, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Invalidation, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
}

// Publish delivers to every subscriber that has buffer room.
func (b *Broadcaster) Publish(invalidation Invalidation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub <- invalidation:
		default:
		}
	}
}

// Coordinator is the cache projection applier: lifecycle events refresh or
// drop the aggregate's entry and broadcast an invalidation. Applies are
// idempotent, re-applying an event rewrites the same entry.
type Coordinator struct {
	cache       Cache
	broadcaster *Broadcaster
	ttl         time.Duration
}

// NewCoordinator builds the coordinator. broadcaster may be nil when nothing
// subscribes; ttl <= 0 uses the default.
func NewCoordinator(cache Cache, broadcaster *Broadcaster, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = defaultEntryTTL
	}
	return &Coordinator{cache: cache, broadcaster: broadcaster, ttl: ttl}
}

// Apply implements projection.Applier.
func (c *Coordinator) Apply(_ context.Context, evt event.Event) error {
	key := EntryKey(evt.TenantID, string(evt.AggregateType), evt.AggregateID)
	switch evt.Type {
	case event.TypeDeleted:
		c.cache.Delete(key)
	case event.TypeCreated, event.TypeUpdated:
		c.cache.Put(key, evt.PayloadJSON, c.ttl)
	default:
		// Non-lifecycle events do not change the cached representation.
		return nil
	}

	if c.broadcaster != nil {
		c.broadcaster.Publish(Invalidation{
			TenantID:      evt.TenantID,
			AggregateType: evt.AggregateType,
			AggregateID:   evt.AggregateID,
			EventType:     evt.Type,
		})
	}
	return nil
}
