// Package dedupe remembers the outcome of client messages so that a frame
// replayed after a reconnect is acknowledged again without being reapplied.
package dedupe

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/tally/pkg/metrics"
)

// Deduper records message outcomes for at-most-once processing.
type Deduper[V any] interface {
	// Lookup returns the outcome recorded for id, if it is still retained.
	Lookup(ctx context.Context, id string) (V, bool)

	// Record stores v for id unless id is already known, in which case the
	// earlier outcome is returned with seen set to true.
	Record(ctx context.Context, id string, v V) (prior V, seen bool)

	// Unrecord forgets id so the message may be retried, e.g. after it was
	// rejected for backpressure.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

// Key scopes a client message id to the judge that sent it.
func Key(judgeID, messageID string) string {
	return strings.Join([]string{judgeID, messageID}, "|")
}

type entry[V any] struct {
	id      string
	value   V
	expires time.Time
}

// inMemoryDeduper keeps entries in insertion order. When full the oldest
// entry is evicted; entries older than ttl are treated as unseen.
type inMemoryDeduper[V any] struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper[V any](opts ...Option) Deduper[V] {
	s := settings{maxSize: DefaultMaxSize, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return &inMemoryDeduper[V]{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: s.maxSize,
		ttl:     s.ttl,
		now:     s.now,
	}
}

func (d *inMemoryDeduper[V]) Lookup(_ context.Context, id string) (V, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero V
	el, ok := d.seen[id]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if d.expired(e) {
		d.remove(el)
		return zero, false
	}
	return e.value, true
}

func (d *inMemoryDeduper[V]) Record(_ context.Context, id string, v V) (V, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.seen[id]; ok {
		e := el.Value.(*entry[V])
		if !d.expired(e) {
			return e.value, true
		}
		d.remove(el)
	}

	d.sweep()
	if d.maxSize > 0 && d.order.Len() >= d.maxSize {
		d.remove(d.order.Front())
	}
	e := &entry[V]{id: id, value: v}
	if d.ttl > 0 {
		e.expires = d.now().Add(d.ttl)
	}
	d.seen[id] = d.order.PushBack(e)
	d.size.Add(1)
	metrics.UpdateDedupeCacheSize(int(d.size.Load()))

	var zero V
	return zero, false
}

func (d *inMemoryDeduper[V]) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.seen[id]; ok {
		d.remove(el)
		metrics.UpdateDedupeCacheSize(int(d.size.Load()))
	}
}

// Size returns the current number of entries in the deduper.
func (d *inMemoryDeduper[V]) Size() int64 {
	return d.size.Load()
}

func (d *inMemoryDeduper[V]) expired(e *entry[V]) bool {
	return !e.expires.IsZero() && !d.now().Before(e.expires)
}

// sweep drops expired entries from the front. Entries share one ttl, so
// the list is also in expiry order. Must be called with d.mu held.
func (d *inMemoryDeduper[V]) sweep() {
	for el := d.order.Front(); el != nil; el = d.order.Front() {
		if !d.expired(el.Value.(*entry[V])) {
			return
		}
		d.remove(el)
	}
}

func (d *inMemoryDeduper[V]) remove(el *list.Element) {
	e := d.order.Remove(el).(*entry[V])
	delete(d.seen, e.id)
	d.size.Add(-1)
}
