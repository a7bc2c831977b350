// Package multimap provides a concurrent set-valued map.
//
// Every key owns a bucket holding a set of values. Buckets are created on the
// first Add and unlinked as soon as they become empty, so an idle key costs
// nothing. There is no global lock: buckets live in an xsync map and an Add
// that lands in a bucket which is being retired at the same time retries
// against a fresh one.
package multimap

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	minBackoff = time.Microsecond
	maxBackoff = time.Millisecond
)

// retireHook runs between the emptiness check and the retire mark. Tests
// use it to interleave a concurrent Add.
var retireHook func()

type bucket[V comparable] struct {
	values  *xsync.MapOf[V, struct{}]
	retired atomic.Bool
}

func newBucket[V comparable]() *bucket[V] {
	return &bucket[V]{values: xsync.NewMapOf[V, struct{}]()}
}

// MultiMap is a concurrent key -> set of values map.
type MultiMap[K comparable, V comparable] struct {
	buckets *xsync.MapOf[K, *bucket[V]]
	retries atomic.Int64
}

// New returns an empty MultiMap.
func New[K comparable, V comparable]() *MultiMap[K, V] {
	return &MultiMap[K, V]{buckets: xsync.NewMapOf[K, *bucket[V]]()}
}

// Add inserts value under key. It reports whether the value was not present
// before; adding an existing pair is a no-op.
//
// The insert runs inside the per-key Compute, the same critical section
// retireIfEmpty checks emptiness in, so a bucket is never retired between
// its size check and a concurrent insert.
func (m *MultiMap[K, V]) Add(key K, value V) bool {
	backoff := minBackoff
	for attempt := 0; ; attempt++ {
		b, _ := m.buckets.LoadOrCompute(key, newBucket[V])
		added, stored := false, false
		if !b.retired.Load() {
			m.buckets.Compute(key, func(old *bucket[V], loaded bool) (*bucket[V], bool) {
				if !loaded {
					return old, true
				}
				if old == b && !old.retired.Load() {
					_, had := old.values.LoadOrStore(value, struct{}{})
					added, stored = !had, true
				}
				return old, false
			})
		}
		if stored {
			return added
		}
		// The bucket was emptied and unlinked under us; start over against
		// a fresh one.
		m.retries.Add(1)
		m.unlinkIfRetired(key, b)
		if attempt == 0 {
			runtime.Gosched()
			continue
		}
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// Remove deletes a single value from key's set. An emptied bucket is retired.
func (m *MultiMap[K, V]) Remove(key K, value V) bool {
	b, ok := m.buckets.Load(key)
	if !ok {
		return false
	}
	if _, removed := b.values.LoadAndDelete(value); !removed {
		return false
	}
	if b.values.Size() == 0 {
		m.retireIfEmpty(key, b)
	}
	return true
}

// RemoveKey drops the whole bucket for key.
func (m *MultiMap[K, V]) RemoveKey(key K) bool {
	removed := false
	m.buckets.Compute(key, func(old *bucket[V], loaded bool) (*bucket[V], bool) {
		if loaded {
			old.retired.Store(true)
			removed = true
		}
		return old, true
	})
	return removed
}

// TryGetValues returns a snapshot of key's values.
func (m *MultiMap[K, V]) TryGetValues(key K) ([]V, bool) {
	b, ok := m.buckets.Load(key)
	if !ok || b.retired.Load() {
		return nil, false
	}
	out := make([]V, 0, b.values.Size())
	b.values.Range(func(v V, _ struct{}) bool {
		out = append(out, v)
		return true
	})
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// Contains reports whether value is present under key.
func (m *MultiMap[K, V]) Contains(key K, value V) bool {
	b, ok := m.buckets.Load(key)
	if !ok || b.retired.Load() {
		return false
	}
	_, ok = b.values.Load(value)
	return ok
}

// ContainsKey reports whether key has at least one value.
func (m *MultiMap[K, V]) ContainsKey(key K) bool {
	b, ok := m.buckets.Load(key)
	return ok && !b.retired.Load() && b.values.Size() > 0
}

// ContainsAnyValue scans every bucket for value.
func (m *MultiMap[K, V]) ContainsAnyValue(value V) bool {
	found := false
	m.buckets.Range(func(_ K, b *bucket[V]) bool {
		if _, ok := b.values.Load(value); ok && !b.retired.Load() {
			found = true
			return false
		}
		return true
	})
	return found
}

// Keys returns a snapshot of keys that currently hold values.
func (m *MultiMap[K, V]) Keys() []K {
	keys := make([]K, 0, m.buckets.Size())
	m.buckets.Range(func(k K, b *bucket[V]) bool {
		if !b.retired.Load() && b.values.Size() > 0 {
			keys = append(keys, k)
		}
		return true
	})
	return keys
}

// Len is the number of live buckets.
func (m *MultiMap[K, V]) Len() int {
	return m.buckets.Size()
}

// Retries is the number of adds that had to restart because their bucket
// was retired concurrently.
func (m *MultiMap[K, V]) Retries() int64 {
	return m.retries.Load()
}

// retireIfEmpty unlinks b if it is still the bucket mapped at key and holds
// no values. Marking and unlinking happen in the same per-key critical
// section, so a later LoadOrCompute never observes a retired bucket.
func (m *MultiMap[K, V]) retireIfEmpty(key K, b *bucket[V]) {
	m.buckets.Compute(key, func(old *bucket[V], loaded bool) (*bucket[V], bool) {
		if !loaded {
			return old, true
		}
		if old != b || old.values.Size() > 0 {
			return old, false
		}
		if retireHook != nil {
			retireHook()
		}
		old.retired.Store(true)
		return old, true
	})
}

func (m *MultiMap[K, V]) unlinkIfRetired(key K, b *bucket[V]) {
	m.buckets.Compute(key, func(old *bucket[V], loaded bool) (*bucket[V], bool) {
		if !loaded {
			return old, true
		}
		return old, old == b && old.retired.Load()
	})
}
