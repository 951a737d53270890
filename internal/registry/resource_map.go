/*
Package registry provides a concurrency-safe map used by the primary cluster registry (§4.4). The
primary registry is mutated exclusively on the main dispatcher thread (§5), but it is also read by
stats/admin-style callers from other goroutines (e.g. Clusters(), and the snapshot the manager builds
for its workers). Rather
than putting a lock around the whole map for those occasional concurrent reads, this type layers a
compute/computeIfPresent discipline on top of a sync.Map, imitating Java's ConcurrentHashMap: a write
in progress for one key never blocks operations on other keys, and a delete is only allowed to
complete once there are no in-flight readers for that key.
*/
package registry

import "sync"

// entry is the value type actually stored in the backing sync.Map. The extra layer of locking exists
// so that a goroutine that already loaded an entry from the map, but hasn't yet acquired entry.lock,
// can detect that the entry was deleted out from under it and bail instead of operating on a stale
// value.
type entry[T any] struct {
	lock      sync.RWMutex
	isDeleted bool
	value     T
}

// Map is a typed map from comparable keys to arbitrary values, supporting fine-grained
// create/read/delete operations without a global lock. Single-key access goes through Compute,
// ComputeIfPresent or DeleteIf; there are deliberately no bare Get/Put methods, since every single-key
// use of this type in the cluster manager needs to synchronize a read-modify-write, not just a read
// or just a write. Range and Len read the whole map.
type Map[K comparable, T any] struct {
	m sync.Map
}

// ComputeIfPresent runs compute on the current value for key if it exists, returning true. Returns
// false, without running compute, if the key is absent. Multiple ComputeIfPresent calls for the same
// key may run concurrently.
func (m *Map[K, T]) ComputeIfPresent(key K, compute func(key K, value T)) bool {
	eAny, ok := m.m.Load(key)
	if !ok {
		return false
	}
	e := eAny.(*entry[T])

	e.lock.RLock()
	defer e.lock.RUnlock()
	if e.isDeleted {
		return false
	}

	compute(key, e.value)
	return true
}

// Compute ensures an entry for key exists, creating one with newValue if necessary, then runs compute
// on it. No ComputeIfPresent for the same key observes a partially-constructed value: newValue and
// compute both run while holding the entry's write lock on first creation.
func (m *Map[K, T]) Compute(key K, newValue func(key K) T, compute func(key K, value T)) {
	if m.ComputeIfPresent(key, compute) {
		return
	}

	e := new(entry[T])
	e.lock.Lock()
	defer e.lock.Unlock()

	for {
		eAny, loaded := m.m.LoadOrStore(key, e)
		if !loaded {
			break
		}

		existing := eAny.(*entry[T])
		existing.lock.RLock()
		if !existing.isDeleted {
			compute(key, existing.value)
			existing.lock.RUnlock()
			return
		}
		// The entry we saw was deleted between Load and RLock; retry the insert.
		existing.lock.RUnlock()
	}

	e.value = newValue(key)
	compute(key, e.value)
}

// DeleteIf removes the entry for key if condition returns true for its current value. No two DeleteIf
// calls for the same key run concurrently, and a DeleteIf call waits for any in-flight
// ComputeIfPresent/Compute calls for that key to finish before evaluating condition.
func (m *Map[K, T]) DeleteIf(key K, condition func(key K, value T) bool) {
	eAny, ok := m.m.Load(key)
	if !ok {
		return
	}
	e := eAny.(*entry[T])

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.isDeleted {
		return
	}
	if condition(key, e.value) {
		e.isDeleted = true
		m.m.Delete(key)
	}
}

// Range iterates over the map's current keys and values. Deletions in progress at the time of the
// call may or may not be observed, matching sync.Map.Range's semantics.
func (m *Map[K, T]) Range(f func(key K, value T) bool) {
	m.m.Range(func(k, v any) bool {
		e := v.(*entry[T])
		e.lock.RLock()
		defer e.lock.RUnlock()
		if e.isDeleted {
			return true
		}
		return f(k.(K), e.value)
	})
}

// Len returns the number of entries currently in the map. O(n).
func (m *Map[K, T]) Len() int {
	n := 0
	m.Range(func(K, T) bool {
		n++
		return true
	})
	return n
}
