package services

import (
	"sort"
	"sync"
)

// keyedLocker hands out one mutex per key. Entries are dropped when their
// last holder or waiter releases them.
type keyedLocker[K ~string] struct {
	mu    sync.Mutex
	locks map[K]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocker[K ~string]() *keyedLocker[K] {
	return &keyedLocker[K]{locks: make(map[K]*keyedEntry)}
}

// Lock acquires every key in sorted order, skipping duplicates, and returns
// the matching unlock function.
func (k *keyedLocker[K]) Lock(keys ...K) func() {
	ordered := make([]K, 0, len(keys))
	seen := make(map[K]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ordered = append(ordered, key)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	entries := make([]*keyedEntry, len(ordered))
	for i, key := range ordered {
		entries[i] = k.acquire(key)
	}

	return func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
			k.release(ordered[i], entries[i])
		}
	}
}

func (k *keyedLocker[K]) acquire(key K) *keyedEntry {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return e
}

func (k *keyedLocker[K]) release(key K, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

func (k *keyedLocker[K]) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
