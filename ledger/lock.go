/*
lock.go - Keyed mutexes for per-member and per-rule serialization

PURPOSE:
  The only serialization boundaries in this core are per-member ledger
  mutation, per-rule budget accounting, and per-rule schedule execution.
  A KeyedMutex gives each key its own lock so different members and
  different rules proceed fully in parallel - there is no global lock.

  Entries are reference-counted and removed when the last holder releases,
  so the map does not grow with the member population.
*/
package ledger

import "sync"

// KeyedMutex provides one mutex per string key.
// The zero value is ready to use.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *KeyedMutex) acquire(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.entries == nil {
		k.entries = make(map[string]*lockEntry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) release(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Lock blocks until the key's lock is held.
func (k *KeyedMutex) Lock(key string) {
	e := k.acquire(key)
	e.mu.Lock()
}

// TryLock acquires the key's lock without blocking.
// Used for schedule-run exclusion: an overlapping tick is skipped, not queued.
func (k *KeyedMutex) TryLock(key string) bool {
	e := k.acquire(key)
	if e.mu.TryLock() {
		return true
	}
	k.release(key, e)
	return false
}

// Unlock releases the key's lock. Must match a successful Lock/TryLock.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	e := k.entries[key]
	k.mu.Unlock()

	e.mu.Unlock()
	k.release(key, e)
}
