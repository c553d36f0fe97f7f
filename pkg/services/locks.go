package services

import "sync"

// KeyedLocker hands out one RWMutex per key. Entries are dropped when the
// last holder unlocks.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sync.RWMutex

	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedEntry)}
}

// Lock takes the exclusive lock for key.
func (k *KeyedLocker) Lock(key string) (unlock func()) {
	entry := k.acquire(key)
	entry.Lock()

	return func() {
		entry.Unlock()
		k.release(key)
	}
}

// RLock takes the shared lock for key.
func (k *KeyedLocker) RLock(key string) (unlock func()) {
	entry := k.acquire(key)
	entry.RLock()

	return func() {
		entry.RUnlock()
		k.release(key)
	}
}

func (k *KeyedLocker) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}

	entry.refs++

	return entry
}

func (k *KeyedLocker) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry := k.locks[key]

	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
}
