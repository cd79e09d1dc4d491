package services

import "sync"

// keyedMutex serializes work per key: salon id for ledger mutations,
// user+channel for OTP challenges. Entries are never evicted; the key
// space is bounded by the salons and users this process has seen.
type keyedMutex struct {
	mu   sync.Mutex
	held map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{held: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, ok := k.held[key]
	if !ok {
		m = &sync.Mutex{}
		k.held[key] = m
	}
	return m
}

func (k *keyedMutex) Lock(key string) {
	k.get(key).Lock()
}

func (k *keyedMutex) Unlock(key string) {
	k.get(key).Unlock()
}
