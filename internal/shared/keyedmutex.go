package shared

import "sync"

// KeyedMutex provides non-blocking mutual exclusion per string key. It backs
// the per-group posting guard: two concurrent posting passes over the same
// group must not both flip lines to SENT.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeyedMutex constructs an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]struct{})}
}

// TryLock acquires the key if free and reports whether it succeeded.
func (k *KeyedMutex) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, taken := k.held[key]; taken {
		return false
	}
	k.held[key] = struct{}{}
	return true
}

// Unlock releases the key. Unlocking a free key is a no-op.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.held, key)
}
