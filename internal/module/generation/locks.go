package generation

import "sync"

// LockRegistry hands out one mutex per user so generation requests for
// the same user are strictly serialized. Locks are created on first
// sight of a user and retained for the process lifetime; growth is
// bounded by the set of distinct users seen, which is acceptable at
// this scale. The registry is process-local: multi-instance
// deployments do not get cross-instance mutual exclusion.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockRegistry creates an empty lock registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{
		locks: make(map[string]*sync.Mutex),
	}
}

// Get returns the lock for user, creating it on first use.
func (r *LockRegistry) Get(user string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[user]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[user] = lock
	}
	return lock
}

// Len reports how many distinct users hold a lock entry.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
