package pipeline

import (
	"sync"

	"github.com/psrpipe/pipeline/internal/models"
)

// LockRegistry hands out one mutex per canonical source name, created lazily
// and kept for the life of the process. It serializes every read or rewrite
// of a source's calibration aggregate file: the store transaction alone
// cannot make the external tool's file rewrite atomic. Locks are per-source,
// never global, so distinct sources proceed fully in parallel.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

// ForSource returns the lock guarding the calibration aggregate of the given
// source. The calibrator suffix is stripped so a pulsar scan and its paired
// cal scan contend on the same lock.
func (r *LockRegistry) ForSource(sourceName string) *sync.Mutex {
	name := models.CanonicalSource(sourceName)
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[name] = lock
	}
	return lock
}

// WithSource runs fn while holding the source's calibration lock. Release is
// scoped: it happens on success, failure or panic alike.
func (r *LockRegistry) WithSource(sourceName string, fn func() error) error {
	lock := r.ForSource(sourceName)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}
