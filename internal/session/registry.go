package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned for operations on unknown or closed session keys.
var ErrNotFound = errors.New("session not found")

type entry struct {
	mu   sync.Mutex
	sess *Session
	gone bool
}

// Registry maps session keys to sessions and guarantees at most one
// in-flight command per session: commands on the same key are serialized,
// commands on different keys run independently.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty session registry. The registry is
// process-local and rebuilt from zero on each launch.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Put registers a session under its key.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[s.Key] = &entry{sess: s}
}

// With runs fn while holding the session's command lock. A step in flight
// on the key blocks a concurrent reset or close on the same key, never
// operations on other keys.
func (r *Registry) With(key string, fn func(*Session) error) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return fn(e.sess)
}

// Remove deletes the session under the key after acquiring its command
// lock, so an in-flight command drains first. Removing an unknown key is
// not an error.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.gone = true
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Keys returns the keys of all live sessions.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
