package gateway

import (
	"errors"
	"sync"

	"sipgateway/call"
)

// ErrDuplicateCall is returned when a call id is already registered.
var ErrDuplicateCall = errors.New("duplicate call id")

// Registry holds the live calls, partitioned by direction. A call id is
// present in at most one partition.
type Registry struct {
	mu       sync.RWMutex
	incoming map[string]call.Session
	outgoing map[string]call.Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		incoming: make(map[string]call.Session),
		outgoing: make(map[string]call.Session),
	}
}

func (r *Registry) partition(dir call.Direction) map[string]call.Session {
	if dir == call.DirectionIn {
		return r.incoming
	}
	return r.outgoing
}

// Insert registers s under its id and direction.
func (r *Registry) Insert(s call.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := s.ID()
	if _, ok := r.incoming[id]; ok {
		return ErrDuplicateCall
	}
	if _, ok := r.outgoing[id]; ok {
		return ErrDuplicateCall
	}
	r.partition(s.Direction())[id] = s
	return nil
}

// Get looks id up in both partitions.
func (r *Registry) Get(id string) (call.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.incoming[id]; ok {
		return s, true
	}
	s, ok := r.outgoing[id]
	return s, ok
}

// Remove evicts s. An entry registered under the same id by another
// session is left alone. It reports whether an entry was removed.
func (r *Registry) Remove(s call.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.partition(s.Direction())
	if cur, ok := p[s.ID()]; !ok || cur != s {
		return false
	}
	delete(p, s.ID())
	return true
}

// Count returns the number of live incoming and outgoing calls.
func (r *Registry) Count() (incoming, outgoing int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.incoming), len(r.outgoing)
}
