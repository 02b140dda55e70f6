// Package session tracks which connections are online and under which
// display name. It is the source of truth for "who is online".
package session

import (
	"strings"
	"sync"
)

// Registry is a concurrency-safe bidirectional mapping between connection id
// and display name. Every entry corresponds to an authenticated connection;
// entries are removed exactly once, synchronously with disconnect handling.
//
// Display names are not unique: several live connections may bind the same
// name. LookupByName resolves the earliest-bound one; the others are not
// reachable for private messages until it unbinds.
type Registry struct {
	mu     sync.RWMutex
	names  map[string]string   // connection id -> display name
	byName map[string][]string // display name -> connection ids, in bind order
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		names:  make(map[string]string),
		byName: make(map[string][]string),
	}
}

// Bind inserts the id -> name mapping. Called only on successful join; a
// connection id can be bound at most once for its lifetime.
func (r *Registry) Bind(connectionID, displayName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.names[connectionID]; exists {
		return ErrAlreadyBound
	}

	r.names[connectionID] = displayName
	r.byName[displayName] = append(r.byName[displayName], connectionID)
	return nil
}

// Unbind removes the binding for the id and returns the prior display name.
// Idempotent: a second call for the same id reports ok=false with no effect.
func (r *Registry) Unbind(connectionID string) (displayName string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	displayName, ok = r.names[connectionID]
	if !ok {
		return "", false
	}

	delete(r.names, connectionID)

	ids := r.byName[displayName]
	for i, id := range ids {
		if id == connectionID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byName, displayName)
	} else {
		r.byName[displayName] = ids
	}
	return displayName, true
}

// LookupByName resolves the earliest-bound connection whose display name
// equals the trimmed argument. The reverse index makes this O(1) instead of
// a scan over all bindings.
func (r *Registry) LookupByName(displayName string) (connectionID string, ok bool) {
	trimmed := strings.TrimSpace(displayName)

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byName[trimmed]
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// Count returns the number of currently bound (authenticated) connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}
