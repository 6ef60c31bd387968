// Package registry holds the two process-wide tables of the engine: the
// session registry that routes B2B messages to call legs by opaque tag,
// and the call registry that maps a leg's tag to its peer's dialog triple
// for Replaces rewriting.
package registry

import (
	"errors"
	"sync"
)

// ErrTagInUse indicates a Register with an already registered tag.
var ErrTagInUse = errors.New("tag already registered")

// Mailbox receives messages addressed to one leg. Deliver must not block
// indefinitely; it reports false when the mailbox no longer accepts
// input (leg shutting down).
type Mailbox interface {
	Deliver(msg any) bool
}

// SessionRegistry maps opaque leg tags to mailboxes. Legs never call each
// other directly; all cross-leg traffic goes through Send.
type SessionRegistry struct {
	mu   sync.RWMutex
	legs map[string]Mailbox
}

// NewSessionRegistry creates an empty session registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{legs: make(map[string]Mailbox)}
}

// Register adds a leg under its tag.
func (r *SessionRegistry) Register(tag string, mb Mailbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.legs[tag]; ok {
		return ErrTagInUse
	}
	r.legs[tag] = mb
	return nil
}

// Deregister removes a leg. Unknown tags are ignored.
func (r *SessionRegistry) Deregister(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.legs, tag)
}

// Send delivers a message to the leg registered under tag. Returns false
// if the tag is unknown or the mailbox refused delivery.
func (r *SessionRegistry) Send(tag string, msg any) bool {
	r.mu.RLock()
	mb, ok := r.legs[tag]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return mb.Deliver(msg)
}

// Count returns the number of registered legs.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.legs)
}

// Tags returns a snapshot of all registered tags.
func (r *SessionRegistry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.legs))
	for tag := range r.legs {
		tags = append(tags, tag)
	}
	return tags
}
