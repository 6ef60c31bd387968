package registry

import "sync"

// CallRegistryEntry identifies the SIP dialog on the far side of the
// bridge: the peer leg's Call-ID, its local tag and (once learned from a
// final response) its remote tag.
type CallRegistryEntry struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// CallRegistry maps a leg's own local tag to the identifying triple of
// its peer's dialog. Replaces rewriting needs this: the real dialog a
// remote UA negotiated exists with the far side of the bridge, not with
// the tag a third party names.
type CallRegistry struct {
	mu    sync.RWMutex
	calls map[string]CallRegistryEntry
}

// NewCallRegistry creates an empty call registry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{calls: make(map[string]CallRegistryEntry)}
}

// AddCall records the peer triple under the leg's own tag, overwriting
// any previous entry for that tag (re-parenting on reconnect).
func (r *CallRegistry) AddCall(tag string, e CallRegistryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[tag] = e
}

// UpdateCall patches in the remote tag once a final response on the
// peer's dialog reveals it. Returns false for unknown tags.
func (r *CallRegistry) UpdateCall(tag, remoteTag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[tag]
	if !ok {
		return false
	}
	e.RemoteTag = remoteTag
	r.calls[tag] = e
	return true
}

// LookupCall returns the peer triple registered under tag.
func (r *CallRegistry) LookupCall(tag string) (CallRegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.calls[tag]
	return e, ok
}

// RemoveCall drops the entry for tag. Unknown tags are ignored.
func (r *CallRegistry) RemoveCall(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, tag)
}

// Count returns the number of registered calls.
func (r *CallRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}
