package share

import (
	"sort"
	"sync"

	"github.com/panyam/sockshare/eventloop"
	"github.com/panyam/sockshare/wsock"
)

// Registry maps a resolved URL to the one shared socket for it. Mutation
// happens on the manager's loop; the lock only lets status readers look in
// from other goroutines.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	socket    wsock.Socket
	keepAlive *eventloop.Timer
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Get returns the shared socket for url.
func (r *Registry) Get(url string) (wsock.Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[url]
	if !ok {
		return nil, false
	}
	return e.socket, true
}

// Set registers socket as the shared socket for url, replacing any previous
// entry.
func (r *Registry) Set(url string, socket wsock.Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[url]; ok {
		old.keepAlive.Stop()
	}
	r.entries[url] = &registryEntry{socket: socket}
}

// Delete evicts url and stops its keep-alive pinger.
func (r *Registry) Delete(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[url]; ok {
		e.keepAlive.Stop()
		delete(r.entries, url)
	}
}

// deleteSocket evicts url only while socket is still the registered one.
func (r *Registry) deleteSocket(url string, socket wsock.Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[url]
	if !ok || e.socket != socket {
		return false
	}
	e.keepAlive.Stop()
	delete(r.entries, url)
	return true
}

func (r *Registry) setKeepAlive(url string, t *eventloop.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[url]; ok {
		e.keepAlive.Stop()
		e.keepAlive = t
	} else {
		t.Stop()
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// URLs returns the registered URLs in sorted order.
func (r *Registry) URLs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for url := range r.entries {
		out = append(out, url)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
