package shm

import (
	"slices"
	"sync"
)

// Registry tracks which segment names have live handles in this process.
//
// [Space.CreateOrOpen] consults it to turn a create on an already-known name
// into an open. Every handle registers its name once when it is opened and
// unregisters it once when it is closed, so implementations must count.
//
// Implementations must be safe for concurrent use.
type Registry interface {
	Exists(name string) bool
	Register(name string)
	Unregister(name string)
}

// NameRegistry is the default [Registry]: a reference count per name.
//
// The zero value is ready to use.
type NameRegistry struct {
	mu   sync.Mutex
	refs map[string]int
}

// NewNameRegistry returns an empty registry.
func NewNameRegistry() *NameRegistry {
	return &NameRegistry{refs: make(map[string]int)}
}

// Exists reports whether at least one handle for name is registered.
func (r *NameRegistry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.refs[name] > 0
}

// Register adds one reference to name.
func (r *NameRegistry) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs == nil {
		r.refs = make(map[string]int)
	}

	r.refs[name]++
}

// Unregister drops one reference to name. Unknown names are ignored.
func (r *NameRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.refs[name]
	if !ok {
		return
	}

	if n <= 1 {
		delete(r.refs, name)

		return
	}

	r.refs[name] = n - 1
}

// Names returns the registered names in sorted order.
func (r *NameRegistry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.refs))

	for name := range r.refs {
		names = append(names, name)
	}
	r.mu.Unlock()

	slices.Sort(names)

	return names
}
