// Package registry holds the in-memory map of registered workflows.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"workflow-gateway/backend/pkg/models"
)

// ErrEmptyName is returned when a handle is registered without a name.
var ErrEmptyName = errors.New("workflow name must not be empty")

// snapshot is an immutable view of the registry. Readers resolve against a
// snapshot without locking; writers build a new snapshot and publish it
// atomically so no reader ever observes a half-constructed handle.
type snapshot struct {
	handles map[string]*models.WorkflowHandle
	order   []string
}

// Registry maps workflow names to handles. Reads are lock-free; writes are
// serialized and use copy-then-publish.
type Registry struct {
	mu       sync.Mutex
	current  atomic.Pointer[snapshot]
	watchers []func()
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.current.Store(&snapshot{handles: map[string]*models.WorkflowHandle{}})
	return r
}

// Register adds or replaces a handle. Re-registering a name atomically swaps
// the handle; dispatches already holding the old handle run to completion
// against it. The handle is stored as given and must not be mutated after.
func (r *Registry) Register(handle *models.WorkflowHandle) error {
	if handle == nil || handle.Name == "" {
		return ErrEmptyName
	}
	if handle.CreatedAt.IsZero() {
		handle.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	old := r.current.Load()
	next := &snapshot{
		handles: make(map[string]*models.WorkflowHandle, len(old.handles)+1),
		order:   make([]string, len(old.order), len(old.order)+1),
	}
	for k, v := range old.handles {
		next.handles[k] = v
	}
	copy(next.order, old.order)
	if _, exists := next.handles[handle.Name]; !exists {
		next.order = append(next.order, handle.Name)
	}
	next.handles[handle.Name] = handle
	r.current.Store(next)
	watchers := append([]func(){}, r.watchers...)
	r.mu.Unlock()

	for _, fn := range watchers {
		fn()
	}
	return nil
}

// Deregister removes a workflow by name. Removing an unknown name is a no-op.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	old := r.current.Load()
	if _, exists := old.handles[name]; !exists {
		r.mu.Unlock()
		return
	}
	next := &snapshot{
		handles: make(map[string]*models.WorkflowHandle, len(old.handles)-1),
		order:   make([]string, 0, len(old.order)-1),
	}
	for k, v := range old.handles {
		if k != name {
			next.handles[k] = v
		}
	}
	for _, k := range old.order {
		if k != name {
			next.order = append(next.order, k)
		}
	}
	r.current.Store(next)
	watchers := append([]func(){}, r.watchers...)
	r.mu.Unlock()

	for _, fn := range watchers {
		fn()
	}
}

// Resolve returns the current handle for a name.
func (r *Registry) Resolve(name string) (*models.WorkflowHandle, bool) {
	h, ok := r.current.Load().handles[name]
	return h, ok
}

// List returns the names visible to the given channel in registration order.
// An empty channel lists everything.
func (r *Registry) List(channel models.Channel) []string {
	snap := r.current.Load()
	names := make([]string, 0, len(snap.order))
	for _, name := range snap.order {
		h := snap.handles[name]
		if channel == "" || h.VisibleTo(channel) {
			names = append(names, name)
		}
	}
	return names
}

// Handles returns the handles visible to the given channel in registration
// order. Used by adapters that advertise schemas, e.g. tool listing.
func (r *Registry) Handles(channel models.Channel) []*models.WorkflowHandle {
	snap := r.current.Load()
	out := make([]*models.WorkflowHandle, 0, len(snap.order))
	for _, name := range snap.order {
		h := snap.handles[name]
		if channel == "" || h.VisibleTo(channel) {
			out = append(out, h)
		}
	}
	return out
}

// Watch registers a callback invoked after every registration change.
// Callbacks run outside the registry lock.
func (r *Registry) Watch(fn func()) {
	r.mu.Lock()
	r.watchers = append(r.watchers, fn)
	r.mu.Unlock()
}
