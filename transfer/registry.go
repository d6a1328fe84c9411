package transfer

import "sync"

// Registry is the shared, ordered set of in-flight transfers.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	transfers []*Transfer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends t unless it is already present. It reports whether t was added.
func (r *Registry) Add(t *Transfer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(t) >= 0 {
		return false
	}
	r.transfers = append(r.transfers, t)
	return true
}

// Remove deletes t by identity. Removing an absent transfer is a no-op.
func (r *Registry) Remove(t *Transfer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.remove(t)
}

// Contains reports whether t is registered.
func (r *Registry) Contains(t *Transfer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.indexOf(t) >= 0
}

// Len returns the number of registered transfers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.transfers)
}

// Snapshot returns the registered transfers in registration order.
func (r *Registry) Snapshot() []*Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Transfer, len(r.transfers))
	copy(out, r.transfers)
	return out
}

// Cancel aborts t and removes it. It reports whether t was registered;
// an unregistered transfer is left untouched.
func (r *Registry) Cancel(t *Transfer) bool {
	r.mu.Lock()
	removed := r.remove(t)
	r.mu.Unlock()

	if removed {
		t.Abort()
	}
	return removed
}

// CancelAll aborts and removes every registered transfer and returns how many
// were cancelled.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	transfers := r.transfers
	r.transfers = nil
	r.mu.Unlock()

	for _, t := range transfers {
		t.Abort()
	}
	return len(transfers)
}

func (r *Registry) remove(t *Transfer) bool {
	i := r.indexOf(t)
	if i < 0 {
		return false
	}
	r.transfers = append(r.transfers[:i], r.transfers[i+1:]...)
	return true
}

func (r *Registry) indexOf(t *Transfer) int {
	for i, item := range r.transfers {
		if item == t {
			return i
		}
	}
	return -1
}
