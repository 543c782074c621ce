package seed

import (
	"sync"

	"gossipmesh/internal/identity"
	"gossipmesh/internal/metrics"
	"gossipmesh/internal/wire"
)

// Registry is the committed peer list. Insertion order is preserved so
// serialized lists are deterministic. The only writers are the two commit
// paths: register-commit adds, death-commit removes.
type Registry struct {
	mu      sync.Mutex
	order   []identity.NodeID
	members map[identity.NodeID]*memberInfo
}

type memberInfo struct {
	degree int
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[identity.NodeID]*memberInfo)}
}

// Add appends the peer. Returns false when the peer was already present,
// making replayed commits no-ops.
func (r *Registry) Add(peer identity.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[peer]; ok {
		return false
	}
	r.members[peer] = &memberInfo{}
	r.order = append(r.order, peer)
	metrics.SeedPLSize.Set(float64(len(r.order)))
	return true
}

// Remove deletes the peer. Returns false when it was not present.
func (r *Registry) Remove(peer identity.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[peer]; !ok {
		return false
	}
	delete(r.members, peer)
	for i, id := range r.order {
		if id == peer {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	metrics.SeedPLSize.Set(float64(len(r.order)))
	return true
}

func (r *Registry) Contains(peer identity.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[peer]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Snapshot serializes the list in insertion order, skipping exclude.
func (r *Registry) Snapshot(exclude identity.NodeID) []wire.PLEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]wire.PLEntry, 0, len(r.order))
	for _, id := range r.order {
		if id == exclude {
			continue
		}
		entries = append(entries, wire.PLEntry{Peer: id, Degree: r.members[id].degree})
	}
	return entries
}

// Members returns the identities in insertion order.
func (r *Registry) Members() []identity.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]identity.NodeID, len(r.order))
	copy(out, r.order)
	return out
}
