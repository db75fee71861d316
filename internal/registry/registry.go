package registry

import (
	"sort"
	"sync"
	"time"

	"hydrad/pkg/types"
)

// Registry holds the authoritative set of known nodes. All reads go through
// Snapshot; writes are serialized under one mutex and applied copy-on-write
// so readers never observe torn state.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*types.Node
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{nodes: make(map[string]*types.Node)}
}

// Upsert merges discovery-derived fields for a node. Live state owned by the
// monitor (healthy flag, loaded models, memory) is preserved on update.
func (r *Registry) Upsert(n types.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.nodes[n.ID]
	if !ok {
		if n.UptimeStartAt.IsZero() {
			n.UptimeStartAt = time.Now()
		}
		cp := n
		r.nodes[n.ID] = &cp
		return
	}
	cp := *existing
	cp.Host = n.Host
	cp.Port = n.Port
	cp.Seed = cp.Seed || n.Seed
	cp.Local = n.Local
	if n.Class != types.ClassUnknown && n.Class != "" {
		cp.Class = n.Class
	}
	r.nodes[n.ID] = &cp
}

// Patch is a partial live-state update applied atomically by Update.
// Nil fields are left unchanged.
type Patch struct {
	Healthy      *bool
	LastProbeAt  *time.Time
	Class        *types.NodeClass
	LoadedModels *[]types.LoadedModel
	VRAMTotal    *int64
	VRAMFree     *int64
	RAMTotal     *int64
	RAMFree      *int64
	MaxParallel  *int
}

// Update applies a patch to a node. Returns false when the node is unknown.
func (r *Registry) Update(id string, p Patch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.nodes[id]
	if !ok {
		return false
	}
	cp := *existing
	if p.Healthy != nil {
		cp.Healthy = *p.Healthy
	}
	if p.LastProbeAt != nil {
		cp.LastProbeAt = *p.LastProbeAt
	}
	if p.Class != nil {
		cp.Class = *p.Class
	}
	if p.LoadedModels != nil {
		cp.LoadedModels = append([]types.LoadedModel(nil), (*p.LoadedModels)...)
	}
	if p.VRAMTotal != nil {
		cp.VRAMTotalBytes = *p.VRAMTotal
	}
	if p.VRAMFree != nil {
		cp.VRAMFreeBytes = *p.VRAMFree
	}
	if p.RAMTotal != nil {
		cp.RAMTotalBytes = *p.RAMTotal
	}
	if p.RAMFree != nil {
		cp.RAMFreeBytes = *p.RAMFree
	}
	if p.MaxParallel != nil {
		cp.MaxParallel = *p.MaxParallel
	}
	r.nodes[id] = &cp
	return true
}

// SetHealthy flips just the healthy flag.
func (r *Registry) SetHealthy(id string, healthy bool) bool {
	return r.Update(id, Patch{Healthy: &healthy})
}

// Remove deletes a node. The caller is responsible for the discovery grace
// window and for never removing a node with requests in flight.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
}

// Get returns a copy of one node.
func (r *Registry) Get(id string) (types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return types.Node{}, false
	}
	return cloneNode(*n), true
}

// Snapshot returns value copies of all nodes ordered by id, so a selection
// pass sees one consistent picture.
func (r *Registry) Snapshot() []types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, cloneNode(*n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of known nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func cloneNode(n types.Node) types.Node {
	n.LoadedModels = append([]types.LoadedModel(nil), n.LoadedModels...)
	return n
}
