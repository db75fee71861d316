package router

import (
	"context"
	"sync"

	"hydrad/pkg/types"
)

// ListModels queries every healthy node for its model listing. Nodes that
// fail the query are omitted rather than failing the whole call.
func (r *Router) ListModels(ctx context.Context) map[string][]types.ModelInfo {
	nodes := r.reg.Snapshot()
	out := make(map[string][]types.ModelInfo, len(nodes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, n := range nodes {
		if !n.Healthy {
			continue
		}
		wg.Add(1)
		go func(n types.Node) {
			defer wg.Done()
			models, err := r.client.Tags(ctx, n)
			if err != nil {
				r.log.Debug().Str("node", n.ID).Err(err).Msg("model listing failed")
				return
			}
			mu.Lock()
			out[n.ID] = models
			mu.Unlock()
		}(n)
	}
	wg.Wait()
	return out
}

// ClusterStats summarizes the fleet from a single registry snapshot.
func (r *Router) ClusterStats() types.ClusterStats {
	nodes := r.reg.Snapshot()
	stats := types.ClusterStats{NodesTotal: len(nodes)}
	for _, n := range nodes {
		if n.Healthy {
			stats.NodesHealthy++
		}
		switch n.Class {
		case types.ClassGPU:
			stats.GPUNodes++
		case types.ClassCPU:
			stats.CPUNodes++
		}
		stats.Nodes = append(stats.Nodes, types.NodeStat{
			ID:          n.ID,
			Class:       n.Class,
			Healthy:     n.Healthy,
			InFlight:    r.sched.InFlight(n.ID),
			Reliability: r.tracker.Stats(n.ID),
		})
	}
	return stats
}

// NodeResources reports the per-node memory and load picture.
func (r *Router) NodeResources() []types.NodeResourceView {
	nodes := r.reg.Snapshot()
	out := make([]types.NodeResourceView, 0, len(nodes))
	for _, n := range nodes {
		loaded := make([]string, 0, len(n.LoadedModels))
		for _, m := range n.LoadedModels {
			loaded = append(loaded, m.Name)
		}
		out = append(out, types.NodeResourceView{
			ID:                n.ID,
			Host:              n.Host,
			Port:              n.Port,
			Class:             n.Class,
			Healthy:           n.Healthy,
			VRAMTotalBytes:    n.VRAMTotalBytes,
			VRAMFreeBytes:     n.VRAMFreeBytes,
			RAMTotalBytes:     n.RAMTotalBytes,
			RAMFreeBytes:      n.RAMFreeBytes,
			InFlight:          r.sched.InFlight(n.ID),
			ModelsLoaded:      loaded,
			ModelsLoadedCount: len(loaded),
		})
	}
	return out
}

// Ready reports whether at least one healthy node is registered.
func (r *Router) Ready() bool {
	for _, n := range r.reg.Snapshot() {
		if n.Healthy {
			return true
		}
	}
	return false
}

// DistributeTask fans one prompt out to several models concurrently, routing
// each through the normal generate path. Per-model failures are reported in
// place; one model failing never aborts the others.
func (r *Router) DistributeTask(ctx context.Context, req types.DistributeRequest) []types.TaskResult {
	results := make([]types.TaskResult, len(req.Models))
	var wg sync.WaitGroup
	for i, model := range req.Models {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			resp, dec, err := r.Generate(ctx, types.GenerateRequest{
				Model:    model,
				Prompt:   req.Prompt,
				Options:  req.Options,
				Priority: req.Priority,
				Mode:     types.ModeAsync,
				TaskKind: req.TaskKind,
			})
			res := types.TaskResult{Model: model, Decision: dec}
			if err != nil {
				res.Err = err.Error()
			} else {
				res.Response = resp.Response
				res.NodeID = dec.SelectedNodeID
			}
			results[i] = res
		}(i, model)
	}
	wg.Wait()
	return results
}
