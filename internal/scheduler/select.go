package scheduler

import (
	"sort"
	"time"

	"hydrad/pkg/types"
)

// recentFailureWindow bounds how far back a failure still counts against a
// node in FAST scoring.
const recentFailureWindow = 5 * time.Minute

// Candidate is one selectable node with the reason it ranked where it did.
type Candidate struct {
	Node   types.Node
	Reason string
}

// SelectionRequest carries what a selection pass needs to know about the
// request being placed.
type SelectionRequest struct {
	Model       string
	Mode        types.RoutingMode
	Constraints types.Constraints
}

// Candidates returns the ordered candidate list for a request against a
// registry snapshot. The order encodes the routing mode's preference; callers
// fail over down the list. An empty result means no node can take the request.
func (s *Scheduler) Candidates(req SelectionRequest, snapshot []types.Node) []Candidate {
	eligible := s.filter(req, snapshot)
	if len(eligible) == 0 {
		return nil
	}
	switch req.Mode {
	case types.ModeReliable:
		return s.rankReliable(req, eligible)
	case types.ModeAsync:
		return s.rankAsync(req, eligible)
	default:
		return s.rankFast(req, eligible)
	}
}

// filter applies the mode-independent gates: health, model fit, per-node
// capacity and caller constraints. In-flight counts are merged from the
// scheduler's own accounting so the picture is current even when the
// snapshot is stale.
func (s *Scheduler) filter(req SelectionRequest, snapshot []types.Node) []types.Node {
	minRate := req.Constraints.MinSuccessRate
	out := make([]types.Node, 0, len(snapshot))
	for _, n := range snapshot {
		if !n.Healthy {
			continue
		}
		n.InFlight = s.InFlight(n.ID)
		if n.InFlight >= s.capFor(n) {
			continue
		}
		if s.fits != nil && !s.fits.Fits(req.Model, n) {
			continue
		}
		// vram_total of zero means unknown; unknown is never grounds for
		// exclusion on its own.
		if min := req.Constraints.MinFreeVRAMBytes; min > 0 && n.VRAMTotalBytes > 0 && n.VRAMFreeBytes < min {
			continue
		}
		if minRate > 0 && s.stats.Warm(n.ID) && s.stats.Stats(n.ID).SuccessRate < minRate {
			continue
		}
		out = append(out, n)
	}
	return out
}

// rankFast orders nodes by the weighted performance score, ties broken by
// lower in-flight then node id.
func (s *Scheduler) rankFast(req SelectionRequest, nodes []types.Node) []Candidate {
	type scored struct {
		node  types.Node
		score float64
	}
	scoredNodes := make([]scored, 0, len(nodes))
	for _, n := range nodes {
		scoredNodes = append(scoredNodes, scored{n, s.fastScore(req, n)})
	}
	sort.SliceStable(scoredNodes, func(i, j int) bool {
		a, b := scoredNodes[i], scoredNodes[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.node.InFlight != b.node.InFlight {
			return a.node.InFlight < b.node.InFlight
		}
		return a.node.ID < b.node.ID
	})
	out := make([]Candidate, len(scoredNodes))
	for i, sn := range scoredNodes {
		out[i] = Candidate{Node: sn.node, Reason: "fast_score"}
	}
	return out
}

func (s *Scheduler) fastScore(req SelectionRequest, n types.Node) float64 {
	w := s.cfg.Weights
	score := w.InFlight * (1.0 / (1.0 + float64(n.InFlight)))
	if n.Class == types.ClassGPU && !req.Constraints.PreferCPU {
		score += w.GPUBonus
	}
	if n.VRAMTotalBytes > 0 {
		score += w.FreeVRAM * (float64(n.VRAMFreeBytes) / float64(n.VRAMTotalBytes))
	}
	if n.Local {
		score += w.LocalBonus
		if req.Constraints.PreferLocal {
			score += w.LocalBonus
		}
	}
	st := s.stats.Stats(n.ID)
	score += w.LatencyMean * (1.0 / (1.0 + st.LatencyMean.Seconds()))
	if s.stats.LastFailureWithin(n.ID, recentFailureWindow) {
		score -= w.RecentFailure
	}
	return score
}

// rankReliable keeps nodes past the success-rate and warmth gates, ranked by
// (success_rate desc, latency_variance asc, uptime desc). When no node is
// warm enough the whole eligible set falls back to FAST scoring.
func (s *Scheduler) rankReliable(req SelectionRequest, nodes []types.Node) []Candidate {
	minRate := s.cfg.MinSuccessRate
	if req.Constraints.MinSuccessRate > 0 {
		minRate = req.Constraints.MinSuccessRate
	}
	type ranked struct {
		node types.Node
		st   types.ReliabilityStats
	}
	passing := make([]ranked, 0, len(nodes))
	for _, n := range nodes {
		if !s.stats.Warm(n.ID) {
			continue
		}
		st := s.stats.Stats(n.ID)
		if st.SuccessRate < minRate {
			continue
		}
		passing = append(passing, ranked{n, st})
	}
	if len(passing) == 0 {
		out := s.rankFast(req, nodes)
		for i := range out {
			out[i].Reason = "reliable_fallback_fast"
		}
		return out
	}
	sort.SliceStable(passing, func(i, j int) bool {
		a, b := passing[i], passing[j]
		if a.st.SuccessRate != b.st.SuccessRate {
			return a.st.SuccessRate > b.st.SuccessRate
		}
		if a.st.LatencyVariance != b.st.LatencyVariance {
			return a.st.LatencyVariance < b.st.LatencyVariance
		}
		if !a.node.UptimeStartAt.Equal(b.node.UptimeStartAt) {
			return a.node.UptimeStartAt.Before(b.node.UptimeStartAt)
		}
		return a.node.ID < b.node.ID
	})
	out := make([]Candidate, len(passing))
	for i, r := range passing {
		out[i] = Candidate{Node: r.node, Reason: "reliable_rank"}
	}
	return out
}

// rankAsync puts CPU-class nodes first by in-flight count; GPU nodes trail
// and are only reached when no CPU node could take the model. Nodes of
// unknown class count as CPU here. Locality carries no weight.
func (s *Scheduler) rankAsync(req SelectionRequest, nodes []types.Node) []Candidate {
	var cpu, gpu []types.Node
	for _, n := range nodes {
		if n.Class == types.ClassGPU {
			gpu = append(gpu, n)
		} else {
			cpu = append(cpu, n)
		}
	}
	byLoad := func(ns []types.Node) {
		sort.SliceStable(ns, func(i, j int) bool {
			if ns[i].InFlight != ns[j].InFlight {
				return ns[i].InFlight < ns[j].InFlight
			}
			return ns[i].ID < ns[j].ID
		})
	}
	byLoad(cpu)
	byLoad(gpu)
	out := make([]Candidate, 0, len(nodes))
	for _, n := range cpu {
		out = append(out, Candidate{Node: n, Reason: "async_cpu"})
	}
	for _, n := range gpu {
		out = append(out, Candidate{Node: n, Reason: "async_gpu_spill"})
	}
	return out
}
