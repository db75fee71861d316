package monitor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hydrad/internal/registry"
	"hydrad/pkg/types"
)

// jitterFraction is the per-node spread added to each refresh to avoid
// probing the whole fleet at the same instant.
const jitterFraction = 0.10

// Prober is the slice of the backend client the monitor needs.
type Prober interface {
	Tags(ctx context.Context, node types.Node) ([]types.ModelInfo, error)
	Running(ctx context.Context, node types.Node) ([]types.LoadedModel, error)
}

// Monitor periodically refreshes each node's healthy flag, loaded models and
// memory figures. It never blocks request selection: selection reads registry
// snapshots.
type Monitor struct {
	reg      *registry.Registry
	prober   Prober
	interval time.Duration
	log      zerolog.Logger
}

// New constructs a Monitor.
func New(reg *registry.Registry, prober Prober, interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	return &Monitor{
		reg:      reg,
		prober:   prober,
		interval: interval,
		log:      log.With().Str("component", "monitor").Logger(),
	}
}

// Run refreshes all nodes once, then on every interval tick until ctx is
// canceled.
func (m *Monitor) Run(ctx context.Context) {
	m.RefreshAll(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshAll(ctx)
		}
	}
}

// RefreshAll refreshes every known node concurrently, each delayed by a
// uniform per-node jitter of up to 10% of the interval.
func (m *Monitor) RefreshAll(ctx context.Context) {
	nodes := m.reg.Snapshot()
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n types.Node) {
			defer wg.Done()
			if d := m.jitter(); d > 0 {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return
				}
			}
			m.RefreshNode(ctx, n)
		}(n)
	}
	wg.Wait()
}

func (m *Monitor) jitter() time.Duration {
	max := time.Duration(float64(m.interval) * jitterFraction)
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// RefreshNode probes one node and applies the result to the registry.
// A failed probe flips healthy to false; the next successful probe flips it
// back and refreshes loaded models and memory.
func (m *Monitor) RefreshNode(ctx context.Context, n types.Node) {
	now := time.Now()
	if _, err := m.prober.Tags(ctx, n); err != nil {
		healthy := false
		m.reg.Update(n.ID, registry.Patch{Healthy: &healthy, LastProbeAt: &now})
		m.log.Debug().Str("node", n.ID).Err(err).Msg("health probe failed")
		return
	}

	patch := registry.Patch{LastProbeAt: &now}
	healthy := true
	patch.Healthy = &healthy

	loaded, err := m.prober.Running(ctx, n)
	if err != nil {
		// Tags answered, so the node serves; keep previous resource state.
		m.reg.Update(n.ID, patch)
		m.log.Debug().Str("node", n.ID).Err(err).Msg("running probe failed")
		return
	}
	patch.LoadedModels = &loaded

	// Backends report per-model VRAM residency but not totals. A node with
	// any VRAM-resident model is GPU-class; totals stay at zero ("unknown")
	// unless something else filled them in.
	var vramUsed int64
	for _, lm := range loaded {
		vramUsed += lm.VRAMBytes
	}
	if vramUsed > 0 {
		cls := types.ClassGPU
		patch.Class = &cls
	} else if n.Class == types.ClassUnknown && len(loaded) > 0 {
		cls := types.ClassCPU
		patch.Class = &cls
	}
	if n.VRAMTotalBytes > 0 {
		free := n.VRAMTotalBytes - vramUsed
		if free < 0 {
			free = 0
		}
		patch.VRAMFree = &free
	}
	m.reg.Update(n.ID, patch)
	m.log.Debug().Str("node", n.ID).Int("loaded", len(loaded)).Msg("node refreshed")
}
