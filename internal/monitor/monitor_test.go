package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hydrad/internal/registry"
	"hydrad/pkg/types"
)

type fakeProber struct {
	tagsErr    error
	runningErr error
	loaded     []types.LoadedModel
}

func (p *fakeProber) Tags(context.Context, types.Node) ([]types.ModelInfo, error) {
	if p.tagsErr != nil {
		return nil, p.tagsErr
	}
	return []types.ModelInfo{{Name: "m"}}, nil
}

func (p *fakeProber) Running(context.Context, types.Node) ([]types.LoadedModel, error) {
	if p.runningErr != nil {
		return nil, p.runningErr
	}
	return p.loaded, nil
}

func newMonitor(reg *registry.Registry, p Prober) *Monitor {
	return New(reg, p, time.Minute, zerolog.Nop())
}

func TestRefreshMarksHealthy(t *testing.T) {
	reg := registry.New()
	reg.Upsert(types.Node{ID: "a", Host: "a", Port: 11434})
	m := newMonitor(reg, &fakeProber{loaded: []types.LoadedModel{{Name: "m", VRAMBytes: 1 << 30}}})

	n, _ := reg.Get("a")
	m.RefreshNode(context.Background(), n)

	got, _ := reg.Get("a")
	if !got.Healthy {
		t.Fatalf("node not healthy after probe")
	}
	if got.LastProbeAt.IsZero() {
		t.Fatalf("probe time not recorded")
	}
	if len(got.LoadedModels) != 1 {
		t.Fatalf("loaded models: %+v", got.LoadedModels)
	}
}

func TestRefreshMarksUnhealthyOnProbeFailure(t *testing.T) {
	reg := registry.New()
	reg.Upsert(types.Node{ID: "a", Host: "a", Port: 11434})
	healthy := true
	reg.Update("a", registry.Patch{Healthy: &healthy})
	m := newMonitor(reg, &fakeProber{tagsErr: errors.New("refused")})

	n, _ := reg.Get("a")
	m.RefreshNode(context.Background(), n)

	got, _ := reg.Get("a")
	if got.Healthy {
		t.Fatalf("unreachable node still healthy")
	}
}

func TestRunningFailureKeepsResourceState(t *testing.T) {
	reg := registry.New()
	reg.Upsert(types.Node{ID: "a", Host: "a", Port: 11434})
	loaded := []types.LoadedModel{{Name: "old"}}
	reg.Update("a", registry.Patch{LoadedModels: &loaded})
	m := newMonitor(reg, &fakeProber{runningErr: errors.New("no ps endpoint")})

	n, _ := reg.Get("a")
	m.RefreshNode(context.Background(), n)

	got, _ := reg.Get("a")
	if !got.Healthy {
		t.Fatalf("node with working tags not healthy")
	}
	if len(got.LoadedModels) != 1 || got.LoadedModels[0].Name != "old" {
		t.Fatalf("resource state wiped: %+v", got.LoadedModels)
	}
}

func TestClassInferredGPU(t *testing.T) {
	reg := registry.New()
	reg.Upsert(types.Node{ID: "a", Host: "a", Port: 11434, Class: types.ClassUnknown})
	m := newMonitor(reg, &fakeProber{loaded: []types.LoadedModel{{Name: "m", VRAMBytes: 2 << 30}}})

	n, _ := reg.Get("a")
	m.RefreshNode(context.Background(), n)

	got, _ := reg.Get("a")
	if got.Class != types.ClassGPU {
		t.Fatalf("class: %v", got.Class)
	}
}

func TestClassInferredCPU(t *testing.T) {
	reg := registry.New()
	reg.Upsert(types.Node{ID: "a", Host: "a", Port: 11434, Class: types.ClassUnknown})
	m := newMonitor(reg, &fakeProber{loaded: []types.LoadedModel{{Name: "m", VRAMBytes: 0}}})

	n, _ := reg.Get("a")
	m.RefreshNode(context.Background(), n)

	got, _ := reg.Get("a")
	if got.Class != types.ClassCPU {
		t.Fatalf("class: %v", got.Class)
	}
}

func TestClassUnknownWithoutLoadedModels(t *testing.T) {
	reg := registry.New()
	reg.Upsert(types.Node{ID: "a", Host: "a", Port: 11434, Class: types.ClassUnknown})
	m := newMonitor(reg, &fakeProber{})

	n, _ := reg.Get("a")
	m.RefreshNode(context.Background(), n)

	got, _ := reg.Get("a")
	if got.Class != types.ClassUnknown {
		t.Fatalf("class changed with nothing loaded: %v", got.Class)
	}
}

func TestVRAMFreeComputed(t *testing.T) {
	reg := registry.New()
	reg.Upsert(types.Node{ID: "a", Host: "a", Port: 11434, Class: types.ClassGPU, VRAMTotalBytes: 8 << 30})
	m := newMonitor(reg, &fakeProber{loaded: []types.LoadedModel{
		{Name: "m1", VRAMBytes: 3 << 30},
		{Name: "m2", VRAMBytes: 2 << 30},
	}})

	n, _ := reg.Get("a")
	m.RefreshNode(context.Background(), n)

	got, _ := reg.Get("a")
	if got.VRAMFreeBytes != 3<<30 {
		t.Fatalf("vram free: %d", got.VRAMFreeBytes)
	}
}

func TestVRAMFreeClampedAtZero(t *testing.T) {
	reg := registry.New()
	reg.Upsert(types.Node{ID: "a", Host: "a", Port: 11434, Class: types.ClassGPU, VRAMTotalBytes: 1 << 30})
	m := newMonitor(reg, &fakeProber{loaded: []types.LoadedModel{{Name: "m", VRAMBytes: 2 << 30}}})

	n, _ := reg.Get("a")
	m.RefreshNode(context.Background(), n)

	got, _ := reg.Get("a")
	if got.VRAMFreeBytes != 0 {
		t.Fatalf("vram free went negative: %d", got.VRAMFreeBytes)
	}
}

func TestRefreshAllCoversEveryNode(t *testing.T) {
	reg := registry.New()
	reg.Upsert(types.Node{ID: "a", Host: "a", Port: 11434})
	reg.Upsert(types.Node{ID: "b", Host: "b", Port: 11434})
	m := New(reg, &fakeProber{}, time.Millisecond, zerolog.Nop())

	m.RefreshAll(context.Background())
	for _, id := range []string{"a", "b"} {
		n, _ := reg.Get(id)
		if !n.Healthy {
			t.Fatalf("node %s not refreshed", id)
		}
	}
}
