package registry

import (
	"testing"
	"time"

	"hydrad/pkg/types"
)

func node(id string) types.Node {
	return types.Node{ID: id, Host: id, Port: 11434, Class: types.ClassUnknown}
}

func TestUpsertAndGet(t *testing.T) {
	r := New()
	r.Upsert(node("a:11434"))
	got, ok := r.Get("a:11434")
	if !ok {
		t.Fatalf("node missing after upsert")
	}
	if got.UptimeStartAt.IsZero() {
		t.Fatalf("uptime start not set on create")
	}
}

func TestUpsertPreservesLiveState(t *testing.T) {
	r := New()
	r.Upsert(node("a"))
	healthy := true
	loaded := []types.LoadedModel{{Name: "m"}}
	r.Update("a", Patch{Healthy: &healthy, LoadedModels: &loaded})

	// A re-discovery upsert must not wipe probe results.
	r.Upsert(node("a"))
	got, _ := r.Get("a")
	if !got.Healthy {
		t.Fatalf("healthy flag lost on re-upsert")
	}
	if len(got.LoadedModels) != 1 {
		t.Fatalf("loaded models lost on re-upsert")
	}
}

func TestUpdateMissingNode(t *testing.T) {
	r := New()
	healthy := true
	if r.Update("ghost", Patch{Healthy: &healthy}) {
		t.Fatalf("update of unknown node reported success")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := New()
	r.Upsert(node("a"))
	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len: %d", len(snap))
	}
	snap[0].Healthy = true
	snap[0].LoadedModels = append(snap[0].LoadedModels, types.LoadedModel{Name: "x"})
	got, _ := r.Get("a")
	if got.Healthy || len(got.LoadedModels) != 0 {
		t.Fatalf("snapshot mutation leaked into registry")
	}
}

func TestSnapshotSorted(t *testing.T) {
	r := New()
	r.Upsert(node("c"))
	r.Upsert(node("a"))
	r.Upsert(node("b"))
	snap := r.Snapshot()
	if snap[0].ID != "a" || snap[1].ID != "b" || snap[2].ID != "c" {
		t.Fatalf("snapshot not sorted: %v %v %v", snap[0].ID, snap[1].ID, snap[2].ID)
	}
}

func TestRemove(t *testing.T) {
	r := New()
	r.Upsert(node("a"))
	r.Remove("a")
	if _, ok := r.Get("a"); ok {
		t.Fatalf("node present after remove")
	}
	if r.Len() != 0 {
		t.Fatalf("len after remove: %d", r.Len())
	}
}

func TestSetHealthy(t *testing.T) {
	r := New()
	r.Upsert(node("a"))
	if !r.SetHealthy("a", true) {
		t.Fatalf("SetHealthy returned false for known node")
	}
	got, _ := r.Get("a")
	if !got.Healthy {
		t.Fatalf("healthy not applied")
	}
	if r.SetHealthy("ghost", true) {
		t.Fatalf("SetHealthy returned true for unknown node")
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	r := New()
	r.Upsert(node("a"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			healthy := i%2 == 0
			r.Update("a", Patch{Healthy: &healthy})
		}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := r.Snapshot()
		if len(snap) != 1 {
			t.Fatalf("snapshot len: %d", len(snap))
		}
		select {
		case <-done:
			return
		default:
		}
	}
	t.Fatalf("writer did not finish")
}
