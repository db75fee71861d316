package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hydrad/internal/backend"
	"hydrad/internal/catalog"
	"hydrad/internal/config"
	"hydrad/internal/registry"
	"hydrad/internal/reliability"
	"hydrad/internal/scheduler"
	"hydrad/pkg/types"
)

type rig struct {
	reg     *registry.Registry
	tracker *reliability.Tracker
	sched   *scheduler.Scheduler
	cat     *catalog.Catalog
	router  *Router
}

func newRig(t *testing.T, chains map[string]map[string][]string) *rig {
	t.Helper()
	cat := catalog.New(config.Catalog{FallbackChains: chains})
	client := backend.NewClient(backend.ClientConfig{
		ConnectTimeout:  time.Second,
		ProbeTimeout:    time.Second,
		GenerateTimeout: 5 * time.Second,
		OOMMatcher:      cat.LooksLikeOOM,
		Logger:          zerolog.Nop(),
	})
	reg := registry.New()
	tracker := reliability.NewTracker()
	sched := scheduler.New(scheduler.Config{MaxInFlight: 8, PerNodeCap: 4, QueueSoftCap: 16}, tracker, cat, zerolog.Nop())
	r := New(Config{RequestTimeout: 5 * time.Second}, client, reg, tracker, cat, sched, zerolog.Nop())
	return &rig{reg: reg, tracker: tracker, sched: sched, cat: cat, router: r}
}

func (g *rig) addServer(t *testing.T, srv *httptest.Server, local bool) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	n := types.Node{ID: u.Host, Host: u.Hostname(), Port: port, Class: types.ClassCPU, Local: local}
	g.reg.Upsert(n)
	g.reg.SetHealthy(n.ID, true)
	return n.ID
}

func okGenerate(response string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"m","response":"` + response + `","done":true}`))
	}
}

func TestGenerateRoutesToNode(t *testing.T) {
	g := newRig(t, nil)
	srv := httptest.NewServer(okGenerate("hello"))
	defer srv.Close()
	id := g.addServer(t, srv, false)

	resp, dec, err := g.router.Generate(context.Background(), types.GenerateRequest{Model: "m", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Response != "hello" {
		t.Fatalf("response: %+v", resp)
	}
	if dec.SelectedNodeID != id || dec.ModelUsed != "m" {
		t.Fatalf("decision: %+v", dec)
	}
	if dec.RequestID == "" || dec.Reason == "" {
		t.Fatalf("decision missing trail: %+v", dec)
	}
	if st := g.tracker.Stats(id); st.Successes != 1 {
		t.Fatalf("success not recorded: %+v", st)
	}
	if g.sched.Running() != 0 || g.sched.InFlight(id) != 0 {
		t.Fatalf("slots leaked: running=%d inflight=%d", g.sched.Running(), g.sched.InFlight(id))
	}
}

func TestGenerateFailsOverFromUnreachable(t *testing.T) {
	g := newRig(t, nil)
	dead := httptest.NewServer(okGenerate("never"))
	deadID := g.addServer(t, dead, true) // local bonus ranks it first
	dead.Close()
	live := httptest.NewServer(okGenerate("ok"))
	defer live.Close()
	liveID := g.addServer(t, live, false)

	resp, dec, err := g.router.Generate(context.Background(), types.GenerateRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Response != "ok" || dec.SelectedNodeID != liveID {
		t.Fatalf("failover target: %+v", dec)
	}
	if len(dec.CandidatesTried) != 1 || dec.CandidatesTried[0].NodeID != deadID {
		t.Fatalf("attempt trail: %+v", dec.CandidatesTried)
	}
	if dec.CandidatesTried[0].Outcome != "unreachable" {
		t.Fatalf("outcome: %q", dec.CandidatesTried[0].Outcome)
	}
	n, _ := g.reg.Get(deadID)
	if n.Healthy {
		t.Fatalf("unreachable node still healthy")
	}
	if st := g.tracker.Stats(deadID); st.Failures != 1 {
		t.Fatalf("failure not recorded: %+v", st)
	}
}

func TestGenerateClientErrorIsTerminal(t *testing.T) {
	g := newRig(t, nil)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer bad.Close()
	g.addServer(t, bad, true)
	good := httptest.NewServer(okGenerate("ok"))
	defer good.Close()
	g.addServer(t, good, false)

	_, dec, err := g.router.Generate(context.Background(), types.GenerateRequest{Model: "m"})
	if !IsBadRequest(err) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if len(dec.CandidatesTried) != 1 {
		t.Fatalf("terminal error failed over anyway: %+v", dec.CandidatesTried)
	}
}

func TestGenerateOOMWalksFallbackChain(t *testing.T) {
	chains := map[string]map[string][]string{
		"chat": {"big-70b": {"big-70b", "med-13b"}},
	}
	g := newRig(t, chains)
	handler := func(w http.ResponseWriter, r *http.Request) {
		var p backend.GeneratePayload
		json.NewDecoder(r.Body).Decode(&p)
		if p.Model == "big-70b" {
			http.Error(w, "CUDA error: out of memory", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"model":"med-13b","response":"smaller","done":true}`))
	}
	var ids []string
	for i := 0; i < 3; i++ {
		srv := httptest.NewServer(http.HandlerFunc(handler))
		defer srv.Close()
		ids = append(ids, g.addServer(t, srv, false))
	}

	resp, dec, err := g.router.Generate(context.Background(), types.GenerateRequest{
		Model: "big-70b", TaskKind: "chat",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Response != "smaller" {
		t.Fatalf("response: %+v", resp)
	}
	if !dec.FallbackApplied || dec.ModelUsed != "med-13b" {
		t.Fatalf("fallback not applied: %+v", dec)
	}
	// Every candidate is tried on the big model before the chain advances.
	if len(dec.CandidatesTried) != 3 {
		t.Fatalf("attempt trail: %+v", dec.CandidatesTried)
	}
	var failures uint64
	for _, id := range ids {
		failures += g.tracker.Stats(id).Failures
	}
	if failures != 3 {
		t.Fatalf("oom failures recorded: %d", failures)
	}
}

func TestGenerateFallbackExhausted(t *testing.T) {
	chains := map[string]map[string][]string{
		"chat": {"big-70b": {"big-70b", "med-13b"}},
	}
	g := newRig(t, chains)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()
	g.addServer(t, srv, false)

	_, dec, err := g.router.Generate(context.Background(), types.GenerateRequest{
		Model: "big-70b", TaskKind: "chat",
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	k, ok := KindOf(err)
	if !ok || k != KindFallbackExhausted {
		t.Fatalf("kind: %v (%v)", k, err)
	}
	if len(dec.CandidatesTried) != 2 {
		t.Fatalf("attempt trail: %+v", dec.CandidatesTried)
	}
}

func TestGenerateNoNodes(t *testing.T) {
	g := newRig(t, nil)
	_, _, err := g.router.Generate(context.Background(), types.GenerateRequest{Model: "m"})
	if !IsNodeUnreachable(err) {
		t.Fatalf("expected node unreachable, got %v", err)
	}
}

func TestGenerateMissingModel(t *testing.T) {
	g := newRig(t, nil)
	_, _, err := g.router.Generate(context.Background(), types.GenerateRequest{Prompt: "hi"})
	if !IsBadRequest(err) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestGeneratePinnedNode(t *testing.T) {
	g := newRig(t, nil)
	a := httptest.NewServer(okGenerate("from-a"))
	defer a.Close()
	b := httptest.NewServer(okGenerate("from-b"))
	defer b.Close()
	g.addServer(t, a, true)
	bID := g.addServer(t, b, false)

	resp, dec, err := g.router.Generate(context.Background(), types.GenerateRequest{
		Model: "m", Constraints: types.Constraints{PinNodeID: bID},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Response != "from-b" || dec.SelectedNodeID != bID || dec.Reason != "pinned" {
		t.Fatalf("pin ignored: %+v", dec)
	}
}

func TestGeneratePinnedNodeUnavailable(t *testing.T) {
	g := newRig(t, nil)
	srv := httptest.NewServer(okGenerate("ok"))
	defer srv.Close()
	g.addServer(t, srv, false)

	_, _, err := g.router.Generate(context.Background(), types.GenerateRequest{
		Model: "m", Constraints: types.Constraints{PinNodeID: "ghost:11434"},
	})
	if !IsNodeUnreachable(err) {
		t.Fatalf("expected node unreachable, got %v", err)
	}
}

func TestGenerateOverloaded(t *testing.T) {
	cat := catalog.New(config.Catalog{})
	client := backend.NewClient(backend.ClientConfig{GenerateTimeout: time.Second, Logger: zerolog.Nop()})
	reg := registry.New()
	tracker := reliability.NewTracker()
	sched := scheduler.New(scheduler.Config{MaxInFlight: 1, QueueSoftCap: 1}, tracker, cat, zerolog.Nop())
	r := New(Config{RequestTimeout: time.Second}, client, reg, tracker, cat, sched, zerolog.Nop())

	held, err := sched.Acquire(context.Background(), 0, types.ModeFast)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()
	go func() {
		if p, err := sched.Acquire(context.Background(), 0, types.ModeFast); err == nil {
			p.Release()
		}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for sched.QueueLen() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	_, _, err = r.Generate(context.Background(), types.GenerateRequest{Model: "m"})
	if !IsOverloaded(err) {
		t.Fatalf("expected overloaded, got %v", err)
	}
}

func TestEmbedRoutes(t *testing.T) {
	g := newRig(t, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"embeddings":[[0.5]]}`))
	}))
	defer srv.Close()
	g.addServer(t, srv, false)

	resp, _, err := g.router.Embed(context.Background(), types.EmbedRequest{Model: "emb", Input: []string{"x"}})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(resp.Embeddings) != 1 || resp.Embeddings[0][0] != 0.5 {
		t.Fatalf("embeddings: %+v", resp.Embeddings)
	}
}

func TestEmbedRequiresInput(t *testing.T) {
	g := newRig(t, nil)
	_, _, err := g.router.Embed(context.Background(), types.EmbedRequest{Model: "emb"})
	if !IsBadRequest(err) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func streamHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		f := w.(http.Flusher)
		for _, l := range lines {
			io.WriteString(w, l+"\n")
			f.Flush()
		}
	}
}

func TestStreamDeliversChunksAndRecordsSuccess(t *testing.T) {
	g := newRig(t, nil)
	srv := httptest.NewServer(streamHandler(
		`{"response":"a","done":false}`,
		`{"response":"b","done":false}`,
		`{"response":"","done":true}`,
	))
	defer srv.Close()
	id := g.addServer(t, srv, false)

	stream, dec, err := g.router.GenerateStream(context.Background(), types.GenerateRequest{Model: "m", Stream: true})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if dec.SelectedNodeID != id {
		t.Fatalf("decision: %+v", dec)
	}
	var got []string
	for {
		c, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, c.Response)
	}
	stream.Close()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("chunks: %v", got)
	}
	if st := g.tracker.Stats(id); st.Successes != 1 {
		t.Fatalf("stream success not recorded: %+v", st)
	}
	if g.sched.Running() != 0 || g.sched.InFlight(id) != 0 {
		t.Fatalf("slots leaked after stream")
	}
}

func TestStreamMidwayFailureIsTerminal(t *testing.T) {
	g := newRig(t, nil)
	// Connection drops after two chunks, before the done marker.
	srv := httptest.NewServer(streamHandler(
		`{"response":"a","done":false}`,
		`{"response":"b","done":false}`,
	))
	defer srv.Close()
	id := g.addServer(t, srv, true)
	spare := httptest.NewServer(streamHandler(`{"response":"x","done":true}`))
	defer spare.Close()
	g.addServer(t, spare, false)

	stream, _, err := g.router.GenerateStream(context.Background(), types.GenerateRequest{Model: "m", Stream: true})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if stream.NodeID() != id {
		t.Fatalf("stream node: %s", stream.NodeID())
	}
	if _, err := stream.Next(); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if _, err := stream.Next(); err != nil {
		t.Fatalf("second chunk: %v", err)
	}
	if _, err := stream.Next(); err == nil {
		t.Fatalf("expected terminal stream error")
	}
	stream.Close()
	if st := g.tracker.Stats(id); st.Failures != 1 {
		t.Fatalf("midway failure not recorded: %+v", st)
	}
	if g.sched.Running() != 0 {
		t.Fatalf("permit leaked after stream failure")
	}
}

func TestStreamFailsOverBeforeFirstChunk(t *testing.T) {
	g := newRig(t, nil)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()
	badID := g.addServer(t, bad, true)
	good := httptest.NewServer(streamHandler(`{"response":"x","done":true}`))
	defer good.Close()
	goodID := g.addServer(t, good, false)

	stream, dec, err := g.router.GenerateStream(context.Background(), types.GenerateRequest{Model: "m", Stream: true})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	defer stream.Close()
	if stream.NodeID() != goodID || dec.SelectedNodeID != goodID {
		t.Fatalf("failover target: %+v", dec)
	}
	if len(dec.CandidatesTried) != 1 || dec.CandidatesTried[0].NodeID != badID {
		t.Fatalf("attempt trail: %+v", dec.CandidatesTried)
	}
}

func TestStreamCallerCloseRecordsNothing(t *testing.T) {
	g := newRig(t, nil)
	srv := httptest.NewServer(streamHandler(
		`{"response":"a","done":false}`,
		`{"response":"b","done":false}`,
	))
	defer srv.Close()
	id := g.addServer(t, srv, false)

	stream, _, err := g.router.GenerateStream(context.Background(), types.GenerateRequest{Model: "m", Stream: true})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if _, err := stream.Next(); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	stream.Close()
	st := g.tracker.Stats(id)
	if st.Successes != 0 || st.Failures != 0 {
		t.Fatalf("caller close recorded reliability: %+v", st)
	}
	if g.sched.Running() != 0 {
		t.Fatalf("permit leaked after close")
	}
}
