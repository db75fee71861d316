package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hydrad/pkg/types"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	return NewClient(ClientConfig{
		ProbeTimeout:    2 * time.Second,
		GenerateTimeout: 5 * time.Second,
		OOMMatcher: func(s string) bool {
			return strings.Contains(strings.ToLower(s), "out of memory")
		},
		Logger: zerolog.Nop(),
	})
}

func nodeFor(t *testing.T, srv *httptest.Server) types.Node {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return types.Node{ID: u.Host, Host: u.Hostname(), Port: port}
}

func TestTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"llama3:8b","size":4000000000},{"name":"phi3"}]}`))
	}))
	defer srv.Close()

	models, err := testClient(t).Tags(context.Background(), nodeFor(t, srv))
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if len(models) != 2 || models[0].Name != "llama3:8b" {
		t.Fatalf("models: %+v", models)
	}
}

func TestRunningParsesExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ps" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"m","size":100,"size_vram":90,"expires_at":"2026-08-06T12:00:00Z"}]}`))
	}))
	defer srv.Close()

	loaded, err := testClient(t).Running(context.Background(), nodeFor(t, srv))
	if err != nil {
		t.Fatalf("Running: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded: %+v", loaded)
	}
	if loaded[0].VRAMBytes != 90 {
		t.Fatalf("vram: %d", loaded[0].VRAMBytes)
	}
	if loaded[0].ExpiresAt.IsZero() {
		t.Fatalf("expiry not parsed")
	}
}

func TestGenerateUnary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body GeneratePayload
		if err := jsonDecode(r, &body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Stream {
			t.Errorf("unary call sent stream=true")
		}
		if body.Model != "m" {
			t.Errorf("model: %s", body.Model)
		}
		w.Write([]byte(`{"model":"m","response":"hello","done":true}`))
	}))
	defer srv.Close()

	out, err := testClient(t).Generate(context.Background(), nodeFor(t, srv), GeneratePayload{Model: "m", Prompt: "hi", Stream: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Response != "hello" || !out.Done {
		t.Fatalf("response: %+v", out)
	}
	if len(out.Raw) == 0 {
		t.Fatalf("raw body not kept")
	}
}

func TestGenerateClientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(t).Generate(context.Background(), nodeFor(t, srv), GeneratePayload{Model: "nope"})
	if !IsClientStatus(err) {
		t.Fatalf("expected client status error, got %v", err)
	}
	if StatusOf(err) != http.StatusNotFound {
		t.Fatalf("status: %d", StatusOf(err))
	}
}

func TestGenerateServerStatusOOMSniff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "CUDA error: out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(t).Generate(context.Background(), nodeFor(t, srv), GeneratePayload{Model: "big"})
	if !IsOOMSuspected(err) {
		t.Fatalf("expected OOM classification, got %v", err)
	}
}

func TestGenerateServerStatusPlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(t).Generate(context.Background(), nodeFor(t, srv), GeneratePayload{Model: "m"})
	if !IsServerStatus(err) {
		t.Fatalf("expected server status error, got %v", err)
	}
}

func TestGenerateOOMInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"m","error":"llama runner: out of memory","done":false}`))
	}))
	defer srv.Close()

	_, err := testClient(t).Generate(context.Background(), nodeFor(t, srv), GeneratePayload{Model: "m"})
	if !IsOOMSuspected(err) {
		t.Fatalf("expected OOM from 200 body, got %v", err)
	}
}

func TestGenerateMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json at all`))
	}))
	defer srv.Close()

	_, err := testClient(t).Generate(context.Background(), nodeFor(t, srv), GeneratePayload{Model: "m"})
	if !IsMalformed(err) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestUnreachableNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	node := nodeFor(t, srv)
	srv.Close()

	_, err := testClient(t).Tags(context.Background(), node)
	if !IsUnreachable(err) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := testClient(t).Generate(ctx, nodeFor(t, srv), GeneratePayload{Model: "m"})
	if !IsCanceled(err) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"embeddings":[[0.1,0.2],[0.3,0.4]]}`))
	}))
	defer srv.Close()

	vecs, err := testClient(t).Embed(context.Background(), nodeFor(t, srv), "emb", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 2 {
		t.Fatalf("embeddings: %v", vecs)
	}
}

func jsonDecode(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}
