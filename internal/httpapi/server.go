package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hydrad/internal/router"
	"hydrad/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Generate(ctx context.Context, req types.GenerateRequest) (types.GenerateResponse, types.RouteDecision, error)
	GenerateStream(ctx context.Context, req types.GenerateRequest) (router.ChunkStream, types.RouteDecision, error)
	Embed(ctx context.Context, req types.EmbedRequest) (types.EmbedResponse, types.RouteDecision, error)
	DistributeTask(ctx context.Context, req types.DistributeRequest) []types.TaskResult
	ListModels(ctx context.Context) map[string][]types.ModelInfo
	ClusterStats() types.ClusterStats
	NodeResources() []types.NodeResourceView
	Ready() bool
}

// NewMux builds the HTTP routing surface around a Service.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Post("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if req.Stream {
			handleGenerateStream(joinedCtx, w, r, svc, req)
			return
		}
		start := time.Now()
		resp, decision, err := svc.Generate(joinedCtx, req)
		if err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			writeRoutedError(w, err, decision)
			return
		}
		if requestLogLevel(r) >= LevelInfo {
			z := zlog.Info().Str("model", decision.ModelUsed).Str("node", decision.SelectedNodeID).Dur("dur", time.Since(start))
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				z = z.Str("request_id", rid)
			}
			z.Msg("generate served")
		}
		writeJSON(w, map[string]any{
			"model":    resp.Model,
			"response": resp.Response,
			"done":     resp.Done,
			"decision": decision,
		})
	})

	r.Post("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		var req types.EmbedRequest
		if !decodeBody(w, r, &req) {
			return
		}
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		resp, decision, err := svc.Embed(joinedCtx, req)
		if err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			writeRoutedError(w, err, decision)
			return
		}
		writeJSON(w, map[string]any{
			"model":      resp.Model,
			"embeddings": resp.Embeddings,
			"decision":   decision,
		})
	})

	r.Post("/api/distribute", func(w http.ResponseWriter, r *http.Request) {
		var req types.DistributeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Models) == 0 {
			writeJSONError(w, http.StatusBadRequest, "models is required")
			return
		}
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		results := svc.DistributeTask(joinedCtx, req)
		writeJSON(w, map[string]any{"results": results})
	})

	r.Get("/api/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"models": svc.ListModels(r.Context())})
	})

	r.Get("/api/cluster/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.ClusterStats())
	})

	r.Get("/api/cluster/resources", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"nodes": svc.NodeResources()})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("no healthy nodes"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// handleGenerateStream proxies an NDJSON stream to the client. Once the first
// chunk is written the HTTP status is committed; later failures surface as a
// final error line.
func handleGenerateStream(ctx context.Context, w http.ResponseWriter, r *http.Request, svc Service, req types.GenerateRequest) {
	stream, decision, err := svc.GenerateStream(ctx, req)
	if err != nil {
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			return
		}
		writeRoutedError(w, err, decision)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	lvl := requestLogLevel(r)
	if lvl >= LevelInfo {
		z := zlog.Info().Str("model", decision.ModelUsed).Str("node", decision.SelectedNodeID)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("stream start")
	}
	enc := json.NewEncoder(w)
	for {
		chunk, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			// The status line is long gone; report the failure in-band.
			_ = enc.Encode(map[string]any{"error": err.Error(), "done": true})
			if flush != nil {
				flush()
			}
			return
		}
		if len(chunk.Raw) > 0 {
			w.Write(chunk.Raw)
			w.Write([]byte("\n"))
		} else if err := enc.Encode(chunk); err != nil {
			return
		}
		if flush != nil {
			flush()
		}
		if chunk.Done {
			if lvl >= LevelInfo {
				zlog.Info().Str("node", decision.SelectedNodeID).Msg("stream end")
			}
			return
		}
	}
}

// decodeBody enforces content type and size limits, then decodes JSON.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
