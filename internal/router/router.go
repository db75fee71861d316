package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hydrad/internal/backend"
	"hydrad/internal/catalog"
	"hydrad/internal/registry"
	"hydrad/internal/reliability"
	"hydrad/internal/scheduler"
	"hydrad/pkg/types"
)

// ChunkStream is the iterator handed to streaming callers.
type ChunkStream interface {
	Next() (types.Chunk, error)
	Close() error
	NodeID() string
}

// Backend is the slice of the backend client the router dispatches through.
type Backend interface {
	Tags(ctx context.Context, node types.Node) ([]types.ModelInfo, error)
	Generate(ctx context.Context, node types.Node, payload backend.GeneratePayload) (types.GenerateResponse, error)
	GenerateStream(ctx context.Context, node types.Node, payload backend.GeneratePayload, idleTimeout time.Duration) (*backend.Stream, error)
	Embed(ctx context.Context, node types.Node, model string, input []string) ([][]float64, error)
}

// Config carries the router tunables.
type Config struct {
	DefaultMode       types.RoutingMode
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration
}

// Router is the public routing surface: it resolves candidates, enforces
// admission, dispatches attempts and applies the failover and fallback-chain
// policies.
type Router struct {
	cfg     Config
	client  Backend
	reg     *registry.Registry
	tracker *reliability.Tracker
	cat     *catalog.Catalog
	sched   *scheduler.Scheduler
	log     zerolog.Logger
}

// New constructs a Router.
func New(cfg Config, client Backend, reg *registry.Registry, tracker *reliability.Tracker, cat *catalog.Catalog, sched *scheduler.Scheduler, log zerolog.Logger) *Router {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = types.ModeFast
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 1800 * time.Second
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = cfg.RequestTimeout
	}
	return &Router{
		cfg:     cfg,
		client:  client,
		reg:     reg,
		tracker: tracker,
		cat:     cat,
		sched:   sched,
		log:     log.With().Str("component", "router").Logger(),
	}
}

// requestScope is the resolved routing context of one Generate/Embed call.
type requestScope struct {
	id       string
	mode     types.RoutingMode
	priority int
	taskKind string
	deadline time.Duration
}

func (r *Router) scopeFor(mode types.RoutingMode, priority int, taskKind string, timeoutMs int64) requestScope {
	if mode == "" {
		mode = r.cfg.DefaultMode
	}
	deadline := r.cfg.RequestTimeout
	if timeoutMs > 0 {
		deadline = time.Duration(timeoutMs) * time.Millisecond
	}
	return requestScope{
		id:       uuid.NewString(),
		mode:     mode,
		priority: priority,
		taskKind: taskKind,
		deadline: deadline,
	}
}

// candidatesFor resolves the ordered attempt list for a model. A pinned node
// short-circuits selection entirely.
func (r *Router) candidatesFor(model string, mode types.RoutingMode, cons types.Constraints) ([]scheduler.Candidate, error) {
	snapshot := r.reg.Snapshot()
	if len(snapshot) == 0 {
		return nil, newError(KindNodeUnreachable, "no nodes registered", nil)
	}
	if pin := cons.PinNodeID; pin != "" {
		n, ok := r.reg.Get(pin)
		if !ok || !n.Healthy {
			return nil, newError(KindNodeUnreachable, fmt.Sprintf("pinned node %s unavailable", pin), nil)
		}
		if !r.cat.Fits(model, n) {
			return nil, newError(KindNodeUnreachable, fmt.Sprintf("pinned node %s cannot fit %s", pin, model), nil)
		}
		n.InFlight = r.sched.InFlight(n.ID)
		return []scheduler.Candidate{{Node: n, Reason: "pinned"}}, nil
	}
	cands := r.sched.Candidates(scheduler.SelectionRequest{
		Model:       model,
		Mode:        mode,
		Constraints: cons,
	}, snapshot)
	if len(cands) == 0 {
		return nil, newError(KindNodeUnreachable, fmt.Sprintf("no healthy node fits %s", model), nil)
	}
	return cands, nil
}

// acquire maps scheduler admission results onto router errors.
func (r *Router) acquire(ctx context.Context, scope requestScope) (*scheduler.Permit, error) {
	permit, err := r.sched.Acquire(ctx, scope.priority, scope.mode)
	if err == nil {
		return permit, nil
	}
	if scheduler.IsOverloaded(err) {
		overloadsTotal.Inc()
		return nil, newError(KindOverloaded, "admission queue full", err)
	}
	return nil, r.ctxError(ctx, err)
}

// ctxError converts a context failure into the matching terminal router error.
func (r *Router) ctxError(ctx context.Context, cause error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return newError(KindDeadline, "request deadline expired", cause)
	}
	return newError(KindCanceled, "request canceled", cause)
}

// attemptFate decides what a failed attempt means for the request.
type attemptFate int

const (
	fateFailover attemptFate = iota
	fateTerminal
	fateFallback
)

// classify records the attempt's failure and returns how the loop proceeds.
// Caller-side context expiry always wins over backend classification.
// Attempts ended by caller cancellation are not recorded against the node.
func (r *Router) classify(ctx context.Context, nodeID string, err error, latency time.Duration) (attemptFate, *Error) {
	if ctx.Err() != nil {
		if ctx.Err() == context.DeadlineExceeded {
			r.recordFailure(nodeID, reliability.FailTimeout, latency)
		}
		return fateTerminal, r.ctxError(ctx, err).(*Error)
	}
	switch {
	case backend.IsCanceled(err):
		return fateTerminal, newError(KindCanceled, "request canceled", err)
	case backend.IsTimeout(err):
		r.recordFailure(nodeID, reliability.FailTimeout, latency)
		return fateFailover, newError(KindTimeout, "attempt timed out", err)
	case backend.IsOOMSuspected(err):
		r.recordFailure(nodeID, reliability.FailOOM, latency)
		return fateFallback, newError(KindAllFailed, "backend out of memory", err)
	case backend.IsUnreachable(err):
		r.recordFailure(nodeID, reliability.FailUnreachable, latency)
		r.reg.SetHealthy(nodeID, false)
		return fateFailover, newError(KindNodeUnreachable, "node unreachable", err)
	case backend.IsClientStatus(err):
		r.recordFailure(nodeID, reliability.FailHTTP, latency)
		return fateTerminal, newError(KindBadRequest, "backend rejected request", err)
	case backend.IsServerStatus(err):
		r.recordFailure(nodeID, reliability.FailHTTP, latency)
		return fateFailover, newError(KindAllFailed, "backend server error", err)
	case backend.IsMalformed(err):
		r.recordFailure(nodeID, reliability.FailMalformed, latency)
		return fateFailover, newError(KindMalformed, "undecodable backend response", err)
	default:
		r.recordFailure(nodeID, reliability.FailUnreachable, latency)
		return fateFailover, newError(KindAllFailed, "attempt failed", err)
	}
}

func (r *Router) recordFailure(nodeID string, kind reliability.FailureKind, latency time.Duration) {
	r.tracker.RecordFailure(nodeID, kind, latency)
	attemptFailuresTotal.WithLabelValues(nodeID, string(kind)).Inc()
}

func (r *Router) recordSuccess(nodeID string, latency time.Duration) {
	r.tracker.RecordSuccess(nodeID, latency)
}

// outcomeOf labels an attempt error for the decision trail.
func outcomeOf(err error) string {
	if k, ok := backend.KindOf(err); ok {
		return k.String()
	}
	return "error"
}

// Generate routes one unary generation. The returned RouteDecision is filled
// on both success and failure so callers can see what was tried.
func (r *Router) Generate(ctx context.Context, req types.GenerateRequest) (types.GenerateResponse, types.RouteDecision, error) {
	scope := r.scopeFor(req.Mode, req.Priority, req.TaskKind, req.TimeoutMs)
	decision := types.RouteDecision{RequestID: scope.id, Mode: scope.mode, ModelUsed: req.Model}
	if req.Model == "" {
		return types.GenerateResponse{}, decision, newError(KindBadRequest, "model is required", nil)
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, scope.deadline)
	defer cancel()

	permit, err := r.acquire(ctx, scope)
	if err != nil {
		return types.GenerateResponse{}, decision, err
	}
	defer permit.Release()

	resp, dec, err := r.runAttempts(ctx, scope, req.Model, req.Constraints, decision,
		func(ctx context.Context, n types.Node, model string) (types.GenerateResponse, error) {
			return r.client.Generate(ctx, n, backend.GeneratePayload{
				Model:   model,
				Prompt:  req.Prompt,
				Options: req.Options,
			})
		})
	r.observe(scope.mode, err, time.Since(start))
	return resp, dec, err
}

// attemptFn dispatches one attempt against one node.
type attemptFn func(ctx context.Context, n types.Node, model string) (types.GenerateResponse, error)

// runAttempts walks candidates in order, switching to the next fallback model
// on suspected OOM, until one attempt succeeds or everything is exhausted.
func (r *Router) runAttempts(ctx context.Context, scope requestScope, model string, cons types.Constraints, decision types.RouteDecision, attempt attemptFn) (types.GenerateResponse, types.RouteDecision, error) {
	currentModel := model
	var lastErr *Error
	sawOOM := false
	for {
		cands, err := r.candidatesFor(currentModel, scope.mode, cons)
		if err != nil {
			if decision.FallbackApplied && lastErr != nil {
				break
			}
			return types.GenerateResponse{}, decision, err
		}
		for _, c := range cands {
			if !r.sched.BeginAttempt(c.Node) {
				continue
			}
			decision.Reason = c.Reason
			began := time.Now()
			resp, err := attempt(ctx, c.Node, currentModel)
			latency := time.Since(began)
			r.sched.EndAttempt(c.Node.ID)
			if err == nil {
				r.recordSuccess(c.Node.ID, latency)
				decision.SelectedNodeID = c.Node.ID
				decision.ModelUsed = currentModel
				r.log.Debug().
					Str("request", scope.id).
					Str("node", c.Node.ID).
					Str("model", currentModel).
					Dur("latency", latency).
					Msg("attempt succeeded")
				return resp, decision, nil
			}
			fate, rerr := r.classify(ctx, c.Node.ID, err, latency)
			decision.CandidatesTried = append(decision.CandidatesTried, types.AttemptOutcome{
				NodeID:  c.Node.ID,
				Outcome: outcomeOf(err),
				Latency: latency,
			})
			r.log.Debug().
				Str("request", scope.id).
				Str("node", c.Node.ID).
				Str("model", currentModel).
				Err(err).
				Msg("attempt failed")
			switch fate {
			case fateTerminal:
				rerr.Attempts = decision.CandidatesTried
				return types.GenerateResponse{}, decision, rerr
			case fateFallback:
				sawOOM = true
				lastErr = rerr
			default:
				lastErr = rerr
			}
		}
		if sawOOM {
			if next := r.cat.FallbackAfter(currentModel, scope.taskKind); next != "" {
				r.log.Info().
					Str("request", scope.id).
					Str("from", currentModel).
					Str("to", next).
					Msg("fallback chain engaged")
				fallbacksTotal.Inc()
				currentModel = next
				decision.FallbackApplied = true
				decision.ModelUsed = next
				sawOOM = false
				continue
			}
		}
		break
	}
	kind := KindAllFailed
	msg := "every candidate failed"
	if decision.FallbackApplied {
		kind = KindFallbackExhausted
		msg = "every model in the fallback chain failed"
	}
	err := newError(kind, msg, lastErr)
	err.Attempts = decision.CandidatesTried
	return types.GenerateResponse{}, decision, err
}

// observe feeds the request-level metrics.
func (r *Router) observe(mode types.RoutingMode, err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		if k, ok := KindOf(err); ok {
			outcome = k.String()
		} else {
			outcome = "error"
		}
	}
	requestsTotal.WithLabelValues(string(mode), outcome).Inc()
	requestDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
}

// Embed routes an embeddings request. Embeddings are short-lived, so the
// candidate walk reuses the generate machinery with the embed call inlined.
func (r *Router) Embed(ctx context.Context, req types.EmbedRequest) (types.EmbedResponse, types.RouteDecision, error) {
	scope := r.scopeFor(req.Mode, req.Priority, "", req.TimeoutMs)
	decision := types.RouteDecision{RequestID: scope.id, Mode: scope.mode, ModelUsed: req.Model}
	if req.Model == "" {
		return types.EmbedResponse{}, decision, newError(KindBadRequest, "model is required", nil)
	}
	if len(req.Input) == 0 {
		return types.EmbedResponse{}, decision, newError(KindBadRequest, "input is required", nil)
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, scope.deadline)
	defer cancel()

	permit, err := r.acquire(ctx, scope)
	if err != nil {
		return types.EmbedResponse{}, decision, err
	}
	defer permit.Release()

	var embeddings [][]float64
	_, dec, err := r.runAttempts(ctx, scope, req.Model, req.Constraints, decision,
		func(ctx context.Context, n types.Node, model string) (types.GenerateResponse, error) {
			out, err := r.client.Embed(ctx, n, model, req.Input)
			if err != nil {
				return types.GenerateResponse{}, err
			}
			embeddings = out
			return types.GenerateResponse{Done: true}, nil
		})
	r.observe(scope.mode, err, time.Since(start))
	if err != nil {
		return types.EmbedResponse{}, dec, err
	}
	return types.EmbedResponse{Model: dec.ModelUsed, Embeddings: embeddings}, dec, nil
}
