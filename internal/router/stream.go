package router

import (
	"context"
	"io"
	"sync"
	"time"

	"hydrad/internal/backend"
	"hydrad/internal/reliability"
	"hydrad/internal/scheduler"
	"hydrad/pkg/types"
)

// routedStream wraps a backend stream with the router's bookkeeping. The
// first chunk was already read to commit the route, so it is replayed before
// the underlying stream is consulted again.
type routedStream struct {
	r      *Router
	inner  *backend.Stream
	nodeID string
	mode   types.RoutingMode
	permit *scheduler.Permit
	cancel context.CancelFunc

	first   *types.Chunk
	started time.Time

	mu       sync.Mutex
	finished bool
}

func (s *routedStream) NodeID() string { return s.nodeID }

func (s *routedStream) Next() (types.Chunk, error) {
	if s.first != nil {
		c := *s.first
		s.first = nil
		return c, nil
	}
	c, err := s.inner.Next()
	if err != nil {
		s.finish(err)
	}
	return c, err
}

// finish settles reliability accounting and releases held resources exactly
// once. A clean EOF counts as success; a caller cancellation counts as
// neither success nor failure.
func (s *routedStream) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	elapsed := time.Since(s.started)
	switch {
	case err == io.EOF:
		s.r.recordSuccess(s.nodeID, elapsed)
		s.r.observe(s.mode, nil, elapsed)
	case backend.IsCanceled(err):
		s.r.observe(s.mode, newError(KindCanceled, "", err), elapsed)
	case backend.IsTimeout(err):
		s.r.recordFailure(s.nodeID, reliability.FailTimeout, elapsed)
		s.r.observe(s.mode, newError(KindTimeout, "", err), elapsed)
	case backend.IsOOMSuspected(err):
		s.r.recordFailure(s.nodeID, reliability.FailOOM, elapsed)
		s.r.observe(s.mode, newError(KindAllFailed, "", err), elapsed)
	case backend.IsMalformed(err):
		s.r.recordFailure(s.nodeID, reliability.FailMalformed, elapsed)
		s.r.observe(s.mode, newError(KindMalformed, "", err), elapsed)
	default:
		s.r.recordFailure(s.nodeID, reliability.FailUnreachable, elapsed)
		s.r.observe(s.mode, newError(KindNodeUnreachable, "", err), elapsed)
	}
	s.r.sched.EndAttempt(s.nodeID)
	s.permit.Release()
	s.cancel()
}

func (s *routedStream) Close() error {
	err := s.inner.Close()
	// Closing before the done marker is caller cancellation, not a node
	// fault.
	s.finish(&backend.Error{Kind: backend.KindCanceled, Node: s.nodeID})
	return err
}

// GenerateStream routes a streaming generation. The RouteDecision is
// finalized once the first chunk arrives; failures before that point fail
// over to the next candidate, failures after it are terminal on the returned
// iterator.
func (r *Router) GenerateStream(ctx context.Context, req types.GenerateRequest) (ChunkStream, types.RouteDecision, error) {
	scope := r.scopeFor(req.Mode, req.Priority, req.TaskKind, req.TimeoutMs)
	decision := types.RouteDecision{RequestID: scope.id, Mode: scope.mode, ModelUsed: req.Model}
	if req.Model == "" {
		return nil, decision, newError(KindBadRequest, "model is required", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, scope.deadline)

	permit, err := r.acquire(ctx, scope)
	if err != nil {
		cancel()
		return nil, decision, err
	}

	stream, dec, err := r.openStream(ctx, scope, req, decision, permit, cancel)
	if err != nil {
		permit.Release()
		cancel()
		r.observe(scope.mode, err, 0)
		return nil, dec, err
	}
	return stream, dec, nil
}

// openStream walks candidates until one yields a first chunk.
func (r *Router) openStream(ctx context.Context, scope requestScope, req types.GenerateRequest, decision types.RouteDecision, permit *scheduler.Permit, cancel context.CancelFunc) (*routedStream, types.RouteDecision, error) {
	currentModel := req.Model
	var lastErr *Error
	sawOOM := false
	for {
		cands, err := r.candidatesFor(currentModel, scope.mode, req.Constraints)
		if err != nil {
			if decision.FallbackApplied && lastErr != nil {
				break
			}
			return nil, decision, err
		}
		for _, c := range cands {
			if !r.sched.BeginAttempt(c.Node) {
				continue
			}
			decision.Reason = c.Reason
			began := time.Now()
			payload := backend.GeneratePayload{
				Model:   currentModel,
				Prompt:  req.Prompt,
				Stream:  true,
				Options: req.Options,
			}
			stream, err := r.client.GenerateStream(ctx, c.Node, payload, r.cfg.StreamIdleTimeout)
			var first types.Chunk
			if err == nil {
				first, err = stream.Next()
			}
			if err == nil {
				decision.SelectedNodeID = c.Node.ID
				decision.ModelUsed = currentModel
				r.log.Debug().
					Str("request", scope.id).
					Str("node", c.Node.ID).
					Str("model", currentModel).
					Msg("stream committed")
				return &routedStream{
					r:       r,
					inner:   stream,
					nodeID:  c.Node.ID,
					mode:    scope.mode,
					permit:  permit,
					cancel:  cancel,
					first:   &first,
					started: began,
				}, decision, nil
			}
			if stream != nil {
				stream.Close()
			}
			latency := time.Since(began)
			r.sched.EndAttempt(c.Node.ID)
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
				Msg("stream open failed")
			switch fate {
			case fateTerminal:
				rerr.Attempts = decision.CandidatesTried
				return nil, decision, rerr
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
	return nil, decision, err
}
