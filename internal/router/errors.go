package router

import (
	"errors"
	"fmt"
	"strings"

	"hydrad/pkg/types"
)

// Kind classifies a routing failure for callers and the HTTP error mapper.
type Kind int

const (
	// KindBadRequest marks caller mistakes: missing model, bad payloads,
	// backend 4xx responses.
	KindBadRequest Kind = iota
	// KindNodeUnreachable means no usable node existed for the request.
	KindNodeUnreachable
	// KindOverloaded is admission backpressure from the scheduler queue.
	KindOverloaded
	// KindCanceled means the caller withdrew the request.
	KindCanceled
	// KindDeadline means the caller's deadline expired before completion.
	KindDeadline
	// KindTimeout means a backend attempt exceeded its per-attempt deadline.
	KindTimeout
	// KindAllFailed means every candidate was tried and every attempt failed.
	KindAllFailed
	// KindMalformed means the winning backend produced undecodable output.
	KindMalformed
	// KindFallbackExhausted means every model in a fallback chain failed.
	KindFallbackExhausted
)

var kindNames = map[Kind]string{
	KindBadRequest:        "bad_request",
	KindNodeUnreachable:   "node_unreachable",
	KindOverloaded:        "overloaded",
	KindCanceled:          "canceled",
	KindDeadline:          "deadline_exceeded",
	KindTimeout:           "timeout",
	KindAllFailed:         "all_candidates_failed",
	KindMalformed:         "malformed_response",
	KindFallbackExhausted: "fallback_exhausted",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is the router's failure type. Attempts carries the per-node outcomes
// accumulated before the request was given up on.
type Error struct {
	Kind     Kind
	Msg      string
	Attempts []types.AttemptOutcome
	cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.Attempts) > 0 {
		parts := make([]string, len(e.Attempts))
		for i, a := range e.Attempts {
			parts[i] = fmt.Sprintf("%s=%s", a.NodeID, a.Outcome)
		}
		fmt.Fprintf(&b, " (tried %s)", strings.Join(parts, ", "))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// KindOf extracts the router failure kind from err.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsBadRequest reports a caller-side error.
func IsBadRequest(err error) bool { return is(err, KindBadRequest) }

// IsNodeUnreachable reports that no node could serve the request.
func IsNodeUnreachable(err error) bool { return is(err, KindNodeUnreachable) }

// IsOverloaded reports scheduler backpressure.
func IsOverloaded(err error) bool { return is(err, KindOverloaded) }

// IsCanceled reports caller cancellation.
func IsCanceled(err error) bool { return is(err, KindCanceled) }

// IsDeadline reports caller deadline expiry.
func IsDeadline(err error) bool { return is(err, KindDeadline) }

// IsTimeout reports a per-attempt timeout.
func IsTimeout(err error) bool { return is(err, KindTimeout) }

// IsAllFailed reports exhaustion of the candidate list.
func IsAllFailed(err error) bool { return is(err, KindAllFailed) }
