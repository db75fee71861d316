package types

import "time"

// RoutingMode selects the discipline used to rank candidate nodes.
type RoutingMode string

const (
	ModeFast     RoutingMode = "fast"
	ModeReliable RoutingMode = "reliable"
	ModeAsync    RoutingMode = "async"
)

// ParseRoutingMode maps a config/request string to a RoutingMode.
// Unrecognized values fall back to ModeFast.
func ParseRoutingMode(s string) RoutingMode {
	switch RoutingMode(s) {
	case ModeFast, ModeReliable, ModeAsync:
		return RoutingMode(s)
	default:
		return ModeFast
	}
}

// Constraints narrows candidate selection for a single request.
type Constraints struct {
	MinFreeVRAMBytes int64  `json:"min_free_vram_bytes,omitempty"`
	PinNodeID        string `json:"pin_node_id,omitempty"`
	PreferLocal      bool   `json:"prefer_local,omitempty"`
	PreferCPU        bool   `json:"prefer_cpu,omitempty"`
	// MinSuccessRate overrides the configured floor for RELIABLE mode.
	MinSuccessRate float64 `json:"min_success_rate,omitempty"`
}

// AttemptOutcome records one attempted node and how it ended.
type AttemptOutcome struct {
	NodeID  string        `json:"node_id"`
	Outcome string        `json:"outcome"`
	Latency time.Duration `json:"latency_ns,omitempty"`
}

// RouteDecision explains which node served a request and what was tried first.
// It accompanies every router response, including failures.
type RouteDecision struct {
	RequestID       string           `json:"request_id"`
	SelectedNodeID  string           `json:"selected_node_id,omitempty"`
	Mode            RoutingMode      `json:"mode"`
	Reason          string           `json:"reason"`
	CandidatesTried []AttemptOutcome `json:"candidates_tried,omitempty"`
	ModelUsed       string           `json:"model_used"`
	FallbackApplied bool             `json:"fallback_applied"`
}

// TaskResult is one model's outcome from a distributed fan-out.
type TaskResult struct {
	Model    string        `json:"model"`
	Response string        `json:"response,omitempty"`
	NodeID   string        `json:"node_id,omitempty"`
	Err      string        `json:"error,omitempty"`
	Decision RouteDecision `json:"decision"`
}
