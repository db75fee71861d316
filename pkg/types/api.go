package types

import "encoding/json"

// GenerateRequest is the payload accepted by the router's generate surface.
// Backend-facing fields mirror the backend wire protocol; routing fields are
// stripped before the payload is forwarded.
type GenerateRequest struct {
	// Model to generate with. Required.
	Model string `json:"model"`
	// Prompt text passed through to the backend.
	Prompt string `json:"prompt"`
	// Stream selects NDJSON streaming when true.
	Stream bool `json:"stream,omitempty"`
	// Options is an opaque pass-through bag (temperature, num_predict, ...).
	Options map[string]any `json:"options,omitempty"`

	// Routing fields, consumed by the router.
	Priority  int         `json:"priority,omitempty"`
	Mode      RoutingMode `json:"mode,omitempty"`
	TaskKind  string      `json:"task_kind,omitempty"`
	TimeoutMs int64       `json:"timeout_ms,omitempty"`
	Constraints Constraints `json:"constraints,omitempty"`
}

// GenerateResponse is a decoded unary generate result.
type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	// Raw preserves the backend's full JSON object for pass-through.
	Raw json.RawMessage `json:"-"`
}

// Chunk is one decoded object from a generate stream.
type Chunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Raw      json.RawMessage `json:"-"`
}

// EmbedRequest asks for embeddings of the given input.
type EmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`

	Priority  int         `json:"priority,omitempty"`
	Mode      RoutingMode `json:"mode,omitempty"`
	TimeoutMs int64       `json:"timeout_ms,omitempty"`
	Constraints Constraints `json:"constraints,omitempty"`
}

// EmbedResponse is a decoded embeddings result.
type EmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// DistributeRequest fans one prompt out across several models.
type DistributeRequest struct {
	Prompt   string   `json:"prompt"`
	Models   []string `json:"models"`
	TaskKind string   `json:"task_kind,omitempty"`
	Priority int      `json:"priority,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// ErrorResponse is the consistent JSON error payload of the HTTP surface.
type ErrorResponse struct {
	Error    string         `json:"error"`
	Code     int            `json:"code"`
	Decision *RouteDecision `json:"decision,omitempty"`
}
