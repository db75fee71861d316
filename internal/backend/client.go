package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hydrad/pkg/types"
)

// maxErrorBody bounds how much of an error response body is read for
// classification and messages.
const maxErrorBody = 32 * 1024

// ClientConfig carries the tunables for a Client.
type ClientConfig struct {
	ConnectTimeout  time.Duration // dial timeout, default 10s
	ProbeTimeout    time.Duration // tags/ps timeout, default 5s
	GenerateTimeout time.Duration // per-attempt generate timeout, default 1800s
	// OOMMatcher classifies response/error text as memory exhaustion.
	// Nil disables OOM classification.
	OOMMatcher func(string) bool
	Logger     zerolog.Logger
}

// Client speaks the backend HTTP+JSON protocol to individual nodes.
// It carries no registry or reliability state.
type Client struct {
	httpc       *http.Client
	probeTO     time.Duration
	generateTO  time.Duration
	looksLikeOOM func(string) bool
	log         zerolog.Logger
}

// NewClient constructs a Client. The underlying http.Client has no global
// response timeout; every call bounds itself with a context deadline so that
// multi-minute inferences and short probes can share one transport.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 1800 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0,
	}
	matcher := cfg.OOMMatcher
	if matcher == nil {
		matcher = func(string) bool { return false }
	}
	return &Client{
		httpc:        &http.Client{Transport: transport},
		probeTO:      cfg.ProbeTimeout,
		generateTO:   cfg.GenerateTimeout,
		looksLikeOOM: matcher,
		log:          cfg.Logger,
	}
}

// GeneratePayload is the body of a generate call. Options pass through
// untouched under the backend's "options" key.
type GeneratePayload struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type tagsResponse struct {
	Models []types.ModelInfo `json:"models"`
}

type psModel struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	SizeVRAM  int64  `json:"size_vram"`
	ExpiresAt string `json:"expires_at"`
}

type psResponse struct {
	Models []psModel `json:"models"`
}

// Tags lists the models a node can serve. Short timeout; used by discovery
// and the monitor as the liveness probe.
func (c *Client) Tags(ctx context.Context, node types.Node) ([]types.ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTO)
	defer cancel()
	var out tagsResponse
	if err := c.getJSON(ctx, node, "/api/tags", &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Running lists the models currently loaded on a node.
func (c *Client) Running(ctx context.Context, node types.Node) ([]types.LoadedModel, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTO)
	defer cancel()
	var out psResponse
	if err := c.getJSON(ctx, node, "/api/ps", &out); err != nil {
		return nil, err
	}
	models := make([]types.LoadedModel, 0, len(out.Models))
	for _, m := range out.Models {
		lm := types.LoadedModel{Name: m.Name, SizeBytes: m.Size, VRAMBytes: m.SizeVRAM}
		if m.ExpiresAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, m.ExpiresAt); err == nil {
				lm.ExpiresAt = t
			}
		}
		models = append(models, lm)
	}
	return models, nil
}

// Generate performs a unary generate call. The per-attempt timeout is the
// smaller of the client default and any deadline already on ctx.
func (c *Client) Generate(ctx context.Context, node types.Node, payload GeneratePayload) (types.GenerateResponse, error) {
	payload.Stream = false
	ctx, cancel := context.WithTimeout(ctx, c.generateTO)
	defer cancel()

	resp, err := c.post(ctx, node, "/api/generate", payload)
	if err != nil {
		return types.GenerateResponse{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.GenerateResponse{}, c.classify(ctx, node, err)
	}
	var out types.GenerateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return types.GenerateResponse{}, &Error{Kind: KindMalformed, Node: node.ID, Msg: "invalid generate response", cause: err}
	}
	if c.looksLikeOOM(string(body)) && !out.Done {
		return types.GenerateResponse{}, &Error{Kind: KindOOMSuspected, Node: node.ID, Msg: truncate(string(body))}
	}
	out.Raw = json.RawMessage(body)
	return out, nil
}

// GenerateStream starts a streaming generate call and returns a lazy, finite,
// non-restartable iterator over NDJSON chunks. idleTimeout bounds the gap
// between consecutive chunks; zero means the client's generate timeout.
func (c *Client) GenerateStream(ctx context.Context, node types.Node, payload GeneratePayload, idleTimeout time.Duration) (*Stream, error) {
	payload.Stream = true
	if idleTimeout <= 0 {
		idleTimeout = c.generateTO
	}
	ctx, cancel := context.WithTimeout(ctx, c.generateTO)

	resp, err := c.post(ctx, node, "/api/generate", payload)
	if err != nil {
		cancel()
		return nil, err
	}
	return newStream(resp.Body, cancel, node.ID, idleTimeout, c.looksLikeOOM), nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed computes embeddings for the given input on a node.
func (c *Client) Embed(ctx context.Context, node types.Node, model string, input []string) ([][]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.generateTO)
	defer cancel()
	resp, err := c.post(ctx, node, "/api/embed", embedRequest{Model: model, Input: input})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out embedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&out); err != nil {
		return nil, &Error{Kind: KindMalformed, Node: node.ID, Msg: "invalid embed response", cause: err}
	}
	return out.Embeddings, nil
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, node types.Node, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.BaseURL()+path, nil)
	if err != nil {
		return &Error{Kind: KindUnreachable, Node: node.ID, Msg: "build request", cause: err}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return c.classify(ctx, node, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.statusError(node, resp)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return &Error{Kind: KindMalformed, Node: node.ID, Msg: "invalid JSON from " + path, cause: err}
	}
	return nil
}

// post sends a JSON body and returns the raw response with status already
// checked. The caller owns resp.Body on success.
func (c *Client) post(ctx context.Context, node types.Node, path string, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Node: node.ID, Msg: "encode request", cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.BaseURL()+path, bytes.NewReader(buf))
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Node: node.ID, Msg: "build request", cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, c.classify(ctx, node, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(node, resp)
	}
	return resp, nil
}

// statusError turns a non-200 response into a typed Error, sniffing 5xx
// bodies for OOM signatures.
func (c *Client) statusError(node types.Node, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(b))
	if resp.StatusCode >= 500 && c.looksLikeOOM(msg) {
		return &Error{Kind: KindOOMSuspected, Status: resp.StatusCode, Node: node.ID, Msg: truncate(msg)}
	}
	return &Error{Kind: KindHTTPStatus, Status: resp.StatusCode, Node: node.ID, Msg: truncate(msg)}
}

// classify maps transport errors onto the failure taxonomy.
func (c *Client) classify(ctx context.Context, node types.Node, err error) error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return &Error{Kind: KindCanceled, Node: node.ID, cause: err}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Node: node.ID, cause: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &Error{Kind: KindTimeout, Node: node.ID, cause: err}
	}
	return &Error{Kind: KindUnreachable, Node: node.ID, Msg: fmt.Sprintf("%v", err), cause: err}
}

func truncate(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
