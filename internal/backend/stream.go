package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"hydrad/pkg/types"
)

// maxStreamLine bounds a single NDJSON line from a backend.
const maxStreamLine = 4 << 20

// Stream iterates over the NDJSON chunks of one streaming generate call.
// It is lazy, finite, and not restartable: once Next returns an error the
// stream stays failed, and after the terminal done chunk Next returns io.EOF.
// Close must be called on every path.
type Stream struct {
	body     io.ReadCloser
	sc       *bufio.Scanner
	cancel   context.CancelFunc
	nodeID   string
	idle     time.Duration
	watchdog *time.Timer
	timedOut atomic.Bool
	oom      func(string) bool

	err  error
	done bool
}

func newStream(body io.ReadCloser, cancel context.CancelFunc, nodeID string, idle time.Duration, oom func(string) bool) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), maxStreamLine)
	s := &Stream{
		body:   body,
		sc:     sc,
		cancel: cancel,
		nodeID: nodeID,
		idle:   idle,
		oom:    oom,
	}
	// The watchdog tears down the connection when the backend goes silent
	// between chunks. It is reset before every read.
	s.watchdog = time.AfterFunc(idle, func() {
		s.timedOut.Store(true)
		cancel()
	})
	return s
}

// NodeID identifies the node serving this stream.
func (s *Stream) NodeID() string { return s.nodeID }

// Next returns the next chunk. After the terminal done chunk it returns
// io.EOF; any other error is terminal and repeats on subsequent calls.
func (s *Stream) Next() (types.Chunk, error) {
	if s.err != nil {
		return types.Chunk{}, s.err
	}
	if s.done {
		return types.Chunk{}, io.EOF
	}
	for {
		s.watchdog.Reset(s.idle)
		if !s.sc.Scan() {
			s.err = s.scanError()
			return types.Chunk{}, s.err
		}
		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk types.Chunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			s.err = &Error{Kind: KindMalformed, Node: s.nodeID, Msg: "non-JSON stream line", cause: err}
			return types.Chunk{}, s.err
		}
		if s.oom != nil && s.oom(string(line)) && !chunk.Done {
			s.err = &Error{Kind: KindOOMSuspected, Node: s.nodeID, Msg: truncate(string(line))}
			return types.Chunk{}, s.err
		}
		chunk.Raw = append(json.RawMessage(nil), line...)
		if chunk.Done {
			s.done = true
		}
		return chunk, nil
	}
}

// scanError maps the scanner's end state onto the failure taxonomy.
// A clean EOF without a done marker counts as malformed: the backend
// terminates streams with an explicit done=true chunk.
func (s *Stream) scanError() error {
	if err := s.sc.Err(); err != nil {
		if s.timedOut.Load() {
			return &Error{Kind: KindTimeout, Node: s.nodeID, Msg: "idle between chunks", cause: err}
		}
		return &Error{Kind: KindUnreachable, Node: s.nodeID, Msg: "stream read", cause: err}
	}
	return &Error{Kind: KindMalformed, Node: s.nodeID, Msg: "stream closed before done marker"}
}

// Close releases the underlying connection. Safe to call multiple times.
func (s *Stream) Close() error {
	s.watchdog.Stop()
	s.cancel()
	return s.body.Close()
}
