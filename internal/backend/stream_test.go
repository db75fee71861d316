package backend

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

type stringBody struct {
	*strings.Reader
	closed bool
}

func (b *stringBody) Close() error {
	b.closed = true
	return nil
}

func newTestStream(body string, oom func(string) bool) (*Stream, *stringBody) {
	rb := &stringBody{Reader: strings.NewReader(body)}
	_, cancel := context.WithCancel(context.Background())
	return newStream(rb, cancel, "n1", time.Minute, oom), rb
}

func TestStreamDecodesChunks(t *testing.T) {
	s, _ := newTestStream(
		"{\"model\":\"m\",\"response\":\"he\",\"done\":false}\n"+
			"\n"+
			"{\"model\":\"m\",\"response\":\"llo\",\"done\":true}\n", nil)
	defer s.Close()

	first, err := s.Next()
	if err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if first.Response != "he" || first.Done {
		t.Fatalf("first chunk: %+v", first)
	}
	if len(first.Raw) == 0 {
		t.Fatalf("raw line not kept")
	}

	last, err := s.Next()
	if err != nil {
		t.Fatalf("last chunk: %v", err)
	}
	if !last.Done {
		t.Fatalf("done marker lost: %+v", last)
	}

	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("after done: %v", err)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("EOF not sticky: %v", err)
	}
}

func TestStreamMalformedLine(t *testing.T) {
	s, _ := newTestStream("{\"response\":\"ok\",\"done\":false}\ngarbage line\n", nil)
	defer s.Close()

	if _, err := s.Next(); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	_, err := s.Next()
	if !IsMalformed(err) {
		t.Fatalf("expected malformed, got %v", err)
	}
	if _, again := s.Next(); again != err {
		t.Fatalf("error not sticky: %v vs %v", again, err)
	}
}

func TestStreamTruncatedWithoutDone(t *testing.T) {
	s, _ := newTestStream("{\"response\":\"partial\",\"done\":false}\n", nil)
	defer s.Close()

	if _, err := s.Next(); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	_, err := s.Next()
	if !IsMalformed(err) {
		t.Fatalf("truncated stream should be malformed, got %v", err)
	}
}

func TestStreamOOMLine(t *testing.T) {
	oom := func(s string) bool { return strings.Contains(s, "out of memory") }
	s, _ := newTestStream("{\"error\":\"cuda out of memory\",\"done\":false}\n", oom)
	defer s.Close()

	_, err := s.Next()
	if !IsOOMSuspected(err) {
		t.Fatalf("expected OOM, got %v", err)
	}
}

func TestStreamDoneLineSkipsOOMSniff(t *testing.T) {
	oom := func(s string) bool { return strings.Contains(s, "memory") }
	// Final stats line can mention memory without being a failure.
	s, _ := newTestStream("{\"response\":\"memory usage: 2GiB\",\"done\":true}\n", oom)
	defer s.Close()

	chunk, err := s.Next()
	if err != nil {
		t.Fatalf("done chunk misclassified: %v", err)
	}
	if !chunk.Done {
		t.Fatalf("chunk: %+v", chunk)
	}
}

func TestStreamCloseReleasesBody(t *testing.T) {
	s, body := newTestStream("{\"done\":true}\n", nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !body.closed {
		t.Fatalf("body not closed")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
