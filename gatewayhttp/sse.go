package gatewayhttp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
)

// sseWriter frames Server-Sent Events onto a streaming response. The
// notification loop and the keep-alive goroutine share it; every frame is a
// single locked write followed by a flush, and nothing is written once ctx
// has ended.
type sseWriter struct {
	mu  sync.Mutex
	w   http.ResponseWriter
	f   http.Flusher
	ctx context.Context
}

func newSSEWriter(ctx context.Context, w http.ResponseWriter, f http.Flusher) *sseWriter {
	return &sseWriter{w: w, f: f, ctx: ctx}
}

// open sends the stream headers.
func (s *sseWriter) open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.f.Flush()
}

// event writes one event. Each line of data becomes its own data field; an
// empty name means the default "message" event.
func (s *sseWriter) event(name string, data []byte) error {
	var buf bytes.Buffer
	if name != "" {
		fmt.Fprintf(&buf, "event: %s\n", name)
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return s.frame(buf.Bytes())
}

// comment writes an empty comment, which clients ignore.
func (s *sseWriter) comment() error {
	return s.frame([]byte(":\n\n"))
}

func (s *sseWriter) frame(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	s.f.Flush()
	return nil
}
