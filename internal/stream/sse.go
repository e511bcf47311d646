package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// SSESink writes events to an open HTTP response. Heartbeats and exchange
// events may come from different goroutines and share one writer lock.
type SSESink struct {
	mu     sync.Mutex
	w      io.Writer
	flush  func() error
	closed bool
}

var errSinkClosed = errors.New("stream: sink closed")

// NewSSESink sets the event-stream headers on w and returns a sink for it.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, errors.New("stream: response writer cannot flush")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	return &SSESink{w: w, flush: rc.Flush}, nil
}

func (s *SSESink) Send(ev Event) error {
	b, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("stream: encode event %q: %w", ev.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	if ev.Retry > 0 {
		if _, err := fmt.Fprintf(s.w, "retry: %d\n", ev.Retry.Milliseconds()); err != nil {
			return err
		}
	}
	if ev.Name != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", ev.Name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	return s.flush()
}

// Heartbeat writes an SSE comment line so proxies keep the connection open.
func (s *SSESink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		return err
	}
	return s.flush()
}

// Close waits for a write in progress and fails every later one. Call it
// before the HTTP handler returns.
func (s *SSESink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
