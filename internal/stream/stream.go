// Package stream lets a client open a server-sent event channel in one
// request and start the streamed exchange that feeds it in another. The
// channel is addressed by a numeric handle that serves exactly one
// exchange and is reclaimed when the exchange ends or when it sits
// unbound past the idle timeout.
package stream

import (
	"errors"
	"fmt"
	"time"
)

type State int

const (
	Open State = iota
	Bound
	Closed
	Expired
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Bound:
		return "bound"
	case Closed:
		return "closed"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) terminal() bool { return s == Closed || s == Expired }

// Event is one server-sent event. Data is encoded as JSON.
type Event struct {
	Name  string
	Data  any
	Retry time.Duration
}

// Sink receives the events of one handle in order.
type Sink interface {
	Send(Event) error
}

// ErrHandleNotFound is returned for handles that never existed, were
// already used, were closed or expired.
var ErrHandleNotFound = errors.New("stream handle not found")

// SinkWriteError means the client side of a handle stopped accepting
// events. The exchange has been aborted and the handle closed.
type SinkWriteError struct {
	Handle int64
	Err    error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("stream handle %d: sink write failed: %v", e.Handle, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }
