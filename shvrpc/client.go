package shvrpc

import (
	"context"
	"net/url"
	"time"
)

// ClientConfig carries the parameters of a single backend connection.
type ClientConfig struct {
	// URL of the broker. User credentials travel in URL.User.
	URL *url.URL
	// HeartbeatInterval is how often the provider checks the connection is
	// still alive. Zero disables the check.
	HeartbeatInterval time.Duration
}

// Credentials returns the user name and password embedded in the URL.
func (c ClientConfig) Credentials() (string, string) {
	if c.URL == nil || c.URL.User == nil {
		return "", ""
	}
	pw, _ := c.URL.User.Password()
	return c.URL.User.Username(), pw
}

// EventKind identifies a connection lifecycle event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventConnectionFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConnectionFailed:
		return "connection_failed"
	default:
		return "unknown"
	}
}

// FailureKind tells why a connection attempt failed.
type FailureKind int

const (
	FailureNetwork FailureKind = iota
	FailureLogin
)

func (k FailureKind) String() string {
	if k == FailureLogin {
		return "login_failed"
	}
	return "network_error"
}

// ConnectionEvent reports a change in a backend connection's state.
type ConnectionEvent struct {
	Kind EventKind
	// Failure is meaningful for EventConnectionFailed.
	Failure FailureKind
	Err     error
}

// Client is the command handle of one backend connection. Implementations
// are safe for concurrent use.
type Client interface {
	// Call invokes method on path. Failures are *CallError.
	Call(ctx context.Context, path, method string, param Value) (Value, error)
	// Subscribe opens a signal subscription filtered by ri.
	Subscribe(ctx context.Context, ri RI) (Subscriber, error)
	// Terminate closes the connection. It never blocks and is idempotent.
	// The connection's event channel reports the disconnection and is then
	// closed.
	Terminate()
}

// Subscriber yields the frames of one subscription in arrival order.
type Subscriber interface {
	// Next blocks until a frame is available or ctx ends. It returns io.EOF
	// once the subscription is closed or the connection has gone.
	Next(ctx context.Context) (Frame, error)
	// Close ends the subscription. It is idempotent.
	Close() error
}

// Dialer starts backend connections.
type Dialer interface {
	// Dial starts connecting in the background and returns immediately. The
	// first event on the returned channel tells whether the connection (and
	// login) succeeded. The channel is closed once the connection has ended
	// for good; providers never block sending to it.
	Dial(ctx context.Context, cfg ClientConfig) (Client, <-chan ConnectionEvent, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, cfg ClientConfig) (Client, <-chan ConnectionEvent, error)

func (f DialerFunc) Dial(ctx context.Context, cfg ClientConfig) (Client, <-chan ConnectionEvent, error) {
	return f(ctx, cfg)
}

// MethodHandler serves one method of a node. Returning an *RpcError controls
// the error code seen by the caller.
type MethodHandler func(ctx context.Context, param Value) (Value, error)

// EventSink is the producer side of a connection event channel shared by the
// bundled providers. It never blocks: lifecycle events beyond the buffer are
// dropped, and Close always delivers the end of stream.
type EventSink struct {
	ch     chan ConnectionEvent
	closed bool
}

// NewEventSink creates a sink with a small buffer.
func NewEventSink() *EventSink {
	return &EventSink{ch: make(chan ConnectionEvent, 4)}
}

// C returns the consumer side.
func (s *EventSink) C() <-chan ConnectionEvent { return s.ch }

// Send delivers ev unless the buffer is full or the sink is closed. Callers
// serialize Send and Close.
func (s *EventSink) Send(ev ConnectionEvent) {
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// Close ends the stream. Subsequent calls are no-ops.
func (s *EventSink) Close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
