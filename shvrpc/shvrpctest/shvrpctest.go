// Package shvrpctest holds a conformance suite for shvrpc.Dialer
// implementations.
package shvrpctest

import (
	"context"
	"errors"
	"io"
	"net/url"
	"slices"
	"testing"
	"time"

	"github.com/ggoodman/shv-http-gateway/shvrpc"
)

// Harness exposes the provider-specific knobs the suite needs.
type Harness interface {
	Dialer() shvrpc.Dialer
	// BrokerURL returns the broker URL without credentials.
	BrokerURL() *url.URL
	AddUser(t *testing.T, name, password string)
	// Mount makes a node serving methods reachable at path. It returns once
	// the node accepts calls.
	Mount(t *testing.T, path string, methods map[string]shvrpc.MethodHandler)
	// Signal emits a signal from path.
	Signal(t *testing.T, path, method, signal string, param shvrpc.Value)
}

// HarnessFactory creates a fresh, isolated harness.
type HarnessFactory func(t *testing.T) Harness

// RunDialerTests runs the complete suite against the provider created by
// factory.
func RunDialerTests(t *testing.T, factory HarnessFactory) {
	t.Run("Connect_ValidCredentials", func(t *testing.T) { testConnect(t, factory) })
	t.Run("Connect_BadCredentials", func(t *testing.T) { testBadCredentials(t, factory) })
	t.Run("Call_BrokerLs", func(t *testing.T) { testBrokerLs(t, factory) })
	t.Run("Call_EchoRoundTrip", func(t *testing.T) { testEchoRoundTrip(t, factory) })
	t.Run("Call_MethodNotFound", func(t *testing.T) { testMethodNotFound(t, factory) })
	t.Run("Call_HandlerError", func(t *testing.T) { testHandlerError(t, factory) })
	t.Run("Subscribe_ReceivesMatchingSignals", func(t *testing.T) { testSubscribeMatching(t, factory) })
	t.Run("Subscribe_CloseEndsStream", func(t *testing.T) { testSubscribeClose(t, factory) })
	t.Run("Terminate_ClosesEverything", func(t *testing.T) { testTerminate(t, factory) })
}

// WithCredentials returns a copy of u carrying the given user.
func WithCredentials(u *url.URL, user, password string) *url.URL {
	c := *u
	c.User = url.UserPassword(user, password)
	return &c
}

// Connect dials with the given credentials and waits for the Connected
// event, failing the test otherwise.
func Connect(t *testing.T, h Harness, user, password string) (shvrpc.Client, <-chan shvrpc.ConnectionEvent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, events, err := h.Dialer().Dial(ctx, shvrpc.ClientConfig{URL: WithCredentials(h.BrokerURL(), user, password)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ev := FirstEvent(t, events)
	if ev.Kind != shvrpc.EventConnected {
		t.Fatalf("expected connected event, got %v (%v)", ev.Kind, ev.Err)
	}
	t.Cleanup(c.Terminate)
	return c, events
}

// FirstEvent waits for the next connection event.
func FirstEvent(t *testing.T, events <-chan shvrpc.ConnectionEvent) shvrpc.ConnectionEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("event channel closed before first event")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for connection event")
	}
	return shvrpc.ConnectionEvent{}
}

func echo(_ context.Context, p shvrpc.Value) (shvrpc.Value, error) { return p, nil }

func testConnect(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	h.AddUser(t, "admin", "admin")
	Connect(t, h, "admin", "admin")
}

func testBadCredentials(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	h.AddUser(t, "admin", "admin")

	for _, creds := range [][2]string{{"admin", "wrong"}, {"whoa", "idk"}} {
		_, events, err := h.Dialer().Dial(context.Background(), shvrpc.ClientConfig{URL: WithCredentials(h.BrokerURL(), creds[0], creds[1])})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		ev := FirstEvent(t, events)
		if ev.Kind != shvrpc.EventConnectionFailed || ev.Failure != shvrpc.FailureLogin {
			t.Fatalf("%s: expected login failure, got %v/%v", creds[0], ev.Kind, ev.Failure)
		}
		waitClosed(t, events)
	}
}

func testBrokerLs(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	h.AddUser(t, "admin", "admin")
	h.Mount(t, "test/device/value", map[string]shvrpc.MethodHandler{"echo": echo})
	c, _ := Connect(t, h, "admin", "admin")

	res, err := c.Call(context.Background(), shvrpc.BrokerNodePath, "ls", nil)
	if err != nil {
		t.Fatalf(".broker:ls: %v", err)
	}
	var children []string
	if err := res.Decode(&children); err != nil {
		t.Fatalf("decode %s: %v", res, err)
	}
	if len(children) == 0 {
		t.Fatalf(".broker:ls should return a non-empty list")
	}

	res, err = c.Call(context.Background(), "", "ls", nil)
	if err != nil {
		t.Fatalf(":ls: %v", err)
	}
	children = nil
	if err := res.Decode(&children); err != nil {
		t.Fatalf("decode %s: %v", res, err)
	}
	if !slices.Contains(children, "test") {
		t.Fatalf("root ls should list mounted node, got %v", children)
	}
}

func testEchoRoundTrip(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	h.AddUser(t, "admin", "admin")
	h.Mount(t, "test/device/value", map[string]shvrpc.MethodHandler{"echo": echo})
	c, _ := Connect(t, h, "admin", "admin")

	for _, in := range []shvrpc.Value{
		shvrpc.MustValue(42),
		shvrpc.MustValue("test"),
		shvrpc.MustValue(map[string]any{"1": "foo", "2": 42}),
	} {
		out, err := c.Call(context.Background(), "test/device/value", "echo", in)
		if err != nil {
			t.Fatalf("echo %s: %v", in, err)
		}
		if !in.Equal(out) {
			t.Fatalf("echo mismatch: sent %s got %s", in, out)
		}
	}
}

func testMethodNotFound(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	h.AddUser(t, "admin", "admin")
	c, _ := Connect(t, h, "admin", "admin")

	_, err := c.Call(context.Background(), "no/such/node", "anything", nil)
	var ce *shvrpc.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CallError, got %v", err)
	}
	if ce.Kind != shvrpc.KindRpcError || ce.Rpc.Code != shvrpc.CodeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %s", ce.Tag())
	}
}

func testHandlerError(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	h.AddUser(t, "admin", "admin")
	h.Mount(t, "test/device/locked", map[string]shvrpc.MethodHandler{
		"set": func(context.Context, shvrpc.Value) (shvrpc.Value, error) {
			return nil, shvrpc.NewRpcError(shvrpc.CodePermissionDenied, "read only")
		},
	})
	c, _ := Connect(t, h, "admin", "admin")

	_, err := c.Call(context.Background(), "test/device/locked", "set", shvrpc.MustValue(1))
	var ce *shvrpc.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CallError, got %v", err)
	}
	if got := ce.Tag(); got != "RpcError(PermissionDenied)" {
		t.Fatalf("unexpected tag %s", got)
	}
}

func testSubscribeMatching(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	h.AddUser(t, "admin", "admin")
	c, _ := Connect(t, h, "admin", "admin")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, shvrpc.MustParseRI("test/device/value:*:*"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	h.Signal(t, "test/device/other", "get", "chng", shvrpc.MustValue(1))
	h.Signal(t, "test/device/value", "get", "event", shvrpc.MustValue(42))

	f, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	msg, err := f.Message()
	if err != nil {
		t.Fatalf("decode %s: %v", f, err)
	}
	if msg.Path != "test/device/value" || msg.Signal != "event" || !msg.Param.Equal(shvrpc.MustValue(42)) {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func testSubscribeClose(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	h.AddUser(t, "admin", "admin")
	c, _ := Connect(t, h, "admin", "admin")

	sub, err := c.Subscribe(context.Background(), shvrpc.MustParseRI("**:*:*"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
}

func testTerminate(t *testing.T, factory HarnessFactory) {
	h := factory(t)
	h.AddUser(t, "admin", "admin")
	h.Mount(t, "test/device/value", map[string]shvrpc.MethodHandler{"echo": echo})
	c, events := Connect(t, h, "admin", "admin")

	sub, err := c.Subscribe(context.Background(), shvrpc.MustParseRI("**:*:*"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	c.Terminate()
	c.Terminate()

	ev := FirstEvent(t, events)
	if ev.Kind != shvrpc.EventDisconnected {
		t.Fatalf("expected disconnected, got %v", ev.Kind)
	}
	waitClosed(t, events)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after terminate, got %v", err)
	}

	_, err = c.Call(context.Background(), "test/device/value", "echo", shvrpc.MustValue(1))
	var ce *shvrpc.CallError
	if !errors.As(err, &ce) || ce.Kind != shvrpc.KindConnectionClosed {
		t.Fatalf("expected ConnectionClosed, got %v", err)
	}
}

func waitClosed(t *testing.T, events <-chan shvrpc.ConnectionEvent) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("event channel not closed")
		}
	}
}
