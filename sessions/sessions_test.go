package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/shv-http-gateway/shvrpc"
	"github.com/ggoodman/shv-http-gateway/shvrpc/memorybroker"
	"golang.org/x/sync/errgroup"
)

type recorder struct {
	mu      sync.Mutex
	states  []ActorState
	changed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{changed: make(chan struct{}, 1)}
}

func (r *recorder) observe(s ActorState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// mark returns a position; waitFor only considers states reported after it.
func (r *recorder) mark() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *recorder) latest(id string) (ActorState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.states) - 1; i >= 0; i-- {
		if r.states[i].SessionID == id {
			return r.states[i], true
		}
	}
	return ActorState{}, false
}

func (r *recorder) waitFor(t *testing.T, from int, id string, pred func(ActorState) bool) ActorState {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		for i := from; i < len(r.states); i++ {
			if s := r.states[i]; s.SessionID == id && pred(s) {
				r.mu.Unlock()
				return s
			}
		}
		r.mu.Unlock()
		select {
		case <-r.changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timeout waiting for actor state of %s", id)
		}
	}
}

func done(s ActorState) bool { return s.Done }

type fixture struct {
	broker *memorybroker.Broker
	mgr    *Manager
	rec    *recorder
}

func newFixture(t *testing.T, timeout time.Duration, maxSessions int, opts ...memorybroker.Option) *fixture {
	t.Helper()
	opts = append([]memorybroker.Option{
		memorybroker.WithUser("admin", "admin"),
		memorybroker.WithUser("test", "test"),
	}, opts...)
	b := memorybroker.New(opts...)
	b.Mount("test/device/value", map[string]shvrpc.MethodHandler{
		"echo": func(_ context.Context, p shvrpc.Value) (shvrpc.Value, error) { return p, nil },
	})
	rec := newRecorder()
	mgr, err := NewManager(b, ManagerConfig{
		BrokerURL:       &url.URL{Scheme: "memory", Host: "test"},
		MaxUserSessions: maxSessions,
		SessionTimeout:  timeout,
		Logger:          slog.New(slog.DiscardHandler),
		Observer:        rec.observe,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)
	return &fixture{broker: b, mgr: mgr, rec: rec}
}

func (f *fixture) login(t *testing.T, user, password string) *Session {
	t.Helper()
	id, err := f.mgr.Login(context.Background(), user, password)
	if err != nil {
		t.Fatalf("login %s: %v", user, err)
	}
	sess, ok := f.mgr.Lookup(id)
	if !ok {
		t.Fatalf("session %s not found right after login", id)
	}
	return sess
}

func TestLoginAndCall(t *testing.T) {
	f := newFixture(t, time.Minute, 10)
	sess := f.login(t, "admin", "admin")

	if len(sess.ID()) != 40 {
		t.Fatalf("expected 40 character session id, got %q", sess.ID())
	}
	if sess.Username() != "admin" {
		t.Fatalf("unexpected username %q", sess.Username())
	}
	res, err := sess.Call(context.Background(), ".broker", "ls", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var children []string
	if err := res.Decode(&children); err != nil || len(children) == 0 {
		t.Fatalf("expected non-empty ls result, got %s (%v)", res, err)
	}
	if f.mgr.Store().Len() != 1 {
		t.Fatalf("expected one stored session, got %d", f.mgr.Store().Len())
	}
}

func TestLoginBadCredentials(t *testing.T) {
	f := newFixture(t, time.Minute, 10)
	for _, creds := range [][2]string{{"admin", "wrong"}, {"whoa", "idk"}} {
		if _, err := f.mgr.Login(context.Background(), creds[0], creds[1]); !errors.Is(err, ErrBadCredentials) {
			t.Fatalf("%s: expected ErrBadCredentials, got %v", creds[0], err)
		}
	}
	if f.mgr.Store().Len() != 0 || f.broker.Clients() != 0 {
		t.Fatalf("failed logins must leave nothing behind")
	}
}

func TestLoginBrokerUnavailable(t *testing.T) {
	f := newFixture(t, time.Minute, 10)
	f.broker.SetReachable(false)
	if _, err := f.mgr.Login(context.Background(), "admin", "admin"); !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
}

func TestLoginClientStartFailure(t *testing.T) {
	dialer := shvrpc.DialerFunc(func(context.Context, shvrpc.ClientConfig) (shvrpc.Client, <-chan shvrpc.ConnectionEvent, error) {
		return nil, nil, errors.New("no runtime")
	})
	mgr, err := NewManager(dialer, ManagerConfig{BrokerURL: &url.URL{Scheme: "memory"}, Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer mgr.Close()
	if _, err := mgr.Login(context.Background(), "admin", "admin"); !errors.Is(err, ErrClientStart) {
		t.Fatalf("expected ErrClientStart, got %v", err)
	}
}

type silentClient struct{ terminated atomic.Bool }

func (c *silentClient) Call(context.Context, string, string, shvrpc.Value) (shvrpc.Value, error) {
	return nil, shvrpc.ConnectionClosed("", "", nil)
}

func (c *silentClient) Subscribe(context.Context, shvrpc.RI) (shvrpc.Subscriber, error) {
	return nil, errors.New("not connected")
}

func (c *silentClient) Terminate() { c.terminated.Store(true) }

func TestLoginCancelledWhileConnecting(t *testing.T) {
	client := &silentClient{}
	dialer := shvrpc.DialerFunc(func(context.Context, shvrpc.ClientConfig) (shvrpc.Client, <-chan shvrpc.ConnectionEvent, error) {
		return client, make(chan shvrpc.ConnectionEvent), nil
	})
	mgr, err := NewManager(dialer, ManagerConfig{BrokerURL: &url.URL{Scheme: "memory"}, Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := mgr.Login(ctx, "admin", "admin"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !client.terminated.Load() {
		t.Fatalf("abandoned client must be terminated")
	}
}

func TestSessionLimitUnderConcurrentLogins(t *testing.T) {
	f := newFixture(t, time.Minute, 10)

	var ok, limited atomic.Int64
	var g errgroup.Group
	for range 15 {
		g.Go(func() error {
			_, err := f.mgr.Login(context.Background(), "test", "test")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrSessionLimit):
				limited.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected login error: %v", err)
	}
	if ok.Load() != 10 || limited.Load() != 5 {
		t.Fatalf("expected 10 ok and 5 limited, got %d and %d", ok.Load(), limited.Load())
	}
	if n := f.mgr.Store().CountUser("test"); n != 10 {
		t.Fatalf("expected 10 stored sessions, got %d", n)
	}
	if n := f.broker.Clients(); n != 10 {
		t.Fatalf("rejected connections must be terminated, %d clients remain", n)
	}

	// Other users are not affected by the cap of "test".
	f.login(t, "admin", "admin")
}

func TestBadCredentialsAtCapAreUnauthorized(t *testing.T) {
	f := newFixture(t, time.Minute, 1)
	f.login(t, "admin", "admin")
	if _, err := f.mgr.Login(context.Background(), "admin", "nope"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
	if _, err := f.mgr.Login(context.Background(), "admin", "admin"); !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("expected ErrSessionLimit, got %v", err)
	}
}

func TestTimeoutRemovesSession(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 10)
	sess := f.login(t, "admin", "admin")

	s := f.rec.waitFor(t, 0, sess.ID(), done)
	if s.Reason != ReasonTimeout {
		t.Fatalf("expected timeout, got %s", s.Reason)
	}
	if _, ok := f.mgr.Lookup(sess.ID()); ok {
		t.Fatalf("timed out session still valid")
	}
	if f.broker.Clients() != 0 {
		t.Fatalf("backend connection still open")
	}
}

func TestActivityExtendsTimeout(t *testing.T) {
	f := newFixture(t, 300*time.Millisecond, 10)
	sess := f.login(t, "admin", "admin")

	for range 6 {
		time.Sleep(100 * time.Millisecond)
		if _, err := sess.Call(context.Background(), "test/device/value", "echo", shvrpc.MustValue(1)); err != nil {
			t.Fatalf("call: %v", err)
		}
	}
	if _, ok := f.mgr.Lookup(sess.ID()); !ok {
		t.Fatalf("active session expired")
	}
	f.rec.waitFor(t, 0, sess.ID(), done)
}

func TestSubscriptionSuppressesTimeout(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 10)
	sess := f.login(t, "admin", "admin")

	sub, err := sess.Subscribe(context.Background(), shvrpc.MustParseRI("test/**:*:*"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	f.rec.waitFor(t, 0, sess.ID(), func(s ActorState) bool { return s.Subscriptions == 1 && !s.TimerArmed })

	time.Sleep(300 * time.Millisecond)
	if _, ok := f.mgr.Lookup(sess.ID()); !ok {
		t.Fatalf("session expired while subscribed")
	}

	m := f.rec.mark()
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.rec.waitFor(t, m, sess.ID(), func(s ActorState) bool { return s.Subscriptions == 0 && s.TimerArmed })
	s := f.rec.waitFor(t, m, sess.ID(), done)
	if s.Reason != ReasonTimeout {
		t.Fatalf("expected timeout after last subscription closed, got %s", s.Reason)
	}
}

func TestSubscriptionCloseIsCountedOnce(t *testing.T) {
	f := newFixture(t, time.Minute, 10)
	sess := f.login(t, "admin", "admin")

	ri := shvrpc.MustParseRI("test/**:*:*")
	sub1, err := sess.Subscribe(context.Background(), ri)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub2, err := sess.Subscribe(context.Background(), ri)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	f.rec.waitFor(t, 0, sess.ID(), func(s ActorState) bool { return s.Subscriptions == 2 })

	_ = sub1.Close()
	_ = sub1.Close()
	_ = sub1.Close()
	time.Sleep(100 * time.Millisecond)
	if s, _ := f.rec.latest(sess.ID()); s.Subscriptions != 1 || s.TimerArmed {
		t.Fatalf("expected one open subscription with timer disabled, got %+v", s)
	}

	m := f.rec.mark()
	_ = sub2.Close()
	f.rec.waitFor(t, m, sess.ID(), func(s ActorState) bool { return s.Subscriptions == 0 && s.TimerArmed && !s.Done })
}

func TestRejectedSubscribePostsNothing(t *testing.T) {
	f := newFixture(t, time.Minute, 10, memorybroker.WithSubscribeAuthorizer(func(string, shvrpc.RI) error {
		return errors.New("denied")
	}))
	sess := f.login(t, "admin", "admin")

	if _, err := sess.Subscribe(context.Background(), shvrpc.MustParseRI("test/**:*:*")); err == nil {
		t.Fatalf("expected subscribe to fail")
	}
	time.Sleep(50 * time.Millisecond)
	if s, _ := f.rec.latest(sess.ID()); s.Subscriptions != 0 || !s.TimerArmed {
		t.Fatalf("rejected subscription changed actor state: %+v", s)
	}
}

func TestLogoutRemovesSession(t *testing.T) {
	f := newFixture(t, time.Minute, 10)
	sess := f.login(t, "admin", "admin")

	sess.Logout(context.Background())

	s := f.rec.waitFor(t, 0, sess.ID(), done)
	if s.Reason != ReasonLogout {
		t.Fatalf("expected logout, got %s", s.Reason)
	}
	if _, ok := f.mgr.Lookup(sess.ID()); ok {
		t.Fatalf("session valid after logout")
	}
	_, err := sess.Call(context.Background(), "test/device/value", "echo", shvrpc.MustValue(1))
	var ce *shvrpc.CallError
	if !errors.As(err, &ce) || ce.Kind != shvrpc.KindConnectionClosed {
		t.Fatalf("expected ConnectionClosed from stale handle, got %v", err)
	}
}

func TestBackendDisconnectRemovesSession(t *testing.T) {
	f := newFixture(t, time.Minute, 10)
	sess := f.login(t, "admin", "admin")

	f.broker.DropClients()

	s := f.rec.waitFor(t, 0, sess.ID(), done)
	if s.Reason != ReasonDisconnect {
		t.Fatalf("expected disconnected, got %s", s.Reason)
	}
}

func TestCloseEndsEverySession(t *testing.T) {
	f := newFixture(t, time.Minute, 10)
	f.login(t, "admin", "admin")
	f.login(t, "test", "test")

	f.mgr.Close()

	if n := f.mgr.Store().Len(); n != 0 {
		t.Fatalf("expected empty store after close, got %d", n)
	}
	if n := f.broker.Clients(); n != 0 {
		t.Fatalf("expected no backend connections after close, got %d", n)
	}
	if _, err := f.mgr.Login(context.Background(), "admin", "admin"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSubscriptionStream(t *testing.T) {
	f := newFixture(t, time.Minute, 10)
	sess := f.login(t, "admin", "admin")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := sess.Subscribe(ctx, shvrpc.MustParseRI("test/device/value:*:*"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	f.broker.Signal("test/device/value", "get", "event", shvrpc.MustValue(42))
	f.broker.InjectFrame(shvrpc.Frame(`{"path":"test/device/value"}`))
	f.broker.Signal("test/device/value", "get", "chng", nil)

	n, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if n.Path != "test/device/value" || n.Signal != "event" || !n.Param.Equal(shvrpc.MustValue(42)) {
		t.Fatalf("unexpected notification %+v", n)
	}

	_, err = sub.Next(ctx)
	var de *DecodeError
	if !errors.As(err, &de) || !errors.Is(err, shvrpc.ErrInvalidFrame) {
		t.Fatalf("expected DecodeError, got %v", err)
	}

	n, err = sub.Next(ctx)
	if err != nil {
		t.Fatalf("stream must continue after a decode error: %v", err)
	}
	if n.Signal != "chng" || !n.Param.IsNull() {
		t.Fatalf("unexpected notification %+v", n)
	}

	_ = sub.Close()
	if _, err := sub.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
}

func TestUnbalancedUnsubscriptionIsFloored(t *testing.T) {
	f := newFixture(t, time.Minute, 10)
	sess := f.login(t, "admin", "admin")

	m := f.rec.mark()
	sess.rec.inbox.post(eventUnsubscription)
	sess.rec.inbox.post(eventSubscription)
	s := f.rec.waitFor(t, m, sess.ID(), func(s ActorState) bool { return s.Subscriptions > 0 })
	if s.Subscriptions != 1 || s.TimerArmed {
		t.Fatalf("expected count floored at zero before the subscription, got %+v", s)
	}
}
