package memorybroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/shv-http-gateway/shvrpc"
)

// ErrUnreachable is reported on the event channel while the broker is
// marked unreachable.
var ErrUnreachable = errors.New("broker unreachable")

// SubscribeAuthorizer decides whether user may open a subscription for ri.
type SubscribeAuthorizer func(user string, ri shvrpc.RI) error

// Broker is an in-process SHV broker. It implements shvrpc.Dialer.
type Broker struct {
	mu      sync.RWMutex
	users   map[string]string
	nodes   map[string]map[string]shvrpc.MethodHandler
	clients map[*client]struct{}

	authorize   SubscribeAuthorizer
	unreachable atomic.Bool
	dials       atomic.Int64
}

// Option configures a Broker.
type Option func(*Broker)

// WithUser registers a user allowed to log in.
func WithUser(name, password string) Option {
	return func(b *Broker) { b.users[name] = password }
}

// WithSubscribeAuthorizer installs a check run for every subscription.
func WithSubscribeAuthorizer(fn SubscribeAuthorizer) Option {
	return func(b *Broker) { b.authorize = fn }
}

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		users:   make(map[string]string),
		nodes:   make(map[string]map[string]shvrpc.MethodHandler),
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddUser registers or replaces a user.
func (b *Broker) AddUser(name, password string) {
	b.mu.Lock()
	b.users[name] = password
	b.mu.Unlock()
}

// Mount attaches a node at path serving the given methods. Mounting the same
// path again adds to its method set.
func (b *Broker) Mount(path string, methods map[string]shvrpc.MethodHandler) {
	path = strings.Trim(path, "/")
	b.mu.Lock()
	defer b.mu.Unlock()
	node, ok := b.nodes[path]
	if !ok {
		node = make(map[string]shvrpc.MethodHandler)
		b.nodes[path] = node
	}
	for name, h := range methods {
		node[name] = h
	}
}

// SetReachable toggles whether new connection attempts reach the broker.
func (b *Broker) SetReachable(ok bool) {
	b.unreachable.Store(!ok)
}

// Signal emits a signal from path to every matching subscriber and returns
// how many subscriptions received it.
func (b *Broker) Signal(path, method, signal string, param shvrpc.Value) int {
	msg := shvrpc.Message{Path: strings.Trim(path, "/"), Method: method, Signal: signal, Param: param}
	frame, err := shvrpc.EncodeFrame(msg)
	if err != nil {
		return 0
	}
	return b.deliver(frame, func(ri shvrpc.RI) bool { return ri.MatchesMessage(msg) })
}

// InjectFrame delivers a raw frame to every subscriber regardless of its
// filter. It exists to exercise decode failure handling.
func (b *Broker) InjectFrame(frame shvrpc.Frame) int {
	return b.deliver(frame, func(shvrpc.RI) bool { return true })
}

func (b *Broker) deliver(frame shvrpc.Frame, match func(shvrpc.RI) bool) int {
	delivered := 0
	for _, c := range b.snapshotClients() {
		delivered += c.deliver(frame, match)
	}
	return delivered
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Dials returns how many connection attempts the broker has seen.
func (b *Broker) Dials() int64 {
	return b.dials.Load()
}

// DropClients disconnects every client from the broker side.
func (b *Broker) DropClients() {
	for _, c := range b.snapshotClients() {
		c.Terminate()
	}
}

func (b *Broker) snapshotClients() []*client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		out = append(out, c)
	}
	return out
}

// Dial implements shvrpc.Dialer.
func (b *Broker) Dial(ctx context.Context, cfg shvrpc.ClientConfig) (shvrpc.Client, <-chan shvrpc.ConnectionEvent, error) {
	if cfg.URL == nil {
		return nil, nil, fmt.Errorf("memorybroker: missing broker URL")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	b.dials.Add(1)

	user, password := cfg.Credentials()
	connCtx, cancel := context.WithCancel(context.Background())
	c := &client{
		broker: b,
		user:   user,
		events: shvrpc.NewEventSink(),
		ctx:    connCtx,
		cancel: cancel,
		subs:   make(map[*subscription]struct{}),
	}
	go c.connect(password)
	return c, c.events.C(), nil
}

func (b *Broker) checkLogin(user, password string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pw, ok := b.users[user]
	return ok && pw == password
}

func (b *Broker) nodePaths() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	paths := make([]string, 0, len(b.nodes)+len(shvrpc.BrokerNodes))
	for p := range b.nodes {
		paths = append(paths, p)
	}
	paths = append(paths, shvrpc.BrokerNodes...)
	sort.Strings(paths)
	return paths
}

func (b *Broker) handler(path, method string) (shvrpc.MethodHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	node, ok := b.nodes[strings.Trim(path, "/")]
	if !ok {
		return nil, false
	}
	h, ok := node[method]
	return h, ok
}

type client struct {
	broker *Broker
	user   string

	mu        sync.Mutex
	events    *shvrpc.EventSink
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
	closed    bool
	subs      map[*subscription]struct{}
}

func (c *client) connect(password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	switch {
	case c.broker.unreachable.Load():
		c.failLocked(shvrpc.FailureNetwork, ErrUnreachable)
		return
	case !c.broker.checkLogin(c.user, password):
		c.failLocked(shvrpc.FailureLogin, fmt.Errorf("login failed for user %q", c.user))
		return
	}

	c.broker.mu.Lock()
	c.broker.clients[c] = struct{}{}
	c.broker.mu.Unlock()

	c.connected = true
	c.events.Send(shvrpc.ConnectionEvent{Kind: shvrpc.EventConnected})
}

func (c *client) failLocked(kind shvrpc.FailureKind, err error) {
	c.closed = true
	c.cancel()
	c.events.Send(shvrpc.ConnectionEvent{Kind: shvrpc.EventConnectionFailed, Failure: kind, Err: err})
	c.events.Close()
}

// Terminate implements shvrpc.Client.
func (c *client) Terminate() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = nil
	if c.connected {
		c.events.Send(shvrpc.ConnectionEvent{Kind: shvrpc.EventDisconnected})
	}
	c.events.Close()
	c.mu.Unlock()

	c.broker.mu.Lock()
	delete(c.broker.clients, c)
	c.broker.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
}

func (c *client) isClosed() bool {
	return c.ctx.Err() != nil
}

// Call implements shvrpc.Client.
func (c *client) Call(ctx context.Context, path, method string, param shvrpc.Value) (shvrpc.Value, error) {
	if c.isClosed() {
		return nil, shvrpc.ConnectionClosed(path, method, nil)
	}
	if method == "ls" {
		children, ok := shvrpc.ListChildren(c.broker.nodePaths(), path)
		if !ok {
			return nil, shvrpc.CallFailed(path, method, shvrpc.NewRpcError(shvrpc.CodeMethodNotFound, "Invalid shv path"))
		}
		return shvrpc.NewValue(children)
	}
	h, ok := c.broker.handler(path, method)
	if !ok {
		return nil, shvrpc.CallFailed(path, method, shvrpc.NewRpcError(shvrpc.CodeMethodNotFound, fmt.Sprintf("Method %s:%s does not exist", path, method)))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	res, err := h(ctx, param)
	if c.isClosed() {
		return nil, shvrpc.ConnectionClosed(path, method, nil)
	}
	if err != nil {
		return nil, shvrpc.CallFailed(path, method, err)
	}
	return res, nil
}

// Subscribe implements shvrpc.Client.
func (c *client) Subscribe(ctx context.Context, ri shvrpc.RI) (shvrpc.Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.broker.authorize != nil {
		if err := c.broker.authorize(c.user, ri); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", ri, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("subscribe %s: connection closed", ri)
	}
	s := &subscription{
		client: c,
		ri:     ri,
		ch:     make(chan shvrpc.Frame, 100),
		stop:   make(chan struct{}),
	}
	c.subs[s] = struct{}{}
	return s, nil
}

func (c *client) deliver(frame shvrpc.Frame, match func(shvrpc.RI) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for s := range c.subs {
		if !match(s.ri) {
			continue
		}
		select {
		case s.ch <- frame:
			n++
		default:
			// Slow consumer; drop rather than stall the emitter.
		}
	}
	return n
}

type subscription struct {
	client *client
	ri     shvrpc.RI
	ch     chan shvrpc.Frame
	stop   chan struct{}
	once   sync.Once
}

// Next implements shvrpc.Subscriber.
func (s *subscription) Next(ctx context.Context) (shvrpc.Frame, error) {
	// Drain buffered frames before reporting the end of the stream.
	select {
	case f := <-s.ch:
		return f, nil
	default:
	}
	select {
	case f := <-s.ch:
		return f, nil
	case <-s.stop:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements shvrpc.Subscriber.
func (s *subscription) Close() error {
	s.client.mu.Lock()
	delete(s.client.subs, s)
	s.client.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *subscription) shutdown() {
	s.once.Do(func() { close(s.stop) })
}

var (
	_ shvrpc.Dialer     = (*Broker)(nil)
	_ shvrpc.Client     = (*client)(nil)
	_ shvrpc.Subscriber = (*subscription)(nil)
)
