package redisbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/shv-http-gateway/shvrpc"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// Config for the Redis relay. Defaults can be loaded via envdecode.
type Config struct {
	// Client is the Redis connection shared by every backend connection.
	Client redis.UniversalClient
	// KeyPrefix for all keys. ENV: SHV_REDIS_KEY_PREFIX
	KeyPrefix string `env:"SHV_REDIS_KEY_PREFIX,default=shv:"`
	// CallTimeout bounds how long a call waits for a device reply.
	// ENV: SHV_CALL_TIMEOUT
	CallTimeout time.Duration `env:"SHV_CALL_TIMEOUT,default=30s"`
	// ReplyTTL is how long an unclaimed reply survives. ENV: SHV_REPLY_TTL
	ReplyTTL time.Duration `env:"SHV_REPLY_TTL,default=1m"`
	// BcryptCost used by AddUser. Zero selects bcrypt.DefaultCost.
	BcryptCost int
}

// Broker relays SHV traffic through Redis. It implements shvrpc.Dialer.
type Broker struct {
	rdb         redis.UniversalClient
	prefix      string
	callTimeout time.Duration
	replyTTL    time.Duration
	cost        int
}

// New creates a Broker on top of cfg.Client.
func New(cfg Config) (*Broker, error) {
	if cfg.Client == nil {
		return nil, errors.New("redisbroker: missing redis client")
	}
	b := &Broker{
		rdb:         cfg.Client,
		prefix:      cfg.KeyPrefix,
		callTimeout: cfg.CallTimeout,
		replyTTL:    cfg.ReplyTTL,
		cost:        cfg.BcryptCost,
	}
	if b.prefix == "" {
		b.prefix = "shv:"
	}
	if b.callTimeout <= 0 {
		b.callTimeout = 30 * time.Second
	}
	if b.replyTTL <= 0 {
		b.replyTTL = time.Minute
	}
	if b.cost == 0 {
		b.cost = bcrypt.DefaultCost
	}
	return b, nil
}

// NewFromURL connects to the Redis server named by u. The user info of u is
// the SHV login and is not used for Redis; the remaining settings come from
// the environment.
func NewFromURL(u *url.URL) (*Broker, error) {
	ru := *u
	ru.User = nil
	opts, err := redis.ParseURL(ru.String())
	if err != nil {
		return nil, fmt.Errorf("redisbroker: parse url: %w", err)
	}
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	cfg.Client = redis.NewClient(opts)
	return New(cfg)
}

// Close closes the Redis client.
func (b *Broker) Close() error { return b.rdb.Close() }

// --- Key helpers ---

func (b *Broker) usersKey() string              { return b.prefix + "users" }
func (b *Broker) mountsKey() string             { return b.prefix + "mounts" }
func (b *Broker) signalsKey() string            { return b.prefix + "signals" }
func (b *Broker) streamKey(mount string) string { return b.prefix + "rpc:" + mount }
func (b *Broker) replyKey(id string) string     { return b.prefix + "reply:" + id }

// AddUser stores a bcrypt hash of password for name.
func (b *Broker) AddUser(ctx context.Context, name, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), b.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return b.rdb.HSet(ctx, b.usersKey(), name, hash).Err()
}

// Publish emits a signal to every subscriber.
func (b *Broker) Publish(ctx context.Context, msg shvrpc.Message) error {
	frame, err := shvrpc.EncodeFrame(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.signalsKey(), []byte(frame)).Err()
}

// resolve finds the longest registered mount point that is path or one of
// its ancestors.
func (b *Broker) resolve(mounts []string, path string) (mount, rel string, ok bool) {
	path = strings.Trim(path, "/")
	for _, m := range mounts {
		if m != path && !strings.HasPrefix(path, m+"/") {
			continue
		}
		if ok && len(m) <= len(mount) {
			continue
		}
		mount, ok = m, true
	}
	if ok {
		rel = strings.TrimPrefix(strings.TrimPrefix(path, mount), "/")
	}
	return mount, rel, ok
}

func (b *Broker) mounts(ctx context.Context) ([]string, error) {
	mounts, err := b.rdb.SMembers(ctx, b.mountsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(mounts)
	return mounts, nil
}

// Dial implements shvrpc.Dialer.
func (b *Broker) Dial(ctx context.Context, cfg shvrpc.ClientConfig) (shvrpc.Client, <-chan shvrpc.ConnectionEvent, error) {
	if cfg.URL == nil {
		return nil, nil, errors.New("redisbroker: missing broker URL")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
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
	go c.run(password, cfg.HeartbeatInterval)
	return c, c.events.C(), nil
}

type client struct {
	broker *Broker
	user   string
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	events    *shvrpc.EventSink
	connected bool
	closed    bool
	subs      map[*subscription]struct{}
}

func (c *client) run(password string, heartbeat time.Duration) {
	if err := c.login(password); err != nil {
		return
	}
	if heartbeat <= 0 {
		return
	}
	t := time.NewTicker(heartbeat)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if err := c.broker.rdb.Ping(c.ctx).Err(); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.shutdown(err)
				return
			}
		}
	}
}

func (c *client) login(password string) error {
	b := c.broker
	fail := func(kind shvrpc.FailureKind, err error) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return err
		}
		c.closed = true
		c.cancel()
		c.events.Send(shvrpc.ConnectionEvent{Kind: shvrpc.EventConnectionFailed, Failure: kind, Err: err})
		c.events.Close()
		return err
	}

	if err := b.rdb.Ping(c.ctx).Err(); err != nil {
		return fail(shvrpc.FailureNetwork, fmt.Errorf("redis ping: %w", err))
	}
	hash, err := b.rdb.HGet(c.ctx, b.usersKey(), c.user).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return fail(shvrpc.FailureLogin, fmt.Errorf("login failed for user %q", c.user))
	case err != nil:
		return fail(shvrpc.FailureNetwork, fmt.Errorf("load user: %w", err))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return fail(shvrpc.FailureLogin, fmt.Errorf("login failed for user %q", c.user))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("terminated during login")
	}
	c.connected = true
	c.events.Send(shvrpc.ConnectionEvent{Kind: shvrpc.EventConnected})
	return nil
}

// Terminate implements shvrpc.Client.
func (c *client) Terminate() { c.shutdown(nil) }

func (c *client) shutdown(cause error) {
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
		c.events.Send(shvrpc.ConnectionEvent{Kind: shvrpc.EventDisconnected, Err: cause})
	}
	c.events.Close()
	c.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

type request struct {
	ID     string       `json:"id"`
	Path   string       `json:"path"`
	Method string       `json:"method"`
	Param  shvrpc.Value `json:"param,omitempty"`
	Reply  string       `json:"reply"`
}

type reply struct {
	Result shvrpc.Value     `json:"result,omitempty"`
	Error  *shvrpc.RpcError `json:"error,omitempty"`
}

// Call implements shvrpc.Client.
func (c *client) Call(ctx context.Context, path, method string, param shvrpc.Value) (shvrpc.Value, error) {
	if c.ctx.Err() != nil {
		return nil, shvrpc.ConnectionClosed(path, method, nil)
	}
	b := c.broker

	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	mounts, err := b.mounts(ctx)
	if err != nil {
		return nil, c.transportError(path, method, err)
	}
	mount, rel, ok := b.resolve(mounts, path)
	if !ok {
		if method == "ls" {
			nodes := append(mounts, shvrpc.BrokerNodes...)
			if children, found := shvrpc.ListChildren(nodes, path); found {
				return shvrpc.NewValue(children)
			}
		}
		return nil, shvrpc.CallFailed(path, method, shvrpc.NewRpcError(shvrpc.CodeMethodNotFound, "Invalid shv path"))
	}

	req := request{ID: uuid.NewString(), Path: rel, Method: method, Param: param}
	req.Reply = b.replyKey(req.ID)
	data, err := json.Marshal(req)
	if err != nil {
		return nil, shvrpc.CallFailed(path, method, err)
	}
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: b.streamKey(mount), Values: map[string]any{"d": data}}).Err(); err != nil {
		return nil, c.transportError(path, method, err)
	}

	for {
		if c.ctx.Err() != nil {
			return nil, shvrpc.ConnectionClosed(path, method, nil)
		}
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, shvrpc.CallFailed(path, method, shvrpc.NewRpcError(shvrpc.CodeMethodCallTimeout, "Method call timeout"))
			}
			return nil, shvrpc.CallFailed(path, method, shvrpc.NewRpcError(shvrpc.CodeMethodCallCancelled, ctx.Err().Error()))
		}
		// Short blocking slices keep the wait responsive to cancellation.
		res, err := b.rdb.BLPop(ctx, time.Second, req.Reply).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return nil, c.transportError(path, method, err)
		}
		if len(res) != 2 {
			return nil, &shvrpc.CallError{Path: path, Method: method, Kind: shvrpc.KindInvalidMessage, Err: fmt.Errorf("unexpected reply shape")}
		}
		var rep reply
		if err := json.Unmarshal([]byte(res[1]), &rep); err != nil {
			return nil, &shvrpc.CallError{Path: path, Method: method, Kind: shvrpc.KindInvalidMessage, Err: err}
		}
		if rep.Error != nil {
			return nil, shvrpc.CallFailed(path, method, rep.Error)
		}
		if rep.Result == nil {
			return shvrpc.MustValue(nil), nil
		}
		return rep.Result, nil
	}
}

func (c *client) transportError(path, method string, err error) error {
	if c.ctx.Err() != nil {
		return shvrpc.ConnectionClosed(path, method, nil)
	}
	return shvrpc.ConnectionClosed(path, method, err)
}

// Subscribe implements shvrpc.Client.
func (c *client) Subscribe(ctx context.Context, ri shvrpc.RI) (shvrpc.Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("subscribe %s: connection closed", ri)
	}

	ps := c.broker.rdb.Subscribe(ctx, c.broker.signalsKey())
	// Wait for the confirmation so signals published after return are seen.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", ri, err)
	}
	s := &subscription{
		client: c,
		ri:     ri,
		ps:     ps,
		ch:     ps.Channel(),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.stop()
		return nil, fmt.Errorf("subscribe %s: connection closed", ri)
	}
	c.subs[s] = struct{}{}
	return s, nil
}

type subscription struct {
	client *client
	ri     shvrpc.RI
	ps     *redis.PubSub
	ch     <-chan *redis.Message
	done   chan struct{}
	once   sync.Once
}

// Next implements shvrpc.Subscriber. Frames that cannot be decoded are
// passed through so the caller can report them.
func (s *subscription) Next(ctx context.Context) (shvrpc.Frame, error) {
	for {
		select {
		case <-s.done:
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		case m, ok := <-s.ch:
			if !ok {
				return nil, io.EOF
			}
			frame := shvrpc.Frame(m.Payload)
			msg, err := frame.Message()
			if err != nil || s.ri.MatchesMessage(msg) {
				return frame, nil
			}
		}
	}
}

// Close implements shvrpc.Subscriber.
func (s *subscription) Close() error {
	s.client.mu.Lock()
	if s.client.subs != nil {
		delete(s.client.subs, s)
	}
	s.client.mu.Unlock()
	s.stop()
	return nil
}

func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ps.Close()
	})
}

var (
	_ shvrpc.Dialer     = (*Broker)(nil)
	_ shvrpc.Client     = (*client)(nil)
	_ shvrpc.Subscriber = (*subscription)(nil)
)
