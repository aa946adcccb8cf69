package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/ggoodman/shv-http-gateway/internal/metrics"
	"github.com/ggoodman/shv-http-gateway/internal/random"
	"github.com/ggoodman/shv-http-gateway/shvrpc"
)

// idBytes is the number of random bytes in a session identifier.
const idBytes = 30

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// BrokerURL without credentials; the login's user and password are added
	// per connection.
	BrokerURL         *url.URL
	MaxUserSessions   int
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration

	// Store, Random, Logger and Metrics are optional.
	Store   *Store
	Random  *random.Source
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Observer receives every actor transition.
	Observer StateObserver
}

// applyDefaults populates zero values.
func (c *ManagerConfig) applyDefaults() error {
	if c.BrokerURL == nil {
		return errors.New("sessions: missing broker URL")
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Minute
	}
	if c.Store == nil {
		c.Store = NewStore()
	}
	if c.Random == nil {
		src, err := random.New()
		if err != nil {
			return err
		}
		c.Random = src
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Manager admits logins and owns the session actors. It is safe for
// concurrent use.
type Manager struct {
	dialer shvrpc.Dialer
	cfg    ManagerConfig
	store  *Store
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lifecycle orders spawning actors against Close.
	lifecycle sync.RWMutex
	closed    bool
}

// NewManager creates a Manager dialing backend connections with dialer.
func NewManager(dialer shvrpc.Dialer, cfg ManagerConfig) (*Manager, error) {
	if dialer == nil {
		return nil, errors.New("sessions: missing dialer")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer: dialer,
		cfg:    cfg,
		store:  cfg.Store,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Store returns the session store.
func (m *Manager) Store() *Store { return m.store }

// Login connects to the broker as username and, once the broker accepted the
// credentials and the user is below the session cap, returns a new session
// identifier.
func (m *Manager) Login(ctx context.Context, username, password string) (string, error) {
	if m.isClosed() {
		return "", ErrClosed
	}

	u := *m.cfg.BrokerURL
	u.User = url.UserPassword(username, password)
	client, events, err := m.dialer.Dial(ctx, shvrpc.ClientConfig{URL: &u, HeartbeatInterval: m.cfg.HeartbeatInterval})
	if err != nil {
		m.log.ErrorContext(ctx, "login.dial.fail", slog.String("user", username), slog.String("err", err.Error()))
		m.cfg.Metrics.Login("client_error")
		return "", fmt.Errorf("%w: %v", ErrClientStart, err)
	}

	if err := m.awaitConnected(ctx, client, events); err != nil {
		outcome := "broker_unavailable"
		if errors.Is(err, ErrBadCredentials) {
			outcome = "bad_credentials"
		}
		m.log.InfoContext(ctx, "login.fail", slog.String("user", username), slog.String("err", err.Error()))
		m.cfg.Metrics.Login(outcome)
		return "", err
	}

	id := m.cfg.Random.Token(idBytes)
	rec := Record{
		Client:    client,
		Username:  username,
		CreatedAt: time.Now(),
		inbox:     newInbox(),
	}

	m.lifecycle.RLock()
	if m.closed {
		m.lifecycle.RUnlock()
		client.Terminate()
		return "", ErrClosed
	}
	if err := m.store.insertIfBelowCap(id, rec, m.cfg.MaxUserSessions); err != nil {
		m.lifecycle.RUnlock()
		client.Terminate()
		m.log.InfoContext(ctx, "login.limit", slog.String("user", username), slog.Int("max_user_sessions", m.cfg.MaxUserSessions))
		m.cfg.Metrics.Login("session_limit")
		return "", err
	}
	m.cfg.Metrics.SessionAdded()
	a := &actor{
		id:      id,
		rec:     rec,
		events:  events,
		store:   m.store,
		timeout: m.cfg.SessionTimeout,
		log:     m.log,
		onDone:  m.cfg.Metrics.SessionRemoved,
		observe: m.cfg.Observer,
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		a.run(m.ctx)
	}()
	m.lifecycle.RUnlock()

	m.log.InfoContext(ctx, "login.ok", slog.String("user", username))
	m.cfg.Metrics.Login("ok")
	return id, nil
}

// awaitConnected waits for the first connection event. The client is
// terminated on every failure.
func (m *Manager) awaitConnected(ctx context.Context, client shvrpc.Client, events <-chan shvrpc.ConnectionEvent) error {
	select {
	case ev, ok := <-events:
		switch {
		case ok && ev.Kind == shvrpc.EventConnected:
			return nil
		case ok && ev.Kind == shvrpc.EventConnectionFailed && ev.Failure == shvrpc.FailureLogin:
			client.Terminate()
			return ErrBadCredentials
		default:
			client.Terminate()
			if ok && ev.Err != nil {
				return fmt.Errorf("%w: %v", ErrBrokerUnavailable, ev.Err)
			}
			return ErrBrokerUnavailable
		}
	case <-ctx.Done():
		client.Terminate()
		return ctx.Err()
	case <-m.ctx.Done():
		client.Terminate()
		return ErrClosed
	}
}

// Lookup returns the session for id.
func (m *Manager) Lookup(id string) (*Session, bool) {
	rec, ok := m.store.Get(id)
	if !ok {
		return nil, false
	}
	return &Session{id: id, rec: rec, m: m}, true
}

// Close terminates every session and waits for their actors to finish.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	m.closed = true
	m.lifecycle.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) isClosed() bool {
	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()
	return m.closed
}
