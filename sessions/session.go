package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/shv-http-gateway/shvrpc"
)

// Session is a handle on a stored session. It stays usable after the
// session ended; calls then fail with connection errors.
type Session struct {
	id  string
	rec Record
	m   *Manager
}

func (s *Session) ID() string       { return s.id }
func (s *Session) Username() string { return s.rec.Username }

func (s *Session) post(ctx context.Context, ev event) {
	if !s.rec.inbox.post(ev) {
		s.m.log.WarnContext(ctx, "session.event.drop", slog.String("event", ev.String()))
	}
}

// Call invokes method on path through the session's backend connection.
// Failures are *shvrpc.CallError.
func (s *Session) Call(ctx context.Context, path, method string, param shvrpc.Value) (shvrpc.Value, error) {
	s.post(ctx, eventActivity)

	start := time.Now()
	res, err := s.rec.Client.Call(ctx, path, method, param)
	outcome := "ok"
	if err != nil {
		var ce *shvrpc.CallError
		if errors.As(err, &ce) {
			outcome = ce.Tag()
		} else {
			outcome = "error"
		}
	}
	s.m.cfg.Metrics.Call(outcome, time.Since(start))
	return res, err
}

// Subscribe opens a subscription for ri. The session does not expire while
// the subscription is open; the caller must Close it.
func (s *Session) Subscribe(ctx context.Context, ri shvrpc.RI) (*Subscription, error) {
	sub, err := s.rec.Client.Subscribe(ctx, ri)
	if err != nil {
		return nil, err
	}
	s.post(ctx, eventSubscription)
	s.m.cfg.Metrics.SubscriptionOpened()
	return &Subscription{session: s, sub: sub}, nil
}

// Logout terminates the backend connection. The session is removed once the
// disconnection has been observed.
func (s *Session) Logout(ctx context.Context) {
	s.rec.inbox.loggedOut.Store(true)
	s.rec.Client.Terminate()
	s.m.log.InfoContext(ctx, "session.logout")
}

// Notification is a decoded signal.
type Notification struct {
	Path   string       `json:"path"`
	Signal string       `json:"signal"`
	Param  shvrpc.Value `json:"param"`
}

// DecodeError reports a frame that could not be decoded. The subscription
// stays usable.
type DecodeError struct {
	Frame shvrpc.Frame
	Err   error
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Subscription streams the notifications of one backend subscription.
type Subscription struct {
	session *Session
	sub     shvrpc.Subscriber
	once    sync.Once
}

// Next blocks for the next notification. A *DecodeError reports a bad
// frame without ending the stream; io.EOF reports its end.
func (s *Subscription) Next(ctx context.Context) (Notification, error) {
	frame, err := s.sub.Next(ctx)
	if err != nil {
		return Notification{}, err
	}
	msg, err := frame.Message()
	if err != nil {
		return Notification{}, &DecodeError{Frame: frame, Err: fmt.Errorf("decode notification: %w", err)}
	}
	param := msg.Param
	if param == nil {
		param = shvrpc.MustValue(nil)
	}
	return Notification{Path: msg.Path, Signal: msg.Signal, Param: param}, nil
}

// Close ends the subscription. Only the first call has an effect.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Close()
		s.session.post(context.Background(), eventUnsubscription)
		s.session.m.cfg.Metrics.SubscriptionClosed()
	})
	return err
}
