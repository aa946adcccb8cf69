package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/shv-http-gateway/internal/logctx"
	"github.com/ggoodman/shv-http-gateway/shvrpc"
)

// ActorState is a snapshot of a session actor, reported after every
// transition.
type ActorState struct {
	SessionID     string
	Subscriptions int64
	TimerArmed    bool
	Deadline      time.Time
	// Done is set on the final report, once the record has been removed.
	Done   bool
	Reason string
}

// StateObserver receives actor snapshots. It runs on the actor goroutine and
// must not block.
type StateObserver func(ActorState)

// Removal reasons.
const (
	ReasonTimeout    = "timeout"
	ReasonLogout     = "logout"
	ReasonDisconnect = "disconnected"
	ReasonFailed     = "connection_failed"
	ReasonShutdown   = "shutdown"
)

// actor owns the timeout and subscription state of one session. It is the
// only code that removes the session from the store.
type actor struct {
	id      string
	rec     Record
	events  <-chan shvrpc.ConnectionEvent
	store   *Store
	timeout time.Duration
	log     *slog.Logger
	onDone  func(reason string)
	observe StateObserver

	subscriptions int64
	timer         *time.Timer
	deadline      time.Time
	timedOut      bool
}

func (a *actor) run(ctx context.Context) {
	defer a.rec.inbox.close()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: a.id, Username: a.rec.Username})

	a.arm()
	a.report("")
	for {
		var timerC <-chan time.Time
		if a.timer != nil {
			timerC = a.timer.C
		}

		select {
		case <-timerC:
			a.timer = nil
			a.deadline = time.Time{}
			if _, ok := a.store.Get(a.id); ok {
				a.log.InfoContext(ctx, "session.timeout", slog.Duration("timeout", a.timeout))
				a.timedOut = true
				a.rec.Client.Terminate()
			}

		case ev, ok := <-a.events:
			if ok && ev.Kind == shvrpc.EventConnected {
				continue
			}
			reason := a.reasonFor(ev, ok)
			if ok && ev.Err != nil {
				a.log.WarnContext(ctx, "session.connection.lost", slog.String("event", ev.Kind.String()), slog.String("err", ev.Err.Error()))
			}
			a.finish(ctx, reason)
			return

		case <-a.rec.inbox.signal:
			for _, ev := range a.rec.inbox.drain() {
				a.handle(ctx, ev)
			}

		case <-ctx.Done():
			a.rec.Client.Terminate()
			a.finish(ctx, ReasonShutdown)
			return
		}
		a.report("")
	}
}

func (a *actor) handle(ctx context.Context, ev event) {
	switch ev {
	case eventActivity:
		if a.subscriptions == 0 {
			a.arm()
		}
	case eventSubscription:
		if a.subscriptions == 0 {
			a.disarm()
		}
		a.subscriptions++
	case eventUnsubscription:
		if a.subscriptions == 0 {
			a.log.WarnContext(ctx, "session.unsubscribe.unbalanced")
			return
		}
		a.subscriptions--
		if a.subscriptions == 0 {
			a.arm()
		}
	}
	a.log.DebugContext(ctx, "session.event", slog.String("event", ev.String()), slog.Int64("subscriptions", a.subscriptions))
}

func (a *actor) reasonFor(ev shvrpc.ConnectionEvent, ok bool) string {
	switch {
	case a.timedOut:
		return ReasonTimeout
	case a.rec.inbox.loggedOut.Load():
		return ReasonLogout
	case ok && ev.Kind == shvrpc.EventConnectionFailed:
		return ReasonFailed
	default:
		return ReasonDisconnect
	}
}

func (a *actor) finish(ctx context.Context, reason string) {
	a.disarm()
	// Releases provider resources when the backend went away on its own.
	a.rec.Client.Terminate()
	if rec, ok := a.store.remove(a.id); ok {
		a.log.InfoContext(ctx, "session.removed",
			slog.String("reason", reason),
			slog.Duration("age", time.Since(rec.CreatedAt)),
		)
		if a.onDone != nil {
			a.onDone(reason)
		}
	}
	a.report(reason)
}

func (a *actor) arm() {
	a.disarm()
	a.deadline = time.Now().Add(a.timeout)
	a.timer = time.NewTimer(a.timeout)
}

func (a *actor) disarm() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.deadline = time.Time{}
}

func (a *actor) report(reason string) {
	if a.observe == nil {
		return
	}
	a.observe(ActorState{
		SessionID:     a.id,
		Subscriptions: a.subscriptions,
		TimerArmed:    a.timer != nil,
		Deadline:      a.deadline,
		Done:          reason != "",
		Reason:        reason,
	})
}
