package sessions

import (
	"sync"
	"sync/atomic"
)

type event int

const (
	eventActivity event = iota
	eventSubscription
	eventUnsubscription
)

func (e event) String() string {
	switch e {
	case eventActivity:
		return "activity"
	case eventSubscription:
		return "subscription"
	case eventUnsubscription:
		return "unsubscription"
	default:
		return "unknown"
	}
}

// inbox is the actor's unbounded many-producer single-consumer queue.
// Posting never blocks.
type inbox struct {
	mu     sync.Mutex
	queue  []event
	closed bool
	signal chan struct{}

	// loggedOut tells the actor the coming disconnection was requested.
	loggedOut atomic.Bool
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

// post enqueues ev. It reports false once the actor has gone.
func (b *inbox) post(ev event) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return true
}

func (b *inbox) drain() []event {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}

func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.queue = nil
	b.mu.Unlock()
}
