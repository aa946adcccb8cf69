package sessions

import (
	"errors"
	"testing"
)

func TestStoreCap(t *testing.T) {
	s := NewStore()
	for _, id := range []string{"a", "b"} {
		if err := s.insertIfBelowCap(id, Record{Username: "u"}, 2); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := s.insertIfBelowCap("c", Record{Username: "u"}, 2); !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("expected ErrSessionLimit, got %v", err)
	}
	if err := s.insertIfBelowCap("d", Record{Username: "v"}, 2); err != nil {
		t.Fatalf("other user must not be capped: %v", err)
	}
	if s.CountUser("u") != 2 || s.Len() != 3 {
		t.Fatalf("unexpected counts: user=%d total=%d", s.CountUser("u"), s.Len())
	}

	if _, ok := s.remove("a"); !ok {
		t.Fatalf("remove a")
	}
	if _, ok := s.remove("a"); ok {
		t.Fatalf("second remove must report absence")
	}
	if err := s.insertIfBelowCap("c", Record{Username: "u"}, 2); err != nil {
		t.Fatalf("insert after remove: %v", err)
	}
}

func TestStoreUnlimited(t *testing.T) {
	s := NewStore()
	for i := range 100 {
		if err := s.insertIfBelowCap(string(rune('A'+i)), Record{Username: "u"}, 0); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if s.CountUser("u") != 100 {
		t.Fatalf("expected 100 sessions, got %d", s.CountUser("u"))
	}
}

func TestInboxAfterClose(t *testing.T) {
	b := newInbox()
	if !b.post(eventActivity) || !b.post(eventSubscription) {
		t.Fatalf("post on open inbox failed")
	}
	if got := b.drain(); len(got) != 2 || got[0] != eventActivity || got[1] != eventSubscription {
		t.Fatalf("unexpected drain %v", got)
	}
	b.close()
	if b.post(eventUnsubscription) {
		t.Fatalf("post on closed inbox must fail")
	}
}
