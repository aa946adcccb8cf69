package sessions

import (
	"sync"
	"time"

	"github.com/ggoodman/shv-http-gateway/shvrpc"
)

// Record is what the store keeps per session. Records are immutable once
// inserted; the handles they carry are shared.
type Record struct {
	Client    shvrpc.Client
	Username  string
	CreatedAt time.Time

	inbox *inbox
}

// Store maps session identifiers to records. It is the single source of
// truth for token validity and per-user session counts.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]Record)}
}

// Get returns the record stored under id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// CountUser returns the number of sessions held by username.
func (s *Store) CountUser(username string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countUserLocked(username)
}

func (s *Store) countUserLocked(username string) int {
	n := 0
	for _, rec := range s.records {
		if rec.Username == username {
			n++
		}
	}
	return n
}

// insertIfBelowCap inserts rec unless its user already holds limit
// sessions. The count and the insert share one critical section. limit <= 0
// disables the cap.
func (s *Store) insertIfBelowCap(id string, rec Record, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && s.countUserLocked(rec.Username) >= limit {
		return ErrSessionLimit
	}
	s.records[id] = rec
	return nil
}

// remove deletes id. Only the owning actor calls it.
func (s *Store) remove(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if ok {
		delete(s.records, id)
	}
	return rec, ok
}
