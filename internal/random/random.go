// Package random provides the process-wide generator behind session
// identifiers.
package random

import (
	crand "crypto/rand"
	"encoding/base64"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Source is a ChaCha8 stream seeded from the operating system. It is safe
// for concurrent use; callers are serialized.
type Source struct {
	mu  sync.Mutex
	rng *rand.ChaCha8
}

// New seeds a Source from crypto/rand.
func New() (*Source, error) {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("seed random source: %w", err)
	}
	return NewSeeded(seed), nil
}

// NewSeeded creates a deterministic Source. Only tests should use it.
func NewSeeded(seed [32]byte) *Source {
	return &Source{rng: rand.NewChaCha8(seed)}
}

// Read fills p with random bytes. It never fails.
func (s *Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Read(p)
}

// Token returns n random bytes encoded with base64.URLEncoding.
func (s *Source) Token(n int) string {
	b := make([]byte, n)
	_, _ = s.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
