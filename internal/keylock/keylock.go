// Package keylock provides striped mutexes so work on different keys can
// proceed in parallel while work on one key is serialized.
package keylock

import (
	"hash/fnv"
	"sync"
)

// DefaultStripes is used when New is given a non-positive count.
const DefaultStripes = 64

// Striped maps keys onto a fixed set of mutexes. Two keys may share a stripe;
// one key always maps to the same stripe.
type Striped struct {
	stripes []sync.Mutex
}

// New returns a Striped lock set with n stripes.
func New(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

func (s *Striped) stripe(key string) *sync.Mutex {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return &s.stripes[h.Sum64()%uint64(len(s.stripes))]
}

// Lock acquires the stripe for key and returns its unlock function.
func (s *Striped) Lock(key string) (unlock func()) {
	m := s.stripe(key)
	m.Lock()
	return m.Unlock
}
