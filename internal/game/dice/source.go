package dice

import (
	"crypto/rand"
	"math/big"
	"sync"
)

// cryptoSource implements Source using crypto/rand.
//
// Invariant: All values produced are uniformly distributed in [0, n) for any n > 0.
type cryptoSource struct{}

// NewCryptoSource returns a Source backed by crypto/rand.
//
// Postcondition: Every value returned by Intn is in [0, n).
func NewCryptoSource() Source {
	return &cryptoSource{}
}

// Intn returns a cryptographically secure random int in [0, n).
//
// Precondition: n > 0. Panics if n <= 0 or if crypto/rand fails.
func (c *cryptoSource) Intn(n int) int {
	if n <= 0 {
		panic("dice: Intn called with n <= 0")
	}
	val, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("dice: crypto/rand failure: " + err.Error())
	}
	return int(val.Int64())
}

// SequenceSource replays a fixed list of values, cycling when exhausted.
// Each value is reduced modulo n. It makes scripted games reproducible.
type SequenceSource struct {
	mu     sync.Mutex
	values []int
	next   int
}

// NewSequenceSource returns a SequenceSource over values.
//
// Precondition: values must be non-empty and non-negative.
func NewSequenceSource(values ...int) *SequenceSource {
	if len(values) == 0 {
		panic("dice: NewSequenceSource requires at least one value")
	}
	return &SequenceSource{values: append([]int(nil), values...)}
}

// Intn returns the next value modulo n.
func (s *SequenceSource) Intn(n int) int {
	if n <= 0 {
		panic("dice: Intn called with n <= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values[s.next%len(s.values)]
	s.next++
	return v % n
}
