package exchange

import (
	"math/rand/v2"
	"sync"
)

// Source is the randomness the simulator draws from
type Source interface {
	Float64() float64 // [0, 1)
	IntN(n int) int   // [0, n)
}

// lockedRand makes a *rand.Rand safe for concurrent timers
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewSeededSource returns a reproducible source
func NewSeededSource(seed uint64) Source {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewRandomSource returns a source seeded from the runtime
func NewRandomSource() Source {
	return NewSeededSource(rand.Uint64())
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}
