package rules

import (
	"math/rand/v2"
	"sync"
)

// RandomSource supplies the probability-gate draws in [0, 1).
// Implementations must be safe for concurrent use.
type RandomSource interface {
	Float64() float64
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// NewRandom returns a randomly seeded source.
func NewRandom() RandomSource {
	return &lockedRand{r: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeeded returns a reproducible source.
func NewSeeded(seed uint64) RandomSource {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Fixed always draws the same value.
type Fixed float64

func (f Fixed) Float64() float64 { return float64(f) }
