// Package rand provides the random sources injected into the position engine
// and the payload builder. Nothing in the emitter draws from a package-level
// generator; every consumer receives a Source explicitly.
package rand

import (
	"sync"
	"time"

	"github.com/MichaelTJones/pcg"
)

// pcgSequence selects the PCG stream; any odd constant works.
const pcgSequence = 0xda3e39cb94b95bdb

// Source supplies uniform samples.
type Source interface {
	// Uniform returns a value in [lo, hi).
	Uniform(lo, hi float64) float64
	// IntRange returns an integer in [lo, hi], inclusive on both ends.
	IntRange(lo, hi int) int
}

// Rand is a seeded PCG32 generator. It is safe for concurrent use.
type Rand struct {
	mu sync.Mutex
	r  *pcg.PCG32
}

// New returns a generator seeded with seed. Two generators with the same seed
// produce the same sequence.
func New(seed int64) *Rand {
	r := &Rand{r: pcg.NewPCG32()}
	r.r.Seed(uint64(seed), pcgSequence)
	return r
}

// NewFromTime returns a generator seeded from the wall clock.
func NewFromTime() *Rand {
	return New(time.Now().UnixNano())
}

// Float64 returns a value in [0, 1).
func (r *Rand) Float64() float64 {
	r.mu.Lock()
	v := r.r.Random()
	r.mu.Unlock()
	return float64(v) / (1 << 32)
}

// Uniform implements Source.
func (r *Rand) Uniform(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + (hi-lo)*r.Float64()
}

// IntRange implements Source.
func (r *Rand) IntRange(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	r.mu.Lock()
	v := r.r.Bounded(uint32(hi - lo + 1))
	r.mu.Unlock()
	return lo + int(v)
}

// Zero returns a source whose samples are always as close to zero as the
// requested range allows. With symmetric jitter bounds it disables noise.
func Zero() Source { return zeroSource{} }

type zeroSource struct{}

func (zeroSource) Uniform(lo, hi float64) float64 {
	switch {
	case lo > 0:
		return lo
	case hi < 0:
		return hi
	}
	return 0
}

func (zeroSource) IntRange(lo, hi int) int {
	switch {
	case lo > 0:
		return lo
	case hi < 0:
		return hi
	}
	return 0
}
