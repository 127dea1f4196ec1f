package domain

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Range is an inclusive integer interval used for random counts and sleeps.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// NewRange returns a Range, swapping the bounds if given in reverse.
func NewRange(a, b int) Range {
	if a > b {
		a, b = b, a
	}
	return Range{Min: a, Max: b}
}

// Pick draws a uniform integer from the range.
func (r Range) Pick(rng *rand.Rand) int {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rng.IntN(r.Max-r.Min+1)
}

// Seconds draws a duration in whole seconds from the range.
func (r Range) Seconds(rng *rand.Rand) time.Duration {
	return time.Duration(r.Pick(rng)) * time.Second
}

// Validate rejects inverted or negative ranges.
func (r Range) Validate() error {
	if r.Min < 0 || r.Max < r.Min {
		return fmt.Errorf("invalid range [%d, %d]", r.Min, r.Max)
	}
	return nil
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// FloatRange is an inclusive interval of amounts.
type FloatRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Validate rejects inverted or negative ranges.
func (r FloatRange) Validate() error {
	if r.Min < 0 || r.Max < r.Min {
		return fmt.Errorf("invalid range [%.2f, %.2f]", r.Min, r.Max)
	}
	return nil
}

// Contains reports whether v lies within the range.
func (r FloatRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// NewRand returns a randomly seeded generator.
func NewRand() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}
