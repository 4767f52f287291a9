// Package engine executes compiled layer specifications on the CPU.
//
// Activations travel between layers as [batch, features] matrices. Layers
// with a length axis store their features row-major as (position, channel),
// so Reshape and Flatten leave the data untouched.
package engine

import "math/rand"

// Context owns the random state of one model: weight initialisation and
// dropout noise. A Context must not be shared between goroutines.
type Context struct {
	seed int64
	rng  *rand.Rand
}

// NewContext creates a context with a deterministic random source
func NewContext(seed int64) *Context {
	return &Context{seed: seed, rng: rand.New(rand.NewSource(seed))}
}

// Seed returns the seed the context was created with
func (c *Context) Seed() int64 {
	return c.seed
}

// Float64 returns a uniform sample in [0, 1)
func (c *Context) Float64() float64 {
	return c.rng.Float64()
}

// Uniform returns a uniform sample in [lo, hi)
func (c *Context) Uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*c.rng.Float64()
}

// FillUniform fills dst with uniform samples in [0, 1)
func (c *Context) FillUniform(dst []float64) {
	for i := range dst {
		dst[i] = c.rng.Float64()
	}
}
