// Package transform maps raw case vectors into the space the network trains
// in and back again. The forward order is log10, normalize, scale and the
// inverse applies descale, denormalize and 10^x.
package transform

import (
	"fmt"
	"math"

	"github.com/tsawler/go-marge/stats"
)

// DefaultEpsilon floors standard deviations before division
const DefaultEpsilon = 1e-12

// Selection picks the dimensions of one half (inputs or outputs) that are
// log-transformed: all of them, or an explicit index list
type Selection struct {
	All     bool
	Indices []int
}

// Mask expands input and output selections into one flag per dimension
func Mask(inD, outD int, ilog, olog Selection) ([]bool, error) {
	mask := make([]bool, inD+outD)
	apply := func(sel Selection, offset, n int, half string) error {
		if sel.All {
			for i := 0; i < n; i++ {
				mask[offset+i] = true
			}
			return nil
		}
		for _, idx := range sel.Indices {
			if idx < 0 || idx >= n {
				return fmt.Errorf("%s log index %d out of range [0, %d)", half, idx, n)
			}
			mask[offset+idx] = true
		}
		return nil
	}
	if err := apply(ilog, 0, inD, "input"); err != nil {
		return nil, err
	}
	if err := apply(olog, inD, outD, "output"); err != nil {
		return nil, err
	}
	return mask, nil
}

// Config selects which stages run
type Config struct {
	Log       []bool
	Normalize bool
	Scale     bool
	ScaleLo   float64
	ScaleHi   float64
	Epsilon   float64
}

// Transform is a pure function of dataset statistics and Config
type Transform struct {
	log       []bool
	normalize bool
	scale     bool
	mean      []float64
	stdev     []float64
	min       []float64
	max       []float64
	lo, hi    float64
	eps       float64
}

// New builds a transform. Scale bounds are taken in normalized space when
// normalization is on. Disabled stages use identity parameters.
func New(s stats.Stats, cfg Config) (*Transform, error) {
	dims := len(cfg.Log)
	if cfg.Normalize || cfg.Scale {
		if s.Dims() != dims {
			return nil, fmt.Errorf("statistics cover %d dimensions, log mask covers %d", s.Dims(), dims)
		}
	}
	eps := cfg.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}

	t := &Transform{
		log:       append([]bool(nil), cfg.Log...),
		normalize: cfg.Normalize,
		scale:     cfg.Scale,
		mean:      filled(dims, 0),
		stdev:     filled(dims, 1),
		min:       filled(dims, 0),
		max:       filled(dims, 1),
		lo:        0,
		hi:        1,
		eps:       eps,
	}

	if cfg.Normalize {
		copy(t.mean, s.Mean)
		copy(t.stdev, s.Stdev)
	}
	if cfg.Scale {
		if !(cfg.ScaleLo < cfg.ScaleHi) {
			return nil, fmt.Errorf("scale range [%g, %g] is empty", cfg.ScaleLo, cfg.ScaleHi)
		}
		t.lo, t.hi = cfg.ScaleLo, cfg.ScaleHi
		copy(t.min, s.Min)
		copy(t.max, s.Max)
		if cfg.Normalize {
			t.min = Normalize(t.min, t.mean, t.stdev, eps)
			t.max = Normalize(t.max, t.mean, t.stdev, eps)
		}
	}
	return t, nil
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Dims returns the vector length the transform applies to
func (t *Transform) Dims() int {
	return len(t.log)
}

// Slice returns the transform restricted to dimensions [from, to)
func (t *Transform) Slice(from, to int) *Transform {
	return &Transform{
		log:       t.log[from:to],
		normalize: t.normalize,
		scale:     t.scale,
		mean:      t.mean[from:to],
		stdev:     t.stdev[from:to],
		min:       t.min[from:to],
		max:       t.max[from:to],
		lo:        t.lo,
		hi:        t.hi,
		eps:       t.eps,
	}
}

// Forward maps a raw vector into training space. A non-positive value in a
// log-enabled dimension returns a *stats.DomainError.
func (t *Transform) Forward(x []float64) ([]float64, error) {
	out := append([]float64(nil), x...)
	if err := t.ForwardInPlace(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ForwardInPlace is Forward without allocation
func (t *Transform) ForwardInPlace(x []float64) error {
	if len(x) != len(t.log) {
		return fmt.Errorf("vector has %d values, transform expects %d", len(x), len(t.log))
	}
	if err := stats.ApplyLog(x, t.log); err != nil {
		return err
	}
	for i := range x {
		v := x[i]
		if t.normalize {
			v = (v - t.mean[i]) / floor(t.stdev[i], t.eps)
		}
		if t.scale {
			v = scaleOne(v, t.min[i], t.max[i], t.lo, t.hi)
		}
		x[i] = v
	}
	return nil
}

// Inverse maps a training-space vector back to original units
func (t *Transform) Inverse(y []float64) []float64 {
	out := append([]float64(nil), y...)
	t.InverseInPlace(out)
	return out
}

// InverseInPlace is Inverse without allocation
func (t *Transform) InverseInPlace(y []float64) {
	for i := range y {
		v := y[i]
		if t.scale {
			v = descaleOne(v, t.min[i], t.max[i], t.lo, t.hi)
		}
		if t.normalize {
			v = v*floor(t.stdev[i], t.eps) + t.mean[i]
		}
		if t.log[i] {
			v = math.Pow(10, v)
		}
		y[i] = v
	}
}

// Normalize returns (x - mean) / max(stdev, eps) element-wise
func Normalize(x, mean, stdev []float64, eps float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - mean[i]) / floor(stdev[i], eps)
	}
	return out
}

// Denormalize inverts Normalize
func Denormalize(x, mean, stdev []float64, eps float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v*floor(stdev[i], eps) + mean[i]
	}
	return out
}

// Scale maps [min, max] linearly onto [lo, hi]. A degenerate dimension with
// max == min maps to lo.
func Scale(x, min, max []float64, lo, hi float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = scaleOne(v, min[i], max[i], lo, hi)
	}
	return out
}

// Descale inverts Scale. A degenerate dimension maps back to min.
func Descale(x, min, max []float64, lo, hi float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = descaleOne(v, min[i], max[i], lo, hi)
	}
	return out
}

func scaleOne(v, min, max, lo, hi float64) float64 {
	if max == min {
		return lo
	}
	return lo + (v-min)*(hi-lo)/(max-min)
}

func descaleOne(v, min, max, lo, hi float64) float64 {
	if max == min {
		return min
	}
	return min + (v-lo)*(max-min)/(hi-lo)
}

func floor(s, eps float64) float64 {
	if s < eps {
		return eps
	}
	return s
}
