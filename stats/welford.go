package stats

import (
	"errors"
	"fmt"
	"math"
)

// ErrDomain is returned when a log-transformed dimension holds a value <= 0
var ErrDomain = errors.New("value outside log domain")

// ErrEmpty is returned when statistics are requested over zero cases
var ErrEmpty = errors.New("no cases to compute statistics over")

// DomainError locates a non-positive value in a log-enabled dimension
type DomainError struct {
	File  string
	Case  int
	Dim   int
	Value float64
}

func (e *DomainError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("dimension %d has value %g, log10 requires > 0", e.Dim, e.Value)
	}
	return fmt.Sprintf("%s: case %d dimension %d has value %g, log10 requires > 0",
		e.File, e.Case, e.Dim, e.Value)
}

func (e *DomainError) Unwrap() error {
	return ErrDomain
}

// Accumulator holds running per-dimension moments using Welford's method.
// Two accumulators over disjoint data merge into the accumulator of their union.
type Accumulator struct {
	Count int64
	Mean  []float64
	M2    []float64
	Min   []float64
	Max   []float64
}

// NewAccumulator creates an empty accumulator over dims dimensions
func NewAccumulator(dims int) *Accumulator {
	a := &Accumulator{
		Mean: make([]float64, dims),
		M2:   make([]float64, dims),
		Min:  make([]float64, dims),
		Max:  make([]float64, dims),
	}
	for i := range a.Min {
		a.Min[i] = math.Inf(1)
		a.Max[i] = math.Inf(-1)
	}
	return a
}

// Dims returns the number of tracked dimensions
func (a *Accumulator) Dims() int {
	return len(a.Mean)
}

// Add folds one case into the running moments
func (a *Accumulator) Add(row []float64) error {
	if len(row) != len(a.Mean) {
		return fmt.Errorf("case has %d values, expected %d", len(row), len(a.Mean))
	}
	a.Count++
	n := float64(a.Count)
	for i, x := range row {
		delta := x - a.Mean[i]
		a.Mean[i] += delta / n
		a.M2[i] += delta * (x - a.Mean[i])
		if x < a.Min[i] {
			a.Min[i] = x
		}
		if x > a.Max[i] {
			a.Max[i] = x
		}
	}
	return nil
}

// Merge combines b into a with the parallel Welford update
func (a *Accumulator) Merge(b *Accumulator) error {
	if b.Dims() != a.Dims() {
		return fmt.Errorf("cannot merge accumulators of %d and %d dimensions", a.Dims(), b.Dims())
	}
	if b.Count == 0 {
		return nil
	}
	if a.Count == 0 {
		a.Count = b.Count
		copy(a.Mean, b.Mean)
		copy(a.M2, b.M2)
		copy(a.Min, b.Min)
		copy(a.Max, b.Max)
		return nil
	}

	na := float64(a.Count)
	nb := float64(b.Count)
	n := na + nb
	for i := range a.Mean {
		delta := b.Mean[i] - a.Mean[i]
		a.Mean[i] += delta * nb / n
		a.M2[i] += b.M2[i] + delta*delta*na*nb/n
		a.Min[i] = math.Min(a.Min[i], b.Min[i])
		a.Max[i] = math.Max(a.Max[i], b.Max[i])
	}
	a.Count += b.Count
	return nil
}

// Stats finalizes the accumulator into population statistics
func (a *Accumulator) Stats() (Stats, error) {
	if a.Count == 0 {
		return Stats{}, ErrEmpty
	}
	s := Stats{
		Count: a.Count,
		Mean:  append([]float64(nil), a.Mean...),
		Stdev: make([]float64, len(a.M2)),
		Min:   append([]float64(nil), a.Min...),
		Max:   append([]float64(nil), a.Max...),
	}
	for i, m2 := range a.M2 {
		s.Stdev[i] = math.Sqrt(m2 / float64(a.Count))
	}
	return s, nil
}

// Stats is the finalized summary of a dataset. Values of log-enabled
// dimensions are in log10 space.
type Stats struct {
	Count int64
	Mean  []float64
	Stdev []float64
	Min   []float64
	Max   []float64
}

// Dims returns the number of dimensions summarized
func (s Stats) Dims() int {
	return len(s.Mean)
}

// Split divides the summary into its input (first inD) and output halves
func (s Stats) Split(inD int) (Stats, Stats) {
	in := Stats{Count: s.Count, Mean: s.Mean[:inD], Stdev: s.Stdev[:inD], Min: s.Min[:inD], Max: s.Max[:inD]}
	out := Stats{Count: s.Count, Mean: s.Mean[inD:], Stdev: s.Stdev[inD:], Min: s.Min[inD:], Max: s.Max[inD:]}
	return in, out
}

// ApplyLog replaces log-enabled values in row by their log10 in place.
// The returned error is a *DomainError with Dim set.
func ApplyLog(row []float64, mask []bool) error {
	for i, x := range row {
		if i >= len(mask) || !mask[i] {
			continue
		}
		if x <= 0 {
			return &DomainError{Dim: i, Value: x}
		}
		row[i] = math.Log10(x)
	}
	return nil
}
