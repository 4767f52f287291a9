// Package evaluation scores a trained model against a held-out split in the
// original (untransformed) units of the targets.
package evaluation

import (
	"fmt"
	"math"
)

// RegressionMetrics holds per-dimension regression metrics
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	R2   float64 // R-squared
	NMAE float64 // Normalized Mean Absolute Error
}

// Accumulator streams residual and target moments for outD dimensions so
// RMSE and R² can be computed in one pass over any number of batches
type Accumulator struct {
	dims  int
	count int

	sumSqErr  []float64
	sumAbsErr []float64

	// running mean and sum of squared deviations of the targets
	mean []float64
	m2   []float64

	min []float64
	max []float64
}

// NewAccumulator creates an accumulator for dims output dimensions
func NewAccumulator(dims int) *Accumulator {
	a := &Accumulator{
		dims:      dims,
		sumSqErr:  make([]float64, dims),
		sumAbsErr: make([]float64, dims),
		mean:      make([]float64, dims),
		m2:        make([]float64, dims),
		min:       make([]float64, dims),
		max:       make([]float64, dims),
	}
	for i := range a.min {
		a.min[i] = math.Inf(1)
		a.max[i] = math.Inf(-1)
	}
	return a
}

// Count returns the number of cases seen
func (a *Accumulator) Count() int {
	return a.count
}

// Add folds one case into the accumulator
func (a *Accumulator) Add(pred, truth []float64) error {
	if len(pred) != a.dims || len(truth) != a.dims {
		return fmt.Errorf("case has %d predictions and %d targets, expected %d", len(pred), len(truth), a.dims)
	}
	a.count++
	n := float64(a.count)
	for i := 0; i < a.dims; i++ {
		diff := pred[i] - truth[i]
		a.sumSqErr[i] += diff * diff
		a.sumAbsErr[i] += math.Abs(diff)

		delta := truth[i] - a.mean[i]
		a.mean[i] += delta / n
		a.m2[i] += delta * (truth[i] - a.mean[i])

		if truth[i] < a.min[i] {
			a.min[i] = truth[i]
		}
		if truth[i] > a.max[i] {
			a.max[i] = truth[i]
		}
	}
	return nil
}

// Metrics returns the metrics of every output dimension. A dimension whose
// targets never vary reports R² of 1 when its residual is zero and 0
// otherwise.
func (a *Accumulator) Metrics() []RegressionMetrics {
	out := make([]RegressionMetrics, a.dims)
	if a.count == 0 {
		return out
	}
	n := float64(a.count)
	for i := range out {
		mse := a.sumSqErr[i] / n
		mae := a.sumAbsErr[i] / n

		r2 := 0.0
		switch {
		case a.m2[i] > 0:
			r2 = 1.0 - a.sumSqErr[i]/a.m2[i]
		case a.sumSqErr[i] == 0:
			r2 = 1.0
		}

		nmae := 0.0
		if a.max[i] > a.min[i] {
			nmae = mae / (a.max[i] - a.min[i])
		}

		out[i] = RegressionMetrics{
			MAE:  mae,
			MSE:  mse,
			RMSE: math.Sqrt(mse),
			R2:   r2,
			NMAE: nmae,
		}
	}
	return out
}

// Report is the accuracy summary of one evaluated split
type Report struct {
	Mode     string
	Cases    int
	RMSE     []float64
	R2       []float64
	MeanRMSE float64
	MeanR2   float64
	Metrics  []RegressionMetrics
}

// Report summarizes the accumulator
func (a *Accumulator) Report(mode string) *Report {
	metrics := a.Metrics()
	r := &Report{
		Mode:    mode,
		Cases:   a.count,
		RMSE:    make([]float64, len(metrics)),
		R2:      make([]float64, len(metrics)),
		Metrics: metrics,
	}
	for i, m := range metrics {
		r.RMSE[i] = m.RMSE
		r.R2[i] = m.R2
		r.MeanRMSE += m.RMSE
		r.MeanR2 += m.R2
	}
	if len(metrics) > 0 {
		r.MeanRMSE /= float64(len(metrics))
		r.MeanR2 /= float64(len(metrics))
	}
	return r
}
