package engine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MSE returns the mean squared error over every element of the batch
func MSE(predictions, targets mat.Matrix) (float64, error) {
	r, c := predictions.Dims()
	tr, tc := targets.Dims()
	if r != tr || c != tc {
		return 0, fmt.Errorf("prediction shape %dx%d does not match target shape %dx%d", r, c, tr, tc)
	}
	sum := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d := predictions.At(i, j) - targets.At(i, j)
			sum += d * d
		}
	}
	return sum / float64(r*c), nil
}

// mseGrad returns d(MSE)/d(predictions)
func mseGrad(predictions, targets mat.Matrix) *mat.Dense {
	r, c := predictions.Dims()
	n := float64(r * c)
	g := mat.NewDense(r, c, nil)
	g.Apply(func(i, j int, v float64) float64 {
		return 2 * (v - targets.At(i, j)) / n
	}, predictions)
	return g
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
