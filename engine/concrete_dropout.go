package engine

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	cdEpsilon     = 1e-7
	cdTemperature = 0.1
)

// concreteDropoutLayer drops the inputs of a wrapped dense layer with a
// learned probability p = sigmoid(p_logit), using the relaxed Bernoulli mask
//
//	z    = (log(p+e) - log(1-p+e) + log(u+e) - log(1-u+e)) / t
//	keep = 1 - sigmoid(z)
//	x'   = x * keep / (1 - p)
//
// The layer regularizes its kernel and its drop rate through auxLoss.
type concreteDropoutLayer struct {
	name   string
	dense  *denseLayer
	pLogit *Param

	weightReg  float64
	dropoutReg float64
	mc         bool

	// noise fills dst with uniform samples in [0, 1)
	noise func(dst []float64)

	active bool
	x      *mat.Dense
	drop   []float64
	keep   []float64
}

func newConcreteDropoutLayer(ctx *Context, name string, dense *denseLayer, weightReg, dropoutReg, initMin, initMax float64, mc bool) *concreteDropoutLayer {
	l := &concreteDropoutLayer{
		name:       name,
		dense:      dense,
		pLogit:     newParam(name, "p_logit", 1),
		weightReg:  weightReg,
		dropoutReg: dropoutReg,
		mc:         mc,
		noise:      ctx.FillUniform,
	}
	lo := math.Log(initMin) - math.Log(1-initMin)
	hi := math.Log(initMax) - math.Log(1-initMax)
	l.pLogit.Value[0] = ctx.Uniform(lo, hi)
	return l
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// dropRate returns the current drop probability p
func (l *concreteDropoutLayer) dropRate() float64 {
	return sigmoid(l.pLogit.Value[0])
}

func (l *concreteDropoutLayer) forward(x *mat.Dense, training bool) *mat.Dense {
	l.x = x
	l.active = training || l.mc
	if !l.active {
		return l.dense.forward(x, training)
	}

	rows, cols := x.Dims()
	n := rows * cols
	if cap(l.keep) < n {
		l.keep = make([]float64, n)
		l.drop = make([]float64, n)
	}
	l.keep, l.drop = l.keep[:n], l.drop[:n]

	p := l.dropRate()
	logitP := math.Log(p+cdEpsilon) - math.Log(1-p+cdEpsilon)
	u := l.drop
	l.noise(u)
	for i, ui := range u {
		z := (logitP + math.Log(ui+cdEpsilon) - math.Log(1-ui+cdEpsilon)) / cdTemperature
		d := sigmoid(z)
		l.drop[i] = d
		l.keep[i] = 1 - d
	}

	r := 1 / (1 - p)
	masked := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		src := x.RawRowView(i)
		dst := masked.RawRowView(i)
		for j, v := range src {
			dst[j] = v * l.keep[i*cols+j] * r
		}
	}
	return l.dense.forward(masked, training)
}

func (l *concreteDropoutLayer) backward(grad *mat.Dense) *mat.Dense {
	gm := l.dense.backward(grad)
	l.pLogit.Grad[0] = 0
	if !l.active {
		return gm
	}

	rows, cols := gm.Dims()
	p := l.dropRate()
	r := 1 / (1 - p)
	dz := (1/(p+cdEpsilon) + 1/(1-p+cdEpsilon)) / cdTemperature

	dx := mat.NewDense(rows, cols, nil)
	dp := 0.0
	for i := 0; i < rows; i++ {
		g := gm.RawRowView(i)
		x := l.x.RawRowView(i)
		d := dx.RawRowView(i)
		for j, gv := range g {
			k := i*cols + j
			keep := l.keep[k]
			d[j] = gv * keep * r
			dkeep := -l.drop[k] * keep * dz
			dp += gv * x[j] * (dkeep*r + keep*r*r)
		}
	}
	l.pLogit.Grad[0] = dp * p * (1 - p)
	return dx
}

func (l *concreteDropoutLayer) params() []*Param {
	return append(l.dense.params(), l.pLogit)
}

func (l *concreteDropoutLayer) kernelSquares() float64 {
	s := 0.0
	for _, w := range l.dense.weight.Value {
		s += w * w
	}
	return s
}

func (l *concreteDropoutLayer) auxLoss() float64 {
	p := l.dropRate()
	dim := float64(l.dense.in)
	weight := l.weightReg * l.kernelSquares() / (1 - p)
	entropy := p*math.Log(p) + (1-p)*math.Log(1-p)
	return weight + l.dropoutReg*dim*entropy
}

func (l *concreteDropoutLayer) auxBackward() {
	p := l.dropRate()
	r := 1 / (1 - p)
	dim := float64(l.dense.in)

	for i, w := range l.dense.weight.Value {
		l.dense.weight.Grad[i] += 2 * l.weightReg * w * r
	}
	dp := l.weightReg*l.kernelSquares()*r*r + l.dropoutReg*dim*(math.Log(p)-math.Log(1-p))
	l.pLogit.Grad[0] += dp * p * (1 - p)
}
