package engine

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Param is one learnable tensor together with its gradient buffer
type Param struct {
	Name  string
	Layer string
	Kind  string // "weight", "bias" or "p_logit"
	Shape []int
	Value []float64
	Grad  []float64
}

func newParam(layer, kind string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  layer + "." + kind,
		Layer: layer,
		Kind:  kind,
		Shape: shape,
		Value: make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// layer is the execution contract of a compiled layer. backward must follow
// the forward call whose activations it differentiates and overwrites the
// parameter gradients.
type layer interface {
	forward(x *mat.Dense, training bool) *mat.Dense
	backward(grad *mat.Dense) *mat.Dense
	params() []*Param
}

// regularized layers contribute an auxiliary loss term and its gradient
type regularized interface {
	auxLoss() float64
	// auxBackward adds the auxiliary gradient to the parameter gradients
	auxBackward()
}

// glorotUniform fills w with samples in ±sqrt(6/(fanIn+fanOut))
func glorotUniform(ctx *Context, w []float64, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = ctx.Uniform(-limit, limit)
	}
}

type denseLayer struct {
	name    string
	in, out int
	weight  *Param
	bias    *Param
	x       *mat.Dense
}

func newDenseLayer(ctx *Context, name string, in, out int, useBias bool) *denseLayer {
	d := &denseLayer{name: name, in: in, out: out, weight: newParam(name, "weight", in, out)}
	glorotUniform(ctx, d.weight.Value, in, out)
	if useBias {
		d.bias = newParam(name, "bias", out)
	}
	return d
}

func (d *denseLayer) kernel() *mat.Dense {
	return mat.NewDense(d.in, d.out, d.weight.Value)
}

func (d *denseLayer) forward(x *mat.Dense, training bool) *mat.Dense {
	d.x = x
	rows, _ := x.Dims()
	y := mat.NewDense(rows, d.out, nil)
	y.Mul(x, d.kernel())
	if d.bias != nil {
		for r := 0; r < rows; r++ {
			row := y.RawRowView(r)
			for j, b := range d.bias.Value {
				row[j] += b
			}
		}
	}
	return y
}

func (d *denseLayer) backward(grad *mat.Dense) *mat.Dense {
	dw := mat.NewDense(d.in, d.out, d.weight.Grad)
	dw.Mul(d.x.T(), grad)

	rows, _ := grad.Dims()
	if d.bias != nil {
		for j := range d.bias.Grad {
			d.bias.Grad[j] = 0
		}
		for r := 0; r < rows; r++ {
			for j, g := range grad.RawRowView(r) {
				d.bias.Grad[j] += g
			}
		}
	}

	dx := mat.NewDense(rows, d.in, nil)
	dx.Mul(grad, d.kernel().T())
	return dx
}

func (d *denseLayer) params() []*Param {
	if d.bias == nil {
		return []*Param{d.weight}
	}
	return []*Param{d.weight, d.bias}
}

// conv1DLayer is a stride-1 convolution with 'same' padding. The kernel is
// laid out [kernel, channels, filters].
type conv1DLayer struct {
	name                     string
	length, channels, filter int
	kernelSize, padLeft      int
	weight                   *Param
	bias                     *Param
	x                        *mat.Dense
}

func newConv1DLayer(ctx *Context, name string, length, channels, filters, kernel int, useBias bool) *conv1DLayer {
	c := &conv1DLayer{
		name:       name,
		length:     length,
		channels:   channels,
		filter:     filters,
		kernelSize: kernel,
		padLeft:    (kernel - 1) / 2,
		weight:     newParam(name, "weight", kernel, channels, filters),
	}
	glorotUniform(ctx, c.weight.Value, kernel*channels, kernel*filters)
	if useBias {
		c.bias = newParam(name, "bias", filters)
	}
	return c
}

func (c *conv1DLayer) forward(x *mat.Dense, training bool) *mat.Dense {
	c.x = x
	rows, _ := x.Dims()
	y := mat.NewDense(rows, c.length*c.filter, nil)
	w := c.weight.Value
	C, F := c.channels, c.filter

	for b := 0; b < rows; b++ {
		in := x.RawRowView(b)
		out := y.RawRowView(b)
		for l := 0; l < c.length; l++ {
			o := out[l*F : (l+1)*F]
			if c.bias != nil {
				copy(o, c.bias.Value)
			}
			for k := 0; k < c.kernelSize; k++ {
				li := l + k - c.padLeft
				if li < 0 || li >= c.length {
					continue
				}
				for ch := 0; ch < C; ch++ {
					v := in[li*C+ch]
					if v == 0 {
						continue
					}
					wk := w[(k*C+ch)*F : (k*C+ch+1)*F]
					for f := range o {
						o[f] += v * wk[f]
					}
				}
			}
		}
	}
	return y
}

func (c *conv1DLayer) backward(grad *mat.Dense) *mat.Dense {
	rows, _ := grad.Dims()
	dx := mat.NewDense(rows, c.length*c.channels, nil)
	w := c.weight.Value
	dw := c.weight.Grad
	for i := range dw {
		dw[i] = 0
	}
	if c.bias != nil {
		for i := range c.bias.Grad {
			c.bias.Grad[i] = 0
		}
	}
	C, F := c.channels, c.filter

	for b := 0; b < rows; b++ {
		in := c.x.RawRowView(b)
		g := grad.RawRowView(b)
		d := dx.RawRowView(b)
		for l := 0; l < c.length; l++ {
			gl := g[l*F : (l+1)*F]
			if c.bias != nil {
				for f, v := range gl {
					c.bias.Grad[f] += v
				}
			}
			for k := 0; k < c.kernelSize; k++ {
				li := l + k - c.padLeft
				if li < 0 || li >= c.length {
					continue
				}
				for ch := 0; ch < C; ch++ {
					off := (k*C + ch) * F
					xv := in[li*C+ch]
					s := 0.0
					for f, gv := range gl {
						dw[off+f] += xv * gv
						s += w[off+f] * gv
					}
					d[li*C+ch] += s
				}
			}
		}
	}
	return dx
}

func (c *conv1DLayer) params() []*Param {
	if c.bias == nil {
		return []*Param{c.weight}
	}
	return []*Param{c.weight, c.bias}
}

// maxPool1DLayer takes the maximum over non-overlapping windows along the
// length axis; a trailing partial window is dropped
type maxPool1DLayer struct {
	length, channels, pool int
	argmax                 []int
	rows                   int
}

func (m *maxPool1DLayer) outLength() int {
	return m.length / m.pool
}

func (m *maxPool1DLayer) forward(x *mat.Dense, training bool) *mat.Dense {
	rows, _ := x.Dims()
	outLen := m.outLength()
	C := m.channels
	y := mat.NewDense(rows, outLen*C, nil)
	m.rows = rows
	m.argmax = make([]int, rows*outLen*C)

	for b := 0; b < rows; b++ {
		in := x.RawRowView(b)
		out := y.RawRowView(b)
		for o := 0; o < outLen; o++ {
			for ch := 0; ch < C; ch++ {
				best := o*m.pool*C + ch
				for p := 1; p < m.pool; p++ {
					idx := (o*m.pool+p)*C + ch
					if in[idx] > in[best] {
						best = idx
					}
				}
				out[o*C+ch] = in[best]
				m.argmax[(b*outLen+o)*C+ch] = best
			}
		}
	}
	return y
}

func (m *maxPool1DLayer) backward(grad *mat.Dense) *mat.Dense {
	outLen := m.outLength()
	C := m.channels
	dx := mat.NewDense(m.rows, m.length*C, nil)
	for b := 0; b < m.rows; b++ {
		g := grad.RawRowView(b)
		d := dx.RawRowView(b)
		for i, v := range g {
			d[m.argmax[b*outLen*C+i]] += v
		}
	}
	return dx
}

func (m *maxPool1DLayer) params() []*Param { return nil }

// identityLayer backs Reshape and Flatten
type identityLayer struct{}

func (identityLayer) forward(x *mat.Dense, training bool) *mat.Dense { return x }
func (identityLayer) backward(grad *mat.Dense) *mat.Dense           { return grad }
func (identityLayer) params() []*Param                              { return nil }

type reluLayer struct {
	y *mat.Dense
}

func (r *reluLayer) forward(x *mat.Dense, training bool) *mat.Dense {
	rows, cols := x.Dims()
	y := mat.NewDense(rows, cols, nil)
	y.Apply(func(_, _ int, v float64) float64 {
		if v > 0 {
			return v
		}
		return 0
	}, x)
	r.y = y
	return y
}

func (r *reluLayer) backward(grad *mat.Dense) *mat.Dense {
	rows, cols := grad.Dims()
	dx := mat.NewDense(rows, cols, nil)
	dx.Apply(func(i, j int, g float64) float64 {
		if r.y.At(i, j) > 0 {
			return g
		}
		return 0
	}, grad)
	return dx
}

func (r *reluLayer) params() []*Param { return nil }
