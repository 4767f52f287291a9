package engine

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-marge/checkpoints"
	"github.com/tsawler/go-marge/layers"
	"github.com/tsawler/go-marge/optimizer"
	"gonum.org/v1/gonum/mat"
)

// ErrNotCompiled is returned when training is attempted without an optimizer
var ErrNotCompiled = errors.New("model has no optimizer")

// Model executes a compiled ModelSpec. It is not safe for concurrent use.
type Model struct {
	spec   *layers.ModelSpec
	ctx    *Context
	layers []layer
	params []*Param
	opt    optimizer.Optimizer

	inD, outD int
}

// NewModel allocates and initialises the layers of spec. Kernels use Glorot
// uniform initialisation and biases start at zero.
func NewModel(spec *layers.ModelSpec, ctx *Context) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("%w: model spec is not compiled", layers.ErrConfiguration)
	}
	if ctx == nil {
		ctx = NewContext(0)
	}
	m := &Model{
		spec: spec,
		ctx:  ctx,
		inD:  featureSize(spec.InputShape),
		outD: featureSize(spec.OutputShape),
	}

	for i := range spec.Layers {
		ls := &spec.Layers[i]
		l, err := buildLayer(ctx, ls)
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d (%s): %v", layers.ErrConfiguration, i, ls.Name, err)
		}
		m.layers = append(m.layers, l)
		m.params = append(m.params, l.params()...)
	}
	return m, nil
}

func featureSize(shape []int) int {
	n := 1
	for _, d := range shape[1:] {
		n *= d
	}
	return n
}

func buildLayer(ctx *Context, ls *layers.LayerSpec) (layer, error) {
	switch ls.Type {
	case layers.Dense:
		return buildDense(ctx, ls), nil
	case layers.Conv1D:
		if len(ls.InputShape) != 3 {
			return nil, fmt.Errorf("Conv1D input shape %v is not [batch, length, channels]", ls.InputShape)
		}
		return newConv1DLayer(ctx, ls.Name, ls.InputShape[1], ls.InputShape[2],
			layers.IntParam(ls.Parameters, "filters", 0),
			layers.IntParam(ls.Parameters, "kernel_size", 0),
			layers.BoolParam(ls.Parameters, "use_bias", true)), nil
	case layers.MaxPool1D:
		if len(ls.InputShape) != 3 {
			return nil, fmt.Errorf("MaxPool1D input shape %v is not [batch, length, channels]", ls.InputShape)
		}
		return &maxPool1DLayer{
			length:   ls.InputShape[1],
			channels: ls.InputShape[2],
			pool:     layers.IntParam(ls.Parameters, "pool_size", 2),
		}, nil
	case layers.Flatten, layers.Reshape:
		return identityLayer{}, nil
	case layers.ReLU:
		return &reluLayer{}, nil
	case layers.ConcreteDropout:
		if ls.Wrapped == nil || ls.Wrapped.Type != layers.Dense {
			return nil, fmt.Errorf("ConcreteDropout must wrap a Dense layer")
		}
		p := ls.Parameters
		return newConcreteDropoutLayer(ctx, ls.Name, buildDense(ctx, ls.Wrapped),
			layers.FloatParam(p, "weight_regularizer", 0),
			layers.FloatParam(p, "dropout_regularizer", 0),
			layers.FloatParam(p, "init_min", 0.1),
			layers.FloatParam(p, "init_max", 0.1),
			layers.BoolParam(p, "mc_dropout", false)), nil
	default:
		return nil, fmt.Errorf("unsupported layer type %s", ls.Type)
	}
}

func buildDense(ctx *Context, ls *layers.LayerSpec) *denseLayer {
	in := layers.IntParam(ls.Parameters, "input_size", 0)
	if in == 0 {
		in = featureSize(ls.InputShape)
	}
	return newDenseLayer(ctx, ls.Name, in,
		layers.IntParam(ls.Parameters, "output_size", 0),
		layers.BoolParam(ls.Parameters, "use_bias", true))
}

// Compile attaches the optimizer used by TrainStep
func (m *Model) Compile(opt optimizer.Optimizer) {
	m.opt = opt
}

// Optimizer returns the attached optimizer
func (m *Model) Optimizer() optimizer.Optimizer {
	return m.opt
}

// Spec returns the compiled specification the model was built from
func (m *Model) Spec() *layers.ModelSpec {
	return m.spec
}

// Params returns the learnable tensors in layer order
func (m *Model) Params() []*Param {
	return m.params
}

// Dims returns the input and output feature sizes
func (m *Model) Dims() (inD, outD int) {
	return m.inD, m.outD
}

// Forward runs the network. Dropout is applied when training is set, or
// always for layers built with MC dropout.
func (m *Model) Forward(x *mat.Dense, training bool) (*mat.Dense, error) {
	_, c := x.Dims()
	if c != m.inD {
		return nil, fmt.Errorf("input has %d features, model expects %d", c, m.inD)
	}
	out := x
	for _, l := range m.layers {
		out = l.forward(out, training)
	}
	return out, nil
}

// Predict runs the network in inference mode
func (m *Model) Predict(x *mat.Dense) (*mat.Dense, error) {
	return m.Forward(x, false)
}

// AuxLoss returns the sum of the layer regularization terms
func (m *Model) AuxLoss() float64 {
	total := 0.0
	for _, l := range m.layers {
		if r, ok := l.(regularized); ok {
			total += r.auxLoss()
		}
	}
	return total
}

// TrainStep performs one optimization step at learning rate lr and returns
// the batch loss including regularization. A non-finite loss is returned
// without touching the weights.
func (m *Model) TrainStep(inputs, targets *mat.Dense, lr float64) (float64, error) {
	if m.opt == nil {
		return 0, ErrNotCompiled
	}
	loss, err := m.gradients(inputs, targets)
	if err != nil || !isFinite(loss) {
		return loss, err
	}

	values := make([][]float64, len(m.params))
	grads := make([][]float64, len(m.params))
	for i, p := range m.params {
		values[i] = p.Value
		grads[i] = p.Grad
	}
	m.opt.UpdateLearningRate(lr)
	if err := m.opt.Step(values, grads); err != nil {
		return loss, fmt.Errorf("optimizer step failed: %w", err)
	}
	return loss, nil
}

// gradients runs a training-mode forward and backward pass, leaving the
// gradient of the total loss in every Param.Grad
func (m *Model) gradients(inputs, targets *mat.Dense) (float64, error) {
	pred, err := m.Forward(inputs, true)
	if err != nil {
		return 0, err
	}
	mse, err := MSE(pred, targets)
	if err != nil {
		return 0, err
	}
	loss := mse + m.AuxLoss()
	if !isFinite(loss) {
		return loss, nil
	}

	grad := mseGrad(pred, targets)
	for i := len(m.layers) - 1; i >= 0; i-- {
		grad = m.layers[i].backward(grad)
	}
	for _, l := range m.layers {
		if r, ok := l.(regularized); ok {
			r.auxBackward()
		}
	}
	return loss, nil
}

// EvalLoss returns the inference-mode loss including regularization
func (m *Model) EvalLoss(inputs, targets *mat.Dense) (float64, error) {
	pred, err := m.Predict(inputs)
	if err != nil {
		return 0, err
	}
	mse, err := MSE(pred, targets)
	if err != nil {
		return 0, err
	}
	return mse + m.AuxLoss(), nil
}

// DropoutRates returns the learned drop probability of every Concrete
// Dropout layer keyed by layer name
func (m *Model) DropoutRates() map[string]float64 {
	rates := map[string]float64{}
	for _, l := range m.layers {
		if cd, ok := l.(*concreteDropoutLayer); ok {
			rates[cd.name] = cd.dropRate()
		}
	}
	return rates
}

// Weights copies the parameters into checkpoint tensors
func (m *Model) Weights() []checkpoints.WeightTensor {
	out := make([]checkpoints.WeightTensor, len(m.params))
	for i, p := range m.params {
		out[i] = checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Value...),
			Layer: p.Layer,
			Type:  p.Kind,
		}
	}
	return out
}

// SetWeights loads checkpoint tensors into the parameters. Tensors are
// matched by position and must agree in name and size.
func (m *Model) SetWeights(weights []checkpoints.WeightTensor) error {
	if len(weights) != len(m.params) {
		return fmt.Errorf("checkpoint has %d tensors, model has %d", len(weights), len(m.params))
	}
	for i, w := range weights {
		p := m.params[i]
		if w.Name != p.Name {
			return fmt.Errorf("tensor %d: checkpoint has %q, model has %q", i, w.Name, p.Name)
		}
		if len(w.Data) != len(p.Value) {
			return fmt.Errorf("tensor %s: checkpoint has %d values, model has %d", p.Name, len(w.Data), len(p.Value))
		}
	}
	for i, w := range weights {
		copy(m.params[i].Value, w.Data)
	}
	return nil
}

// Checkpoint captures weights and optimizer state
func (m *Model) Checkpoint(state checkpoints.TrainingState) (*checkpoints.Checkpoint, error) {
	ckpt := &checkpoints.Checkpoint{
		ModelSpec:     m.spec,
		Weights:       m.Weights(),
		TrainingState: state,
	}
	if m.opt != nil {
		optState, err := m.opt.GetState()
		if err != nil {
			return nil, fmt.Errorf("failed to capture optimizer state: %w", err)
		}
		ckpt.OptimizerState = optState
	}
	return ckpt, nil
}

// Restore loads weights and, when present, optimizer state
func (m *Model) Restore(ckpt *checkpoints.Checkpoint) error {
	if err := m.SetWeights(ckpt.Weights); err != nil {
		return err
	}
	if ckpt.OptimizerState != nil && m.opt != nil {
		if err := m.opt.LoadState(ckpt.OptimizerState); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	return nil
}

// SaveWeights writes a checkpoint to path atomically
func (m *Model) SaveWeights(path string, state checkpoints.TrainingState) error {
	ckpt, err := m.Checkpoint(state)
	if err != nil {
		return err
	}
	return checkpoints.NewCheckpointSaver().SaveCheckpoint(ckpt, path)
}

// LoadWeights restores a checkpoint written by SaveWeights and returns its
// training state
func (m *Model) LoadWeights(path string) (checkpoints.TrainingState, error) {
	ckpt, err := checkpoints.NewCheckpointSaver().LoadCheckpoint(path)
	if err != nil {
		return checkpoints.TrainingState{}, err
	}
	if err := m.Restore(ckpt); err != nil {
		return checkpoints.TrainingState{}, fmt.Errorf("failed to restore %s: %w", path, err)
	}
	return ckpt.TrainingState, nil
}
