package layers

import (
	"errors"
	"fmt"
)

// ErrConfiguration is returned when a model cannot be compiled as specified
var ErrConfiguration = errors.New("invalid model configuration")

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv1D
	MaxPool1D
	Flatten
	Reshape
	ReLU
	ConcreteDropout
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv1D:
		return "Conv1D"
	case MaxPool1D:
		return "MaxPool1D"
	case Flatten:
		return "Flatten"
	case Reshape:
		return "Reshape"
	case ReLU:
		return "ReLU"
	case ConcreteDropout:
		return "ConcreteDropout"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration for the engine
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Wrapped holds the inner layer of a wrapper such as ConcreteDropout
	Wrapped *LayerSpec `json:"wrapped,omitempty"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape includes the
// batch dimension first.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// DenseSpec returns a dense layer specification; the input size is
// resolved at compile time
func DenseSpec(outputSize int, useBias bool, name string) LayerSpec {
	return LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(DenseSpec(outputSize, useBias, name))
}

// AddConv1D adds a stride-1 'same'-padded 1-D convolution over
// [batch, length, channels] input
func (mb *ModelBuilder) AddConv1D(filters, kernelSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv1D,
		Name: name,
		Parameters: map[string]interface{}{
			"filters":     filters,
			"kernel_size": kernelSize,
			"use_bias":    useBias,
		},
	})
}

// AddMaxPool1D adds non-overlapping max pooling along the length axis
func (mb *ModelBuilder) AddMaxPool1D(poolSize int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool1D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
		},
	})
}

// AddFlatten collapses all non-batch dimensions
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name, Parameters: map[string]interface{}{}})
}

// AddReshape reinterprets the non-batch dimensions as shape
func (mb *ModelBuilder) AddReshape(shape []int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Reshape,
		Name: name,
		Parameters: map[string]interface{}{
			"target_shape": append([]int(nil), shape...),
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name, Parameters: map[string]interface{}{}})
}

// AddConcreteDropout wraps a dense layer in a learned-rate dropout layer.
// weightRegularizer ~ l²/(τN) and dropoutRegularizer ~ 2/(τN); initMin and
// initMax bound the initial drop probability.
func (mb *ModelBuilder) AddConcreteDropout(wrapped LayerSpec, weightRegularizer, dropoutRegularizer, initMin, initMax float64, mc bool, name string) *ModelBuilder {
	inner := wrapped
	return mb.AddLayer(LayerSpec{
		Type: ConcreteDropout,
		Name: name,
		Parameters: map[string]interface{}{
			"weight_regularizer":  weightRegularizer,
			"dropout_regularizer": dropoutRegularizer,
			"init_min":            initMin,
			"init_max":            initMax,
			"mc_dropout":          mc,
		},
		Wrapped: &inner,
	})
}

// Compile resolves shapes and parameter counts. Every failure wraps
// ErrConfiguration.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("%w: cannot compile empty model", ErrConfiguration)
	}
	if len(mb.inputShape) < 2 {
		return nil, fmt.Errorf("%w: input shape %v needs a batch dimension and at least one feature dimension",
			ErrConfiguration, mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
		Compiled:   false,
	}
	for i, l := range mb.layers {
		model.Layers[i] = cloneSpec(l)
	}

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to compute layer %d (%s) info: %v", ErrConfiguration, i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

func cloneSpec(l LayerSpec) LayerSpec {
	out := l
	out.Parameters = make(map[string]interface{}, len(l.Parameters))
	for k, v := range l.Parameters {
		out.Parameters[k] = v
	}
	if l.Wrapped != nil {
		inner := cloneSpec(*l.Wrapped)
		out.Wrapped = &inner
	}
	return out
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv1D:
		return computeConv1DInfo(layer, inputShape)
	case MaxPool1D:
		return computeMaxPool1DInfo(layer, inputShape)
	case Flatten:
		return computeFlattenInfo(inputShape)
	case Reshape:
		return computeReshapeInfo(layer, inputShape)
	case ConcreteDropout:
		return computeConcreteDropoutInfo(layer, inputShape)
	case ReLU:
		return append([]int(nil), inputShape...), [][]int{}, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires at least 2D input")
	}
	outputSize := IntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := BoolParam(layer.Parameters, "use_bias", true)

	// Input size flattens all dimensions except batch
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}
	layer.Parameters["input_size"] = inputSize

	outputShape := []int{inputShape[0], outputSize}
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}
	return outputShape, paramShapes, paramCount, nil
}

func computeConv1DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("Conv1D layer requires 3D input [batch, length, channels]")
	}
	filters := IntParam(layer.Parameters, "filters", 0)
	kernel := IntParam(layer.Parameters, "kernel_size", 0)
	if filters <= 0 || kernel <= 0 {
		return nil, nil, 0, fmt.Errorf("Conv1D needs positive filters and kernel_size, got %d and %d", filters, kernel)
	}
	useBias := BoolParam(layer.Parameters, "use_bias", true)
	channels := inputShape[2]
	layer.Parameters["input_channels"] = channels

	outputShape := []int{inputShape[0], inputShape[1], filters}
	paramShapes := [][]int{{kernel, channels, filters}}
	paramCount := int64(kernel * channels * filters)
	if useBias {
		paramShapes = append(paramShapes, []int{filters})
		paramCount += int64(filters)
	}
	return outputShape, paramShapes, paramCount, nil
}

func computeMaxPool1DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("MaxPool1D layer requires 3D input [batch, length, channels]")
	}
	pool := IntParam(layer.Parameters, "pool_size", 2)
	if pool <= 0 {
		return nil, nil, 0, fmt.Errorf("pool_size must be positive, got %d", pool)
	}
	length := inputShape[1] / pool
	if length == 0 {
		return nil, nil, 0, fmt.Errorf("pool_size %d exceeds input length %d", pool, inputShape[1])
	}
	return []int{inputShape[0], length, inputShape[2]}, [][]int{}, 0, nil
}

func computeFlattenInfo(inputShape []int) ([]int, [][]int, int64, error) {
	size := 1
	for _, d := range inputShape[1:] {
		size *= d
	}
	return []int{inputShape[0], size}, [][]int{}, 0, nil
}

func computeReshapeInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	target := IntsParam(layer.Parameters, "target_shape")
	if len(target) == 0 {
		return nil, nil, 0, fmt.Errorf("missing target_shape parameter")
	}
	in, out := 1, 1
	for _, d := range inputShape[1:] {
		in *= d
	}
	for _, d := range target {
		out *= d
	}
	if in != out {
		return nil, nil, 0, fmt.Errorf("cannot reshape %v to %v", inputShape[1:], target)
	}
	return append([]int{inputShape[0]}, target...), [][]int{}, 0, nil
}

func computeConcreteDropoutInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if layer.Wrapped == nil {
		return nil, nil, 0, fmt.Errorf("ConcreteDropout has no wrapped layer")
	}
	if layer.Wrapped.Type != Dense {
		return nil, nil, 0, fmt.Errorf("ConcreteDropout only supports Dense layers, got %s", layer.Wrapped.Type)
	}
	if len(inputShape) != 2 {
		return nil, nil, 0, fmt.Errorf("ConcreteDropout requires 2D input [batch, features], got %v", inputShape)
	}
	initMin := FloatParam(layer.Parameters, "init_min", 0.1)
	initMax := FloatParam(layer.Parameters, "init_max", 0.1)
	if initMin <= 0 || initMax >= 1 || initMin > initMax {
		return nil, nil, 0, fmt.Errorf("initial drop probability range [%g, %g] must lie inside (0, 1)", initMin, initMax)
	}

	inner := layer.Wrapped
	inner.InputShape = append([]int(nil), inputShape...)
	outputShape, paramShapes, paramCount, err := computeDenseInfo(inner, inputShape)
	if err != nil {
		return nil, nil, 0, err
	}
	inner.OutputShape = outputShape
	inner.ParameterShapes = paramShapes
	inner.ParameterCount = paramCount

	// kernel, optional bias, then p_logit
	paramShapes = append(paramShapes, []int{1})
	return outputShape, paramShapes, paramCount + 1, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	summary := "Model Summary:\n"
	summary += fmt.Sprintf("Input Shape: %v\n", ms.InputShape)
	summary += fmt.Sprintf("Output Shape: %v\n", ms.OutputShape)
	summary += fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters)
	summary += fmt.Sprintf("Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		kind := layer.Type.String()
		if layer.Wrapped != nil {
			kind = fmt.Sprintf("%s(%s)", kind, layer.Wrapped.Type)
		}
		summary += fmt.Sprintf("Layer %d: %s (%s)\n", i+1, layer.Name, kind)
		summary += fmt.Sprintf("  Input:  %v\n", layer.InputShape)
		summary += fmt.Sprintf("  Output: %v\n", layer.OutputShape)
		summary += fmt.Sprintf("  Params: %d\n", layer.ParameterCount)
		summary += "\n"
	}

	return summary
}

// IntParam reads an integer parameter; values decoded from JSON arrive as float64
func IntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultValue
}

// BoolParam reads a boolean parameter
func BoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}

// FloatParam reads a floating point parameter
func FloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return defaultValue
}

// IntsParam reads an integer slice parameter
func IntsParam(params map[string]interface{}, key string) []int {
	switch v := params[key].(type) {
	case []int:
		return v
	case []interface{}:
		out := make([]int, 0, len(v))
		for _, e := range v {
			if f, ok := e.(float64); ok {
				out = append(out, int(f))
			}
		}
		return out
	}
	return nil
}
