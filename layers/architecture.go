package layers

import "fmt"

// Architecture selects the network family built for a surrogate model
type Architecture int

const (
	// DenseOnly feeds the input vector straight into the dense stack
	DenseOnly Architecture = iota
	// ConvFronted mixes the input vector with 1-D convolutions first
	ConvFronted
)

func (a Architecture) String() string {
	switch a {
	case DenseOnly:
		return "DenseOnly"
	case ConvFronted:
		return "ConvFronted"
	default:
		return "Unknown"
	}
}

// ArchitectureConfig describes the surrogate network
type ArchitectureConfig struct {
	InD         int
	OutD        int
	ConvLayers  []int // filters per convolution; empty for DenseOnly
	DenseLayers []int // units per hidden dense layer, at least one

	// ConcreteDropout wraps every hidden dense layer
	ConcreteDropout    bool
	WeightRegularizer  float64
	DropoutRegularizer float64
	InitMin            float64
	InitMax            float64
	MCDropout          bool
}

// Architecture returns the family implied by the layer lists
func (c ArchitectureConfig) Architecture() Architecture {
	if len(c.ConvLayers) > 0 {
		return ConvFronted
	}
	return DenseOnly
}

// Build compiles the network for the given batch size.
//
// The convolutional front end uses kernel 5 for the first layer and kernel 3
// after it, with ReLU after each. When more than one convolution is present
// a pool of size 2 follows the last one. The output is flattened into the
// dense stack; each hidden dense layer is followed by ReLU and the output
// layer is linear with OutD units.
func (c ArchitectureConfig) Build(batchSize int) (*ModelSpec, error) {
	if c.InD <= 0 || c.OutD <= 0 {
		return nil, fmt.Errorf("%w: inD and outD must be positive, got %d and %d", ErrConfiguration, c.InD, c.OutD)
	}
	if len(c.DenseLayers) == 0 {
		return nil, fmt.Errorf("%w: at least one dense layer is required", ErrConfiguration)
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	mb := NewModelBuilder([]int{batchSize, c.InD})

	switch c.Architecture() {
	case ConvFronted:
		mb.AddReshape([]int{c.InD, 1}, "reshape")
		for i, filters := range c.ConvLayers {
			kernel := 3
			if i == 0 {
				kernel = 5
			}
			mb.AddConv1D(filters, kernel, true, fmt.Sprintf("conv%d", i+1))
			mb.AddReLU(fmt.Sprintf("conv%d_relu", i+1))
			if i > 0 && i == len(c.ConvLayers)-1 {
				mb.AddMaxPool1D(2, "pool")
			}
		}
		mb.AddFlatten("flatten")
	case DenseOnly:
	}

	initMin, initMax := c.InitMin, c.InitMax
	if initMin == 0 {
		initMin = 0.1
	}
	if initMax == 0 {
		initMax = initMin
	}

	for i, units := range c.DenseLayers {
		name := fmt.Sprintf("dense%d", i+1)
		if c.ConcreteDropout {
			mb.AddConcreteDropout(DenseSpec(units, true, name), c.WeightRegularizer, c.DropoutRegularizer,
				initMin, initMax, c.MCDropout, name+"_dropout")
		} else {
			mb.AddDense(units, true, name)
		}
		mb.AddReLU(name + "_relu")
	}
	mb.AddDense(c.OutD, true, "output")

	return mb.Compile()
}
