package optimizer

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-marge/checkpoints"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	AMSGrad      bool
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		AMSGrad:      true,
	}
}

// AdamOptimizer keeps first and second moment estimates per parameter and,
// with AMSGrad, the running maximum of the second moment. The bias
// correction is folded into the step size:
//
//	lr_t = lr * sqrt(1 - beta2^t) / (1 - beta1^t)
type AdamOptimizer struct {
	config AdamConfig

	m    [][]float64
	v    [][]float64
	vHat [][]float64

	stepCount uint64
}

// NewAdamOptimizer creates an Adam optimizer; invalid hyperparameters fall
// back to the defaults
func NewAdamOptimizer(config AdamConfig) *AdamOptimizer {
	def := DefaultAdamConfig()
	if config.LearningRate <= 0 {
		config.LearningRate = def.LearningRate
	}
	if config.Beta1 <= 0 || config.Beta1 >= 1 {
		config.Beta1 = def.Beta1
	}
	if config.Beta2 <= 0 || config.Beta2 >= 1 {
		config.Beta2 = def.Beta2
	}
	if config.Epsilon <= 0 {
		config.Epsilon = def.Epsilon
	}
	return &AdamOptimizer{config: config}
}

func (a *AdamOptimizer) init(values [][]float64) {
	a.m = make([][]float64, len(values))
	a.v = make([][]float64, len(values))
	if a.config.AMSGrad {
		a.vHat = make([][]float64, len(values))
	}
	for i, p := range values {
		a.m[i] = make([]float64, len(p))
		a.v[i] = make([]float64, len(p))
		if a.config.AMSGrad {
			a.vHat[i] = make([]float64, len(p))
		}
	}
}

// Step applies one update to values in place
func (a *AdamOptimizer) Step(values, grads [][]float64) error {
	if len(values) != len(grads) {
		return fmt.Errorf("gradient count %d does not match parameter count %d", len(grads), len(values))
	}
	if a.m == nil {
		a.init(values)
	}
	if len(a.m) != len(values) {
		return fmt.Errorf("optimizer tracks %d parameters, got %d", len(a.m), len(values))
	}

	a.stepCount++
	t := float64(a.stepCount)
	b1, b2 := a.config.Beta1, a.config.Beta2
	lrT := a.config.LearningRate * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t))

	for i, p := range values {
		g := grads[i]
		if len(g) != len(p) || len(a.m[i]) != len(p) {
			return fmt.Errorf("parameter %d: size mismatch", i)
		}
		m, v := a.m[i], a.v[i]
		for j := range p {
			m[j] = b1*m[j] + (1-b1)*g[j]
			v[j] = b2*v[j] + (1-b2)*g[j]*g[j]
			denom := v[j]
			if a.config.AMSGrad {
				if v[j] > a.vHat[i][j] {
					a.vHat[i][j] = v[j]
				}
				denom = a.vHat[i][j]
			}
			p[j] -= lrT * m[j] / (math.Sqrt(denom) + a.config.Epsilon)
		}
	}
	return nil
}

// GetStepCount returns the current optimization step number
func (a *AdamOptimizer) GetStepCount() uint64 {
	return a.stepCount
}

// UpdateLearningRate updates the learning rate
func (a *AdamOptimizer) UpdateLearningRate(lr float64) {
	a.config.LearningRate = lr
}

// GetLearningRate returns the current learning rate
func (a *AdamOptimizer) GetLearningRate() float64 {
	return a.config.LearningRate
}

// GetState extracts optimizer state for checkpointing
func (a *AdamOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"amsgrad":       a.config.AMSGrad,
			"step_count":    a.stepCount,
		},
	}

	add := func(kind string, bufs [][]float64) {
		for i, b := range bufs {
			state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("%s_%d", kind, i),
				Shape:     []int{len(b)},
				Data:      append([]float64(nil), b...),
				StateType: kind,
			})
		}
	}
	add("m", a.m)
	add("v", a.v)
	if a.config.AMSGrad {
		add("vhat", a.vHat)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (a *AdamOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	a.config.LearningRate = extractFloatParam(state.Parameters, "learning_rate", a.config.LearningRate)
	a.config.Beta1 = extractFloatParam(state.Parameters, "beta1", a.config.Beta1)
	a.config.Beta2 = extractFloatParam(state.Parameters, "beta2", a.config.Beta2)
	a.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.AMSGrad = extractBoolParam(state.Parameters, "amsgrad", a.config.AMSGrad)
	a.stepCount = extractUint64Param(state.Parameters, "step_count", 0)

	buffers := map[string]*[][]float64{"m": &a.m, "v": &a.v, "vhat": &a.vHat}
	counts := map[string]int{}
	for _, st := range state.StateData {
		if _, ok := buffers[st.StateType]; ok {
			if idx := extractBufferIndex(st.Name); idx+1 > counts[st.StateType] {
				counts[st.StateType] = idx + 1
			}
		}
	}
	for kind, ptr := range buffers {
		*ptr = make([][]float64, counts[kind])
	}
	for _, st := range state.StateData {
		ptr, ok := buffers[st.StateType]
		if !ok {
			continue
		}
		idx := extractBufferIndex(st.Name)
		if idx < 0 || !strings.HasPrefix(st.Name, st.StateType+"_") {
			return fmt.Errorf("malformed optimizer tensor name %q", st.Name)
		}
		(*ptr)[idx] = append([]float64(nil), st.Data...)
	}

	if len(a.m) != len(a.v) || (a.config.AMSGrad && len(a.vHat) != len(a.m)) {
		return fmt.Errorf("inconsistent Adam state: %d m, %d v, %d vhat buffers", len(a.m), len(a.v), len(a.vHat))
	}
	if len(a.m) == 0 {
		a.m, a.v, a.vHat = nil, nil, nil
	}
	return nil
}
