package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-marge/checkpoints"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of their configuration and position.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// Cyclic modes
const (
	ModeTriangular  = "triangular"
	ModeTriangular2 = "triangular2"
	ModeExpRange    = "exp_range"
	ModeStep        = "step"
	ModeExponential = "exponential"
	ModeCosine      = "cosine"
	ModeConstant    = "constant"
)

// CyclicLR oscillates the rate between baseLR and MaxLR with a period of
// StepSize steps, rising for the first half of each cycle:
//
//	cycle = floor(1 + step/StepSize)
//	x     = |2*step/StepSize - 2*cycle + 1|
//	lr    = baseLR + (MaxLR - baseLR) * max(0, 1-x) * scale
//
// scale is 1 for triangular, 1/2^(cycle-1) for triangular2 and Gamma^step
// for exp_range.
type CyclicLR struct {
	MaxLR    float64
	StepSize int
	Mode     string
	Gamma    float64
}

// NewCyclicLR creates a cyclic scheduler; an unknown mode falls back to
// triangular
func NewCyclicLR(maxLR float64, stepSize int, mode string, gamma float64) *CyclicLR {
	if stepSize <= 0 {
		stepSize = 2000
	}
	switch mode {
	case ModeTriangular, ModeTriangular2, ModeExpRange:
	default:
		mode = ModeTriangular
	}
	if gamma <= 0 || gamma > 1 {
		gamma = 1
	}
	return &CyclicLR{MaxLR: maxLR, StepSize: stepSize, Mode: mode, Gamma: gamma}
}

func (s *CyclicLR) GetLR(epoch int, step int, baseLR float64) float64 {
	period := float64(s.StepSize)
	cycle := math.Floor(1 + float64(step)/period)
	x := math.Abs(2*float64(step)/period - 2*cycle + 1)

	scale := 1.0
	switch s.Mode {
	case ModeTriangular2:
		scale = 1 / math.Pow(2, cycle-1)
	case ModeExpRange:
		scale = math.Pow(s.Gamma, float64(step))
	}
	return baseLR + (s.MaxLR-baseLR)*math.Max(0, 1-x)*scale
}

func (s *CyclicLR) GetName() string {
	return "CyclicLR(" + s.Mode + ")"
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// SchedulerConfig selects and parameterizes a schedule
type SchedulerConfig struct {
	Mode          string  `json:"mode"`
	BaseLR        float64 `json:"base_lr"`
	MaxLR         float64 `json:"max_lr"`
	StepSize      int     `json:"step_size"` // steps per full cycle for the cyclic modes
	Gamma         float64 `json:"gamma"`
	StepsPerEpoch int     `json:"steps_per_epoch"` // converts the step counter to an epoch for epoch-based modes
	Epochs        int     `json:"epochs"`          // annealing horizon for cosine
}

// SchedulerState is the serializable position of a CyclicScheduler
type SchedulerState struct {
	SchedulerConfig
	Step int `json:"step"`
}

// CyclicScheduler drives an LRScheduler from a step counter. The rate it
// emits depends only on the configuration and the counter, so restoring the
// counter reproduces the sequence exactly.
type CyclicScheduler struct {
	config SchedulerConfig
	inner  LRScheduler
	step   int
}

// NewCyclicScheduler creates a scheduler at step 0
func NewCyclicScheduler(config SchedulerConfig) (*CyclicScheduler, error) {
	if config.BaseLR <= 0 {
		return nil, fmt.Errorf("base learning rate must be positive, got %g", config.BaseLR)
	}
	if config.StepsPerEpoch <= 0 {
		config.StepsPerEpoch = 1
	}
	if config.Mode == "" {
		config.Mode = ModeTriangular
	}

	var inner LRScheduler
	switch config.Mode {
	case ModeTriangular, ModeTriangular2, ModeExpRange:
		if config.MaxLR < config.BaseLR {
			return nil, fmt.Errorf("max learning rate %g is below base rate %g", config.MaxLR, config.BaseLR)
		}
		inner = NewCyclicLR(config.MaxLR, config.StepSize, config.Mode, config.Gamma)
		c := inner.(*CyclicLR)
		config.StepSize, config.Gamma = c.StepSize, c.Gamma
	case ModeStep:
		inner = NewStepLRScheduler(config.StepSize, config.Gamma)
	case ModeExponential:
		inner = NewExponentialLRScheduler(config.Gamma)
	case ModeCosine:
		inner = NewCosineAnnealingLRScheduler(config.Epochs, 0)
	case ModeConstant:
		inner = &NoOpScheduler{}
	default:
		return nil, fmt.Errorf("unknown learning rate mode %q", config.Mode)
	}
	return &CyclicScheduler{config: config, inner: inner}, nil
}

// Peek returns the rate for the current step without advancing
func (s *CyclicScheduler) Peek() float64 {
	return s.inner.GetLR(s.step/s.config.StepsPerEpoch, s.step, s.config.BaseLR)
}

// Advance returns the rate for the current step and moves to the next one
func (s *CyclicScheduler) Advance() float64 {
	lr := s.Peek()
	s.step++
	return lr
}

// Step returns the number of rates emitted so far
func (s *CyclicScheduler) Step() int {
	return s.step
}

// Name returns the underlying schedule name
func (s *CyclicScheduler) Name() string {
	return s.inner.GetName()
}

// State captures the scheduler position
func (s *CyclicScheduler) State() SchedulerState {
	return SchedulerState{SchedulerConfig: s.config, Step: s.step}
}

// RestoreScheduler rebuilds a scheduler from a captured state
func RestoreScheduler(state SchedulerState) (*CyclicScheduler, error) {
	s, err := NewCyclicScheduler(state.SchedulerConfig)
	if err != nil {
		return nil, err
	}
	if state.Step < 0 {
		return nil, fmt.Errorf("negative scheduler step %d", state.Step)
	}
	s.step = state.Step
	return s, nil
}

// SaveState writes the scheduler state to path as JSON
func (s *CyclicScheduler) SaveState(path string) error {
	return checkpoints.WriteJSONAtomic(path, s.State())
}

// LoadScheduler reads a state file written by SaveState
func LoadScheduler(path string) (*CyclicScheduler, error) {
	var state SchedulerState
	if err := checkpoints.ReadJSON(path, &state); err != nil {
		return nil, err
	}
	return RestoreScheduler(state)
}
