package optimizer

import (
	"fmt"

	"github.com/tsawler/go-marge/checkpoints"
)

// Optimizer defines the common interface for all optimizers
// This interface enables state save/restore for checkpoint functionality
type Optimizer interface {
	// Step performs a single optimization step. values and grads hold one
	// slice per parameter tensor and must keep the same layout across calls.
	Step(values, grads [][]float64) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate used by the next Step
	UpdateLearningRate(lr float64)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float64
}

// extractBufferIndex extracts the buffer index from state tensor names like "m_0", "vhat_3"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
