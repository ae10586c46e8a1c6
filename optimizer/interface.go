package optimizer

import (
	"fmt"

	"github.com/tsawler/go-dti/model"
)

// Optimizer defines the common interface for parameter optimizers.
// State can be extracted and restored for checkpointing.
type Optimizer interface {
	// Step applies one update from the gradients currently held by the parameters
	Step() error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the number of updates applied so far
	GetStepCount() uint64

	// UpdateLearningRate sets the learning rate used by subsequent steps
	UpdateLearningRate(lr float64)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float64

	// Parameters returns the tensors this optimizer updates
	Parameters() []*model.Param
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState struct {
	Type       string                 `json:"type"`       // "AdamW", ...
	Parameters map[string]interface{} `json:"parameters"` // Hyperparameters
	StepCount  uint64                 `json:"step_count"`
	StateData  []StateTensor          `json:"state_data"` // Moment buffers
}

// StateTensor is one optimizer buffer, e.g. "m_0" or "v_3"
type StateTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"`
}

// extractBufferIndex extracts the buffer index from state tensor names like "m_0", "v_12"
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
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
