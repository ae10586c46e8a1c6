package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas64"

	"github.com/tsawler/go-dti/model"
)

// AdamWOptimizerState is Adam with decoupled weight decay (Loshchilov & Hutter)
type AdamWOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero
	WeightDecay  float64 // Decoupled decay coefficient

	// Moment buffers, one per parameter tensor
	MomentumBuffers [][]float64
	VarianceBuffers [][]float64

	// Step tracking for bias correction
	StepCount uint64

	params []*model.Param
}

// AdamWConfig holds configuration for the AdamW optimizer
type AdamWConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamWConfig returns the conventional AdamW configuration
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.01,
	}
}

// NewAdamWOptimizer creates an optimizer over params
func NewAdamWOptimizer(config AdamWConfig, params []*model.Param) (*AdamWOptimizerState, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("AdamW beta1 must be in [0, 1), got %g", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("AdamW beta2 must be in [0, 1), got %g", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("AdamW epsilon must be positive, got %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non-negative, got %g", config.WeightDecay)
	}

	opt := &AdamWOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([][]float64, len(params)),
		VarianceBuffers: make([][]float64, len(params)),
		params:          params,
	}
	for i, p := range params {
		opt.MomentumBuffers[i] = make([]float64, len(p.Data))
		opt.VarianceBuffers[i] = make([]float64, len(p.Data))
	}
	return opt, nil
}

// Step applies one AdamW update to every parameter tensor
func (opt *AdamWOptimizerState) Step() error {
	for _, p := range opt.params {
		if len(p.Grad) != len(p.Data) {
			return fmt.Errorf("gradient size mismatch for %s: expected %d, got %d", p.Name, len(p.Data), len(p.Grad))
		}
		for _, g := range p.Grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return fmt.Errorf("non-finite gradient in %s", p.Name)
			}
		}
	}

	opt.StepCount++
	bc1 := 1 - math.Pow(opt.Beta1, float64(opt.StepCount))
	bc2 := 1 - math.Pow(opt.Beta2, float64(opt.StepCount))

	for i, p := range opt.params {
		// Decoupled weight decay: θ ← θ(1 - ηλ)
		if opt.WeightDecay > 0 {
			blas64.Scal(1-opt.LearningRate*opt.WeightDecay, blas64.Vector{N: len(p.Data), Data: p.Data, Inc: 1})
		}

		m := opt.MomentumBuffers[i]
		v := opt.VarianceBuffers[i]
		for j, g := range p.Grad {
			m[j] = opt.Beta1*m[j] + (1-opt.Beta1)*g
			v[j] = opt.Beta2*v[j] + (1-opt.Beta2)*g*g

			mHat := m[j] / bc1
			vHat := math.Max(v[j]/bc2, 0)
			p.Data[j] -= opt.LearningRate * mHat / (math.Sqrt(vHat) + opt.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate sets the learning rate for subsequent steps
func (opt *AdamWOptimizerState) UpdateLearningRate(lr float64) {
	opt.LearningRate = lr
}

// GetLearningRate returns the current learning rate
func (opt *AdamWOptimizerState) GetLearningRate() float64 {
	return opt.LearningRate
}

// GetStepCount returns the current optimization step number
func (opt *AdamWOptimizerState) GetStepCount() uint64 {
	return opt.StepCount
}

// Parameters returns the tensors updated by this optimizer
func (opt *AdamWOptimizerState) Parameters() []*model.Param {
	return opt.params
}

// GetState extracts hyperparameters and moment buffers
func (opt *AdamWOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "AdamW",
		Parameters: map[string]interface{}{
			"learning_rate": opt.LearningRate,
			"beta1":         opt.Beta1,
			"beta2":         opt.Beta2,
			"epsilon":       opt.Epsilon,
			"weight_decay":  opt.WeightDecay,
		},
		StepCount: opt.StepCount,
	}

	for i := range opt.params {
		state.StateData = append(state.StateData,
			extractBufferState(opt.MomentumBuffers[i], fmt.Sprintf("m_%d", i), "momentum"),
			extractBufferState(opt.VarianceBuffers[i], fmt.Sprintf("v_%d", i), "variance"),
		)
	}
	return state, nil
}

// LoadState restores hyperparameters and moment buffers
func (opt *AdamWOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdamW", state); err != nil {
		return err
	}

	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(opt.params) {
			return fmt.Errorf("invalid buffer index in state tensor %s", st.Name)
		}

		var buffer []float64
		switch st.StateType {
		case "momentum":
			buffer = opt.MomentumBuffers[idx]
		case "variance":
			buffer = opt.VarianceBuffers[idx]
		default:
			return fmt.Errorf("unknown state type %s for %s", st.StateType, st.Name)
		}
		if err := restoreBufferState(buffer, st.Data, st.Name); err != nil {
			return err
		}
	}

	opt.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", opt.LearningRate)
	opt.Beta1 = extractFloat64Param(state.Parameters, "beta1", opt.Beta1)
	opt.Beta2 = extractFloat64Param(state.Parameters, "beta2", opt.Beta2)
	opt.Epsilon = extractFloat64Param(state.Parameters, "epsilon", opt.Epsilon)
	opt.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", opt.WeightDecay)
	opt.StepCount = state.StepCount
	return nil
}
