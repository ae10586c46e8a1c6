// Package model defines the contract the trainer consumes and a reference
// co-embedding model implementing it with explicit backpropagation.
package model

import (
	"fmt"

	"github.com/tsawler/go-dti/device"
)

// Model is a drug-target interaction predictor with two projection heads
type Model interface {
	// Forward predicts one score per (drug, target) row. In training mode the
	// returned Prediction can backpropagate into Parameters().
	Forward(drug, target [][]float64) (*Prediction, error)

	// TargetProjector embeds target-like inputs into the shared space
	TargetProjector() Projector
	// DrugProjector embeds drug-like inputs into the shared space
	DrugProjector() Projector

	Parameters() []*Param
	Device() device.Device

	Train()
	Eval()
	IsTraining() bool

	// StateDict returns an owned copy of every parameter
	StateDict() StateDict
	// LoadStateDict copies parameters in; names and shapes must match
	LoadStateDict(state StateDict) error
}

// Projector maps a batch of feature rows into the shared embedding space
type Projector interface {
	Project(x [][]float64) (*Projection, error)
}

// Prediction is a forward result that can propagate gradients once
type Prediction struct {
	Out      []float64
	backward func(dOut []float64) error
}

// Backward accumulates dLoss/dOut into the parameters that produced Out
func (p *Prediction) Backward(dOut []float64) error {
	if p.backward == nil {
		return fmt.Errorf("prediction was computed without gradient tracking")
	}
	if len(dOut) != len(p.Out) {
		return fmt.Errorf("gradient length mismatch: expected %d, got %d", len(p.Out), len(dOut))
	}
	return p.backward(dOut)
}

// Projection is an embedding result that can propagate gradients once
type Projection struct {
	Out      [][]float64
	backward func(dOut [][]float64) error
}

// Backward accumulates dLoss/dOut into the projector parameters
func (p *Projection) Backward(dOut [][]float64) error {
	if p.backward == nil {
		return fmt.Errorf("projection was computed without gradient tracking")
	}
	if len(dOut) != len(p.Out) {
		return fmt.Errorf("gradient rows mismatch: expected %d, got %d", len(p.Out), len(dOut))
	}
	return p.backward(dOut)
}
