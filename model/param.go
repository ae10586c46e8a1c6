package model

import (
	"fmt"
)

// Param is a named parameter tensor with its gradient buffer
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: shape,
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// ZeroGrad clears the gradient buffer
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// ZeroGrad clears the gradients of every parameter
func ZeroGrad(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Tensor is an owned copy of a parameter's values
type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// StateDict is the serializable parameter state of a model, in parameter order
type StateDict []Tensor

func stateOf(params []*Param) StateDict {
	state := make(StateDict, len(params))
	for i, p := range params {
		state[i] = Tensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
		}
	}
	return state
}

func loadInto(params []*Param, state StateDict) error {
	if len(state) != len(params) {
		return fmt.Errorf("parameter count mismatch: model has %d, state has %d", len(params), len(state))
	}

	for i, p := range params {
		t := state[i]
		if t.Name != p.Name {
			return fmt.Errorf("parameter %d name mismatch: model %s vs state %s", i, p.Name, t.Name)
		}
		if len(t.Shape) != len(p.Shape) {
			return fmt.Errorf("shape mismatch for %s: model %v vs state %v", p.Name, p.Shape, t.Shape)
		}
		for j, dim := range p.Shape {
			if dim != t.Shape[j] {
				return fmt.Errorf("dimension mismatch for %s at index %d: model %d vs state %d", p.Name, j, dim, t.Shape[j])
			}
		}
		if len(t.Data) != len(p.Data) {
			return fmt.Errorf("data length mismatch for %s: model %d vs state %d", p.Name, len(p.Data), len(t.Data))
		}
	}

	for i, p := range params {
		copy(p.Data, state[i].Data)
	}
	return nil
}
