package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-dti/config"
)

// Loss interface defines methods that all supervised loss functions must implement
type Loss interface {
	Forward(predicted, target []float64) (float64, error)
	Backward(predicted, target []float64) ([]float64, error)
	Name() string
}

// NewLoss returns the supervised loss for a task mode
func NewLoss(mode config.TaskMode) Loss {
	if mode == config.Regression {
		return NewMSELoss()
	}
	return NewBCELoss()
}

func checkLossShapes(predicted, target []float64) error {
	if len(predicted) != len(target) {
		return fmt.Errorf("predicted and target must have the same length: %d vs %d", len(predicted), len(target))
	}
	if len(predicted) == 0 {
		return fmt.Errorf("empty batch")
	}
	return nil
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct{}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss() *MSELoss {
	return &MSELoss{}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target []float64) (float64, error) {
	if err := checkLossShapes(predicted, target); err != nil {
		return 0, err
	}
	sum := 0.0
	for i, p := range predicted {
		d := p - target[i]
		sum += d * d
	}
	return sum / float64(len(predicted)), nil
}

// Backward computes dL/dy_pred = 2(y_pred - y_true)/N
func (mse *MSELoss) Backward(predicted, target []float64) ([]float64, error) {
	if err := checkLossShapes(predicted, target); err != nil {
		return nil, err
	}
	n := float64(len(predicted))
	grad := make([]float64, len(predicted))
	for i, p := range predicted {
		grad[i] = 2 * (p - target[i]) / n
	}
	return grad, nil
}

func (mse *MSELoss) Name() string { return "MSELoss" }

// BCELoss is binary cross entropy over probabilities. Log terms are clamped
// at -100 so saturated predictions yield a finite loss.
type BCELoss struct{}

const (
	bceLogFloor = -100
	bceEpsilon  = 1e-12
)

// NewBCELoss creates a new binary cross entropy loss function
func NewBCELoss() *BCELoss {
	return &BCELoss{}
}

func (bce *BCELoss) Forward(predicted, target []float64) (float64, error) {
	if err := checkLossShapes(predicted, target); err != nil {
		return 0, err
	}
	sum := 0.0
	for i, p := range predicted {
		if p < 0 || p > 1 || math.IsNaN(p) {
			return 0, fmt.Errorf("prediction %d is not a probability: %g", i, p)
		}
		y := target[i]
		sum -= y*math.Max(math.Log(p), bceLogFloor) + (1-y)*math.Max(math.Log(1-p), bceLogFloor)
	}
	return sum / float64(len(predicted)), nil
}

func (bce *BCELoss) Backward(predicted, target []float64) ([]float64, error) {
	if err := checkLossShapes(predicted, target); err != nil {
		return nil, err
	}
	n := float64(len(predicted))
	grad := make([]float64, len(predicted))
	for i, p := range predicted {
		grad[i] = (p - target[i]) / math.Max(p*(1-p), bceEpsilon) / n
	}
	return grad, nil
}

func (bce *BCELoss) Name() string { return "BCELoss" }

// TripletGradients holds dL/d(anchor, positive, negative)
type TripletGradients struct {
	Anchor   [][]float64
	Positive [][]float64
	Negative [][]float64
}

// TripletLoss is mean(max(d(a,p) - d(a,n) + margin, 0)) with the distance
// d(x,y) = 1 - sigmoid(cos(x,y)).
type TripletLoss struct {
	Margin float64
}

const cosineEpsilon = 1e-8

// Forward computes the loss and its gradients for a batch of triplets
func (l TripletLoss) Forward(anchor, positive, negative [][]float64) (float64, *TripletGradients, error) {
	n := len(anchor)
	if n == 0 {
		return 0, nil, fmt.Errorf("empty triplet batch")
	}
	if len(positive) != n || len(negative) != n {
		return 0, nil, fmt.Errorf("triplet cardinality mismatch: %d/%d/%d", n, len(positive), len(negative))
	}

	grads := &TripletGradients{
		Anchor:   make([][]float64, n),
		Positive: make([][]float64, n),
		Negative: make([][]float64, n),
	}

	loss := 0.0
	for i := 0; i < n; i++ {
		a, p, q := anchor[i], positive[i], negative[i]
		if len(p) != len(a) || len(q) != len(a) {
			return 0, nil, fmt.Errorf("triplet %d has mismatched embedding widths", i)
		}

		grads.Anchor[i] = make([]float64, len(a))
		grads.Positive[i] = make([]float64, len(p))
		grads.Negative[i] = make([]float64, len(q))

		cosAP, dAfromP, dP := cosineWithGrad(a, p)
		cosAN, dAfromN, dN := cosineWithGrad(a, q)
		sAP, sAN := sigmoid(cosAP), sigmoid(cosAN)

		hinge := (1 - sAP) - (1 - sAN) + l.Margin
		if hinge <= 0 {
			continue
		}
		loss += hinge

		// dd/dcos = -s(1-s)
		wAP := -sAP * (1 - sAP) / float64(n)
		wAN := sAN * (1 - sAN) / float64(n)
		floats.AddScaled(grads.Anchor[i], wAP, dAfromP)
		floats.AddScaled(grads.Anchor[i], wAN, dAfromN)
		floats.AddScaled(grads.Positive[i], wAP, dP)
		floats.AddScaled(grads.Negative[i], wAN, dN)
	}

	return loss / float64(n), grads, nil
}

// cosineWithGrad returns cos(x,y) and its gradients with respect to x and y
func cosineWithGrad(x, y []float64) (float64, []float64, []float64) {
	nx := math.Max(floats.Norm(x, 2), cosineEpsilon)
	ny := math.Max(floats.Norm(y, 2), cosineEpsilon)
	c := floats.Dot(x, y) / (nx * ny)

	dx := make([]float64, len(x))
	dy := make([]float64, len(y))
	for j := range x {
		dx[j] = y[j]/(nx*ny) - c*x[j]/(nx*nx)
		dy[j] = x[j]/(nx*ny) - c*y[j]/(ny*ny)
	}
	return c, dx, dy
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
