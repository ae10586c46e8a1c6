package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Linear is a fully connected layer followed by ReLU: y = max(0, Wx + b)
type Linear struct {
	in, out  int
	weight   *Param // [out, in], row-major
	bias     *Param // [out]
	training *bool
}

// newLinear initializes weights uniformly in ±1/sqrt(in)
func newLinear(name string, in, out int, rng *rand.Rand, training *bool) *Linear {
	l := &Linear{
		in:       in,
		out:      out,
		weight:   newParam(name+".weight", out, in),
		bias:     newParam(name+".bias", out),
		training: training,
	}

	bound := 1 / math.Sqrt(float64(in))
	for i := range l.weight.Data {
		l.weight.Data[i] = (rng.Float64()*2 - 1) * bound
	}
	for i := range l.bias.Data {
		l.bias.Data[i] = (rng.Float64()*2 - 1) * bound
	}
	return l
}

func (l *Linear) row(o int) []float64 {
	return l.weight.Data[o*l.in : (o+1)*l.in]
}

func (l *Linear) gradRow(o int) []float64 {
	return l.weight.Grad[o*l.in : (o+1)*l.in]
}

// Project embeds every row of x
func (l *Linear) Project(x [][]float64) (*Projection, error) {
	out := make([][]float64, len(x))
	for i, row := range x {
		if len(row) != l.in {
			return nil, fmt.Errorf("input row %d has %d features, expected %d", i, len(row), l.in)
		}
		y := make([]float64, l.out)
		for o := range y {
			v := floats.Dot(l.row(o), row) + l.bias.Data[o]
			if v > 0 {
				y[o] = v
			}
		}
		out[i] = y
	}

	proj := &Projection{Out: out}
	if *l.training {
		proj.backward = func(dOut [][]float64) error {
			return l.backward(x, out, dOut)
		}
	}
	return proj, nil
}

func (l *Linear) backward(x, out, dOut [][]float64) error {
	for i := range dOut {
		if len(dOut[i]) != l.out {
			return fmt.Errorf("gradient row %d has %d values, expected %d", i, len(dOut[i]), l.out)
		}
		for o, g := range dOut[i] {
			if out[i][o] <= 0 || g == 0 {
				continue
			}
			floats.AddScaled(l.gradRow(o), g, x[i])
			l.bias.Grad[o] += g
		}
	}
	return nil
}

// Parameters returns weight and bias
func (l *Linear) Parameters() []*Param {
	return []*Param{l.weight, l.bias}
}
