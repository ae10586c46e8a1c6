package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-dti/device"
)

// CoEmbeddingConfig sizes the reference model
type CoEmbeddingConfig struct {
	DrugDim   int
	TargetDim int
	Latent    int
	// Classify squashes scores through a sigmoid; otherwise scores are raw affinities
	Classify bool
	Seed     int64
}

// CoEmbedding projects drugs and targets into a shared latent space and
// scores a pair by the scaled inner product of its embeddings.
type CoEmbedding struct {
	cfg      CoEmbeddingConfig
	drug     *Linear
	target   *Linear
	offset   *Param
	training bool
	scale    float64
}

// NewCoEmbedding builds a model with seeded initialization
func NewCoEmbedding(cfg CoEmbeddingConfig) (*CoEmbedding, error) {
	if cfg.DrugDim <= 0 || cfg.TargetDim <= 0 || cfg.Latent <= 0 {
		return nil, fmt.Errorf("invalid co-embedding dimensions: drug %d, target %d, latent %d",
			cfg.DrugDim, cfg.TargetDim, cfg.Latent)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &CoEmbedding{
		cfg:      cfg,
		offset:   newParam("output.bias", 1),
		training: true,
		scale:    1 / math.Sqrt(float64(cfg.Latent)),
	}
	m.drug = newLinear("drug_projector", cfg.DrugDim, cfg.Latent, rng, &m.training)
	m.target = newLinear("target_projector", cfg.TargetDim, cfg.Latent, rng, &m.training)
	return m, nil
}

// Forward scores each (drug, target) row
func (m *CoEmbedding) Forward(drug, target [][]float64) (*Prediction, error) {
	if len(drug) != len(target) {
		return nil, fmt.Errorf("batch mismatch: %d drugs, %d targets", len(drug), len(target))
	}

	zd, err := m.drug.Project(drug)
	if err != nil {
		return nil, fmt.Errorf("drug projection failed: %w", err)
	}
	zt, err := m.target.Project(target)
	if err != nil {
		return nil, fmt.Errorf("target projection failed: %w", err)
	}

	out := make([]float64, len(drug))
	for i := range out {
		s := floats.Dot(zd.Out[i], zt.Out[i])*m.scale + m.offset.Data[0]
		if m.cfg.Classify {
			s = sigmoid(s)
		}
		out[i] = s
	}

	pred := &Prediction{Out: out}
	if m.training {
		pred.backward = func(dOut []float64) error {
			dZd := make([][]float64, len(out))
			dZt := make([][]float64, len(out))
			for i, g := range dOut {
				if m.cfg.Classify {
					g *= out[i] * (1 - out[i])
				}
				m.offset.Grad[0] += g

				dZd[i] = make([]float64, m.cfg.Latent)
				dZt[i] = make([]float64, m.cfg.Latent)
				floats.AddScaled(dZd[i], g*m.scale, zt.Out[i])
				floats.AddScaled(dZt[i], g*m.scale, zd.Out[i])
			}
			if err := zd.Backward(dZd); err != nil {
				return err
			}
			return zt.Backward(dZt)
		}
	}
	return pred, nil
}

func (m *CoEmbedding) TargetProjector() Projector { return m.target }
func (m *CoEmbedding) DrugProjector() Projector { return m.drug }

// Parameters returns every trainable tensor in a stable order
func (m *CoEmbedding) Parameters() []*Param {
	params := append([]*Param{}, m.drug.Parameters()...)
	params = append(params, m.target.Parameters()...)
	return append(params, m.offset)
}

func (m *CoEmbedding) Device() device.Device { return device.Host }

func (m *CoEmbedding) Train() { m.training = true }
func (m *CoEmbedding) Eval() { m.training = false }
func (m *CoEmbedding) IsTraining() bool { return m.training }

func (m *CoEmbedding) StateDict() StateDict {
	return stateOf(m.Parameters())
}

func (m *CoEmbedding) LoadStateDict(state StateDict) error {
	return loadInto(m.Parameters(), state)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
