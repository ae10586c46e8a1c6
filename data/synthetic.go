package data

import (
	"math"
	"math/rand"
)

// SyntheticConfig controls the generated interaction benchmark
type SyntheticConfig struct {
	Samples    int
	DrugDim    int
	TargetDim  int
	Regression bool
	Seed       int64
}

// Synthetic holds generated train/validation/test splits and contrastive triplets
type Synthetic struct {
	Train      []Pair
	Validation []Pair
	Test       []Pair
	Triplets   []Triplet
}

// GenerateSynthetic builds a reproducible DTI-like dataset.
// Labels follow a hidden bilinear affinity between drug and target features,
// so a co-embedding model can recover them.
func GenerateSynthetic(cfg SyntheticConfig) *Synthetic {
	rng := rand.New(rand.NewSource(cfg.Seed))

	hidden := make([][]float64, cfg.DrugDim)
	for i := range hidden {
		hidden[i] = randomVector(rng, cfg.TargetDim)
	}

	pairs := make([]Pair, cfg.Samples)
	var positives, negatives []int
	for i := range pairs {
		drug := randomVector(rng, cfg.DrugDim)
		target := randomVector(rng, cfg.TargetDim)

		affinity := 0.0
		for a := range drug {
			for b := range target {
				affinity += drug[a] * hidden[a][b] * target[b]
			}
		}
		affinity /= math.Sqrt(float64(cfg.DrugDim * cfg.TargetDim))

		label := affinity
		if !cfg.Regression {
			label = 0
			if affinity > 0 {
				label = 1
			}
		}
		pairs[i] = Pair{Drug: drug, Target: target, Label: label}

		if affinity > 0 {
			positives = append(positives, i)
		} else {
			negatives = append(negatives, i)
		}
	}

	// 70/10/20 split, matching the benchmark layout
	nTrain := cfg.Samples * 7 / 10
	nVal := cfg.Samples / 10
	s := &Synthetic{
		Train:      pairs[:nTrain],
		Validation: pairs[nTrain : nTrain+nVal],
		Test:       pairs[nTrain+nVal:],
	}

	// Anchor on the target of a positive pair, contrast its drug against a negative drug
	for i, p := range positives {
		if len(negatives) == 0 {
			break
		}
		neg := negatives[i%len(negatives)]
		s.Triplets = append(s.Triplets, Triplet{
			Anchor:   pairs[p].Target,
			Positive: pairs[p].Drug,
			Negative: pairs[neg].Drug,
		})
	}
	return s
}

func randomVector(rng *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	return v
}
