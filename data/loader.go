package data

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/tsawler/go-dti/device"
)

// Provider yields a finite, restartable sequence of batches.
// Next returns io.EOF once the current pass is exhausted; Reset starts a new pass.
type Provider[B any] interface {
	Len() int
	Reset()
	Next() (B, error)
}

// Pair is a single supervised example
type Pair struct {
	Drug   []float64
	Target []float64
	Label  float64
}

// Triplet is a single contrastive example
type Triplet struct {
	Anchor   []float64
	Positive []float64
	Negative []float64
}

// Loader provides batching and optional shuffling over an in-memory sample set
type Loader[S any, B any] struct {
	samples   []S
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	device    device.Device
	indices   []int
	position  int
	collate   func(samples []S, indices []int, dev device.Device) B
}

func newLoader[S any, B any](samples []S, batchSize int, shuffle bool, seed int64, dev device.Device,
	collate func([]S, []int, device.Device) B) (*Loader[S, B], error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	indices := make([]int, len(samples))
	for i := range indices {
		indices[i] = i
	}

	return &Loader[S, B]{
		samples:   samples,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		device:    dev,
		indices:   indices,
		collate:   collate,
	}, nil
}

// NewSupervisedLoader batches drug/target/label pairs
func NewSupervisedLoader(samples []Pair, batchSize int, shuffle bool, seed int64, dev device.Device) (*Loader[Pair, *SupervisedBatch], error) {
	return newLoader(samples, batchSize, shuffle, seed, dev, collatePairs)
}

// NewTripletLoader batches anchor/positive/negative triplets
func NewTripletLoader(samples []Triplet, batchSize int, shuffle bool, seed int64, dev device.Device) (*Loader[Triplet, *TripletBatch], error) {
	return newLoader(samples, batchSize, shuffle, seed, dev, collateTriplets)
}

// Len returns the number of batches in a pass
func (l *Loader[S, B]) Len() int {
	return (len(l.samples) + l.batchSize - 1) / l.batchSize
}

// Samples returns the number of examples in a pass
func (l *Loader[S, B]) Samples() int {
	return len(l.samples)
}

// Reset rewinds the loader, reshuffling when enabled
func (l *Loader[S, B]) Reset() {
	l.position = 0
	if l.shuffle {
		l.rng.Shuffle(len(l.indices), func(i, j int) {
			l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
		})
	}
}

// HasNext reports whether another batch is available in this pass
func (l *Loader[S, B]) HasNext() bool {
	return l.position < len(l.samples)
}

// Next returns the next batch, or io.EOF at the end of the pass
func (l *Loader[S, B]) Next() (B, error) {
	var zero B
	if !l.HasNext() {
		return zero, io.EOF
	}

	end := l.position + l.batchSize
	if end > len(l.samples) {
		end = len(l.samples)
	}

	batch := l.collate(l.samples, l.indices[l.position:end], l.device)
	l.position = end
	return batch, nil
}

func collatePairs(samples []Pair, indices []int, dev device.Device) *SupervisedBatch {
	batch := &SupervisedBatch{
		Drug:   make([][]float64, len(indices)),
		Target: make([][]float64, len(indices)),
		Labels: make([]float64, len(indices)),
		Device: dev,
	}
	for i, idx := range indices {
		batch.Drug[i] = samples[idx].Drug
		batch.Target[i] = samples[idx].Target
		batch.Labels[i] = samples[idx].Label
	}
	return batch
}

func collateTriplets(samples []Triplet, indices []int, dev device.Device) *TripletBatch {
	batch := &TripletBatch{
		Anchor:   make([][]float64, len(indices)),
		Positive: make([][]float64, len(indices)),
		Negative: make([][]float64, len(indices)),
		Device:   dev,
	}
	for i, idx := range indices {
		batch.Anchor[i] = samples[idx].Anchor
		batch.Positive[i] = samples[idx].Positive
		batch.Negative[i] = samples[idx].Negative
	}
	return batch
}
