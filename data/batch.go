package data

import (
	"fmt"

	"github.com/tsawler/go-dti/device"
)

// SupervisedBatch holds co-indexed drug features, target features and labels
type SupervisedBatch struct {
	Drug   [][]float64
	Target [][]float64
	Labels []float64
	Device device.Device
}

// Size returns the number of examples in the batch
func (b *SupervisedBatch) Size() int {
	return len(b.Labels)
}

// Validate checks that all three columns have the same cardinality
func (b *SupervisedBatch) Validate() error {
	if len(b.Drug) != len(b.Labels) || len(b.Target) != len(b.Labels) {
		return fmt.Errorf("supervised batch cardinality mismatch: drug %d, target %d, labels %d",
			len(b.Drug), len(b.Target), len(b.Labels))
	}
	if len(b.Labels) == 0 {
		return fmt.Errorf("supervised batch is empty")
	}
	return nil
}

// TripletBatch holds anchor (target-like), positive and negative (drug-like) features
type TripletBatch struct {
	Anchor   [][]float64
	Positive [][]float64
	Negative [][]float64
	Device   device.Device
}

// Size returns the number of triplets in the batch
func (b *TripletBatch) Size() int {
	return len(b.Anchor)
}

// Validate checks that anchor, positive and negative are co-indexed
func (b *TripletBatch) Validate() error {
	if len(b.Positive) != len(b.Anchor) || len(b.Negative) != len(b.Anchor) {
		return fmt.Errorf("triplet batch cardinality mismatch: anchor %d, positive %d, negative %d",
			len(b.Anchor), len(b.Positive), len(b.Negative))
	}
	if len(b.Anchor) == 0 {
		return fmt.Errorf("triplet batch is empty")
	}
	return nil
}
