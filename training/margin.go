package training

import (
	"fmt"
	"math"
)

// MarginKind selects how the triplet margin evolves within a restart cycle
type MarginKind int

const (
	TanhDecay MarginKind = iota
	CosineAnneal
	LinearDecay
	NoDecay
)

func (k MarginKind) String() string {
	switch k {
	case TanhDecay:
		return "tanh_decay"
	case CosineAnneal:
		return "cosine_anneal"
	case LinearDecay:
		return "linear_decay"
	case NoDecay:
		return "no_decay"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// ParseMarginKind maps a margin_fn value to its kind
func ParseMarginKind(name string) (MarginKind, error) {
	for _, k := range []MarginKind{TanhDecay, CosineAnneal, LinearDecay, NoDecay} {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown margin function %q", name)
}

// MarginAt is the margin schedule: the value at epoch for the given policy.
// Every epoch that is a multiple of restartPeriod yields maxMargin.
func MarginAt(kind MarginKind, maxMargin float64, restartPeriod, epoch int) float64 {
	if maxMargin <= 0 {
		return 0
	}
	if restartPeriod < 1 {
		restartPeriod = 1
	}
	if epoch < 0 {
		epoch = 0
	}

	x := float64(epoch % restartPeriod)
	n := float64(restartPeriod)

	var m float64
	switch kind {
	case TanhDecay:
		m = maxMargin * (1 - math.Tanh(2*x/n))
	case CosineAnneal:
		m = 0.5 * maxMargin * (1 + math.Cos(math.Pi*x/n))
	case LinearDecay:
		m = maxMargin * (1 - x/n)
	default:
		m = maxMargin
	}
	return math.Min(math.Max(m, 0), maxMargin)
}

// MarginState is a reproducible snapshot of a margin scheduler
type MarginState struct {
	Current       float64
	Epoch         int
	Epochs        int
	RestartPeriod int
	MaxMargin     float64
	Kind          MarginKind
}

// MarginScheduler owns the contrastive margin across epochs
type MarginScheduler struct {
	kind          MarginKind
	maxMargin     float64
	epochs        int
	restartPeriod int
	epoch         int
}

// NewMarginScheduler creates a scheduler at epoch 0. A restart period of -1
// means one cycle spanning all epochs.
func NewMarginScheduler(kind MarginKind, maxMargin float64, epochs, restartPeriod int) (*MarginScheduler, error) {
	if restartPeriod == -1 {
		restartPeriod = epochs
	}
	if maxMargin < 0 || math.IsNaN(maxMargin) {
		return nil, fmt.Errorf("margin must be non-negative, got %g", maxMargin)
	}
	if restartPeriod < 1 {
		return nil, fmt.Errorf("margin restart period must be at least 1, got %d", restartPeriod)
	}
	if kind < TanhDecay || kind > NoDecay {
		return nil, fmt.Errorf("unknown margin function %s", kind)
	}
	return &MarginScheduler{
		kind:          kind,
		maxMargin:     maxMargin,
		epochs:        epochs,
		restartPeriod: restartPeriod,
	}, nil
}

// RestoreMarginScheduler rebuilds a scheduler from a snapshot
func RestoreMarginScheduler(state MarginState) (*MarginScheduler, error) {
	s, err := NewMarginScheduler(state.Kind, state.MaxMargin, state.Epochs, state.RestartPeriod)
	if err != nil {
		return nil, err
	}
	if state.Epoch < 0 {
		return nil, fmt.Errorf("margin epoch must be non-negative, got %d", state.Epoch)
	}
	s.epoch = state.Epoch
	return s, nil
}

// Margin returns the current margin
func (s *MarginScheduler) Margin() float64 {
	return MarginAt(s.kind, s.maxMargin, s.restartPeriod, s.epoch)
}

// Step advances the schedule by one epoch
func (s *MarginScheduler) Step() {
	s.epoch++
}

// State returns the scheduler position for checkpointing; RestoreMarginScheduler
// resumes from it.
func (s *MarginScheduler) State() MarginState {
	return MarginState{
		Current:       s.Margin(),
		Epoch:         s.epoch,
		Epochs:        s.epochs,
		RestartPeriod: s.restartPeriod,
		MaxMargin:     s.maxMargin,
		Kind:          s.kind,
	}
}
