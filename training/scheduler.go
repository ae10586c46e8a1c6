package training

import (
	"math"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of their position; callers own the position.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}

	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// CosineAnnealingWarmRestartsScheduler anneals over T0 epochs, then restarts at baseLR
type CosineAnnealingWarmRestartsScheduler struct {
	T0     int
	EtaMin float64
	cycle  *CosineAnnealingLRScheduler
}

// NewCosineAnnealingWarmRestartsScheduler creates a warm restart scheduler with period t0
func NewCosineAnnealingWarmRestartsScheduler(t0 int, etaMin float64) *CosineAnnealingWarmRestartsScheduler {
	if t0 <= 0 {
		t0 = 10
	}
	cycle := NewCosineAnnealingLRScheduler(t0, etaMin)
	return &CosineAnnealingWarmRestartsScheduler{
		T0:     cycle.TMax,
		EtaMin: cycle.EtaMin,
		cycle:  cycle,
	}
}

func (s *CosineAnnealingWarmRestartsScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch < 0 {
		epoch = 0
	}
	return s.cycle.GetLR(epoch%s.T0, step, baseLR)
}

func (s *CosineAnnealingWarmRestartsScheduler) GetName() string {
	return "CosineAnnealingWarmRestarts"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// LRSchedule tracks an optimizer's position in its scheduler
type LRSchedule struct {
	scheduler LRScheduler
	baseLR    float64
	epoch     int
}

// NewLRSchedule starts scheduler at epoch 0
func NewLRSchedule(scheduler LRScheduler, baseLR float64) *LRSchedule {
	if scheduler == nil {
		scheduler = &NoOpScheduler{}
	}
	return &LRSchedule{scheduler: scheduler, baseLR: baseLR}
}

// LR returns the learning rate at the current position
func (s *LRSchedule) LR() float64 {
	return s.scheduler.GetLR(s.epoch, 0, s.baseLR)
}

// Step advances one epoch and returns the new learning rate
func (s *LRSchedule) Step() float64 {
	s.epoch++
	return s.LR()
}

// Epoch returns the number of completed schedule steps
func (s *LRSchedule) Epoch() int {
	return s.epoch
}

func (s *LRSchedule) Name() string {
	return s.scheduler.GetName()
}
