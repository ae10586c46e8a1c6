package training

import (
	"fmt"

	"github.com/tsawler/go-dti/config"
	"github.com/tsawler/go-dti/model"
	"github.com/tsawler/go-dti/optimizer"
)

// Pass identifies which objective a training step belongs to
type Pass int

const (
	SupervisedPass Pass = iota
	ContrastivePass
)

func (p Pass) String() string {
	switch p {
	case SupervisedPass:
		return "supervised"
	case ContrastivePass:
		return "contrastive"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

type optimizerPair struct {
	opt      optimizer.Optimizer
	schedule *LRSchedule
}

// DualOptimizer drives a supervised and an optional contrastive
// optimizer/schedule pair over the same parameters. Steps are sequential;
// each one applies to exactly the batch whose gradients it just computed.
type DualOptimizer struct {
	params []*model.Param
	pairs  [2]*optimizerPair
	steps  [2]int
}

// NewDualOptimizer builds AdamW with warm-restart cosine schedules from cfg.
// The contrastive pair is only created when cfg.Contrastive is set.
func NewDualOptimizer(params []*model.Param, cfg config.Config) (*DualOptimizer, error) {
	d := &DualOptimizer{params: params}

	sup, err := newOptimizerPair(params, cfg.LR, cfg.WeightDecay, cfg.LRT0)
	if err != nil {
		return nil, fmt.Errorf("supervised optimizer: %w", err)
	}
	d.pairs[SupervisedPass] = sup

	if cfg.Contrastive {
		con, err := newOptimizerPair(params, cfg.CLR, cfg.WeightDecay, cfg.CLRT0)
		if err != nil {
			return nil, fmt.Errorf("contrastive optimizer: %w", err)
		}
		d.pairs[ContrastivePass] = con
	}
	return d, nil
}

func newOptimizerPair(params []*model.Param, lr, weightDecay float64, t0 int) (*optimizerPair, error) {
	adamCfg := optimizer.DefaultAdamWConfig()
	adamCfg.LearningRate = lr
	adamCfg.WeightDecay = weightDecay

	opt, err := optimizer.NewAdamWOptimizer(adamCfg, params)
	if err != nil {
		return nil, err
	}
	return &optimizerPair{
		opt:      opt,
		schedule: NewLRSchedule(NewCosineAnnealingWarmRestartsScheduler(t0, 0), lr),
	}, nil
}

// Enabled reports whether the pass has an optimizer
func (d *DualOptimizer) Enabled(pass Pass) bool {
	return pass >= SupervisedPass && pass <= ContrastivePass && d.pairs[pass] != nil
}

func (d *DualOptimizer) pair(pass Pass) (*optimizerPair, error) {
	if !d.Enabled(pass) {
		return nil, fmt.Errorf("no %s optimizer configured", pass)
	}
	return d.pairs[pass], nil
}

// Step clears every gradient, runs backward (forward plus backward for one
// batch) and applies the pass's optimizer
func (d *DualOptimizer) Step(pass Pass, backward func() error) error {
	p, err := d.pair(pass)
	if err != nil {
		return err
	}

	model.ZeroGrad(d.params)
	if err := backward(); err != nil {
		return err
	}
	if err := p.opt.Step(); err != nil {
		return fmt.Errorf("%s optimizer step failed: %w", pass, err)
	}
	d.steps[pass]++
	return nil
}

// EndEpoch advances the pass's schedule and returns the new learning rate
func (d *DualOptimizer) EndEpoch(pass Pass) (float64, error) {
	p, err := d.pair(pass)
	if err != nil {
		return 0, err
	}
	lr := p.schedule.Step()
	p.opt.UpdateLearningRate(lr)
	return lr, nil
}

// LR returns the learning rate the pass's next step will use
func (d *DualOptimizer) LR(pass Pass) float64 {
	if !d.Enabled(pass) {
		return 0
	}
	return d.pairs[pass].opt.GetLearningRate()
}

// Steps returns the number of optimizer steps taken for the pass
func (d *DualOptimizer) Steps(pass Pass) int {
	if !d.Enabled(pass) {
		return 0
	}
	return d.steps[pass]
}

// Optimizer exposes the pass's optimizer, nil when the pass is disabled
func (d *DualOptimizer) Optimizer(pass Pass) optimizer.Optimizer {
	if !d.Enabled(pass) {
		return nil
	}
	return d.pairs[pass].opt
}
