package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-dti/config"
)

func controllerConfig(contrastive bool) config.Config {
	cfg := config.Default()
	cfg.LR = 1e-2
	cfg.CLR = 1e-3
	cfg.LRT0 = 4
	cfg.CLRT0 = 2
	cfg.Contrastive = contrastive
	return cfg
}

func TestDualOptimizerContrastiveDisabled(t *testing.T) {
	m := newTestModel(t, 1)
	d, err := NewDualOptimizer(m.Parameters(), controllerConfig(false))
	if err != nil {
		t.Fatal(err)
	}

	if !d.Enabled(SupervisedPass) || d.Enabled(ContrastivePass) {
		t.Fatal("Only the supervised pass should be enabled")
	}
	if d.Optimizer(ContrastivePass) != nil {
		t.Error("Expected no contrastive optimizer")
	}
	if err := d.Step(ContrastivePass, func() error { return nil }); err == nil {
		t.Error("Expected error stepping a disabled pass")
	}
	if _, err := d.EndEpoch(ContrastivePass); err == nil {
		t.Error("Expected error ending a disabled pass")
	}
	if d.LR(ContrastivePass) != 0 || d.Steps(ContrastivePass) != 0 {
		t.Error("Disabled pass should report zero LR and steps")
	}
}

func TestDualOptimizerStepZeroesGradients(t *testing.T) {
	m := newTestModel(t, 2)
	params := m.Parameters()
	d, err := NewDualOptimizer(params, controllerConfig(true))
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 100
		}
	}

	before := firstWeight(m)
	err = d.Step(SupervisedPass, func() error {
		for _, p := range params {
			for i := range p.Grad {
				if p.Grad[i] != 0 {
					return errors.New("stale gradient")
				}
			}
		}
		params[0].Grad[0] = 1
		return nil
	})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if firstWeight(m) >= before {
		t.Error("A positive gradient should decrease the weight")
	}
	if d.Steps(SupervisedPass) != 1 || d.Steps(ContrastivePass) != 0 {
		t.Errorf("Unexpected step counts %d/%d", d.Steps(SupervisedPass), d.Steps(ContrastivePass))
	}
}

func TestDualOptimizerBackwardErrorSkipsUpdate(t *testing.T) {
	m := newTestModel(t, 3)
	d, err := NewDualOptimizer(m.Parameters(), controllerConfig(false))
	if err != nil {
		t.Fatal(err)
	}
	before := firstWeight(m)
	if err := d.Step(SupervisedPass, func() error { return errors.New("boom") }); err == nil {
		t.Fatal("Expected backward error")
	}
	if firstWeight(m) != before || d.Steps(SupervisedPass) != 0 {
		t.Error("A failed backward must not update parameters")
	}
}

func TestDualOptimizerSchedulesAreIndependent(t *testing.T) {
	m := newTestModel(t, 4)
	cfg := controllerConfig(true)
	d, err := NewDualOptimizer(m.Parameters(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	if d.LR(SupervisedPass) != cfg.LR || d.LR(ContrastivePass) != cfg.CLR {
		t.Fatalf("Initial learning rates %g/%g", d.LR(SupervisedPass), d.LR(ContrastivePass))
	}

	for epoch := 1; epoch <= 4; epoch++ {
		lr, err := d.EndEpoch(SupervisedPass)
		if err != nil {
			t.Fatal(err)
		}
		want := cfg.LR * (1 + math.Cos(math.Pi*float64(epoch%cfg.LRT0)/float64(cfg.LRT0))) / 2
		if math.Abs(lr-want) > 1e-15 {
			t.Errorf("epoch %d: supervised lr %g, want %g", epoch, lr, want)
		}
		if d.LR(SupervisedPass) != lr {
			t.Error("EndEpoch should update the optimizer")
		}
	}
	if d.LR(ContrastivePass) != cfg.CLR {
		t.Error("Advancing the supervised schedule changed the contrastive one")
	}

	clr, err := d.EndEpoch(ContrastivePass)
	if err != nil {
		t.Fatal(err)
	}
	if want := cfg.CLR / 2; math.Abs(clr-want) > 1e-15 {
		t.Errorf("contrastive lr %g, want %g", clr, want)
	}
}
