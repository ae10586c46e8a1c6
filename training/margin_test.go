package training

import (
	"math"
	"testing"
)

var allMarginKinds = []MarginKind{TanhDecay, CosineAnneal, LinearDecay, NoDecay}

func TestMarginBounded(t *testing.T) {
	for _, kind := range allMarginKinds {
		for _, maxMargin := range []float64{0, 0.25, 1, 3} {
			for _, period := range []int{1, 2, 7, 10} {
				for epoch := 0; epoch < 50; epoch++ {
					m := MarginAt(kind, maxMargin, period, epoch)
					if m < 0 || m > maxMargin {
						t.Fatalf("%s max=%g period=%d epoch=%d: margin %g outside [0, %g]", kind, maxMargin, period, epoch, m, maxMargin)
					}
				}
			}
		}
	}
}

func TestMarginRestart(t *testing.T) {
	for _, kind := range allMarginKinds {
		for epoch := 0; epoch < 40; epoch += 10 {
			if m := MarginAt(kind, 0.25, 10, epoch); m != 0.25 {
				t.Errorf("%s epoch %d: expected restart margin 0.25, got %g", kind, epoch, m)
			}
		}
	}
}

func TestMarginValues(t *testing.T) {
	tests := []struct {
		kind     MarginKind
		epoch    int
		expected float64
	}{
		{TanhDecay, 5, 0.25 * (1 - math.Tanh(1))},
		{CosineAnneal, 5, 0.125},
		{LinearDecay, 5, 0.125},
		{NoDecay, 5, 0.25},
		{TanhDecay, 15, 0.25 * (1 - math.Tanh(1))},
		{LinearDecay, 9, 0.025},
	}
	for _, tt := range tests {
		if m := MarginAt(tt.kind, 0.25, 10, tt.epoch); math.Abs(m-tt.expected) > 1e-12 {
			t.Errorf("%s epoch %d: expected %g, got %g", tt.kind, tt.epoch, tt.expected, m)
		}
	}
}

func TestMarginSchedulerSteps(t *testing.T) {
	s, err := NewMarginScheduler(CosineAnneal, 0.5, 6, 3)
	if err != nil {
		t.Fatalf("NewMarginScheduler failed: %v", err)
	}

	for epoch := 0; epoch < 6; epoch++ {
		if got, want := s.Margin(), MarginAt(CosineAnneal, 0.5, 3, epoch); got != want {
			t.Errorf("Epoch %d: scheduler margin %g, pure margin %g", epoch, got, want)
		}
		s.Step()
	}
}

func TestMarginSchedulerFullRunPeriod(t *testing.T) {
	s, err := NewMarginScheduler(LinearDecay, 1, 4, -1)
	if err != nil {
		t.Fatalf("NewMarginScheduler failed: %v", err)
	}
	if s.State().RestartPeriod != 4 {
		t.Errorf("Expected restart period to default to epoch count, got %d", s.State().RestartPeriod)
	}
	want := []float64{1, 0.75, 0.5, 0.25}
	for i, w := range want {
		if m := s.Margin(); math.Abs(m-w) > 1e-12 {
			t.Errorf("Epoch %d: expected %g, got %g", i, w, m)
		}
		s.Step()
	}
}

func TestMarginSchedulerRestoreFromState(t *testing.T) {
	s, err := NewMarginScheduler(TanhDecay, 0.25, 20, 7)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 11; i++ {
		s.Step()
	}

	state := s.State()
	restored, err := RestoreMarginScheduler(state)
	if err != nil {
		t.Fatalf("RestoreMarginScheduler failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if restored.Margin() != s.Margin() {
			t.Fatalf("Restored schedule diverged at step %d: %g vs %g", i, restored.Margin(), s.Margin())
		}
		s.Step()
		restored.Step()
	}
	if state.Current != MarginAt(TanhDecay, 0.25, 7, 11) {
		t.Errorf("State.Current %g does not match the schedule", state.Current)
	}
}

func TestMarginSchedulerInvalid(t *testing.T) {
	if _, err := NewMarginScheduler(NoDecay, -0.1, 10, 10); err == nil {
		t.Error("Expected error for negative margin")
	}
	if _, err := NewMarginScheduler(NoDecay, 0.1, 10, 0); err == nil {
		t.Error("Expected error for zero restart period")
	}
	if _, err := NewMarginScheduler(MarginKind(42), 0.1, 10, 10); err == nil {
		t.Error("Expected error for unknown kind")
	}
	if _, err := RestoreMarginScheduler(MarginState{Kind: NoDecay, MaxMargin: 1, RestartPeriod: 1, Epoch: -2}); err == nil {
		t.Error("Expected error for negative epoch")
	}
}

func TestParseMarginKind(t *testing.T) {
	for _, kind := range allMarginKinds {
		got, err := ParseMarginKind(kind.String())
		if err != nil || got != kind {
			t.Errorf("ParseMarginKind(%q) = %v, %v", kind.String(), got, err)
		}
	}
	if _, err := ParseMarginKind("step"); err == nil {
		t.Error("Expected error for unknown margin function")
	}
}
