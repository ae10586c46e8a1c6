package training

import (
	"errors"
	"io"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/tsawler/go-dti/checkpoints"
	"github.com/tsawler/go-dti/config"
	"github.com/tsawler/go-dti/data"
	"github.com/tsawler/go-dti/device"
	"github.com/tsawler/go-dti/model"
	"github.com/tsawler/go-dti/telemetry"
)

type recordingSink struct {
	records []telemetry.Record
}

func (s *recordingSink) Emit(r telemetry.Record) error {
	s.records = append(s.records, r)
	return nil
}

func (s *recordingSink) Close() error { return nil }

// keys returns how often each telemetry key was emitted
func (s *recordingSink) keys() map[string]int {
	counts := make(map[string]int)
	for _, r := range s.records {
		for k := range r.Values {
			counts[k]++
		}
	}
	return counts
}

type failingSink struct{}

func (failingSink) Emit(telemetry.Record) error { return errors.New("collector down") }
func (failingSink) Close() error                { return nil }

func newRegressionModel() (*model.CoEmbedding, error) {
	return model.NewCoEmbedding(model.CoEmbeddingConfig{DrugDim: 6, TargetDim: 5, Latent: 4, Seed: 4})
}

func trainerConfig(t *testing.T, contrastive bool) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ExperimentID = "exp"
	cfg.Epochs = 3
	cfg.BatchSize = 16
	cfg.ContrastiveBatchSize = 16
	cfg.LR = 1e-2
	cfg.CLR = 1e-3
	cfg.Contrastive = contrastive
	cfg.ModelSaveDir = t.TempDir()
	resolved, err := config.Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return resolved
}

func trainerProviders(t *testing.T, regression bool) Providers {
	t.Helper()
	syn := data.GenerateSynthetic(data.SyntheticConfig{Samples: 200, DrugDim: 6, TargetDim: 5, Regression: regression, Seed: 11})

	train, err := data.NewSupervisedLoader(syn.Train, 16, true, 1, device.Host)
	if err != nil {
		t.Fatal(err)
	}
	val, err := data.NewSupervisedLoader(syn.Validation, 16, false, 0, device.Host)
	if err != nil {
		t.Fatal(err)
	}
	test, err := data.NewSupervisedLoader(syn.Test, 16, false, 0, device.Host)
	if err != nil {
		t.Fatal(err)
	}
	triplets, err := data.NewTripletLoader(syn.Triplets, 16, true, 2, device.Host)
	if err != nil {
		t.Fatal(err)
	}
	return Providers{Train: train, Contrastive: triplets, Validation: val, Test: test}
}

func TestTrainerEndToEndContrastive(t *testing.T) {
	cfg := trainerConfig(t, true)
	sink := &recordingSink{}
	m := newTestModel(t, 1)

	trainer, err := NewTrainer(cfg, m, trainerProviders(t, false), WithSink(sink))
	if err != nil {
		t.Fatal(err)
	}
	result, err := trainer.Train()
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if len(result.Epochs) != cfg.Epochs {
		t.Fatalf("Expected %d epoch summaries, got %d", cfg.Epochs, len(result.Epochs))
	}
	if result.Test.Err != nil {
		t.Fatalf("Test pass failed: %v", result.Test.Err)
	}
	for _, k := range []string{"test/aupr", "test/auroc"} {
		if _, ok := result.Test.Metrics[k]; !ok {
			t.Errorf("Missing test metric %s", k)
		}
	}

	if _, err := os.Stat(result.Test.FinalPath); err != nil {
		t.Errorf("Final model not written: %v", err)
	}
	if result.Best.Epoch < 0 || result.Best.Path == "" {
		t.Errorf("Expected an improving epoch on disk, got %+v", result.Best)
	}
	ck, err := checkpoints.LoadFile(result.Test.FinalPath)
	if err != nil {
		t.Fatal(err)
	}
	if ck.TrainingState.Epoch != result.Best.Epoch {
		t.Errorf("Final model is from epoch %d, best was %d", ck.TrainingState.Epoch, result.Best.Epoch)
	}

	keys := sink.keys()
	steps := trainer.optim.Steps(SupervisedPass)
	if keys["train/loss"] != steps || steps == 0 {
		t.Errorf("Expected one train/loss per step (%d), got %d", steps, keys["train/loss"])
	}
	if keys["train/c_loss"] != trainer.optim.Steps(ContrastivePass) {
		t.Errorf("Expected one train/c_loss per contrastive step, got %d", keys["train/c_loss"])
	}
	for _, k := range []string{"train/lr", "train/triplet_margin", "train/contrastive_lr", "val/aupr", "Charts/epoch_time"} {
		if keys[k] != cfg.Epochs {
			t.Errorf("Expected %s once per epoch, got %d", k, keys[k])
		}
	}
	if keys["Charts/wall_clock_time"] != 1 || keys["test/eval_time"] != 1 {
		t.Error("Expected test timings exactly once")
	}

	// margins reported after each step stay within [0, margin_max]
	for i, em := range result.Epochs {
		if em.Margin < 0 || em.Margin > cfg.MarginMax {
			t.Errorf("epoch %d: margin %g outside [0, %g]", i, em.Margin, cfg.MarginMax)
		}
	}
}

func TestTrainerContrastiveDisabled(t *testing.T) {
	cfg := trainerConfig(t, false)
	sink := &recordingSink{}
	providers := trainerProviders(t, false)
	providers.Contrastive = nil

	trainer, err := NewTrainer(cfg, newTestModel(t, 2), providers, WithSink(sink), WithStore(newMemoryStore()))
	if err != nil {
		t.Fatal(err)
	}
	if trainer.optim.Enabled(ContrastivePass) || trainer.margin != nil {
		t.Fatal("Contrastive machinery should not be constructed")
	}
	if _, err := trainer.Train(); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	for k := range sink.keys() {
		if strings.HasPrefix(k, "train/c_") || k == "train/triplet_margin" || k == "train/contrastive_lr" {
			t.Errorf("Unexpected contrastive telemetry key %s", k)
		}
	}
}

func TestTrainerValidationCadence(t *testing.T) {
	cfg := trainerConfig(t, false)
	cfg.Epochs = 5
	cfg.EveryNVal = 2
	sink := &recordingSink{}
	store := newMemoryStore()

	trainer, err := NewTrainer(cfg, newTestModel(t, 3), trainerProviders(t, false), WithSink(sink), WithStore(store))
	if err != nil {
		t.Fatal(err)
	}
	result, err := trainer.Train()
	if err != nil {
		t.Fatal(err)
	}

	var validated []int
	for _, em := range result.Epochs {
		if em.Validation != nil {
			validated = append(validated, em.Epoch)
		}
	}
	if len(validated) != 3 || validated[0] != 0 || validated[1] != 2 || validated[2] != 4 {
		t.Errorf("Expected validation at epochs 0, 2, 4, got %v", validated)
	}
	if sink.keys()["val/aupr"] != 3 {
		t.Errorf("Expected 3 validation records, got %d", sink.keys()["val/aupr"])
	}
	for _, name := range store.saved[:len(store.saved)-1] {
		if !strings.HasPrefix(name, "exp_best_model_epoch") {
			t.Errorf("Unexpected save %s", name)
		}
	}
	if last := store.saved[len(store.saved)-1]; last != "exp_best_model" {
		t.Errorf("Expected final save last, got %s", last)
	}
}

func TestTrainerRegression(t *testing.T) {
	cfg := config.Default()
	cfg.ExperimentID = "dg"
	cfg.Task = "dti_dg"
	cfg.Epochs = 2
	cfg.BatchSize = 16
	cfg, err := config.Resolve(cfg)
	if err != nil {
		t.Fatal(err)
	}

	m, err := newRegressionModel()
	if err != nil {
		t.Fatal(err)
	}

	trainer, err := NewTrainer(cfg, m, trainerProviders(t, true), WithStore(newMemoryStore()))
	if err != nil {
		t.Fatal(err)
	}
	result, err := trainer.Train()
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"test/mse", "test/pcc"} {
		if _, ok := result.Test.Metrics[k]; !ok {
			t.Errorf("Missing regression metric %s", k)
		}
	}
}

func TestTrainerCheckpointFailureIsFatal(t *testing.T) {
	cfg := trainerConfig(t, false)
	store := newMemoryStore()
	store.failOn = func(name string) bool { return strings.Contains(name, "_epoch") }

	trainer, err := NewTrainer(cfg, newTestModel(t, 5), trainerProviders(t, false), WithStore(store))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := trainer.Train(); err == nil {
		t.Fatal("Expected checkpoint persistence failure to abort training")
	}
}

func TestTrainerTerminalFailureIsReported(t *testing.T) {
	cfg := trainerConfig(t, false)
	store := newMemoryStore()
	store.failOn = func(name string) bool { return name == checkpoints.FinalName("exp") }

	trainer, err := NewTrainer(cfg, newTestModel(t, 6), trainerProviders(t, false), WithStore(store), WithSink(failingSink{}))
	if err != nil {
		t.Fatal(err)
	}
	result, err := trainer.Train()
	if err != nil {
		t.Fatalf("Terminal failure should not fail the run: %v", err)
	}
	if result.Test.Err == nil || result.Test.Metrics != nil {
		t.Errorf("Expected a reported test failure, got %+v", result.Test)
	}
	if result.Best.Snapshot == nil {
		t.Error("Best record should survive a terminal failure")
	}
}

func TestTrainerRestoresBestModel(t *testing.T) {
	cfg := trainerConfig(t, false)
	m := newTestModel(t, 7)
	trainer, err := NewTrainer(cfg, m, trainerProviders(t, false), WithStore(newMemoryStore()))
	if err != nil {
		t.Fatal(err)
	}
	result, err := trainer.Train()
	if err != nil {
		t.Fatal(err)
	}

	ck, err := result.Best.Snapshot.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	state := m.StateDict()
	for i, w := range ck.Weights {
		for j := range w.Data {
			if state[i].Data[j] != w.Data[j] {
				t.Fatalf("%s[%d] differs from the best snapshot", w.Name, j)
			}
		}
	}
	if m.IsTraining() {
		t.Error("Model should be left in eval mode")
	}
}

func TestTrainerNonFiniteLoss(t *testing.T) {
	cfg := config.Default()
	cfg.ExperimentID = "nan"
	cfg.Task = "dti_dg"
	cfg.Epochs = 1
	cfg, err := config.Resolve(cfg)
	if err != nil {
		t.Fatal(err)
	}

	providers := trainerProviders(t, true)
	bad := []data.Pair{{Drug: make([]float64, 6), Target: make([]float64, 5), Label: math.NaN()}}
	providers.Train, err = data.NewSupervisedLoader(bad, 1, false, 0, device.Host)
	if err != nil {
		t.Fatal(err)
	}

	m, err := newRegressionModel()
	if err != nil {
		t.Fatal(err)
	}
	trainer, err := NewTrainer(cfg, m, providers, WithStore(newMemoryStore()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := trainer.Train(); !errors.Is(err, ErrNonFinite) {
		t.Errorf("Expected ErrNonFinite, got %v", err)
	}
}

func TestTrainerDeviceMismatch(t *testing.T) {
	cfg := trainerConfig(t, false)
	syn := data.GenerateSynthetic(data.SyntheticConfig{Samples: 40, DrugDim: 6, TargetDim: 5, Seed: 1})
	providers := trainerProviders(t, false)

	var err error
	providers.Train, err = data.NewSupervisedLoader(syn.Train, 8, false, 0, device.Device{Type: device.Accelerator})
	if err != nil {
		t.Fatal(err)
	}

	trainer, err := NewTrainer(cfg, newTestModel(t, 8), providers, WithStore(newMemoryStore()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := trainer.Train(); !errors.Is(err, device.ErrMismatch) {
		t.Errorf("Expected device mismatch, got %v", err)
	}
}

func TestNewTrainerValidation(t *testing.T) {
	m := newTestModel(t, 9)

	providers := trainerProviders(t, false)
	providers.Contrastive = nil
	if _, err := NewTrainer(trainerConfig(t, true), m, providers); err == nil {
		t.Error("Expected error for contrastive run without triplets")
	}

	providers = trainerProviders(t, false)
	providers.Test = nil
	if _, err := NewTrainer(trainerConfig(t, false), m, providers); err == nil {
		t.Error("Expected error for missing test provider")
	}

	cfg := trainerConfig(t, false)
	cfg.WatchMetric = "val/mse"
	if _, err := NewTrainer(cfg, m, trainerProviders(t, false)); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected invalid watch metric, got %v", err)
	}

	cfg = trainerConfig(t, true)
	cfg.MarginFn = "sawtooth"
	if _, err := NewTrainer(cfg, m, trainerProviders(t, false)); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected invalid margin function, got %v", err)
	}

	if _, err := NewTrainer(trainerConfig(t, false), nil, trainerProviders(t, false)); err == nil {
		t.Error("Expected error for nil model")
	}
}

func TestTrainerNonFiniteTestPredictions(t *testing.T) {
	cfg := trainerConfig(t, false)
	providers := trainerProviders(t, false)

	drug := make([]float64, 6)
	drug[0] = math.NaN()
	bad := []data.Pair{
		{Drug: drug, Target: make([]float64, 5), Label: 1},
		{Drug: make([]float64, 6), Target: make([]float64, 5), Label: 0},
	}
	var err error
	providers.Test, err = data.NewSupervisedLoader(bad, 2, false, 0, device.Host)
	if err != nil {
		t.Fatal(err)
	}

	trainer, err := NewTrainer(cfg, newTestModel(t, 10), providers, WithStore(newMemoryStore()))
	if err != nil {
		t.Fatal(err)
	}
	result, err := trainer.Train()
	if err != nil {
		t.Fatalf("A failed test pass should not fail the run: %v", err)
	}
	if result.Test.Err == nil || result.Test.Metrics != nil {
		t.Errorf("Expected a reported test failure, got %+v", result.Test)
	}
}

// trainOnce runs a fresh contrastive trainer built from fixed seeds
func trainOnce(t *testing.T, opts ...Option) (*Result, *model.CoEmbedding) {
	t.Helper()
	m := newTestModel(t, 12)
	opts = append(opts, WithStore(newMemoryStore()))
	trainer, err := NewTrainer(trainerConfig(t, true), m, trainerProviders(t, false), opts...)
	if err != nil {
		t.Fatal(err)
	}
	result, err := trainer.Train()
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	return result, m
}

func assertSameState(t *testing.T, label string, want, got model.StateDict) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("%s: %d tensors vs %d", label, len(want), len(got))
	}
	for i := range want {
		for j := range want[i].Data {
			if want[i].Data[j] != got[i].Data[j] {
				t.Fatalf("%s: %s[%d] = %g, expected %g", label, want[i].Name, j, got[i].Data[j], want[i].Data[j])
			}
		}
	}
}

func TestTrainerIsDeterministicAndSinkIndependent(t *testing.T) {
	reference, refModel := trainOnce(t)
	refBest, err := reference.Best.Snapshot.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}

	runs := map[string][]Option{
		"repeat":    nil,
		"recording": {WithSink(&recordingSink{})},
		"failing":   {WithSink(failingSink{})},
		"progress":  {WithProgress(io.Discard)},
	}
	for name, opts := range runs {
		result, m := trainOnce(t, opts...)

		assertSameState(t, name+" final model", refModel.StateDict(), m.StateDict())

		best, err := result.Best.Snapshot.Checkpoint()
		if err != nil {
			t.Fatal(err)
		}
		assertSameState(t, name+" best snapshot", refBest.StateDict(), best.StateDict())
		if best.TrainingState != refBest.TrainingState {
			t.Errorf("%s: best state %+v, expected %+v", name, best.TrainingState, refBest.TrainingState)
		}
		if result.Best.Epoch != reference.Best.Epoch {
			t.Errorf("%s: best epoch %d, expected %d", name, result.Best.Epoch, reference.Best.Epoch)
		}
	}
}

func TestTrainerRunsOnce(t *testing.T) {
	trainer, err := NewTrainer(trainerConfig(t, false), newTestModel(t, 13), trainerProviders(t, false), WithStore(newMemoryStore()))
	if err != nil {
		t.Fatal(err)
	}
	result, err := trainer.Train()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := trainer.Train(); err == nil {
		t.Error("Expected a second Train call to fail")
	}
	if len(trainer.GetMetrics()) != len(result.Epochs) {
		t.Errorf("A rejected call must not add epoch metrics: %d vs %d", len(trainer.GetMetrics()), len(result.Epochs))
	}
}
