package training

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-dti/checkpoints"
	"github.com/tsawler/go-dti/config"
	"github.com/tsawler/go-dti/device"
	"github.com/tsawler/go-dti/model"
	"github.com/tsawler/go-dti/telemetry"
)

// ErrNonFinite is returned when a training loss is NaN or infinite
var ErrNonFinite = errors.New("non-finite loss")

// Providers bundles the batch sources of a run. Contrastive is required
// exactly when contrastive training is enabled.
type Providers struct {
	Train       SupervisedProvider
	Contrastive ContrastiveProvider
	Validation  SupervisedProvider
	Test        SupervisedProvider
}

// EpochMetrics holds what one epoch produced
type EpochMetrics struct {
	Epoch           int
	TrainLoss       float64
	ContrastiveLoss float64
	LR              float64
	ContrastiveLR   float64
	Margin          float64
	Validation      map[string]float64
	Improved        bool
	Duration        time.Duration
}

// TestOutcome is the result of the terminal test pass. Err is set, and
// Metrics is nil, when evaluation or final persistence failed.
type TestOutcome struct {
	Metrics   map[string]float64
	FinalPath string
	Err       error
}

// Result is what a completed run returns
type Result struct {
	// Model holds the best snapshot's parameters
	Model   model.Model
	Best    checkpoints.Record
	History []checkpoints.Record
	Epochs  []EpochMetrics
	Test    TestOutcome
}

// Option customizes a Trainer
type Option func(*Trainer)

// WithSink sends telemetry to sink instead of discarding it
func WithSink(sink telemetry.Sink) Option {
	return func(t *Trainer) {
		if sink != nil {
			t.sink = sink
		}
	}
}

// WithStore persists snapshots to store instead of model_save_dir
func WithStore(store checkpoints.Store) Option {
	return func(t *Trainer) {
		if store != nil {
			t.store = store
		}
	}
}

// WithProgress draws a progress bar per pass on w
func WithProgress(w io.Writer) Option {
	return func(t *Trainer) {
		t.progress = w
	}
}

// Trainer runs supervised and contrastive training with metric-driven checkpointing
type Trainer struct {
	cfg       config.Config
	model     model.Model
	providers Providers
	loss      Loss
	watch     MetricType
	optim     *DualOptimizer
	margin    *MarginScheduler
	sink      telemetry.Sink
	store     checkpoints.Store
	progress  io.Writer
	metrics   []EpochMetrics
	ran       bool
}

// NewTrainer wires a resolved configuration, a model and its providers
func NewTrainer(cfg config.Config, m model.Model, providers Providers, opts ...Option) (*Trainer, error) {
	if m == nil {
		return nil, fmt.Errorf("no model provided")
	}
	if providers.Train == nil || providers.Validation == nil || providers.Test == nil {
		return nil, fmt.Errorf("train, validation and test providers are required")
	}
	if cfg.Contrastive && providers.Contrastive == nil {
		return nil, fmt.Errorf("contrastive training enabled without a contrastive provider")
	}
	if cfg.EveryNVal < 1 || cfg.Epochs < 1 {
		return nil, fmt.Errorf("%w: epochs and every_n_val must be positive", config.ErrInvalid)
	}

	watch, err := ParseMetricName(cfg.Mode, cfg.WatchMetric)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	dev, err := device.Parse(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if err := device.Check(dev, m.Device()); err != nil {
		return nil, fmt.Errorf("model placement: %w", err)
	}

	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	optim, err := NewDualOptimizer(m.Parameters(), cfg)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:       cfg,
		model:     m,
		providers: providers,
		loss:      NewLoss(cfg.Mode),
		watch:     watch,
		optim:     optim,
		sink:      telemetry.Nop{},
		store:     checkpoints.NewDirStore(cfg.ModelSaveDir, format),
	}

	if cfg.Contrastive {
		kind, err := ParseMarginKind(cfg.MarginFn)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		t.margin, err = NewMarginScheduler(kind, cfg.MarginMax, cfg.Epochs, cfg.MarginT0)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
	}

	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Train runs every epoch, then the terminal test pass on the best snapshot.
// Errors from the epoch loop abort the run; a failed test pass is reported
// in Result.Test. A Trainer runs once: optimizer, schedule and margin state
// are not reset, so later calls return an error.
func (t *Trainer) Train() (*Result, error) {
	if t.ran {
		return nil, fmt.Errorf("trainer has already run; create a new one")
	}
	t.ran = true

	selector, err := NewCheckpointSelector(t.model, t.cfg.ExperimentID, t.cfg.WatchMetric, t.watch, t.store)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot initial model: %w", err)
	}

	klog.InfoS("Beginning training", "epochs", t.cfg.Epochs, "task", t.cfg.Task, "mode", t.cfg.Mode,
		"contrastive", t.cfg.Contrastive, "watch_metric", t.cfg.WatchMetric)

	start := time.Now()
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		em, err := t.runEpoch(epoch, selector)
		if err != nil {
			return nil, fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}
		t.metrics = append(t.metrics, em)
	}
	end := time.Now()

	if err := selector.Restore(t.model); err != nil {
		return nil, fmt.Errorf("failed to load best model: %w", err)
	}
	t.model.Eval()

	return &Result{
		Model:   t.model,
		Best:    selector.Best(),
		History: selector.History(),
		Epochs:  t.GetMetrics(),
		Test:    t.testPass(selector, end.Sub(start)),
	}, nil
}

// GetMetrics returns the metrics of every completed epoch
func (t *Trainer) GetMetrics() []EpochMetrics {
	return append([]EpochMetrics(nil), t.metrics...)
}

func (t *Trainer) runEpoch(epoch int, selector *CheckpointSelector) (EpochMetrics, error) {
	epochStart := time.Now()
	em := EpochMetrics{Epoch: epoch}

	loss, err := t.supervisedPass(epoch)
	if err != nil {
		return em, err
	}
	em.TrainLoss = loss
	if em.LR, err = t.optim.EndEpoch(SupervisedPass); err != nil {
		return em, err
	}
	t.emit(map[string]float64{"epoch": float64(epoch), "train/lr": em.LR})
	klog.InfoS("Training epoch complete", "epoch", epoch+1, "loss", loss)
	klog.V(1).InfoS("Updating learning rate", "lr", em.LR)

	if t.margin != nil {
		closs, err := t.contrastivePass(epoch)
		if err != nil {
			return em, err
		}
		em.ContrastiveLoss = closs

		t.margin.Step()
		em.Margin = t.margin.Margin()
		if em.ContrastiveLR, err = t.optim.EndEpoch(ContrastivePass); err != nil {
			return em, err
		}
		t.emit(map[string]float64{
			"epoch":                float64(epoch),
			"train/triplet_margin": em.Margin,
			"train/contrastive_lr": em.ContrastiveLR,
		})
		klog.InfoS("Contrastive epoch complete", "epoch", epoch+1, "loss", closs)
		klog.V(1).InfoS("Updating contrastive schedule", "lr", em.ContrastiveLR, "margin", em.Margin)
	}

	em.Duration = time.Since(epochStart)

	if epoch%t.cfg.EveryNVal != 0 {
		return em, nil
	}

	val, err := Evaluate(t.model, t.providers.Validation, t.cfg.Mode, "val")
	if err != nil {
		return em, fmt.Errorf("validation failed: %w", err)
	}
	watched, ok := val[t.cfg.WatchMetric]
	if !ok {
		return em, fmt.Errorf("validation did not produce %s", t.cfg.WatchMetric)
	}
	em.Validation = val

	record := maps.Clone(val)
	record["epoch"] = float64(epoch)
	record["Charts/epoch_time"] = em.Duration.Seconds() / float64(t.cfg.EveryNVal)
	t.emit(record)

	if em.Improved, err = selector.Observe(t.model, epoch, watched); err != nil {
		return em, err
	}

	klog.InfoS("Validation complete", "epoch", epoch+1, "improved", em.Improved)
	for _, k := range sortedKeys(val) {
		klog.InfoS("Validation metric", "name", k, "value", val[k])
	}
	return em, nil
}

func (t *Trainer) supervisedPass(epoch int) (float64, error) {
	p := t.providers.Train
	t.model.Train()
	p.Reset()

	bar := t.newBar(fmt.Sprintf("Epoch %d", epoch+1), p.Len(), t.cfg.BatchSize)
	var loss float64
	for i := 0; ; i++ {
		batch, err := p.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("supervised batch %d: %w", i, err)
		}
		if err := batch.Validate(); err != nil {
			return 0, fmt.Errorf("supervised batch %d: %w", i, err)
		}
		if err := device.Check(t.model.Device(), batch.Device); err != nil {
			return 0, fmt.Errorf("supervised batch %d: %w", i, err)
		}

		err = t.optim.Step(SupervisedPass, func() error {
			pred, err := t.model.Forward(batch.Drug, batch.Target)
			if err != nil {
				return fmt.Errorf("forward failed: %w", err)
			}
			if loss, err = t.loss.Forward(pred.Out, batch.Labels); err != nil {
				return err
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return fmt.Errorf("%w: %s = %g", ErrNonFinite, t.loss.Name(), loss)
			}
			grad, err := t.loss.Backward(pred.Out, batch.Labels)
			if err != nil {
				return err
			}
			return pred.Backward(grad)
		})
		if err != nil {
			return 0, fmt.Errorf("supervised batch %d: %w", i, err)
		}

		t.emit(map[string]float64{
			"train/step": float64(epoch*p.Len()*t.cfg.BatchSize + i*t.cfg.BatchSize),
			"train/loss": loss,
		})
		klog.V(2).InfoS("supervised step", "epoch", epoch, "batch", i, "loss", loss)
		if bar != nil {
			bar.Update(i+1, map[string]float64{"loss": loss})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	klog.V(1).InfoS("supervised pass complete", "epoch", epoch, "steps", t.optim.Steps(SupervisedPass))
	return loss, nil
}

func (t *Trainer) contrastivePass(epoch int) (float64, error) {
	p := t.providers.Contrastive
	t.model.Train()
	p.Reset()

	triplet := TripletLoss{Margin: t.margin.Margin()}
	bar := t.newBar(fmt.Sprintf("Contrastive %d", epoch+1), p.Len(), t.cfg.ContrastiveBatchSize)
	var loss float64
	for i := 0; ; i++ {
		batch, err := p.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("contrastive batch %d: %w", i, err)
		}
		if err := batch.Validate(); err != nil {
			return 0, fmt.Errorf("contrastive batch %d: %w", i, err)
		}
		if err := device.Check(t.model.Device(), batch.Device); err != nil {
			return 0, fmt.Errorf("contrastive batch %d: %w", i, err)
		}

		err = t.optim.Step(ContrastivePass, func() error {
			anchor, err := t.model.TargetProjector().Project(batch.Anchor)
			if err != nil {
				return fmt.Errorf("anchor projection failed: %w", err)
			}
			positive, err := t.model.DrugProjector().Project(batch.Positive)
			if err != nil {
				return fmt.Errorf("positive projection failed: %w", err)
			}
			negative, err := t.model.DrugProjector().Project(batch.Negative)
			if err != nil {
				return fmt.Errorf("negative projection failed: %w", err)
			}

			var grads *TripletGradients
			if loss, grads, err = triplet.Forward(anchor.Out, positive.Out, negative.Out); err != nil {
				return err
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return fmt.Errorf("%w: triplet loss = %g", ErrNonFinite, loss)
			}
			if err := anchor.Backward(grads.Anchor); err != nil {
				return err
			}
			if err := positive.Backward(grads.Positive); err != nil {
				return err
			}
			return negative.Backward(grads.Negative)
		})
		if err != nil {
			return 0, fmt.Errorf("contrastive batch %d: %w", i, err)
		}

		t.emit(map[string]float64{
			"train/c_step": float64(epoch*p.Len()*t.cfg.ContrastiveBatchSize + i*t.cfg.ContrastiveBatchSize),
			"train/c_loss": loss,
		})
		klog.V(2).InfoS("contrastive step", "epoch", epoch, "batch", i, "loss", loss, "margin", triplet.Margin)
		if bar != nil {
			bar.Update(i+1, map[string]float64{"c_loss": loss, "margin": triplet.Margin})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	klog.V(1).InfoS("contrastive pass complete", "epoch", epoch, "steps", t.optim.Steps(ContrastivePass))
	return loss, nil
}

// testPass evaluates the restored best model and writes the final snapshot.
// Every failure, including a panic, is captured in the outcome.
func (t *Trainer) testPass(selector *CheckpointSelector, wallClock time.Duration) (outcome TestOutcome) {
	klog.InfoS("Beginning testing", "best_epoch", selector.Best().Epoch)

	defer func() {
		if r := recover(); r != nil {
			outcome = TestOutcome{Err: fmt.Errorf("test pass panicked: %v", r)}
		}
		if outcome.Err != nil {
			klog.ErrorS(outcome.Err, "Testing failed")
		}
	}()

	testStart := time.Now()
	metrics, err := Evaluate(t.model, t.providers.Test, t.cfg.Mode, "test")
	if err != nil {
		return TestOutcome{Err: fmt.Errorf("test evaluation failed: %w", err)}
	}

	record := maps.Clone(metrics)
	record["epoch"] = float64(t.cfg.Epochs)
	record["test/eval_time"] = time.Since(testStart).Seconds()
	record["Charts/wall_clock_time"] = wallClock.Seconds()
	t.emit(record)

	for _, k := range sortedKeys(metrics) {
		klog.InfoS("Test metric", "name", k, "value", metrics[k])
	}

	path, err := selector.Finalize()
	if err != nil {
		return TestOutcome{Err: err}
	}
	klog.InfoS("Saving final model", "path", path)
	return TestOutcome{Metrics: metrics, FinalPath: path}
}

// emit hands values to the sink; sink failures never affect training
func (t *Trainer) emit(values map[string]float64) {
	if err := t.sink.Emit(telemetry.NewRecord(values)); err != nil {
		klog.V(2).InfoS("telemetry sink failed", "err", err)
	}
}

func (t *Trainer) newBar(description string, total, batchSize int) *ProgressBar {
	if t.progress == nil {
		return nil
	}
	return NewProgressBar(t.progress, description, total, batchSize)
}

func sortedKeys(m map[string]float64) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
