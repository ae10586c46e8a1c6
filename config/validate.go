package config

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// Resolve derives the task mode and default watch metric, then validates.
// The returned config must not be mutated afterwards.
func Resolve(cfg Config) (Config, error) {
	if !slices.Contains(Tasks, cfg.Task) {
		return cfg, fmt.Errorf("%w: unsupported task %q (supported: %s)", ErrInvalid, cfg.Task, strings.Join(Tasks, ", "))
	}

	cfg.Mode = Classification
	if cfg.Task == "dti_dg" {
		cfg.Mode = Regression
	}

	if cfg.WatchMetric == "" {
		if cfg.Mode == Regression {
			cfg.WatchMetric = "val/pcc"
		} else {
			cfg.WatchMetric = "val/aupr"
		}
	}

	if cfg.MarginT0 == -1 {
		cfg.MarginT0 = cfg.Epochs
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every option against its documented domain
func (c Config) Validate() error {
	if c.ExperimentID == "" {
		return fmt.Errorf("%w: experiment_id is required", ErrInvalid)
	}
	if strings.ContainsAny(c.ExperimentID, `/\`) {
		return fmt.Errorf("%w: experiment_id %q must not contain path separators", ErrInvalid, c.ExperimentID)
	}
	if c.Epochs < 1 {
		return fmt.Errorf("%w: epochs must be >= 1, got %d", ErrInvalid, c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalid, c.BatchSize)
	}
	if c.LR <= 0 {
		return fmt.Errorf("%w: lr must be positive, got %g", ErrInvalid, c.LR)
	}
	if c.LRT0 < 1 {
		return fmt.Errorf("%w: lr_t0 must be >= 1, got %d", ErrInvalid, c.LRT0)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("%w: weight_decay must be non-negative, got %g", ErrInvalid, c.WeightDecay)
	}
	if c.EveryNVal < 1 {
		return fmt.Errorf("%w: every_n_val must be >= 1, got %d", ErrInvalid, c.EveryNVal)
	}
	if c.LatentDimension <= 0 {
		return fmt.Errorf("%w: latent_dimension must be positive, got %d", ErrInvalid, c.LatentDimension)
	}
	if c.Device != "cpu" {
		return fmt.Errorf("%w: unsupported device %q", ErrInvalid, c.Device)
	}
	if !slices.Contains(CheckpointFormats, c.CheckpointFormat) {
		return fmt.Errorf("%w: unsupported checkpoint_format %q", ErrInvalid, c.CheckpointFormat)
	}

	watched, ok := strings.CutPrefix(c.WatchMetric, "val/")
	if !ok || !slices.Contains(c.Mode.MetricNames(), watched) {
		return fmt.Errorf("%w: watch_metric %q is not an active %s metric (want val/%s)",
			ErrInvalid, c.WatchMetric, c.Mode, strings.Join(c.Mode.MetricNames(), ", val/"))
	}

	if c.Contrastive {
		if c.ContrastiveBatchSize <= 0 {
			return fmt.Errorf("%w: contrastive_batch_size must be positive, got %d", ErrInvalid, c.ContrastiveBatchSize)
		}
		if c.CLR <= 0 {
			return fmt.Errorf("%w: clr must be positive, got %g", ErrInvalid, c.CLR)
		}
		if c.CLRT0 < 1 {
			return fmt.Errorf("%w: clr_t0 must be >= 1, got %d", ErrInvalid, c.CLRT0)
		}
		if c.MarginMax < 0 {
			return fmt.Errorf("%w: margin_max must be non-negative, got %g", ErrInvalid, c.MarginMax)
		}
		if c.MarginT0 < 1 {
			return fmt.Errorf("%w: margin_t0 must be >= 1 or -1, got %d", ErrInvalid, c.MarginT0)
		}
		if !slices.Contains(MarginFunctions, c.MarginFn) {
			return fmt.Errorf("%w: unsupported margin_fn %q", ErrInvalid, c.MarginFn)
		}
	}
	return nil
}
