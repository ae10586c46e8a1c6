package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every configuration error
var ErrInvalid = errors.New("invalid configuration")

// TaskMode selects loss function, label coercion and metric set
type TaskMode int

const (
	Classification TaskMode = iota
	Regression
)

func (m TaskMode) String() string {
	switch m {
	case Classification:
		return "classification"
	case Regression:
		return "regression"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// MetricNames returns the metric set active for the task mode, unprefixed
func (m TaskMode) MetricNames() []string {
	switch m {
	case Regression:
		return []string{"mse", "pcc"}
	default:
		return []string{"aupr", "auroc"}
	}
}

// Supported tasks. dti_dg is the only regression benchmark.
var Tasks = []string{"biosnap", "bindingdb", "davis", "biosnap_prot", "biosnap_mol", "dti_dg"}

// Margin schedule kinds accepted by margin_fn
var MarginFunctions = []string{"tanh_decay", "cosine_anneal", "linear_decay", "no_decay"}

// Checkpoint encodings accepted by checkpoint_format
var CheckpointFormats = []string{"binary", "json"}

// Config is the explicit option schema for a training run.
// It is treated as immutable once Resolve has returned.
type Config struct {
	ExperimentID string `yaml:"experiment_id"`
	Task         string `yaml:"task"`

	Epochs               int  `yaml:"epochs"`
	BatchSize            int  `yaml:"batch_size"`
	ContrastiveBatchSize int  `yaml:"contrastive_batch_size"`
	Shuffle              bool `yaml:"shuffle"`

	LR          float64 `yaml:"lr"`
	CLR         float64 `yaml:"clr"`
	LRT0        int     `yaml:"lr_t0"`
	CLRT0       int     `yaml:"clr_t0"`
	WeightDecay float64 `yaml:"weight_decay"`

	Contrastive bool    `yaml:"contrastive"`
	MarginMax   float64 `yaml:"margin_max"`
	MarginT0    int     `yaml:"margin_t0"`
	MarginFn    string  `yaml:"margin_fn"`

	EveryNVal   int    `yaml:"every_n_val"`
	WatchMetric string `yaml:"watch_metric"`

	LatentDimension int    `yaml:"latent_dimension"`
	Replicate       int    `yaml:"replicate"`
	Device          string `yaml:"device"`

	ModelSaveDir     string `yaml:"model_save_dir"`
	Checkpoint       string `yaml:"checkpoint"`
	CheckpointFormat string `yaml:"checkpoint_format"`

	Verbosity     int    `yaml:"verbosity"`
	LogFile       string `yaml:"log_file"`
	TelemetryFile string `yaml:"telemetry_file"`
	TelemetryURL  string `yaml:"telemetry_url"`
	Progress      bool   `yaml:"progress"`

	// Mode is derived from Task by Resolve
	Mode TaskMode `yaml:"-"`
}

// Default returns the documented defaults for every option
func Default() Config {
	return Config{
		Task:                 "biosnap",
		Epochs:               50,
		BatchSize:            32,
		ContrastiveBatchSize: 256,
		Shuffle:              true,
		LR:                   1e-4,
		CLR:                  1e-5,
		LRT0:                 10,
		CLRT0:                10,
		WeightDecay:          0.01,
		Contrastive:          false,
		MarginMax:            0.25,
		MarginT0:             10,
		MarginFn:             "tanh_decay",
		EveryNVal:            1,
		LatentDimension:      64,
		Replicate:            0,
		Device:               "cpu",
		ModelSaveDir:         ".",
		CheckpointFormat:     "binary",
		Verbosity:            0,
	}
}

// Load overlays the YAML file at path on top of cfg. Unknown keys are rejected.
func Load(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	return nil
}

// Set assigns a single option from its string form
func (c *Config) Set(key, value string) error {
	var err error
	switch key {
	case "experiment_id":
		c.ExperimentID = value
	case "task":
		c.Task = value
	case "epochs":
		c.Epochs, err = strconv.Atoi(value)
	case "batch_size":
		c.BatchSize, err = strconv.Atoi(value)
	case "contrastive_batch_size":
		c.ContrastiveBatchSize, err = strconv.Atoi(value)
	case "shuffle":
		c.Shuffle, err = strconv.ParseBool(value)
	case "lr":
		c.LR, err = strconv.ParseFloat(value, 64)
	case "clr":
		c.CLR, err = strconv.ParseFloat(value, 64)
	case "lr_t0":
		c.LRT0, err = strconv.Atoi(value)
	case "clr_t0":
		c.CLRT0, err = strconv.Atoi(value)
	case "weight_decay":
		c.WeightDecay, err = strconv.ParseFloat(value, 64)
	case "contrastive":
		c.Contrastive, err = strconv.ParseBool(value)
	case "margin_max":
		c.MarginMax, err = strconv.ParseFloat(value, 64)
	case "margin_t0":
		c.MarginT0, err = strconv.Atoi(value)
	case "margin_fn":
		c.MarginFn = value
	case "every_n_val":
		c.EveryNVal, err = strconv.Atoi(value)
	case "watch_metric":
		c.WatchMetric = value
	case "latent_dimension":
		c.LatentDimension, err = strconv.Atoi(value)
	case "replicate":
		c.Replicate, err = strconv.Atoi(value)
	case "device":
		c.Device = value
	case "model_save_dir":
		c.ModelSaveDir = value
	case "checkpoint":
		c.Checkpoint = value
	case "checkpoint_format":
		c.CheckpointFormat = value
	case "verbosity":
		c.Verbosity, err = strconv.Atoi(value)
	case "log_file":
		c.LogFile = value
	case "telemetry_file":
		c.TelemetryFile = value
	case "telemetry_url":
		c.TelemetryURL = value
	case "progress":
		c.Progress, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("%w: unknown option %q", ErrInvalid, key)
	}
	if err != nil {
		return fmt.Errorf("%w: option %s=%q: %v", ErrInvalid, key, value, err)
	}
	return nil
}

// Options documents every recognized key, in flag-registration order
var Options = []struct {
	Key  string
	Help string
}{
	{"experiment_id", "experiment id used to name checkpoints (required)"},
	{"task", "benchmark task: biosnap, bindingdb, davis, biosnap_prot, biosnap_mol, dti_dg"},
	{"epochs", "number of training epochs (>= 1)"},
	{"batch_size", "supervised batch size"},
	{"contrastive_batch_size", "contrastive triplet batch size"},
	{"shuffle", "shuffle providers at each epoch"},
	{"lr", "supervised learning rate"},
	{"clr", "contrastive learning rate"},
	{"lr_t0", "supervised warm-restart period in epochs"},
	{"clr_t0", "contrastive warm-restart period in epochs"},
	{"weight_decay", "decoupled AdamW weight decay"},
	{"contrastive", "enable the contrastive objective"},
	{"margin_max", "maximum triplet margin"},
	{"margin_t0", "margin restart period in epochs (-1 = epochs)"},
	{"margin_fn", "margin schedule: tanh_decay, cosine_anneal, linear_decay, no_decay"},
	{"every_n_val", "validate every N epochs (>= 1)"},
	{"watch_metric", "validation metric driving checkpoint selection (default per task)"},
	{"latent_dimension", "shared embedding dimension"},
	{"replicate", "replicate number, used as random seed"},
	{"device", "compute device (cpu)"},
	{"model_save_dir", "directory receiving model snapshots"},
	{"checkpoint", "model weights to start from"},
	{"checkpoint_format", "snapshot encoding: binary or json"},
	{"verbosity", "log verbosity level"},
	{"log_file", "also write logs to this file"},
	{"telemetry_file", "append telemetry records as JSON lines to this file"},
	{"telemetry_url", "POST telemetry records to this tracking endpoint"},
	{"progress", "render a progress bar for each pass"},
}

// RegisterFlags declares one string flag per option on fs.
// Values are applied by ApplyFlags only for flags that were set explicitly.
func RegisterFlags(fs *flag.FlagSet) {
	for _, opt := range Options {
		fs.String(opt.Key, "", opt.Help)
	}
}

// ApplyFlags copies every explicitly set option flag into cfg
func ApplyFlags(fs *flag.FlagSet, cfg *Config) error {
	var firstErr error
	fs.Visit(func(f *flag.Flag) {
		if firstErr != nil || !isOption(f.Name) {
			return
		}
		firstErr = cfg.Set(f.Name, f.Value.String())
	})
	return firstErr
}

func isOption(key string) bool {
	for _, opt := range Options {
		if opt.Key == key {
			return true
		}
	}
	return false
}
