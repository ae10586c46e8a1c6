package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-dti/checkpoints"
	"github.com/tsawler/go-dti/config"
	"github.com/tsawler/go-dti/data"
	"github.com/tsawler/go-dti/device"
	"github.com/tsawler/go-dti/model"
	"github.com/tsawler/go-dti/telemetry"
	"github.com/tsawler/go-dti/training"
)

func main() {
	fs := flag.NewFlagSet("train-dti", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML file with training options")
	samples := fs.Int("samples", 2000, "number of synthetic drug-target pairs")
	drugDim := fs.Int("drug-dim", 64, "synthetic drug feature width")
	targetDim := fs.Int("target-dim", 48, "synthetic target feature width")
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := loadConfig(fs, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "train-dti: %v\n", err)
		os.Exit(2)
	}
	setupLogging(cfg)
	defer klog.Flush()

	if err := run(cfg, data.SyntheticConfig{
		Samples:    *samples,
		DrugDim:    *drugDim,
		TargetDim:  *targetDim,
		Regression: cfg.Mode == config.Regression,
		Seed:       int64(cfg.Replicate),
	}); err != nil {
		klog.ErrorS(err, "Training failed")
		klog.Flush()
		os.Exit(1)
	}
}

func loadConfig(fs *flag.FlagSet, path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		if err := config.Load(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := config.ApplyFlags(fs, &cfg); err != nil {
		return cfg, err
	}
	return config.Resolve(cfg)
}

// setupLogging configures klog from the resolved options. klog's own flags
// live on a separate set so they cannot collide with option names.
func setupLogging(cfg config.Config) {
	kfs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(kfs)
	_ = kfs.Set("v", strconv.Itoa(cfg.Verbosity))
	if cfg.LogFile != "" {
		_ = kfs.Set("logtostderr", "false")
		_ = kfs.Set("alsologtostderr", "true")
		_ = kfs.Set("log_file", cfg.LogFile)
	}
}

func run(cfg config.Config, synCfg data.SyntheticConfig) error {
	cpu := device.Describe()
	klog.InfoS("Using device", "device", cfg.Device, "cpu", cpu.Brand, "cores", cpu.Cores, "threads", cpu.Threads, "features", cpu.Features)

	syn := data.GenerateSynthetic(synCfg)
	providers, err := buildProviders(cfg, syn)
	if err != nil {
		return err
	}
	klog.InfoS("Loaded synthetic data", "train", len(syn.Train), "validation", len(syn.Validation),
		"test", len(syn.Test), "triplets", len(syn.Triplets))

	m, err := model.NewCoEmbedding(model.CoEmbeddingConfig{
		DrugDim:   synCfg.DrugDim,
		TargetDim: synCfg.TargetDim,
		Latent:    cfg.LatentDimension,
		Classify:  cfg.Mode == config.Classification,
		Seed:      int64(cfg.Replicate),
	})
	if err != nil {
		return err
	}

	if cfg.Checkpoint != "" {
		ck, err := checkpoints.LoadInto(m, cfg.Checkpoint)
		if err != nil {
			return fmt.Errorf("failed to resume: %w", err)
		}
		klog.InfoS("Resumed weights", "path", cfg.Checkpoint, "epoch", ck.TrainingState.Epoch,
			"experiment_id", ck.Metadata.ExperimentID)
	}
	training.PrintParameters(os.Stdout, "CoEmbedding", m.Parameters())

	sink, err := buildSink(cfg)
	if err != nil {
		return err
	}
	defer sink.Close()

	opts := []training.Option{training.WithSink(sink)}
	if cfg.Progress {
		opts = append(opts, training.WithProgress(os.Stderr))
	}
	trainer, err := training.NewTrainer(cfg, m, providers, opts...)
	if err != nil {
		return err
	}

	result, err := trainer.Train()
	if err != nil {
		return err
	}

	if result.Best.Epoch < 0 {
		klog.InfoS("No epoch improved on the initial model", "watch_metric", cfg.WatchMetric)
	} else {
		klog.InfoS("Best model", "epoch", result.Best.Epoch, cfg.WatchMetric, result.Best.Metric, "path", result.Best.Path)
	}
	if result.Test.Err == nil {
		klog.InfoS("Final model", "path", result.Test.FinalPath)
	}
	return nil
}

func buildProviders(cfg config.Config, syn *data.Synthetic) (training.Providers, error) {
	seed := int64(cfg.Replicate)

	train, err := data.NewSupervisedLoader(syn.Train, cfg.BatchSize, cfg.Shuffle, seed, device.Host)
	if err != nil {
		return training.Providers{}, err
	}
	val, err := data.NewSupervisedLoader(syn.Validation, cfg.BatchSize, false, seed, device.Host)
	if err != nil {
		return training.Providers{}, err
	}
	test, err := data.NewSupervisedLoader(syn.Test, cfg.BatchSize, false, seed, device.Host)
	if err != nil {
		return training.Providers{}, err
	}
	providers := training.Providers{Train: train, Validation: val, Test: test}

	if cfg.Contrastive {
		if len(syn.Triplets) == 0 {
			return providers, errors.New("contrastive training needs both positive and negative pairs")
		}
		triplets, err := data.NewTripletLoader(syn.Triplets, cfg.ContrastiveBatchSize, cfg.Shuffle, seed+1, device.Host)
		if err != nil {
			return providers, err
		}
		providers.Contrastive = triplets
	}
	return providers, nil
}

func buildSink(cfg config.Config) (telemetry.Sink, error) {
	runID := telemetry.NewRunID()
	sinks := telemetry.Tee{telemetry.LogSink{Level: 1}}

	if cfg.TelemetryFile != "" {
		fileSink, err := telemetry.NewFileSink(cfg.TelemetryFile, runID)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fileSink)
	}

	if cfg.TelemetryURL != "" {
		httpCfg := telemetry.DefaultHTTPSinkConfig()
		httpCfg.BaseURL = cfg.TelemetryURL
		httpSink := telemetry.NewHTTPSink(httpCfg, cfg.ExperimentID, runID)
		if err := httpSink.CheckHealth(); err != nil {
			klog.Warningf("Telemetry endpoint %s is not healthy, skipping it: %v", cfg.TelemetryURL, err)
		} else {
			sinks = append(sinks, httpSink)
		}
	}

	klog.InfoS("Telemetry", "run_id", runID, "sinks", len(sinks))
	return sinks, nil
}
