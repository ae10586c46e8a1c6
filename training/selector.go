package training

import (
	"fmt"
	"math"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-dti/checkpoints"
	"github.com/tsawler/go-dti/model"
)

// CheckpointSelector keeps the snapshot with the best watched metric seen so far
type CheckpointSelector struct {
	experimentID string
	metricName   string
	metric       MetricType
	store        checkpoints.Store

	best    checkpoints.Record
	history []checkpoints.Record
}

// NewCheckpointSelector captures the current model as the fallback best
// snapshot. Its score is -Inf, so any valid observation replaces it.
func NewCheckpointSelector(m model.Model, experimentID, metricName string, metric MetricType, store checkpoints.Store) (*CheckpointSelector, error) {
	if store == nil {
		return nil, fmt.Errorf("checkpoint selector needs a store")
	}

	initial, err := checkpoints.Capture(m, experimentID, checkpoints.TrainingState{Epoch: -1})
	if err != nil {
		return nil, err
	}

	return &CheckpointSelector{
		experimentID: experimentID,
		metricName:   metricName,
		metric:       metric,
		store:        store,
		best: checkpoints.Record{
			Epoch:    -1,
			Metric:   math.NaN(),
			Score:    math.Inf(-1),
			Snapshot: initial,
		},
	}, nil
}

// Observe compares value against the best so far. On strict improvement the
// model is snapshotted and persisted; otherwise nothing changes. A failed
// save leaves the previous best in place and is returned to the caller.
func (s *CheckpointSelector) Observe(m model.Model, epoch int, value float64) (bool, error) {
	score := s.metric.Score(value)
	if math.IsNaN(score) || !(score > s.best.Score) {
		klog.V(1).InfoS("watched metric did not improve", "metric", s.metricName, "value", value, "best", s.best.Metric)
		return false, nil
	}

	snap, err := checkpoints.Capture(m, s.experimentID, checkpoints.TrainingState{
		Epoch:       epoch,
		MetricName:  s.metricName,
		MetricValue: value,
		Score:       score,
	})
	if err != nil {
		return false, err
	}

	path, err := s.store.Save(checkpoints.EpochName(s.experimentID, epoch), snap)
	if err != nil {
		return false, fmt.Errorf("failed to persist checkpoint for epoch %d: %w", epoch, err)
	}

	klog.V(1).InfoS("watched metric improved", "metric", s.metricName, "value", value, "previous", s.best.Metric)
	klog.InfoS("Saving checkpoint model", "path", path)

	s.best = checkpoints.Record{
		Epoch:    epoch,
		Metric:   value,
		Score:    score,
		Path:     path,
		Snapshot: snap,
	}
	s.history = append(s.history, s.best)
	return true, nil
}

// Best returns the current best record
func (s *CheckpointSelector) Best() checkpoints.Record {
	return s.best
}

// History returns every improving record in order; scores are strictly increasing
func (s *CheckpointSelector) History() []checkpoints.Record {
	return append([]checkpoints.Record(nil), s.history...)
}

// Restore loads the best snapshot into m
func (s *CheckpointSelector) Restore(m model.Model) error {
	return s.best.Snapshot.Restore(m)
}

// Finalize persists the best snapshot under the experiment's final name
func (s *CheckpointSelector) Finalize() (string, error) {
	path, err := s.store.Save(checkpoints.FinalName(s.experimentID), s.best.Snapshot)
	if err != nil {
		return "", fmt.Errorf("failed to persist final model: %w", err)
	}
	return path, nil
}
