package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-dti/model"
)

// ErrCorrupt is returned when a checkpoint cannot be decoded
var ErrCorrupt = errors.New("corrupt checkpoint")

// CheckpointFormat defines the on-disk serialization format
type CheckpointFormat int

const (
	FormatBinary CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatBinary:
		return "binary"
	case FormatJSON:
		return "json"
	default:
		return "Unknown"
	}
}

// Extension returns the file suffix for the format
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatJSON:
		return ".json"
	default:
		return ".pb"
	}
}

// ParseFormat maps a config value to a CheckpointFormat
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "", "binary":
		return FormatBinary, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format: %s", name)
	}
}

// Checkpoint represents model weights plus the training context they were taken in
type Checkpoint struct {
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures when and why the checkpoint was taken
type TrainingState struct {
	Epoch       int     `json:"epoch"`
	Step        uint64  `json:"step"`
	MetricName  string  `json:"metric_name,omitempty"`
	MetricValue float64 `json:"metric_value"`
	// Score is MetricValue oriented so that higher is better
	Score float64 `json:"score"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version      string    `json:"version"`
	Framework    string    `json:"framework"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Description  string    `json:"description,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
}

// ExtractWeights converts a model state dict into weight tensors.
// Layer and type are derived from "<layer>.<type>" parameter names.
func ExtractWeights(state model.StateDict) []WeightTensor {
	weights := make([]WeightTensor, len(state))
	for i, t := range state {
		layer, kind := t.Name, ""
		if idx := strings.LastIndex(t.Name, "."); idx >= 0 {
			layer, kind = t.Name[:idx], t.Name[idx+1:]
		}
		weights[i] = WeightTensor{
			Name:  t.Name,
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
			Layer: layer,
			Type:  kind,
		}
	}
	return weights
}

// StateDict converts the checkpoint weights back into a model state dict
func (c *Checkpoint) StateDict() model.StateDict {
	state := make(model.StateDict, len(c.Weights))
	for i, w := range c.Weights {
		state[i] = model.Tensor{
			Name:  w.Name,
			Shape: append([]int(nil), w.Shape...),
			Data:  append([]float64(nil), w.Data...),
		}
	}
	return state
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes a complete checkpoint to path, replacing it atomically
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil {
		return fmt.Errorf("nil checkpoint")
	}
	if checkpoint.Metadata.Version == "" {
		checkpoint.Metadata.Version = formatVersion
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var data []byte
	var err error

	switch cs.format {
	case FormatBinary:
		data, err = Marshal(checkpoint)
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	switch cs.format {
	case FormatBinary:
		return Unmarshal(data)
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("%w: failed to decode %s: %v", ErrCorrupt, path, err)
		}
		return &checkpoint, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadFile loads a checkpoint, choosing the format from the file extension
func LoadFile(path string) (*Checkpoint, error) {
	format := FormatBinary
	if strings.EqualFold(filepath.Ext(path), FormatJSON.Extension()) {
		format = FormatJSON
	}
	return NewCheckpointSaver(format).LoadCheckpoint(path)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}
