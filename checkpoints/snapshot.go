package checkpoints

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/tsawler/go-dti/model"
)

const (
	formatVersion = "1.0"
	frameworkName = "go-dti"
)

// Snapshot is an owned, serialized copy of a model's parameters taken at a
// point in training. Later parameter updates never change it.
type Snapshot struct {
	data  []byte
	state TrainingState
}

// Capture serializes the current parameters of m
func Capture(m model.Model, experimentID string, state TrainingState) (*Snapshot, error) {
	ck := &Checkpoint{
		Weights:       ExtractWeights(m.StateDict()),
		TrainingState: state,
		Metadata: CheckpointMetadata{
			Version:      formatVersion,
			Framework:    frameworkName,
			ExperimentID: experimentID,
			CreatedAt:    time.Now().UTC(),
		},
	}
	data, err := Marshal(ck)
	if err != nil {
		return nil, fmt.Errorf("failed to capture snapshot: %w", err)
	}
	return &Snapshot{data: data, state: state}, nil
}

// State returns the training context the snapshot was taken in
func (s *Snapshot) State() TrainingState {
	return s.state
}

// Bytes returns a copy of the binary encoding
func (s *Snapshot) Bytes() []byte {
	return append([]byte(nil), s.data...)
}

// Checkpoint decodes the snapshot
func (s *Snapshot) Checkpoint() (*Checkpoint, error) {
	return Unmarshal(s.data)
}

// Restore loads the snapshot's parameters into m
func (s *Snapshot) Restore(m model.Model) error {
	ck, err := s.Checkpoint()
	if err != nil {
		return err
	}
	if err := m.LoadStateDict(ck.StateDict()); err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	return nil
}

// Record is the selector's view of a kept snapshot
type Record struct {
	Epoch    int
	Metric   float64
	Score    float64
	Path     string
	Snapshot *Snapshot
}

// Store persists snapshots under a name and reports where they landed
type Store interface {
	Save(name string, snap *Snapshot) (string, error)
}

// DirStore writes snapshots as files in a directory
type DirStore struct {
	dir   string
	saver *CheckpointSaver
}

// NewDirStore creates a store rooted at dir
func NewDirStore(dir string, format CheckpointFormat) *DirStore {
	return &DirStore{dir: dir, saver: NewCheckpointSaver(format)}
}

// Path returns the file a snapshot with the given name is written to
func (s *DirStore) Path(name string) string {
	return filepath.Join(s.dir, name+s.saver.Format().Extension())
}

// Save writes the snapshot, replacing any previous file of the same name
func (s *DirStore) Save(name string, snap *Snapshot) (string, error) {
	path := s.Path(name)
	if s.saver.Format() == FormatBinary {
		if err := writeFileAtomic(path, snap.data); err != nil {
			return "", err
		}
		return path, nil
	}

	ck, err := snap.Checkpoint()
	if err != nil {
		return "", err
	}
	if err := s.saver.SaveCheckpoint(ck, path); err != nil {
		return "", err
	}
	return path, nil
}

// EpochName names the snapshot kept for an improving epoch
func EpochName(experimentID string, epoch int) string {
	return fmt.Sprintf("%s_best_model_epoch%02d", experimentID, epoch)
}

// FinalName names the snapshot written once training finishes
func FinalName(experimentID string) string {
	return experimentID + "_best_model"
}

// LoadInto reads the checkpoint at path and copies its weights into m
func LoadInto(m model.Model, path string) (*Checkpoint, error) {
	ck, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := m.LoadStateDict(ck.StateDict()); err != nil {
		return nil, fmt.Errorf("checkpoint %s does not fit the model: %w", path, err)
	}
	return ck, nil
}
