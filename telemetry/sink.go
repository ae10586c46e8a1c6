package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

// Record is a set of named scalar values logged together
type Record struct {
	Time   time.Time
	Values map[string]float64
}

// NewRecord builds a record stamped with the current time
func NewRecord(values map[string]float64) Record {
	return Record{Time: time.Now().UTC(), Values: values}
}

// Keys returns the value names in sorted order
func (r Record) Keys() []string {
	keys := maps.Keys(r.Values)
	slices.Sort(keys)
	return keys
}

// Sink receives training telemetry. A failing sink must never affect training.
type Sink interface {
	Emit(Record) error
	Close() error
}

// NewRunID returns a fresh identifier stamped on every record of a run
func NewRunID() string {
	return uuid.NewString()
}

// Nop discards every record
type Nop struct{}

func (Nop) Emit(Record) error { return nil }
func (Nop) Close() error      { return nil }

// LogSink writes records to klog at the given verbosity
type LogSink struct {
	Level klog.Level
}

func (s LogSink) Emit(r Record) error {
	if !klog.V(s.Level).Enabled() {
		return nil
	}
	kv := make([]interface{}, 0, 2*len(r.Values))
	for _, k := range r.Keys() {
		kv = append(kv, k, r.Values[k])
	}
	klog.V(s.Level).InfoS("telemetry", kv...)
	return nil
}

func (LogSink) Close() error { return nil }

// FileSink appends one JSON object per record
type FileSink struct {
	mu    sync.Mutex
	runID string
	w     io.WriteCloser
	enc   *json.Encoder
}

type fileEntry struct {
	RunID  string                 `json:"run_id"`
	Time   time.Time              `json:"time"`
	Values map[string]interface{} `json:"values"`
}

// NewFileSink opens path for appending
func NewFileSink(path, runID string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry file: %w", err)
	}
	return newFileSink(f, runID), nil
}

func newFileSink(w io.WriteCloser, runID string) *FileSink {
	return &FileSink{runID: runID, w: w, enc: json.NewEncoder(w)}
}

func (s *FileSink) Emit(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return fmt.Errorf("telemetry file is closed")
	}
	if err := s.enc.Encode(fileEntry{RunID: s.runID, Time: r.Time, Values: jsonValues(r.Values)}); err != nil {
		return fmt.Errorf("failed to write telemetry record: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.w = nil
	return err
}

// jsonValues spells out non-finite values, which JSON numbers cannot carry
func jsonValues(values map[string]float64) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		switch {
		case math.IsNaN(v):
			out[k] = "NaN"
		case math.IsInf(v, 1):
			out[k] = "+Inf"
		case math.IsInf(v, -1):
			out[k] = "-Inf"
		default:
			out[k] = v
		}
	}
	return out
}

// Tee forwards every record to all sinks
type Tee []Sink

func (t Tee) Emit(r Record) error {
	var errs []error
	for _, s := range t {
		if err := s.Emit(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) Close() error {
	var errs []error
	for _, s := range t {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
