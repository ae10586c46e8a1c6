package checkpoints

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Wire layout of the binary checkpoint format.
//
//	Checkpoint    { 1: Metadata, 2: TrainingState, 3: repeated WeightTensor }
//	Metadata      { 1: version, 2: framework, 3: experiment_id,
//	                4: google.protobuf.Timestamp created_at, 5: description, 6: repeated tags }
//	TrainingState { 1: sint64 epoch, 2: uint64 step, 3: metric_name,
//	                4: double metric_value, 5: double score }
//	WeightTensor  { 1: name, 2: packed int64 shape, 3: packed double data, 4: layer, 5: type }
const (
	fieldMetadata      protowire.Number = 1
	fieldTrainingState protowire.Number = 2
	fieldWeights       protowire.Number = 3
)

// Marshal encodes a checkpoint in the binary format
func Marshal(c *Checkpoint) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("nil checkpoint")
	}

	meta, err := marshalMetadata(&c.Metadata)
	if err != nil {
		return nil, err
	}

	var b []byte
	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, meta)
	b = protowire.AppendTag(b, fieldTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalTrainingState(&c.TrainingState))
	for i := range c.Weights {
		w, err := marshalWeight(&c.Weights[i])
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, w)
	}
	return b, nil
}

// Unmarshal decodes a binary checkpoint. Any structural problem yields ErrCorrupt.
func Unmarshal(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldMetadata:
			return unmarshalMetadata(v, &c.Metadata)
		case fieldTrainingState:
			return unmarshalTrainingState(v, &c.TrainingState)
		case fieldWeights:
			var w WeightTensor
			if err := unmarshalWeight(v, &w); err != nil {
				return err
			}
			c.Weights = append(c.Weights, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func marshalMetadata(m *CheckpointMetadata) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	b = appendString(b, 3, m.ExperimentID)
	if !m.CreatedAt.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(m.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("failed to encode created_at: %w", err)
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	b = appendString(b, 5, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b, nil
}

func unmarshalMetadata(b []byte, m *CheckpointMetadata) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			m.Version = string(v)
		case 2:
			m.Framework = string(v)
		case 3:
			m.ExperimentID = string(v)
		case 4:
			ts := &timestamppb.Timestamp{}
			if err := proto.Unmarshal(v, ts); err != nil {
				return fmt.Errorf("%w: created_at: %v", ErrCorrupt, err)
			}
			if err := ts.CheckValid(); err != nil {
				return fmt.Errorf("%w: created_at: %v", ErrCorrupt, err)
			}
			m.CreatedAt = ts.AsTime()
		case 5:
			m.Description = string(v)
		case 6:
			m.Tags = append(m.Tags, string(v))
		}
		return nil
	})
}

func marshalTrainingState(s *TrainingState) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(s.Epoch)))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Step)
	b = appendString(b, 3, s.MetricName)
	b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.MetricValue))
	b = protowire.AppendTag(b, 5, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.Score))
	return b
}

func unmarshalTrainingState(b []byte, s *TrainingState) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			x, _ := protowire.ConsumeVarint(v)
			s.Epoch = int(protowire.DecodeZigZag(x))
		case num == 2 && typ == protowire.VarintType:
			s.Step, _ = protowire.ConsumeVarint(v)
		case num == 3 && typ == protowire.BytesType:
			s.MetricName = string(v)
		case num == 4 && typ == protowire.Fixed64Type:
			x, _ := protowire.ConsumeFixed64(v)
			s.MetricValue = math.Float64frombits(x)
		case num == 5 && typ == protowire.Fixed64Type:
			x, _ := protowire.ConsumeFixed64(v)
			s.Score = math.Float64frombits(x)
		}
		return nil
	})
}

func marshalWeight(w *WeightTensor) ([]byte, error) {
	if n := elements(w.Shape); n != len(w.Data) {
		return nil, fmt.Errorf("tensor %s: shape %v holds %d elements, data has %d", w.Name, w.Shape, n, len(w.Data))
	}

	var b []byte
	b = appendString(b, 1, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 8*len(w.Data))
	for _, x := range w.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(x))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, data)

	b = appendString(b, 4, w.Layer)
	b = appendString(b, 5, w.Type)
	return b, nil
}

func unmarshalWeight(b []byte, w *WeightTensor) error {
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			w.Name = string(v)
		case 2:
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return fmt.Errorf("%w: shape: %v", ErrCorrupt, protowire.ParseError(n))
				}
				w.Shape = append(w.Shape, int(d))
				v = v[n:]
			}
		case 3:
			if len(v)%8 != 0 {
				return fmt.Errorf("%w: tensor data is not a whole number of doubles", ErrCorrupt)
			}
			w.Data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				x, n := protowire.ConsumeFixed64(v)
				w.Data = append(w.Data, math.Float64frombits(x))
				v = v[n:]
			}
		case 4:
			w.Layer = string(v)
		case 5:
			w.Type = string(v)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n := elements(w.Shape); n != len(w.Data) {
		return fmt.Errorf("%w: tensor %s: shape %v holds %d elements, data has %d", ErrCorrupt, w.Name, w.Shape, n, len(w.Data))
	}
	return nil
}

// walkFields calls fn for every field in b. Scalar values are passed
// still encoded; length-delimited values are passed unwrapped.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(m))
		}
		v := b[:m]
		if typ == protowire.BytesType {
			v, _ = protowire.ConsumeBytes(v)
		}
		if err := fn(num, typ, v); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
