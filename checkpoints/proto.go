package checkpoints

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Field numbers of the binary checkpoint message.
//
//	message Checkpoint {
//	  uint64 step = 1;
//	  string arch = 2;
//	  repeated Tensor parameters = 3;
//	  OptimizerState optimizer = 4;
//	  double min_loss = 5;
//	  Metadata metadata = 6;
//	  uint64 parameter_count = 7;
//	}
const (
	checkpointStep           protowire.Number = 1
	checkpointArch           protowire.Number = 2
	checkpointParameters     protowire.Number = 3
	checkpointOptimizer      protowire.Number = 4
	checkpointMinLoss        protowire.Number = 5
	checkpointMetadata       protowire.Number = 6
	checkpointParameterCount protowire.Number = 7
)

//	message Tensor { string name = 1; repeated uint64 shape = 2; repeated double data = 3; string kind = 4; }
const (
	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2
	tensorData  protowire.Number = 3
	tensorKind  protowire.Number = 4
)

//	message OptimizerState {
//	  string type = 1;
//	  google.protobuf.Struct hyperparameters = 2;
//	  uint64 step_count = 3;
//	  double learning_rate = 4;
//	  repeated Tensor state = 5;
//	}
const (
	optimizerType            protowire.Number = 1
	optimizerHyperparameters protowire.Number = 2
	optimizerStepCount       protowire.Number = 3
	optimizerLearningRate    protowire.Number = 4
	optimizerState           protowire.Number = 5
)

//	message Metadata { string version = 1; string framework = 2; string run_id = 3;
//	                   google.protobuf.Timestamp created_at = 4; string description = 5; }
const (
	metadataVersion     protowire.Number = 1
	metadataFramework   protowire.Number = 2
	metadataRunID       protowire.Number = 3
	metadataCreatedAt   protowire.Number = 4
	metadataDescription protowire.Number = 5
)

func marshalProto(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint.Step < 0 {
		return nil, fmt.Errorf("negative checkpoint step %d", checkpoint.Step)
	}

	var b []byte
	b = protowire.AppendTag(b, checkpointStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(checkpoint.Step))
	b = protowire.AppendTag(b, checkpointArch, protowire.BytesType)
	b = protowire.AppendString(b, checkpoint.Arch)
	b = protowire.AppendTag(b, checkpointParameterCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(checkpoint.Parameters)))
	for _, tensor := range checkpoint.Parameters {
		b = protowire.AppendTag(b, checkpointParameters, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, tensor))
	}

	if checkpoint.Optimizer != nil {
		optimizer, err := marshalOptimizerState(checkpoint.Optimizer)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, checkpointOptimizer, protowire.BytesType)
		b = protowire.AppendBytes(b, optimizer)
	}

	b = protowire.AppendTag(b, checkpointMinLoss, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(checkpoint.MinLoss))

	metadata, err := marshalMetadata(checkpoint.Metadata)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, checkpointMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, metadata)

	return b, nil
}

func appendTensor(b []byte, tensor Tensor) []byte {
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, tensor.Name)

	var shape []byte
	for _, dim := range tensor.Shape {
		shape = protowire.AppendVarint(shape, uint64(dim))
	}
	b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 8*len(tensor.Data))
	for _, v := range tensor.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, tensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)

	if tensor.Kind != "" {
		b = protowire.AppendTag(b, tensorKind, protowire.BytesType)
		b = protowire.AppendString(b, tensor.Kind)
	}
	return b
}

func marshalOptimizerState(state *OptimizerState) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, optimizerType, protowire.BytesType)
	b = protowire.AppendString(b, state.Type)

	if len(state.Hyperparameters) > 0 {
		hyper, err := structpb.NewStruct(state.Hyperparameters)
		if err != nil {
			return nil, fmt.Errorf("failed to convert optimizer hyperparameters: %w", err)
		}
		encoded, err := proto.Marshal(hyper)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal optimizer hyperparameters: %w", err)
		}
		b = protowire.AppendTag(b, optimizerHyperparameters, protowire.BytesType)
		b = protowire.AppendBytes(b, encoded)
	}

	b = protowire.AppendTag(b, optimizerStepCount, protowire.VarintType)
	b = protowire.AppendVarint(b, state.StepCount)
	b = protowire.AppendTag(b, optimizerLearningRate, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(state.LearningRate))
	for _, tensor := range state.State {
		b = protowire.AppendTag(b, optimizerState, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, tensor))
	}
	return b, nil
}

func marshalMetadata(metadata Metadata) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, metadataVersion, protowire.BytesType)
	b = protowire.AppendString(b, metadata.Version)
	b = protowire.AppendTag(b, metadataFramework, protowire.BytesType)
	b = protowire.AppendString(b, metadata.Framework)
	if metadata.RunID != "" {
		b = protowire.AppendTag(b, metadataRunID, protowire.BytesType)
		b = protowire.AppendString(b, metadata.RunID)
	}
	if !metadata.CreatedAt.IsZero() {
		created, err := proto.Marshal(timestamppb.New(metadata.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal checkpoint timestamp: %w", err)
		}
		b = protowire.AppendTag(b, metadataCreatedAt, protowire.BytesType)
		b = protowire.AppendBytes(b, created)
	}
	if metadata.Description != "" {
		b = protowire.AppendTag(b, metadataDescription, protowire.BytesType)
		b = protowire.AppendString(b, metadata.Description)
	}
	return b, nil
}

// fieldFunc consumes the value of one field and returns the number of bytes used.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walkFields iterates over the top-level fields of an encoded message.
func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used == 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		b = b[used:]
	}
	return nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeDouble(b []byte) (float64, int, error) {
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func unmarshalProto(data []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	var (
		seenStep, seenArch, seenCount, seenMinLoss bool
		parameterCount                             uint64
	)

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == checkpointStep && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, malformed("step", err)
			}
			if v > math.MaxInt {
				return 0, malformed("step", fmt.Errorf("step %d out of range", v))
			}
			checkpoint.Step, seenStep = int(v), true
			return n, nil
		case num == checkpointArch && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, malformed("arch", err)
			}
			checkpoint.Arch, seenArch = string(v), true
			return n, nil
		case num == checkpointParameterCount && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, malformed("parameters", err)
			}
			parameterCount, seenCount = v, true
			return n, nil
		case num == checkpointParameters && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, malformed("parameters", err)
			}
			tensor, err := unmarshalTensor(v)
			if err != nil {
				return 0, malformed("parameters", err)
			}
			checkpoint.Parameters = append(checkpoint.Parameters, tensor)
			return n, nil
		case num == checkpointOptimizer && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, malformed("optimizer", err)
			}
			state, err := unmarshalOptimizerState(v)
			if err != nil {
				return 0, malformed("optimizer", err)
			}
			checkpoint.Optimizer = state
			return n, nil
		case num == checkpointMinLoss && typ == protowire.Fixed64Type:
			v, n, err := consumeDouble(b)
			if err != nil {
				return 0, malformed("min_loss", err)
			}
			checkpoint.MinLoss, seenMinLoss = v, true
			return n, nil
		case num == checkpointMetadata && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, malformed("metadata", err)
			}
			metadata, err := unmarshalMetadata(v)
			if err != nil {
				return 0, malformed("metadata", err)
			}
			checkpoint.Metadata = metadata
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		if _, ok := err.(*CorruptCheckpointError); ok {
			return nil, err
		}
		return nil, malformed("", err)
	}

	switch {
	case !seenStep:
		return nil, missingField("step")
	case !seenArch:
		return nil, missingField("arch")
	case !seenCount:
		return nil, missingField("parameters")
	case uint64(len(checkpoint.Parameters)) != parameterCount:
		return nil, malformed("parameters", fmt.Errorf("expected %d tensors, found %d", parameterCount, len(checkpoint.Parameters)))
	case checkpoint.Optimizer == nil:
		return nil, missingField("optimizer")
	case !seenMinLoss:
		return nil, missingField("min_loss")
	}
	return checkpoint, nil
}

func unmarshalTensor(data []byte) (Tensor, error) {
	var tensor Tensor
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case tensorName:
			tensor.Name = string(v)
		case tensorKind:
			tensor.Kind = string(v)
		case tensorShape:
			for len(v) > 0 {
				dim, used, err := consumeVarint(v)
				if err != nil {
					return 0, err
				}
				if dim > math.MaxInt {
					return 0, fmt.Errorf("tensor %s dimension %d out of range", tensor.Name, dim)
				}
				tensor.Shape = append(tensor.Shape, int(dim))
				v = v[used:]
			}
		case tensorData:
			if len(v)%8 != 0 {
				return 0, fmt.Errorf("tensor data length %d is not a multiple of 8", len(v))
			}
			tensor.Data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				x, used, err := consumeDouble(v)
				if err != nil {
					return 0, err
				}
				tensor.Data = append(tensor.Data, x)
				v = v[used:]
			}
		}
		return n, nil
	})
	if err != nil {
		return Tensor{}, err
	}

	expected := 1
	for _, dim := range tensor.Shape {
		if dim != 0 && expected > math.MaxInt/dim {
			return Tensor{}, fmt.Errorf("tensor %s shape %v overflows", tensor.Name, tensor.Shape)
		}
		expected *= dim
	}
	if len(tensor.Shape) > 0 && expected != len(tensor.Data) {
		return Tensor{}, fmt.Errorf("tensor %s has shape %v but %d values", tensor.Name, tensor.Shape, len(tensor.Data))
	}
	return tensor, nil
}

func unmarshalOptimizerState(data []byte) (*OptimizerState, error) {
	state := &OptimizerState{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == optimizerType && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			state.Type = string(v)
			return n, nil
		case num == optimizerHyperparameters && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			var hyper structpb.Struct
			if err := proto.Unmarshal(v, &hyper); err != nil {
				return 0, fmt.Errorf("failed to unmarshal hyperparameters: %w", err)
			}
			state.Hyperparameters = hyper.AsMap()
			return n, nil
		case num == optimizerStepCount && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			state.StepCount = v
			return n, nil
		case num == optimizerLearningRate && typ == protowire.Fixed64Type:
			v, n, err := consumeDouble(b)
			if err != nil {
				return 0, err
			}
			state.LearningRate = v
			return n, nil
		case num == optimizerState && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			tensor, err := unmarshalTensor(v)
			if err != nil {
				return 0, err
			}
			state.State = append(state.State, tensor)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if state.Type == "" {
		return nil, fmt.Errorf("optimizer type is missing")
	}
	return state, nil
}

func unmarshalMetadata(data []byte) (Metadata, error) {
	var metadata Metadata
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case metadataVersion:
			metadata.Version = string(v)
		case metadataFramework:
			metadata.Framework = string(v)
		case metadataRunID:
			metadata.RunID = string(v)
		case metadataDescription:
			metadata.Description = string(v)
		case metadataCreatedAt:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return 0, fmt.Errorf("failed to unmarshal timestamp: %w", err)
			}
			metadata.CreatedAt = ts.AsTime()
		}
		return n, nil
	})
	return metadata, err
}
