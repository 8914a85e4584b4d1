// Package artifact turns the quantized blob, the test vector and the
// quantization parameters into the three C headers compiled into the
// firmware image.
package artifact

import (
	"errors"
)

// Header file names.
const (
	ModelDataFile = "mnist_model_data.h"
	TestDataFile  = "test_data.h"
	ConfigFile    = "model_config.h"
)

// Upstream document names inside the work directory.
const (
	ParamsFile     = "quantization_params.json"
	TestVectorFile = "test_vector.json"
)

// SchemaVersion is emitted as ARTIFACT_SCHEMA_VERSION in model_config.h and
// bumped whenever a consumer-visible define changes meaning.
const SchemaVersion = 1

// TimestampLayout formats the "Auto-generated on" comment line.
const TimestampLayout = "2006-01-02 15:04:05"

var (
	ErrMissingUpstreamArtifact = errors.New("missing upstream artifact")
	ErrParamsMismatch          = errors.New("test vector was quantized with different params")
	ErrIO                      = errors.New("artifact i/o failure")
	ErrInvalidDocument         = errors.New("invalid artifact document")
)

// Artifact is one generated header.
type Artifact struct {
	Name    string
	Path    string
	Content []byte
}

// Target holds the passthrough literals of the deployment target. They are
// copied into model_config.h verbatim and never derived from the model.
type Target struct {
	ArenaSize  string `yaml:"tensor_arena_size" json:"tensor_arena_size"`
	NPUBase    string `yaml:"npu_base_addr" json:"npu_base_addr"`
	ClockHz    string `yaml:"system_clock_hz" json:"system_clock_hz"`
	InputRows  int    `yaml:"input_rows" json:"input_rows"`
	InputCols  int    `yaml:"input_cols" json:"input_cols"`
	Channels   int    `yaml:"input_channels" json:"input_channels"`
	NumClasses int    `yaml:"num_classes" json:"num_classes"`
}

// DefaultTarget describes an Ethos-U55 board with a 128 KiB tensor arena.
func DefaultTarget() Target {
	return Target{
		ArenaSize:  "(128 * 1024)",
		NPUBase:    "0x50004000UL",
		ClockHz:    "160000000UL",
		InputRows:  28,
		InputCols:  28,
		Channels:   1,
		NumClasses: 10,
	}
}

func (t Target) inputSize() int {
	return t.InputRows * t.InputCols * t.Channels
}
