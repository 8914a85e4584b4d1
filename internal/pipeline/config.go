// Package pipeline wires the export stages together: quantize, validate,
// optimize and serialize.
package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/samcharles93/npuexport/internal/artifact"
	"github.com/samcharles93/npuexport/internal/calib"
	"github.com/samcharles93/npuexport/internal/fidelity"
	"github.com/samcharles93/npuexport/internal/optimizer"
	"github.com/samcharles93/npuexport/internal/quantize"
)

// File names inside the work directory.
const (
	BlobFile       = "mnist_model.qmf"
	ReportFile     = "run_report.json"
	VelaOutputDir  = "vela_output"
	DefaultWorkDir = "model"
	DefaultInclude = "include"
)

var ErrInvalidConfig = errors.New("invalid pipeline config")

// Config carries every path and knob of a run. Library code never consults
// the working directory or the environment; relative paths are resolved
// against the process by the caller.
type Config struct {
	// ModelDir holds the trained float model (model.json + model.safetensors).
	ModelDir string `yaml:"model_dir" json:"model_dir"`
	// DataDir holds the IDX train and t10k splits.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// WorkDir receives the blob, params, test vector and run report.
	WorkDir string `yaml:"work_dir" json:"work_dir"`
	// IncludeDir receives the three headers.
	IncludeDir string `yaml:"include_dir" json:"include_dir"`
	// Name overrides the model name recorded in the blob.
	Name string `yaml:"name" json:"name,omitempty"`

	Calibration calib.Config `yaml:"calibration" json:"calibration"`
	// ValidationLimit scores the first N test examples; <= 0 scores all.
	ValidationLimit int `yaml:"validation_limit" json:"validation_limit"`
	// TestIndex picks the test example shipped in test_data.h.
	TestIndex int `yaml:"test_index" json:"test_index"`
	// CompareFloat also scores the float model during validation.
	CompareFloat bool `yaml:"compare_float" json:"compare_float"`

	Optimizer optimizer.Config `yaml:"optimizer" json:"optimizer"`
	Target    artifact.Target  `yaml:"target" json:"target"`
}

// DefaultConfig mirrors the reference flow: 200 calibration images drawn
// with seed 42, the first 1000 test images scored, test image 0 shipped.
func DefaultConfig() Config {
	return Config{
		ModelDir:        filepath.Join(DefaultWorkDir, "trained"),
		DataDir:         "data",
		WorkDir:         DefaultWorkDir,
		IncludeDir:      DefaultInclude,
		Calibration:     calib.DefaultConfig(),
		ValidationLimit: fidelity.DefaultLimit,
		TestIndex:       0,
		CompareFloat:    true,
		Target:          artifact.DefaultTarget(),
	}
}

// Validate checks the config before any stage runs.
func (c Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("%w: work dir is required", ErrInvalidConfig)
	}
	if c.IncludeDir == "" {
		return fmt.Errorf("%w: include dir is required", ErrInvalidConfig)
	}
	if c.TestIndex < 0 {
		return fmt.Errorf("%w: test index %d is negative", ErrInvalidConfig, c.TestIndex)
	}
	if _, err := calib.ParseStrategy(string(c.Calibration.Strategy)); err != nil {
		return err
	}
	if c.Calibration.Count <= 0 {
		return fmt.Errorf("%w: calibration count must be positive", ErrInvalidConfig)
	}
	return nil
}

// BlobPath is the unoptimized quantized model.
func (c Config) BlobPath() string { return filepath.Join(c.WorkDir, BlobFile) }

// OptimizedPath is where the optimizer writes its version of the blob.
func (c Config) OptimizedPath() string {
	dir := c.Optimizer.OutputDir
	if dir == "" {
		dir = filepath.Join(c.WorkDir, VelaOutputDir)
	}
	return optimizer.OutputPath(dir, c.BlobPath())
}

func (c Config) ParamsPath() string     { return filepath.Join(c.WorkDir, artifact.ParamsFile) }
func (c Config) TestVectorPath() string { return filepath.Join(c.WorkDir, artifact.TestVectorFile) }
func (c Config) ReportPath() string     { return filepath.Join(c.WorkDir, ReportFile) }

// Candidates ranks the serializer sources for this config.
func (c Config) Candidates() artifact.Candidates {
	return artifact.DefaultCandidates(c.WorkDir, c.BlobPath(), c.OptimizedPath())
}

func (c Config) optimizerConfig() optimizer.Config {
	oc := c.Optimizer
	if oc.OutputDir == "" {
		oc.OutputDir = filepath.Dir(c.OptimizedPath())
	}
	return oc
}

// quantizeOptions derives the quantizer options.
func (c Config) quantizeOptions() quantize.Options {
	return quantize.Options{Name: c.Name}
}
