package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/npuexport/internal/calib"
	"github.com/samcharles93/npuexport/internal/pipeline"
)

// Config represents the config file ($XDG_CONFIG_HOME/npuexport/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelDir   string `yaml:"model_dir"`
	DataDir    string `yaml:"data_dir"`
	WorkDir    string `yaml:"work_dir"`
	IncludeDir string `yaml:"include_dir"`
	Name       string `yaml:"name"`

	Calibration struct {
		Count    *int    `yaml:"count"`
		Seed     *uint64 `yaml:"seed"`
		Strategy string  `yaml:"strategy"`
	} `yaml:"calibration"`

	ValidationLimit *int     `yaml:"validation_limit"`
	MinAccuracy     *float64 `yaml:"min_accuracy"`
	CompareFloat    *bool    `yaml:"compare_float"`
	TestIndex       *int     `yaml:"test_index"`

	Optimizer struct {
		Binary      string   `yaml:"binary"`
		Accelerator string   `yaml:"accelerator"`
		OutputDir   string   `yaml:"output_dir"`
		ExtraArgs   []string `yaml:"extra_args"`
	} `yaml:"optimizer"`

	Target struct {
		TensorArenaSize string `yaml:"tensor_arena_size"`
		NPUBaseAddr     string `yaml:"npu_base_addr"`
		SystemClockHz   string `yaml:"system_clock_hz"`
	} `yaml:"target"`

	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	ServerAddress string `yaml:"server_address"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "npuexport", "config.yaml")
}

// LoadConfig reads the config file. A missing default file yields a zero
// Config; a missing file named explicitly is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// apply overlays the config file onto the pipeline defaults.
func (c Config) apply(p *pipeline.Config) {
	setString(&p.ModelDir, c.ModelDir)
	setString(&p.DataDir, c.DataDir)
	setString(&p.WorkDir, c.WorkDir)
	setString(&p.IncludeDir, c.IncludeDir)
	setString(&p.Name, c.Name)

	if c.Calibration.Count != nil {
		p.Calibration.Count = *c.Calibration.Count
	}
	if c.Calibration.Seed != nil {
		p.Calibration.Seed = *c.Calibration.Seed
	}
	if c.Calibration.Strategy != "" {
		p.Calibration.Strategy = calib.Strategy(c.Calibration.Strategy)
	}
	if c.ValidationLimit != nil {
		p.ValidationLimit = *c.ValidationLimit
	}
	if c.CompareFloat != nil {
		p.CompareFloat = *c.CompareFloat
	}
	if c.TestIndex != nil {
		p.TestIndex = *c.TestIndex
	}

	setString(&p.Optimizer.Binary, c.Optimizer.Binary)
	setString(&p.Optimizer.Accelerator, c.Optimizer.Accelerator)
	setString(&p.Optimizer.OutputDir, c.Optimizer.OutputDir)
	if len(c.Optimizer.ExtraArgs) > 0 {
		p.Optimizer.ExtraArgs = c.Optimizer.ExtraArgs
	}

	setString(&p.Target.ArenaSize, c.Target.TensorArenaSize)
	setString(&p.Target.NPUBase, c.Target.NPUBaseAddr)
	setString(&p.Target.ClockHz, c.Target.SystemClockHz)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// buildConfig layers defaults, the config file, the environment and
// explicitly set flags, in increasing order of precedence.
func buildConfig(cmd *cli.Command, file Config) pipeline.Config {
	cfg := pipeline.DefaultConfig()
	file.apply(&cfg)

	cfg.WorkDir = resolveDir(flagValue(cmd, "work-dir", workDir), envWorkDir, cfg.WorkDir)
	cfg.IncludeDir = resolveDir(flagValue(cmd, "include-dir", includeDir), envIncludeDir, cfg.IncludeDir)
	if cmd.IsSet("model-dir") {
		cfg.ModelDir = modelDir
	}
	if cmd.IsSet("data-dir") {
		cfg.DataDir = dataDir
	}

	if cmd.IsSet("calib-count") {
		cfg.Calibration.Count = calibCount
	}
	if cmd.IsSet("calib-seed") {
		cfg.Calibration.Seed = calibSeed
	}
	if cmd.IsSet("calib-strategy") {
		cfg.Calibration.Strategy = calib.Strategy(calibStrategy)
	}
	if cmd.IsSet("test-index") {
		cfg.TestIndex = testIndex
	}
	if cmd.IsSet("name") {
		cfg.Name = modelName
	}
	if cmd.IsSet("limit") {
		cfg.ValidationLimit = validationLimit
	}
	if cmd.IsSet("no-float") {
		cfg.CompareFloat = !noFloat
	}
	if cmd.IsSet("vela") {
		cfg.Optimizer.Binary = velaBinary
	}
	if cmd.IsSet("accelerator") {
		cfg.Optimizer.Accelerator = accelerator
	}
	if cmd.IsSet("vela-output-dir") {
		cfg.Optimizer.OutputDir = velaOutDir
	}
	return cfg
}

// accuracyGate returns the --min-accuracy threshold, falling back to the
// config file.
func accuracyGate(cmd *cli.Command, file Config) float64 {
	if cmd.IsSet("min-accuracy") {
		return minAccuracy
	}
	if file.MinAccuracy != nil {
		return *file.MinAccuracy
	}
	return 0
}

func flagValue(cmd *cli.Command, name, value string) string {
	if cmd.IsSet(name) {
		return value
	}
	return ""
}
