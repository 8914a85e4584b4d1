package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/npuexport/internal/artifact"
	"github.com/samcharles93/npuexport/internal/calib"
	"github.com/samcharles93/npuexport/internal/dataset"
	"github.com/samcharles93/npuexport/internal/graph"
	"github.com/samcharles93/npuexport/internal/logger"
	"github.com/samcharles93/npuexport/internal/toy"
)

// fixture writes a toy model and dataset and returns a config pointing at
// them.
func fixture(t *testing.T) (Config, *dataset.Set) {
	t.Helper()
	root := t.TempDir()
	m := toy.NewCNN(5)

	train, err := toy.Dataset(m, 48, 1)
	require.NoError(t, err)
	test, err := toy.Dataset(m, 16, 2)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ModelDir = filepath.Join(root, "trained")
	cfg.DataDir = filepath.Join(root, "data")
	cfg.WorkDir = filepath.Join(root, "work")
	cfg.IncludeDir = filepath.Join(root, "include")
	cfg.Calibration = calib.Config{Count: 24, Seed: calib.DefaultSeed, Strategy: calib.Uniform}
	cfg.TestIndex = 3

	require.NoError(t, graph.Save(cfg.ModelDir, m))
	require.NoError(t, dataset.Save(cfg.DataDir, dataset.Train, train))
	require.NoError(t, dataset.Save(cfg.DataDir, dataset.Test, test))
	return cfg, test
}

func newRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	r, err := New(cfg, logger.Discard())
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return r
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	cfg, test := fixture(t)
	rep, err := newRunner(t, cfg).Run(context.Background())
	require.NoError(t, err)

	for _, name := range []string{artifact.ModelDataFile, artifact.TestDataFile, artifact.ConfigFile} {
		_, err := os.Stat(filepath.Join(cfg.IncludeDir, name))
		require.NoError(t, err, name)
	}
	for _, p := range []string{cfg.BlobPath(), cfg.ParamsPath(), cfg.TestVectorPath(), cfg.ReportPath()} {
		_, err := os.Stat(p)
		require.NoError(t, err, p)
	}

	var stages []string
	for _, s := range rep.Stages {
		stages = append(stages, s.Name)
	}
	assert.Equal(t, []string{"quantize", "validate", "optimize", "export"}, stages)
	assert.Equal(t, "none", rep.Optimizer)
	require.NotNil(t, rep.Model)
	assert.Equal(t, 24, rep.Model.Samples)
	assert.Len(t, rep.Model.SHA256, 64)
	require.NotNil(t, rep.TestLabel)
	assert.Equal(t, test.Label(3), *rep.TestLabel)

	// No optimizer ran, so export falls back to the unoptimized blob.
	assert.Equal(t, artifact.LabelUnoptimized, rep.Sources["model"].Label)
	require.Len(t, rep.Notices, 1)
	require.Len(t, rep.Headers, 3)

	require.NotNil(t, rep.Fidelity)
	assert.Equal(t, test.Len(), rep.Fidelity.Total)
	require.NotNil(t, rep.Fidelity.Float)
	assert.InDelta(t, 1.0, rep.Fidelity.Float.Accuracy, 1e-12)

	onDisk, err := ReadReport(cfg.ReportPath())
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, onDisk.RunID)
	assert.Equal(t, rep.Model.SHA256, onDisk.Model.SHA256)

	cfgHeader, err := os.ReadFile(filepath.Join(cfg.IncludeDir, artifact.ConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(cfgHeader), "#define INPUT_SCALE 0.0039215689f\n")
	assert.Contains(t, string(cfgHeader), "#define INPUT_ZERO_POINT -128\n")
}

func TestRunIsReproducible(t *testing.T) {
	t.Parallel()

	cfg, _ := fixture(t)
	first, err := newRunner(t, cfg).Run(context.Background())
	require.NoError(t, err)
	second, err := newRunner(t, cfg).Run(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Model.SHA256, second.Model.SHA256)
	assert.Equal(t, first.Calibration.IndicesSHA256, second.Calibration.IndicesSHA256)
	assert.Equal(t, first.Headers, second.Headers)
}

func TestExportPrefersOptimizedAndQuantizeInvalidatesIt(t *testing.T) {
	t.Parallel()

	cfg, _ := fixture(t)
	r := newRunner(t, cfg)
	_, err := r.Quantize(context.Background())
	require.NoError(t, err)

	opt := cfg.OptimizedPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(opt), 0o755))
	require.NoError(t, os.WriteFile(opt, []byte{0xDE, 0xAD}, 0o644))

	res, err := r.Export()
	require.NoError(t, err)
	assert.Empty(t, res.Notices)
	assert.Equal(t, artifact.LabelOptimized, res.Sources["model"].Label)
	assert.True(t, strings.Contains(string(res.Artifacts[0].Content), "0xDE, 0xAD\n"))

	_, err = r.Quantize(context.Background())
	require.NoError(t, err)
	_, err = os.Stat(opt)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFailedQuantizeKeepsPreviousArtifacts(t *testing.T) {
	t.Parallel()

	cfg, _ := fixture(t)
	_, err := newRunner(t, cfg).Quantize(context.Background())
	require.NoError(t, err)
	blob, err := os.ReadFile(cfg.BlobPath())
	require.NoError(t, err)
	params, err := os.ReadFile(cfg.ParamsPath())
	require.NoError(t, err)

	// A directory in place of the test vector cannot be replaced.
	require.NoError(t, os.Remove(cfg.TestVectorPath()))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.TestVectorPath(), "keep"), 0o755))

	cfg.Calibration.Seed = calib.DefaultSeed + 1
	cfg.Calibration.Strategy = calib.Head
	_, err = newRunner(t, cfg).Quantize(context.Background())
	require.ErrorIs(t, err, artifact.ErrIO)

	after, err := os.ReadFile(cfg.BlobPath())
	require.NoError(t, err)
	assert.Equal(t, blob, after)
	afterParams, err := os.ReadFile(cfg.ParamsPath())
	require.NoError(t, err)
	assert.Equal(t, params, afterParams)

	leftovers, err := filepath.Glob(filepath.Join(cfg.WorkDir, ".*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestStagesRunIndependently(t *testing.T) {
	t.Parallel()

	cfg, _ := fixture(t)
	_, err := newRunner(t, cfg).Quantize(context.Background())
	require.NoError(t, err)

	cfg.CompareFloat = false
	rep, err := newRunner(t, cfg).Validate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rep.Float)
	assert.Greater(t, rep.Accuracy, 0.0)

	fresh := newRunner(t, cfg)
	_, err = fresh.Export()
	require.NoError(t, err)
	require.NoError(t, fresh.WriteReport())
	onDisk, err := ReadReport(cfg.ReportPath())
	require.NoError(t, err)
	assert.Nil(t, onDisk.Model)
	assert.Len(t, onDisk.Headers, 3)
}

func TestResumeAmendsReport(t *testing.T) {
	t.Parallel()

	cfg, _ := fixture(t)
	first := newRunner(t, cfg)
	require.NoError(t, first.Resume())
	_, err := first.Quantize(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.WriteReport())

	second := newRunner(t, cfg)
	require.NoError(t, second.Resume())
	_, err = second.Export()
	require.NoError(t, err)
	require.NoError(t, second.WriteReport())

	onDisk, err := ReadReport(cfg.ReportPath())
	require.NoError(t, err)
	assert.Equal(t, first.Report().RunID, onDisk.RunID)
	require.NotNil(t, onDisk.Model)
	assert.Len(t, onDisk.Headers, 3)
	assert.Len(t, onDisk.Stages, 2)
}

func TestExportWithoutQuantize(t *testing.T) {
	t.Parallel()

	cfg, _ := fixture(t)
	_, err := newRunner(t, cfg).Export()
	require.ErrorIs(t, err, artifact.ErrMissingUpstreamArtifact)
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.WorkDir = ""
	require.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = DefaultConfig()
	bad.Calibration.Count = 0
	require.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = DefaultConfig()
	bad.Calibration.Strategy = "stratified"
	require.ErrorIs(t, bad.Validate(), calib.ErrInvalidConfig)

	cfg, _ := fixture(t)
	cfg.TestIndex = 1000
	_, err := newRunner(t, cfg).Quantize(context.Background())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInsufficientCalibrationData(t *testing.T) {
	t.Parallel()

	cfg, _ := fixture(t)
	cfg.Calibration.Count = 500
	_, err := newRunner(t, cfg).Quantize(context.Background())
	require.ErrorIs(t, err, calib.ErrInsufficientCalibrationData)
}

func TestPaths(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.WorkDir = "/w"
	assert.Equal(t, "/w/mnist_model.qmf", cfg.BlobPath())
	assert.Equal(t, "/w/vela_output/mnist_model_vela.qmf", cfg.OptimizedPath())
	cfg.Optimizer.OutputDir = "/elsewhere"
	assert.Equal(t, "/elsewhere/mnist_model_vela.qmf", cfg.OptimizedPath())
	assert.Equal(t, "/w/quantization_params.json", cfg.ParamsPath())
}
