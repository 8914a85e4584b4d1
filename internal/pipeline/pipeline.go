package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/samcharles93/npuexport/internal/artifact"
	"github.com/samcharles93/npuexport/internal/calib"
	"github.com/samcharles93/npuexport/internal/dataset"
	"github.com/samcharles93/npuexport/internal/fidelity"
	"github.com/samcharles93/npuexport/internal/graph"
	"github.com/samcharles93/npuexport/internal/logger"
	"github.com/samcharles93/npuexport/internal/optimizer"
	"github.com/samcharles93/npuexport/internal/quantize"
	"github.com/samcharles93/npuexport/internal/runtime"
)

// Runner executes stages against one Config and accumulates a Report.
// Stages communicate only through files in the work directory, so each can
// also run on its own.
type Runner struct {
	cfg    Config
	log    logger.Logger
	report *Report
	now    func() time.Time

	model *graph.Model
	test  *dataset.Set
}

func New(cfg Config, log logger.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	r := &Runner{cfg: cfg, log: log, now: time.Now}
	r.report = newReport(r.now())
	return r, nil
}

func (r *Runner) Config() Config  { return r.cfg }
func (r *Runner) Report() *Report { return r.report }

// Resume continues the run report already in the work directory, so a
// single-stage command amends it instead of starting a new run. A missing
// report is not an error.
func (r *Runner) Resume() error {
	rep, err := ReadReport(r.cfg.ReportPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read run report: %w", err)
	}
	r.report = rep
	return nil
}

func (r *Runner) timed(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.report.stage(name, time.Since(start))
	return err
}

func (r *Runner) floatModel() (*graph.Model, error) {
	if r.model == nil {
		m, err := graph.Load(r.cfg.ModelDir)
		if err != nil {
			return nil, err
		}
		r.model = m
	}
	return r.model, nil
}

func (r *Runner) testSet() (*dataset.Set, error) {
	if r.test == nil {
		s, err := dataset.Load(r.cfg.DataDir, dataset.Test)
		if err != nil {
			return nil, fmt.Errorf("load test split: %w", err)
		}
		r.test = s
	}
	return r.test, nil
}

// Quantize loads the float model and datasets, calibrates, and writes the
// blob, the params document and the test vector into the work directory.
// Any optimizer output derived from an earlier blob is removed.
func (r *Runner) Quantize(ctx context.Context) (*quantize.Model, error) {
	var out *quantize.Model
	err := r.timed("quantize", func() error {
		m, err := r.floatModel()
		if err != nil {
			return err
		}
		train, err := dataset.Load(r.cfg.DataDir, dataset.Train)
		if err != nil {
			return fmt.Errorf("load train split: %w", err)
		}
		test, err := r.testSet()
		if err != nil {
			return err
		}
		if r.cfg.TestIndex >= test.Len() {
			return fmt.Errorf("%w: test index %d, test split has %d examples", ErrInvalidConfig, r.cfg.TestIndex, test.Len())
		}

		cursor, err := calib.Sample(train, r.cfg.Calibration)
		if err != nil {
			return err
		}
		qm, err := quantize.New(r.log, r.cfg.quantizeOptions()).Quantize(ctx, m, cursor)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", artifact.ErrIO, err)
		}
		// The blob, params and test vector are published together so a failed
		// run never pairs a new blob with old params.
		var batch artifact.Batch
		defer batch.Abort()
		params := artifact.NewParams(qm.Params.Input, qm.Params.Output)
		if err := batch.AddJSON(r.cfg.ParamsPath(), params); err != nil {
			return err
		}
		idx := r.cfg.TestIndex
		tv := artifact.NewTestVector(test.Input(idx).Data, test.Label(idx), idx, qm.Params.Input)
		if err := batch.AddJSON(r.cfg.TestVectorPath(), tv); err != nil {
			return err
		}
		if err := batch.Add(r.cfg.BlobPath(), qm.Blob); err != nil {
			return err
		}
		if err := os.Remove(r.cfg.OptimizedPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %v", artifact.ErrIO, err)
		}
		if err := batch.Commit(); err != nil {
			return err
		}

		r.report.Model = &ModelSummary{
			Name:    qm.Name,
			Path:    r.cfg.BlobPath(),
			Bytes:   len(qm.Blob),
			SHA256:  digest(qm.Blob),
			Samples: qm.Samples,
		}
		r.report.Calibration = &CalibrationSummary{Config: r.cfg.Calibration, IndicesSHA256: indicesDigest(cursor.Indices())}
		r.report.Params = &params
		r.report.TestLabel = &tv.Label
		r.log.Info("quantized model written", "path", r.cfg.BlobPath(), "bytes", len(qm.Blob), "test_digit", tv.Label)
		out = qm
		return nil
	})
	return out, err
}

// Validate scores the blob on disk against the test split. The result is
// advisory.
func (r *Runner) Validate(ctx context.Context) (*fidelity.Report, error) {
	var out *fidelity.Report
	err := r.timed("validate", func() error {
		it, err := runtime.Open(r.cfg.BlobPath())
		if err != nil {
			return err
		}
		params, err := artifact.ReadParams(r.cfg.ParamsPath())
		if err != nil {
			return err
		}
		test, err := r.testSet()
		if err != nil {
			return err
		}
		opts := fidelity.Options{Limit: r.cfg.ValidationLimit, Classes: r.cfg.Target.NumClasses, Log: r.log}
		if r.cfg.CompareFloat {
			m, err := r.floatModel()
			if err != nil {
				return err
			}
			opts.Reference = m
		}
		rep, err := fidelity.Validate(ctx, it, params.Input(), test, opts)
		if err != nil {
			return err
		}
		r.report.Fidelity = rep
		out = rep
		return nil
	})
	return out, err
}

// Optimize runs the configured optimizer over the blob. With no optimizer
// configured it does nothing and returns "".
func (r *Runner) Optimize(ctx context.Context) (string, error) {
	var out string
	err := r.timed("optimize", func() error {
		opt := optimizer.New(r.cfg.optimizerConfig(), r.log)
		r.report.Optimizer = opt.Name()
		path, err := opt.Optimize(ctx, r.cfg.BlobPath())
		if err != nil {
			return err
		}
		if path == "" {
			r.log.Debug("no optimizer configured")
		}
		r.report.Optimized = path
		out = path
		return nil
	})
	return out, err
}

// Export resolves the upstream documents and writes the three headers.
func (r *Runner) Export() (*artifact.Result, error) {
	var out *artifact.Result
	err := r.timed("export", func() error {
		s := artifact.NewSerializer(r.cfg.IncludeDir, r.cfg.Target, r.log)
		s.Now = r.now
		res, err := s.Export(r.cfg.Candidates())
		if err != nil {
			return err
		}
		r.report.Sources = res.Sources
		r.report.Notices = res.Notices
		r.report.Headers = r.report.Headers[:0]
		for _, a := range res.Artifacts {
			r.report.Headers = append(r.report.Headers, Header{
				Name:   a.Name,
				Path:   a.Path,
				Bytes:  len(a.Content),
				SHA256: digest(a.Content),
			})
		}
		out = res
		return nil
	})
	return out, err
}

// Run executes quantize, validate, optimize and export in order and writes
// the run report. Validation never blocks the export.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if _, err := r.Quantize(ctx); err != nil {
		return nil, fmt.Errorf("quantize: %w", err)
	}
	if _, err := r.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	if _, err := r.Optimize(ctx); err != nil {
		return nil, fmt.Errorf("optimize: %w", err)
	}
	if _, err := r.Export(); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if err := r.WriteReport(); err != nil {
		return nil, err
	}
	return r.report, nil
}

// WriteReport persists the accumulated report into the work directory.
func (r *Runner) WriteReport() error {
	if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", artifact.ErrIO, err)
	}
	if err := artifact.WriteJSON(r.cfg.ReportPath(), r.report); err != nil {
		return err
	}
	r.log.Debug("run report written", "path", r.cfg.ReportPath())
	return nil
}
