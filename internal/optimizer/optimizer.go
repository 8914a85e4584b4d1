// Package optimizer runs the hardware-specific model optimizer on a
// quantized blob.
package optimizer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samcharles93/npuexport/internal/logger"
)

var (
	ErrNotFound = errors.New("optimizer binary not found")
	ErrFailed   = errors.New("optimizer failed")
	ErrNoOutput = errors.New("optimizer produced no output")
)

// Optimizer rewrites the blob at path for a specific accelerator and returns
// the path of the result. An empty result means no optimized blob exists.
type Optimizer interface {
	Name() string
	Optimize(ctx context.Context, path string) (string, error)
}

// Config selects and parameterises the optimizer. An empty Binary disables
// it.
type Config struct {
	Binary      string   `yaml:"binary" json:"binary,omitempty"`
	Accelerator string   `yaml:"accelerator" json:"accelerator,omitempty"`
	OutputDir   string   `yaml:"output_dir" json:"output_dir,omitempty"`
	ExtraArgs   []string `yaml:"extra_args" json:"extra_args,omitempty"`
}

const DefaultAccelerator = "ethos-u55-128"

// New returns a Vela optimizer when cfg names a binary and Passthrough
// otherwise.
func New(cfg Config, log logger.Logger) Optimizer {
	if cfg.Binary == "" {
		return Passthrough{}
	}
	return NewVela(cfg, log)
}

// Passthrough leaves the blob as is.
type Passthrough struct{}

func (Passthrough) Name() string { return "none" }

func (Passthrough) Optimize(context.Context, string) (string, error) { return "", nil }

// Vela drives the Arm Vela compiler.
type Vela struct {
	cfg Config
	log logger.Logger
}

func NewVela(cfg Config, log logger.Logger) *Vela {
	if cfg.Accelerator == "" {
		cfg.Accelerator = DefaultAccelerator
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Vela{cfg: cfg, log: logger.ForStage(log, "optimize", "optimizer", "vela")}
}

func (v *Vela) Name() string { return "vela" }

// OutputPath is where Vela writes the optimized form of path:
// <output dir>/<stem>_vela<ext>. The output dir defaults to path's directory.
func OutputPath(outputDir, path string) string {
	if outputDir == "" {
		outputDir = filepath.Dir(path)
	}
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return filepath.Join(outputDir, strings.TrimSuffix(base, ext)+"_vela"+ext)
}

func (v *Vela) Optimize(ctx context.Context, path string) (string, error) {
	bin, err := exec.LookPath(v.cfg.Binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, v.cfg.Binary, err)
	}
	outDir := v.cfg.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(path)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	out := OutputPath(outDir, path)
	// A stale result from an earlier run must not be mistaken for this one.
	if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	args := []string{path, "--accelerator-config", v.cfg.Accelerator, "--output-dir", outDir}
	args = append(args, v.cfg.ExtraArgs...)
	start := time.Now()
	v.log.Info("running optimizer", "binary", bin, "input", path, "accelerator", v.cfg.Accelerator)

	cmd := exec.CommandContext(ctx, bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: start: %v", ErrFailed, err)
	}

	var (
		wg   sync.WaitGroup
		tail tailBuffer
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		v.forward(stdout, nil)
	}()
	go func() {
		defer wg.Done()
		v.forward(stderr, &tail)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %v\n%s", ErrFailed, err, tail.String())
	}
	info, err := os.Stat(out)
	if err != nil {
		return "", fmt.Errorf("%w: expected %s", ErrNoOutput, out)
	}
	v.log.Info("optimizer done", "path", out, "bytes", info.Size(), "took", time.Since(start))
	return out, nil
}

// forward logs each line of r at debug level, keeping the last lines in
// tail when it is non-nil.
func (v *Vela) forward(r io.Reader, tail *tailBuffer) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()
		v.log.Debug("vela", "line", line)
		if tail != nil {
			tail.add(line)
		}
	}
	if err := s.Err(); err != nil {
		// Keep draining so the child never blocks on a full pipe.
		v.log.Debug("vela output not forwarded", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

const tailLines = 20

type tailBuffer struct {
	lines []string
}

func (t *tailBuffer) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > tailLines {
		t.lines = t.lines[len(t.lines)-tailLines:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "\n")
}
