package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Candidate is one possible source for an upstream document. A params
// candidate with an empty Path stands for the built-in defaults.
type Candidate struct {
	Label string `json:"label"`
	Path  string `json:"path,omitempty"`
}

// Source records which candidate was chosen.
type Source struct {
	Label    string `json:"label"`
	Path     string `json:"path,omitempty"`
	Fallback bool   `json:"fallback"`
}

// Notice reports a fallback taken during resolution.
type Notice struct {
	Input   string `json:"input"`
	Message string `json:"message"`
}

// Candidates ranks the sources for each upstream document, best first.
type Candidates struct {
	Model      []Candidate `json:"model"`
	Params     []Candidate `json:"params"`
	TestVector []Candidate `json:"test_vector"`
}

// Labels used by DefaultCandidates.
const (
	LabelOptimized   = "hardware-optimized"
	LabelUnoptimized = "unoptimized"
	LabelParamsFile  = "params document"
	LabelDefaults    = "built-in defaults"
	LabelTestVector  = "test vector document"
)

// DefaultCandidates returns the standard ranking for a work directory
// holding model (the unoptimized blob) and optimized (the optimizer output,
// or "" when no optimizer is configured).
func DefaultCandidates(workDir, model, optimized string) Candidates {
	var c Candidates
	if optimized != "" {
		c.Model = append(c.Model, Candidate{Label: LabelOptimized, Path: optimized})
	}
	c.Model = append(c.Model, Candidate{Label: LabelUnoptimized, Path: model})
	c.Params = []Candidate{
		{Label: LabelParamsFile, Path: filepath.Join(workDir, ParamsFile)},
		{Label: LabelDefaults},
	}
	c.TestVector = []Candidate{{Label: LabelTestVector, Path: filepath.Join(workDir, TestVectorFile)}}
	return c
}

// Inputs are the resolved upstream documents, read once and immutable from
// then on.
type Inputs struct {
	Blob             []byte
	Params           Params
	TestVector       TestVector
	ModelSource      Source
	ParamsSource     Source
	TestVectorSource Source
	Notices          []Notice
}

// Resolve walks each candidate list in order and reads the first source that
// exists. Taking anything but the first candidate adds a Notice. A list with
// no usable candidate fails with ErrMissingUpstreamArtifact.
func Resolve(c Candidates) (*Inputs, error) {
	in := &Inputs{}

	src, err := first("model blob", c.Model, in, func(path string) error {
		blob, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if len(blob) == 0 {
			return fmt.Errorf("%w: %s is empty", ErrInvalidDocument, path)
		}
		in.Blob = blob
		return nil
	})
	if err != nil {
		return nil, err
	}
	in.ModelSource = src

	src, err = first("params", c.Params, in, func(path string) error {
		if path == "" {
			in.Params = DefaultParams()
			return nil
		}
		p, err := ReadParams(path)
		in.Params = p
		return err
	})
	if err != nil {
		return nil, err
	}
	in.ParamsSource = src

	src, err = first("test vector", c.TestVector, in, func(path string) error {
		if path == "" {
			return fs.ErrNotExist
		}
		tv, err := ReadTestVector(path)
		in.TestVector = tv
		return err
	})
	if err != nil {
		return nil, err
	}
	in.TestVectorSource = src

	if !in.TestVector.Matches(in.Params) {
		return nil, fmt.Errorf("%w: vector input (%g, %d), params (%g, %d) from %s",
			ErrParamsMismatch,
			in.TestVector.InputScale, in.TestVector.InputZeroPoint,
			in.Params.InputScale, in.Params.InputZeroPoint,
			in.ParamsSource.Label)
	}
	return in, nil
}

// first loads the first candidate whose load does not fail with
// fs.ErrNotExist. Other failures abort resolution.
func first(input string, cands []Candidate, in *Inputs, load func(path string) error) (Source, error) {
	var missing []string
	for i, cand := range cands {
		err := load(cand.Path)
		if errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, describe(cand))
			continue
		}
		if err != nil {
			return Source{}, fmt.Errorf("%s from %s: %w", input, describe(cand), err)
		}
		src := Source{Label: cand.Label, Path: cand.Path, Fallback: i > 0}
		if src.Fallback {
			in.Notices = append(in.Notices, Notice{
				Input:   input,
				Message: fmt.Sprintf("using %s; not found: %v", describe(cand), missing),
			})
		}
		return src, nil
	}
	return Source{}, fmt.Errorf("%w: %s (tried %v)", ErrMissingUpstreamArtifact, input, missing)
}

func describe(c Candidate) string {
	if c.Path == "" {
		return c.Label
	}
	return c.Label + " " + c.Path
}
