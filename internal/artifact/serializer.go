package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/samcharles93/npuexport/internal/logger"
)

// Result describes one serializer run.
type Result struct {
	Artifacts []Artifact
	Sources   map[string]Source
	Notices   []Notice
}

// Serializer writes the three headers into Dir.
type Serializer struct {
	Dir    string
	Target Target
	Log    logger.Logger
	// Now stamps the generated comment line. Defaults to time.Now.
	Now func() time.Time
}

func NewSerializer(dir string, target Target, log logger.Logger) *Serializer {
	if log == nil {
		log = logger.Discard()
	}
	return &Serializer{Dir: dir, Target: target, Log: logger.ForStage(log, "export"), Now: time.Now}
}

// Render produces the three headers without touching the file system.
func (s *Serializer) Render(in *Inputs) ([]Artifact, error) {
	if err := in.Params.Validate(); err != nil {
		return nil, err
	}
	if err := in.TestVector.Validate(s.Target); err != nil {
		return nil, err
	}
	if len(in.Blob) == 0 {
		return nil, fmt.Errorf("%w: empty model blob", ErrInvalidDocument)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ts := now()
	return []Artifact{
		{Name: ModelDataFile, Content: RenderModelData(in.Blob, in.ModelSource, ts)},
		{Name: TestDataFile, Content: RenderTestData(in.TestVector, s.Target, ts)},
		{Name: ConfigFile, Content: RenderConfig(in.Params, s.Target, ts)},
	}, nil
}

// Write renders the headers and atomically replaces the three files in
// s.Dir, creating it if needed.
func (s *Serializer) Write(in *Inputs) (*Result, error) {
	arts, err := s.Render(in)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	for i := range arts {
		arts[i].Path = filepath.Join(s.Dir, arts[i].Name)
		if err := WriteFile(arts[i].Path, arts[i].Content); err != nil {
			return nil, err
		}
		s.Log.Debug("header written", "path", arts[i].Path, "bytes", len(arts[i].Content))
	}
	for _, n := range in.Notices {
		s.Log.Warn("fallback source used", "input", n.Input, "detail", n.Message)
	}
	s.Log.Info("headers exported",
		"dir", s.Dir,
		"model_source", in.ModelSource.Label,
		"model_bytes", len(in.Blob),
		"expected_digit", in.TestVector.Label,
	)
	return &Result{
		Artifacts: arts,
		Sources: map[string]Source{
			"model":       in.ModelSource,
			"params":      in.ParamsSource,
			"test_vector": in.TestVectorSource,
		},
		Notices: in.Notices,
	}, nil
}

// Export resolves the candidates once and writes the headers.
func (s *Serializer) Export(c Candidates) (*Result, error) {
	in, err := Resolve(c)
	if err != nil {
		return nil, err
	}
	return s.Write(in)
}

// WriteFile writes data to a temp file in the destination directory and
// renames it over path.
func WriteFile(path string, data []byte) error {
	tmp, err := stage(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func stage(path string, data []byte) (name string, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Chmod(0o644)
	}
	if cerr := tmp.Close(); cerr != nil {
		werr = errors.Join(werr, cerr)
	}
	if werr != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrIO, path, werr)
	}
	return tmp.Name(), nil
}

// Batch stages several files next to their destinations and publishes them
// together. Nothing is replaced until every file has been staged.
type Batch struct {
	staged []stagedFile
}

type stagedFile struct{ tmp, path string }

// Add stages data for path. On error every staged file is discarded.
func (b *Batch) Add(path string, data []byte) error {
	tmp, err := stage(path, data)
	if err != nil {
		b.Abort()
		return err
	}
	b.staged = append(b.staged, stagedFile{tmp: tmp, path: path})
	return nil
}

// AddJSON stages v as indented JSON.
func (b *Batch) AddJSON(path string, v any) error {
	data, err := marshalJSON(v)
	if err != nil {
		b.Abort()
		return err
	}
	return b.Add(path, data)
}

// Commit renames every staged file over its destination. Destinations are
// checked up front so a target that cannot be replaced leaves all of them
// untouched.
func (b *Batch) Commit() error {
	defer b.Abort()
	for _, f := range b.staged {
		fi, err := os.Lstat(f.path)
		switch {
		case err == nil && !fi.Mode().IsRegular():
			return fmt.Errorf("%w: %s is not a regular file", ErrIO, f.path)
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	for _, f := range b.staged {
		if err := os.Rename(f.tmp, f.path); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	b.staged = nil
	return nil
}

// Abort discards every staged file. It is safe to call after Commit.
func (b *Batch) Abort() {
	for _, f := range b.staged {
		_ = os.Remove(f.tmp)
	}
	b.staged = nil
}
