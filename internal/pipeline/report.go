package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/npuexport/internal/artifact"
	"github.com/samcharles93/npuexport/internal/calib"
	"github.com/samcharles93/npuexport/internal/fidelity"
	"github.com/samcharles93/npuexport/internal/version"
)

// StageTiming records how long one stage took.
type StageTiming struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration_ns"`
}

// ModelSummary describes the quantized blob.
type ModelSummary struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Bytes   int    `json:"bytes"`
	SHA256  string `json:"sha256"`
	Samples int    `json:"calibration_samples"`
}

// CalibrationSummary identifies the calibration subset without listing it.
type CalibrationSummary struct {
	calib.Config
	IndicesSHA256 string `json:"indices_sha256"`
}

// Header is one generated header and its digest.
type Header struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// Report is persisted as run_report.json after every command that changes
// the work directory.
type Report struct {
	RunID       string                     `json:"run_id"`
	Version     string                     `json:"version"`
	Commit      string                     `json:"commit,omitempty"`
	StartedAt   time.Time                  `json:"started_at"`
	Stages      []StageTiming              `json:"stages"`
	Model       *ModelSummary              `json:"model,omitempty"`
	Calibration *CalibrationSummary        `json:"calibration,omitempty"`
	Params      *artifact.Params           `json:"params,omitempty"`
	TestLabel   *int                       `json:"test_label,omitempty"`
	Fidelity    *fidelity.Report           `json:"fidelity,omitempty"`
	Optimizer   string                     `json:"optimizer,omitempty"`
	Optimized   string                     `json:"optimized_path,omitempty"`
	Sources     map[string]artifact.Source `json:"sources,omitempty"`
	Notices     []artifact.Notice          `json:"notices,omitempty"`
	Headers     []Header                   `json:"headers,omitempty"`
}

func newReport(now time.Time) *Report {
	info := version.Resolve()
	return &Report{
		RunID:     uuid.NewString(),
		Version:   info.Version,
		Commit:    info.Commit,
		StartedAt: now.UTC(),
	}
}

func (r *Report) stage(name string, d time.Duration) {
	r.Stages = append(r.Stages, StageTiming{Name: name, Duration: d})
}

// ReadReport loads a run report.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// indicesDigest hashes the drawn indices as little-endian uint32s in yield
// order.
func indicesDigest(indices []int) string {
	buf := make([]byte, 4*len(indices))
	for i, v := range indices {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return digest(buf)
}
