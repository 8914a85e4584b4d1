package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/npuexport/internal/artifact"
	"github.com/samcharles93/npuexport/internal/pipeline"
)

func newTestEcho(t *testing.T) (*echo.Echo, pipeline.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := pipeline.DefaultConfig()
	cfg.WorkDir = filepath.Join(root, "work")
	cfg.IncludeDir = filepath.Join(root, "include")
	e := echo.New()
	NewServer(cfg).Register(e)
	return e, cfg
}

func get(t *testing.T, e *echo.Echo, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	rec := get(t, e, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
}

func TestReportAndModel(t *testing.T) {
	t.Parallel()

	e, cfg := newTestEcho(t)
	require.Equal(t, http.StatusNotFound, get(t, e, "/v1/report").Code)
	require.Equal(t, http.StatusNotFound, get(t, e, "/v1/model").Code)

	require.NoError(t, os.MkdirAll(cfg.WorkDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.ReportPath(), []byte(`{"run_id":"abc"}`), 0o644))
	require.NoError(t, os.WriteFile(cfg.BlobPath(), []byte("QMF\x00"), 0o644))

	rec := get(t, e, "/v1/report")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"run_id":"abc"}`, rec.Body.String())

	rec = get(t, e, "/v1/model")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "QMF\x00", rec.Body.String())
}

func TestArtifacts(t *testing.T) {
	t.Parallel()

	e, cfg := newTestEcho(t)
	require.NoError(t, os.MkdirAll(cfg.IncludeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.IncludeDir, artifact.ConfigFile), []byte("#define X 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.IncludeDir, "secret.txt"), []byte("nope"), 0o644))

	rec := get(t, e, "/v1/artifacts")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Artifacts []ArtifactInfo `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Artifacts, 1)
	assert.Equal(t, artifact.ConfigFile, list.Artifacts[0].Name)
	assert.Equal(t, int64(12), list.Artifacts[0].Bytes)
	assert.Len(t, list.Artifacts[0].SHA256, 64)

	rec = get(t, e, "/v1/artifacts/"+artifact.ConfigFile)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "#define X 1\n", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, e, "/v1/artifacts/secret.txt").Code)
	assert.Equal(t, http.StatusNotFound, get(t, e, "/v1/artifacts/"+artifact.TestDataFile).Code)
}
