// Package api serves the run report and generated headers over HTTP for CI
// gates and humans. It is read-only.
package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/npuexport/internal/artifact"
	"github.com/samcharles93/npuexport/internal/pipeline"
	"github.com/samcharles93/npuexport/internal/version"
)

// headers lists the files /v1/artifacts may serve. Nothing else in the
// include directory is reachable.
var headers = []string{artifact.ModelDataFile, artifact.TestDataFile, artifact.ConfigFile}

// ArtifactInfo describes one generated header.
type ArtifactInfo struct {
	Name     string    `json:"name"`
	Bytes    int64     `json:"bytes"`
	SHA256   string    `json:"sha256"`
	Modified time.Time `json:"modified"`
}

type Server struct {
	cfg pipeline.Config
}

func NewServer(cfg pipeline.Config) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(requestID)
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/report", s.handleReport)
	e.GET("/v1/model", s.handleModel)
	e.GET("/v1/artifacts", s.handleListArtifacts)
	e.GET("/v1/artifacts/:name", s.handleGetArtifact)
}

// requestID tags every response so CI logs can be matched with server logs.
func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(echo.HeaderXRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	info := version.Resolve()
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": info.Version,
		"commit":  info.Commit,
	})
}

func (s *Server) handleReport(c *echo.Context) error {
	data, err := os.ReadFile(s.cfg.ReportPath())
	if err != nil {
		return fileError(c, err, "no run report yet")
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
}

func (s *Server) handleModel(c *echo.Context) error {
	data, err := os.ReadFile(s.cfg.BlobPath())
	if err != nil {
		return fileError(c, err, "no quantized model yet")
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}

func (s *Server) handleListArtifacts(c *echo.Context) error {
	out := make([]ArtifactInfo, 0, len(headers))
	for _, name := range headers {
		path := filepath.Join(s.cfg.IncludeDir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
		}
		st, err := os.Stat(path)
		if err != nil {
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
		}
		sum := sha256.Sum256(data)
		out = append(out, ArtifactInfo{
			Name:     name,
			Bytes:    int64(len(data)),
			SHA256:   hex.EncodeToString(sum[:]),
			Modified: st.ModTime().UTC(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"artifacts": out})
}

func (s *Server) handleGetArtifact(c *echo.Context) error {
	name := c.Param("name")
	known := false
	for _, h := range headers {
		if h == name {
			known = true
			break
		}
	}
	if !known {
		return writeNotFound(c, "unknown artifact "+name)
	}
	data, err := os.ReadFile(filepath.Join(s.cfg.IncludeDir, name))
	if err != nil {
		return fileError(c, err, "artifact "+name+" not generated yet")
	}
	return c.Blob(http.StatusOK, "text/x-c; charset=utf-8", data)
}
