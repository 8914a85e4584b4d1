package main

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	envWorkDir    = "NPUEXPORT_WORK_DIR"
	envIncludeDir = "NPUEXPORT_INCLUDE_DIR"
)

// resolveDir picks the flag value, then the environment, then def.
func resolveDir(flagVal, env, def string) string {
	if v := strings.TrimSpace(flagVal); v != "" {
		return filepath.Clean(v)
	}
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return filepath.Clean(v)
	}
	return def
}
