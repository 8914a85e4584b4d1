package main

import (
	"path/filepath"
	"testing"
)

func TestResolveDir(t *testing.T) {
	t.Run("flag wins over env", func(t *testing.T) {
		t.Setenv(envWorkDir, "/from/env")
		got := resolveDir("  out/../work ", envWorkDir, "model")
		if got != "work" {
			t.Fatalf("unexpected dir: got %q want %q", got, "work")
		}
	})

	t.Run("env overrides default", func(t *testing.T) {
		envDir := filepath.Join(t.TempDir(), "include")
		t.Setenv(envIncludeDir, envDir)
		if got := resolveDir("", envIncludeDir, "include"); got != envDir {
			t.Fatalf("unexpected dir: got %q want %q", got, envDir)
		}
	})

	t.Run("blank env falls back to default", func(t *testing.T) {
		t.Setenv(envWorkDir, "   ")
		if got := resolveDir("", envWorkDir, "model"); got != "model" {
			t.Fatalf("unexpected dir: got %q want %q", got, "model")
		}
	})
}
