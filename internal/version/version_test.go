package version

import (
	"runtime/debug"
	"testing"
)

func TestFillFromBuildInfo(t *testing.T) {
	t.Parallel()

	bi := &debug.BuildInfo{
		GoVersion: "go1.26.0",
		Main:      debug.Module{Version: "v1.2.3"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-01T00:00:00Z"},
		},
	}

	var info Info
	fillFromBuildInfo(&info, bi)
	if info.Version != "v1.2.3" || info.Commit != "0123456789abcdef0123" || info.BuildTime != "2026-01-01T00:00:00Z" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if got := info.String(); got != "v1.2.3 (0123456789ab)" {
		t.Fatalf("String() = %q", got)
	}

	pinned := Info{Version: "v9", Commit: "abc"}
	fillFromBuildInfo(&pinned, bi)
	if pinned.Version != "v9" || pinned.Commit != "abc" {
		t.Fatalf("ldflags values were overridden: %+v", pinned)
	}
}

func TestDevelBuildInfoIgnored(t *testing.T) {
	t.Parallel()

	var info Info
	fillFromBuildInfo(&info, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	if info.Version != "" {
		t.Fatalf("version = %q, want empty", info.Version)
	}
	if Resolve().Version == "" {
		t.Fatalf("Resolve must never return an empty version")
	}
}
