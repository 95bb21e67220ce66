package version

import (
	"runtime/debug"
	"testing"
)

func stubBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	prev := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	t.Cleanup(func() { readBuildInfo = prev })
}

func TestResolveFromBuildInfo(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Version: "v1.2.3"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-10-01T00:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})

	info := Resolve()
	if info.Version != "v1.2.3" || info.BuildTime != "2026-10-01T00:00:00Z" || !info.Modified {
		t.Fatalf("got %+v", info)
	}
	if got, want := String(), "v1.2.3 (0123456789ab, modified)"; got != want {
		t.Fatalf("String: got %q want %q", got, want)
	}
}

func TestLinkerValuesWin(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "ffff"}},
	})
	prevV, prevC := Version, Commit
	Version, Commit = "v9.0.0", "abc"
	t.Cleanup(func() { Version, Commit = prevV, prevC })

	if got := String(); got != "v9.0.0 (abc)" {
		t.Fatalf("String: got %q", got)
	}
}

func TestDevWithoutBuildInfo(t *testing.T) {
	stubBuildInfo(t, nil)
	if got := String(); got != "dev" {
		t.Fatalf("String: got %q want dev", got)
	}
}
