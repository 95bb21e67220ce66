package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeModelFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func withTTY(t *testing.T, tty bool) {
	t.Helper()
	prev := stdinIsTTY
	stdinIsTTY = func() bool { return tty }
	t.Cleanup(func() { stdinIsTTY = prev })
}

func TestDiscoverModelsSorted(t *testing.T) {
	dir := t.TempDir()
	writeModelFiles(t, dir, "b.yaml", "a.yml", "ignore.txt", "weights.onnx")
	if err := os.Mkdir(filepath.Join(dir, "c.yaml"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := discoverModels(dir)
	if err != nil {
		t.Fatalf("discoverModels returned error: %v", err)
	}
	want := []string{filepath.Join(dir, "a.yml"), filepath.Join(dir, "b.yaml")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("models (-want +got):\n%s", diff)
	}

	if _, err := discoverModels(filepath.Join(dir, "b.yaml")); err == nil {
		t.Fatal("expected error for a file path")
	}
}

func TestResolveModelPath(t *testing.T) {
	t.Run("model flag bypasses env", func(t *testing.T) {
		t.Setenv(envModelsDir, "")
		got, err := resolveModelPath("/tmp/model.yaml", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelPath returned error: %v", err)
		}
		if got != filepath.Clean("/tmp/model.yaml") {
			t.Fatalf("unexpected model path: got %q", got)
		}
	})

	t.Run("nothing configured", func(t *testing.T) {
		t.Setenv(envModelsDir, "")
		_, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard)
		if err == nil || !strings.Contains(err.Error(), envModelsDir) {
			t.Fatalf("got %v want an error naming %s", err, envModelsDir)
		}
	})

	t.Run("single model selects automatically", func(t *testing.T) {
		dir := t.TempDir()
		writeModelFiles(t, dir, "only.yaml")
		t.Setenv(envModelsDir, dir)
		withTTY(t, false)

		got, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelPath returned error: %v", err)
		}
		if want := filepath.Join(dir, "only.yaml"); got != want {
			t.Fatalf("unexpected model path: got %q want %q", got, want)
		}
	})

	t.Run("multiple models requires tty", func(t *testing.T) {
		dir := t.TempDir()
		writeModelFiles(t, dir, "a.yaml", "b.yaml")
		t.Setenv(envModelsDir, dir)
		withTTY(t, false)

		_, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard)
		if err == nil || !strings.Contains(err.Error(), "stdin is not interactive") {
			t.Fatalf("got %v want non-interactive error", err)
		}
	})

	t.Run("interactive selection retries invalid input", func(t *testing.T) {
		dir := t.TempDir()
		writeModelFiles(t, dir, "a.yaml", "b.yaml")
		withTTY(t, true)

		var stderr bytes.Buffer
		got, err := resolveModelPath("", dir, strings.NewReader("9\nx\n2\n"), &stderr)
		if err != nil {
			t.Fatalf("resolveModelPath returned error: %v", err)
		}
		if want := filepath.Join(dir, "b.yaml"); got != want {
			t.Fatalf("unexpected model path: got %q want %q", got, want)
		}
		if !strings.Contains(stderr.String(), `invalid selection "9"`) || !strings.Contains(stderr.String(), "1. a") {
			t.Fatalf("unexpected prompt output: %s", stderr.String())
		}
	})

	t.Run("interactive selection at EOF", func(t *testing.T) {
		dir := t.TempDir()
		writeModelFiles(t, dir, "a.yaml", "b.yaml")
		withTTY(t, true)

		if _, err := resolveModelPath("", dir, strings.NewReader(""), io.Discard); err == nil {
			t.Fatal("expected error when stdin is empty")
		}
	})
}
