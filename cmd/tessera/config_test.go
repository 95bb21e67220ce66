package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/inference"
)

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "model: /models/a.yaml\ntemperature: 0.2\ntop_k: 7\nmmap: true\nstream_mode: quiet\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TESSERA_CONFIG", path)

	cfg := LoadConfig()
	if cfg.Model != "/models/a.yaml" || cfg.StreamMode != "quiet" {
		t.Fatalf("got %+v", cfg)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.2 || cfg.TopK == nil || *cfg.TopK != 7 {
		t.Fatalf("sampling: got %+v", cfg)
	}
	if cfg.Mmap == nil || !*cfg.Mmap {
		t.Fatal("mmap not read")
	}

	t.Setenv("TESSERA_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg := LoadConfig(); cfg.Model != "" {
		t.Fatalf("missing file: got %+v", cfg)
	}
}

func TestApplyRunConfigFlagsWin(t *testing.T) {
	temp := 0.2
	topK := int64(7)
	maxTokens := int64(16)
	user := Config{Temperature: &temp, TopK: &topK, MaxTokens: &maxTokens, StreamMode: "quiet"}

	var (
		opts       inference.RequestOptions
		streamMode = "instant"
	)
	cmd := &cli.Command{
		Name: "run",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "temp"},
			&cli.Int64Flag{Name: "top-k"},
			&cli.Int64Flag{Name: "max-tokens"},
			&cli.Int64Flag{Name: "seed"},
			&cli.StringFlag{Name: "stream-mode", Destination: &streamMode},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			applyRunConfig(c, user, &opts, &streamMode)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"run", "--temp", "0.9", "--seed", "3"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if opts.Temperature == nil || *opts.Temperature != 0.9 {
		t.Fatalf("temperature: flag should win, got %v", opts.Temperature)
	}
	if opts.TopK == nil || *opts.TopK != 7 {
		t.Fatalf("top_k: config should apply, got %v", opts.TopK)
	}
	if opts.MaxTokens == nil || *opts.MaxTokens != 16 {
		t.Fatalf("max_tokens: got %v", opts.MaxTokens)
	}
	if opts.Seed == nil || *opts.Seed != 3 {
		t.Fatalf("seed: got %v", opts.Seed)
	}
	if opts.TopP != nil {
		t.Fatalf("top_p: unset everywhere, got %v", *opts.TopP)
	}
	if streamMode != "quiet" {
		t.Fatalf("stream mode: got %q", streamMode)
	}
}
