package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/inference"
	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/metrics"
)

// loadModelConfig resolves the model file and applies command line overrides.
func loadModelConfig(cmd *cli.Command) (inference.Config, string, error) {
	applyModelConfig(cmd, LoadConfig())

	path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
	if err != nil {
		return inference.Config{}, "", err
	}
	cfg, err := inference.LoadConfig(path)
	if err != nil {
		return inference.Config{}, path, err
	}
	if backendName != "" {
		cfg.Backend = backendName
	}
	if libraryPath != "" {
		cfg.LibraryPath = libraryPath
	}
	if threads > 0 {
		cfg.Threads = int(threads)
	}
	if maxSequence > 0 {
		cfg.MaxSequence = int(maxSequence)
	}
	if mmap {
		cfg.Mmap = true
	}
	if dynamic {
		cfg.DynamicLayers = true
	}
	if noPrefill {
		cfg.NoPrefill = true
	}
	return cfg, path, nil
}

// openSession loads cfg with a progress bar on interactive terminals.
func openSession(ctx context.Context, cfg inference.Config, m *metrics.Metrics) (*inference.Session, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	var bar *progressbar.ProgressBar
	progress := func(stage string, done, total int) {
		log.Debug("loading", "stage", stage, "done", done, "total", total)
		if !isTerminal(os.Stderr) {
			return
		}
		if bar == nil || bar.GetMax() != total {
			if bar != nil {
				_ = bar.Finish()
			}
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription(fmt.Sprintf("loading %-6s", stage)),
				progressbar.OptionShowCount(),
				progressbar.OptionSetTheme(progressbar.ThemeASCII),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Describe(fmt.Sprintf("loading %-6s", stage))
		_ = bar.Set(done)
	}

	s, err := inference.New(ctx, cfg,
		inference.WithLogger(log),
		inference.WithMetrics(m),
		inference.WithProgress(progress),
	)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return nil, err
	}
	log.Info("model loaded", "shapes", s.Shapes().String(), "took", time.Since(start).Round(time.Millisecond))
	return s, nil
}
