package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/version"

	_ "github.com/samcharles93/tessera/internal/backend/ort"
	_ "github.com/samcharles93/tessera/internal/toy"
)

func main() {
	app := &cli.Command{
		Name:    "tessera",
		Usage:   "Layer-split transformer inference runtime",
		Version: version.String(),
		Flags:   loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			user := LoadConfig()
			applyLoggingConfig(cmd, user)
			level := logger.ParseLevel(logLevel)
			if debug {
				level = slog.LevelDebug
			}
			return logger.WithContext(ctx, logger.ForFormat(logFormat, os.Stderr, level)), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			serveCmd(),
			inspectCmd(),
			listModelsCmd(),
			tokenizeCmd(),
			benchmarkCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
