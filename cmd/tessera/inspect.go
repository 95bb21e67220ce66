package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/inference"
)

type artifact struct {
	Role string
	Path string
	Size int64
	Err  error
}

func modelArtifacts(cfg inference.Config) []artifact {
	var out []artifact
	add := func(role, path string) {
		if path == "" {
			return
		}
		a := artifact{Role: role, Path: path}
		st, err := os.Stat(path)
		if err != nil {
			a.Err = err
		} else {
			a.Size = st.Size()
		}
		out = append(out, a)
	}
	add("embedding", cfg.Embedding)
	for i, l := range cfg.Layers {
		add(fmt.Sprintf("layer %d", i), l)
	}
	add("post", cfg.Post)
	add("tokenizer", cfg.Tokenizer.Path)
	add("tokenizer config", cfg.Tokenizer.ConfigPath)
	if cfg.Vision != nil {
		add("vision encoder", cfg.Vision.Encoder)
		add("vision resampler", cfg.Vision.Resampler)
	}
	return out
}

func printArtifacts(w io.Writer, arts []artifact) (total int64, missing int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ROLE\tFILE\tSIZE")
	for _, a := range arts {
		size := humanize.IBytes(uint64(a.Size))
		if a.Err != nil {
			size = "missing"
			missing++
		}
		total += a.Size
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Role, filepath.Base(a.Path), size)
	}
	_ = tw.Flush()
	return total, missing
}

func inspectCmd() *cli.Command {
	var showShapes bool

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show a model's artifacts and, with --shapes, the shapes derived at load",
		Flags: append(commonModelFlags(),
			&cli.BoolFlag{
				Name:        "shapes",
				Usage:       "load the model and print its derived shapes",
				Destination: &showShapes,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, path, err := loadModelConfig(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model %s: %v", path, err), 1)
			}

			fmt.Printf("model:      %s\n", path)
			fmt.Printf("backend:    %s\n", orDefault(cfg.Backend, "auto"))
			fmt.Printf("tokenizer:  %s\n", cfg.Tokenizer.Variant)
			fmt.Printf("layers:     %d\n", len(cfg.Layers))
			fmt.Printf("vocab:      %s\n", humanize.Comma(int64(cfg.Vocab)))
			fmt.Printf("vision:     %t\n", cfg.Vision != nil)
			fmt.Println()

			total, missing := printArtifacts(os.Stdout, modelArtifacts(cfg))
			fmt.Printf("\ntotal:      %s\n", humanize.IBytes(uint64(total)))
			if missing > 0 {
				return cli.Exit(fmt.Sprintf("error: %d artifact(s) missing", missing), 1)
			}

			if !showShapes {
				return nil
			}
			sess, err := openSession(ctx, cfg, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = sess.Close() }()
			sh := sess.Shapes()
			fmt.Println()
			fmt.Printf("embed:        %d\n", sh.Embed)
			fmt.Printf("cache slots:  %d\n", sh.Slots)
			fmt.Printf("cache width:  %d\n", sh.Width)
			fmt.Printf("mask length:  %d\n", sh.MaskLen)
			fmt.Printf("prefill:      %d\n", sh.Prefill)
			fmt.Printf("max sequence: %d\n", sh.MaxSequence)
			if sh.ImageTokens > 0 {
				fmt.Printf("image tokens: %d\n", sh.ImageTokens)
			}
			return nil
		},
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
