package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/inference"
	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/vision"
)

func runCmd() *cli.Command {
	var (
		prompt      string
		imagePath   string
		interactive bool
		streamMode  string
		rawOutput   bool
		showStats   bool
		cpuProfile  string
	)

	flags := append(commonModelFlags(),
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "image",
			Aliases:     []string{"i"},
			Usage:       "image for the prompt's placeholder (PNG, JPEG, WebP)",
			Destination: &imagePath,
		},
		&cli.BoolFlag{
			Name:        "interactive",
			Usage:       "read prompts from stdin, keeping the context between them",
			Destination: &interactive,
		},
		&cli.Int64Flag{
			Name:    "max-tokens",
			Aliases: []string{"n"},
			Usage:   "stop after n generated tokens (0 = sequence cap only)",
		},
		&cli.Float64Flag{
			Name:    "temp",
			Aliases: []string{"temperature", "t"},
			Usage:   "sampling temperature (0 = greedy)",
		},
		&cli.Int64Flag{
			Name:    "top-k",
			Aliases: []string{"top_k"},
			Usage:   "top-k sampling parameter",
		},
		&cli.Float64Flag{
			Name:    "top-p",
			Aliases: []string{"top_p"},
			Usage:   "top-p sampling parameter",
		},
		&cli.Float64Flag{
			Name:    "min-p",
			Aliases: []string{"min_p"},
			Usage:   "min-p sampling parameter",
		},
		&cli.Float64Flag{
			Name:    "repeat-penalty",
			Aliases: []string{"repeat_penalty"},
			Usage:   "repetition penalty (1.0 = disabled)",
		},
		&cli.Int64Flag{
			Name:    "repeat-last-n",
			Aliases: []string{"repeat_last_n"},
			Usage:   "last n tokens to penalize",
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "sampling RNG seed",
		},
		&cli.BoolFlag{
			Name:  "continue",
			Usage: "extend the previous prompt instead of starting over",
		},
		&cli.StringFlag{
			Name:        "stream-mode",
			Usage:       "output mode (instant, quiet, tokens)",
			Value:       string(StreamInstant),
			Destination: &streamMode,
		},
		&cli.BoolFlag{
			Name:        "raw",
			Usage:       "escape control characters in the output",
			Destination: &rawOutput,
		},
		&cli.BoolFlag{
			Name:        "stats",
			Usage:       "print timing after each generation",
			Destination: &showStats,
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "write a CPU profile to this file",
			Destination: &cpuProfile,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: create cpu profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("error: start cpu profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}

			var reqOpts inference.RequestOptions
			applyRunConfig(c, LoadConfig(), &reqOpts, &streamMode)
			mode, err := parseStreamMode(streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if prompt == "" && !interactive {
				return cli.Exit("error: --prompt is required unless --interactive is set", 1)
			}

			var img image.Image
			if imagePath != "" {
				img, err = vision.LoadImage(imagePath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load image: %v", err), 1)
				}
			}

			cfg, path, err := loadModelConfig(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model %s: %v", path, err), 1)
			}
			sess, err := openSession(ctx, cfg, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = sess.Close() }()

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			stopOnInterrupt(runCtx, sess, cancel)

			cont := cfg.Continue || interactive
			if c.IsSet("continue") {
				cont = c.Bool("continue")
			}
			req := inference.ResolveRequest(reqOpts, cfg.Sampler, cont)

			generate := func(text string, img image.Image) error {
				w := NewStreamWriter(os.Stdout, mode, rawOutput)
				res, err := sess.Run(runCtx, inference.Prompt{Text: text, Image: img}, w.Write, req.Options()...)
				w.Flush()
				fmt.Println()
				if res != nil && showStats {
					printStats(os.Stderr, res)
				}
				if res != nil && res.State == inference.StateCancelled {
					log.Info("generation stopped", "tokens", len(res.Tokens))
				}
				return err
			}

			if !interactive {
				if err := generate(prompt, img); err != nil && !errors.Is(err, context.Canceled) {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				return nil
			}
			return interactiveLoop(runCtx, sess, prompt, img, generate)
		},
	}
}

// stopOnInterrupt stops the running generation on an interrupt. An interrupt
// while idle cancels ctx.
func stopOnInterrupt(ctx context.Context, sess *inference.Session, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				if sess.Running() {
					sess.Stop()
					continue
				}
				cancel()
				return
			}
		}
	}()
}

func interactiveLoop(ctx context.Context, sess *inference.Session, first string, img image.Image, generate func(string, image.Image) error) error {
	log := logger.FromContext(ctx)
	if first != "" {
		if err := generate(first, img); err != nil {
			log.Error("generation failed", "error", err)
		}
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		if isTTY() {
			fmt.Print("> ")
		}
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		text := strings.TrimSpace(line)
		switch text {
		case "":
		case "/exit", "/quit":
			return nil
		case "/reset":
			if rerr := sess.Reset(); rerr != nil {
				log.Warn("reset failed", "error", rerr)
			}
		default:
			if gerr := generate(text, nil); gerr != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error("generation failed", "error", gerr)
			}
		}
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
	}
}

func printStats(w io.Writer, res *inference.Result) {
	_, _ = fmt.Fprintf(w, "[%s] prompt=%d generated=%d ttft=%s total=%s %.2f tok/s\n",
		res.State,
		res.Stats.PromptTokens,
		res.Stats.GeneratedTokens,
		res.Stats.TimeToFirstToken.Round(time.Millisecond),
		res.Stats.Duration.Round(time.Millisecond),
		res.Stats.TokensPerSecond)
}
