package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/inference"
	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/logits"
)

func benchmarkCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		prompt     string
		maxTokens  int64
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text for benchmarking",
			Value:       "Explain the theory of relativity in simple terms.",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n"},
			Usage:       "number of tokens to generate per run",
			Value:       128,
			Destination: &maxTokens,
		},
	)

	return &cli.Command{
		Name:  "benchmark",
		Usage: "Measure time to first token and decode throughput",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg, path, err := loadModelConfig(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model %s: %v", path, err), 1)
			}
			loadStart := time.Now()
			sess, err := openSession(ctx, cfg, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = sess.Close() }()
			loadDuration := time.Since(loadStart)

			fmt.Println("=== Tessera Benchmark ===")
			fmt.Printf("Model:      %s\n", path)
			fmt.Printf("Shapes:     %s\n", sess.Shapes())
			fmt.Printf("Backend:    %s\n", orDefault(cfg.Backend, "auto"))
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Load:       %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Tokens:     %d per run\n", maxTokens)
			fmt.Printf("Warmup:     %d runs\n", warmupRuns)
			fmt.Printf("Runs:       %d\n", benchRuns)
			fmt.Println()

			// Greedy and fresh context so every run does the same work.
			opts := []inference.RunOption{
				inference.WithSampler(logits.SamplerConfig{Seed: 42}),
				inference.WithMaxTokens(int(maxTokens)),
				inference.WithContinue(false),
			}

			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, err := sess.Run(ctx, inference.Prompt{Text: prompt}, nil, opts...); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			results := make([]inference.Stats, 0, benchRuns)
			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				res, err := sess.Run(ctx, inference.Prompt{Text: prompt}, nil, opts...)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, res.Stats)
			}
			if len(results) == 0 {
				return nil
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %8s %10s %10s %10s\n", "Run", "Prompt", "TTFT", "Duration", "tok/s")
			var sumTTFT time.Duration
			var sumTPS float64
			for i, r := range results {
				fmt.Printf("%-6d %8d %10s %10s %10.2f\n",
					i+1, r.PromptTokens, r.TimeToFirstToken.Round(time.Millisecond), r.Duration.Round(time.Millisecond), r.TokensPerSecond)
				sumTTFT += r.TimeToFirstToken
				sumTPS += r.TokensPerSecond
			}
			n := len(results)
			fmt.Printf("\n%-6s %8s %10s %10s %10.2f\n", "Avg", "",
				(sumTTFT / time.Duration(n)).Round(time.Millisecond), "", sumTPS/float64(n))

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %s alloc, %s sys\n", humanize.IBytes(mem.Alloc), humanize.IBytes(mem.Sys))
			return nil
		},
	}
}
