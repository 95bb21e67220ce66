package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/inference"
	"github.com/samcharles93/tessera/internal/logger"
)

func listModelsCmd() *cli.Command {
	return &cli.Command{
		Name:    "list-models",
		Aliases: []string{"ls", "models"},
		Usage:   "List model files in the models directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "models-path",
				Aliases:     []string{"path"},
				Usage:       "directory of model YAML files",
				Destination: &modelsPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, LoadConfig())

			dir := strings.TrimSpace(modelsPath)
			if dir == "" {
				dir = strings.TrimSpace(os.Getenv(envModelsDir))
			}
			if dir == "" {
				return cli.Exit("error: --models-path is required unless "+envModelsDir+" is set", 1)
			}

			models, err := discoverModels(dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(models) == 0 {
				fmt.Printf("no models in %s\n", dir)
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tLAYERS\tTOKENIZER\tVISION\tSIZE")
			for _, m := range models {
				name := modelDisplayName(dir, m)
				cfg, err := inference.LoadConfig(m)
				if err != nil {
					log.Warn("skipping model", "path", m, "error", err)
					_, _ = fmt.Fprintf(tw, "%s\t-\t-\t-\tinvalid\n", name)
					continue
				}
				var total int64
				for _, a := range modelArtifacts(cfg) {
					total += a.Size
				}
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%t\t%s\n",
					name, len(cfg.Layers), cfg.Tokenizer.Variant, cfg.Vision != nil, humanize.IBytes(uint64(total)))
			}
			return tw.Flush()
		},
	}
}
