package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/tokenizer"
)

func tokenizeCmd() *cli.Command {
	var (
		decode      bool
		imagePrompt bool
	)

	return &cli.Command{
		Name:      "tokenize",
		Usage:     "Encode text with the model's tokenizer, or decode ids with --decode",
		ArgsUsage: "<text | ids...>",
		Flags: append(commonModelFlags(),
			&cli.BoolFlag{
				Name:        "decode",
				Aliases:     []string{"d"},
				Usage:       "treat arguments as token ids and print the text",
				Destination: &decode,
			},
			&cli.BoolFlag{
				Name:        "image-prompt",
				Usage:       "encode as a prompt that carries an image",
				Destination: &imagePrompt,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.NArg() == 0 {
				return cli.Exit("error: nothing to tokenize", 1)
			}
			cfg, path, err := loadModelConfig(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model %s: %v", path, err), 1)
			}
			tok, err := tokenizer.New(ctx, cfg.Tokenizer)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if decode {
				ids, err := parseIDs(c.Args().Slice())
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				text, err := tokenizer.DecodeContext(ctx, tok, ids)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				fmt.Println(text)
				return nil
			}

			ids, err := tokenizer.EncodeContext(ctx, tok, strings.Join(c.Args().Slice(), " "), imagePrompt)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fmt.Println(formatIDs(ids))
			fmt.Printf("%d tokens (bos=%d eos=%d)\n", len(ids), tok.BOSID(), tok.EOSID())
			return nil
		},
	}
}

func parseIDs(args []string) ([]int, error) {
	var ids []int
	for _, a := range args {
		for _, f := range strings.FieldsFunc(a, func(r rune) bool { return r == ',' || r == ' ' }) {
			id, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("invalid token id %q", f)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func formatIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " ")
}
