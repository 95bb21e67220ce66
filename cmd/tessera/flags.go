package main

import "github.com/urfave/cli/v3"

var (
	modelPath   string
	modelsPath  string
	backendName string
	libraryPath string
	threads     int64
	maxSequence int64
	mmap        bool
	dynamic     bool
	noPrefill   bool
	logLevel    string
	logFormat   string
	debug       bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a model YAML file",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory of model YAML files",
			Destination: &modelsPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, ort, toy)",
			Destination: &backendName,
		},
		&cli.StringFlag{
			Name:        "library-path",
			Usage:       "onnxruntime shared library",
			Sources:     cli.EnvVars("ONNXRUNTIME_LIB"),
			Destination: &libraryPath,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Usage:       "intra-op threads (0 = runtime default)",
			Destination: &threads,
		},
		&cli.Int64Flag{
			Name:        "max-sequence",
			Aliases:     []string{"max-seq"},
			Usage:       "cap on prompt plus generated tokens (0 = every cache slot)",
			Destination: &maxSequence,
		},
		&cli.BoolFlag{
			Name:        "mmap",
			Usage:       "memory-map weights and the embedding table",
			Destination: &mmap,
		},
		&cli.BoolFlag{
			Name:        "dynamic-layers",
			Usage:       "load each layer only for the duration of its call",
			Destination: &dynamic,
		},
		&cli.BoolFlag{
			Name:        "no-prefill",
			Usage:       "feed prompts through the decode profile",
			Destination: &noPrefill,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
