package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/tessera/internal/inference"
)

// Config represents the user configuration file (~/.config/tessera/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Model     string `yaml:"model"`
	ModelsDir string `yaml:"models_dir"`

	// Sampling defaults, applied over the model file's sampler section.
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	MaxTokens     *int64   `yaml:"max_tokens"`
	Seed          *int64   `yaml:"seed"`

	// Runtime
	Backend     string `yaml:"backend"`
	LibraryPath string `yaml:"library_path"`
	Threads     *int64 `yaml:"threads"`
	Mmap        *bool  `yaml:"mmap"`

	// Output
	StreamMode string `yaml:"stream_mode"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	if p := os.Getenv("TESSERA_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tessera", "config.yaml")
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig fills model flags from the config file when they were not
// set on the command line.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.LibraryPath != "" && !c.IsSet("library-path") {
		libraryPath = cfg.LibraryPath
	}
	if cfg.Threads != nil && !c.IsSet("threads") {
		threads = *cfg.Threads
	}
	if cfg.Mmap != nil && !c.IsSet("mmap") {
		mmap = *cfg.Mmap
	}
}

// applyRunConfig fills the per-request options from the config file, then
// lets explicitly set flags win.
func applyRunConfig(c *cli.Command, cfg Config, opts *inference.RequestOptions, streamMode *string) {
	if cfg.Temperature != nil {
		opts.Temperature = cfg.Temperature
	}
	if cfg.TopK != nil {
		v := int(*cfg.TopK)
		opts.TopK = &v
	}
	if cfg.TopP != nil {
		opts.TopP = cfg.TopP
	}
	if cfg.MinP != nil {
		opts.MinP = cfg.MinP
	}
	if cfg.RepeatPenalty != nil {
		opts.RepeatPenalty = cfg.RepeatPenalty
	}
	if cfg.MaxTokens != nil {
		v := int(*cfg.MaxTokens)
		opts.MaxTokens = &v
	}
	if cfg.Seed != nil {
		opts.Seed = cfg.Seed
	}
	if cfg.StreamMode != "" && !c.IsSet("stream-mode") {
		*streamMode = cfg.StreamMode
	}

	if c.IsSet("temp") {
		v := c.Float64("temp")
		opts.Temperature = &v
	}
	if c.IsSet("top-k") {
		v := int(c.Int64("top-k"))
		opts.TopK = &v
	}
	if c.IsSet("top-p") {
		v := c.Float64("top-p")
		opts.TopP = &v
	}
	if c.IsSet("min-p") {
		v := c.Float64("min-p")
		opts.MinP = &v
	}
	if c.IsSet("repeat-penalty") {
		v := c.Float64("repeat-penalty")
		opts.RepeatPenalty = &v
	}
	if c.IsSet("repeat-last-n") {
		v := int(c.Int64("repeat-last-n"))
		opts.RepeatLastN = &v
	}
	if c.IsSet("max-tokens") {
		v := int(c.Int64("max-tokens"))
		opts.MaxTokens = &v
	}
	if c.IsSet("seed") {
		v := c.Int64("seed")
		opts.Seed = &v
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
