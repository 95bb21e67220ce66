package inference

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/tessera/internal/errdefs"
	"github.com/samcharles93/tessera/internal/logits"
	"github.com/samcharles93/tessera/internal/tokenizer"
	"github.com/samcharles93/tessera/internal/vision"
)

// Config describes a model split into per-layer units and how to run it.
type Config struct {
	// Backend is "auto", "ort" or "toy".
	Backend     string `yaml:"backend"`
	LibraryPath string `yaml:"library_path"`
	Threads     int    `yaml:"threads"`

	Embedding string   `yaml:"embedding"`
	Layers    []string `yaml:"layers"`
	Post      string   `yaml:"post"`
	Vocab     int      `yaml:"vocab"`
	// Embed, when set, must match the width declared by the layers.
	Embed int `yaml:"embed"`
	// MaxSequence caps prompt plus generated positions. Zero uses every cache slot.
	MaxSequence int `yaml:"max_sequence"`

	Mmap          bool `yaml:"mmap"`
	DynamicLayers bool `yaml:"dynamic_layers"`
	HardwareTop1  bool `yaml:"hardware_top1"`
	// NoPrefill feeds prompts through the decode profile even when the layers
	// have a prefill profile.
	NoPrefill bool `yaml:"no_prefill"`
	// Continue keeps the cache between Runs so each prompt extends the last one.
	Continue bool `yaml:"continue"`

	Tokenizer tokenizer.Config     `yaml:"tokenizer"`
	Sampler   logits.SamplerConfig `yaml:"sampler"`
	Vision    *VisionConfig        `yaml:"vision"`
}

// VisionConfig enables the image path.
type VisionConfig struct {
	Encoder   string `yaml:"encoder"`
	Resampler string `yaml:"resampler"`
	Patch     int    `yaml:"patch"`
	// PositionStride is the row stride of the resampler position ids. Zero uses the grid width.
	PositionStride int `yaml:"position_stride"`
	// Placeholder is the token spliced over by image rows, by text or by id.
	Placeholder   string               `yaml:"placeholder"`
	PlaceholderID int                  `yaml:"placeholder_id"`
	Boundary      vision.BoundaryScale `yaml:"boundary"`
	Norm          vision.Normalization `yaml:"normalization"`
	CacheSize     int                  `yaml:"cache_size"`
}

// Shapes are the runtime constants derived at Init.
type Shapes struct {
	Layers  int `json:"layers"`
	Vocab   int `json:"vocab"`
	Embed   int `json:"embed"`
	Slots   int `json:"slots"`
	Width   int `json:"width"`
	MaskLen int `json:"mask_len"`
	// Prefill is the prefill block size, 0 when prompts go through decode.
	Prefill     int `json:"prefill"`
	MaxSequence int `json:"max_sequence"`
	ImageTokens int `json:"image_tokens"`
}

// Validate checks the fields that do not need any artifact.
func (c Config) Validate() error {
	switch {
	case c.Embedding == "":
		return errdefs.Config(nil, "config: embedding path is required")
	case len(c.Layers) == 0:
		return errdefs.Config(nil, "config: at least one layer is required")
	case c.Post == "":
		return errdefs.Config(nil, "config: post processor path is required")
	case c.Vocab <= 0:
		return errdefs.Config(nil, "config: vocab must be positive, got %d", c.Vocab)
	case c.Embed < 0 || c.MaxSequence < 0:
		return errdefs.Config(nil, "config: embed and max_sequence must not be negative")
	}
	if c.Vision != nil && c.Vision.Encoder == "" {
		return errdefs.Config(nil, "config: vision.encoder is required when vision is set")
	}
	return nil
}

// LoadConfig reads a YAML model description. Relative artifact paths are
// resolved against the file's directory.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errdefs.Config(err, "read config")
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errdefs.Config(err, "parse config %s", path)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

func (c *Config) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.Embedding = abs(c.Embedding)
	c.Post = abs(c.Post)
	for i, l := range c.Layers {
		c.Layers[i] = abs(l)
	}
	c.Tokenizer.Path = abs(c.Tokenizer.Path)
	c.Tokenizer.ConfigPath = abs(c.Tokenizer.ConfigPath)
	if c.Vision != nil {
		c.Vision.Encoder = abs(c.Vision.Encoder)
		c.Vision.Resampler = abs(c.Vision.Resampler)
	}
}

func (s Shapes) String() string {
	return fmt.Sprintf("layers=%d vocab=%d embed=%d slots=%d width=%d prefill=%d max_sequence=%d",
		s.Layers, s.Vocab, s.Embed, s.Slots, s.Width, s.Prefill, s.MaxSequence)
}
