// Package tokenizer converts between text and token ids.
//
// The variant is always chosen by configuration; nothing is detected from the
// model files.
package tokenizer

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samcharles93/tessera/internal/errdefs"
	"github.com/samcharles93/tessera/internal/tplparser"
)

// Tokenizer is the capability set every variant provides.
type Tokenizer interface {
	// Encode turns text into ids. imagePrompt asks variants that lay out image
	// placeholders themselves to do so.
	Encode(text string, imagePrompt bool) ([]int, error)
	Decode(ids []int) (string, error)
	// IsEnd reports whether id terminates generation.
	IsEnd(id int) bool
	// BOSID returns -1 when the vocabulary has no begin token.
	BOSID() int
	EOSID() int
}

// ContextTokenizer is implemented by variants whose calls can block, such as
// a remote service. The context bounds every attempt and the waits between them.
type ContextTokenizer interface {
	EncodeContext(ctx context.Context, text string, imagePrompt bool) ([]int, error)
	DecodeContext(ctx context.Context, ids []int) (string, error)
}

// EncodeContext encodes through tok's context-aware path when it has one.
func EncodeContext(ctx context.Context, tok Tokenizer, text string, imagePrompt bool) ([]int, error) {
	if c, ok := tok.(ContextTokenizer); ok {
		return c.EncodeContext(ctx, text, imagePrompt)
	}
	return tok.Encode(text, imagePrompt)
}

// DecodeContext decodes through tok's context-aware path when it has one.
func DecodeContext(ctx context.Context, tok Tokenizer, ids []int) (string, error) {
	if c, ok := tok.(ContextTokenizer); ok {
		return c.DecodeContext(ctx, ids)
	}
	return tok.Decode(ids)
}

// Vocabulary is implemented by local variants that can resolve token strings.
type Vocabulary interface {
	TokenID(piece string) (int, bool)
}

// Variants.
const (
	Llama   = "llama"
	MiniCPM = "minicpm"
	Phi3    = "phi3"
	Qwen    = "qwen"
	HTTP    = "http"
)

// Variants returns the accepted variant names.
func Variants() []string { return []string{Llama, MiniCPM, Phi3, Qwen, HTTP} }

// Config selects and configures a tokenizer.
type Config struct {
	Variant string `yaml:"variant"`
	// Path is a SentencePiece .model for llama, minicpm and phi3, or a
	// tokenizer.json for qwen.
	Path string `yaml:"path"`
	// ConfigPath is an optional tokenizer_config.json for qwen.
	ConfigPath string `yaml:"config_path"`
	// URL is the base address of a tokenizer service for the http variant.
	URL    string `yaml:"url"`
	AddBOS bool   `yaml:"add_bos"`
	AddEOS bool   `yaml:"add_eos"`

	// ControlStart makes every id at or above it an end token (qwen). Zero
	// uses the id of <|endoftext|>.
	ControlStart int `yaml:"control_start"`

	// Template wraps prompts in a chat format before encoding. See tplparser.
	Template    string `yaml:"template"`
	System      string `yaml:"system"`
	ImageTokens int    `yaml:"image_tokens"`

	Timeout time.Duration `yaml:"timeout"`
	// Retries defaults to 2; negative disables retrying.
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
	Client  *http.Client  `yaml:"-"`
}

// New builds the configured tokenizer. Load failures are tokenizer errors.
func New(ctx context.Context, cfg Config) (Tokenizer, error) {
	var (
		tok Tokenizer
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Variant)) {
	case Llama:
		tok, err = NewLlama(cfg.Path, cfg.AddBOS, cfg.AddEOS)
	case MiniCPM:
		tok, err = NewMiniCPM(cfg.Path, cfg.AddBOS, cfg.AddEOS)
	case Phi3:
		tok, err = NewPhi3(cfg.Path, cfg.AddBOS, cfg.AddEOS)
	case Qwen:
		tok, err = NewQwen(cfg.Path, cfg.ConfigPath, cfg.AddEOS, cfg.ControlStart)
	case HTTP:
		tok, err = Dial(ctx, cfg.URL, HTTPOptions{
			Timeout: cfg.Timeout,
			Retries: cfg.Retries,
			Backoff: cfg.Backoff,
			Client:  cfg.Client,
		})
	case "":
		return nil, errdefs.Tokenizer("load", fmt.Errorf("variant not set (expected one of %s)", strings.Join(Variants(), ", ")))
	default:
		return nil, errdefs.Tokenizer("load", fmt.Errorf("unknown variant %q (expected one of %s)", cfg.Variant, strings.Join(Variants(), ", ")))
	}
	if err != nil {
		return nil, errdefs.Tokenizer("load", err)
	}
	if cfg.Template != "" {
		if !tplparser.Supported(cfg.Template) {
			return nil, errdefs.Tokenizer("load", fmt.Errorf("unknown chat template %q", cfg.Template))
		}
		tok = WithTemplate(tok, cfg.Template, cfg.System, cfg.ImageTokens)
	}
	return tok, nil
}
