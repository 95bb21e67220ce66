package tokenizer

import (
	"context"

	"github.com/samcharles93/tessera/internal/tplparser"
)

// templated renders prompts through a chat template before handing them to the base tokenizer.
type templated struct {
	Tokenizer
	template    string
	system      string
	imageTokens int
}

// WithTemplate wraps base so Encode renders text as a single user turn of the
// named chat template. Image prompts add one image placeholder block.
func WithTemplate(base Tokenizer, template, system string, imageTokens int) Tokenizer {
	return &templated{Tokenizer: base, template: template, system: system, imageTokens: imageTokens}
}

func (t *templated) Encode(text string, imagePrompt bool) ([]int, error) {
	return t.EncodeContext(context.Background(), text, imagePrompt)
}

func (t *templated) EncodeContext(ctx context.Context, text string, imagePrompt bool) ([]int, error) {
	images := 0
	if imagePrompt {
		images = 1
	}
	out, ok, err := tplparser.Render(tplparser.RenderOptions{
		Template:            t.template,
		System:              t.system,
		AddGenerationPrompt: true,
		Images:              images,
		ImageTokens:         t.imageTokens,
		Messages:            []tplparser.Message{{Role: "user", Content: text}},
	})
	if err != nil {
		return nil, err
	}
	if ok {
		text = out
	}
	return EncodeContext(ctx, t.Tokenizer, text, imagePrompt)
}

func (t *templated) DecodeContext(ctx context.Context, ids []int) (string, error) {
	return DecodeContext(ctx, t.Tokenizer, ids)
}

// TokenID forwards to the base tokenizer when it exposes its vocabulary.
func (t *templated) TokenID(piece string) (int, bool) {
	if v, ok := t.Tokenizer.(Vocabulary); ok {
		return v.TokenID(piece)
	}
	return 0, false
}
