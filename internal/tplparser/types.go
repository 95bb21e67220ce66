package tplparser

// Message is one chat turn.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

type RenderOptions struct {
	// Template names the chat format: chatml, qwen, internvl, llama3 or minicpm.
	Template string
	// System is used when Messages carries no system turn.
	System              string
	BOSToken            string
	AddBOS              bool
	AddGenerationPrompt bool
	KeepPastThinking    bool
	// Images is the number of image blocks to emit in the first user turn.
	Images int
	// ImageTokens is the count of context placeholders per image block.
	ImageTokens int
	Messages    []Message
}

// Placeholder strings for image blocks.
const (
	ImageStart   = "<img>"
	ImageEnd     = "</img>"
	ImageContext = "<IMG_CONTEXT>"

	// DefaultImageTokens is the per-image context length of 448px InternVL encoders.
	DefaultImageTokens = 256
)
