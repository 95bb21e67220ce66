package api

import "github.com/samcharles93/tessera/internal/inference"

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
	// Image is a base64 PNG, JPEG or WebP, optionally as a data URL.
	Image  string `json:"image,omitempty"`
	Stream *bool  `json:"stream,omitempty"`

	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	MinP          *float64 `json:"min_p,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	RepeatLastN   *int     `json:"repeat_last_n,omitempty"`
	Continue      *bool    `json:"continue,omitempty"`
}

func (r *GenerateRequest) streaming() bool { return r.Stream != nil && *r.Stream }

func (r *GenerateRequest) options() inference.RequestOptions {
	return inference.RequestOptions{
		MaxTokens:     r.MaxTokens,
		Seed:          r.Seed,
		Temperature:   r.Temperature,
		TopK:          r.TopK,
		TopP:          r.TopP,
		MinP:          r.MinP,
		RepeatPenalty: r.RepeatPenalty,
		RepeatLastN:   r.RepeatLastN,
		Continue:      r.Continue,
	}
}

// Generation is the JSON form of a finished (or running) Run.
type Generation struct {
	ID          string           `json:"id"`
	Object      string           `json:"object"`
	CreatedAt   int64            `json:"created_at"`
	CompletedAt *int64           `json:"completed_at,omitempty"`
	Status      string           `json:"status"`
	Text        string           `json:"text"`
	Tokens      []int            `json:"tokens"`
	Usage       *GenerationUsage `json:"usage,omitempty"`
	Error       *ErrorBody       `json:"error,omitempty"`
}

type GenerationUsage struct {
	PromptTokens       int     `json:"prompt_tokens"`
	GeneratedTokens    int     `json:"generated_tokens"`
	TimeToFirstTokenMS float64 `json:"time_to_first_token_ms"`
	DurationMS         float64 `json:"duration_ms"`
	TokensPerSecond    float64 `json:"tokens_per_second"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type DeleteGenerationResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	State   string           `json:"state"`
	Running bool             `json:"running"`
	Vision  bool             `json:"vision"`
	Shapes  inference.Shapes `json:"shapes"`
}

type StopResponse struct {
	Stopping bool `json:"stopping"`
}

type ResetResponse struct {
	Reset bool `json:"reset"`
}
