package inference

import (
	"image"
	"time"
)

// State is the lifecycle of one Run.
type State int32

const (
	StateIdle State = iota
	StatePrefilling
	StateDecoding
	StateCompleted
	StateCancelled
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrefilling:
		return "prefilling"
	case StateDecoding:
		return "decoding"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Done reports whether s is a terminal state.
func (s State) Done() bool { return s >= StateCompleted }

// Prompt is the input of one Run. Image is optional and needs a model with a
// vision encoder.
type Prompt struct {
	Text  string
	Image image.Image
}

// Chunk is one batch of accepted tokens delivered to a StreamFunc.
type Chunk struct {
	IDs  []int
	Text string
	// TokensPerSecond is the generation rate of the run so far.
	TokensPerSecond float64
}

// StreamFunc receives decoded batches while a Run is in progress. It is called
// on the goroutine that called Run.
type StreamFunc func(Chunk)

// Stats are the timings of one Run.
type Stats struct {
	PromptTokens     int
	GeneratedTokens  int
	TimeToFirstToken time.Duration
	Duration         time.Duration
	TokensPerSecond  float64
}

// Result is the outcome of a Run. Text and Tokens cover generated tokens only;
// the end token that stopped generation is not included.
type Result struct {
	Text   string
	Tokens []int
	State  State
	Stats  Stats
}
