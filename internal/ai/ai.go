package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is one streamed completion delta. FinishReason is empty until the
// terminal chunk ("stop", "length", "content_filter", ...).
type Chunk struct {
	Delta        string `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Completer streams a chat completion. Both channels are closed when the
// stream ends; errs carries at most one error.
type Completer interface {
	StreamChat(ctx context.Context, messages []Message, maxTokens int) (<-chan Chunk, <-chan error)
	Model() string
}

// Moderator screens a single piece of free text.
type Moderator interface {
	Moderate(ctx context.Context, input string) (flagged bool, err error)
}
