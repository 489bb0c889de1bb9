package tokens

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/docsassist/ai-help/internal/ai"
)

// Counter counts tokens the way the completion model's tokenizer does. All
// budget arithmetic in the pipeline goes through this interface.
type Counter interface {
	Count(text string) int
	CountMessages(messages []ai.Message) int
}

// Per-message framing overhead of the chat completion format, plus the
// assistant reply priming tokens. These match the OpenAI cookbook counting
// rules for gpt-4-class models.
const (
	tokensPerMessage = 3
	replyPriming     = 3
)

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter returns a Counter backed by the tokenizer for model. Unknown
// models fall back to the cl100k_base encoding.
func NewCounter(model string) (Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	return &tiktokenCounter{enc: enc}, nil
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

func (c *tiktokenCounter) CountMessages(messages []ai.Message) int {
	total := replyPriming
	for _, m := range messages {
		total += tokensPerMessage
		total += c.Count(m.Role)
		total += c.Count(m.Content)
	}
	return total
}
