package help

import "github.com/docsassist/ai-help/internal/ai"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Sanitize filters the incoming message list down to user/assistant turns.
// Anything else (notably injected system messages) is dropped. The result
// must end with a user message, since that message drives moderation and
// retrieval.
func Sanitize(messages []ai.Message) ([]ai.Message, error) {
	out := make([]ai.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleUser || m.Role == RoleAssistant {
			out = append(out, m)
		}
	}

	hasUser := false
	for _, m := range out {
		if m.Role == RoleUser {
			hasUser = true
			break
		}
	}
	if !hasUser {
		return nil, ErrNoUserPrompt
	}
	if out[len(out)-1].Role != RoleUser {
		return nil, ErrNoUserPrompt
	}
	return out, nil
}
