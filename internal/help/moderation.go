package help

import (
	"context"
	"time"

	"github.com/docsassist/ai-help/internal/ai"
)

// Gate screens request content before anything is retrieved or generated.
// Fail-closed: a moderation transport error rejects the request.
type Gate struct {
	moderator ai.Moderator
	timeout   time.Duration
}

func NewGate(moderator ai.Moderator, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gate{moderator: moderator, timeout: timeout}
}

type moderationResult struct {
	flagged bool
	err     error
}

// Check dispatches one moderation call per user message concurrently and
// joins all of them. If any message is flagged the whole batch fails with
// ErrFlagged, regardless of completion order. A transport error fails the
// gate immediately; already-dispatched siblings are abandoned, and the
// buffered channel lets their late results be discarded without blocking.
func (g *Gate) Check(ctx context.Context, messages []ai.Message) error {
	inputs := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleUser && m.Content != "" {
			inputs = append(inputs, m.Content)
		}
	}
	if len(inputs) == 0 {
		return nil
	}

	results := make(chan moderationResult, len(inputs))
	for _, input := range inputs {
		go func(input string) {
			cctx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			flagged, err := g.moderator.Moderate(cctx, input)
			results <- moderationResult{flagged: flagged, err: err}
		}(input)
	}

	flagged := false
	for i := 0; i < len(inputs); i++ {
		r := <-results
		if r.err != nil {
			return &UpstreamError{Op: "moderation", Err: r.err}
		}
		if r.flagged {
			flagged = true
		}
	}
	if flagged {
		return ErrFlagged
	}
	return nil
}
