package help

import (
	"fmt"
	"strings"

	"github.com/docsassist/ai-help/internal/ai"
	"github.com/docsassist/ai-help/internal/retrieval"
	"github.com/docsassist/ai-help/internal/tokens"
)

// Budget is the token envelope the composed prompt must fit.
type Budget struct {
	// TokenLimit is the model's context window.
	TokenLimit int
	// ContextLimit is the share reserved for retrieved fragments.
	ContextLimit int
	// MaxCompletionTokens is reserved for the model's answer.
	MaxCompletionTokens int
}

const systemPrompt = "You are a documentation assistant. Answer developer questions " +
	"using only the provided documentation context. If the context does not " +
	"contain the answer, say so instead of guessing. Answer in markdown, and " +
	"include code examples where they help."

const instructionSuffix = "Answer the next question using the documentation context above. " +
	"Cite the relevant pages when possible."

// Prompt is the budget-fitted completion input plus what the caller needs to
// report back: the fragments that made it in and the deduplicated sources.
type Prompt struct {
	Messages  []ai.Message
	Fragments []retrieval.Fragment
	Sources   []retrieval.RefDoc
}

// Composer assembles the final message list under the budget.
type Composer struct {
	counter tokens.Counter
	budget  Budget
}

func NewComposer(counter tokens.Counter, budget Budget) *Composer {
	return &Composer{counter: counter, budget: budget}
}

// selectFragments scans nearest-first, keeping a fragment only if the
// running total stays under the context limit. An oversized near fragment is
// skipped, not a stopping point: smaller, farther fragments may still fit.
// Token counts are per fragment, not on the assembled block.
func (c *Composer) selectFragments(frags []retrieval.Fragment) ([]retrieval.Fragment, []retrieval.RefDoc) {
	var kept []retrieval.Fragment
	var refs []retrieval.RefDoc
	seen := make(map[string]bool)

	running := 0
	for _, f := range frags {
		f.Tokens = c.counter.Count(fragmentText(f))
		if running+f.Tokens >= c.budget.ContextLimit {
			continue
		}
		running += f.Tokens
		kept = append(kept, f)
		if !seen[f.URL] {
			seen[f.URL] = true
			refs = append(refs, retrieval.RefDoc{URL: f.URL, Title: f.Title})
		}
	}
	return kept, refs
}

func fragmentText(f retrieval.Fragment) string {
	return fmt.Sprintf("## %s\n%s\n\n%s", f.Title, f.URL, f.Content)
}

func contextBlock(frags []retrieval.Fragment) string {
	var b strings.Builder
	b.WriteString("Documentation context:\n")
	for _, f := range frags {
		b.WriteString("\n")
		b.WriteString(fragmentText(f))
		b.WriteString("\n")
	}
	return b.String()
}

// Compose runs fragment selection, assembles the fixed prefix, and trims the
// conversation from the front until everything plus the completion reserve
// fits the context window.
func (c *Composer) Compose(frags []retrieval.Fragment, conversation []ai.Message) (*Prompt, error) {
	kept, refs := c.selectFragments(frags)

	init := []ai.Message{{Role: RoleSystem, Content: systemPrompt}}
	if len(kept) > 0 {
		init = append(init, ai.Message{Role: RoleUser, Content: contextBlock(kept)})
	}
	if instructionSuffix != "" {
		init = append(init, ai.Message{Role: RoleUser, Content: instructionSuffix})
	}

	// If the fixed prefix alone blows the budget, no amount of trimming
	// the conversation can save the request.
	if c.counter.CountMessages(init)+c.budget.MaxCompletionTokens >= c.budget.TokenLimit {
		return nil, ErrTokenLimit
	}

	// Drop the oldest message one at a time, recounting the whole list
	// from scratch each round: tokenization is not additive across
	// message boundaries, so incremental bookkeeping would drift.
	tail := conversation
	for {
		final := append(append([]ai.Message{}, init...), tail...)
		if c.counter.CountMessages(final)+c.budget.MaxCompletionTokens <= c.budget.TokenLimit {
			return &Prompt{Messages: final, Fragments: kept, Sources: refs}, nil
		}
		if len(tail) == 0 {
			return nil, ErrTokenLimit
		}
		tail = tail[1:]
	}
}
